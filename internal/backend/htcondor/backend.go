// Package htcondor drives an HTCondor schedd through its command line
// tools.
package htcondor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Runner executes one external command. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Backend implements models.ClusterBackend on condor_submit, condor_q and
// condor_rm.
type Backend struct {
	cfg     config.HTCondorConfig
	runner  Runner
	builder DescriptionBuilder
}

// NewBackend creates an HTCondor backend. A nil runner executes the real
// binaries.
func NewBackend(cfg config.HTCondorConfig, runner Runner) *Backend {
	if runner == nil {
		runner = execRunner{}
	}
	return &Backend{cfg: cfg, runner: runner}
}

func (b *Backend) Name() string { return "htcondor" }

func (b *Backend) scheddArgs() []string {
	if b.cfg.Schedd == "" {
		return nil
	}
	return []string{"-name", b.cfg.Schedd}
}

// Submit queues every acceptable job in a single cluster. Jobs that cannot
// be described are rejected individually. When condor_submit refuses a
// description of several jobs it is split in halves and resubmitted, so a
// refusal only rejects the jobs that cause it.
func (b *Backend) Submit(ctx context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error) {
	res := models.NewSubmitResult()

	accepted := make([]models.JobDescriptor, 0, len(jobs))
	for _, j := range jobs {
		if reason := checkDescriptor(j); reason != "" {
			res.Rejected[j.JobID] = &models.RejectionError{JobID: j.JobID, Reason: reason}
			continue
		}
		accepted = append(accepted, j)
	}
	if len(accepted) == 0 {
		return res, nil
	}
	return res, b.submit(ctx, accepted, res)
}

// submit queues jobs and records the outcome in res. On error res holds
// whatever was queued before it.
func (b *Backend) submit(ctx context.Context, jobs []models.JobDescriptor, res models.SubmitResult) error {
	desc := b.builder.Build(jobs)
	args := append([]string{"-terse"}, b.scheddArgs()...)
	args = append(args, "-")

	stdout, stderr, err := b.runner.Run(ctx, b.cfg.SubmitBin, args, []byte(desc))
	if err != nil {
		if isUnavailable(err, stderr) {
			return unavailable("condor_submit", err, stderr)
		}
		if len(jobs) > 1 {
			mid := len(jobs) / 2
			if err := b.submit(ctx, jobs[:mid], res); err != nil {
				return err
			}
			return b.submit(ctx, jobs[mid:], res)
		}
		reason := strings.TrimSpace(string(stderr))
		if reason == "" {
			reason = err.Error()
		}
		res.Rejected[jobs[0].JobID] = &models.RejectionError{JobID: jobs[0].JobID, Reason: reason}
		return nil
	}

	refs, err := parseTerse(stdout)
	if err != nil {
		return err
	}
	if len(refs) != len(jobs) {
		return fmt.Errorf("condor_submit queued %d procs for %d jobs", len(refs), len(jobs))
	}
	for i, j := range jobs {
		res.Refs[j.JobID] = refs[i]
	}
	return nil
}

var terseRe = regexp.MustCompile(`^(\d+)\.(\d+)\s*-\s*(\d+)\.(\d+)$`)

// parseTerse expands "C.P0 - C.Pn" lines into one reference per proc.
func parseTerse(out []byte) ([]string, error) {
	var refs []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := terseRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("unexpected condor_submit output %q", line)
		}
		if m[1] != m[3] {
			return nil, fmt.Errorf("condor_submit range spans clusters: %q", line)
		}
		lo, _ := strconv.Atoi(m[2])
		hi, _ := strconv.Atoi(m[4])
		for p := lo; p <= hi; p++ {
			refs = append(refs, m[1]+"."+strconv.Itoa(p))
		}
	}
	return refs, sc.Err()
}

// Poll asks condor_q for JobStatus of each reference. References that are
// no longer in the queue are reported as LiveUnknown.
func (b *Backend) Poll(ctx context.Context, refs []string) (map[string]models.LiveStatus, error) {
	out := make(map[string]models.LiveStatus, len(refs))
	for _, r := range refs {
		out[r] = models.LiveUnknown
	}
	if len(refs) == 0 {
		return out, nil
	}

	args := append(b.scheddArgs(), refs...)
	args = append(args, "-af:j", "JobStatus")
	stdout, stderr, err := b.runner.Run(ctx, b.cfg.QueueBin, args, nil)
	if err != nil {
		return nil, unavailable("condor_q", err, stderr)
	}

	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		if _, ok := out[fields[0]]; !ok {
			continue
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		out[fields[0]] = liveStatus(code)
	}
	return out, sc.Err()
}

// liveStatus maps the JobStatus ClassAd attribute.
func liveStatus(code int) models.LiveStatus {
	switch code {
	case 1:
		return models.LiveQueued
	case 2, 6, 7:
		return models.LiveRunning
	case 3, 5:
		return models.LiveFailed
	case 4:
		return models.LiveDone
	default:
		return models.LiveUnknown
	}
}

var removedRe = regexp.MustCompile(`(?m)^Job \S+ marked for removal`)

// Cancel removes the references with condor_rm. Jobs that are already gone
// make condor_rm exit non-zero; that is not an error here.
func (b *Backend) Cancel(ctx context.Context, refs []string) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	args := append(b.scheddArgs(), refs...)
	stdout, stderr, err := b.runner.Run(ctx, b.cfg.RemoveBin, args, nil)
	n := len(removedRe.FindAll(stdout, -1))
	if err != nil && isUnavailable(err, stderr) {
		return n, unavailable("condor_rm", err, stderr)
	}
	return n, nil
}

// isUnavailable reports whether a failed command means the schedd could
// not be reached rather than that it refused the request.
func isUnavailable(err error, stderr []byte) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(string(stderr))
	for _, s := range []string{"failed to connect", "can't connect", "cannot connect", "can't find address", "connection refused", "timed out"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func unavailable(cmd string, err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("%w: %s: %v", models.ErrBackendUnavailable, cmd, err)
	}
	return fmt.Errorf("%w: %s: %v: %s", models.ErrBackendUnavailable, cmd, err, msg)
}

// Compile-time check that Backend implements ClusterBackend.
var _ models.ClusterBackend = (*Backend)(nil)
