// Package slurm submits and tracks jobs through the slurmrestd REST API.
package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Backend implements models.ClusterBackend using slurmrestd.
type Backend struct {
	baseURL    string
	apiVersion string
	user       string
	token      string
	partition  string
	client     *http.Client
}

// NewBackend creates a new Slurm REST backend.
func NewBackend(cfg config.SlurmConfig) *Backend {
	return &Backend{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		user:       cfg.User,
		token:      cfg.Token,
		partition:  cfg.Partition,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *Backend) Name() string { return "slurm" }

// Submit posts one job per descriptor. If the daemon becomes unreachable
// or refuses the credentials part way, the jobs submitted so far are
// returned with the error and the remainder is in neither map.
func (b *Backend) Submit(ctx context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error) {
	res := models.NewSubmitResult()
	for _, j := range jobs {
		ref, err := b.submitOne(ctx, j)
		switch {
		case err == nil:
			res.Refs[j.JobID] = ref
		case errors.Is(err, models.ErrBackendUnavailable), errors.Is(err, models.ErrBackendConfig):
			return res, err
		default:
			res.Rejected[j.JobID] = err
		}
	}
	return res, nil
}

func (b *Backend) submitOne(ctx context.Context, j models.JobDescriptor) (string, error) {
	body, err := json.Marshal(submitRequest{
		Script: script(j),
		Job:    b.jobProperties(j),
	})
	if err != nil {
		return "", &models.RejectionError{JobID: j.JobID, Reason: err.Error()}
	}

	var resp submitResponse
	status, err := b.do(ctx, http.MethodPost, b.path("job", "submit"), body, &resp)
	if err != nil {
		return "", err
	}
	msg := resp.Errors.String()
	if status >= http.StatusInternalServerError && msg == "" {
		return "", fmt.Errorf("%w: slurmrestd status %d on submit", models.ErrBackendUnavailable, status)
	}
	if msg != "" || status != http.StatusOK {
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return "", &models.RejectionError{JobID: j.JobID, Reason: msg}
	}
	if resp.JobID == 0 {
		return "", &models.RejectionError{JobID: j.JobID, Reason: "no job_id in response"}
	}
	return strconv.FormatInt(resp.JobID, 10), nil
}

func (b *Backend) jobProperties(j models.JobDescriptor) jobProperties {
	p := jobProperties{
		Name:                    j.BatchName,
		Partition:               b.partition,
		CurrentWorkingDirectory: j.OutputDirectory,
		StandardOutput:          j.OutputDirectory + "/job.out",
		StandardError:           j.OutputDirectory + "/job.err",
		Environment: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"SIMCAMP_JOB_ID=" + j.JobID,
		},
		Comment: "simcamp:" + j.JobID,
	}
	if p.Name == "" {
		p.Name = j.JobID
	}
	if len(j.InputFiles) > 0 {
		p.Environment = append(p.Environment, "SIMCAMP_INPUT_FILES="+strings.Join(j.InputFiles, ":"))
	}
	if v, ok := j.ResourceRequests["cpus"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			p.CPUsPerTask = n
		}
	}
	if v, ok := j.ResourceRequests["memory"]; ok {
		if mb, ok := parseMemoryMB(v); ok {
			p.MemoryPerNode = &setNumber{Set: true, Number: mb}
		}
	}
	if v, ok := j.ResourceRequests["time"]; ok {
		if minutes, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.TimeLimit = &setNumber{Set: true, Number: minutes}
		}
	}
	return p
}

// Poll looks up every reference. Job ids slurmctld no longer knows are
// LiveUnknown; any other failed lookup is ErrBackendUnavailable.
func (b *Backend) Poll(ctx context.Context, refs []string) (map[string]models.LiveStatus, error) {
	out := make(map[string]models.LiveStatus, len(refs))
	for _, ref := range refs {
		var resp jobsResponse
		status, err := b.do(ctx, http.MethodGet, b.path("job", ref), nil, &resp)
		if err != nil {
			return nil, err
		}
		out[ref] = models.LiveUnknown
		if status != http.StatusOK {
			if status == http.StatusNotFound || resp.Errors.invalidJobID() {
				continue
			}
			msg := resp.Errors.String()
			if msg == "" {
				msg = http.StatusText(status)
			}
			return nil, fmt.Errorf("%w: slurmrestd status %d on job %s: %s", models.ErrBackendUnavailable, status, ref, msg)
		}
		for _, job := range resp.Jobs {
			if strconv.FormatInt(job.JobID, 10) == ref {
				out[ref] = liveStatus(job.JobState)
			}
		}
	}
	return out, nil
}

// liveStatus maps Slurm job states. A job may carry several flags; the
// base state comes first.
func liveStatus(states []string) models.LiveStatus {
	if len(states) == 0 {
		return models.LiveUnknown
	}
	switch states[0] {
	case "PENDING", "REQUEUED", "SUSPENDED":
		return models.LiveQueued
	case "RUNNING", "COMPLETING", "CONFIGURING":
		return models.LiveRunning
	case "COMPLETED":
		return models.LiveDone
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return models.LiveFailed
	default:
		return models.LiveUnknown
	}
}

// Cancel sends DELETE for every reference. Unknown job ids are skipped.
func (b *Backend) Cancel(ctx context.Context, refs []string) (int, error) {
	n := 0
	for _, ref := range refs {
		var resp jobsResponse
		status, err := b.do(ctx, http.MethodDelete, b.path("job", ref), nil, &resp)
		if err != nil {
			return n, err
		}
		if status == http.StatusOK && resp.Errors.String() == "" {
			n++
		}
	}
	return n, nil
}

func (b *Backend) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("%s/slurm/%s/%s", b.baseURL, b.apiVersion, strings.Join(escaped, "/"))
}

// do sends one request and decodes any JSON body into out. Transport
// failures and gateway errors are ErrBackendUnavailable, refused
// credentials are ErrBackendConfig; every other status is returned for the
// caller to judge.
func (b *Backend) do(ctx context.Context, method, u string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return resp.StatusCode, fmt.Errorf("%w: slurmrestd status %d", models.ErrBackendUnavailable, resp.StatusCode)
	case http.StatusUnauthorized, http.StatusForbidden:
		return resp.StatusCode, fmt.Errorf("%w: slurmrestd status %d: check SLURM_USER and SLURM_TOKEN",
			models.ErrBackendConfig, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, fmt.Errorf("decoding slurm response: %w", err)
	}
	return resp.StatusCode, nil
}

func (b *Backend) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b.user != "" {
		req.Header.Set("X-SLURM-USER-NAME", b.user)
	}
	if b.token != "" {
		req.Header.Set("X-SLURM-USER-TOKEN", b.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", models.ErrBackendUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", models.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
}

// script wraps the executable in a batch script with shell-quoted args.
func script(j models.JobDescriptor) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("exec ")
	sb.WriteString(shellQuote(j.Executable))
	for _, a := range j.Arguments {
		sb.WriteByte(' ')
		sb.WriteString(shellQuote(a))
	}
	sb.WriteByte('\n')
	return sb.String()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseMemoryMB reads sizes like 512, 512MB, 2G or 2GB as megabytes.
func parseMemoryMB(s string) (int64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	s = strings.TrimSuffix(s, "B")
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}

type submitRequest struct {
	Script string        `json:"script"`
	Job    jobProperties `json:"job"`
}

type setNumber struct {
	Set    bool  `json:"set"`
	Number int64 `json:"number"`
}

type jobProperties struct {
	Name                    string     `json:"name"`
	Partition               string     `json:"partition,omitempty"`
	CurrentWorkingDirectory string     `json:"current_working_directory"`
	StandardOutput          string     `json:"standard_output"`
	StandardError           string     `json:"standard_error"`
	Environment             []string   `json:"environment"`
	Comment                 string     `json:"comment,omitempty"`
	CPUsPerTask             int        `json:"cpus_per_task,omitempty"`
	MemoryPerNode           *setNumber `json:"memory_per_node,omitempty"`
	TimeLimit               *setNumber `json:"time_limit,omitempty"`
}

type apiError struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Number      int    `json:"error_number"`
}

type apiErrors []apiError

// String joins the non-empty error messages.
func (e apiErrors) String() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msg := err.Description
		if msg == "" {
			msg = err.Error
		}
		if msg != "" {
			msgs = append(msgs, msg)
		}
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// esInvalidJobID is slurm's ESLURM_INVALID_JOB_ID.
const esInvalidJobID = 2017

// invalidJobID reports whether slurmctld said it does not know the job.
func (e apiErrors) invalidJobID() bool {
	for _, err := range e {
		if err.Number == esInvalidJobID || strings.EqualFold(err.Error, "Invalid job id specified") ||
			strings.EqualFold(err.Description, "Invalid job id specified") {
			return true
		}
	}
	return false
}

type submitResponse struct {
	JobID  int64     `json:"job_id"`
	Errors apiErrors `json:"errors"`
}

type jobsResponse struct {
	Jobs []struct {
		JobID    int64    `json:"job_id"`
		JobState []string `json:"job_state"`
	} `json:"jobs"`
	Errors apiErrors `json:"errors"`
}

// Compile-time check that Backend implements ClusterBackend.
var _ models.ClusterBackend = (*Backend)(nil)
