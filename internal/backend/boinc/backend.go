// Package boinc hands work units to a BOINC project through its spool
// directory. A separate project daemon picks descriptions up from work/,
// moves them to work/claimed/ once issued, and drops a .done or .error
// marker in results/ when the volunteer result is validated.
package boinc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

const descExt = ".desc"

// Backend implements models.ClusterBackend on a BOINC spool directory.
type Backend struct {
	app        string
	workDir    string
	claimedDir string
	resultsDir string
}

// NewBackend prepares the spool layout under cfg.SpoolDir.
func NewBackend(cfg config.BoincConfig) (*Backend, error) {
	b := &Backend{
		app:        cfg.AppName,
		workDir:    filepath.Join(cfg.SpoolDir, "work"),
		claimedDir: filepath.Join(cfg.SpoolDir, "work", "claimed"),
		resultsDir: filepath.Join(cfg.SpoolDir, "results"),
	}
	for _, dir := range []string{b.workDir, b.claimedDir, b.resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: boinc spool: %v", models.ErrBackendUnavailable, err)
		}
	}
	return b, nil
}

func (b *Backend) Name() string { return "boinc" }

// Submit writes one work-unit description per job. Each file appears
// atomically so the daemon never reads a partial description.
func (b *Backend) Submit(ctx context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error) {
	res := models.NewSubmitResult()
	if err := b.checkSpool(); err != nil {
		return models.SubmitResult{}, err
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return res, nil
		}
		if j.Executable == "" {
			res.Rejected[j.JobID] = &models.RejectionError{JobID: j.JobID, Reason: "executable is required"}
			continue
		}

		ref := b.app + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := writeAtomic(b.workDir, ref+descExt, describe(ref, b.app, j)); err != nil {
			if len(res.Refs) == 0 && len(res.Rejected) == 0 {
				return models.SubmitResult{}, fmt.Errorf("%w: write work unit: %v", models.ErrBackendUnavailable, err)
			}
			return res, nil
		}
		res.Refs[j.JobID] = ref
	}
	return res, nil
}

// describe renders the work-unit description the project daemon reads.
func describe(ref, app string, j models.JobDescriptor) []byte {
	var sb strings.Builder
	kv := func(k, v string) { fmt.Fprintf(&sb, "%s=%s\n", k, v) }

	kv("workunitName", ref)
	kv("appName", app)
	kv("jobID", j.JobID)
	kv("campaign", j.Campaign)
	kv("stage", string(j.Stage))
	kv("executable", j.Executable)
	kv("arguments", strings.Join(j.Arguments, " "))
	kv("inputFiles", strings.Join(j.InputFiles, ","))
	kv("outputDirectory", j.OutputDirectory)

	keys := make([]string, 0, len(j.ResourceRequests))
	for k := range j.ResourceRequests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv("resource."+k, j.ResourceRequests[k])
	}
	return []byte(sb.String())
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// Poll derives status from where the reference's files are in the spool.
// Result markers win over work-unit location.
func (b *Backend) Poll(ctx context.Context, refs []string) (map[string]models.LiveStatus, error) {
	if err := b.checkSpool(); err != nil {
		return nil, err
	}
	out := make(map[string]models.LiveStatus, len(refs))
	for _, ref := range refs {
		out[ref] = b.status(ref)
	}
	return out, nil
}

func (b *Backend) status(ref string) models.LiveStatus {
	switch {
	case !validRef(ref):
		return models.LiveUnknown
	case exists(filepath.Join(b.resultsDir, ref+".error")):
		return models.LiveFailed
	case exists(filepath.Join(b.resultsDir, ref+".done")):
		return models.LiveDone
	case exists(filepath.Join(b.claimedDir, ref+descExt)):
		return models.LiveRunning
	case exists(filepath.Join(b.workDir, ref+descExt)):
		return models.LiveQueued
	default:
		return models.LiveUnknown
	}
}

// Cancel withdraws work units that have not been issued yet. Issued
// results cannot be recalled from volunteers and are left alone.
func (b *Backend) Cancel(ctx context.Context, refs []string) (int, error) {
	n := 0
	for _, ref := range refs {
		if !validRef(ref) {
			continue
		}
		err := os.Remove(filepath.Join(b.workDir, ref+descExt))
		switch {
		case err == nil:
			n++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return n, fmt.Errorf("%w: cancel %s: %v", models.ErrBackendUnavailable, ref, err)
		}
	}
	return n, nil
}

func (b *Backend) checkSpool() error {
	for _, dir := range []string{b.workDir, b.resultsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("%w: boinc spool: %v", models.ErrBackendUnavailable, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: boinc spool: %s is not a directory", models.ErrBackendUnavailable, dir)
		}
	}
	return nil
}

// validRef keeps references from escaping the spool.
func validRef(ref string) bool {
	return ref != "" && !strings.ContainsAny(ref, `/\`) && ref != "." && ref != ".."
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Compile-time check that Backend implements ClusterBackend.
var _ models.ClusterBackend = (*Backend)(nil)
