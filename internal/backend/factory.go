// Package backend builds cluster backends and wraps them with bounded,
// retried dispatch.
package backend

import (
	"fmt"

	"github.com/kiranshivaraju/simcamp/internal/backend/boinc"
	"github.com/kiranshivaraju/simcamp/internal/backend/htcondor"
	"github.com/kiranshivaraju/simcamp/internal/backend/slurm"
	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Re-exported so callers can classify backend errors without importing
// models.
var (
	ErrBackendUnavailable = models.ErrBackendUnavailable
	ErrBackendRejected    = models.ErrBackendRejected
)

// Kinds lists the backends a campaign may name.
var Kinds = []string{"htcondor", "slurm", "boinc"}

// Factory builds the backend a campaign was created with.
type Factory func(kind string) (models.ClusterBackend, error)

// NewBackend constructs the backend of the given kind from config.
func NewBackend(kind string, cfg config.BackendConfig) (models.ClusterBackend, error) {
	switch kind {
	case "htcondor":
		return htcondor.NewBackend(cfg.HTCondor, nil), nil
	case "slurm":
		if cfg.Slurm.BaseURL == "" {
			return nil, fmt.Errorf("slurm backend requires SLURM_BASE_URL")
		}
		return slurm.NewBackend(cfg.Slurm), nil
	case "boinc":
		if cfg.Boinc.SpoolDir == "" {
			return nil, fmt.Errorf("boinc backend requires BOINC_SPOOL_DIR")
		}
		return boinc.NewBackend(cfg.Boinc)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be one of htcondor, slurm, boinc", kind)
	}
}

// NewFactory returns a Factory bound to cfg.
func NewFactory(cfg config.BackendConfig) Factory {
	return func(kind string) (models.ClusterBackend, error) {
		return NewBackend(kind, cfg)
	}
}

// ValidKind reports whether kind names a known backend.
func ValidKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
