package cmd

import (
	"errors"

	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Process exit codes, one per failure class.
const (
	ExitOK                 = 0
	ExitUnexpected         = 1
	ExitValidation         = 2
	ExitStoreConnection    = 3
	ExitBackendUnavailable = 4
	ExitQuery              = 5
)

// errUsage marks bad flags, arguments or configuration.
var errUsage = errors.New("usage error")

// ExitCode classifies err into a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errUsage), errors.Is(err, models.ErrValidation), errors.Is(err, store.ErrNotFound),
		errors.Is(err, models.ErrBackendConfig):
		return ExitValidation
	case errors.Is(err, store.ErrConnection):
		return ExitStoreConnection
	case errors.Is(err, controller.ErrPassDeferred), errors.Is(err, models.ErrBackendUnavailable):
		return ExitBackendUnavailable
	case errors.Is(err, store.ErrQuery):
		return ExitQuery
	default:
		return ExitUnexpected
	}
}
