package cmds

import (
	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/go-go-golems/svcship/pkg/planner"
	"github.com/go-go-golems/svcship/pkg/privilege"
	"github.com/go-go-golems/svcship/pkg/supervise"
	"github.com/pkg/errors"
)

// Process exit codes. Orchestrators key restart policy off these.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitBind      = 3
	ExitPrivilege = 4
	ExitUpstream  = 5
)

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// ExitCode maps an error returned by a command to the process exit status.
// A drain that had to force-close connections is a plain failure.
func ExitCode(err error) int {
	var ue *usageError
	var be *supervise.BindError
	var up *supervise.UpstreamError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ue), errors.Is(err, config.ErrInvalid), errors.Is(err, planner.ErrDescriptor):
		return ExitConfig
	case errors.As(err, &be):
		return ExitBind
	case errors.Is(err, privilege.ErrPrivilege):
		return ExitPrivilege
	case errors.As(err, &up):
		return ExitUpstream
	default:
		return ExitFailure
	}
}
