package supervise

import (
	"strconv"

	"github.com/go-go-golems/svcship/pkg/state"
	"github.com/pkg/errors"
)

var (
	// ErrRequestTimeout is logged for a request that outlived the per-request
	// timeout. The client sees a connection reset.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrDrainTimeout is returned by Run when in-flight requests were still
	// running at the end of the grace period and had to be force-closed.
	ErrDrainTimeout = errors.New("drain timeout exceeded")
	ErrAlreadyRun   = errors.New("supervisor already run")
)

// BindError is fatal: the supervisor never retries a bind.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return "bind " + e.Addr + ": " + e.Err.Error() }
func (e *BindError) Unwrap() error { return e.Err }

// UpstreamError reports the application process failing to start, to become
// reachable, or exiting while the supervisor was serving.
type UpstreamError struct {
	Op   string
	Exit *state.ExitInfo
	Err  error
}

func (e *UpstreamError) Error() string {
	msg := "upstream " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Exit != nil {
		switch {
		case e.Exit.Signal != "":
			msg += " (killed by " + e.Exit.Signal + ")"
		case e.Exit.ExitCode != nil:
			msg += " (exit " + strconv.Itoa(*e.Exit.ExitCode) + ")"
		}
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }
