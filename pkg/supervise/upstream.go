package supervise

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-go-golems/svcship/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const appName = "app"

// appProcess is the application child. It runs in its own process group so
// that termination reaches anything it forks.
type appProcess struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	stderr  *state.LineTail
	stdoutW *lineLogger
	stderrW *lineLogger

	done chan struct{}
	exit state.ExitInfo
}

func startApp(argv []string, env map[string]string) (*appProcess, error) {
	if len(argv) == 0 {
		return nil, &UpstreamError{Op: "start", Err: errors.New("empty command")}
	}
	a := &appProcess{
		stderr: state.NewLineTail(25),
		done:   make(chan struct{}),
	}
	a.stdoutW = newLineLogger(func(line string) {
		log.Info().Str("app", "stdout").Msg(line)
	})
	a.stderrW = newLineLogger(func(line string) {
		_, _ = a.stderr.Write([]byte(line + "\n"))
		log.Warn().Str("app", "stderr").Msg(line)
	})

	// #nosec G204 -- the command comes from the container's own configuration.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = a.stdoutW
	cmd.Stderr = a.stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, &UpstreamError{Op: "start", Err: errors.Wrapf(err, "start %s", argv[0])}
	}
	a.cmd = cmd
	a.pid = cmd.Process.Pid
	a.started = time.Now()
	log.Info().Int("pid", a.pid).Strs("command", argv).Msg("application started")

	go func() {
		err := cmd.Wait()
		a.stdoutW.flush()
		a.stderrW.flush()
		a.exit = state.NewExitInfo(appName, a.pid, a.started, err)
		a.exit.StderrTail = a.stderr.Lines()
		close(a.done)
	}()
	return a, nil
}

// Exited reports whether the process is gone; ExitInfo is valid afterwards.
func (a *appProcess) Exited() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// waitListening polls addr until it accepts connections, the process exits,
// or ctx ends.
func (a *appProcess) waitListening(ctx context.Context, addr string) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		d := net.Dialer{Timeout: 200 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-a.done:
			exit := a.exit
			return &UpstreamError{Op: "start", Exit: &exit, Err: errors.New("exited before listening")}
		case <-ctx.Done():
			return &UpstreamError{Op: "start", Err: errors.Wrapf(ctx.Err(), "waiting for %s", addr)}
		case <-t.C:
		}
	}
}

// terminate sends SIGTERM to the process group, waits up to timeout, then
// SIGKILLs the group.
func (a *appProcess) terminate(timeout time.Duration) state.ExitInfo {
	if a.Exited() {
		return a.exit
	}
	pgid, err := unix.Getpgid(a.pid)
	target := a.pid
	if err == nil {
		target = -pgid
	}
	_ = unix.Kill(target, unix.SIGTERM)

	select {
	case <-a.done:
		return a.exit
	case <-time.After(timeout):
	}

	log.Warn().Int("pid", a.pid).Dur("timeout", timeout).Msg("application ignored SIGTERM; killing")
	_ = unix.Kill(target, unix.SIGKILL)
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		log.Error().Int("pid", a.pid).Msg("application still running after SIGKILL")
		return state.ExitInfo{Name: appName, PID: a.pid, StartedAt: a.started, Error: "failed to stop application"}
	}
	return a.exit
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// NewProxy forwards the application surface to target.
func NewProxy(target *url.URL) http.Handler {
	p := httputil.NewSingleHostReverseProxy(target)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		id, _ := RequestIDFromContext(r.Context())
		log.Error().Err(err).Str("request_id", id).Str("upstream", target.Host).Msg("upstream request failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "bad_gateway", "request_id": id})
	}
	return p
}

// lineLogger turns a byte stream into log lines.
type lineLogger struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func newLineLogger(emit func(string)) *lineLogger {
	return &lineLogger{emit: emit}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(trimCR(l.buf[:i])))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(string(trimCR(l.buf)))
		l.buf = nil
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
