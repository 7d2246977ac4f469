package supervise

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/svcship/pkg/proc"
	"github.com/pkg/errors"
)

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// TCPCheck succeeds when addr accepts a connection within timeout.
func TCPCheck(name, addr string, timeout time.Duration) ReadinessCheck {
	return ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return errors.Wrapf(err, "dial %s", addr)
			}
			return conn.Close()
		},
	}
}

// liveness answers from the lifecycle phase only, unless upstream is set.
// GET gets "ok", HEAD an empty body.
func (s *Supervisor) liveness(upstream *ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p := s.Phase(); p != Ready {
			http.Error(w, p.String(), http.StatusServiceUnavailable)
			return
		}
		if upstream != nil {
			if err := upstream.Check(r.Context()); err != nil {
				http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.WriteString(w, "ok")
		}
	}
}

func (s *Supervisor) readiness(checks []ReadinessCheck) http.HandlerFunc {
	type checkResult struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		DurationMs int64  `json:"duration_ms"`
		Error      string `json:"error,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		phase := s.Phase()
		results := make([]checkResult, 0, len(checks))
		ok := phase == Ready
		for _, c := range checks {
			start := time.Now()
			err := c.Check(r.Context())
			res := checkResult{Name: c.Name, Status: "ok", DurationMs: time.Since(start).Milliseconds()}
			if err != nil {
				ok = false
				res.Status = "fail"
				res.Error = err.Error()
			}
			results = append(results, res)
		}

		body := map[string]any{"phase": phase.String(), "status": "ready", "checks": results}
		if u, ok := s.appUsage(); ok {
			body["app"] = u
		}
		if !ok {
			body["status"] = "not_ready"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// appUsage samples the application process, if one is supervised and still
// running. Sampling failures only drop the field.
func (s *Supervisor) appUsage() (proc.Usage, bool) {
	if s.app == nil {
		return proc.Usage{}, false
	}
	select {
	case <-s.app.done:
		return proc.Usage{}, false
	default:
	}
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	u, err := s.usage.Read(s.app.pid)
	if err != nil {
		return proc.Usage{}, false
	}
	return u, true
}

// routePattern maps a configured path to a ServeMux pattern that matches it
// exactly, so "/" does not swallow the application surface.
func routePattern(method, path string) string {
	if strings.HasSuffix(path, "/") {
		path += "{$}"
	}
	return method + " " + path
}

func noApplication(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "no application mounted"})
}
