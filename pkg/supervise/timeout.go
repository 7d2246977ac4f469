package supervise

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// withTimeout runs next under a hard deadline. The handler runs on its own
// goroutine and writes through a guarded writer; when the deadline passes the
// writer is sealed, the connection is reset and ServeHTTP returns, so a stuck
// handler neither holds the worker slot nor delays shutdown. A handler that
// ignores its context keeps running after the slot is freed, so in-process
// handler concurrency can exceed the per-worker bound. The writer has no
// Hijack, so connection upgrades are not supported behind it.
func withTimeout(timeout time.Duration, tracker *connTracker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		tw := &timeoutWriter{w: w, h: make(http.Header)}
		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
					return
				}
				close(done)
			}()
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case p := <-panicked:
			panic(p)
		case <-done:
			tw.finish()
		case <-ctx.Done():
			tw.seal()
			if r.Context().Err() != nil {
				// client went away first; nothing to reset
				return
			}
			if c := tracker.get(r.RemoteAddr); c != nil {
				c.reset()
			}
			id, _ := RequestIDFromContext(r.Context())
			log.Warn().Err(ErrRequestTimeout).
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("timeout", timeout).
				Msg("request exceeded timeout; connection reset")
		}
	})
}

// timeoutWriter keeps its own header map so a handler still running after the
// deadline never touches the server's response state.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu          sync.Mutex
	sealed      bool
	wroteHeader bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	if tw.sealed || tw.wroteHeader {
		return
	}
	copyHeader(tw.w.Header(), tw.h)
	tw.w.WriteHeader(code)
	if code >= 200 {
		tw.wroteHeader = true
	}
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.sealed {
		return 0, ErrRequestTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.w.Write(p)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.sealed {
		return
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// finish hands headers set by a handler that never wrote a body back to the
// server.
func (tw *timeoutWriter) finish() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader && !tw.sealed {
		copyHeader(tw.w.Header(), tw.h)
	}
	tw.sealed = true
}

func (tw *timeoutWriter) seal() {
	tw.mu.Lock()
	tw.sealed = true
	tw.mu.Unlock()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}
