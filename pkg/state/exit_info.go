package state

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ExitInfo records how a supervised process ended.
type ExitInfo struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`

	StderrTail []string `json:"stderr_tail,omitempty"`
}

// NewExitInfo fills in exit code or signal from the error returned by
// (*exec.Cmd).Wait.
func NewExitInfo(name string, pid int, startedAt time.Time, waitErr error) ExitInfo {
	info := ExitInfo{Name: name, PID: pid, StartedAt: startedAt, ExitedAt: time.Now()}
	if waitErr == nil {
		code := 0
		info.ExitCode = &code
		return info
	}
	info.Error = waitErr.Error()
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
			return info
		}
		code := ee.ExitCode()
		info.ExitCode = &code
	}
	return info
}

// Clean reports whether the process exited with status 0.
func (e ExitInfo) Clean() bool {
	return e.ExitCode != nil && *e.ExitCode == 0 && e.Signal == ""
}

func WriteExitInfo(path string, info ExitInfo) error {
	if path == "" {
		return errors.New("missing path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir exit info dir")
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal exit info")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrap(err, "write exit info")
	}
	return nil
}

func ReadExitInfo(path string) (*ExitInfo, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read exit info")
	}
	var info ExitInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, errors.Wrap(err, "unmarshal exit info")
	}
	return &info, nil
}
