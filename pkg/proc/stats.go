// Package proc reads resource usage of a process from /proc. It is Linux only;
// elsewhere Read returns an error and callers omit the data.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// clockTicks is USER_HZ, which is 100 on every mainstream Linux build.
const clockTicks = 100

// Usage is a point-in-time sample of one process.
type Usage struct {
	PID          int     `json:"pid"`
	State        string  `json:"state"`
	Threads      int     `json:"threads"`
	RSSBytes     int64   `json:"rss_bytes"`
	VirtualBytes uint64  `json:"virtual_bytes"`
	CPUSeconds   float64 `json:"cpu_seconds"`
	// CPUPercent is only set when the sample was taken through a Tracker that
	// saw the process before.
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// Read samples pid.
func Read(pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, errors.Errorf("invalid pid %d", pid)
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return Usage{}, errors.Wrapf(err, "read stat of %d", pid)
	}
	u, err := parseStat(string(data))
	if err != nil {
		return Usage{}, errors.Wrapf(err, "parse stat of %d", pid)
	}
	u.PID = pid
	return u, nil
}

// parseStat decodes the fields of /proc/<pid>/stat we report. comm may hold
// spaces and parentheses, so fields are counted from the last ')'.
func parseStat(content string) (Usage, error) {
	closeParen := strings.LastIndexByte(content, ')')
	if closeParen < 0 {
		return Usage{}, errors.New("no closing paren")
	}
	fields := strings.Fields(content[closeParen+1:])
	// offsets after comm: 0 state, 11 utime, 12 stime, 17 num_threads,
	// 20 vsize, 21 rss (pages)
	if len(fields) < 22 {
		return Usage{}, errors.Errorf("expected at least 22 fields, got %d", len(fields))
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return Usage{}, errors.Wrap(err, "utime")
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return Usage{}, errors.Wrap(err, "stime")
	}
	threads, err := strconv.Atoi(fields[17])
	if err != nil {
		return Usage{}, errors.Wrap(err, "num_threads")
	}
	vsize, err := strconv.ParseUint(fields[20], 10, 64)
	if err != nil {
		return Usage{}, errors.Wrap(err, "vsize")
	}
	rss, err := strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return Usage{}, errors.Wrap(err, "rss")
	}

	return Usage{
		State:        fields[0],
		Threads:      threads,
		RSSBytes:     rss * int64(os.Getpagesize()),
		VirtualBytes: vsize,
		CPUSeconds:   float64(utime+stime) / clockTicks,
	}, nil
}

// Tracker derives CPU percentage from successive samples of the same pid.
// It is not safe for concurrent use.
type Tracker struct {
	last map[int]sample
	now  func() time.Time
}

type sample struct {
	cpu float64
	at  time.Time
}

func NewTracker() *Tracker {
	return &Tracker{last: map[int]sample{}, now: time.Now}
}

func (t *Tracker) Read(pid int) (Usage, error) {
	u, err := Read(pid)
	if err != nil {
		delete(t.last, pid)
		return u, err
	}
	t.observe(&u)
	return u, nil
}

func (t *Tracker) observe(u *Usage) {
	now := t.now()
	if prev, ok := t.last[u.PID]; ok {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 && u.CPUSeconds >= prev.cpu {
			u.CPUPercent = (u.CPUSeconds - prev.cpu) / elapsed * 100
		}
	}
	t.last[u.PID] = sample{cpu: u.CPUSeconds, at: now}
}
