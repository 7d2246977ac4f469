package supervise

import (
	"net"
	"sync"
)

// sharedListener is the one socket all workers accept from. Every worker's
// http.Server closes it on shutdown, so Close is idempotent. Accepted TCP
// connections are registered with the tracker so that a timed-out request or
// an expired drain can reset them.
type sharedListener struct {
	net.Listener
	tracker *connTracker

	once     sync.Once
	closeErr error
}

func newSharedListener(ln net.Listener) *sharedListener {
	return &sharedListener{Listener: ln, tracker: newConnTracker()}
}

func (l *sharedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return c, nil
	}
	return l.tracker.add(tcp), nil
}

func (l *sharedListener) Close() error {
	l.once.Do(func() { l.closeErr = l.Listener.Close() })
	return l.closeErr
}

// connTracker indexes live connections by remote address, which is what
// http.Request.RemoteAddr carries. Worker limit listeners wrap connections, so
// the request cannot reach the TCP socket any other way.
type connTracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
}

func newConnTracker() *connTracker {
	return &connTracker{conns: map[string]*trackedConn{}}
}

func (t *connTracker) add(c *net.TCPConn) *trackedConn {
	tc := &trackedConn{TCPConn: c, tracker: t, key: c.RemoteAddr().String()}
	t.mu.Lock()
	t.conns[tc.key] = tc
	t.mu.Unlock()
	return tc
}

func (t *connTracker) remove(tc *trackedConn) {
	t.mu.Lock()
	if t.conns[tc.key] == tc {
		delete(t.conns, tc.key)
	}
	t.mu.Unlock()
}

func (t *connTracker) get(remoteAddr string) *trackedConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[remoteAddr]
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// resetAll resets every live connection and returns how many there were.
func (t *connTracker) resetAll() int {
	t.mu.Lock()
	conns := make([]*trackedConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.reset()
	}
	return len(conns)
}

type trackedConn struct {
	*net.TCPConn
	tracker *connTracker
	key     string
	once    sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.tracker.remove(c) })
	return c.TCPConn.Close()
}

// reset closes the connection with SO_LINGER=0 so the peer sees RST instead of
// an orderly FIN.
func (c *trackedConn) reset() {
	_ = c.SetLinger(0)
	_ = c.Close()
}
