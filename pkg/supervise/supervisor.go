// Package supervise is the in-container entry process: it drops privileges,
// binds one listener, serves it from a fixed pool of HTTP workers with a
// bounded number of in-flight connections each, and drains on shutdown.
package supervise

import (
	"context"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/go-go-golems/svcship/pkg/events"
	"github.com/go-go-golems/svcship/pkg/privilege"
	"github.com/go-go-golems/svcship/pkg/proc"
	"github.com/go-go-golems/svcship/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// App serves the application surface. When nil, requests are proxied to
	// the configured upstream, or answered with 404 if there is none.
	App http.Handler
	// Checks are added to the readiness endpoint.
	Checks []ReadinessCheck
	// Bus receives lifecycle transitions. Optional.
	Bus *events.Bus
	// Drop replaces privilege.Drop.
	Drop func(privilege.Identity) error

	AppStartTimeout time.Duration
	AppStopTimeout  time.Duration
	// ExitInfoPath, when set, receives the application's exit record as JSON.
	ExitInfoPath string
}

// Supervisor is single-use: construct one per process (or per test) and Run
// it once.
type Supervisor struct {
	cfg  config.RuntimeConfig
	opts Options

	phase   atomic.Int32
	started atomic.Bool
	ready   chan struct{}

	addrMu sync.Mutex
	addr   net.Addr

	ln  *sharedListener
	app *appProcess

	usageMu sync.Mutex
	usage   *proc.Tracker
}

func New(cfg config.RuntimeConfig, opts Options) *Supervisor {
	if opts.Drop == nil {
		opts.Drop = privilege.Drop
	}
	if opts.AppStartTimeout <= 0 {
		opts.AppStartTimeout = 30 * time.Second
	}
	if opts.AppStopTimeout <= 0 {
		opts.AppStopTimeout = cfg.GracefulTimeout
		if opts.AppStopTimeout <= 0 {
			opts.AppStopTimeout = 5 * time.Second
		}
	}
	return &Supervisor{cfg: cfg, opts: opts, ready: make(chan struct{}), usage: proc.NewTracker()}
}

func (s *Supervisor) Phase() Phase { return Phase(s.phase.Load()) }

// Ready is closed once the supervisor is serving.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listener address, or nil before binding.
func (s *Supervisor) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run executes the whole lifecycle and returns when the supervisor is Stopped
// or Failed. Cancelling ctx starts the drain. The error is nil after a clean
// drain, ErrDrainTimeout when connections had to be force-closed, and a
// *privilege.Error, *BindError or *UpstreamError for startup failures.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	s.publish("", Starting, nil)

	if err := s.dropPrivileges(); err != nil {
		return s.fail(err)
	}
	if err := s.bind(ctx); err != nil {
		return s.fail(err)
	}
	if err := s.startApp(ctx); err != nil {
		_ = s.ln.Close()
		return s.fail(err)
	}

	handler := s.handler()
	servers := make([]*http.Server, s.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: s.cfg.Timeout,
			IdleTimeout:       s.cfg.KeepAlive,
			ErrorLog:          stdlog.New(log.Logger.With().Int("worker", i).Logger(), "", 0),
		}
		if s.cfg.KeepAlive <= 0 {
			srv.SetKeepAlivesEnabled(false)
		}
		servers[i] = srv
		workerLn := netutil.LimitListener(s.ln, s.cfg.Threads)
		g.Go(func() error {
			err := srv.Serve(workerLn)
			if errors.Is(err, http.ErrServerClosed) || s.Phase() >= Draining {
				return nil
			}
			return errors.Wrapf(err, "worker %d", i)
		})
	}

	s.transition(Ready, nil)
	close(s.ready)

	var runErr error
	var appDone <-chan struct{}
	if s.app != nil {
		appDone = s.app.done
	}
	select {
	case <-gctx.Done():
	case <-appDone:
		exit := s.app.exit
		runErr = &UpstreamError{Op: "run", Exit: &exit, Err: errors.New("application exited")}
		log.Error().Err(runErr).Strs("stderr", exit.StderrTail).Msg("application exited while serving")
	}

	s.transition(Draining, nil)
	drainErr := s.drain(servers)
	workerErr := g.Wait()
	s.stopApp()

	switch {
	case runErr != nil:
	case drainErr != nil:
		runErr = drainErr
	default:
		runErr = workerErr
	}
	s.transition(Stopped, runErr)
	return runErr
}

func (s *Supervisor) dropPrivileges() error {
	if s.cfg.RunAsUser == "" {
		return nil
	}
	id, err := privilege.Resolve(s.cfg.RunAsUser)
	if err != nil {
		return err
	}
	return s.opts.Drop(id)
}

func (s *Supervisor) bind(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.ln = newSharedListener(ln)
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Int("workers", s.cfg.Workers).Int("threads", s.cfg.Threads).Msg("listening")
	return nil
}

func (s *Supervisor) startApp(ctx context.Context) error {
	if len(s.cfg.AppCommand) == 0 {
		return nil
	}
	app, err := startApp(s.cfg.AppCommand, s.cfg.AppEnv())
	if err != nil {
		return err
	}
	s.app = app

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.AppStartTimeout)
	defer cancel()
	if err := app.waitListening(waitCtx, s.cfg.Upstream().Host); err != nil {
		s.stopApp()
		return err
	}
	return nil
}

func (s *Supervisor) stopApp() {
	if s.app == nil {
		return
	}
	exit := s.app.terminate(s.opts.AppStopTimeout)
	ev := log.Info()
	if !exit.Clean() {
		ev = log.Warn()
	}
	ev.Int("pid", exit.PID).Interface("exit_code", exit.ExitCode).Str("signal", exit.Signal).Msg("application stopped")
	if s.opts.Bus != nil {
		if err := s.opts.Bus.Publish(events.TopicLifecycle, events.TypeAppExit, exit); err != nil {
			log.Warn().Err(err).Msg("publish app exit")
		}
	}
	if s.opts.ExitInfoPath != "" {
		if err := state.WriteExitInfo(s.opts.ExitInfoPath, exit); err != nil {
			log.Warn().Err(err).Str("path", s.opts.ExitInfoPath).Msg("write exit info")
		}
	}
}

// drain stops accepting, lets in-flight requests finish within the grace
// period, then resets whatever is left.
func (s *Supervisor) drain(servers []*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulTimeout)
	defer cancel()

	var forced atomic.Bool
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				forced.Store(true)
			}
		}()
	}
	wg.Wait()
	_ = s.ln.Close()

	if !forced.Load() {
		return nil
	}
	n := s.ln.tracker.resetAll()
	for _, srv := range servers {
		_ = srv.Close()
	}
	log.Warn().Int("connections", n).Dur("grace", s.cfg.GracefulTimeout).Msg("grace period exceeded; connections reset")
	return ErrDrainTimeout
}

func (s *Supervisor) handler() http.Handler {
	var checks []ReadinessCheck
	var upstreamCheck *ReadinessCheck
	app := s.opts.App
	if u := s.cfg.Upstream(); u != nil {
		c := TCPCheck("upstream", hostPort(u.Host, u.Scheme), time.Second)
		checks = append(checks, c)
		if s.cfg.Features.LivenessChecksUpstream {
			upstreamCheck = &c
		}
		if app == nil {
			app = NewProxy(u)
		}
	}
	checks = append(checks, s.opts.Checks...)
	if app == nil {
		app = http.HandlerFunc(noApplication)
	}

	mux := http.NewServeMux()
	mux.Handle(routePattern(http.MethodGet, s.cfg.HealthPath), s.liveness(upstreamCheck))
	mux.Handle(routePattern(http.MethodGet, s.cfg.ReadyPath), s.readiness(checks))
	mux.Handle("/", withSecret(s.cfg.SecretKey, app))

	var h http.Handler = mux
	if s.cfg.Features.AccessLog {
		h = withAccessLog(h)
	}
	h = withRecover(h)
	h = withTimeout(s.cfg.Timeout, s.ln.tracker, h)
	return withRequestID(h)
}

func hostPort(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if scheme == "https" {
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "80")
}

func (s *Supervisor) fail(err error) error {
	s.transition(Failed, err)
	log.Error().Err(err).Msg("supervisor failed to start")
	return err
}

func (s *Supervisor) transition(to Phase, err error) {
	from := Phase(s.phase.Swap(int32(to)))
	s.publish(from.String(), to, err)
}

// publish hands the transition to the bus, whose subscribers log it; without
// a bus it is logged directly.
func (s *Supervisor) publish(from string, to Phase, err error) {
	if s.opts.Bus == nil {
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("from", from).Str("to", to.String()).Msg("supervisor transition")
		return
	}
	tr := events.Transition{From: from, To: to.String(), At: time.Now()}
	if a := s.Addr(); a != nil {
		tr.Addr = a.String()
	}
	if err != nil {
		tr.Error = err.Error()
	}
	if perr := s.opts.Bus.Publish(events.TopicLifecycle, events.TypeTransition, tr); perr != nil {
		log.Warn().Err(perr).Msg("publish transition")
	}
}
