package cmds

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/go-go-golems/svcship/pkg/events"
	"github.com/go-go-golems/svcship/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var exitInfo string
	var appStart time.Duration

	cmd := &cobra.Command{
		Use:   "serve [-- app command...]",
		Short: "Run the in-container supervisor (the image entrypoint)",
		Long: "Resolve runtime configuration from the environment, drop privileges, bind the\n" +
			"listener and serve it with a fixed worker pool until SIGTERM or SIGINT, then drain.\n" +
			"Arguments after -- replace APP_COMMAND.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.AppCommand = args
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			log.Info().Interface("config", cfg.Env()).Msg("resolved runtime configuration")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			bus.AddHandler("log", events.TopicLifecycle, events.LogHandler)

			busCtx, busCancel := context.WithCancel(context.Background())
			defer busCancel()
			var g errgroup.Group
			busErr := make(chan error, 1)
			g.Go(func() error {
				err := bus.Run(busCtx)
				busErr <- err
				return err
			})
			select {
			case <-bus.Running():
			case err := <-busErr:
				return errors.Wrap(err, "start event bus")
			}

			sup := supervise.New(*cfg, supervise.Options{
				Bus:             bus,
				AppStartTimeout: appStart,
				ExitInfoPath:    exitInfo,
			})
			runErr := sup.Run(ctx)

			busCancel()
			if err := g.Wait(); err != nil {
				log.Warn().Err(err).Msg("event bus stopped with error")
			}
			return runErr
		},
	}
	addRuntimeFlags(cmd)
	cmd.Flags().StringVar(&exitInfo, "exit-info", "", "Write the application's exit record (JSON) to this path")
	cmd.Flags().DurationVar(&appStart, "app-start-timeout", 30*time.Second, "How long to wait for APP_COMMAND to accept connections")
	return cmd
}

// addRuntimeFlags registers flags named like the config keys so config.Load
// can bind them over the environment. Durations take seconds or a Go duration.
func addRuntimeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("host", config.DefaultHost, "Bind address (HOST)")
	f.Int("port", config.DefaultPort, "Bind port (PORT)")
	f.Int("workers", config.DefaultWorkers, "Worker count (WORKERS, WEB_CONCURRENCY)")
	f.Int("threads", config.DefaultThreads, "Concurrent requests per worker (THREADS)")
	f.String("timeout", secs(config.DefaultTimeout), "Per-request timeout (TIMEOUT)")
	f.String("keepalive", secs(config.DefaultKeepAlive), "Idle keep-alive timeout (KEEPALIVE)")
	f.String("graceful-timeout", secs(config.DefaultGracefulTimeout), "Drain grace period (GRACEFUL_TIMEOUT)")
	f.String("health-path", config.DefaultHealthPath, "Liveness endpoint path (HEALTH_PATH)")
	f.String("ready-path", config.DefaultReadyPath, "Readiness endpoint path (READY_PATH)")
	f.String("run-as-user", "", "Drop to this user before binding (RUN_AS_USER)")
	f.Int("app-port", config.DefaultAppPort, "Port APP_COMMAND listens on (APP_PORT)")
	f.String("upstream-url", "", "Proxy application requests here (UPSTREAM_URL)")
}

func secs(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
