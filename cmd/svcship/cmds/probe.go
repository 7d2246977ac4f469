package cmds

import (
	"fmt"
	"time"

	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/go-go-golems/svcship/pkg/probe"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var (
		url      string
		path     string
		timeout  time.Duration
		interval time.Duration
		retries  int
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Poll the liveness endpoint on loopback (used by HEALTHCHECK)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := config.Load(nil)
				if err != nil {
					return err
				}
				url = probe.LocalURL(*cfg, path)
			}
			attempts, err := probe.Run(cmd.Context(), probe.Options{
				URL:      url,
				Timeout:  timeout,
				Interval: interval,
				Retries:  retries,
			})
			if err != nil {
				return err
			}
			if !quiet {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "healthy: %s (attempt %d)\n", url, attempts)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Probe this URL instead of the configured loopback endpoint")
	cmd.Flags().StringVar(&path, "path", "", "Endpoint path (defaults to HEALTH_PATH)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Per-attempt timeout")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Delay between attempts")
	cmd.Flags().IntVar(&retries, "retries", 3, "Consecutive failures before reporting unhealthy")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print nothing on success")
	return cmd
}
