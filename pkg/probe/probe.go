// Package probe is the polling side of the liveness contract: it issues
// loopback requests against the health endpoint with its own timeout, interval
// and retry budget. It is what the image HEALTHCHECK runs.
package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-go-golems/svcship/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrUnhealthy = errors.New("unhealthy")

type Options struct {
	URL      string
	Timeout  time.Duration
	Interval time.Duration
	// Retries is the number of consecutive failed attempts after which the
	// target is declared unhealthy.
	Retries int
	Client  *http.Client
}

// LocalURL builds the loopback URL for path on the configured port.
// Wildcard hosts are probed on 127.0.0.1.
func LocalURL(cfg config.RuntimeConfig, path string) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	if path == "" {
		path = cfg.HealthPath
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + path
}

// Check performs one request. Only a 2xx status is healthy; redirects are not
// followed and count as failures.
func Check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Run polls until the first success or until Retries consecutive failures.
// It returns the number of attempts made.
func Run(ctx context.Context, opts Options) (int, error) {
	if opts.URL == "" {
		return 0, errors.New("missing probe url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			// never probe through a proxy from the environment
			Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	t := time.NewTicker(opts.Interval)
	defer t.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		lastErr = Check(attemptCtx, client, opts.URL)
		cancel()
		if lastErr == nil {
			log.Debug().Str("url", opts.URL).Int("attempt", attempt).Msg("probe succeeded")
			return attempt, nil
		}
		log.Debug().Err(lastErr).Str("url", opts.URL).Int("attempt", attempt).Msg("probe failed")
		if attempt >= opts.Retries {
			return attempt, errors.Wrapf(ErrUnhealthy, "%s after %d attempts: %v", opts.URL, attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return attempt, errors.Wrap(ctx.Err(), "probe cancelled")
		case <-t.C:
		}
	}
}
