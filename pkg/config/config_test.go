package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

var allVars = []string{
	"HOST", "BIND_HOST", "PORT", "WORKERS", "WEB_CONCURRENCY", "THREADS", "TIMEOUT", "REQUEST_TIMEOUT",
	"KEEPALIVE", "GRACEFUL_TIMEOUT", "HEALTH_PATH", "READY_PATH", "SECRET_KEY", "RUN_AS_USER",
	"APP_COMMAND", "APP_PORT", "UPSTREAM_URL",
}

// clearEnv unsets every variable the loader reads, restoring them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	vars := append([]string{}, allVars...)
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, FeaturePrefix) {
			vars = append(vars, k)
		}
	}
	for _, k := range vars {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, Defaults(), *cfg)
	require.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	require.Nil(t, cfg.Upstream())
}

func TestLoad_EmptyValuesFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "")
	t.Setenv("WORKERS", "")
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, DefaultWorkers, cfg.Workers)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIND_HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("WEB_CONCURRENCY", "4")
	t.Setenv("THREADS", "16")
	t.Setenv("TIMEOUT", "90")
	t.Setenv("KEEPALIVE", "5s")
	t.Setenv("GRACEFUL_TIMEOUT", "0.5")
	t.Setenv("HEALTH_PATH", "/healthz")
	t.Setenv("SECRET_KEY", "s3cr3t")
	t.Setenv("APP_COMMAND", `uvicorn app:app --host 127.0.0.1 --log-level "warning"`)
	t.Setenv("APP_PORT", "8001")
	t.Setenv("FEATURE_ACCESS_LOG", "true")
	t.Setenv("FEATURE_NEW_CHECKOUT", "1")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 16, cfg.Threads)
	require.Equal(t, 90*time.Second, cfg.Timeout)
	require.Equal(t, 5*time.Second, cfg.KeepAlive)
	require.Equal(t, 500*time.Millisecond, cfg.GracefulTimeout)
	require.Equal(t, "/healthz", cfg.HealthPath)
	require.Equal(t, "s3cr3t", cfg.SecretKey)
	require.Equal(t, []string{"uvicorn", "app:app", "--host", "127.0.0.1", "--log-level", "warning"}, cfg.AppCommand)
	require.True(t, cfg.Features.AccessLog)
	require.False(t, cfg.Features.LivenessChecksUpstream)
	require.Equal(t, map[string]bool{"NEW_CHECKOUT": true}, cfg.Features.Extra)

	require.Equal(t, "http://127.0.0.1:8001", cfg.Upstream().String())
	require.Equal(t, map[string]string{"PORT": "8001", "FEATURE_NEW_CHECKOUT": "true"}, cfg.AppEnv())
}

func TestLoad_PrimaryVariableWinsOverAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKERS", "3")
	t.Setenv("WEB_CONCURRENCY", "9")
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Workers)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("THREADS", "4")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.Int("port", DefaultPort, "")
	fs.Int("threads", DefaultThreads, "")
	require.NoError(t, fs.Parse([]string{"--port", "7000"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	// unchanged flags do not shadow the environment
	require.Equal(t, 4, cfg.Threads)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"port not a number":   {"PORT": "http"},
		"port out of range":   {"PORT": "70000"},
		"port with leading 0": {"PORT": "010"},
		"port in hex":         {"PORT": "0x10"},
		"workers in hex":      {"WORKERS": "0x2"},
		"huge timeout":        {"TIMEOUT": "1e300"},
		"zero workers":        {"WORKERS": "0"},
		"negative threads":    {"THREADS": "-1"},
		"bad timeout":         {"TIMEOUT": "soon"},
		"zero timeout":        {"TIMEOUT": "0"},
		"relative health":     {"HEALTH_PATH": "health"},
		"ready equals health": {"READY_PATH": "/"},
		"bad feature flag":    {"FEATURE_X": "maybe"},
		"bad upstream":        {"UPSTREAM_URL": "localhost:8000"},
		"unbalanced quotes":   {"APP_COMMAND": `python -c "print(1)`},
		"upstream and command": {
			"UPSTREAM_URL": "http://127.0.0.1:8000",
			"APP_COMMAND":  "python app.py",
		},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestParseSeconds(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"120":   120 * time.Second,
		"0.25":  250 * time.Millisecond,
		"2m":    2 * time.Minute,
		"750ms": 750 * time.Millisecond,
	} {
		got, err := ParseSeconds(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "-1", "abc", "NaN", "1e300"} {
		_, err := ParseSeconds(in)
		require.Error(t, err, in)
	}
}

func TestParseDecimal(t *testing.T) {
	for in, want := range map[string]int{"0": 0, "8080": 8080, "-1": -1} {
		got, err := parseDecimal(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"010", "0x10", "00", "-07", "1_000", "+"} {
		_, err := parseDecimal(in)
		require.Error(t, err, in)
	}
}

func TestEnv_RedactsSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.SecretKey = "hunter2"
	env := cfg.Env()
	require.Equal(t, "[REDACTED]", env["SECRET_KEY"])
	require.Equal(t, "8080", env["PORT"])
	require.Equal(t, "2m0s", env["TIMEOUT"])
	require.NotContains(t, strings.Join(SortedKeys(env), ","), "hunter2")
	for _, v := range env {
		require.NotEqual(t, "hunter2", v)
	}
}
