// Package config resolves the supervisor's RuntimeConfig from the process
// environment (and optionally command line flags). Every field has a default,
// so an unconfigured container still starts.
package config

import (
	"math"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/svcship/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"mvdan.cc/sh/v3/shell"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultWorkers         = 2
	DefaultThreads         = 8
	DefaultTimeout         = 120 * time.Second
	DefaultKeepAlive       = 2 * time.Second
	DefaultGracefulTimeout = 30 * time.Second
	DefaultHealthPath      = "/"
	DefaultReadyPath       = "/readyz"
	DefaultAppPort         = 8000

	// FeaturePrefix marks boolean feature flags in the environment.
	FeaturePrefix = "FEATURE_"
)

const (
	featureAccessLog              = "ACCESS_LOG"
	featureLivenessChecksUpstream = "LIVENESS_CHECKS_UPSTREAM"
)

type RuntimeConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Workers         int           `json:"workers"`
	Threads         int           `json:"threads"`
	Timeout         time.Duration `json:"timeout"`
	KeepAlive       time.Duration `json:"keepalive"`
	GracefulTimeout time.Duration `json:"graceful_timeout"`
	HealthPath      string        `json:"health_path"`
	ReadyPath       string        `json:"ready_path"`
	SecretKey       string        `json:"-"`
	RunAsUser       string        `json:"run_as_user,omitempty"`
	AppCommand      []string      `json:"app_command,omitempty"`
	AppPort         int           `json:"app_port"`
	UpstreamURL     string        `json:"upstream_url,omitempty"`
	Features        Features      `json:"features"`
}

type Features struct {
	AccessLog              bool `json:"access_log"`
	LivenessChecksUpstream bool `json:"liveness_checks_upstream"`
	// Extra holds every other FEATURE_<NAME> flag keyed by NAME. They mean
	// nothing to the supervisor and are forwarded to the application.
	Extra map[string]bool `json:"extra,omitempty"`
}

func Defaults() RuntimeConfig {
	return RuntimeConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Workers:         DefaultWorkers,
		Threads:         DefaultThreads,
		Timeout:         DefaultTimeout,
		KeepAlive:       DefaultKeepAlive,
		GracefulTimeout: DefaultGracefulTimeout,
		HealthPath:      DefaultHealthPath,
		ReadyPath:       DefaultReadyPath,
		AppPort:         DefaultAppPort,
	}
}

type setting struct {
	key string
	env []string
	def any
}

// settings maps viper keys to environment variables. The first variable that
// is set wins; flags with the same name as the key take precedence over both.
var settings = []setting{
	{key: "host", env: []string{"HOST", "BIND_HOST"}, def: DefaultHost},
	{key: "port", env: []string{"PORT"}, def: DefaultPort},
	{key: "workers", env: []string{"WORKERS", "WEB_CONCURRENCY"}, def: DefaultWorkers},
	{key: "threads", env: []string{"THREADS"}, def: DefaultThreads},
	{key: "timeout", env: []string{"TIMEOUT", "REQUEST_TIMEOUT"}, def: "120"},
	{key: "keepalive", env: []string{"KEEPALIVE"}, def: "2"},
	{key: "graceful-timeout", env: []string{"GRACEFUL_TIMEOUT"}, def: "30"},
	{key: "health-path", env: []string{"HEALTH_PATH"}, def: DefaultHealthPath},
	{key: "ready-path", env: []string{"READY_PATH"}, def: DefaultReadyPath},
	{key: "secret-key", env: []string{"SECRET_KEY"}, def: ""},
	{key: "run-as-user", env: []string{"RUN_AS_USER"}, def: ""},
	{key: "app-command", env: []string{"APP_COMMAND"}, def: ""},
	{key: "app-port", env: []string{"APP_PORT"}, def: DefaultAppPort},
	{key: "upstream-url", env: []string{"UPSTREAM_URL"}, def: ""},
}

// Load resolves the configuration from the environment. flags may be nil;
// when given, any flag named like a setting key overrides the environment if
// it was set on the command line.
func Load(flags *pflag.FlagSet) (*RuntimeConfig, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(append([]string{s.key}, s.env...)...); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", s.key)
		}
		if flags != nil {
			if f := flags.Lookup(s.key); f != nil {
				if err := v.BindPFlag(s.key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", s.key)
				}
			}
		}
	}

	cfg := Defaults()
	var err error
	str := func(key string) string { return strings.TrimSpace(cast.ToString(v.Get(key))) }
	num := func(key string) int {
		if err != nil {
			return 0
		}
		n, cerr := parseDecimal(str(key))
		if cerr != nil {
			err = &Error{Var: envName(key), Value: str(key), Reason: "not an integer"}
		}
		return n
	}
	dur := func(key string) time.Duration {
		if err != nil {
			return 0
		}
		d, perr := ParseSeconds(str(key))
		if perr != nil {
			err = &Error{Var: envName(key), Value: str(key), Reason: perr.Error()}
		}
		return d
	}

	cfg.Host = str("host")
	cfg.Port = num("port")
	cfg.Workers = num("workers")
	cfg.Threads = num("threads")
	cfg.Timeout = dur("timeout")
	cfg.KeepAlive = dur("keepalive")
	cfg.GracefulTimeout = dur("graceful-timeout")
	cfg.HealthPath = str("health-path")
	cfg.ReadyPath = str("ready-path")
	cfg.SecretKey = cast.ToString(v.Get("secret-key"))
	cfg.RunAsUser = str("run-as-user")
	cfg.AppPort = num("app-port")
	cfg.UpstreamURL = str("upstream-url")
	if err != nil {
		return nil, err
	}

	if line := str("app-command"); line != "" {
		fields, ferr := shell.Fields(line, nil)
		if ferr != nil {
			return nil, &Error{Var: "APP_COMMAND", Value: line, Reason: ferr.Error()}
		}
		cfg.AppCommand = fields
	}

	features, err := featuresFromEnviron(os.Environ())
	if err != nil {
		return nil, err
	}
	cfg.Features = features

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func featuresFromEnviron(environ []string) (Features, error) {
	var f Features
	for _, kv := range environ {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, FeaturePrefix) || len(k) == len(FeaturePrefix) {
			continue
		}
		on := false
		if strings.TrimSpace(val) != "" {
			b, err := cast.ToBoolE(strings.TrimSpace(val))
			if err != nil {
				return Features{}, &Error{Var: k, Value: val, Reason: "not a boolean"}
			}
			on = b
		}
		switch name := strings.TrimPrefix(k, FeaturePrefix); name {
		case featureAccessLog:
			f.AccessLog = on
		case featureLivenessChecksUpstream:
			f.LivenessChecksUpstream = on
		default:
			if f.Extra == nil {
				f.Extra = map[string]bool{}
			}
			f.Extra[name] = on
		}
	}
	return f, nil
}

// parseDecimal accepts plain base-10 integers only. "010" and "0x1F90" are
// rejected rather than read as octal or hex.
func parseDecimal(s string) (int, error) {
	digits := strings.TrimPrefix(s, "-")
	if len(digits) > 1 && digits[0] == '0' {
		return 0, errors.Errorf("leading zero in %q", s)
	}
	return strconv.Atoi(s)
}

// ParseSeconds accepts a bare number of seconds ("120", "0.5") or a Go
// duration ("2m", "500ms").
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		if secs > float64(math.MaxInt64)/float64(time.Second) {
			return 0, errors.Errorf("duration %q out of range", s)
		}
		d = time.Duration(secs * float64(time.Second))
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, errors.Errorf("invalid duration %q", s)
		}
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (c RuntimeConfig) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return &Error{Var: "PORT", Value: strconv.Itoa(c.Port), Reason: "out of range"}
	case c.Workers < 1:
		return &Error{Var: "WORKERS", Value: strconv.Itoa(c.Workers), Reason: "must be at least 1"}
	case c.Threads < 1:
		return &Error{Var: "THREADS", Value: strconv.Itoa(c.Threads), Reason: "must be at least 1"}
	case c.Timeout <= 0:
		return &Error{Var: "TIMEOUT", Value: c.Timeout.String(), Reason: "must be positive"}
	case !strings.HasPrefix(c.HealthPath, "/"):
		return &Error{Var: "HEALTH_PATH", Value: c.HealthPath, Reason: "must start with /"}
	case !strings.HasPrefix(c.ReadyPath, "/"):
		return &Error{Var: "READY_PATH", Value: c.ReadyPath, Reason: "must start with /"}
	case c.ReadyPath == c.HealthPath:
		return &Error{Var: "READY_PATH", Value: c.ReadyPath, Reason: "must differ from HEALTH_PATH"}
	case c.AppPort < 1 || c.AppPort > 65535:
		return &Error{Var: "APP_PORT", Value: strconv.Itoa(c.AppPort), Reason: "out of range"}
	case len(c.AppCommand) > 0 && c.UpstreamURL != "":
		return &Error{Var: "UPSTREAM_URL", Value: c.UpstreamURL, Reason: "cannot be combined with APP_COMMAND"}
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &Error{Var: "UPSTREAM_URL", Value: c.UpstreamURL, Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

func (c RuntimeConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Upstream returns the URL of the application behind the supervisor, or nil
// when none is configured.
func (c RuntimeConfig) Upstream() *url.URL {
	switch {
	case c.UpstreamURL != "":
		u, err := url.Parse(c.UpstreamURL)
		if err != nil {
			return nil
		}
		return u
	case len(c.AppCommand) > 0:
		return &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(c.AppPort))}
	}
	return nil
}

// AppEnv is the environment added to the application process.
func (c RuntimeConfig) AppEnv() map[string]string {
	env := map[string]string{"PORT": strconv.Itoa(c.AppPort)}
	for name, on := range c.Features.Extra {
		env[FeaturePrefix+name] = strconv.FormatBool(on)
	}
	return env
}

// Env renders the resolved configuration as environment variables, with
// secrets redacted, for logging and the config command.
func (c RuntimeConfig) Env() map[string]string {
	env := map[string]string{
		"HOST":             c.Host,
		"PORT":             strconv.Itoa(c.Port),
		"WORKERS":          strconv.Itoa(c.Workers),
		"THREADS":          strconv.Itoa(c.Threads),
		"TIMEOUT":          c.Timeout.String(),
		"KEEPALIVE":        c.KeepAlive.String(),
		"GRACEFUL_TIMEOUT": c.GracefulTimeout.String(),
		"HEALTH_PATH":      c.HealthPath,
		"READY_PATH":       c.ReadyPath,
		"RUN_AS_USER":      c.RunAsUser,
		"APP_PORT":         strconv.Itoa(c.AppPort),
		"UPSTREAM_URL":     c.UpstreamURL,
		"APP_COMMAND":      strings.Join(c.AppCommand, " "),

		FeaturePrefix + featureAccessLog:              strconv.FormatBool(c.Features.AccessLog),
		FeaturePrefix + featureLivenessChecksUpstream: strconv.FormatBool(c.Features.LivenessChecksUpstream),
	}
	if c.SecretKey != "" {
		env["SECRET_KEY"] = c.SecretKey
	}
	for name, on := range c.Features.Extra {
		env[FeaturePrefix+name] = strconv.FormatBool(on)
	}
	return state.SanitizeEnv(env)
}

// SortedKeys is a helper for printing Env deterministically.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func envName(key string) string {
	for _, s := range settings {
		if s.key == key {
			return s.env[0]
		}
	}
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}
