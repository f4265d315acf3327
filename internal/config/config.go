// Package config loads usersvc settings.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables. The command line overrides all of these for the
// flags it defines. The result is read once at start and never changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation and parse failure.
var ErrInvalid = errors.New("invalid config")

// Restart policy names
const (
	PolicyAlways    = "always"
	PolicyThrottled = "throttled"
)

// Config is the full service configuration.
type Config struct {
	Host           string        `yaml:"host"`
	WorkerHost     string        `yaml:"worker_host"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Log            LogConfig     `yaml:"log"`
	Restart        RestartConfig `yaml:"restart"`
	Port           int           `yaml:"port"`
	WorkerBasePort int           `yaml:"worker_base_port"`
	Workers        int           `yaml:"workers"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ProxyTimeout   time.Duration `yaml:"proxy_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	Health         HealthConfig  `yaml:"health"`
	Cluster        bool          `yaml:"cluster"`
}

// RestartConfig selects how dead workers are replaced.
type RestartConfig struct {
	Policy string  `yaml:"policy"`
	Rate   float64 `yaml:"rate"`
	Burst  int     `yaml:"burst"`
	Max    int     `yaml:"max"`
}

// HealthConfig controls periodic liveness checks of ready workers.
// An Interval of zero disables them.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           4000,
		WorkerHost:     "127.0.0.1",
		WorkerBasePort: 3000,
		Workers:        runtime.NumCPU(),
		ProxyTimeout:   10 * time.Second,
		MaxBodyBytes:   1 << 20,
		ReadyTimeout:   10 * time.Second,
		Restart: RestartConfig{
			Policy: PolicyAlways,
			Rate:   1,
			Burst:  3,
		},
		Health: HealthConfig{
			Interval:    5 * time.Second,
			MaxFailures: 3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, the YAML file at path (if any) and
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c.
// Keys absent from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() error {
	e := envReader{}

	e.setBool("CLUSTER", &c.Cluster)
	e.setString("HOST", &c.Host)
	e.setInt("PORT", &c.Port)
	e.setString("WORKER_HOST", &c.WorkerHost)
	e.setInt("WORKER_BASE_PORT", &c.WorkerBasePort)
	e.setInt("WORKERS", &c.Workers)
	e.setDuration("PROXY_TIMEOUT", &c.ProxyTimeout)
	e.setInt64("MAX_BODY_BYTES", &c.MaxBodyBytes)
	e.setString("RESTART_POLICY", &c.Restart.Policy)
	e.setFloat("RESTART_RATE", &c.Restart.Rate)
	e.setInt("RESTART_BURST", &c.Restart.Burst)
	e.setInt("RESTART_MAX", &c.Restart.Max)
	e.setDuration("READY_TIMEOUT", &c.ReadyTimeout)
	e.setDuration("HEALTH_INTERVAL", &c.Health.Interval)
	e.setInt("HEALTH_MAX_FAILURES", &c.Health.MaxFailures)
	e.setString("METRICS_ADDR", &c.MetricsAddr)
	e.setString("LOG_LEVEL", &c.Log.Level)
	e.setBool("LOG_DEV", &c.Log.Dev)

	return errors.Join(e.errs...)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	case c.WorkerBasePort < 1 || c.WorkerBasePort+c.Workers > 65535:
		return fmt.Errorf("%w: worker base port %d leaves no room for %d workers", ErrInvalid, c.WorkerBasePort, c.Workers)
	case c.ProxyTimeout <= 0:
		return fmt.Errorf("%w: proxy timeout must be positive", ErrInvalid)
	case c.ReadyTimeout <= 0:
		return fmt.Errorf("%w: ready timeout must be positive", ErrInvalid)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: max body bytes must be positive", ErrInvalid)
	case c.Health.Interval < 0:
		return fmt.Errorf("%w: health interval must not be negative", ErrInvalid)
	case c.Health.Interval > 0 && c.Health.MaxFailures < 1:
		return fmt.Errorf("%w: health max failures must be at least 1", ErrInvalid)
	}

	switch c.Restart.Policy {
	case PolicyAlways:
	case PolicyThrottled:
		if c.Restart.Rate <= 0 {
			return fmt.Errorf("%w: restart rate must be positive", ErrInvalid)
		}
		if c.Restart.Max < 0 {
			return fmt.Errorf("%w: restart max must not be negative", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown restart policy %q", ErrInvalid, c.Restart.Policy)
	}
	return nil
}

// Addr is the primary listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// envReader parses environment variables, collecting failures.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(k, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, k, v, err))
}

func (e *envReader) setString(k string, dst *string) {
	if v, ok := e.lookup(k); ok {
		*dst = v
	}
}

func (e *envReader) setInt(k string, dst *int) {
	if v, ok := e.lookup(k); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(k, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt64(k string, dst *int64) {
	if v, ok := e.lookup(k); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(k, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(k string, dst *float64) {
	if v, ok := e.lookup(k); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(k, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(k string, dst *bool) {
	if v, ok := e.lookup(k); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(k, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(k string, dst *time.Duration) {
	if v, ok := e.lookup(k); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(k, v, err)
			return
		}
		*dst = d
	}
}
