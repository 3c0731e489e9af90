package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// PublicAddr is where public callers (and CONNECT clients) arrive.
	PublicAddr string `yaml:"public_addr"`
	// AdminAddr serves the control plane and metrics.
	AdminAddr string `yaml:"admin_addr"`
	// AgentBindHost is the interface per-endpoint agent listeners bind to.
	AgentBindHost string `yaml:"agent_bind_host"`
	// Domain is the base domain endpoints live under. Empty means any
	// registrable domain, decided by the public suffix list.
	Domain    string `yaml:"domain"`
	URLScheme string `yaml:"url_scheme"`

	MaxSockets            int           `yaml:"max_sockets"`
	AcquireTimeout        time.Duration `yaml:"acquire_timeout"`
	MaxAttempts           int           `yaml:"max_attempts"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`

	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	// SessionIdleTimeout of zero keeps sessions for the life of the process.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`

	AgentKeepAlive   time.Duration `yaml:"agent_keepalive"`
	AgentUserTimeout time.Duration `yaml:"agent_user_timeout"`

	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Connect     ConnectConfig   `yaml:"connect"`
	Ingress     IngressConfig   `yaml:"ingress"`
	Diagnostics bool            `yaml:"diagnostics"`
	Log         LogConfig       `yaml:"log"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type ConnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type IngressConfig struct {
	// AutoCreate lets public traffic create sessions for unseen endpoints.
	AutoCreate bool `yaml:"auto_create"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto | text | json
}

func Default() Config {
	return Config{
		PublicAddr:            ":3001",
		AdminAddr:             ":3000",
		AgentBindHost:         "0.0.0.0",
		Domain:                "localhost",
		URLScheme:             "http",
		MaxSockets:            10,
		AcquireTimeout:        5 * time.Second,
		MaxAttempts:           3,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       10 * time.Minute,
		SessionIdleTimeout:    30 * time.Minute,
		SweepInterval:         30 * time.Second,
		AgentKeepAlive:        30 * time.Second,
		AgentUserTimeout:      60 * time.Second,
		Connect:               ConnectConfig{Enabled: true, DialTimeout: 10 * time.Second},
		Diagnostics:           true,
		Log:                   LogConfig{Level: "info", Format: "auto"},
	}
}

func Path(dir string) string { return filepath.Join(dir, "config.yaml") }

// Load reads the YAML file at p on top of the defaults, so keys the file
// leaves out keep their default values.
func Load(p string) (Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadOrCreate loads config.yaml from configDir, writing the defaults there
// first if the file does not exist yet.
func LoadOrCreate(configDir string) (Config, error) {
	cfg, err := Load(Path(configDir))
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	cfg = Default()
	if err := Save(configDir, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(configDir string, cfg Config) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}
	b, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(configDir), b, 0o644)
}

func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ApplyDefaults fills fields whose zero value is never meaningful. Zero
// timeouts that disable a feature are left alone.
func (c *Config) ApplyDefaults() {
	d := Default()
	c.PublicAddr = defaultIfEmpty(c.PublicAddr, d.PublicAddr)
	c.AdminAddr = defaultIfEmpty(c.AdminAddr, d.AdminAddr)
	c.AgentBindHost = defaultIfEmpty(c.AgentBindHost, d.AgentBindHost)
	c.URLScheme = strings.ToLower(defaultIfEmpty(c.URLScheme, d.URLScheme))
	c.Domain = strings.Trim(strings.ToLower(strings.TrimSpace(c.Domain)), ".")
	c.MaxSockets = valueOrDefault(c.MaxSockets, d.MaxSockets)
	c.MaxAttempts = valueOrDefault(c.MaxAttempts, d.MaxAttempts)
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Connect.DialTimeout <= 0 {
		c.Connect.DialTimeout = d.Connect.DialTimeout
	}
	c.Log.Level = strings.ToLower(defaultIfEmpty(c.Log.Level, d.Log.Level))
	c.Log.Format = strings.ToLower(defaultIfEmpty(c.Log.Format, d.Log.Format))
}

// ApplyEnv overrides fields from RELAY_* environment variables.
func (c *Config) ApplyEnv() {
	c.PublicAddr = envOrDefault("RELAY_PUBLIC_ADDR", c.PublicAddr)
	c.AdminAddr = envOrDefault("RELAY_ADMIN_ADDR", c.AdminAddr)
	c.AgentBindHost = envOrDefault("RELAY_AGENT_BIND_HOST", c.AgentBindHost)
	c.Domain = envOrDefault("RELAY_DOMAIN", c.Domain)
	c.URLScheme = envOrDefault("RELAY_URL_SCHEME", c.URLScheme)
	c.MaxSockets = envIntOrDefault("RELAY_MAX_SOCKETS", c.MaxSockets)
	c.Diagnostics = envBoolOrDefault("RELAY_DIAGNOSTICS", c.Diagnostics)
	c.Connect.Enabled = envBoolOrDefault("RELAY_CONNECT_ENABLED", c.Connect.Enabled)
	c.Ingress.AutoCreate = envBoolOrDefault("RELAY_AUTO_CREATE", c.Ingress.AutoCreate)
	c.Log.Level = envOrDefault("RELAY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("RELAY_LOG_FORMAT", c.Log.Format)
	c.ApplyDefaults()
}

func (c Config) Validate() error {
	var errs []error
	for _, a := range []struct{ name, addr string }{
		{"public_addr", c.PublicAddr},
		{"admin_addr", c.AdminAddr},
	} {
		if _, _, err := net.SplitHostPort(a.addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", a.name, a.addr, err))
		}
	}
	if c.URLScheme != "http" && c.URLScheme != "https" {
		errs = append(errs, fmt.Errorf("url_scheme must be http or https, got %q", c.URLScheme))
	}
	if c.MaxSockets < 1 {
		errs = append(errs, fmt.Errorf("max_sockets must be positive, got %d", c.MaxSockets))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.IdleConnTimeout < 0 || c.SessionIdleTimeout < 0 || c.ResponseHeaderTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func valueOrDefault(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func envOrDefault(key string, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func isTruthyEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envBoolOrDefault(key string, fallback bool) bool {
	if _, ok := os.LookupEnv(key); !ok {
		return fallback
	}
	return isTruthyEnv(key)
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
