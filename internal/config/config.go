// Package config loads broker configuration from environment variables
// (NETSHARE_* via envconfig) with command-line flag overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig holds every tunable of the netshare broker daemon.
type ServerConfig struct {
	ListenAddr string        `envconfig:"LISTEN_ADDR" default:":8080"`
	DBPath     string        `envconfig:"DB_PATH" default:"./netshare.db"`
	LogLevel   string        `envconfig:"LOG_LEVEL" default:"info"`
	RedisAddr  string        `envconfig:"REDIS_ADDR" default:""`
	QualityTTL time.Duration `envconfig:"QUALITY_TTL" default:"2m"`

	BackendAPIURL  string        `envconfig:"BACKEND_API_URL" default:"https://api.fly.io/v1"`
	BackendAPIKey  string        `envconfig:"BACKEND_API_KEY" default:""`
	BackendApp     string        `envconfig:"BACKEND_APP" default:"netshare-tunnels"`
	InstanceDomain string        `envconfig:"INSTANCE_DOMAIN" default:"fly.dev"`
	BackendTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"15s"`
	ProbeTimeout   time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`

	PortMin int `envconfig:"PORT_MIN" default:"9000"`
	PortMax int `envconfig:"PORT_MAX" default:"10000"`

	ReconcileInterval  time.Duration `envconfig:"RECONCILE_INTERVAL" default:"60s"`
	StalenessThreshold time.Duration `envconfig:"STALENESS_THRESHOLD" default:"300s"`
	ResetSchedule      string        `envconfig:"RESET_SCHEDULE" default:"@hourly"`
	StatusPushInterval time.Duration `envconfig:"STATUS_PUSH_INTERVAL" default:"10s"`

	PprofAddr string `envconfig:"PPROF_ADDR" default:""`

	TLSMode      string `envconfig:"TLS_MODE" default:"off"`
	TLSHost      string `envconfig:"TLS_HOST" default:""`
	CertCacheDir string `envconfig:"CERT_CACHE_DIR" default:"./cert"`
}

// ParseServerFlags builds a ServerConfig from the environment and then
// applies flag overrides from args.
func ParseServerFlags(args []string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("netshare", &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}

	fs := flag.NewFlagSet("netshared", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the quality cache (empty disables)")
	fs.StringVar(&cfg.BackendAPIURL, "backend-url", cfg.BackendAPIURL, "Tunnel backend API base URL")
	fs.StringVar(&cfg.BackendAPIKey, "backend-key", cfg.BackendAPIKey, "Tunnel backend API bearer token")
	fs.StringVar(&cfg.BackendApp, "backend-app", cfg.BackendApp, "Tunnel backend application name")
	fs.IntVar(&cfg.PortMin, "port-min", cfg.PortMin, "Lowest proxy port (inclusive)")
	fs.IntVar(&cfg.PortMax, "port-max", cfg.PortMax, "Highest proxy port (exclusive)")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "Reconciliation loop period")
	fs.DurationVar(&cfg.StalenessThreshold, "staleness", cfg.StalenessThreshold, "Tunnel staleness threshold")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof listen address (empty disables)")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto")
	fs.StringVar(&cfg.TLSHost, "tls-host", cfg.TLSHost, "Public hostname for automatic TLS")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (cfg ServerConfig) validate() error {
	if cfg.PortMin <= 0 || cfg.PortMax > 65536 || cfg.PortMin >= cfg.PortMax {
		return fmt.Errorf("invalid port range [%d,%d)", cfg.PortMin, cfg.PortMax)
	}
	if cfg.ReconcileInterval <= 0 {
		return errors.New("reconcile interval must be > 0")
	}
	if cfg.StalenessThreshold <= 0 {
		return errors.New("staleness threshold must be > 0")
	}
	if cfg.BackendTimeout <= 0 || cfg.ProbeTimeout <= 0 {
		return errors.New("backend and probe timeouts must be > 0")
	}
	if cfg.StatusPushInterval <= 0 {
		return errors.New("status push interval must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TLSMode)) {
	case "off", "auto":
	default:
		return errors.New("tls mode must be one of: off, auto")
	}
	if strings.EqualFold(cfg.TLSMode, "auto") && strings.TrimSpace(cfg.TLSHost) == "" {
		return errors.New("tls mode auto requires --tls-host")
	}
	return nil
}
