// Package config loads relay settings from an optional YAML file and lets
// explicitly set command-line flags override it.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/relay"
)

// EnvPath names the config file when -config is not given.
const EnvPath = "RELAY_CONFIG"

// EnvAddr overrides the listen address when neither the file nor a flag sets it.
const EnvAddr = "RELAY_ADDR"

const defaultAddr = ":8080"

// Config is the root of the YAML document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Storage StorageConfig `yaml:"storage"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Debug   bool          `yaml:"debug"`
}

type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	WTAddr     string        `yaml:"wt_addr"`
	WTHostname string        `yaml:"wt_hostname"`
	CertTTL    time.Duration `yaml:"cert_ttl"`
}

type RelayConfig struct {
	InactivityTimeout     time.Duration `yaml:"inactivity_timeout"`
	CompensationThreshold float64       `yaml:"compensation_threshold_ms"`
	FlushTimeout          time.Duration `yaml:"flush_timeout"`
	StatsInterval         time.Duration `yaml:"stats_interval"`
}

type StorageConfig struct {
	GhostsDir string `yaml:"ghosts_dir"`
	LogsDir   string `yaml:"logs_dir"`
	DB        string `yaml:"db"`
}

// MirrorConfig enables the S3 copy of each recording when Endpoint is set.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether a mirror endpoint is configured.
func (m MirrorConfig) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

// S3 converts m into the ghost mirror settings.
func (m MirrorConfig) S3() ghost.S3Config {
	return ghost.S3Config{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Region:    m.Region,
		Prefix:    m.Prefix,
		UseSSL:    m.UseSSL,
	}
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Server: ServerConfig{
			CertTTL: 24 * time.Hour,
		},
		Relay: RelayConfig{
			InactivityTimeout:     relay.DefaultInactivityTimeout,
			CompensationThreshold: relay.DefaultCompensationThreshold,
			FlushTimeout:          relay.DefaultFlushTimeout,
			StatsInterval:         5 * time.Second,
		},
		Storage: StorageConfig{
			GhostsDir: "ghosts",
			LogsDir:   "logs",
			DB:        "relay.db",
		},
	}
}

// ListenAddr returns the HTTP listen address: config, then RELAY_ADDR, then :8080.
func (s ServerConfig) ListenAddr() string {
	if v := strings.TrimSpace(s.Addr); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		return v
	}
	return defaultAddr
}

// RelayOptions maps the relay section onto registry options.
func (c Config) RelayOptions() relay.Options {
	return relay.Options{
		InactivityTimeout:     c.Relay.InactivityTimeout,
		CompensationThreshold: c.Relay.CompensationThreshold,
		FlushTimeout:          c.Relay.FlushTimeout,
	}
}

// Load reads the YAML file at path over Default. An empty path falls back to
// RELAY_CONFIG; with neither set the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPath)
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Flags binds the command-line overrides for a Config.
type Flags struct {
	fs   *flag.FlagSet
	path string

	addr       string
	wtAddr     string
	wtHostname string
	ghostsDir  string
	logsDir    string
	db         string
	inactivity time.Duration
	threshold  float64
	debug      bool
}

// RegisterFlags defines the relay flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}
	fs.StringVar(&f.path, "config", "", "YAML config file (defaults to $"+EnvPath+")")
	fs.StringVar(&f.addr, "addr", defaultAddr, "HTTP listen address")
	fs.StringVar(&f.wtAddr, "wt-addr", "", "WebTransport listen address (disabled when empty)")
	fs.StringVar(&f.wtHostname, "wt-hostname", "", "Hostname for the self-signed WebTransport certificate")
	fs.StringVar(&f.ghostsDir, "ghosts-dir", d.Storage.GhostsDir, "Ghost recordings directory")
	fs.StringVar(&f.logsDir, "logs-dir", d.Storage.LogsDir, "Audit log directory")
	fs.StringVar(&f.db, "db", d.Storage.DB, "SQLite database path (empty disables the index)")
	fs.DurationVar(&f.inactivity, "inactivity-timeout", d.Relay.InactivityTimeout, "Idle time before a room is closed")
	fs.Float64Var(&f.threshold, "compensation-threshold", d.Relay.CompensationThreshold, "Average ping (ms) above which event offsets are adjusted")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	return f
}

// Resolve loads the config file and applies every flag that was set explicitly.
// Call it after fs.Parse.
func (f *Flags) Resolve() (Config, error) {
	cfg, err := Load(f.path)
	if err != nil {
		return cfg, err
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Server.Addr = f.addr
		case "wt-addr":
			cfg.Server.WTAddr = f.wtAddr
		case "wt-hostname":
			cfg.Server.WTHostname = f.wtHostname
		case "ghosts-dir":
			cfg.Storage.GhostsDir = f.ghostsDir
		case "logs-dir":
			cfg.Storage.LogsDir = f.logsDir
		case "db":
			cfg.Storage.DB = f.db
		case "inactivity-timeout":
			cfg.Relay.InactivityTimeout = f.inactivity
		case "compensation-threshold":
			cfg.Relay.CompensationThreshold = f.threshold
		case "debug":
			cfg.Debug = f.debug
		}
	})
	return cfg, nil
}
