// Package config loads the irrwatch YAML configuration. Values are read
// once at startup into an immutable Config that gets passed explicitly
// into constructors; nothing reads ambient state at call time.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/irrwatch/pkg/irr"
)

// KnownSources are the IRR sources we know how to query.
var KnownSources = map[string]struct{}{
	"RIPE": {}, "RADB": {}, "ARIN": {}, "APNIC": {},
	"LACNIC": {}, "AFRINIC": {}, "NTTCOM": {},
}

type RESTConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimit      float64 `yaml:"rate_limit"`
}

type WhoisConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type TicketingConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DiffConfig struct {
	LookbackHours int `yaml:"lookback_hours"`
}

type FetchConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

type Config struct {
	Targets []string `yaml:"targets"`
	Sources []string `yaml:"sources"`

	// APIURL, when set, routes all registry queries through a deployed
	// lookup API instead of querying WHOIS/REST directly.
	APIURL string `yaml:"api_url"`

	REST      RESTConfig      `yaml:"rest"`
	Whois     WhoisConfig     `yaml:"whois"`
	Database  DatabaseConfig  `yaml:"database"`
	Ticketing TicketingConfig `yaml:"ticketing"`
	Slack     SlackConfig     `yaml:"slack"`
	Logging   LoggingConfig   `yaml:"logging"`
	Diff      DiffConfig      `yaml:"diff"`
	Fetch     FetchConfig     `yaml:"fetch"`

	SnapshotOnUnchanged *bool `yaml:"snapshot_on_unchanged"`
}

func Default() Config {
	return Config{
		Sources: []string{"RADB", "RIPE", "NTTCOM"},
		REST: RESTConfig{
			BaseURL:        "https://rest.db.ripe.net",
			TimeoutSeconds: 60,
		},
		Whois:     WhoisConfig{TimeoutSeconds: 30},
		Ticketing: TicketingConfig{TimeoutSeconds: 30, MaxRetries: 3},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Diff:      DiffConfig{LookbackHours: 24},
		Fetch:     FetchConfig{MaxConcurrency: 4},
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} references with the environment value, or the
// empty string when unset.
func expandEnv(raw []byte) []byte {
	return envVarRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		return []byte(os.Getenv(name))
	})
}

// Load reads, interpolates, and validates the YAML config file. Fields
// absent from the file keep their defaults; a handful of environment
// variables override file values for secrets and deploy-time settings.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IRR_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("IRR_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("TICKETING_BASE_URL"); v != "" {
		cfg.Ticketing.BaseURL = v
	}
	if v := os.Getenv("TICKETING_API_TOKEN"); v != "" {
		cfg.Ticketing.APIToken = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.Token = v
	}
	if v := os.Getenv("IRR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IRR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func (cfg *Config) Validate() error {
	var errs []string

	if len(cfg.Sources) == 0 {
		errs = append(errs, "at least one source must be configured")
	}
	for _, s := range cfg.Sources {
		if _, ok := KnownSources[strings.ToUpper(s)]; !ok {
			errs = append(errs, fmt.Sprintf("unknown IRR source %q", s))
		}
	}

	if cfg.REST.TimeoutSeconds <= 0 {
		errs = append(errs, "rest.timeout_seconds must be positive")
	}
	if cfg.Whois.TimeoutSeconds <= 0 {
		errs = append(errs, "whois.timeout_seconds must be positive")
	}
	if cfg.Ticketing.TimeoutSeconds <= 0 {
		errs = append(errs, "ticketing.timeout_seconds must be positive")
	}
	if cfg.Ticketing.MaxRetries < 0 {
		errs = append(errs, "ticketing.max_retries must be non-negative")
	}
	if cfg.Diff.LookbackHours <= 0 {
		errs = append(errs, "diff.lookback_hours must be positive")
	}
	if cfg.Fetch.MaxConcurrency < 1 {
		errs = append(errs, "fetch.max_concurrency must be at least 1")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be text or json (got %q)", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Lookback returns the diff lookback window as a duration.
func (cfg *Config) Lookback() time.Duration {
	return time.Duration(cfg.Diff.LookbackHours) * time.Hour
}

// SnapshotOnUnchangedValue reports the snapshot_on_unchanged knob with
// its default of true (always persist).
func (cfg *Config) SnapshotOnUnchangedValue() bool {
	if cfg.SnapshotOnUnchanged == nil {
		return true
	}
	return *cfg.SnapshotOnUnchanged
}

// SourceDescriptors builds the registry source list. When api_url is set
// every query goes through a single proxy pseudo-source; otherwise the
// configured sources select from the well-known registries, with
// endpoint and timeout overrides applied.
func (cfg *Config) SourceDescriptors() []irr.SourceDescriptor {
	if cfg.APIURL != "" {
		return []irr.SourceDescriptor{{
			Name:     "API",
			Protocol: irr.ProtocolProxy,
			Endpoint: cfg.APIURL,
			Timeout:  time.Duration(cfg.REST.TimeoutSeconds) * time.Second,
			Enabled:  true,
		}}
	}

	defaults := make(map[string]irr.SourceDescriptor)
	for _, d := range irr.DefaultSources() {
		defaults[d.Name] = d
	}

	var out []irr.SourceDescriptor
	for _, name := range cfg.Sources {
		d, ok := defaults[strings.ToUpper(name)]
		if !ok {
			continue
		}
		switch d.Protocol {
		case irr.ProtocolREST:
			if cfg.REST.BaseURL != "" {
				d.Endpoint = cfg.REST.BaseURL
			}
			d.Timeout = time.Duration(cfg.REST.TimeoutSeconds) * time.Second
		case irr.ProtocolWhois:
			d.Timeout = time.Duration(cfg.Whois.TimeoutSeconds) * time.Second
		}
		out = append(out, d)
	}
	return out
}
