package piproxy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 3000
	defaultUpstreamURL = "https://api.minepi.com"
)

type Config struct {
	Server struct {
		Port              int    `yaml:"port"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
		ShutdownTimeout   string `yaml:"shutdownTimeout"`

		readHeaderTimeoutDur time.Duration
		shutdownTimeoutDur   time.Duration
	} `yaml:"server"`

	Upstream struct {
		BaseURL string `yaml:"baseURL"`
		APIKey  string `yaml:"apiKey"`
		Timeout string `yaml:"timeout"`
		MaxBody string `yaml:"maxBody"`

		timeoutDur   time.Duration
		maxBodyBytes int64
	} `yaml:"upstream"`

	Cache struct {
		TTL    string `yaml:"ttl"`
		Engine string `yaml:"engine"`

		ttlDur time.Duration
	} `yaml:"cache"`

	Retry struct {
		MaxAttempts int    `yaml:"maxAttempts"`
		Backoff     string `yaml:"backoff"`

		backoffDur time.Duration
	} `yaml:"retry"`

	Fallback struct {
		File string `yaml:"file"`
	} `yaml:"fallback"`

	Warmup struct {
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"warmup"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// LoadConfig reads the YAML file at path (an empty path means defaults only),
// applies environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() Config {
	var cfg Config
	if err := cfg.finalize(); err != nil {
		panic(err)
	}
	return cfg
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("PI_API_KEY"); ok && v != "" {
		cfg.Upstream.APIKey = v
	}
	if v, ok := lookup("PI_API_BASE_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Upstream.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}
	return nil
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = defaultUpstreamURL
	}
	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.baseURL: must be an http(s) URL, got %q", cfg.Upstream.BaseURL)
	}
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")

	if cfg.Upstream.MaxBody == "" {
		cfg.Upstream.MaxBody = "4mb"
	}
	n, err := parseBytes(cfg.Upstream.MaxBody)
	if err != nil {
		return fmt.Errorf("upstream.maxBody: %w", err)
	}
	cfg.Upstream.maxBodyBytes = n

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts: must be >= 1, got %d", cfg.Retry.MaxAttempts)
	}

	switch strings.ToLower(cfg.Cache.Engine) {
	case "", engineMemory:
		cfg.Cache.Engine = engineMemory
	case engineLevelDB:
		cfg.Cache.Engine = engineLevelDB
	default:
		return fmt.Errorf("cache.engine: unknown engine %q", cfg.Cache.Engine)
	}

	durations := []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"server.readHeaderTimeout", cfg.Server.ReadHeaderTimeout, 10 * time.Second, &cfg.Server.readHeaderTimeoutDur},
		{"server.shutdownTimeout", cfg.Server.ShutdownTimeout, 10 * time.Second, &cfg.Server.shutdownTimeoutDur},
		{"upstream.timeout", cfg.Upstream.Timeout, 10 * time.Second, &cfg.Upstream.timeoutDur},
		{"cache.ttl", cfg.Cache.TTL, DefaultTTL, &cfg.Cache.ttlDur},
		{"retry.backoff", cfg.Retry.Backoff, time.Second, &cfg.Retry.backoffDur},
		{"warmup.every", cfg.Warmup.Every, 0, &cfg.Warmup.everyDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, 0, &cfg.Logging.statsEveryDur},
	}
	for _, d := range durations {
		v, err := parseDurationDefault(d.raw, d.def)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if cfg.Cache.ttlDur <= 0 {
		return errors.New("cache.ttl: must be positive")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (cfg Config) RetryPolicy() RetryPolicy {
	return LinearRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.backoffDur)
}

func (cfg Config) CacheTTL() time.Duration { return cfg.Cache.ttlDur }

func (cfg Config) ReadHeaderTimeout() time.Duration { return cfg.Server.readHeaderTimeoutDur }

func (cfg Config) ShutdownTimeout() time.Duration { return cfg.Server.shutdownTimeoutDur }
