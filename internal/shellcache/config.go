package shellcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultGeneration = "egoos-cache-v1"
	DefaultFallback   = "/index.html"

	FallbackScopeAny        = "any"
	FallbackScopeNavigation = "navigation"
)

// DefaultSeed is the install manifest used when the config names none.
var DefaultSeed = []string{"/", "/index.html", "/favicon.png", "/opengraph.jpg"}

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"SHELLCACHE_PORT"`
		Origin string `yaml:"origin" env:"SHELLCACHE_ORIGIN"`
	} `yaml:"server"`

	Cache struct {
		Generation    string   `yaml:"generation" env:"SHELLCACHE_GENERATION"`
		Dir           string   `yaml:"dir" env:"SHELLCACHE_CACHE_DIR"`
		Quota         string   `yaml:"quota"`
		Seed          []string `yaml:"seed"`
		Fallback      string   `yaml:"fallback"`
		FallbackScope string   `yaml:"fallbackScope"`
	} `yaml:"cache"`

	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Install struct {
		RetryEvery string `yaml:"retryEvery"`
	} `yaml:"install"`

	Prefetch struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`
	} `yaml:"prefetch"`

	Logging struct {
		Level         string `yaml:"level" env:"SHELLCACHE_LOG_LEVEL"`
		JSON          bool   `yaml:"json"`
		LogStatsEvery string `yaml:"logStatsEvery"`
		LogPrefetch   bool   `yaml:"logPrefetch"`
	} `yaml:"logging"`

	// compiled
	quotaBytes         int64
	ramMaxBytes        int64
	retryEveryDur      time.Duration
	initialDelayDur    time.Duration
	rediscoverEveryDur time.Duration
	logStatsEveryDur   time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies SHELLCACHE_* environment overrides,
// fills defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	c := &cfg.Cache
	if c.Generation == "" {
		c.Generation = DefaultGeneration
	}
	if err := validateTag(c.Generation); err != nil {
		return fmt.Errorf("cache.generation: %w", err)
	}
	if c.Dir == "" {
		c.Dir = "./data/leveldb"
	}
	if len(c.Seed) == 0 {
		c.Seed = append([]string(nil), DefaultSeed...)
	}
	for i, p := range c.Seed {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.seed[%d]: path must start with /, got %q", i, p)
		}
		c.Seed[i] = p
	}
	if c.Fallback == "" {
		c.Fallback = DefaultFallback
	}
	if !strings.HasPrefix(c.Fallback, "/") {
		return fmt.Errorf("cache.fallback: path must start with /, got %q", c.Fallback)
	}
	switch c.FallbackScope {
	case "":
		c.FallbackScope = FallbackScopeAny
	case FallbackScopeAny, FallbackScopeNavigation:
	default:
		return fmt.Errorf("cache.fallbackScope: want %q or %q, got %q", FallbackScopeAny, FallbackScopeNavigation, c.FallbackScope)
	}
	if c.Quota != "" {
		n, err := parseBytes(c.Quota)
		if err != nil {
			return fmt.Errorf("cache.quota: %w", err)
		}
		cfg.quotaBytes = n
	}

	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "32mb"
	}
	n, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.ramMaxBytes = n

	if cfg.Install.RetryEvery == "" {
		cfg.Install.RetryEvery = "30s"
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"install.retryEvery", cfg.Install.RetryEvery, &cfg.retryEveryDur},
		{"prefetch.initialDelay", cfg.Prefetch.InitialDelay, &cfg.initialDelayDur},
		{"prefetch.rediscoverEvery", cfg.Prefetch.RediscoverEvery, &cfg.rediscoverEveryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return nil
}

// QuotaBytes is the per-generation byte quota, 0 when unlimited.
func (cfg Config) QuotaBytes() int64 { return cfg.quotaBytes }

func (cfg Config) RAMMaxBytes() int64 { return cfg.ramMaxBytes }

func (cfg Config) RetryEvery() time.Duration { return cfg.retryEveryDur }
