package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Collect CollectConfig `yaml:"collect"`
	Sources SourcesConfig `yaml:"sources"`
	Brief   BriefConfig   `yaml:"brief"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"` // sqlite | postgres
	Sqlite   SqliteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type CollectConfig struct {
	MaxRetries      int      `yaml:"max_retries"`
	BaseDelayMs     int      `yaml:"base_delay_ms"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	AdapterPriority []string `yaml:"adapter_priority"`
	NewsWindowDays  int      `yaml:"news_window_days"`
	SectorTopN      int      `yaml:"sector_top_n"`
	Codes           []string `yaml:"codes"`
}

type SourcesConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

type BriefConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver: "sqlite",
			Sqlite: SqliteConfig{Path: "data/stockpulse.db"},
		},
		Collect: CollectConfig{
			MaxRetries:      3,
			BaseDelayMs:     1000,
			MaxConcurrency:  4,
			AdapterPriority: []string{"eastmoney", "sina"},
			NewsWindowDays:  7,
			SectorTopN:      20,
			Codes:           []string{"600584", "000001"},
		},
		Sources: SourcesConfig{TimeoutMs: 5000},
		Brief: BriefConfig{
			Enabled:   false,
			Model:     "gpt-4.1-mini",
			TimeoutMs: 10000,
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("STOCKPULSE_DB_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STOCKPULSE_PG_DSN"); v != "" {
		cfg.Store.Postgres.DSN = v
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store.driver: %q", c.Store.Driver)
	}
	if c.Collect.MaxRetries <= 0 {
		return fmt.Errorf("collect.max_retries must be positive")
	}
	if c.Collect.MaxConcurrency <= 0 {
		return fmt.Errorf("collect.max_concurrency must be positive")
	}
	if len(c.Collect.AdapterPriority) == 0 {
		return fmt.Errorf("collect.adapter_priority must not be empty")
	}
	for _, id := range c.Collect.AdapterPriority {
		if id != "eastmoney" && id != "sina" {
			return fmt.Errorf("unknown adapter id in priority list: %q", id)
		}
	}
	return nil
}
