package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"

	"github.com/xxxsen/promptembed/internal/encoder/hashenc"
)

type Config struct {
	Port             int              `json:"port"`
	LogConfig        logger.LogConfig `json:"log_config"`
	CORSAllowlist    []string         `json:"cors_allowlist"`
	EmbedRateLimitMs int              `json:"embed_rate_limit_ms"`
	Cache            CacheConfig      `json:"cache"`
	Parser           ParserConfig     `json:"parser"`
	Encoder          EncoderConfig    `json:"encoder"`
	Database         *DatabaseConfig  `json:"database"`
	Cleanup          CleanupConfig    `json:"cleanup"`
}

type CacheConfig struct {
	Capacity      int    `json:"capacity"`
	PadMode       string `json:"pad_mode"`
	BatchCollapse bool   `json:"batch_collapse"`
}

type ParserConfig struct {
	Emphasis float64 `json:"emphasis"`
	MeanNorm bool    `json:"mean_norm"`
}

type EncoderConfig struct {
	Provider string         `json:"provider"`
	Hash     hashenc.Config `json:"hash"`
	Remote   RemoteConfig   `json:"remote"`
}

type RemoteConfig struct {
	Dim             int                 `json:"dim"`
	TaskType        string              `json:"task_type"`
	Providers       []EmbedProviderItem `json:"providers"`
	VectorCacheSize int                 `json:"vector_cache_size"`
	VectorCacheTTL  int                 `json:"vector_cache_ttl"`
}

type EmbedProviderItem struct {
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type CleanupConfig struct {
	Cron       string `json:"cron"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Default is the configuration used when no file is given. Load decodes on
// top of it, so absent keys keep these values.
func Default() Config {
	return Config{
		LogConfig: logger.LogConfig{Level: "info", Console: true},
		Cache: CacheConfig{
			Capacity:      8,
			PadMode:       "empty",
			BatchCollapse: true,
		},
		Parser:  ParserConfig{Emphasis: 1.1},
		Encoder: EncoderConfig{Provider: "hash"},
		Cleanup: CleanupConfig{Cron: "0 3 * * *", MaxAgeDays: 30},
	}
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := Default()
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative")
	}
	switch c.Cache.PadMode {
	case "":
		c.Cache.PadMode = "empty"
	case "empty", "zeros":
	default:
		return fmt.Errorf("cache.pad_mode must be empty or zeros")
	}
	if c.Parser.Emphasis == 0 {
		c.Parser.Emphasis = 1.1
	}
	if c.Parser.Emphasis < 0 {
		return fmt.Errorf("parser.emphasis must be positive")
	}
	if c.Encoder.Provider == "" {
		c.Encoder.Provider = "hash"
	}
	switch c.Encoder.Provider {
	case "hash":
	case "remote":
		if c.Encoder.Remote.Dim <= 0 {
			return fmt.Errorf("encoder.remote.dim is required for remote encoder")
		}
		if len(c.Encoder.Remote.Providers) == 0 {
			return fmt.Errorf("encoder.remote.providers is required for remote encoder")
		}
		for i, p := range c.Encoder.Remote.Providers {
			if p.Provider == "" || p.Model == "" {
				return fmt.Errorf("encoder.remote.providers[%d] provider/model are required", i)
			}
		}
		if c.Encoder.Remote.TaskType == "" {
			c.Encoder.Remote.TaskType = "SEMANTIC_SIMILARITY"
		}
		if c.Encoder.Remote.VectorCacheSize < 0 || c.Encoder.Remote.VectorCacheTTL < 0 {
			return fmt.Errorf("encoder.remote vector cache size and ttl must not be negative")
		}
		if c.Encoder.Remote.VectorCacheSize > 0 && c.Encoder.Remote.VectorCacheTTL == 0 {
			c.Encoder.Remote.VectorCacheTTL = 3600
		}
	default:
		return fmt.Errorf("encoder.provider must be hash or remote")
	}
	if c.Database != nil {
		if c.Database.DSN == "" && c.Database.Host == "" {
			return fmt.Errorf("database.dsn or database.host is required")
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	}
	if c.Cleanup.Cron == "" {
		c.Cleanup.Cron = "0 3 * * *"
	}
	if c.Cleanup.MaxAgeDays <= 0 {
		c.Cleanup.MaxAgeDays = 30
	}
	return nil
}
