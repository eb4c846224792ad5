package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/xxxsen/common/logger"
)

type Config struct {
	Database      DatabaseConfig      `json:"database"`
	Backend       BackendConfig       `json:"backend"`
	Vector        VectorConfig        `json:"vector"`
	Embed         EmbedConfig         `json:"embed"`
	Chunker       ChunkerConfig       `json:"chunker"`
	Sync          SyncConfig          `json:"sync"`
	Ingest        IngestConfig        `json:"ingest"`
	ArtifactStore ArtifactStoreConfig `json:"artifact_store"`
	LogConfig     logger.LogConfig    `json:"log_config"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

type BackendConfig struct {
	BaseURL          string `json:"base_url"`
	AuthURL          string `json:"auth_url"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	RefreshThreshold int    `json:"refresh_threshold"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

type VectorConfig struct {
	APIKey     string `json:"api_key"`
	IndexName  string `json:"index_name"`
	Dimension  int    `json:"dimension"`
	Metric     string `json:"metric"`
	Cloud      string `json:"cloud"`
	Region     string `json:"region"`
	BatchSize  int    `json:"batch_size"`
	ControlURL string `json:"control_url"`
}

type EmbedConfig struct {
	Provider        string                 `json:"provider"`
	Model           string                 `json:"model"`
	TaskType        string                 `json:"task_type"`
	CacheSize       int                    `json:"cache_size"`
	CacheTTLSeconds int                    `json:"cache_ttl_seconds"`
	Data            map[string]interface{} `json:"data"`
}

type ChunkerConfig struct {
	ChunkSize int `json:"chunk_size"`
}

type SyncConfig struct {
	Namespace           string `json:"namespace"`
	CronSpec            string `json:"cron_spec"`
	HashCheckFailClosed bool   `json:"hash_check_fail_closed"`
}

type IngestConfig struct {
	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
}

type ArtifactStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Load reads the JSON config and then layers credentials from the
// environment on top. A .env file next to the process is honored; missing
// .env is not an error.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	_ = godotenv.Load()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Backend.BaseURL, "BACKEND_API_URL")
	overrideString(&c.Backend.AuthURL, "BACKEND_API_AUTH_URL")
	overrideString(&c.Backend.Username, "API_USERNAME")
	overrideString(&c.Backend.Password, "API_PASSWORD")
	overrideString(&c.Vector.APIKey, "PINECONE_API_KEY")
	overrideString(&c.Database.DSN, "DATABASE_DSN")
	overrideString(&c.Database.Password, "DATABASE_PASSWORD")
	if key := os.Getenv("EMBED_API_KEY"); key != "" {
		if c.Embed.Data == nil {
			c.Embed.Data = map[string]interface{}{}
		}
		c.Embed.Data["api_key"] = key
	}
	if v := os.Getenv("EMBED_PROVIDER"); v != "" {
		c.Embed.Provider = v
	}
	if v := os.Getenv("SYNC_CRON_SPEC"); v != "" {
		c.Sync.CronSpec = v
	}
	if v := os.Getenv("EMBED_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Embed.CacheSize = n
		}
	}
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.AuthURL == "" {
		return fmt.Errorf("backend.auth_url is required")
	}
	if c.Backend.Username == "" || c.Backend.Password == "" {
		return fmt.Errorf("backend credentials are required")
	}
	if c.Embed.Provider == "" {
		c.Embed.Provider = "gemini"
	}
	if c.Embed.Model == "" {
		return fmt.Errorf("embed.model is required")
	}
	if c.Sync.CronSpec == "" {
		c.Sync.CronSpec = "@every 1h"
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.ArtifactStore.Type == "" {
		c.ArtifactStore.Type = "local"
		if c.ArtifactStore.Data == nil && c.Ingest.OutputDir != "" {
			c.ArtifactStore.Data = map[string]interface{}{"dir": c.Ingest.OutputDir}
		}
	}
	return nil
}
