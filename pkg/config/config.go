package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API struct {
		BaseURL   string        `yaml:"base_url"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"`
	} `yaml:"api"`

	Session struct {
		Store     string `yaml:"store"` // file | postgres
		TokenFile string `yaml:"token_file"`
		Profile   string `yaml:"profile"`
	} `yaml:"session"`

	Database struct {
		URL       string `yaml:"url"`
		TableName string `yaml:"table_name"`
	} `yaml:"database"`

	Cache struct {
		GCTime time.Duration `yaml:"gc_time"`
		// Retry is nil when unset; an explicit 0 disables retries.
		Retry *int `yaml:"retry"`
	} `yaml:"cache"`

	Chat struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"chat"`

	Upload struct {
		DisplayWindow time.Duration `yaml:"display_window"`
	} `yaml:"upload"`

	Scraper struct {
		RateLimit float64       `yaml:"rate_limit"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"scraper"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docchat/config.yaml"),
			"/etc/docchat/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

// CacheRetries is the configured retry count for initial cache fetches.
func (c *Config) CacheRetries() int {
	if c.Cache.Retry == nil {
		return 1
	}
	return *c.Cache.Retry
}

func applyDefaults(config *Config) {
	if config.API.BaseURL == "" {
		config.API.BaseURL = "http://localhost:8000"
	}
	if config.API.RateLimit == 0 {
		config.API.RateLimit = 20
	}

	if config.Session.Store == "" {
		config.Session.Store = "file"
	}
	if config.Session.TokenFile == "" {
		config.Session.TokenFile = filepath.Join(os.Getenv("HOME"), ".config/docchat/token")
	}
	if config.Session.Profile == "" {
		config.Session.Profile = "default"
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "docchat_tokens"
	}

	if config.Cache.GCTime == 0 {
		config.Cache.GCTime = 5 * time.Minute
	}
	if config.Cache.Retry == nil {
		retry := 1
		config.Cache.Retry = &retry
	}

	if config.Chat.PollInterval == 0 {
		config.Chat.PollInterval = 2 * time.Second
	}
	if config.Upload.DisplayWindow == 0 {
		config.Upload.DisplayWindow = 3 * time.Second
	}

	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}

	if config.Server.Addr == "" {
		config.Server.Addr = "127.0.0.1:8080"
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("DOCCHAT_API_URL"); baseURL != "" {
		config.API.BaseURL = baseURL
	}
	if tokenFile := os.Getenv("DOCCHAT_TOKEN_FILE"); tokenFile != "" {
		config.Session.TokenFile = tokenFile
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if level := os.Getenv("DOCCHAT_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}
