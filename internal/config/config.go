package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coursesync/server/internal/models"
)

// Config holds all application configuration
type Config struct {
	ServerAddress  string         `json:"serverAddress"`
	DatabasePath   string         `json:"databasePath"`
	DatabaseURL    string         `json:"databaseUrl"`
	SessionID      string         `json:"sessionId"`
	Canvas         Canvas         `json:"canvas"`
	OfflineStorage OfflineStorage `json:"offlineStorage"`
	Sync           Sync           `json:"sync"`
	Security       Security       `json:"security"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Canvas configuration for the LMS API
type Canvas struct {
	BaseURL        string `json:"baseUrl"`
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	ClientID       string `json:"clientId"`
	ClientSecret   string `json:"clientSecret"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	RetryMax       int    `json:"retryMax"`
}

// Timeout returns the per-request timeout
func (c Canvas) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OfflineStorage configuration
type OfflineStorage struct {
	BasePath string `json:"basePath"`
}

// Sync configuration
type Sync struct {
	MaxConcurrentCourses int      `json:"maxConcurrentCourses"`
	MaxConcurrentFiles   int      `json:"maxConcurrentFiles"`
	OfflineTabs          []string `json:"offlineTabs"`
	PollIntervalMs       int      `json:"pollIntervalMs"`
	DismissDelayMs       int      `json:"dismissDelayMs"`
}

// PollInterval is how often observers re-read the stores
func (s Sync) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// DismissDelay is how long a success card stays visible
func (s Sync) DismissDelay() time.Duration {
	return time.Duration(s.DismissDelayMs) * time.Millisecond
}

// Tabs returns the offline tab allow-list
func (s Sync) Tabs() []models.TabName {
	tabs := make([]models.TabName, 0, len(s.OfflineTabs))
	for _, t := range s.OfflineTabs {
		if t = strings.TrimSpace(t); t != "" {
			tabs = append(tabs, models.TabName(t))
		}
	}
	return tabs
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHash   string `json:"apiKeyHash"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Default configuration
func defaultConfig() *Config {
	tabs := models.DefaultOfflineTabs()
	offlineTabs := make([]string, len(tabs))
	for i, t := range tabs {
		offlineTabs[i] = string(t)
	}

	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "coursesync.db",
		SessionID:     "default",
		Canvas: Canvas{
			TimeoutSeconds: 30,
			RetryMax:       3,
		},
		OfflineStorage: OfflineStorage{
			BasePath: "./offline",
		},
		Sync: Sync{
			MaxConcurrentCourses: 3,
			MaxConcurrentFiles:   6,
			OfflineTabs:          offlineTabs,
			PollIntervalMs:       2000,
			DismissDelayMs:       1000,
		},
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	// Override from environment variables
	overrideString(&cfg.ServerAddress, "SERVER_ADDRESS")
	overrideString(&cfg.DatabasePath, "DATABASE_PATH")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.SessionID, "SESSION_ID")
	overrideString(&cfg.OfflineStorage.BasePath, "OFFLINE_STORAGE_PATH")
	overrideString(&cfg.Security.APIKey, "API_KEY")
	overrideString(&cfg.Security.APIKeyHash, "API_KEY_HASH")

	// LMS access
	overrideString(&cfg.Canvas.BaseURL, "CANVAS_BASE_URL")
	overrideString(&cfg.Canvas.AccessToken, "CANVAS_ACCESS_TOKEN")
	overrideString(&cfg.Canvas.RefreshToken, "CANVAS_REFRESH_TOKEN")
	overrideString(&cfg.Canvas.ClientID, "CANVAS_CLIENT_ID")
	overrideString(&cfg.Canvas.ClientSecret, "CANVAS_CLIENT_SECRET")
	overrideInt(&cfg.Canvas.TimeoutSeconds, "CANVAS_TIMEOUT_SECONDS")
	overrideInt(&cfg.Canvas.RetryMax, "CANVAS_RETRY_MAX")

	// Sync tuning
	overrideInt(&cfg.Sync.MaxConcurrentCourses, "SYNC_MAX_CONCURRENT_COURSES")
	overrideInt(&cfg.Sync.MaxConcurrentFiles, "SYNC_MAX_CONCURRENT_FILES")
	overrideInt(&cfg.Sync.PollIntervalMs, "SYNC_POLL_INTERVAL_MS")
	overrideInt(&cfg.Sync.DismissDelayMs, "SYNC_DISMISS_DELAY_MS")
	if tabs := os.Getenv("SYNC_OFFLINE_TABS"); tabs != "" {
		cfg.Sync.OfflineTabs = strings.Split(tabs, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure offline storage directory exists
	if err := os.MkdirAll(cfg.OfflineStorage.BasePath, 0755); err != nil {
		return nil, err
	}

	// Make base path absolute
	absPath, err := filepath.Abs(cfg.OfflineStorage.BasePath)
	if err != nil {
		return nil, err
	}
	cfg.OfflineStorage.BasePath = absPath

	return cfg, nil
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Canvas.BaseURL) == "" {
		return fmt.Errorf("canvas.baseUrl (CANVAS_BASE_URL) is required")
	}
	if c.Canvas.AccessToken == "" && c.Canvas.RefreshToken == "" {
		return fmt.Errorf("canvas.accessToken or canvas.refreshToken is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("sessionId cannot be empty")
	}
	if c.Sync.MaxConcurrentCourses < 1 || c.Sync.MaxConcurrentFiles < 1 {
		return fmt.Errorf("sync concurrency limits must be at least 1")
	}
	for _, t := range c.Sync.Tabs() {
		if !knownTab(t) {
			return fmt.Errorf("unknown offline tab %q", t)
		}
	}
	return nil
}

func knownTab(t models.TabName) bool {
	for _, known := range models.DefaultOfflineTabs() {
		if t == known {
			return true
		}
	}
	return false
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
