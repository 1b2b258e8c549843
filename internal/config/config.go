package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir  string `envconfig:"TARGET_DIR" required:"true"`
	TempDir    string `envconfig:"TEMP_DIR" default:"/tmp/dlmanager"`
	DBPath     string `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	InstanceID string `envconfig:"INSTANCE_ID"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepTempFor     time.Duration `envconfig:"KEEP_TEMP_FOR" default:"24h"`

	Scheduler struct {
		MaxConcurrentDownloads int           `split_words:"true" default:"5"`
		MaxRetryAttempts       int           `split_words:"true" default:"3"`
		RetryBackoffBase       time.Duration `split_words:"true" default:"5s"`
		PollInterval           time.Duration `split_words:"true" default:"1s"`
		HistoryLimit           int           `split_words:"true" default:"1000"`
	}

	Segments struct {
		DefaultCount int   `split_words:"true" default:"4"`
		MinSize      int64 `split_words:"true" default:"1048576"`
	}

	Engine struct {
		Preferred string `split_words:"true"`
		RulesFile string `split_words:"true"`
		// Probe measures the remaining engines before a retry picks one.
		Probe bool `split_words:"true" default:"true"`
	}

	HTTP struct {
		Enabled        bool          `split_words:"true" default:"true"`
		MaxBytesPerSec int           `split_words:"true" default:"0"`
		Timeout        time.Duration `split_words:"true" default:"0s"`
	}

	Putio struct {
		Token        string        `split_words:"true"`
		PollInterval time.Duration `split_words:"true" default:"15s"`
	}

	Deluge struct {
		BaseURL      string        `split_words:"true"`
		APIPath      string        `split_words:"true" default:"/json"`
		Username     string        `split_words:"true"`
		Password     string        `split_words:"true"`
		CompletedDir string        `split_words:"true"`
		Insecure     bool          `split_words:"true"`
		PollInterval time.Duration `split_words:"true" default:"10s"`
	}

	Ytdlp struct {
		Enabled bool   `split_words:"true"`
		Format  string `split_words:"true" default:"bestvideo*+bestaudio/best"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"dlmanager"`
		OTLPEndpoint string `split_words:"true"`
	}
}

// LoadConfig loads an optional .env file and then populates the Config struct
// from environment variables.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_CONCURRENT_DOWNLOADS must be positive, got %d", c.Scheduler.MaxConcurrentDownloads)
	}

	if c.Scheduler.MaxRetryAttempts < 0 {
		return fmt.Errorf("SCHEDULER_MAX_RETRY_ATTEMPTS must not be negative, got %d", c.Scheduler.MaxRetryAttempts)
	}

	if c.Scheduler.HistoryLimit <= 0 {
		return fmt.Errorf("SCHEDULER_HISTORY_LIMIT must be positive, got %d", c.Scheduler.HistoryLimit)
	}

	if c.Segments.DefaultCount <= 0 {
		return fmt.Errorf("SEGMENTS_DEFAULT_COUNT must be positive, got %d", c.Segments.DefaultCount)
	}

	if c.Segments.MinSize <= 0 {
		return fmt.Errorf("SEGMENTS_MIN_SIZE must be positive, got %d", c.Segments.MinSize)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
