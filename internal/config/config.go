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
	TargetDir         string `envconfig:"TARGET_DIR" required:"true"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"json"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"video_acquirer.db"`
	MaxParallel       int    `envconfig:"MAX_PARALLEL" default:"2"`
	RedisURL          string `envconfig:"REDIS_URL"`
	// KeepPartialFor is how long an unfinished .part file may sit in
	// TargetDir before startup cleanup removes it.
	KeepPartialFor time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"6h"`

	Request struct {
		MaxAttempts       int           `split_words:"true" default:"8"`
		PerAttemptTimeout time.Duration `split_words:"true" default:"10m"`
	}

	Identity struct {
		Dir              string `split_words:"true" default:"data/identities"`
		FailureThreshold int    `split_words:"true" default:"3"`
	}

	Retry struct {
		TransientRetries  int           `split_words:"true" default:"3"`
		UnknownRetries    int           `split_words:"true" default:"1"`
		IdentityRotations int           `split_words:"true" default:"0"`
		BackoffBase       time.Duration `split_words:"true" default:"1s"`
		BackoffMax        time.Duration `split_words:"true" default:"30s"`
		BackoffMultiplier float64       `split_words:"true" default:"2"`
		Jitter            float64       `split_words:"true" default:"0.5"`
	}

	Remote struct {
		Endpoint          string  `split_words:"true"`
		Token             string  `split_words:"true"`
		RequestsPerSecond float64 `split_words:"true" default:"1"`
	}

	Delegated struct {
		Host           string        `split_words:"true"`
		User           string        `split_words:"true"`
		KeyPath        string        `split_words:"true"`
		KnownHostsPath string        `split_words:"true"`
		RemoteDir      string        `split_words:"true" default:"/tmp"`
		YtdlpPath      string        `split_words:"true" default:"yt-dlp"`
		FFmpegPath     string        `envconfig:"FFMPEG_PATH"`
		DialTimeout    time.Duration `split_words:"true" default:"10s"`
	}

	Local struct {
		YtdlpPath  string `split_words:"true" default:"yt-dlp"`
		FFmpegPath string `envconfig:"FFMPEG_PATH"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		ServiceName  string `split_words:"true" default:"video_acquirer"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads a .env file when present, then environment variables,
// and populates the Config struct. Variables already set in the environment
// win over the file.
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
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
	if c.Request.MaxAttempts < 1 {
		return errors.New("REQUEST_MAX_ATTEMPTS must be at least 1")
	}

	if c.Request.PerAttemptTimeout <= 0 {
		return errors.New("REQUEST_PER_ATTEMPT_TIMEOUT must be positive")
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("RETRY_JITTER must be between 0 and 1")
	}

	if c.Delegated.Host != "" && c.Delegated.KeyPath == "" {
		return errors.New("DELEGATED_KEY_PATH is required when DELEGATED_HOST is set")
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
