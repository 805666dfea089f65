package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	BackendRemote = "remote"
	BackendLocal  = "local"

	ProviderProxy  = "proxy"
	ProviderGemini = "gemini"
)

// Duration reads "55s" style values from TOML and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	HTTPPort  string `toml:"http_port" env:"HTTP_PORT" validate:"required"`
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	LogFile   string `toml:"log_file" env:"LOG_FILE"`
	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET"`

	Storage StorageConfig `toml:"storage" envPrefix:"STORAGE_"`
	Gateway GatewayConfig `toml:"gateway" envPrefix:"GATEWAY_"`
	Prompt  PromptConfig  `toml:"prompt" envPrefix:"PROMPT_"`
}

type StorageConfig struct {
	Backend       string `toml:"backend" env:"BACKEND" validate:"oneof=remote local"`
	SQLDriver     string `toml:"sql_driver" env:"SQL_DRIVER" validate:"oneof=sqlite3 pg"`
	SQLDSN        string `toml:"sql_dsn" env:"SQL_DSN" validate:"required_if=Backend remote"`
	LocalPath     string `toml:"local_path" env:"LOCAL_PATH" validate:"required_without=LocalInMemory"`
	LocalInMemory bool   `toml:"local_in_memory" env:"LOCAL_IN_MEMORY"`
}

type GatewayConfig struct {
	Provider           string   `toml:"provider" env:"PROVIDER" validate:"oneof=proxy gemini"`
	URL                string   `toml:"url" env:"URL" validate:"required_if=Provider proxy"`
	Model              string   `toml:"model" env:"MODEL" validate:"required"`
	Timeout            Duration `toml:"timeout" env:"TIMEOUT" validate:"gt=0"`
	ChatTemperature    float32  `toml:"chat_temperature" env:"CHAT_TEMPERATURE" validate:"gte=0,lte=2"`
	SummaryTemperature float32  `toml:"summary_temperature" env:"SUMMARY_TEMPERATURE" validate:"gte=0,lte=2"`
	GeminiAPIKey       string   `toml:"gemini_api_key" env:"GEMINI_API_KEY" validate:"required_if=Provider gemini"`
	GeminiModel        string   `toml:"gemini_model" env:"GEMINI_MODEL"`
}

type PromptConfig struct {
	SystemPrompt   string `toml:"system_prompt" env:"SYSTEM_PROMPT"`
	ContextWindow  int    `toml:"context_window" env:"CONTEXT_WINDOW" validate:"gt=0"`
	SummaryTrigger int    `toml:"summary_trigger" env:"SUMMARY_TRIGGER" validate:"gt=0"`
	SummaryKeep    int    `toml:"summary_keep" env:"SUMMARY_KEEP" validate:"gt=0,ltfield=SummaryTrigger"`
	SummaryMinNew  int    `toml:"summary_min_new" env:"SUMMARY_MIN_NEW" validate:"gt=0"`
}

func Default() Config {
	return Config{
		HTTPPort: "8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:   BackendLocal,
			SQLDriver: "sqlite3",
			SQLDSN:    "galen.db",
			LocalPath: "data/cache",
		},
		Gateway: GatewayConfig{
			Provider:           ProviderProxy,
			URL:                "http://localhost:8787/api/chat",
			Model:              "gpt-4o-mini",
			Timeout:            Duration(55 * time.Second),
			ChatTemperature:    0.6,
			SummaryTemperature: 0.3,
		},
		Prompt: PromptConfig{
			ContextWindow:  14,
			SummaryTrigger: 28,
			SummaryKeep:    12,
			SummaryMinNew:  4,
		},
	}
}

// LoadConfig layers the TOML file at path (optional), a .env file and the
// process environment over the defaults, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
