package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":3001"`

	// DBDriver is one of mysql, postgres or sqlite. An empty DB_DSN keeps
	// authenticated sessions in memory as well.
	// DSN demo (mysql):
	// app:apppass@tcp(127.0.0.1:3306)/ai_relay?charset=utf8mb4&parseTime=true&loc=Local
	DBDriver string `env:"DB_DRIVER" envDefault:"mysql"`
	DBDSN    string `env:"DB_DSN"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	// TrustClientIdentity accepts userId fields sent over the socket when no
	// token was presented at upgrade time.
	TrustClientIdentity bool `env:"TRUST_CLIENT_IDENTITY" envDefault:"true"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// rabbitMQ
	RabbitURL         string `env:"RABBIT_URL"`
	RabbitQueue       string `env:"RABBIT_QUEUE" envDefault:"token_usage"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// AI gateway
	HFBaseURL      string        `env:"HF_BASE_URL" envDefault:"https://router.huggingface.co/v1"`
	HFAccessToken  string        `env:"HF_ACCESS_TOKEN"`
	LLMMaxTokens   int           `env:"LLM_MAX_TOKENS" envDefault:"1000"`
	LLMTemperature float64       `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"90s"`
	ModelTimeout   time.Duration `env:"MODEL_TIMEOUT" envDefault:"3m"`
	OllamaBaseURL  string        `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	MockMode       bool          `env:"MOCK_MODE" envDefault:"false"`
	ModelsFile     string        `env:"MODELS_FILE"`

	ChatContextWindowSize int `env:"CHAT_CONTEXT_WINDOW_SIZE" envDefault:"10"`
	HistoryPageSize       int `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses cfg from an explicit environment map; the process
// environment is ignored.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.ChatContextWindowSize < 1 || c.ChatContextWindowSize > 100 {
		errs = append(errs, fmt.Errorf("CHAT_CONTEXT_WINDOW_SIZE must be within 1..100, got %d", c.ChatContextWindowSize))
	}
	if c.HistoryPageSize < 1 || c.HistoryPageSize > 200 {
		errs = append(errs, fmt.Errorf("HISTORY_PAGE_SIZE must be within 1..200, got %d", c.HistoryPageSize))
	}
	switch strings.ToLower(c.DBDriver) {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER=%q", c.DBDriver))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.ModelTimeout <= 0 {
		errs = append(errs, errors.New("MODEL_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// Persistent reports whether authenticated sessions go to a database.
func (c Config) Persistent() bool { return c.DBDSN != "" }
