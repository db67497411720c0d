package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverDynamoDB = "dynamodb"
	DriverSQLite   = "sqlite"
)

type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:3000"`
	GRPCHealthAddr string `env:"GRPC_HEALTH_ADDR"`
	Offline        bool   `env:"IS_OFFLINE" envDefault:"false"`
	LogLevel       string `env:"LOG_LEVEL"`
	Stage          string `env:"STAGE" envDefault:"dev"`

	StoreDriver      string `env:"STORE_DRIVER" envDefault:"dynamodb"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"data/fusion.db"`
	AWSRegion        string `env:"AWS_REGION" envDefault:"us-east-1"`
	DynamoDBEndpoint string `env:"DYNAMODB_ENDPOINT"`
	CacheTable       string `env:"CACHE_TABLE"`
	HistoryTable     string `env:"HISTORY_TABLE"`
	StorageTable     string `env:"STORAGE_TABLE"`

	CacheTTLSeconds int  `env:"CACHE_TTL_SECONDS" envDefault:"1800"`
	CacheCoalesce   bool `env:"CACHE_COALESCE" envDefault:"true"`

	JWTSecret    string        `env:"JWT_SECRET" envDefault:"dev-secret"`
	JWTTTL       time.Duration `env:"JWT_TTL" envDefault:"2h"`
	AuthUsername string        `env:"AUTH_USERNAME"`
	AuthPassword string        `env:"AUTH_PASSWORD"`

	RateLimitFusion        int `env:"RATE_LIMIT_FUSION" envDefault:"30"`
	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	SWAPIBaseURL        string        `env:"SWAPI_BASE_URL" envDefault:"https://swapi.py4e.com/api"`
	WikipediaBaseURL    string        `env:"WIKIPEDIA_BASE_URL" envDefault:"https://{lang}.wikipedia.org"`
	WikiLang            string        `env:"WIKI_LANG" envDefault:"en"`
	UpstreamTimeout     time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"5s"`
	UpstreamMaxAttempts int           `env:"UPSTREAM_MAX_ATTEMPTS" envDefault:"2"`

	HealthInterval time.Duration `env:"HEALTH_INTERVAL" envDefault:"15s"`

	Limits   LimitsConfig   `envPrefix:"SERVER_"`
	Shutdown ShutdownConfig `envPrefix:"SHUTDOWN_"`
}

type LimitsConfig struct {
	MaxHeaderBytes      int   `env:"MAX_HEADER_BYTES"`
	MaxBodyBytes        int64 `env:"MAX_BODY_BYTES"`
	ReadHeaderTimeoutMS int   `env:"READ_HEADER_TIMEOUT_MS"`
	ReadTimeoutMS       int   `env:"READ_TIMEOUT_MS"`
	WriteTimeoutMS      int   `env:"WRITE_TIMEOUT_MS"`
	IdleTimeoutMS       int   `env:"IDLE_TIMEOUT_MS"`
}

type ShutdownConfig struct {
	DrainMS           int `env:"DRAIN_MS"`
	GracefulTimeoutMS int `env:"GRACEFUL_TIMEOUT_MS"`
	ForceCloseMS      int `env:"FORCE_CLOSE_MS"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}

// LoadFrom parses an explicit environment map. Unset keys take their defaults.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environ})
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}

// UseDurable reports whether the durable tier should be constructed at all.
func (c *Config) UseDurable() bool {
	return strings.TrimSpace(c.CacheTable) != "" && !c.Offline
}

func (c *Config) WikipediaURL() string {
	lang := strings.TrimSpace(c.WikiLang)
	if lang == "" {
		lang = "en"
	}
	return strings.ReplaceAll(c.WikipediaBaseURL, "{lang}", lang)
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// EffectiveLogLevel defaults to debug when running offline.
func (c *Config) EffectiveLogLevel() string {
	if level := strings.TrimSpace(c.LogLevel); level != "" {
		return strings.ToLower(level)
	}
	if c.Offline {
		return "debug"
	}
	return "info"
}
