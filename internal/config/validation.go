package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const defaultJWTSecret = "dev-secret"

func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateStore(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateCache(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateAuth(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateRateLimit(cfg); err != nil {
		return warnings, err
	}
	if err := validateUpstreams(cfg); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg); err != nil {
		return warnings, err
	}
	return warnings, nil
}

func validateStore(cfg *Config, warnings *[]string) error {
	switch cfg.StoreDriver {
	case DriverDynamoDB:
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if !cfg.UseDurable() {
		return nil
	}
	if cfg.StoreDriver == DriverDynamoDB && strings.TrimSpace(cfg.AWSRegion) == "" {
		return errors.New("AWS_REGION is required for the dynamodb driver")
	}
	if strings.TrimSpace(cfg.HistoryTable) == "" {
		*warnings = append(*warnings, "HISTORY_TABLE unset, history kept in process memory")
	}
	if strings.TrimSpace(cfg.StorageTable) == "" {
		*warnings = append(*warnings, "STORAGE_TABLE unset, items kept in process memory")
	}
	return nil
}

func validateCache(cfg *Config, warnings *[]string) error {
	if cfg.CacheTTLSeconds <= 0 {
		return errors.New("CACHE_TTL_SECONDS must be > 0")
	}
	if cfg.CacheTTLSeconds > 24*60*60 {
		*warnings = append(*warnings, "CACHE_TTL_SECONDS exceeds 24h")
	}
	return nil
}

func validateAuth(cfg *Config, warnings *[]string) error {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.JWTTTL <= 0 {
		return errors.New("JWT_TTL must be > 0")
	}
	if cfg.JWTSecret == defaultJWTSecret && !cfg.Offline {
		*warnings = append(*warnings, "JWT_SECRET uses the development default")
	}
	if cfg.AuthUsername == "" || cfg.AuthPassword == "" {
		*warnings = append(*warnings, "AUTH_USERNAME/AUTH_PASSWORD unset, login always fails")
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimitFusion <= 0 {
		return errors.New("RATE_LIMIT_FUSION must be > 0")
	}
	if cfg.RateLimitWindowSeconds <= 0 {
		return errors.New("RATE_LIMIT_WINDOW_SECONDS must be > 0")
	}
	return nil
}

func validateUpstreams(cfg *Config) error {
	if err := validateBaseURL("SWAPI_BASE_URL", cfg.SWAPIBaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("WIKIPEDIA_BASE_URL", cfg.WikipediaURL()); err != nil {
		return err
	}
	if cfg.UpstreamTimeout <= 0 {
		return errors.New("UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.UpstreamMaxAttempts <= 0 {
		return errors.New("UPSTREAM_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) url", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s missing host", name)
	}
	return nil
}

func validateLimits(cfg *Config) error {
	if cfg.Limits.MaxBodyBytes < 0 {
		return errors.New("SERVER_MAX_BODY_BYTES must be non-negative")
	}
	if cfg.Limits.MaxHeaderBytes < 0 {
		return errors.New("SERVER_MAX_HEADER_BYTES must be non-negative")
	}
	return nil
}
