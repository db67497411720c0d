package limits

import (
	"fmt"
	"net/http"
	"time"

	"fusion_api/internal/config"
)

const (
	defaultMaxHeaderBytes    = 64 * 1024
	defaultMaxBodyBytes      = 1024 * 1024
	defaultReadHeaderTimeout = 2 * time.Second
	defaultReadTimeout       = 10 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 30 * time.Second
)

type Limits struct {
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func Default() Limits {
	return Limits{
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		MaxBodyBytes:      defaultMaxBodyBytes,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

func FromConfig(cfg config.LimitsConfig) (Limits, error) {
	limits := Default()
	if cfg.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = cfg.MaxHeaderBytes
	} else if cfg.MaxHeaderBytes < 0 {
		return Limits{}, fmt.Errorf("max_header_bytes must be positive")
	}
	if cfg.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = cfg.MaxBodyBytes
	} else if cfg.MaxBodyBytes < 0 {
		return Limits{}, fmt.Errorf("max_body_bytes must be non-negative")
	}
	if cfg.ReadHeaderTimeoutMS > 0 {
		limits.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutMS) * time.Millisecond
	} else if cfg.ReadHeaderTimeoutMS < 0 {
		return Limits{}, fmt.Errorf("read_header_timeout_ms must be positive")
	}
	if cfg.ReadTimeoutMS > 0 {
		limits.ReadTimeout = durationOrZero(cfg.ReadTimeoutMS)
	}
	if cfg.WriteTimeoutMS > 0 {
		limits.WriteTimeout = durationOrZero(cfg.WriteTimeoutMS)
	}
	if cfg.IdleTimeoutMS > 0 {
		limits.IdleTimeout = durationOrZero(cfg.IdleTimeoutMS)
	}
	return limits, nil
}

// LimitBody caps request bodies at MaxBodyBytes; handlers see a read error
// past the cap and answer 400.
func (l Limits) LimitBody(next http.Handler) http.Handler {
	if l.MaxBodyBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, l.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func durationOrZero(milliseconds int) time.Duration {
	if milliseconds <= 0 {
		return 0
	}
	return time.Duration(milliseconds) * time.Millisecond
}
