package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// NewLogger builds the root JSON logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339Nano,
		Formatter:       log.JSONFormatter,
	})
	parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = log.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

type AccessLogEntry struct {
	Timestamp    string           `json:"ts"`
	RequestID    string           `json:"request_id"`
	Method       string           `json:"method"`
	Path         string           `json:"path"`
	Route        string           `json:"route"`
	Status       int              `json:"status"`
	DurationMS   int64            `json:"duration_ms"`
	BytesOut     int64            `json:"bytes_out"`
	CacheStatus  string           `json:"cache_status"`
	CacheSource  string           `json:"cache_source"`
	ClientIP     string           `json:"client_ip"`
	RateLimited  bool             `json:"rate_limited"`
	User         string           `json:"user,omitempty"`
	ErrorMessage string           `json:"error,omitempty"`
	UserAgent    string           `json:"user_agent,omitempty"`
	TraceParent  string           `json:"traceparent,omitempty"`
	Phases       map[string]int64 `json:"phases_ms,omitempty"`
}

var (
	accessMu  sync.Mutex
	accessOut io.Writer = os.Stdout
)

// SetAccessLogOutput redirects access lines and returns the previous writer.
func SetAccessLogOutput(w io.Writer) io.Writer {
	accessMu.Lock()
	defer accessMu.Unlock()
	previous := accessOut
	if w == nil {
		w = io.Discard
	}
	accessOut = w
	return previous
}

func LogAccess(ctx RequestContext) {
	entry := AccessLogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:    defaultString(ctx.RequestID, "none"),
		Method:       ctx.Method,
		Path:         ctx.Path,
		Route:        defaultString(ctx.Route, "none"),
		Status:       ctx.Status,
		DurationMS:   ctx.Duration.Milliseconds(),
		BytesOut:     ctx.BytesOut,
		CacheStatus:  defaultString(ctx.CacheStatus, "bypass"),
		CacheSource:  defaultString(ctx.CacheSource, "none"),
		ClientIP:     defaultString(ctx.ClientIP, "unknown"),
		RateLimited:  ctx.RateLimited,
		User:         ctx.User,
		ErrorMessage: ctx.ErrorMessage,
		UserAgent:    ctx.UserAgent,
		TraceParent:  ctx.TraceParent,
		Phases:       ctx.Phases,
	}

	data, err := json.Marshal(entry)
	accessMu.Lock()
	defer accessMu.Unlock()
	if err != nil {
		_, _ = fmt.Fprintf(accessOut, "log_marshal_error request_id=%s error=%v\n", entry.RequestID, err)
		return
	}
	_, _ = accessOut.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
