package obs

import "time"

// RequestContext is filled in by the HTTP layer and flushed as one access line.
type RequestContext struct {
	RequestID    string
	Method       string
	Path         string
	Route        string
	Status       int
	Duration     time.Duration
	BytesOut     int64
	CacheStatus  string
	CacheSource  string
	ClientIP     string
	RateLimited  bool
	User         string
	ErrorMessage string
	UserAgent    string
	TraceParent  string
	Phases       map[string]int64
}
