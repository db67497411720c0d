// Package store defines the records and the backend contract shared by the
// durable tables: the cache table, the query history and the item storage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable wraps every network, credential or permission failure a
	// backend reports. Callers treat it as "tier offline", never as data.
	ErrUnavailable = errors.New("store unavailable")
	// ErrLimitExceeded is returned by IncrementWindow when the conditional
	// increment is rejected.
	ErrLimitExceeded = errors.New("rate limit exceeded")
)

const (
	HistoryPartition    = "fusionados"
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

type CacheRecord struct {
	Key       string          `json:"pk"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt int64           `json:"expiresAt"`
}

type HistoryRecord struct {
	PK          string `json:"pk" dynamodbav:"pk"`
	SK          string `json:"sk" dynamodbav:"sk"`
	Resource    string `json:"resource" dynamodbav:"resource"`
	Query       string `json:"q" dynamodbav:"q"`
	HasBase     bool   `json:"hasBase" dynamodbav:"hasBase"`
	HasWiki     bool   `json:"hasWiki" dynamodbav:"hasWiki"`
	CacheSource string `json:"cacheSource,omitempty" dynamodbav:"cacheSource,omitempty"`
	DurationMS  int64  `json:"durationMs" dynamodbav:"durationMs"`
}

type HistoryPage struct {
	Items      []HistoryRecord `json:"items"`
	NextCursor *string         `json:"nextCursor"`
}

type Item struct {
	PK        string `json:"-" dynamodbav:"pk"`
	ID        string `json:"id" dynamodbav:"id"`
	Name      string `json:"name" dynamodbav:"name"`
	Email     string `json:"email,omitempty" dynamodbav:"email,omitempty"`
	Notes     string `json:"notes,omitempty" dynamodbav:"notes,omitempty"`
	CreatedAt string `json:"createdAt" dynamodbav:"createdAt"`
}

// Window describes one fixed rate-limit window counter.
type Window struct {
	Key       string
	Limit     int
	ExpiresAt int64
}

type CacheTable interface {
	GetCache(ctx context.Context, key string) (CacheRecord, bool, error)
	PutCache(ctx context.Context, record CacheRecord) error
}

type HistoryTable interface {
	AppendHistory(ctx context.Context, record HistoryRecord) error
	ListHistory(ctx context.Context, limit int, cursor string) (HistoryPage, error)
}

type ItemTable interface {
	PutItem(ctx context.Context, item Item) error
}

type Counter interface {
	IncrementWindow(ctx context.Context, window Window) (int, error)
}

// Backend is implemented by every durable driver.
type Backend interface {
	CacheTable
	HistoryTable
	ItemTable
	Counter
	Ping(ctx context.Context) error
	Close() error
}

func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func ItemKey(id string) string {
	return "item#" + id
}
