// Package fusion joins a catalog record with its encyclopedia summary behind
// the read-through cache and records every lookup in the history table.
package fusion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"fusion_api/internal/cache"
	"fusion_api/internal/obs"
	"fusion_api/internal/store"
	"fusion_api/internal/upstream"
)

// TimestampLayout is fixed width so sort keys order lexicographically.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var ErrQueryRequired = errors.New("q is required")

type Result struct {
	Base      *upstream.Record  `json:"base"`
	Wiki      *upstream.Summary `json:"wiki"`
	FetchedAt string            `json:"fetchedAt"`
}

type Catalog interface {
	Search(ctx context.Context, resource upstream.Resource, q string) (*upstream.Record, error)
}

type Encyclopedia interface {
	Summary(ctx context.Context, title string) (*upstream.Summary, error)
}

type Metrics interface {
	RecordHistoryWriteFail()
}

type Config struct {
	Cache        *cache.Coordinator[Result]
	Catalog      Catalog
	Encyclopedia Encyclopedia
	History      store.HistoryTable
	TTLSeconds   int
	Logger       *log.Logger
	Metrics      Metrics
	Clock        func() time.Time
	NewID        func() string
}

type Service struct {
	cache        *cache.Coordinator[Result]
	catalog      Catalog
	encyclopedia Encyclopedia
	history      store.HistoryTable
	ttl          int
	logger       *log.Logger
	metrics      Metrics
	now          func() time.Time
	newID        func() string
}

type Outcome struct {
	Result Result
	Source cache.Source
	Status int
}

func New(cfg Config) *Service {
	s := &Service{
		cache:        cfg.Cache,
		catalog:      cfg.Catalog,
		encyclopedia: cfg.Encyclopedia,
		history:      cfg.History,
		ttl:          cfg.TTLSeconds,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Clock,
		newID:        cfg.NewID,
	}
	if s.cache == nil {
		s.cache = cache.New(cache.NewMemory[Result](), cache.Config{})
	}
	if s.ttl <= 0 {
		s.ttl = cache.DefaultTTLSeconds
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Fuse resolves (resource, q) through the cache. A producer failure is
// returned as is; a failed history write is only logged.
func (s *Service) Fuse(ctx context.Context, resource upstream.Resource, q string) (Outcome, error) {
	started := s.now()
	q = strings.TrimSpace(q)
	if q == "" {
		return Outcome{}, ErrQueryRequired
	}

	key := cache.BuildKey(string(resource), q)
	resolved, err := s.cache.Resolve(ctx, key, func(ctx context.Context) (Result, error) {
		return s.produce(ctx, resource, q)
	}, s.ttl)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Result: resolved.Payload, Source: resolved.Source, Status: http.StatusOK}
	if outcome.Result.Base == nil {
		outcome.Status = http.StatusNotFound
	}
	s.appendHistory(ctx, resource, q, outcome, s.now().Sub(started))
	return outcome, nil
}

func (s *Service) produce(ctx context.Context, resource upstream.Resource, q string) (Result, error) {
	base, err := s.catalog.Search(ctx, resource, q)
	if err != nil {
		return Result{}, err
	}
	obs.MarkPhase(ctx, "swapi")

	term := q
	if base != nil && base.Name != "" {
		term = base.Name
	}
	wiki, err := s.encyclopedia.Summary(ctx, term)
	if err != nil {
		return Result{}, err
	}
	obs.MarkPhase(ctx, "wikipedia")

	return Result{Base: base, Wiki: wiki, FetchedAt: s.now().UTC().Format(TimestampLayout)}, nil
}

func (s *Service) appendHistory(ctx context.Context, resource upstream.Resource, q string, outcome Outcome, elapsed time.Duration) {
	if s.history == nil {
		return
	}
	record := store.HistoryRecord{
		PK:          store.HistoryPartition,
		SK:          s.now().UTC().Format(TimestampLayout) + "#" + s.newID(),
		Resource:    string(resource),
		Query:       q,
		HasBase:     outcome.Result.Base != nil,
		HasWiki:     outcome.Result.Wiki != nil,
		CacheSource: string(outcome.Source),
		DurationMS:  elapsed.Milliseconds(),
	}
	if err := s.history.AppendHistory(ctx, record); err != nil {
		s.logger.Warn("history write failed", "sk", record.SK, "err", err)
		if s.metrics != nil {
			s.metrics.RecordHistoryWriteFail()
		}
	}
}
