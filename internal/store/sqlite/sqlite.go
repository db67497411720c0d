// Package sqlite implements store.Backend on a local SQLite file. Cache
// payloads are stored zstd-compressed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"fusion_api/internal/store"
)

type Store struct {
	readDB  *sql.DB
	writeDB *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	writeDB, err := sql.Open("sqlite", dsn(dbPath, "_pragma=journal_mode(WAL)", "_pragma=busy_timeout(5000)", "_pragma=synchronous(NORMAL)"))
	if err != nil {
		return nil, fmt.Errorf("opening write db: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	s := &Store{writeDB: writeDB, now: time.Now}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", dsn(dbPath, "mode=ro", "_pragma=busy_timeout(5000)"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening read db: %w", err)
	}
	s.readDB = readDB

	s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return s, nil
}

// dsn builds a file: URI so sqlite sees mode=ro while the driver applies the
// _pragma parameters on every new connection.
func dsn(dbPath string, params ...string) string {
	return "file:" + dbPath + "?" + strings.Join(params, "&")
}

func (s *Store) init() error {
	_, err := s.writeDB.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			pk         TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history (
			pk           TEXT NOT NULL,
			sk           TEXT NOT NULL,
			resource     TEXT NOT NULL,
			q            TEXT NOT NULL,
			has_base     INTEGER NOT NULL,
			has_wiki     INTEGER NOT NULL,
			cache_source TEXT NOT NULL DEFAULT '',
			duration_ms  INTEGER NOT NULL,
			PRIMARY KEY (pk, sk)
		);

		CREATE TABLE IF NOT EXISTS items (
			pk         TEXT PRIMARY KEY,
			id         TEXT NOT NULL,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			notes      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS counters (
			pk         TEXT PRIMARY KEY,
			count      INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_counters_expires ON counters(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		errs = append(errs, s.readDB.Close())
	}
	if s.writeDB != nil {
		errs = append(errs, s.writeDB.Close())
	}
	if s.encoder != nil {
		errs = append(errs, s.encoder.Close())
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return errors.Join(errs...)
}

func (s *Store) GetCache(ctx context.Context, key string) (store.CacheRecord, bool, error) {
	var (
		compressed []byte
		expiresAt  int64
	)
	err := s.readDB.QueryRowContext(ctx,
		"SELECT payload, expires_at FROM cache_entries WHERE pk = ?", key,
	).Scan(&compressed, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CacheRecord{}, false, nil
	}
	if err != nil {
		return store.CacheRecord{}, false, store.Unavailable("sqlite get", err)
	}

	payload, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return store.CacheRecord{}, false, fmt.Errorf("decompressing cache payload %s: %w", key, err)
	}
	return store.CacheRecord{Key: key, Payload: payload, ExpiresAt: expiresAt}, true, nil
}

func (s *Store) PutCache(ctx context.Context, record store.CacheRecord) error {
	compressed := s.encoder.EncodeAll(record.Payload, nil)
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO cache_entries (pk, payload, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(pk) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at
	`, record.Key, compressed, record.ExpiresAt)
	if err != nil {
		return store.Unavailable("sqlite put", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, record store.HistoryRecord) error {
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO history (pk, sk, resource, q, has_base, has_wiki, cache_source, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.PK, record.SK, record.Resource, record.Query, record.HasBase, record.HasWiki, record.CacheSource, record.DurationMS)
	if err != nil {
		return store.Unavailable("sqlite append history", err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, limit int, cursor string) (store.HistoryPage, error) {
	limit = store.ClampHistoryLimit(limit)
	query := "SELECT pk, sk, resource, q, has_base, has_wiki, cache_source, duration_ms FROM history WHERE pk = ?"
	args := []interface{}{store.HistoryPartition}
	if cursor != "" {
		query += " AND sk < ?"
		args = append(args, cursor)
	}
	query += " ORDER BY sk DESC LIMIT ?"
	// one extra row tells us whether another page exists
	args = append(args, limit+1)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return store.HistoryPage{}, store.Unavailable("sqlite list history", err)
	}
	defer rows.Close()

	items := []store.HistoryRecord{}
	for rows.Next() {
		var r store.HistoryRecord
		if err := rows.Scan(&r.PK, &r.SK, &r.Resource, &r.Query, &r.HasBase, &r.HasWiki, &r.CacheSource, &r.DurationMS); err != nil {
			return store.HistoryPage{}, fmt.Errorf("scanning history row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return store.HistoryPage{}, store.Unavailable("sqlite list history", err)
	}

	page := store.HistoryPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		next := page.Items[limit-1].SK
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Store) PutItem(ctx context.Context, item store.Item) error {
	if item.PK == "" {
		item.PK = store.ItemKey(item.ID)
	}
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO items (pk, id, name, email, notes, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, item.PK, item.ID, item.Name, item.Email, item.Notes, item.CreatedAt)
	if err != nil {
		return store.Unavailable("sqlite put item", err)
	}
	return nil
}

func (s *Store) IncrementWindow(ctx context.Context, window store.Window) (int, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Unavailable("sqlite increment", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM counters WHERE expires_at <= ?", s.now().Unix()); err != nil {
		return 0, store.Unavailable("sqlite increment", err)
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO counters (pk, count, expires_at) VALUES (?, 1, ?)
		ON CONFLICT(pk) DO UPDATE SET count = counters.count + 1
		WHERE counters.count < ?
		RETURNING count
	`, window.Key, window.ExpiresAt, window.Limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return window.Limit, store.ErrLimitExceeded
	}
	if err != nil {
		return 0, store.Unavailable("sqlite increment", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, store.Unavailable("sqlite increment", err)
	}
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.readDB.PingContext(ctx); err != nil {
		return store.Unavailable("sqlite ping", err)
	}
	return nil
}
