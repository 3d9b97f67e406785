// Package store provides the content-addressed read-through caches backing
// registrations, publications, classifications, and prepared query pools.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// Cache types. TTLs are configured per type.
const (
	TypePubmedNaive  = "pubmed-naive"
	TypeLinkedAtReg  = "linked-at-registration"
	TypeGPTQueries   = "gpt-queries"
	TypeGPTQueriesV2 = "gpt-queries-v2"
	TypeRegistration = "registration"
	TypePublication  = "publication"
	TypeResultCheck  = "result-check"
	TypeScholar      = "scholar"
)

// ErrMiss is returned by Get when no fresh value exists for a key.
var ErrMiss = errors.New("cache miss")

// envelope wraps every stored value with expiry bookkeeping.
type envelope struct {
	Timestamp  int64           `json:"timestamp"`
	TTLSeconds int64           `json:"ttl_seconds"`
	CacheType  string          `json:"cacheType"`
	Data       json.RawMessage `json:"data"`
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	cache_type TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (cache_type, key)
);
`

// Store is a sqlite-backed key-value cache with per-type TTLs and a per-key
// single-flight guard: at most one producer runs per key, and all concurrent
// readers see its result.
type Store struct {
	db     *sqlx.DB
	ttls   map[string]time.Duration
	ttlDef time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTLs sets per-cache-type TTLs and the default fallback.
func WithTTLs(ttls map[string]time.Duration, def time.Duration) Option {
	return func(s *Store) {
		s.ttls = ttls
		s.ttlDef = def
	}
}

// Open opens (and migrates) the cache database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:     db,
		ttls:   map[string]time.Duration{},
		ttlDef: 7 * 24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ttlFor(cacheType string) time.Duration {
	if ttl, ok := s.ttls[cacheType]; ok {
		return ttl
	}
	return s.ttlDef
}

// Get loads a fresh value into out. Expired or absent keys return ErrMiss.
// Legacy rows stored without an envelope are returned as-is.
func (s *Store) Get(cacheType, key string, out any) error {
	var raw string
	err := s.db.QueryRow("SELECT value FROM kv WHERE cache_type = ? AND key = ?", cacheType, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache read: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Timestamp == 0 {
		// Legacy value without envelope.
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return fmt.Errorf("cache decode: %w", err)
		}
		return nil
	}
	age := s.now().Unix() - env.Timestamp
	if age >= env.TTLSeconds {
		return ErrMiss
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("cache decode: %w", err)
	}
	return nil
}

// Put stores a value under (cacheType, key) with the type's TTL.
func (s *Store) Put(cacheType, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	env := envelope{
		Timestamp:  s.now().Unix(),
		TTLSeconds: int64(s.ttlFor(cacheType).Seconds()),
		CacheType:  cacheType,
		Data:       data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO kv (cache_type, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		cacheType, key, string(raw), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// GetOrFill returns the cached value for key, running produce on miss or
// expiry and writing its result back. Concurrent calls for the same key share
// one producer invocation.
func (s *Store) GetOrFill(ctx context.Context, cacheType, key string, out any, produce func(ctx context.Context) (any, error)) error {
	if err := s.Get(cacheType, key, out); err == nil {
		return nil
	} else if !errors.Is(err, ErrMiss) {
		return err
	}

	flightKey := cacheType + "\x00" + key
	v, err, _ := s.group.Do(flightKey, func() (any, error) {
		// Re-check under the flight: another caller may have just filled it.
		if err := s.Get(cacheType, key, out); err == nil {
			data, merr := json.Marshal(out)
			if merr != nil {
				return nil, merr
			}
			return json.RawMessage(data), nil
		}
		produced, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(cacheType, key, produced); err != nil {
			return nil, err
		}
		data, err := json.Marshal(produced)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.(json.RawMessage), out)
}

// Delete removes a key. Absent keys are a no-op.
func (s *Store) Delete(cacheType, key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE cache_type = ? AND key = ?", cacheType, key)
	return err
}
