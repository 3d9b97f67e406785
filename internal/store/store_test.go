package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	if err := s.Put(TypePublication, "123", rec{Name: "x", N: 7}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var got rec
	if err := s.Get(TypePublication, "123", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "x" || got.N != 7 {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestGetMiss(t *testing.T) {
	s := openTestStore(t)
	var out map[string]any
	if err := s.Get(TypePublication, "absent", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s := openTestStore(t,
		WithClock(clock),
		WithTTLs(map[string]time.Duration{TypePubmedNaive: time.Hour}, 24*time.Hour),
	)

	if err := s.Put(TypePubmedNaive, "k", "v"); err != nil {
		t.Fatal(err)
	}
	var out string
	if err := s.Get(TypePubmedNaive, "k", &out); err != nil {
		t.Fatalf("fresh read: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := s.Get(TypePubmedNaive, "k", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expiry miss, got %v", err)
	}
}

func TestLegacyValueWithoutEnvelope(t *testing.T) {
	s := openTestStore(t)
	_, err := s.db.Exec(`INSERT INTO kv (cache_type, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		TypePublication, "legacy", `{"title":"old"}`, "2020-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Title string `json:"title"`
	}
	if err := s.Get(TypePublication, "legacy", &out); err != nil {
		t.Fatalf("legacy read: %v", err)
	}
	if out.Title != "old" {
		t.Fatalf("legacy value: %+v", out)
	}
}

func TestGetOrFillSingleFlight(t *testing.T) {
	s := openTestStore(t)
	var calls atomic.Int32
	var start sync.WaitGroup
	start.Add(1)

	produce := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "value", nil
	}

	const readers = 8
	results := make([]string, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			var out string
			if err := s.GetOrFill(context.Background(), TypeScholar, "shared", &out, produce); err != nil {
				t.Errorf("GetOrFill: %v", err)
				return
			}
			results[i] = out
		}(i)
	}
	start.Done()
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("producer ran %d times, want 1", got)
	}
	for _, r := range results {
		if r != "value" {
			t.Fatalf("results: %v", results)
		}
	}
}

func TestGetOrFillProducerError(t *testing.T) {
	s := openTestStore(t)
	wantErr := errors.New("boom")
	var out string
	err := s.GetOrFill(context.Background(), TypeScholar, "k", &out, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected producer error, got %v", err)
	}
	// Failures are not cached.
	if err := s.Get(TypeScholar, "k", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after failed producer, got %v", err)
	}
}
