package pubmed

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/time/rate"
)

const (
	// MaxConcurrent bounds in-flight NCBI requests process-wide.
	MaxConcurrent = 4
	// RequestsPerSecond is the rolling rate cap.
	RequestsPerSecond = 8
	// RequestTimeout applies per attempt.
	RequestTimeout = 30 * time.Second
	// MaxAttempts is one initial attempt plus up to 3 transient-failure retries.
	MaxAttempts = 4
)

// Scheduler serializes all PubMed traffic through one concurrency gate and
// one rate limiter. There is exactly one Scheduler per process; it is passed
// explicitly to every client that talks to NCBI.
type Scheduler struct {
	sem     chan struct{}
	limiter *rate.Limiter
	timeout time.Duration
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		sem:     make(chan struct{}, MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(RequestsPerSecond), RequestsPerSecond),
		timeout: RequestTimeout,
	}
}

// Do runs fn under the concurrency and rate gates with a per-attempt timeout,
// retrying transient failures with exponential backoff. Context cancellation
// stops retries immediately.
func (s *Scheduler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) || attempt == MaxAttempts {
			return err
		}
		if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
