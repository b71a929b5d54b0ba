package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/metrics"
)

// Sink observes cumulative bytes written after each chunk. Supplied by the
// caller; may be nil.
type Sink func(written int64)

// Error reports retry exhaustion.
type Error struct {
	Attempts int
	LastErr  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *Error) Unwrap() error { return e.LastErr }

// Outcome describes a completed fetch.
type Outcome struct {
	BytesWritten int64
	Attempts     int
}

// Fetcher streams a source to disk in bounded chunks with bounded retries.
// The destination file is truncated before each retry and removed when all
// attempts fail or the context is cancelled, so a failed fetch leaves no
// partial file behind.
type Fetcher struct {
	Transport      Transport
	ChunkSize      int
	MaxRetries     int
	AttemptTimeout time.Duration
	RetryBackoff   time.Duration
	Logger         *zap.Logger
}

// Fetch transfers locator to dest, creating parent directories as needed.
func (f *Fetcher) Fetch(ctx context.Context, locator, dest string, sink Sink) (Outcome, error) {
	if f.MaxRetries < 1 {
		return Outcome{}, fmt.Errorf("max retries must be >= 1, got %d", f.MaxRetries)
	}
	chunk := f.ChunkSize
	if chunk <= 0 {
		chunk = 8 * 1024
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return Outcome{}, fmt.Errorf("creating destination dir: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := f.backoff(ctx, attempt); err != nil {
				os.Remove(dest)
				return Outcome{}, err
			}
			metrics.FetchRetries.Inc()
		}

		written, err := f.attempt(ctx, locator, dest, chunk, sink)
		if err == nil {
			return Outcome{BytesWritten: written, Attempts: attempt}, nil
		}
		if ctx.Err() != nil {
			// Cancellation keeps the no-partial-file contract of a
			// retry exhaustion.
			os.Remove(dest)
			return Outcome{}, ctx.Err()
		}

		lastErr = err
		if f.Logger != nil {
			f.Logger.Warn("fetch attempt failed",
				zap.String("locator", locator),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", f.MaxRetries),
				zap.Error(err),
			)
		}
	}

	os.Remove(dest)
	return Outcome{}, &Error{Attempts: f.MaxRetries, LastErr: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, locator, dest string, chunk int, sink Sink) (int64, error) {
	attemptCtx := ctx
	if f.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.AttemptTimeout)
		defer cancel()
	}

	src, _, err := f.Transport.Open(attemptCtx, locator)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	// O_TRUNC discards any partial bytes from a prior attempt.
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening destination: %w", err)
	}

	var written int64
	buf := make([]byte, chunk)
	for {
		if err := attemptCtx.Err(); err != nil {
			out.Close()
			return written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return written, fmt.Errorf("writing destination: %w", werr)
			}
			written += int64(n)
			metrics.FetchBytes.Add(float64(n))
			if sink != nil {
				sink(written)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			out.Close()
			return written, rerr
		}
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("closing destination: %w", err)
	}
	return written, nil
}

func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	if f.RetryBackoff <= 0 {
		return nil
	}
	// Linear backoff with jitter; attempts are bounded so anything fancier
	// buys nothing.
	d := time.Duration(attempt-1) * f.RetryBackoff
	d += time.Duration(rand.Int64N(int64(f.RetryBackoff)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
