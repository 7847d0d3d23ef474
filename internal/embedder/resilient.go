package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/54b3r/kbingest-go/internal/rag"
)

// Default resilience settings.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 4
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
)

// ResilientConfig controls how a Resilient embedder retries and throttles.
type ResilientConfig struct {
	// Timeout bounds a single backend attempt. Zero uses DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	// Negative disables retries; zero uses DefaultMaxRetries.
	MaxRetries int
	// InitialInterval is the first backoff delay. Zero uses DefaultInitialInterval.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay. Zero uses DefaultMaxInterval.
	MaxInterval time.Duration
	// RPS limits backend requests per second. Zero means unlimited.
	RPS float64
	// Dimensions is the expected vector length. Zero accepts whatever the
	// first response returns and enforces it from then on.
	Dimensions int
	// Logger receives retry warnings. Nil discards them.
	Logger *slog.Logger
}

// Resilient wraps a backend embedder with per-attempt timeouts, bounded
// exponential backoff on retryable failures, an optional request rate limit
// and vector dimension validation. It is safe for concurrent use.
type Resilient struct {
	inner   rag.Embedder
	cfg     ResilientConfig
	limiter *rate.Limiter
	log     *slog.Logger
	dims    atomic.Int64
}

// NewResilient wraps inner with the given settings.
func NewResilient(inner rag.Embedder, cfg ResilientConfig) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	r := &Resilient{inner: inner, cfg: cfg, log: log}
	if cfg.RPS > 0 {
		burst := max(1, int(cfg.RPS))
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	r.dims.Store(int64(cfg.Dimensions))
	return r
}

// Dimensions returns the vector length the embedder enforces, or 0 if it has
// not been configured or observed yet.
func (r *Resilient) Dimensions() int {
	return int(r.dims.Load())
}

// Embed computes embeddings for texts, retrying retryable backend failures.
// An empty input returns an empty result without calling the backend.
func (r *Resilient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var out [][]float32
	attempt := 0
	op := func() error {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		vecs, err := r.inner.Embed(actx, texts)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := r.checkDimensions(vecs, len(texts)); err != nil {
			return backoff.Permanent(err)
		}
		out = vecs
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		r.log.Warn("embedder: retrying after transient failure",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedder: giving up after %d attempts: %w", attempt, err)
		}
		return nil, err
	}
	return out, nil
}

// checkDimensions verifies every vector has the enforced length, adopting
// the first observed length when none was configured.
func (r *Resilient) checkDimensions(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return malformedError("embedder", fmt.Errorf("expected %d embeddings, got %d", want, len(vecs)))
	}
	for i, v := range vecs {
		expected := r.dims.Load()
		if expected == 0 {
			if len(v) == 0 {
				return malformedError("embedder", fmt.Errorf("embedding %d is empty", i))
			}
			if r.dims.CompareAndSwap(0, int64(len(v))) {
				r.log.Info("embedder: adopted embedding dimension", slog.Int("dimensions", len(v)))
			}
			expected = r.dims.Load()
		}
		if int64(len(v)) != expected {
			return fmt.Errorf("%w: embedding %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), expected)
		}
	}
	return nil
}
