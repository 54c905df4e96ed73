package provider

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"

	"github.com/apexion-ai/chatcore/internal/logging"
)

const (
	DefaultRetryBaseDelay = 2 * time.Second
	maxRetryDelay         = 30 * time.Second
	jitterPercent         = 30 // ±30% jitter
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration // 0 = DefaultRetryBaseDelay
	Logger     *log.Logger
}

// RetryingProvider re-issues a request that failed with a transient error
// before any text was emitted. Once a delta has gone out, failures pass
// through unchanged so consumers never see text twice.
type RetryingProvider struct {
	Provider
	opts RetryOptions
}

// WithRetry wraps p. With MaxRetries <= 0 it returns p itself.
func WithRetry(p Provider, opts RetryOptions) Provider {
	if opts.MaxRetries <= 0 {
		return p
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultRetryBaseDelay
	}
	opts.Logger = logging.OrDiscard(opts.Logger)
	return &RetryingProvider{Provider: p, opts: opts}
}

func (r *RetryingProvider) Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error) {
	out := make(chan Event, 16)
	go r.run(ctx, req, out)
	return out, nil
}

func (r *RetryingProvider) run(ctx context.Context, req *ChatRequest, out chan<- Event) {
	defer close(out)

	for attempt := 0; ; attempt++ {
		failure, emitted := r.attempt(ctx, req, out)
		if failure == nil {
			return
		}
		if emitted || attempt >= r.opts.MaxRetries || ctx.Err() != nil || !isRetryableError(failure) {
			out <- Event{Type: EventError, Error: failure}
			return
		}

		delay := retryDelay(r.opts.BaseDelay, attempt)
		r.opts.Logger.Warn("provider call failed, retrying",
			"provider", r.Name(), "attempt", attempt+1, "max", r.opts.MaxRetries,
			"delay", delay.Round(time.Millisecond), "err", truncateError(failure))
		if err := sleepWithContext(ctx, delay); err != nil {
			out <- Event{Type: EventError, Error: err}
			return
		}
	}
}

// attempt forwards one inner stream. It holds back the terminal error and
// reports whether any text reached out.
func (r *RetryingProvider) attempt(ctx context.Context, req *ChatRequest, out chan<- Event) (failure error, emitted bool) {
	events, err := r.Provider.Chat(ctx, req)
	if err != nil {
		return err, false
	}
	for ev := range events {
		switch ev.Type {
		case EventError:
			failure = ev.Error
			if failure == nil {
				failure = errors.New("provider reported an error without details")
			}
		case EventTextDelta:
			emitted = true
			out <- ev
		default:
			out <- ev
		}
	}
	return failure, emitted
}

// isRetryableError checks if an error is worth retrying (rate limit, server error, network).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Context cancelled is NOT retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Rate limit (429)
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return true
	}
	// Anthropic overloaded (529)
	if strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") {
		return true
	}
	// Server errors (500, 502, 503, 504)
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	// Network errors
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "temporary failure")
}

// retryDelay returns the delay for attempt n (0-indexed) with jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for range attempt {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	spread := int64(delay) * jitterPercent * 2 / 100
	if spread <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int64N(spread)) - time.Duration(int64(delay)*jitterPercent/100)
	return delay + jitter
}

// sleepWithContext sleeps for d, but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
