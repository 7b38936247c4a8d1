// Package retry wraps the completion service with bounded
// exponential-backoff retry on transient provider failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"patient-sim/internal/domain"
)

// Completer is the single capability the invoker needs from the
// completion service.
type Completer interface {
	Complete(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// httpStatusCoder is implemented by upstream errors that carry an HTTP
// status (openai.HTTPStatusError).
type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ExhaustedError reports that every attempt failed transiently. It
// carries the last underlying provider error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Jitter is the randomization factor applied to each delay. Zero
	// keeps the delay sequence deterministic and non-decreasing.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 20 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Invoker performs one logical "ask the model" operation. Each retry
// attempt resends the same prompt; the invoker holds no mutable state
// between calls, so a single Invoker is safe for concurrent sessions.
type Invoker struct {
	completer Completer
	model     string
	cfg       Config

	// sleep is swapped out in tests to observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(completer Completer, model string, cfg Config) (*Invoker, error) {
	if completer == nil {
		return nil, errors.New("retry: completer must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("retry: model must not be empty")
	}
	return &Invoker{
		completer: completer,
		model:     model,
		cfg:       cfg.withDefaults(),
		sleep:     sleepContext,
	}, nil
}

// Invoke sends the system prompt followed by the transcript turns and
// returns the assistant's reply.
func (i *Invoker) Invoke(ctx context.Context, system string, turns []domain.Turn) (string, error) {
	messages := make([]domain.ChatMessage, 0, len(turns)+1)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	for _, t := range turns {
		messages = append(messages, domain.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return i.invoke(ctx, messages)
}

// InvokeMessages sends a fully assembled message list. The critique
// path builds its own message structure rather than replaying turns.
func (i *Invoker) InvokeMessages(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	return i.invoke(ctx, messages)
}

func (i *Invoker) invoke(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	policy := i.newPolicy()
	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		text, err := i.attempt(ctx, messages)
		if err == nil {
			if strings.TrimSpace(text) == "" {
				return "", errors.New("retry: provider returned an empty completion")
			}
			return text, nil
		}
		if !Transient(err) {
			return "", err
		}
		lastErr = err
		if attempt == i.cfg.MaxAttempts {
			break
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return "", &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
		slog.Warn("completion attempt failed, backing off",
			"attempt", attempt, "delay", delay, "err", err)
		if serr := i.sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}
	return "", &ExhaustedError{Attempts: i.cfg.MaxAttempts, Err: lastErr}
}

func (i *Invoker) attempt(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, i.cfg.AttemptTimeout)
	defer cancel()
	return i.completer.Complete(attemptCtx, i.model, messages)
}

func (i *Invoker) newPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.cfg.InitialDelay
	bo.MaxInterval = i.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = i.cfg.Jitter
	// The attempt count is the only stop condition.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Transient reports whether err is worth retrying: rate limiting,
// server-side errors, timeouts, and transport failures. Malformed
// requests and auth failures are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		switch status := coder.HTTPStatusCode(); {
		case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
			return true
		case status >= 500:
			return true
		default:
			return false
		}
	}
	// No HTTP status means the request never completed (DNS, connect,
	// reset); those are transport-level and retryable.
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
