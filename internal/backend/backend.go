// Package backend wraps the inference providers behind one request/response interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

// ErrUnavailable is returned for every backend-side failure: disabled backend,
// missing credentials, network error, timeout, non-2xx status or empty output.
var ErrUnavailable = errors.New("backend unavailable")

// Backend is a single inference provider.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Generate completes a single prompt. An empty system string means no system prompt.
	Generate(ctx context.Context, prompt, system string) (string, error)

	// Chat completes a turn sequence.
	Chat(ctx context.Context, turns []models.Turn) (string, error)

	// IsAvailable is a cheap liveness probe bounded by a short timeout.
	IsAvailable(ctx context.Context) bool
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

// withTimeout bounds ctx by d. A non-positive d leaves ctx unchanged.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
