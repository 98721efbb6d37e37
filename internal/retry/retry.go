// Package retry wraps supervisor invocations on the caller side. It
// classifies sweep-level failures and decides between backing off and
// aborting, so schedulers and manual triggers share one policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"carsync/internal/domain"
	"carsync/internal/source/auctionfeed"
)

// ErrInvocationInFlight means a StartSync call was refused because a
// previous one has not returned yet.
var ErrInvocationInFlight = errors.New("sync invocation already in flight")

type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryAuth       Category = "auth"
	CategoryServer     Category = "server"
	CategoryConfig     Category = "config"
	CategoryDeployment Category = "deployment"
	CategoryConflict   Category = "conflict"
	CategoryUnknown    Category = "unknown"
)

// Policy is the retry decision for one failure category.
type Policy struct {
	Category    Category
	Recoverable bool
	BaseDelay   time.Duration
}

// Classify maps an invocation error to its retry policy. Matching is
// largely message-based: the supervisor surfaces wrapped collaborator
// errors whose text is the only portable signal for some categories.
func Classify(err error) Policy {
	if errors.Is(err, domain.ErrSyncAlreadyRunning) {
		return Policy{Category: CategoryConflict, Recoverable: false}
	}
	if errors.Is(err, auctionfeed.ErrFeedTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Policy{Category: CategoryTimeout, Recoverable: true, BaseDelay: time.Second}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not accessible") && strings.Contains(msg, "connection"):
		return Policy{Category: CategoryDeployment, Recoverable: false}
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return Policy{Category: CategoryAuth, Recoverable: false}
	case strings.Contains(msg, "missing required setting"),
		strings.Contains(msg, "missing environment"):
		return Policy{Category: CategoryConfig, Recoverable: false}
	case strings.Contains(msg, "fetch failed"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"):
		return Policy{Category: CategoryNetwork, Recoverable: true, BaseDelay: 3 * time.Second}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Policy{Category: CategoryTimeout, Recoverable: true, BaseDelay: time.Second}
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return Policy{Category: CategoryServer, Recoverable: true, BaseDelay: 2 * time.Second}
	}
	return Policy{Category: CategoryUnknown, Recoverable: true, BaseDelay: 2 * time.Second}
}

// Invoker is the supervisor entry point the coordinator drives.
type Invoker interface {
	Run(ctx context.Context, params domain.SyncParams) (*domain.SyncResult, error)
}

// Pinger is an optional connectivity probe run before the first
// attempt. Its failure is advisory only.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Coordinator retries supervisor invocations with jittered backoff.
// It never overlaps invocations for the same target: a second
// StartSync while one is active is refused outright.
type Coordinator struct {
	invoker     Invoker
	pinger      Pinger
	logger      *slog.Logger
	maxAttempts int

	inFlight atomic.Bool

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func NewCoordinator(invoker Invoker, pinger Pinger, logger *slog.Logger, maxAttempts int) *Coordinator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Coordinator{
		invoker:     invoker,
		pinger:      pinger,
		logger:      logger.With("component", "retry_coordinator"),
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
		jitter:      func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
	}
}

// StartSync invokes the supervisor, retrying recoverable failures with
// delay = baseDelay + attempt*1s + random(0,1s). Non-recoverable
// classifications abort immediately regardless of remaining attempts.
func (c *Coordinator) StartSync(ctx context.Context, params domain.SyncParams) (*domain.SyncResult, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrInvocationInFlight
	}
	defer c.inFlight.Store(false)

	if c.pinger != nil {
		if err := c.pinger.Ping(ctx); err != nil {
			c.logger.Warn("connectivity preflight failed, attempting anyway", "error", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.invoker.Run(ctx, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		policy := Classify(err)
		c.logger.Error("sync invocation failed",
			"attempt", attempt,
			"category", policy.Category,
			"recoverable", policy.Recoverable,
			"error", err,
		)
		if !policy.Recoverable {
			return nil, fmt.Errorf("%s failure: %w", policy.Category, err)
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := policy.BaseDelay + time.Duration(attempt)*time.Second + c.jitter()
		c.logger.Info("retrying sync invocation", "attempt", attempt+1, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("sync failed after %d attempts: %w", c.maxAttempts, lastErr)
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
