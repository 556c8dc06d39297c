package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/resource"
)

// Applier executes a change set against a target source, one item at a
// time in change-set order. Cross-item ordering is a correctness
// requirement: creates of dependent kinds must see their parents exist.
// All failures come back as outcomes; Apply never returns an error.
type Applier struct {
	target Source

	// attempts is the total number of calls made for a retriable failure.
	attempts int

	// baseDelay seeds the exponential backoff between retries.
	baseDelay time.Duration

	// callTimeout bounds every individual adapter call.
	callTimeout time.Duration

	logger zerolog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// jitter returns a random factor in [0, 1).
	jitter func() float64
}

// ApplierOptions configures an Applier.
type ApplierOptions struct {
	Attempts    int
	BaseDelay   time.Duration
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// NewApplier creates an applier for the given target source.
func NewApplier(target Source, opts ApplierOptions) *Applier {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Applier{
		target:      target,
		attempts:    opts.Attempts,
		baseDelay:   opts.BaseDelay,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger.With().Str("component", "applier").Logger(),
		sleep:       sleepCtx,
		jitter:      rand.Float64,
	}
}

// Apply executes every item of the change set in order and returns the
// full outcome list. A non-retriable failure on one item never aborts the
// cycle; later items without a dependency on it are still attempted.
// Cancellation is honored between items and between retries, never in the
// middle of an adapter call.
func (a *Applier) Apply(ctx context.Context, cs *ChangeSet) []ApplyOutcome {
	outcomes := make([]ApplyOutcome, 0, len(cs.Items))

	// Natural keys of items that failed in this cycle, per kind, so
	// dependent creates are skipped instead of attempted.
	failedKeys := make(map[resource.Kind]map[string]bool)
	noteFailed := func(kind resource.Kind, key string) {
		if failedKeys[kind] == nil {
			failedKeys[kind] = make(map[string]bool)
		}
		failedKeys[kind][key] = true
	}

	for i := range cs.Items {
		item := &cs.Items[i]

		if dep, failed := a.failedDependency(item, failedKeys); failed {
			outcomes = append(outcomes, ApplyOutcome{
				Op:     item.Op,
				Kind:   item.Kind,
				ID:     item.ID,
				Key:    item.Key,
				Status: OutcomeSkipped,
				Reason: fmt.Sprintf("dependency failed: %s %s", dep.Kind, dep.Name),
			})
			noteFailed(item.Kind, item.Key)
			continue
		}

		outcome := a.applyItem(ctx, cs.Cluster, item)
		if outcome.Status == OutcomeFailed {
			noteFailed(item.Kind, item.Key)
		}
		outcomes = append(outcomes, outcome)

		if ctx.Err() != nil {
			// Shutdown: remaining items are not started. The in-flight
			// call above was allowed to finish.
			for j := i + 1; j < len(cs.Items); j++ {
				rest := &cs.Items[j]
				outcomes = append(outcomes, ApplyOutcome{
					Op:     rest.Op,
					Kind:   rest.Kind,
					ID:     rest.ID,
					Key:    rest.Key,
					Status: OutcomeSkipped,
					Reason: "shutdown requested",
				})
			}
			break
		}
	}
	return outcomes
}

// failedDependency reports whether one of the item's parent references
// failed earlier in the same cycle.
func (a *Applier) failedDependency(item *ChangeItem, failed map[resource.Kind]map[string]bool) (resource.ParentRef, bool) {
	if item.Op == OpDelete {
		return resource.ParentRef{}, false
	}
	for _, p := range item.Parents {
		if failed[p.Kind][p.Name] {
			return p, true
		}
	}
	return resource.ParentRef{}, false
}

// applyItem performs one item with retry. Transient failures retry with
// exponential backoff and jitter; conflicts and permanent failures are
// recorded immediately.
func (a *Applier) applyItem(ctx context.Context, cluster string, item *ChangeItem) ApplyOutcome {
	outcome := ApplyOutcome{
		Op:   item.Op,
		Kind: item.Kind,
		ID:   item.ID,
		Key:  item.Key,
	}

	var lastErr error
	for attempt := 0; attempt < a.attempts; attempt++ {
		outcome.Attempts = attempt + 1

		result, err := a.callTarget(cluster, item)
		if err == nil {
			outcome.Status = OutcomeApplied
			outcome.Result = result
			if result != nil {
				outcome.ID = result.ID
			}
			return outcome
		}
		lastErr = err

		if !IsRetryable(err) {
			break
		}
		if attempt == a.attempts-1 {
			break
		}

		delay := a.backoff(attempt)
		a.logger.Warn().
			Str("cluster", cluster).
			Str("kind", string(item.Kind)).
			Str("key", item.Key).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("transient failure, retrying")

		if err := a.sleep(ctx, delay); err != nil {
			// Shutdown while waiting to retry.
			break
		}
	}

	outcome.Status = OutcomeFailed
	outcome.Err = classify(lastErr).WithResource(string(item.Kind) + "/" + item.Key).WithOperation(string(item.Op))
	outcome.Retriable = false
	return outcome
}

// callTarget dispatches one adapter call, bounded by the per-call
// timeout. The timeout context is detached from the scheduler's shutdown
// context so an in-flight call is never interrupted mid-patch.
func (a *Applier) callTarget(cluster string, item *ChangeItem) (*resource.Resource, error) {
	callCtx, cancel := context.WithTimeout(context.Background(), a.callTimeout)
	defer cancel()

	switch item.Op {
	case OpCreate:
		return a.target.Create(callCtx, item.Resource)
	case OpUpdate:
		return a.target.Update(callCtx, cluster, item.Kind, item.ID, item.Patch, item.Revision)
	case OpDelete:
		return nil, a.target.Delete(callCtx, cluster, item.Kind, item.ID)
	}
	return nil, NewPermanentError(fmt.Sprintf("unknown change op %q", item.Op), nil).WithCode(ErrCodeValidation)
}

// backoff computes the delay before the next attempt: baseDelay doubling
// per attempt, with a small random jitter so clusters retrying at the
// same moment fan out.
func (a *Applier) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(a.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(a.jitter() * 0.1 * float64(delay))
	return delay + jitter
}

func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("apply failed", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
