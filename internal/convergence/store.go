package convergence

import (
	"context"
	"errors"
	"time"

	"github.com/duetlabs/ritual/backend/internal/cycles"
	"github.com/duetlabs/ritual/backend/internal/synthesis"
)

// Store is the client's handle on the authoritative store, scoped to the
// signed-in user's session. Mutations are issued as store transactions by the
// backing implementation; the convergence layer never writes locally-owned
// state without going through it.
type Store interface {
	FetchCycle(ctx context.Context, cycleID string) (*cycles.WeeklyCycle, error)
	FetchPreferences(ctx context.Context, cycleID, userID string) ([]cycles.RitualPreference, error)
	FetchAvailability(ctx context.Context, cycleID, userID string) ([]cycles.AvailabilitySlot, error)

	SubmitInput(ctx context.Context, cycleID string, input cycles.PartnerInput) error
	ClearInput(ctx context.Context, cycleID string) error
	SetPreference(ctx context.Context, cycleID, candidate string, rank int, preferredDay *int, preferredBucket *string) error
	ClearPreference(ctx context.Context, cycleID string, rank int) error
	ToggleAvailability(ctx context.Context, cycleID string, dayOffset int, bucket cycles.TimeBucket) error
	TriggerSynthesis(ctx context.Context, cycleID string, forceRetry bool) (synthesis.Result, error)
	Confirm(ctx context.Context, cycleID string, result cycles.MatchResult) error
}

// FeedEvent is one change-feed delivery: the full after-state of the changed
// slice, never a partial diff. Exactly one payload field is set, keyed by Table.
type FeedEvent struct {
	Table   string // "cycles", "preferences", "availability"
	Event   string // "insert", "update", "delete"
	CycleID string
	UserID  string // owner of the ledger slice, empty for cycle rows

	Cycle        *cycles.WeeklyCycle
	Preferences  []cycles.RitualPreference
	Availability []cycles.AvailabilitySlot
}

// Feed is a push subscription scoped to one cycle.
type Feed interface {
	Subscribe(ctx context.Context, cycleID string) (<-chan FeedEvent, func(), error)
}

const (
	retryAttempts     = 3
	retryInitialDelay = 200 * time.Millisecond
)

// retryingStore retries transient fetch failures with bounded backoff before
// surfacing them. Mutations are not retried here: the optimistic mutation
// helper reloads authoritative state on failure instead, and not every
// mutation is safe to blindly reissue.
type retryingStore struct {
	Store
	sleep func(time.Duration)
}

func newRetryingStore(inner Store) *retryingStore {
	return &retryingStore{Store: inner, sleep: time.Sleep}
}

func (r *retryingStore) FetchCycle(ctx context.Context, cycleID string) (*cycles.WeeklyCycle, error) {
	var cycle *cycles.WeeklyCycle
	err := r.withRetry(ctx, func() error {
		var err error
		cycle, err = r.Store.FetchCycle(ctx, cycleID)
		return err
	})
	return cycle, err
}

func (r *retryingStore) FetchPreferences(ctx context.Context, cycleID, userID string) ([]cycles.RitualPreference, error) {
	var prefs []cycles.RitualPreference
	err := r.withRetry(ctx, func() error {
		var err error
		prefs, err = r.Store.FetchPreferences(ctx, cycleID, userID)
		return err
	})
	return prefs, err
}

func (r *retryingStore) FetchAvailability(ctx context.Context, cycleID, userID string) ([]cycles.AvailabilitySlot, error) {
	var slots []cycles.AvailabilitySlot
	err := r.withRetry(ctx, func() error {
		var err error
		slots, err = r.Store.FetchAvailability(ctx, cycleID, userID)
		return err
	})
	return slots, err
}

func (r *retryingStore) withRetry(ctx context.Context, call func() error) error {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		// Missing rows are definitive answers, not transient faults.
		if errors.Is(lastErr, cycles.ErrCycleNotFound) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < retryAttempts-1 {
			r.sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}
