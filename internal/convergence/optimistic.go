package convergence

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/duetlabs/ritual/backend/internal/cycles"
	"github.com/duetlabs/ritual/backend/internal/synthesis"
)

// mutate is the single optimistic-mutation path: apply the local change so
// the issuing client never visibly regresses, issue the store call, and on
// failure reload authoritative state so local state cannot stay diverged from
// a known-bad optimistic update.
func (m *Monitor) mutate(ctx context.Context, applyLocal func(view *View), commit func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.alive {
		applyLocal(&m.view)
	}
	m.mu.Unlock()

	if err := commit(ctx); err != nil {
		if resyncErr := m.resync(ctx); resyncErr != nil {
			m.logger.Warn("post-failure resync failed", zap.Error(resyncErr))
		}
		return err
	}
	return nil
}

// SubmitInput submits the signed-in partner's weekly input.
func (m *Monitor) SubmitInput(ctx context.Context, input cycles.PartnerInput) error {
	encoded, err := json.Marshal(input)
	if err != nil {
		return err
	}
	raw := string(encoded)

	return m.mutate(ctx,
		func(view *View) {
			if view.Cycle.PartnerOneID == m.userID {
				view.Cycle.PartnerOneInputJSON = &raw
			} else if view.Cycle.PartnerTwoID == m.userID {
				view.Cycle.PartnerTwoInputJSON = &raw
			}
			if view.Cycle.ProposerUserID == "" {
				view.Cycle.ProposerUserID = m.userID
			}
		},
		func(ctx context.Context) error {
			if err := m.store.SubmitInput(ctx, m.cycleID, input); err != nil {
				return err
			}
			// Both inputs may now be present; the server decides.
			return m.resync(ctx)
		})
}

// ClearInput withdraws the signed-in partner's input, a deliberate regression.
func (m *Monitor) ClearInput(ctx context.Context) error {
	return m.mutate(ctx,
		func(view *View) {
			if view.Cycle.PartnerOneID == m.userID {
				view.Cycle.PartnerOneInputJSON = nil
			} else if view.Cycle.PartnerTwoID == m.userID {
				view.Cycle.PartnerTwoInputJSON = nil
			}
		},
		func(ctx context.Context) error {
			if err := m.store.ClearInput(ctx, m.cycleID); err != nil {
				return err
			}
			return m.resync(ctx)
		})
}

// SetPreference records a ranked pick, optimistically keeping the local
// ledger consistent with the rank- and candidate-uniqueness invariants.
func (m *Monitor) SetPreference(ctx context.Context, candidate string, rank int, preferredDay *int, preferredBucket *string) error {
	return m.mutate(ctx,
		func(view *View) {
			kept := view.MyPreferences[:0]
			for _, pref := range view.MyPreferences {
				if pref.Rank == rank || pref.CandidateTitle == candidate {
					continue
				}
				kept = append(kept, pref)
			}
			kept = append(kept, cycles.RitualPreference{
				CycleID:         m.cycleID,
				UserID:          m.userID,
				Rank:            rank,
				CandidateTitle:  candidate,
				PreferredDay:    preferredDay,
				PreferredBucket: preferredBucket,
			})
			sort.SliceStable(kept, func(i, j int) bool { return kept[i].Rank < kept[j].Rank })
			view.MyPreferences = kept
		},
		func(ctx context.Context) error {
			return m.store.SetPreference(ctx, m.cycleID, candidate, rank, preferredDay, preferredBucket)
		})
}

// ClearPreference removes the signed-in partner's pick at a rank.
func (m *Monitor) ClearPreference(ctx context.Context, rank int) error {
	return m.mutate(ctx,
		func(view *View) {
			kept := view.MyPreferences[:0]
			for _, pref := range view.MyPreferences {
				if pref.Rank != rank {
					kept = append(kept, pref)
				}
			}
			view.MyPreferences = kept
		},
		func(ctx context.Context) error {
			return m.store.ClearPreference(ctx, m.cycleID, rank)
		})
}

// ToggleAvailability flips one slot in the signed-in partner's availability set.
func (m *Monitor) ToggleAvailability(ctx context.Context, dayOffset int, bucket cycles.TimeBucket) error {
	return m.mutate(ctx,
		func(view *View) {
			kept := view.MySlots[:0]
			removed := false
			for _, slot := range view.MySlots {
				if slot.DayOffset == dayOffset && slot.Bucket == bucket {
					removed = true
					continue
				}
				kept = append(kept, slot)
			}
			if !removed {
				kept = append(kept, cycles.AvailabilitySlot{
					CycleID:   m.cycleID,
					UserID:    m.userID,
					DayOffset: dayOffset,
					Bucket:    bucket,
				})
			}
			view.MySlots = kept
		},
		func(ctx context.Context) error {
			return m.store.ToggleAvailability(ctx, m.cycleID, dayOffset, bucket)
		})
}

// TriggerSynthesis asks the server to generate candidates for the cycle.
func (m *Monitor) TriggerSynthesis(ctx context.Context, forceRetry bool) (synthesis.Result, error) {
	result, err := m.store.TriggerSynthesis(ctx, m.cycleID, forceRetry)
	if err != nil {
		return "", err
	}
	if result == synthesis.ResultReady || result == synthesis.ResultFailed {
		if resyncErr := m.resync(ctx); resyncErr != nil {
			m.logger.Warn("resync after synthesis trigger failed", zap.Error(resyncErr))
		}
	}
	return result, nil
}

// Confirm commits the locally computed match result. Determinism of the
// resolution is what makes it safe for either partner to confirm first.
func (m *Monitor) Confirm(ctx context.Context) error {
	m.mu.Lock()
	result := m.view.MatchResult(m.userID)
	m.mu.Unlock()
	if result == nil {
		return cycles.ErrInsufficientPicks
	}

	return m.mutate(ctx,
		func(view *View) {
			view.Cycle.Status = cycles.StatusAgreed
			view.Cycle.AgreedCandidate = &result.Candidate
		},
		func(ctx context.Context) error {
			if err := m.store.Confirm(ctx, m.cycleID, *result); err != nil {
				return err
			}
			return m.resync(ctx)
		})
}
