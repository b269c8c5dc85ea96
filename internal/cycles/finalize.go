package cycles

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyAgreed indicates the cycle already holds a committed agreement.
	ErrAlreadyAgreed = errors.New("cycles: cycle already agreed")
	// ErrInsufficientPicks indicates a confirm attempt before both partners
	// submitted enough ranked picks and availability.
	ErrInsufficientPicks = errors.New("cycles: both partners must rank picks and declare availability")
)

// PickerRotator advances the couple's slot-picker bookkeeping after an
// agreement. Implemented by the couples service.
type PickerRotator interface {
	AdvanceSlotPicker(ctx context.Context, coupleID string) (string, error)
}

// Confirm commits the resolved match in one guarded atomic update. A cycle
// accepts exactly one agreement: later confirms are rejected, never
// overwritten; re-negotiation happens in a fresh cycle. Slot-picker rotation
// always advances to the cycle's designated picker, regardless of which
// partner pressed confirm first.
func (s *Service) Confirm(ctx context.Context, cycleID CycleID, result MatchResult, confirmingUserID UserID, rotator PickerRotator) (*WeeklyCycle, error) {
	if result.Candidate == "" {
		return nil, newServiceError(opConfirm, "missing_candidate", ErrNoPreferences)
	}

	var coupleID string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if _, err := positionOf(cycle, confirmingUserID); err != nil {
			return err
		}
		if cycle.AgreedCandidate != nil || cycle.Status == StatusAgreed {
			return ErrAlreadyAgreed
		}

		facts, err := s.factsFor(tx, cycle)
		if err != nil {
			return err
		}
		if !facts.PicksReadyOne || !facts.PicksReadyTwo {
			return ErrInsufficientPicks
		}

		week, err := NewWeekKey(cycle.WeekStart)
		if err != nil {
			return err
		}
		agreedDate := week.Start(time.UTC).AddDate(0, 0, result.DayOffset).Format("2006-01-02")
		startTime, endTime := result.Bucket.Window()
		now := s.clock().UTC().Unix()

		// Guarded one-shot write: a concurrent confirm loses on the status
		// predicate and is rejected above on its own retry.
		update := tx.Model(&WeeklyCycle{}).
			Where("cycle_id = ? AND status <> ?", cycleID.String(), StatusAgreed).
			Updates(map[string]interface{}{
				"agreed_candidate":  result.Candidate,
				"agreed_date":       agreedDate,
				"agreed_time_start": startTime,
				"agreed_time_end":   endTime,
				"reached_at_s":      now,
				"status":            StatusAgreed,
				"updated_at_s":      now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return ErrAlreadyAgreed
		}

		coupleID = cycle.CoupleID
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrAlreadyAgreed) || errors.Is(txErr, ErrInsufficientPicks) ||
			errors.Is(txErr, ErrCycleNotFound) || errors.Is(txErr, ErrNotAPartner) {
			return nil, txErr
		}
		s.logError(opConfirm, "transaction_failed", txErr, zap.String("cycle_id", cycleID.String()))
		return nil, wrapServiceError(opConfirm, txErr)
	}

	if rotator != nil {
		// Rotation is bookkeeping for the next cycle, not part of the
		// agreement; the committed agreement stands even if it fails.
		if pickerID, err := rotator.AdvanceSlotPicker(ctx, coupleID); err != nil {
			s.logError(opConfirm, "picker_rotation_failed", err, zap.String("couple_id", coupleID))
		} else {
			s.logger.Info("slot picker rotated",
				zap.String("couple_id", coupleID),
				zap.String("picker_id", pickerID))
		}
	}

	return s.Get(ctx, cycleID)
}
