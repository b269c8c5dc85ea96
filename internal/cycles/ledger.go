package cycles

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// minimumRankedPicks is how many ranked preferences a partner needs before
// their picks count as submitted.
const minimumRankedPicks = 3

const maxDayOffset = 6

var (
	// ErrInvalidRank indicates a preference rank outside 1..N.
	ErrInvalidRank = errors.New("cycles: rank must be a positive integer")
	// ErrInvalidDayOffset indicates an availability day outside the week.
	ErrInvalidDayOffset = errors.New("cycles: day offset must be within 0..6")
	// ErrPreferenceNotFound indicates no preference exists at the given rank.
	ErrPreferenceNotFound = errors.New("cycles: preference not found")
)

// Ledger is both partners' ranked preferences and availability for one cycle.
type Ledger struct {
	PartnerOnePrefs []RitualPreference
	PartnerTwoPrefs []RitualPreference
	PartnerOneSlots []AvailabilitySlot
	PartnerTwoSlots []AvailabilitySlot
}

// SetPreference records a ranked candidate pick. Any existing preference held
// by the user at the same rank or for the same candidate is removed first, so
// rank uniqueness and candidate uniqueness hold after every call. Re-applying
// the same call is a no-op against final state.
func (s *Service) SetPreference(ctx context.Context, cycleID CycleID, userID UserID, candidateTitle string, rank int, preferredDay *int, preferredBucket *string) error {
	if rank < 1 {
		return ErrInvalidRank
	}
	if candidateTitle == "" {
		return newServiceError(opSetPreference, "missing_candidate", fmt.Errorf("candidate title required"))
	}
	if preferredDay != nil && (*preferredDay < 0 || *preferredDay > maxDayOffset) {
		return ErrInvalidDayOffset
	}
	if preferredBucket != nil {
		if _, err := ParseTimeBucket(*preferredBucket); err != nil {
			return newServiceError(opSetPreference, "invalid_bucket", err)
		}
	}

	preferenceID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSetPreference, "id_generation_failed", err)
		return newServiceError(opSetPreference, "id_generation_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if _, err := positionOf(cycle, userID); err != nil {
			return err
		}

		// Delete-then-insert, not update-in-place: both uniqueness invariants
		// hold no matter which prior row the call displaces.
		if err := tx.
			Where("cycle_id = ? AND user_id = ? AND (rank = ? OR candidate_title = ?)",
				cycleID.String(), userID.String(), rank, candidateTitle).
			Delete(&RitualPreference{}).Error; err != nil {
			return err
		}

		preference := RitualPreference{
			PreferenceID:     preferenceID,
			CycleID:          cycleID.String(),
			UserID:           userID.String(),
			Rank:             rank,
			CandidateTitle:   candidateTitle,
			PreferredDay:     preferredDay,
			PreferredBucket:  preferredBucket,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&preference).Error; err != nil {
			return err
		}

		return s.persistWithStatus(tx, cycle, false)
	})
	if txErr != nil {
		s.logError(opSetPreference, "transaction_failed", txErr,
			zap.String("cycle_id", cycleID.String()),
			zap.String("user_id", userID.String()))
		return wrapServiceError(opSetPreference, txErr)
	}
	return nil
}

// ClearPreference removes the user's preference at the given rank.
func (s *Service) ClearPreference(ctx context.Context, cycleID CycleID, userID UserID, rank int) error {
	if rank < 1 {
		return ErrInvalidRank
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if _, err := positionOf(cycle, userID); err != nil {
			return err
		}

		result := tx.
			Where("cycle_id = ? AND user_id = ? AND rank = ?", cycleID.String(), userID.String(), rank).
			Delete(&RitualPreference{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrPreferenceNotFound
		}

		return s.persistWithStatus(tx, cycle, true)
	})
	if txErr != nil {
		if errors.Is(txErr, ErrPreferenceNotFound) {
			return ErrPreferenceNotFound
		}
		s.logError(opClearPreference, "transaction_failed", txErr,
			zap.String("cycle_id", cycleID.String()),
			zap.String("user_id", userID.String()))
		return wrapServiceError(opClearPreference, txErr)
	}
	return nil
}

// ToggleAvailability flips membership of one (dayOffset, bucket) pair in the
// user's availability set: insert when absent, delete when present.
func (s *Service) ToggleAvailability(ctx context.Context, cycleID CycleID, userID UserID, dayOffset int, bucket TimeBucket) (bool, error) {
	if dayOffset < 0 || dayOffset > maxDayOffset {
		return false, ErrInvalidDayOffset
	}
	if _, err := ParseTimeBucket(string(bucket)); err != nil {
		return false, newServiceError(opToggleSlot, "invalid_bucket", err)
	}

	slotID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opToggleSlot, "id_generation_failed", err)
		return false, newServiceError(opToggleSlot, "id_generation_failed", err)
	}

	present := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if _, err := positionOf(cycle, userID); err != nil {
			return err
		}

		result := tx.
			Where("cycle_id = ? AND user_id = ? AND day_offset = ? AND bucket = ?",
				cycleID.String(), userID.String(), dayOffset, bucket).
			Delete(&AvailabilitySlot{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			slot := AvailabilitySlot{
				SlotID:           slotID,
				CycleID:          cycleID.String(),
				UserID:           userID.String(),
				DayOffset:        dayOffset,
				Bucket:           bucket,
				CreatedAtSeconds: s.clock().UTC().Unix(),
			}
			if err := tx.Create(&slot).Error; err != nil {
				return err
			}
			present = true
		}

		return s.persistWithStatus(tx, cycle, true)
	})
	if txErr != nil {
		s.logError(opToggleSlot, "transaction_failed", txErr,
			zap.String("cycle_id", cycleID.String()),
			zap.String("user_id", userID.String()))
		return false, wrapServiceError(opToggleSlot, txErr)
	}
	return present, nil
}

// PreferencesFor returns the user's ranked preferences, rank ascending.
func (s *Service) PreferencesFor(ctx context.Context, cycleID CycleID, userID UserID) ([]RitualPreference, error) {
	var prefs []RitualPreference
	if err := s.db.WithContext(ctx).
		Where("cycle_id = ? AND user_id = ?", cycleID.String(), userID.String()).
		Order("rank ASC").
		Find(&prefs).Error; err != nil {
		s.logError(opReadLedger, "preferences_query_failed", err, zap.String("cycle_id", cycleID.String()))
		return nil, newServiceError(opReadLedger, "preferences_query_failed", err)
	}
	return prefs, nil
}

// AvailabilityFor returns the user's declared slots for the cycle.
func (s *Service) AvailabilityFor(ctx context.Context, cycleID CycleID, userID UserID) ([]AvailabilitySlot, error) {
	var slots []AvailabilitySlot
	if err := s.db.WithContext(ctx).
		Where("cycle_id = ? AND user_id = ?", cycleID.String(), userID.String()).
		Order("day_offset ASC, bucket ASC").
		Find(&slots).Error; err != nil {
		s.logError(opReadLedger, "availability_query_failed", err, zap.String("cycle_id", cycleID.String()))
		return nil, newServiceError(opReadLedger, "availability_query_failed", err)
	}
	return slots, nil
}

// LedgerFor returns both partners' preferences and availability for a cycle.
func (s *Service) LedgerFor(ctx context.Context, cycle *WeeklyCycle) (Ledger, error) {
	cycleID := CycleID(cycle.CycleID)
	onePrefs, err := s.PreferencesFor(ctx, cycleID, UserID(cycle.PartnerOneID))
	if err != nil {
		return Ledger{}, err
	}
	twoPrefs, err := s.PreferencesFor(ctx, cycleID, UserID(cycle.PartnerTwoID))
	if err != nil {
		return Ledger{}, err
	}
	oneSlots, err := s.AvailabilityFor(ctx, cycleID, UserID(cycle.PartnerOneID))
	if err != nil {
		return Ledger{}, err
	}
	twoSlots, err := s.AvailabilityFor(ctx, cycleID, UserID(cycle.PartnerTwoID))
	if err != nil {
		return Ledger{}, err
	}
	return Ledger{
		PartnerOnePrefs: onePrefs,
		PartnerTwoPrefs: twoPrefs,
		PartnerOneSlots: oneSlots,
		PartnerTwoSlots: twoSlots,
	}, nil
}
