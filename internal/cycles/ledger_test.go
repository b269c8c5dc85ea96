package cycles

import (
	"context"
	"errors"
	"testing"
)

func newPickingCycle(t *testing.T) (*Service, CoupleRef, CycleID) {
	t.Helper()
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))
	cycleID := CycleID(cycle.CycleID)
	mustSubmitBothInputs(t, service, cycleID, couple)
	mustStoreCandidates(t, service, cycleID)
	return service, couple, cycleID
}

func TestSetPreferenceKeepsRankAndCandidateUnique(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Sunset Picnic", 1, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Board Games", 2, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Moving a ranked candidate displaces both the old rank row and the old
	// candidate row.
	if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Sunset Picnic", 2, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prefs, err := service.PreferencesFor(ctx, cycleID, couple.PartnerOne)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prefs) != 1 {
		t.Fatalf("expected one surviving preference, got %d", len(prefs))
	}
	if prefs[0].CandidateTitle != "Sunset Picnic" || prefs[0].Rank != 2 {
		t.Fatalf("unexpected surviving preference %+v", prefs[0])
	}
}

func TestSetPreferenceIsIdempotent(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Night Market", 1, nil, nil); err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i+1, err)
		}
	}
	prefs, err := service.PreferencesFor(ctx, cycleID, couple.PartnerOne)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prefs) != 1 {
		t.Fatalf("expected one preference after repeat, got %d", len(prefs))
	}
}

func TestSetPreferenceValidation(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Sunset Picnic", 0, nil, nil); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}
	day := 7
	if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Sunset Picnic", 1, &day, nil); !errors.Is(err, ErrInvalidDayOffset) {
		t.Fatalf("expected ErrInvalidDayOffset, got %v", err)
	}
	stranger, err := NewUserID("someone-else")
	if err != nil {
		t.Fatalf("invalid user id: %v", err)
	}
	if err := service.SetPreference(ctx, cycleID, stranger, "Sunset Picnic", 1, nil, nil); !errors.Is(err, ErrNotAPartner) {
		t.Fatalf("expected ErrNotAPartner, got %v", err)
	}
}

func TestClearPreferenceRemovesRank(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	if err := service.SetPreference(ctx, cycleID, couple.PartnerOne, "Sunset Picnic", 1, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.ClearPreference(ctx, cycleID, couple.PartnerOne, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.ClearPreference(ctx, cycleID, couple.PartnerOne, 1); !errors.Is(err, ErrPreferenceNotFound) {
		t.Fatalf("expected ErrPreferenceNotFound, got %v", err)
	}
}

func TestToggleAvailabilityFlipsMembership(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	present, err := service.ToggleAvailability(ctx, cycleID, couple.PartnerOne, 5, BucketEvening)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present {
		t.Fatalf("expected slot to be added")
	}

	present, err = service.ToggleAvailability(ctx, cycleID, couple.PartnerOne, 5, BucketEvening)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if present {
		t.Fatalf("expected slot to be removed")
	}

	slots, err := service.AvailabilityFor(ctx, cycleID, couple.PartnerOne)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected empty availability, got %d slots", len(slots))
	}

	if _, err := service.ToggleAvailability(ctx, cycleID, couple.PartnerOne, 9, BucketEvening); !errors.Is(err, ErrInvalidDayOffset) {
		t.Fatalf("expected ErrInvalidDayOffset, got %v", err)
	}
}

func TestLedgerCompletionAdvancesStatus(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	mustCompletePicks(t, service, cycleID, couple.PartnerOne,
		[3]string{"Sunset Picnic", "Board Games", "Night Market"}, 5, BucketEvening)
	afterOne, err := service.Get(ctx, cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if afterOne.Status != StatusAwaitingPartnerTwoPick {
		t.Fatalf("expected awaiting_partner_two_pick, got %s", afterOne.Status)
	}

	mustCompletePicks(t, service, cycleID, couple.PartnerTwo,
		[3]string{"Board Games", "Sunset Picnic", "Long Walk"}, 5, BucketEvening)
	afterBoth, err := service.Get(ctx, cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if afterBoth.Status != StatusAwaitingAgreement {
		t.Fatalf("expected awaiting_agreement, got %s", afterBoth.Status)
	}
}

func TestLedgerForReturnsBothSides(t *testing.T) {
	service, couple, cycleID := newPickingCycle(t)
	ctx := context.Background()

	mustCompletePicks(t, service, cycleID, couple.PartnerOne,
		[3]string{"Sunset Picnic", "Board Games", "Night Market"}, 2, BucketMorning)
	mustCompletePicks(t, service, cycleID, couple.PartnerTwo,
		[3]string{"Long Walk", "Sunset Picnic", "Board Games"}, 2, BucketMorning)

	cycle, err := service.Get(ctx, cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ledger, err := service.LedgerFor(ctx, cycle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ledger.PartnerOnePrefs) != 3 || len(ledger.PartnerTwoPrefs) != 3 {
		t.Fatalf("expected three preferences each, got %d and %d",
			len(ledger.PartnerOnePrefs), len(ledger.PartnerTwoPrefs))
	}
	if ledger.PartnerOnePrefs[0].Rank != 1 {
		t.Fatalf("expected rank-ascending order, got rank %d first", ledger.PartnerOnePrefs[0].Rank)
	}
	if len(ledger.PartnerOneSlots) != 1 || len(ledger.PartnerTwoSlots) != 1 {
		t.Fatalf("expected one slot each, got %d and %d",
			len(ledger.PartnerOneSlots), len(ledger.PartnerTwoSlots))
	}
}
