package cycles

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetOrCreateCycleReturnsOneRowPerCoupleWeek(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	week := mustWeekKey(t, "2026-08-17")

	first := mustCreateCycle(t, service, couple, week)
	if first.Status != StatusAwaitingBothInput {
		t.Fatalf("expected fresh cycle to await both inputs, got %s", first.Status)
	}

	second := mustCreateCycle(t, service, couple, week)
	if second.CycleID != first.CycleID {
		t.Fatalf("expected the same cycle row, got %s and %s", first.CycleID, second.CycleID)
	}
}

func TestSubmitInputDesignatesProposerAndAdvancesStatus(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))
	cycleID := CycleID(cycle.CycleID)

	afterTwo, err := service.SubmitInput(context.Background(), cycleID, couple.PartnerTwo, moodInput("playful"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if afterTwo.ProposerUserID != couple.PartnerTwo.String() {
		t.Fatalf("expected first submitter to become proposer, got %q", afterTwo.ProposerUserID)
	}
	if afterTwo.Status != StatusAwaitingPartnerOne {
		t.Fatalf("expected awaiting_partner_one, got %s", afterTwo.Status)
	}

	afterBoth, err := service.SubmitInput(context.Background(), cycleID, couple.PartnerOne, moodInput("tender"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if afterBoth.ProposerUserID != couple.PartnerTwo.String() {
		t.Fatalf("expected proposer to stay with first submitter, got %q", afterBoth.ProposerUserID)
	}
	if afterBoth.Status != StatusGenerating {
		t.Fatalf("expected generating, got %s", afterBoth.Status)
	}
}

func TestSubmitInputReplacesOwnDocument(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))
	cycleID := CycleID(cycle.CycleID)

	if _, err := service.SubmitInput(context.Background(), cycleID, couple.PartnerOne, moodInput("tender")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	updated, err := service.SubmitInput(context.Background(), cycleID, couple.PartnerOne, moodInput("adventurous", "playful"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.PartnerOneInputJSON == nil {
		t.Fatalf("expected input document to be stored")
	}
	parsed, err := ParsePartnerInput([]byte(*updated.PartnerOneInputJSON))
	if err != nil {
		t.Fatalf("stored document failed to parse: %v", err)
	}
	if len(parsed.Cards) != 2 {
		t.Fatalf("expected resubmission to replace the document, got %v", parsed.Cards)
	}
}

func TestSubmitInputRejectsStrangers(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))

	stranger, err := NewUserID("someone-else")
	if err != nil {
		t.Fatalf("invalid user id: %v", err)
	}
	_, err = service.SubmitInput(context.Background(), CycleID(cycle.CycleID), stranger, moodInput("tender"))
	if !errors.Is(err, ErrNotAPartner) {
		t.Fatalf("expected ErrNotAPartner, got %v", err)
	}
}

func TestClearInputRegressesDeliberately(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))
	cycleID := CycleID(cycle.CycleID)
	mustSubmitBothInputs(t, service, cycleID, couple)

	cleared, err := service.ClearInput(context.Background(), cycleID, couple.PartnerOne)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared.Status != StatusAwaitingPartnerOne {
		t.Fatalf("expected regression to awaiting_partner_one, got %s", cleared.Status)
	}
	if cleared.PartnerOneInputJSON != nil {
		t.Fatalf("expected input document to be removed")
	}

	_, err = service.ClearInput(context.Background(), cycleID, couple.PartnerOne)
	if !errors.Is(err, ErrInputMissing) {
		t.Fatalf("expected ErrInputMissing on repeat clear, got %v", err)
	}
}

func TestStoreCandidatesIsGuardedAgainstClobbering(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))
	cycleID := CycleID(cycle.CycleID)
	mustSubmitBothInputs(t, service, cycleID, couple)

	if err := service.StoreCandidates(context.Background(), cycleID, []Candidate{{Title: "First Set"}}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.StoreCandidates(context.Background(), cycleID, []Candidate{{Title: "Second Set"}}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := service.Get(context.Background(), cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	candidates, err := stored.Candidates()
	if err != nil {
		t.Fatalf("failed to decode candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Title != "First Set" {
		t.Fatalf("expected the first candidate set to survive, got %+v", candidates)
	}

	if err := service.StoreCandidates(context.Background(), cycleID, []Candidate{{Title: "Forced Set"}}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err = service.Get(context.Background(), cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	candidates, err = stored.Candidates()
	if err != nil {
		t.Fatalf("failed to decode candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Title != "Forced Set" {
		t.Fatalf("expected force to replace the set, got %+v", candidates)
	}
}

func TestMarkGenerationFailedOnlyAppliesWhileGenerating(t *testing.T) {
	service, _, _ := newTestService(t)
	couple := testCoupleRef(t)
	cycle := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))
	cycleID := CycleID(cycle.CycleID)
	mustSubmitBothInputs(t, service, cycleID, couple)

	if err := service.MarkGenerationFailed(context.Background(), cycleID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failed, err := service.Get(context.Background(), cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Status != StatusGenerationFailed {
		t.Fatalf("expected generation_failed, got %s", failed.Status)
	}

	mustStoreCandidates(t, service, cycleID)
	advanced, err := service.Get(context.Background(), cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advanced.Status != StatusAwaitingPartnerOnePick {
		t.Fatalf("expected candidates to clear the failure, got %s", advanced.Status)
	}

	if err := service.MarkGenerationFailed(context.Background(), cycleID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unchanged, err := service.Get(context.Background(), cycleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unchanged.Status != StatusAwaitingPartnerOnePick {
		t.Fatalf("expected failure mark to be ignored after output, got %s", unchanged.Status)
	}
}

func TestFindIncompleteCyclePrefersOpenPriorWeek(t *testing.T) {
	service, _, clock := newTestService(t)
	couple := testCoupleRef(t)
	priorWeek := mustWeekKey(t, "2026-08-17")
	open := mustCreateCycle(t, service, couple, priorWeek)

	clock.Advance(5 * 24 * time.Hour)
	found, err := service.FindIncompleteCycle(context.Background(), couple, mustWeekKey(t, "2026-08-24"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.CycleID != open.CycleID {
		t.Fatalf("expected the open prior cycle, got %s", found.CycleID)
	}
}

func TestFindIncompleteCycleSupersedesStaleNegotiations(t *testing.T) {
	service, db, clock := newTestService(t)
	couple := testCoupleRef(t)
	stale := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))

	clock.Advance(8 * 24 * time.Hour)
	currentWeek := mustWeekKey(t, "2026-08-24")
	fresh, err := service.FindIncompleteCycle(context.Background(), couple, currentWeek)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.CycleID == stale.CycleID {
		t.Fatalf("expected a fresh cycle to replace the stale one")
	}
	if fresh.WeekStart != currentWeek.String() {
		t.Fatalf("expected fresh cycle for %s, got %s", currentWeek, fresh.WeekStart)
	}

	var superseded WeeklyCycle
	if err := db.Where("cycle_id = ?", stale.CycleID).Take(&superseded).Error; err != nil {
		t.Fatalf("failed to reload stale cycle: %v", err)
	}
	if !superseded.Superseded {
		t.Fatalf("expected stale cycle to be marked superseded")
	}
}

func TestFindIncompleteCycleSkipsAgreedCycles(t *testing.T) {
	service, db, _ := newTestService(t)
	couple := testCoupleRef(t)
	agreed := mustCreateCycle(t, service, couple, mustWeekKey(t, "2026-08-17"))

	candidate := "Sunset Picnic"
	if err := db.Model(&WeeklyCycle{}).
		Where("cycle_id = ?", agreed.CycleID).
		Updates(map[string]interface{}{"status": StatusAgreed, "agreed_candidate": candidate}).Error; err != nil {
		t.Fatalf("failed to mark cycle agreed: %v", err)
	}

	currentWeek := mustWeekKey(t, "2026-08-24")
	next, err := service.FindIncompleteCycle(context.Background(), couple, currentWeek)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CycleID == agreed.CycleID {
		t.Fatalf("expected a new cycle after agreement")
	}
	if next.WeekStart != currentWeek.String() {
		t.Fatalf("expected new cycle for %s, got %s", currentWeek, next.WeekStart)
	}
}
