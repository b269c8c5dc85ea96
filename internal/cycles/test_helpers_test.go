package cycles

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("generated-%d", g.next), nil
}

// testClock is an adjustable clock shared between the service and the test.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:ritual_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&WeeklyCycle{}, &RitualPreference{}, &AvailabilitySlot{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct cycles service: %v", err)
	}
	return service, db, clock
}

func testCoupleRef(t *testing.T) CoupleRef {
	t.Helper()
	coupleID, err := NewCoupleID("couple-1")
	if err != nil {
		t.Fatalf("invalid couple id: %v", err)
	}
	partnerOne, err := NewUserID("partner-one")
	if err != nil {
		t.Fatalf("invalid user id: %v", err)
	}
	partnerTwo, err := NewUserID("partner-two")
	if err != nil {
		t.Fatalf("invalid user id: %v", err)
	}
	return CoupleRef{CoupleID: coupleID, PartnerOne: partnerOne, PartnerTwo: partnerTwo}
}

func mustWeekKey(t *testing.T, raw string) WeekKey {
	t.Helper()
	key, err := NewWeekKey(raw)
	if err != nil {
		t.Fatalf("invalid week key %q: %v", raw, err)
	}
	return key
}

func mustCreateCycle(t *testing.T, service *Service, couple CoupleRef, week WeekKey) *WeeklyCycle {
	t.Helper()
	cycle, err := service.GetOrCreateCycle(context.Background(), couple, week)
	if err != nil {
		t.Fatalf("failed to create cycle: %v", err)
	}
	return cycle
}

func moodInput(cards ...string) PartnerInput {
	return PartnerInput{Kind: InputKindMoodCards, Cards: cards}
}

func mustSubmitBothInputs(t *testing.T, service *Service, cycleID CycleID, couple CoupleRef) {
	t.Helper()
	if _, err := service.SubmitInput(context.Background(), cycleID, couple.PartnerOne, moodInput("tender")); err != nil {
		t.Fatalf("partner one input failed: %v", err)
	}
	if _, err := service.SubmitInput(context.Background(), cycleID, couple.PartnerTwo, moodInput("playful")); err != nil {
		t.Fatalf("partner two input failed: %v", err)
	}
}

func mustStoreCandidates(t *testing.T, service *Service, cycleID CycleID) {
	t.Helper()
	candidates := []Candidate{
		{Title: "Sunset Picnic"},
		{Title: "Board Games"},
		{Title: "Night Market"},
		{Title: "Long Walk"},
	}
	if err := service.StoreCandidates(context.Background(), cycleID, candidates, false); err != nil {
		t.Fatalf("failed to store candidates: %v", err)
	}
}

// mustCompletePicks ranks three candidates and declares one slot for the user.
func mustCompletePicks(t *testing.T, service *Service, cycleID CycleID, userID UserID, titles [3]string, day int, bucket TimeBucket) {
	t.Helper()
	for index, title := range titles {
		if err := service.SetPreference(context.Background(), cycleID, userID, title, index+1, nil, nil); err != nil {
			t.Fatalf("failed to set preference %q: %v", title, err)
		}
	}
	if _, err := service.ToggleAvailability(context.Background(), cycleID, userID, day, bucket); err != nil {
		t.Fatalf("failed to toggle availability: %v", err)
	}
}
