package couples

import (
	"context"
	"errors"
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
	return fmt.Sprintf("couple-%d", g.next), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:couples_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Couple{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1787000000, 0).UTC() },
		IDProvider: &sequentialIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct couples service: %v", err)
	}
	return service
}

func TestCreateAndJoinCouple(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "partner-one", "Europe/Lisbon")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Joined() {
		t.Fatalf("expected couple to await partner two")
	}
	if created.CityZone != "Europe/Lisbon" {
		t.Fatalf("unexpected city zone %q", created.CityZone)
	}

	joined, err := service.Join(ctx, created.CoupleID, "partner-two")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !joined.Joined() {
		t.Fatalf("expected couple to be joined")
	}
	if joined.PartnerOf("partner-one") != "partner-two" {
		t.Fatalf("unexpected partner mapping")
	}
}

func TestJoinHappensExactlyOnce(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "partner-one", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Join(ctx, created.CoupleID, "partner-two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.Join(ctx, created.CoupleID, "partner-three"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}

	reloaded, err := service.ForUser(ctx, "partner-two")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *reloaded.PartnerTwoID != "partner-two" {
		t.Fatalf("expected first joiner to hold the seat, got %q", *reloaded.PartnerTwoID)
	}
}

func TestJoinRejectsSelfAndUnknownCouple(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "partner-one", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Join(ctx, created.CoupleID, "partner-one"); !errors.Is(err, ErrSelfJoin) {
		t.Fatalf("expected ErrSelfJoin, got %v", err)
	}
	if _, err := service.Join(ctx, "missing-couple", "partner-two"); !errors.Is(err, ErrCoupleNotFound) {
		t.Fatalf("expected ErrCoupleNotFound, got %v", err)
	}
}

func TestCreateRejectsAlreadyCoupledUser(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, "partner-one", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Create(ctx, "partner-one", ""); !errors.Is(err, ErrAlreadyCoupled) {
		t.Fatalf("expected ErrAlreadyCoupled, got %v", err)
	}
}

func TestDissolveHidesCoupleFromLookup(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "partner-one", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Dissolve(ctx, created.CoupleID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.ForUser(ctx, "partner-one"); !errors.Is(err, ErrCoupleNotFound) {
		t.Fatalf("expected ErrCoupleNotFound after dissolution, got %v", err)
	}
	if err := service.Dissolve(ctx, created.CoupleID); !errors.Is(err, ErrCoupleNotFound) {
		t.Fatalf("expected repeat dissolve to fail, got %v", err)
	}
}

func TestAdvanceSlotPickerAlternates(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, "partner-one", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Join(ctx, created.CoupleID, "partner-two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := service.AdvanceSlotPicker(ctx, created.CoupleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "partner-one" {
		t.Fatalf("expected partner one to pick first, got %q", first)
	}

	second, err := service.AdvanceSlotPicker(ctx, created.CoupleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != "partner-two" {
		t.Fatalf("expected rotation to partner two, got %q", second)
	}

	third, err := service.AdvanceSlotPicker(ctx, created.CoupleID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third != "partner-one" {
		t.Fatalf("expected rotation back to partner one, got %q", third)
	}
}
