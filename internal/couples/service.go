package couples

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrCoupleNotFound indicates no active couple exists for the lookup.
	ErrCoupleNotFound = errors.New("couples: couple not found")
	// ErrAlreadyJoined indicates the couple already has a second partner.
	ErrAlreadyJoined = errors.New("couples: partner two already set")
	// ErrAlreadyCoupled indicates the user already belongs to an active couple.
	ErrAlreadyCoupled = errors.New("couples: user already belongs to an active couple")
	// ErrSelfJoin indicates a user attempting to join their own couple.
	ErrSelfJoin = errors.New("couples: cannot join own couple")
)

// IDProvider issues identifiers for new couples.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for couple linkage.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages couple creation, joining, dissolution, and the slot-picker
// rotation bookkeeping consumed by the agreement finalizer.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the couples service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("couples: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("couples: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Create starts a couple on the first partner's request.
func (s *Service) Create(ctx context.Context, partnerOneID, cityZone string) (*Couple, error) {
	if partnerOneID == "" {
		return nil, fmt.Errorf("couples: partner one identifier required")
	}
	if cityZone == "" {
		cityZone = "UTC"
	}
	if _, err := s.ForUser(ctx, partnerOneID); err == nil {
		return nil, ErrAlreadyCoupled
	} else if !errors.Is(err, ErrCoupleNotFound) {
		return nil, err
	}

	coupleID, err := s.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC().Unix()
	couple := Couple{
		CoupleID:         coupleID,
		PartnerOneID:     partnerOneID,
		CityZone:         cityZone,
		Active:           true,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&couple).Error; err != nil {
		s.logger.Error("couple creation failed", zap.Error(err), zap.String("partner_one", partnerOneID))
		return nil, err
	}
	return &couple, nil
}

// Join links the second partner. The write is guarded so partner two is set
// exactly once: a concurrent or repeated join observes zero affected rows and
// is rejected with ErrAlreadyJoined.
func (s *Service) Join(ctx context.Context, coupleID, partnerTwoID string) (*Couple, error) {
	couple, err := s.byID(ctx, coupleID)
	if err != nil {
		return nil, err
	}
	if couple.PartnerOneID == partnerTwoID {
		return nil, ErrSelfJoin
	}
	if couple.Joined() {
		return nil, ErrAlreadyJoined
	}

	result := s.db.WithContext(ctx).Model(&Couple{}).
		Where("couple_id = ? AND active = ? AND (partner_two_id IS NULL OR partner_two_id = '')", coupleID, true).
		Updates(map[string]interface{}{
			"partner_two_id": partnerTwoID,
			"updated_at_s":   s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logger.Error("couple join failed", zap.Error(result.Error), zap.String("couple_id", coupleID))
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrAlreadyJoined
	}

	return s.byID(ctx, coupleID)
}

// Dissolve deactivates the couple. Rows are kept for history; no cycle data
// is deleted.
func (s *Service) Dissolve(ctx context.Context, coupleID string) error {
	result := s.db.WithContext(ctx).Model(&Couple{}).
		Where("couple_id = ? AND active = ?", coupleID, true).
		Updates(map[string]interface{}{
			"active":       false,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCoupleNotFound
	}
	return nil
}

// ForUser finds the active couple containing the user on either side.
func (s *Service) ForUser(ctx context.Context, userID string) (*Couple, error) {
	var couple Couple
	err := s.db.WithContext(ctx).
		Where("active = ? AND (partner_one_id = ? OR partner_two_id = ?)", true, userID, userID).
		Take(&couple).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCoupleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &couple, nil
}

// AdvanceSlotPicker records that this cycle's designated picker has picked,
// rotating the role to the other partner for the next cycle. Returns the
// recorded picker.
func (s *Service) AdvanceSlotPicker(ctx context.Context, coupleID string) (string, error) {
	couple, err := s.byID(ctx, coupleID)
	if err != nil {
		return "", err
	}
	picker := couple.DesignatedPicker()
	if picker == "" {
		return "", ErrCoupleNotFound
	}
	if err := s.db.WithContext(ctx).Model(&Couple{}).
		Where("couple_id = ?", coupleID).
		Updates(map[string]interface{}{
			"last_slot_picker_id": picker,
			"updated_at_s":        s.clock().UTC().Unix(),
		}).Error; err != nil {
		return "", err
	}
	return picker, nil
}

func (s *Service) byID(ctx context.Context, coupleID string) (*Couple, error) {
	var couple Couple
	err := s.db.WithContext(ctx).
		Where("couple_id = ? AND active = ?", coupleID, true).
		Take(&couple).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCoupleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &couple, nil
}
