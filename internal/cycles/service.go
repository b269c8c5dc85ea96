package cycles

import (
	"context"
	"encoding/json"
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

	// ErrCycleNotFound indicates no cycle row exists for the identifier.
	ErrCycleNotFound = errors.New("cycles: cycle not found")
	// ErrNotAPartner indicates the user does not belong to the cycle's couple.
	ErrNotAPartner = errors.New("cycles: user is not a partner in this cycle")
	// ErrInputMissing indicates an operation that requires a prior input submission.
	ErrInputMissing = errors.New("cycles: no input submitted")
)

// ServiceError wraps engine failures with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "cycles.service.new"
	opGetOrCreate     = "cycles.get_or_create"
	opFindIncomplete  = "cycles.find_incomplete"
	opSubmitInput     = "cycles.submit_input"
	opClearInput      = "cycles.clear_input"
	opSetPreference   = "cycles.set_preference"
	opClearPreference = "cycles.clear_preference"
	opToggleSlot      = "cycles.toggle_availability"
	opReadLedger      = "cycles.read_ledger"
	opStoreCandidates = "cycles.store_candidates"
	opMarkFailed      = "cycles.mark_generation_failed"
	opConfirm         = "cycles.confirm"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// CoupleRef carries the couple facts a cycle row snapshots at creation.
type CoupleRef struct {
	CoupleID   CoupleID
	PartnerOne UserID
	PartnerTwo UserID
}

// ServiceConfig describes the dependencies of the negotiation engine core.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns cycle identity, the preference/availability ledger, input
// submission, and the agreement finalizer against the authoritative store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the engine core.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Get loads one cycle row by identifier.
func (s *Service) Get(ctx context.Context, cycleID CycleID) (*WeeklyCycle, error) {
	var cycle WeeklyCycle
	err := s.db.WithContext(ctx).
		Where("cycle_id = ?", cycleID.String()).
		Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, newServiceError(opGetOrCreate, "fetch_failed", err)
	}
	return &cycle, nil
}

// GetOrCreateCycle returns the unique cycle for (couple, week), creating it on
// first access. Concurrent creation by the partner's client surfaces as an
// insert conflict on the (couple_id, week_start) unique index; the loser
// refetches the winner's row, so both callers observe the same cycle.
func (s *Service) GetOrCreateCycle(ctx context.Context, couple CoupleRef, week WeekKey) (*WeeklyCycle, error) {
	existing, err := s.fetchCycle(ctx, couple.CoupleID, week)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGetOrCreate, "fetch_failed", err, zap.String("couple_id", couple.CoupleID.String()))
		return nil, newServiceError(opGetOrCreate, "fetch_failed", err)
	}

	cycleID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opGetOrCreate, "id_generation_failed", err)
		return nil, newServiceError(opGetOrCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	cycle := WeeklyCycle{
		CycleID:          cycleID,
		CoupleID:         couple.CoupleID.String(),
		PartnerOneID:     couple.PartnerOne.String(),
		PartnerTwoID:     couple.PartnerTwo.String(),
		WeekStart:        week.String(),
		Status:           StatusAwaitingBothInput,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	insertErr := s.db.WithContext(ctx).Create(&cycle).Error
	if insertErr == nil {
		return &cycle, nil
	}

	// Insert conflicts mean the partner's client created the row first.
	refetched, refetchErr := s.fetchCycle(ctx, couple.CoupleID, week)
	if refetchErr == nil {
		return refetched, nil
	}
	s.logError(opGetOrCreate, "insert_failed", insertErr, zap.String("couple_id", couple.CoupleID.String()))
	return nil, newServiceError(opGetOrCreate, "insert_failed", insertErr)
}

// FindIncompleteCycle prefers an unresolved, non-superseded cycle over the
// literal current week. A cycle older than the staleness threshold that never
// resolved is marked superseded and a fresh current-week cycle is used instead.
func (s *Service) FindIncompleteCycle(ctx context.Context, couple CoupleRef, currentWeek WeekKey) (*WeeklyCycle, error) {
	var candidate WeeklyCycle
	err := s.db.WithContext(ctx).
		Where("couple_id = ? AND status <> ? AND superseded = ?", couple.CoupleID.String(), StatusAgreed, false).
		Order("created_at_s DESC").
		Take(&candidate).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opFindIncomplete, "query_failed", err, zap.String("couple_id", couple.CoupleID.String()))
		return nil, newServiceError(opFindIncomplete, "query_failed", err)
	}

	if err == nil {
		age := s.clock().UTC().Sub(time.Unix(candidate.CreatedAtSeconds, 0))
		if age <= staleAfter {
			return &candidate, nil
		}
		// Stale and incomplete: silently supersede, never surface as an error.
		if err := s.db.WithContext(ctx).Model(&WeeklyCycle{}).
			Where("cycle_id = ?", candidate.CycleID).
			Updates(map[string]interface{}{
				"superseded":   true,
				"updated_at_s": s.clock().UTC().Unix(),
			}).Error; err != nil {
			s.logError(opFindIncomplete, "supersede_failed", err, zap.String("cycle_id", candidate.CycleID))
			return nil, newServiceError(opFindIncomplete, "supersede_failed", err)
		}
		s.logger.Info("stale cycle superseded",
			zap.String("cycle_id", candidate.CycleID),
			zap.String("week_start", candidate.WeekStart))
	}

	return s.GetOrCreateCycle(ctx, couple, currentWeek)
}

// SubmitInput records one partner's raw input document. The first submission
// in a cycle designates that partner as the proposer.
func (s *Service) SubmitInput(ctx context.Context, cycleID CycleID, userID UserID, input PartnerInput) (*WeeklyCycle, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, newServiceError(opSubmitInput, "encode_failed", err)
	}
	raw := string(encoded)
	now := s.clock().UTC().Unix()

	var updated *WeeklyCycle
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		position, err := positionOf(cycle, userID)
		if err != nil {
			return err
		}

		if position == PartnerOne {
			cycle.PartnerOneInputJSON = &raw
			cycle.PartnerOneSubmittedAt = &now
		} else {
			cycle.PartnerTwoInputJSON = &raw
			cycle.PartnerTwoSubmittedAt = &now
		}
		if cycle.ProposerUserID == "" {
			cycle.ProposerUserID = userID.String()
		}

		return s.persistWithStatus(tx, cycle, false)
	})
	if txErr != nil {
		s.logError(opSubmitInput, "transaction_failed", txErr, zap.String("cycle_id", cycleID.String()))
		return nil, wrapServiceError(opSubmitInput, txErr)
	}

	updated, err = s.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClearInput withdraws one partner's input. This is the one sanctioned status
// regression: a deliberate user action, not a refresh.
func (s *Service) ClearInput(ctx context.Context, cycleID CycleID, userID UserID) (*WeeklyCycle, error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		position, err := positionOf(cycle, userID)
		if err != nil {
			return err
		}
		if !cycle.HasInput(position) {
			return ErrInputMissing
		}

		if position == PartnerOne {
			cycle.PartnerOneInputJSON = nil
			cycle.PartnerOneSubmittedAt = nil
		} else {
			cycle.PartnerTwoInputJSON = nil
			cycle.PartnerTwoSubmittedAt = nil
		}

		return s.persistWithStatus(tx, cycle, true)
	})
	if txErr != nil {
		s.logError(opClearInput, "transaction_failed", txErr, zap.String("cycle_id", cycleID.String()))
		return nil, wrapServiceError(opClearInput, txErr)
	}
	return s.Get(ctx, cycleID)
}

// StoreCandidates writes the synthesized candidate set. Unless force is set,
// an already-populated cycle is left untouched so repeated synthesis completions
// cannot clobber picks made against the first candidate set.
func (s *Service) StoreCandidates(ctx context.Context, cycleID CycleID, candidates []Candidate, force bool) error {
	encoded, err := json.Marshal(candidates)
	if err != nil {
		return newServiceError(opStoreCandidates, "encode_failed", err)
	}
	raw := string(encoded)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if cycle.CandidatesJSON != nil && !force {
			return nil
		}
		cycle.CandidatesJSON = &raw
		return s.persistWithStatus(tx, cycle, false)
	})
	if txErr != nil {
		s.logError(opStoreCandidates, "transaction_failed", txErr, zap.String("cycle_id", cycleID.String()))
		return wrapServiceError(opStoreCandidates, txErr)
	}
	return nil
}

// MarkGenerationFailed records a failure reported by the synthesis
// collaborator. The failure state is reachable only from generating.
func (s *Service) MarkGenerationFailed(ctx context.Context, cycleID CycleID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status != StatusGenerating {
			return nil
		}
		cycle.Status = StatusGenerationFailed
		cycle.UpdatedAtSeconds = s.clock().UTC().Unix()
		return tx.Save(cycle).Error
	})
	if txErr != nil {
		s.logError(opMarkFailed, "transaction_failed", txErr, zap.String("cycle_id", cycleID.String()))
		return wrapServiceError(opMarkFailed, txErr)
	}
	return nil
}

// RefreshStatus re-derives and persists the cycle status from current facts,
// honoring the monotonic-forward rule.
func (s *Service) RefreshStatus(ctx context.Context, cycleID CycleID) (*WeeklyCycle, error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := s.lockCycle(tx, cycleID)
		if err != nil {
			return err
		}
		return s.persistWithStatus(tx, cycle, false)
	})
	if txErr != nil {
		return nil, wrapServiceError(opGetOrCreate, txErr)
	}
	return s.Get(ctx, cycleID)
}

func (s *Service) fetchCycle(ctx context.Context, coupleID CoupleID, week WeekKey) (*WeeklyCycle, error) {
	var cycle WeeklyCycle
	err := s.db.WithContext(ctx).
		Where("couple_id = ? AND week_start = ?", coupleID.String(), week.String()).
		Take(&cycle).Error
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

func (s *Service) lockCycle(tx *gorm.DB, cycleID CycleID) (*WeeklyCycle, error) {
	var cycle WeeklyCycle
	err := tx.Where("cycle_id = ?", cycleID.String()).Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// persistWithStatus re-derives the status from the row plus ledger counts and
// saves the cycle inside the caller's transaction.
func (s *Service) persistWithStatus(tx *gorm.DB, cycle *WeeklyCycle, allowRegress bool) error {
	facts, err := s.factsFor(tx, cycle)
	if err != nil {
		return err
	}
	cycle.Status = AdvanceStatus(cycle.Status, DeriveStatus(facts), allowRegress)
	cycle.UpdatedAtSeconds = s.clock().UTC().Unix()
	return tx.Save(cycle).Error
}

func (s *Service) factsFor(tx *gorm.DB, cycle *WeeklyCycle) (Facts, error) {
	readyOne, err := picksReady(tx, cycle.CycleID, cycle.PartnerOneID)
	if err != nil {
		return Facts{}, err
	}
	readyTwo, err := picksReady(tx, cycle.CycleID, cycle.PartnerTwoID)
	if err != nil {
		return Facts{}, err
	}
	return Facts{
		HasInputOne:      cycle.PartnerOneInputJSON != nil,
		HasInputTwo:      cycle.PartnerTwoInputJSON != nil,
		HasOutput:        cycle.CandidatesJSON != nil,
		PicksReadyOne:    readyOne,
		PicksReadyTwo:    readyTwo,
		Agreed:           cycle.AgreedCandidate != nil,
		GenerationFailed: cycle.Status == StatusGenerationFailed,
	}, nil
}

// picksReady means three or more ranked preferences and at least one slot.
func picksReady(tx *gorm.DB, cycleID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var prefCount int64
	if err := tx.Model(&RitualPreference{}).
		Where("cycle_id = ? AND user_id = ?", cycleID, userID).
		Count(&prefCount).Error; err != nil {
		return false, err
	}
	if prefCount < minimumRankedPicks {
		return false, nil
	}
	var slotCount int64
	if err := tx.Model(&AvailabilitySlot{}).
		Where("cycle_id = ? AND user_id = ?", cycleID, userID).
		Count(&slotCount).Error; err != nil {
		return false, err
	}
	return slotCount >= 1, nil
}

func positionOf(cycle *WeeklyCycle, userID UserID) (PartnerPosition, error) {
	switch userID.String() {
	case cycle.PartnerOneID:
		return PartnerOne, nil
	case cycle.PartnerTwoID:
		return PartnerTwo, nil
	default:
		return 0, ErrNotAPartner
	}
}

// wrapServiceError keeps sentinel errors matchable while coding everything else.
func wrapServiceError(operation string, err error) error {
	if errors.Is(err, ErrCycleNotFound) || errors.Is(err, ErrNotAPartner) ||
		errors.Is(err, ErrInputMissing) || errors.Is(err, ErrAlreadyAgreed) ||
		errors.Is(err, ErrInsufficientPicks) {
		return err
	}
	var coded *ServiceError
	if errors.As(err, &coded) {
		return err
	}
	return newServiceError(operation, "store_failed", err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cycles service error", attrs...)
}
