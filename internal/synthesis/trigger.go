package synthesis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/duetlabs/ritual/backend/internal/cycles"
)

var (
	errMissingCycles    = errors.New("cycles service is required")
	errMissingGenerator = errors.New("generator is required")
	noOpLogger          = zap.NewNop()
)

// Result is the caller-visible outcome of a trigger call.
type Result string

const (
	// ResultReady means a candidate set exists on the cycle (fresh or prior).
	ResultReady Result = "ready"
	// ResultWaiting means at least one partner input is still missing.
	ResultWaiting Result = "waiting"
	// ResultFailed means the collaborator reported a structured failure.
	ResultFailed Result = "failed"
	// ResultGenerating means the invocation was cut short (timeout, cancel)
	// and the cycle remains in the generating state.
	ResultGenerating Result = "generating"
)

// TriggerConfig describes the dependencies of the synthesis trigger.
type TriggerConfig struct {
	Cycles    *cycles.Service
	Generator Generator
	Logger    *zap.Logger
}

// Trigger idempotently invokes the generation collaborator for a cycle.
type Trigger struct {
	cycles    *cycles.Service
	generator Generator
	logger    *zap.Logger
}

// NewTrigger constructs the synthesis trigger.
func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	if cfg.Cycles == nil {
		return nil, fmt.Errorf("synthesis: %w", errMissingCycles)
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("synthesis: %w", errMissingGenerator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Trigger{cycles: cfg.Cycles, generator: cfg.Generator, logger: logger}, nil
}

// TriggerSynthesis drives one generation attempt for the cycle.
//
// Contract: an existing candidate set with forceRetry false is an idempotent
// no-op returning ready without touching the collaborator. Missing input from
// either partner returns waiting without invoking. Otherwise the collaborator
// is invoked exactly once per call; success writes the candidate set to the
// cycle, a structured failure marks the cycle generation_failed.
func (t *Trigger) TriggerSynthesis(ctx context.Context, cycleID cycles.CycleID, forceRetry bool) (Result, error) {
	cycle, err := t.cycles.Get(ctx, cycleID)
	if err != nil {
		return "", err
	}

	if cycle.CandidatesJSON != nil && !forceRetry {
		return ResultReady, nil
	}
	if cycle.PartnerOneInputJSON == nil || cycle.PartnerTwoInputJSON == nil {
		return ResultWaiting, nil
	}

	oneInput, err := cycles.ParsePartnerInput([]byte(*cycle.PartnerOneInputJSON))
	if err != nil {
		return "", fmt.Errorf("synthesis: partner one input: %w", err)
	}
	twoInput, err := cycles.ParsePartnerInput([]byte(*cycle.PartnerTwoInputJSON))
	if err != nil {
		return "", fmt.Errorf("synthesis: partner two input: %w", err)
	}

	candidates, genErr := t.generator.Generate(ctx, GenerateRequest{
		CoupleID:        cycle.CoupleID,
		CycleID:         cycle.CycleID,
		PartnerOneInput: oneInput,
		PartnerTwoInput: twoInput,
	})
	if genErr != nil {
		if errors.Is(genErr, ErrGenerationRejected) {
			t.logger.Warn("generation collaborator rejected cycle",
				zap.String("cycle_id", cycle.CycleID),
				zap.Error(genErr))
			if err := t.cycles.MarkGenerationFailed(ctx, cycleID); err != nil {
				return "", err
			}
			return ResultFailed, nil
		}
		// Transport-level interruption: the cycle stays generating and the
		// caller's watchdog decides when to retry.
		t.logger.Warn("generation invocation interrupted",
			zap.String("cycle_id", cycle.CycleID),
			zap.Error(genErr))
		return ResultGenerating, nil
	}

	if err := t.cycles.StoreCandidates(ctx, cycleID, candidates, forceRetry); err != nil {
		return "", err
	}
	t.logger.Info("candidate set synthesized",
		zap.String("cycle_id", cycle.CycleID),
		zap.Int("candidates", len(candidates)))
	return ResultReady, nil
}
