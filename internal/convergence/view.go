package convergence

import (
	"github.com/duetlabs/ritual/backend/internal/cycles"
)

// Phase is the coarse grouping of statuses the presentation layer renders by.
type Phase string

const (
	PhaseInput      Phase = "input"
	PhaseGenerating Phase = "generating"
	PhasePicking    Phase = "picking"
	PhaseAgreement  Phase = "agreement"
	PhaseAgreed     Phase = "agreed"
	PhaseFailed     Phase = "failed"
)

// Progress summarizes one partner's visible contribution to the cycle.
type Progress struct {
	InputSubmitted bool `json:"inputSubmitted"`
	RankedPicks    int  `json:"rankedPicks"`
	SlotsDeclared  int  `json:"slotsDeclared"`
	PicksReady     bool `json:"picksReady"`
}

// View is one client's local read-through cache of the cycle and its ledgers.
// It is never authoritative: every slice in it is replaced verbatim from feed
// payloads or reconciliation fetches.
type View struct {
	Cycle          cycles.WeeklyCycle
	MyPreferences  []cycles.RitualPreference
	PartnerPrefs   []cycles.RitualPreference
	MySlots        []cycles.AvailabilitySlot
	PartnerSlots   []cycles.AvailabilitySlot
	StatusMessage  string
	SynthesisStuck bool
}

// fingerprint is the divergence probe compared during full reconciliation.
// Any mismatch triggers an unconditional overwrite from server state.
type fingerprint struct {
	Status      cycles.Status
	HasOutput   bool
	HasInputOne bool
	HasInputTwo bool
}

func fingerprintOf(cycle *cycles.WeeklyCycle) fingerprint {
	return fingerprint{
		Status:      cycle.Status,
		HasOutput:   cycle.CandidatesJSON != nil,
		HasInputOne: cycle.PartnerOneInputJSON != nil,
		HasInputTwo: cycle.PartnerTwoInputJSON != nil,
	}
}

// Phase maps the cycle status to the presentation phase.
func (v *View) Phase() Phase {
	switch v.Cycle.Status {
	case cycles.StatusGenerating:
		return PhaseGenerating
	case cycles.StatusGenerationFailed:
		return PhaseFailed
	case cycles.StatusAwaitingPartnerOnePick, cycles.StatusAwaitingPartnerTwoPick:
		return PhasePicking
	case cycles.StatusAwaitingAgreement:
		return PhaseAgreement
	case cycles.StatusAgreed:
		return PhaseAgreed
	default:
		return PhaseInput
	}
}

// MyProgress summarizes the signed-in partner's contribution.
func (v *View) MyProgress(userID string) Progress {
	return progressFor(&v.Cycle, userID, v.MyPreferences, v.MySlots)
}

// PartnerProgress summarizes the other partner's contribution.
func (v *View) PartnerProgress(partnerID string) Progress {
	return progressFor(&v.Cycle, partnerID, v.PartnerPrefs, v.PartnerSlots)
}

func progressFor(cycle *cycles.WeeklyCycle, userID string, prefs []cycles.RitualPreference, slots []cycles.AvailabilitySlot) Progress {
	submitted := false
	if userID == cycle.PartnerOneID {
		submitted = cycle.PartnerOneInputJSON != nil
	} else if userID == cycle.PartnerTwoID {
		submitted = cycle.PartnerTwoInputJSON != nil
	}
	return Progress{
		InputSubmitted: submitted,
		RankedPicks:    len(prefs),
		SlotsDeclared:  len(slots),
		PicksReady:     len(prefs) >= 3 && len(slots) >= 1,
	}
}

// MatchResult computes the deterministic resolution from the local ledgers,
// nil until both partners' picks are ready. Both clients computing this
// independently produce the same result, which is what lets either confirm.
func (v *View) MatchResult(userID string) *cycles.MatchResult {
	mine := v.MyPreferences
	partners := v.PartnerPrefs
	if len(mine) < 3 || len(partners) < 3 || len(v.MySlots) == 0 || len(v.PartnerSlots) == 0 {
		return nil
	}
	result, err := cycles.Resolve(mine, partners, v.MySlots, v.PartnerSlots, v.Cycle.ProposerUserID == userID)
	if err != nil {
		return nil
	}
	return &result
}

func (v *View) clone() View {
	copied := *v
	copied.MyPreferences = append([]cycles.RitualPreference(nil), v.MyPreferences...)
	copied.PartnerPrefs = append([]cycles.RitualPreference(nil), v.PartnerPrefs...)
	copied.MySlots = append([]cycles.AvailabilitySlot(nil), v.MySlots...)
	copied.PartnerSlots = append([]cycles.AvailabilitySlot(nil), v.PartnerSlots...)
	return copied
}
