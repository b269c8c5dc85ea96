package cycles

// Status is the coarse derived state of a weekly cycle.
type Status string

const (
	StatusAwaitingBothInput      Status = "awaiting_both_input"
	StatusAwaitingPartnerOne     Status = "awaiting_partner_one"
	StatusAwaitingPartnerTwo     Status = "awaiting_partner_two"
	StatusGenerating             Status = "generating"
	StatusGenerationFailed       Status = "generation_failed"
	StatusAwaitingPartnerOnePick Status = "awaiting_partner_one_pick"
	StatusAwaitingPartnerTwoPick Status = "awaiting_partner_two_pick"
	StatusAwaitingAgreement      Status = "awaiting_agreement"
	StatusAgreed                 Status = "agreed"
)

// Facts are the inputs to status derivation. picksReady means the partner has
// three or more ranked preferences and at least one availability slot.
type Facts struct {
	HasInputOne      bool
	HasInputTwo      bool
	HasOutput        bool
	PicksReadyOne    bool
	PicksReadyTwo    bool
	Agreed           bool
	GenerationFailed bool
}

// DeriveStatus computes the cycle status from observed facts. Pure, no store
// access; both clients and the server derive identical statuses from identical
// facts.
func DeriveStatus(facts Facts) Status {
	if facts.Agreed {
		return StatusAgreed
	}

	switch {
	case !facts.HasInputOne && !facts.HasInputTwo:
		return StatusAwaitingBothInput
	case !facts.HasInputOne:
		return StatusAwaitingPartnerOne
	case !facts.HasInputTwo:
		return StatusAwaitingPartnerTwo
	}

	if !facts.HasOutput {
		if facts.GenerationFailed {
			return StatusGenerationFailed
		}
		return StatusGenerating
	}

	switch {
	case !facts.PicksReadyOne:
		return StatusAwaitingPartnerOnePick
	case !facts.PicksReadyTwo:
		return StatusAwaitingPartnerTwoPick
	}

	return StatusAwaitingAgreement
}

// phaseRank orders statuses along the forward negotiation path. The three
// awaiting-input variants share a rank, as do the two awaiting-pick variants:
// movement between siblings is lateral, not a regression.
func phaseRank(status Status) int {
	switch status {
	case StatusAwaitingBothInput, StatusAwaitingPartnerOne, StatusAwaitingPartnerTwo:
		return 0
	case StatusGenerating, StatusGenerationFailed:
		return 1
	case StatusAwaitingPartnerOnePick, StatusAwaitingPartnerTwoPick:
		return 2
	case StatusAwaitingAgreement:
		return 3
	case StatusAgreed:
		return 4
	default:
		return -1
	}
}

// AdvanceStatus applies the monotonic-forward rule: a refresh may move the
// status forward or sideways but never backward. allowRegress is set only for
// the deliberate user action of clearing one's own input.
func AdvanceStatus(current, derived Status, allowRegress bool) Status {
	if allowRegress {
		return derived
	}
	if phaseRank(derived) < phaseRank(current) {
		return current
	}
	// generation_failed is reachable only from generating, never re-derived
	// over a later phase.
	if derived == StatusGenerationFailed && current != StatusGenerating && current != StatusGenerationFailed {
		return current
	}
	return derived
}
