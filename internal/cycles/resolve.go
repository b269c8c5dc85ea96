package cycles

import (
	"errors"
	"sort"
)

// DecisionMethod records how the agreed candidate was chosen.
type DecisionMethod string

const (
	// DecisionPerfectMatch means both partners ranked the same candidate first.
	DecisionPerfectMatch DecisionMethod = "perfect_match"
	// DecisionOverlap means the candidate minimized the combined rank across both lists.
	DecisionOverlap DecisionMethod = "overlap"
	// DecisionProposer means the lists were disjoint and the proposer's first pick won.
	DecisionProposer DecisionMethod = "proposer"
	// DecisionFallback means the proposer had no picks and the other partner's first pick won.
	DecisionFallback DecisionMethod = "fallback"
)

// TimeSource records how the agreed slot was chosen.
type TimeSource string

const (
	// TimeSourceIntersection means both partners declared the chosen slot.
	TimeSourceIntersection TimeSource = "intersection"
	// TimeSourceProposerSlot means the slot attached to the proposer's first pick was used.
	TimeSourceProposerSlot TimeSource = "proposer_slot"
	// TimeSourceDefault means the fixed default window was used.
	TimeSourceDefault TimeSource = "default"
)

// Default window used when neither an intersection nor a proposer slot exists.
const (
	defaultDayOffset = 5
	defaultBucket    = BucketEvening
)

// ErrNoPreferences indicates neither partner has a ranked candidate to resolve from.
var ErrNoPreferences = errors.New("cycles: no ranked preferences to resolve")

// MatchResult is the deterministic outcome of match resolution.
type MatchResult struct {
	Candidate  string         `json:"candidate"`
	Method     DecisionMethod `json:"method"`
	DayOffset  int            `json:"dayOffset"`
	Bucket     TimeBucket     `json:"bucket"`
	TimeSource TimeSource     `json:"timeSource"`
}

// Resolve computes the agreed candidate and time window from both partners'
// ledgers. It is a pure function: identical inputs always produce identical
// output, so either partner (or the server) may compute and confirm the same
// result without a race. The proposer is the partner whose input was recorded
// first in the cycle; ties on combined rank break toward the candidate that
// appears earlier in the proposer's ranked list.
func Resolve(mine, partners []RitualPreference, mySlots, partnerSlots []AvailabilitySlot, iAmProposer bool) (MatchResult, error) {
	mine = sortedByRank(mine)
	partners = sortedByRank(partners)

	candidate, method, err := resolveCandidate(mine, partners, iAmProposer)
	if err != nil {
		return MatchResult{}, err
	}

	day, bucket, source := resolveSlot(mine, partners, mySlots, partnerSlots, iAmProposer)

	return MatchResult{
		Candidate:  candidate,
		Method:     method,
		DayOffset:  day,
		Bucket:     bucket,
		TimeSource: source,
	}, nil
}

func resolveCandidate(mine, partners []RitualPreference, iAmProposer bool) (string, DecisionMethod, error) {
	if len(mine) > 0 && len(partners) > 0 && mine[0].CandidateTitle == partners[0].CandidateTitle {
		return mine[0].CandidateTitle, DecisionPerfectMatch, nil
	}

	partnerRanks := make(map[string]int, len(partners))
	for _, pref := range partners {
		partnerRanks[pref.CandidateTitle] = pref.Rank
	}

	proposerList := mine
	if !iAmProposer {
		proposerList = partners
	}
	proposerPositions := make(map[string]int, len(proposerList))
	for index, pref := range proposerList {
		proposerPositions[pref.CandidateTitle] = index
	}

	bestTitle := ""
	bestCombined := 0
	bestPosition := 0
	for _, pref := range mine {
		partnerRank, shared := partnerRanks[pref.CandidateTitle]
		if !shared {
			continue
		}
		combined := pref.Rank + partnerRank
		position := proposerPositions[pref.CandidateTitle]
		if bestTitle == "" || combined < bestCombined || (combined == bestCombined && position < bestPosition) {
			bestTitle = pref.CandidateTitle
			bestCombined = combined
			bestPosition = position
		}
	}
	if bestTitle != "" {
		return bestTitle, DecisionOverlap, nil
	}

	if len(proposerList) > 0 {
		return proposerList[0].CandidateTitle, DecisionProposer, nil
	}
	otherList := partners
	if !iAmProposer {
		otherList = mine
	}
	if len(otherList) > 0 {
		return otherList[0].CandidateTitle, DecisionFallback, nil
	}
	return "", "", ErrNoPreferences
}

func resolveSlot(mine, partners []RitualPreference, mySlots, partnerSlots []AvailabilitySlot, iAmProposer bool) (int, TimeBucket, TimeSource) {
	partnerSet := make(map[slotKey]bool, len(partnerSlots))
	for _, slot := range partnerSlots {
		partnerSet[slotKey{slot.DayOffset, slot.Bucket}] = true
	}

	found := false
	var earliest slotKey
	for _, slot := range mySlots {
		key := slotKey{slot.DayOffset, slot.Bucket}
		if !partnerSet[key] {
			continue
		}
		if !found || key.before(earliest) {
			earliest = key
			found = true
		}
	}
	if found {
		return earliest.day, earliest.bucket, TimeSourceIntersection
	}

	proposerList := mine
	if !iAmProposer {
		proposerList = partners
	}
	if len(proposerList) > 0 {
		top := proposerList[0]
		if top.PreferredDay != nil && top.PreferredBucket != nil {
			if bucket, err := ParseTimeBucket(*top.PreferredBucket); err == nil {
				return *top.PreferredDay, bucket, TimeSourceProposerSlot
			}
		}
	}

	return defaultDayOffset, defaultBucket, TimeSourceDefault
}

type slotKey struct {
	day    int
	bucket TimeBucket
}

func (k slotKey) before(other slotKey) bool {
	if k.day != other.day {
		return k.day < other.day
	}
	return k.bucket.Order() < other.bucket.Order()
}

func sortedByRank(prefs []RitualPreference) []RitualPreference {
	copied := append([]RitualPreference(nil), prefs...)
	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].Rank < copied[j].Rank
	})
	return copied
}
