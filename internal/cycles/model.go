package cycles

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCoupleID indicates that a couple identifier is empty or exceeds storage bounds.
	ErrInvalidCoupleID = errors.New("cycles: invalid couple id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cycles: invalid user id")
	// ErrInvalidCycleID indicates that a cycle identifier is empty or exceeds storage bounds.
	ErrInvalidCycleID = errors.New("cycles: invalid cycle id")
	// ErrInvalidWeekKey indicates that a week key is not a Monday date in 2006-01-02 form.
	ErrInvalidWeekKey = errors.New("cycles: invalid week key")
	// ErrUnknownInputKind indicates a partner input document with an unhandled kind tag.
	ErrUnknownInputKind = errors.New("cycles: unknown input kind")
)

// CoupleID represents a validated couple identifier.
type CoupleID string

// NewCoupleID validates raw input and returns a CoupleID.
func NewCoupleID(rawInput string) (CoupleID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCoupleID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCoupleID, maxIdentifierLength)
	}
	return CoupleID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CoupleID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// CycleID represents a validated weekly cycle identifier.
type CycleID string

// NewCycleID validates raw input and returns a CycleID.
func NewCycleID(rawInput string) (CycleID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCycleID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCycleID, maxIdentifierLength)
	}
	return CycleID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CycleID) String() string {
	return string(id)
}

// WeekKey identifies one negotiation week as the Monday date of that week in
// the couple's configured timezone, formatted 2006-01-02.
type WeekKey string

// NewWeekKey validates the raw value and returns a WeekKey.
func NewWeekKey(rawInput string) (WeekKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	parsed, err := time.Parse("2006-01-02", trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidWeekKey, rawInput)
	}
	if parsed.Weekday() != time.Monday {
		return "", fmt.Errorf("%w: %q is not a Monday", ErrInvalidWeekKey, rawInput)
	}
	return WeekKey(trimmed), nil
}

// String returns the underlying week start date.
func (k WeekKey) String() string {
	return string(k)
}

// Start returns the week start as a date in the provided location.
func (k WeekKey) Start(loc *time.Location) time.Time {
	parsed, _ := time.ParseInLocation("2006-01-02", string(k), loc)
	return parsed
}

// InputKind tags the schema of a partner's raw input document.
type InputKind string

const (
	// InputKindMoodCards is the mood-card deck submission used today.
	InputKindMoodCards InputKind = "mood-cards"
)

// PartnerInput is the tagged variant for a partner's weekly submission.
// New kinds extend the struct; ParsePartnerInput rejects tags it does not know.
type PartnerInput struct {
	Kind   InputKind `json:"kind"`
	Cards  []string  `json:"cards,omitempty"`
	Desire string    `json:"desire,omitempty"`
}

// ParsePartnerInput decodes and validates a raw input document.
func ParsePartnerInput(raw []byte) (PartnerInput, error) {
	var input PartnerInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return PartnerInput{}, err
	}
	switch input.Kind {
	case InputKindMoodCards:
		if len(input.Cards) == 0 {
			return PartnerInput{}, fmt.Errorf("cycles: mood-cards input requires at least one card")
		}
		return input, nil
	default:
		return PartnerInput{}, fmt.Errorf("%w: %q", ErrUnknownInputKind, input.Kind)
	}
}

// Candidate is one proposed shared activity from the generation collaborator.
type Candidate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// TimeBucket is one coarse slot of a day.
type TimeBucket string

const (
	BucketMorning   TimeBucket = "morning"
	BucketAfternoon TimeBucket = "afternoon"
	BucketEvening   TimeBucket = "evening"
)

// Order positions the bucket within a day for earliest-slot comparisons.
func (b TimeBucket) Order() int {
	switch b {
	case BucketMorning:
		return 0
	case BucketAfternoon:
		return 1
	case BucketEvening:
		return 2
	default:
		return 3
	}
}

// Window returns the wall-clock start and end of the bucket.
func (b TimeBucket) Window() (string, string) {
	switch b {
	case BucketMorning:
		return "09:00", "11:00"
	case BucketAfternoon:
		return "14:00", "16:00"
	default:
		return "18:00", "20:00"
	}
}

// ParseTimeBucket validates a raw bucket value.
func ParseTimeBucket(raw string) (TimeBucket, error) {
	switch TimeBucket(strings.ToLower(strings.TrimSpace(raw))) {
	case BucketMorning:
		return BucketMorning, nil
	case BucketAfternoon:
		return BucketAfternoon, nil
	case BucketEvening:
		return BucketEvening, nil
	default:
		return "", fmt.Errorf("cycles: unknown time bucket %q", raw)
	}
}

// WeeklyCycle models one week's negotiation between the two partners of a couple.
type WeeklyCycle struct {
	CycleID               string  `gorm:"column:cycle_id;primaryKey;size:190;not null"`
	CoupleID              string  `gorm:"column:couple_id;size:190;not null;uniqueIndex:idx_cycles_couple_week,priority:1"`
	WeekStart             string  `gorm:"column:week_start;size:10;not null;uniqueIndex:idx_cycles_couple_week,priority:2"`
	PartnerOneID          string  `gorm:"column:partner_one_id;size:190;not null"`
	PartnerTwoID          string  `gorm:"column:partner_two_id;size:190;not null;default:''"`
	PartnerOneInputJSON   *string `gorm:"column:partner_one_input_json;type:text"`
	PartnerTwoInputJSON   *string `gorm:"column:partner_two_input_json;type:text"`
	PartnerOneSubmittedAt *int64  `gorm:"column:partner_one_submitted_at_s"`
	PartnerTwoSubmittedAt *int64  `gorm:"column:partner_two_submitted_at_s"`
	ProposerUserID        string  `gorm:"column:proposer_user_id;size:190;not null;default:''"`
	Status                Status  `gorm:"column:status;size:64;not null"`
	CandidatesJSON        *string `gorm:"column:candidates_json;type:text"`
	AgreedCandidate       *string `gorm:"column:agreed_candidate;size:320"`
	AgreedDate            *string `gorm:"column:agreed_date;size:10"`
	AgreedTimeStart       *string `gorm:"column:agreed_time_start;size:5"`
	AgreedTimeEnd         *string `gorm:"column:agreed_time_end;size:5"`
	ReachedAtSeconds      *int64  `gorm:"column:reached_at_s"`
	Superseded            bool    `gorm:"column:superseded;not null;default:false"`
	CreatedAtSeconds      int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds      int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WeeklyCycle) TableName() string {
	return "weekly_cycles"
}

// HasInput reports whether the given partner position has submitted input.
func (c *WeeklyCycle) HasInput(position PartnerPosition) bool {
	if position == PartnerOne {
		return c.PartnerOneInputJSON != nil
	}
	return c.PartnerTwoInputJSON != nil
}

// Candidates decodes the synthesized candidate set, nil until synthesis completes.
func (c *WeeklyCycle) Candidates() ([]Candidate, error) {
	if c.CandidatesJSON == nil {
		return nil, nil
	}
	var candidates []Candidate
	if err := json.Unmarshal([]byte(*c.CandidatesJSON), &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// PartnerPosition distinguishes the two members of a couple within a cycle.
type PartnerPosition int

const (
	PartnerOne PartnerPosition = iota + 1
	PartnerTwo
)

// RitualPreference is one ranked candidate pick by one user in one cycle.
type RitualPreference struct {
	PreferenceID     string  `gorm:"column:preference_id;primaryKey;size:190;not null"`
	CycleID          string  `gorm:"column:cycle_id;size:190;not null;uniqueIndex:idx_prefs_cycle_user_rank,priority:1;uniqueIndex:idx_prefs_cycle_user_candidate,priority:1"`
	UserID           string  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_prefs_cycle_user_rank,priority:2;uniqueIndex:idx_prefs_cycle_user_candidate,priority:2"`
	Rank             int     `gorm:"column:rank;not null;uniqueIndex:idx_prefs_cycle_user_rank,priority:3"`
	CandidateTitle   string  `gorm:"column:candidate_title;size:320;not null;uniqueIndex:idx_prefs_cycle_user_candidate,priority:3"`
	PreferredDay     *int    `gorm:"column:preferred_day_offset"`
	PreferredBucket  *string `gorm:"column:preferred_bucket;size:16"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RitualPreference) TableName() string {
	return "ritual_preferences"
}

// AvailabilitySlot is set membership of one (dayOffset, bucket) pair for one
// user in one cycle. Day offsets count from the cycle's week start, 0..6.
type AvailabilitySlot struct {
	SlotID           string     `gorm:"column:slot_id;primaryKey;size:190;not null"`
	CycleID          string     `gorm:"column:cycle_id;size:190;not null;uniqueIndex:idx_slots_cycle_user_day_bucket,priority:1"`
	UserID           string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_slots_cycle_user_day_bucket,priority:2"`
	DayOffset        int        `gorm:"column:day_offset;not null;uniqueIndex:idx_slots_cycle_user_day_bucket,priority:3"`
	Bucket           TimeBucket `gorm:"column:bucket;size:16;not null;uniqueIndex:idx_slots_cycle_user_day_bucket,priority:4"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AvailabilitySlot) TableName() string {
	return "availability_slots"
}
