// Package reminder holds the maintenance reminder model shared by the store,
// the scheduler and the HTTP API.
package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the maintenance task category of a reminder.
type Kind string

// Kind constants
const (
	KindWaterChange    Kind = "water_change"
	KindParameterCheck Kind = "parameter_check"
	KindFilterClean    Kind = "filter_clean"
	KindFeeding        Kind = "feeding"
	KindCustom         Kind = "custom"
)

// Frequency is the recurrence interval of a reminder.
type Frequency string

// Frequency constants
const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom"
)

// DefaultCustomDays is used when a custom reminder carries no usable day count.
const DefaultCustomDays = 7

// TagPrefix prefixes the notification tag of every reminder.
const TagPrefix = "reminder-"

// Validation errors
var (
	ErrInvalidKind       = errors.New("invalid reminder kind")
	ErrInvalidFrequency  = errors.New("invalid reminder frequency")
	ErrInvalidCustomDays = errors.New("custom_days must be a positive integer for custom frequency")
	ErrMissingTank       = errors.New("tank id is required")
	ErrMissingNextDue    = errors.New("next due time is required")
)

// Reminder is a recurring maintenance task tied to one tank.
type Reminder struct {
	ID          string     `json:"id"`
	TankID      string     `json:"tank_id"`
	TankName    string     `json:"tank_name"`
	Kind        Kind       `json:"type"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Frequency   Frequency  `json:"frequency"`
	CustomDays  *int       `json:"custom_days,omitempty"`
	NextDueAt   time.Time  `json:"next_due_at"`
	Enabled     bool       `json:"enabled"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWaterChange, KindParameterCheck, KindFilterClean, KindFeeding, KindCustom:
		return true
	default:
		return false
	}
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyCustom:
		return true
	default:
		return false
	}
}

// Validate checks the enum fields and the custom_days invariant.
func (r *Reminder) Validate() error {
	if r.TankID == "" {
		return ErrMissingTank
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, r.Kind)
	}
	if !r.Frequency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, r.Frequency)
	}
	if r.Frequency == FrequencyCustom && (r.CustomDays == nil || *r.CustomDays <= 0) {
		return ErrInvalidCustomDays
	}
	if r.NextDueAt.IsZero() {
		return ErrMissingNextDue
	}
	return nil
}

// Normalize drops CustomDays from non-custom reminders.
func (r *Reminder) Normalize() {
	if r.Frequency != FrequencyCustom {
		r.CustomDays = nil
	}
}

// Tag is the platform grouping key for this reminder's notifications.
func (r *Reminder) Tag() string {
	return TagPrefix + r.ID
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (r Reminder) Clone() Reminder {
	if r.CustomDays != nil {
		d := *r.CustomDays
		r.CustomDays = &d
	}
	if r.LastFiredAt != nil {
		t := *r.LastFiredAt
		r.LastFiredAt = &t
	}
	return r
}

// FrequencyDays maps a reminder's frequency to its interval in days.
func FrequencyDays(r *Reminder) int {
	switch r.Frequency {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 14
	case FrequencyMonthly:
		return 30
	case FrequencyCustom:
		if r.CustomDays != nil && *r.CustomDays > 0 {
			return *r.CustomDays
		}
		return DefaultCustomDays
	default:
		return DefaultCustomDays
	}
}

// CalculateNextDate returns now advanced by the reminder's interval.
// The interval is counted in whole 24h days so the result is exact to the second.
func CalculateNextDate(r *Reminder, now time.Time) time.Time {
	return now.Add(time.Duration(FrequencyDays(r)) * 24 * time.Hour)
}

// SameDay reports whether a and b fall on the same calendar date in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// NewID returns a time-ordered unique id (UUIDv7: millisecond timestamp plus random bits).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
