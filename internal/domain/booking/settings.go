package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/availability"
)

var ErrInvalidSettings = errors.New("invalid booking settings")

// Granularity is the step between candidate start times and the length of
// each bookable slot.
type Granularity string

const (
	GranularityHour     Granularity = "hour"
	GranularityHalfHour Granularity = "halfHour"
)

// ParseGranularity reads a stored granularity. Anything unrecognized is
// treated as half-hour.
func ParseGranularity(s string) Granularity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hour", "hourly", "60", "1h":
		return GranularityHour
	}
	return GranularityHalfHour
}

func (g Granularity) Duration() time.Duration {
	if g == GranularityHour {
		return time.Hour
	}
	return 30 * time.Minute
}

// Settings govern slot generation for one clinician.
type Settings struct {
	ClinicianID  uuid.UUID   `json:"clinician_id"`
	Granularity  Granularity `json:"granularity"`
	MinDaysAhead int         `json:"min_days_ahead"`
	MaxDaysAhead int         `json:"max_days_ahead"`
}

func DefaultSettings() Settings {
	return Settings{Granularity: GranularityHalfHour, MinDaysAhead: 0, MaxDaysAhead: 60}
}

// Normalize coerces stored values into a usable window.
func (s Settings) Normalize() Settings {
	s.Granularity = ParseGranularity(string(s.Granularity))
	if s.MinDaysAhead < 0 {
		s.MinDaysAhead = 0
	}
	if s.MaxDaysAhead < s.MinDaysAhead {
		s.MaxDaysAhead = s.MinDaysAhead
	}
	return s
}

// Validate checks settings supplied for saving.
func (s Settings) Validate() error {
	if s.Granularity != GranularityHour && s.Granularity != GranularityHalfHour {
		return fmt.Errorf("%w: granularity %q", ErrInvalidSettings, s.Granularity)
	}
	if s.MinDaysAhead < 0 {
		return fmt.Errorf("%w: min_days_ahead is negative", ErrInvalidSettings)
	}
	if s.MaxDaysAhead < s.MinDaysAhead {
		return fmt.Errorf("%w: max_days_ahead below min_days_ahead", ErrInvalidSettings)
	}
	if s.MaxDaysAhead > availability.MaxProjectionDays {
		return fmt.Errorf("%w: max_days_ahead above %d", ErrInvalidSettings, availability.MaxProjectionDays)
	}
	return nil
}
