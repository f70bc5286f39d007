package scheduling

import (
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/platform/timezone"
)

// AvailabilityInput is the editable form of a weekly pattern, keyed by
// lowercase day name.
type AvailabilityInput struct {
	DefaultZone string                 `json:"default_zone" validate:"omitempty,iana_zone"`
	Days        map[string][]SlotInput `json:"days" validate:"dive,max=3,dive"`
}

type SlotInput struct {
	Number int    `json:"slot_number" validate:"omitempty,min=1,max=3"`
	Start  string `json:"start_time" validate:"required,clock"`
	End    string `json:"end_time" validate:"required,clock"`
	Zone   string `json:"zone" validate:"omitempty,iana_zone"`
}

// Pattern converts the input. Unlike extraction from a stored record, bad
// slots are rejected rather than skipped. A slot without a number takes its
// position in the list. Overlapping slots on one day are accepted.
func (in AvailabilityInput) Pattern(clinicianID uuid.UUID) (availability.WeeklyPattern, error) {
	p := availability.WeeklyPattern{ClinicianID: clinicianID, DefaultZone: in.DefaultZone}
	for name, slots := range in.Days {
		day, ok := availability.ParseDayName(name)
		if !ok {
			return p, fmt.Errorf("%w: unknown day %q", ErrInvalidRequest, name)
		}
		if len(slots) > availability.SlotsPerDay {
			return p, fmt.Errorf("%w: %s has more than %d slots", ErrInvalidRequest, name, availability.SlotsPerDay)
		}
		used := make(map[int]bool, len(slots))
		for i, si := range slots {
			n := si.Number
			if n == 0 {
				n = i + 1
			}
			if n < 1 || n > availability.SlotsPerDay || used[n] {
				return p, fmt.Errorf("%w: %s slot number %d", ErrInvalidRequest, name, n)
			}
			used[n] = true
			start, err := availability.ParseTimeOfDay(si.Start)
			if err != nil {
				return p, fmt.Errorf("%w: %s slot %d start: %v", ErrInvalidRequest, name, n, err)
			}
			end, err := availability.ParseTimeOfDay(si.End)
			if err != nil {
				return p, fmt.Errorf("%w: %s slot %d end: %v", ErrInvalidRequest, name, n, err)
			}
			if !start.Before(end) {
				return p, fmt.Errorf("%w: %s slot %d starts at or after its end", ErrInvalidRequest, name, n)
			}
			p.AddSlot(availability.Slot{Day: day, Number: n, Start: start, End: end, Zone: si.Zone})
		}
	}
	for d := range p.Days {
		slices.SortFunc(p.Days[d].Slots, func(a, b availability.Slot) int { return a.Number - b.Number })
	}
	return p, nil
}

// BookingRequest books one appointment. StartTime and EndTime are wall-clock
// values on Date in Zone; Zone defaults to the clinician's zone and a missing
// EndTime means one granularity step.
type BookingRequest struct {
	ClinicianID uuid.UUID               `json:"clinician_id" validate:"required"`
	ClientID    uuid.UUID               `json:"client_id" validate:"required"`
	Date        civil.Date              `json:"date"`
	StartTime   *availability.TimeOfDay `json:"start_time" validate:"required"`
	EndTime     *availability.TimeOfDay `json:"end_time,omitempty"`
	Zone        string                  `json:"zone,omitempty" validate:"omitempty,iana_zone"`
	Notes       string                  `json:"notes,omitempty"`
}

// SeriesRequest books Count occurrences of a recurring appointment, the first
// one described by the embedded BookingRequest.
type SeriesRequest struct {
	BookingRequest
	Rule  appointment.Rule `json:"recurrence_rule" validate:"required,oneof=weekly biweekly monthly"`
	Count int              `json:"count" validate:"min=1,max=104"`
}

// span returns the absolute start and end of the first occurrence.
func (r BookingRequest) span(zone string, length time.Duration) (time.Time, time.Time, error) {
	if !r.Date.IsValid() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date is required", ErrInvalidRequest)
	}
	if r.StartTime == nil || !r.StartTime.Valid() || r.StartTime.EndOfDay() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_time is required", ErrInvalidRequest)
	}
	loc := timezone.Location(zone)
	start := r.StartTime.On(r.Date, loc)
	end := start.Add(length)
	if r.EndTime != nil {
		end = r.EndTime.On(r.Date, loc)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidRequest)
	}
	return start.UTC(), end.UTC(), nil
}

func (r BookingRequest) appointment(start, end time.Time, zone string) *appointment.Appointment {
	return &appointment.Appointment{
		ID:          uuid.New(),
		ClinicianID: r.ClinicianID,
		ClientID:    r.ClientID,
		StartAt:     start,
		EndAt:       end,
		Zone:        zone,
		Status:      appointment.StatusScheduled,
		Notes:       r.Notes,
	}
}

// MutationResponse is the wire form of a committed series mutation.
type MutationResponse struct {
	Operation    appointment.Operation      `json:"operation"`
	Scope        appointment.Scope          `json:"scope"`
	Affected     int                        `json:"affected"`
	DeltaSeconds int64                      `json:"delta_seconds"`
	Appointments []*appointment.Appointment `json:"appointments,omitempty"`
}

func newMutationResponse(r appointment.Result) MutationResponse {
	return MutationResponse{
		Operation:    r.Operation,
		Scope:        r.Scope,
		Affected:     r.Affected,
		DeltaSeconds: int64(r.Delta / time.Second),
		Appointments: r.Appointments,
	}
}
