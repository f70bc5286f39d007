package appointment

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/platform/interval"
	"github.com/ehr/scheduler/internal/platform/timezone"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidAppointment  = errors.New("invalid appointment")
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Rule is the cadence of a recurring series.
type Rule string

const (
	RuleWeekly   Rule = "weekly"
	RuleBiweekly Rule = "biweekly"
	RuleMonthly  Rule = "monthly"
)

func (r Rule) Valid() bool {
	switch r {
	case RuleWeekly, RuleBiweekly, RuleMonthly:
		return true
	}
	return false
}

// Appointment is a booked session. StartAt and EndAt are absolute instants.
// Zone is the authoritative zone for wall-clock display; an empty Zone means
// the booking predates zone tracking.
type Appointment struct {
	ID               uuid.UUID  `json:"id"`
	ClinicianID      uuid.UUID  `json:"clinician_id"`
	ClientID         uuid.UUID  `json:"client_id"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            time.Time  `json:"end_at"`
	Zone             string     `json:"appointment_zone,omitempty"`
	Status           Status     `json:"status"`
	Notes            string     `json:"notes,omitempty"`
	RecurringGroupID *uuid.UUID `json:"recurring_group_id,omitempty"`
	RecurrenceRule   *Rule      `json:"recurrence_rule,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Valid reports whether both instants are set and ordered.
func (a *Appointment) Valid() bool {
	return !a.StartAt.IsZero() && !a.EndAt.IsZero() && a.StartAt.Before(a.EndAt)
}

func (a *Appointment) Interval() interval.Interval {
	return interval.New(a.StartAt, a.EndAt)
}

// Recurring reports whether a belongs to a series.
func (a *Appointment) Recurring() bool {
	return a.RecurringGroupID != nil
}

// Blocking reports whether a occupies its clinician's time.
func (a *Appointment) Blocking() bool {
	return a.Status != StatusCancelled
}

// DisplayZone returns the zone a's wall-clock times should be shown in. When a
// carries no usable zone the viewer's zone is returned and reliable is false.
func (a *Appointment) DisplayZone(viewerZone string) (zone string, reliable bool) {
	if timezone.IsValid(a.Zone) {
		return a.Zone, true
	}
	return timezone.Canonicalize(viewerZone, ""), false
}

// Detach removes a from its series.
func (a *Appointment) Detach() {
	a.RecurringGroupID = nil
	a.RecurrenceRule = nil
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.RecurringGroupID != nil {
		id := *a.RecurringGroupID
		c.RecurringGroupID = &id
	}
	if a.RecurrenceRule != nil {
		r := *a.RecurrenceRule
		c.RecurrenceRule = &r
	}
	return &c
}

// View is an appointment prepared for a specific viewer.
type View struct {
	*Appointment
	DisplayZone  string                    `json:"display_zone"`
	ZoneReliable bool                      `json:"zone_reliable"`
	Date         availability.CalendarDate `json:"date"`
	StartLocal   availability.TimeOfDay    `json:"start_local"`
	EndLocal     availability.TimeOfDay    `json:"end_local"`
}

// ViewFor renders a for a viewer in viewerZone.
func (a *Appointment) ViewFor(viewerZone string) View {
	zone, reliable := a.DisplayZone(viewerZone)
	loc := timezone.Location(zone)
	start := a.StartAt.In(loc)
	return View{
		Appointment:  a,
		DisplayZone:  zone,
		ZoneReliable: reliable,
		Date:         availability.CalendarDate{Year: start.Year(), Month: start.Month(), Day: start.Day()},
		StartLocal:   availability.TimeOfDayOf(start),
		EndLocal:     availability.TimeOfDayOf(a.EndAt.In(loc)),
	}
}
