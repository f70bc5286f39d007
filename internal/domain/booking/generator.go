// Package booking turns a clinician's availability into slots a client can
// book.
package booking

import (
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/platform/interval"
	"github.com/ehr/scheduler/internal/platform/timezone"
)

// BookableSlot is a free candidate time. StartLocal, EndLocal and Date are
// read in Zone, the client's zone.
type BookableSlot struct {
	Date         availability.CalendarDate `json:"date"`
	StartLocal   availability.TimeOfDay    `json:"start_local"`
	EndLocal     availability.TimeOfDay    `json:"end_local"`
	Zone         string                    `json:"zone"`
	Start        time.Time                 `json:"start"`
	End          time.Time                 `json:"end"`
	SourceSlotID string                    `json:"source_slot_id"`
}

func (b BookableSlot) Interval() interval.Interval {
	return interval.New(b.Start, b.End)
}

type Generator struct {
	projector *availability.Projector
	zones     *timezone.Canonicalizer
	logger    zerolog.Logger
	now       func() time.Time
}

func NewGenerator(logger zerolog.Logger) *Generator {
	return &Generator{
		projector: availability.NewProjector(logger),
		zones:     timezone.NewCanonicalizer(logger),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the generator's clock.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	c := *g
	c.now = now
	return &c
}

// Now returns the generator's current time.
func (g *Generator) Now() time.Time {
	return g.now()
}

// InWindow reports whether date lies within the booking window, counting days
// from today in the client's zone.
func (g *Generator) InWindow(date civil.Date, settings Settings, clientZone string) bool {
	s := settings.Normalize()
	today := civil.DateOf(g.now().In(timezone.Location(clientZone)))
	days := date.DaysSince(today)
	return days >= s.MinDaysAhead && days <= s.MaxDaysAhead
}

// Window returns the first and last bookable dates in the client's zone.
func (g *Generator) Window(settings Settings, clientZone string) (civil.Date, civil.Date) {
	s := settings.Normalize()
	today := civil.DateOf(g.now().In(timezone.Location(clientZone)))
	return today.AddDays(s.MinDaysAhead), today.AddDays(s.MaxDaysAhead)
}

// Generate returns the free candidates on date, sorted by start. Candidates
// are one granularity long, start at the slot start and step by granularity;
// a trailing partial step is dropped. Candidates overlapping a blocking
// appointment of the clinician, or starting in the past, are left out.
//
// Appointments with unusable times are skipped and logged; they never hide
// other candidates.
func (g *Generator) Generate(pattern availability.WeeklyPattern, date civil.Date, appts []*appointment.Appointment, settings Settings, clientZone string) []BookableSlot {
	settings = settings.Normalize()
	zone := g.zones.Canonicalize(clientZone, pattern.DefaultZone)
	if !g.InWindow(date, settings, zone) {
		return nil
	}

	blocks, err := g.projector.Project(pattern, date, date, zone)
	if err != nil {
		g.logger.Warn().Err(err).Str("clinician_id", pattern.ClinicianID.String()).Msg("cannot project date")
		return nil
	}
	if len(blocks) == 0 {
		return nil
	}

	busy := g.busy(pattern.ClinicianID, appts)
	step := settings.Granularity.Duration()
	now := g.now()
	loc := timezone.Location(zone)

	seen := make(map[int64]bool)
	var out []BookableSlot
	for _, b := range blocks {
		for start := b.Start; !start.Add(step).After(b.End); start = start.Add(step) {
			cand := interval.New(start, start.Add(step))
			if start.Before(now) || interval.OverlapsAny(cand, busy) {
				continue
			}
			key := start.UnixNano()
			if seen[key] {
				continue
			}
			seen[key] = true

			localStart := start.In(loc)
			localEnd := cand.End.In(loc)
			out = append(out, BookableSlot{
				Date:         civil.DateOf(localStart),
				StartLocal:   availability.TimeOfDayOf(localStart),
				EndLocal:     availability.TimeOfDayOf(localEnd),
				Zone:         zone,
				Start:        localStart,
				End:          localEnd,
				SourceSlotID: b.SourceSlotID,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (g *Generator) busy(clinicianID uuid.UUID, appts []*appointment.Appointment) []interval.Interval {
	busy := make([]interval.Interval, 0, len(appts))
	for _, a := range appts {
		if a == nil || !a.Blocking() {
			continue
		}
		if clinicianID != uuid.Nil && a.ClinicianID != uuid.Nil && a.ClinicianID != clinicianID {
			continue
		}
		if !a.Valid() {
			g.logger.Warn().
				Str("clinician_id", clinicianID.String()).
				Str("appointment_id", a.ID.String()).
				Time("start_at", a.StartAt).
				Time("end_at", a.EndAt).
				Msg("skipping appointment with unusable times")
			continue
		}
		busy = append(busy, a.Interval())
	}
	return busy
}
