package booking

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
)

var (
	clinicianID = uuid.MustParse("0f6c1f4e-3a43-4a8e-9c7e-2b1d3c4e5f60")
	chicago, _  = time.LoadLocation("America/Chicago")
	monday      = civil.Date{Year: 2026, Month: time.March, Day: 16}
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// generator pinned to Tuesday 2026-03-10 12:00 UTC
func newGenerator(logger zerolog.Logger) *Generator {
	return NewGenerator(logger).WithClock(fixedClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)))
}

func weekly(slots ...[2]string) availability.WeeklyPattern {
	p := availability.WeeklyPattern{ClinicianID: clinicianID, DefaultZone: "America/Chicago"}
	for i, s := range slots {
		p.AddSlot(availability.Slot{
			Day:    time.Monday,
			Number: i + 1,
			Start:  availability.MustTimeOfDay(s[0]),
			End:    availability.MustTimeOfDay(s[1]),
			Zone:   "America/Chicago",
		})
	}
	return p
}

func appt(start, end string) *appointment.Appointment {
	return &appointment.Appointment{
		ID:          uuid.New(),
		ClinicianID: clinicianID,
		StartAt:     availability.MustTimeOfDay(start).On(monday, chicago),
		EndAt:       availability.MustTimeOfDay(end).On(monday, chicago),
		Status:      appointment.StatusScheduled,
	}
}

func starts(slots []BookableSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.StartLocal.String()
	}
	return out
}

func TestGenerate_ExcludesBookedHalfHour(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "10:00"})
	settings := Settings{Granularity: GranularityHalfHour, MinDaysAhead: 0, MaxDaysAhead: 30}

	got := g.Generate(p, monday, []*appointment.Appointment{appt("09:00", "09:30")}, settings, "America/Chicago")
	if len(got) != 1 {
		t.Fatalf("expected exactly one slot, got %v", starts(got))
	}
	if got[0].StartLocal.String() != "09:30" || got[0].EndLocal.String() != "10:00" {
		t.Errorf("expected 09:30-10:00, got %s-%s", got[0].StartLocal, got[0].EndLocal)
	}
	if got[0].Date != monday || got[0].SourceSlotID != "monday-1" {
		t.Errorf("unexpected date/source %s %s", got[0].Date, got[0].SourceSlotID)
	}
}

func TestGenerate_Granularity(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "11:30"})

	hourly := g.Generate(p, monday, nil, Settings{Granularity: GranularityHour, MaxDaysAhead: 30}, "America/Chicago")
	if want := "09:00,10:00"; strings.Join(starts(hourly), ",") != want {
		t.Errorf("hourly: expected %s, got %v", want, starts(hourly))
	}
	for _, s := range hourly {
		if s.End.Sub(s.Start) != time.Hour {
			t.Errorf("hourly slot lasts %s", s.End.Sub(s.Start))
		}
	}

	half := g.Generate(p, monday, nil, Settings{Granularity: GranularityHalfHour, MaxDaysAhead: 30}, "America/Chicago")
	if len(half) != 5 {
		t.Errorf("half hour: expected 5 slots, got %v", starts(half))
	}

	unknown := g.Generate(p, monday, nil, Settings{Granularity: "quarter", MaxDaysAhead: 30}, "America/Chicago")
	if len(unknown) != 5 {
		t.Errorf("unknown granularity should behave as half hour, got %v", starts(unknown))
	}
}

func TestGenerate_SlotShorterThanStep(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "09:45"})
	if got := g.Generate(p, monday, nil, Settings{Granularity: GranularityHour, MaxDaysAhead: 30}, ""); len(got) != 0 {
		t.Errorf("expected no slots, got %v", starts(got))
	}
}

func TestGenerate_NoSlotsOnDay(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "12:00"})
	tuesday := monday.AddDays(1)
	if got := g.Generate(p, tuesday, nil, DefaultSettings(), ""); len(got) != 0 {
		t.Errorf("expected no slots on tuesday, got %v", starts(got))
	}
}

func TestGenerate_WindowUsesClientToday(t *testing.T) {
	// 03:00 UTC is still Monday 9 March in Chicago but already Tuesday 10
	// March in Tokyo.
	g := NewGenerator(zerolog.Nop()).WithClock(fixedClock(time.Date(2026, time.March, 10, 3, 0, 0, 0, time.UTC)))
	p := weekly([2]string{"09:00", "10:00"})
	settings := Settings{Granularity: GranularityHalfHour, MinDaysAhead: 7, MaxDaysAhead: 14}

	if !g.InWindow(monday, settings, "America/Chicago") {
		t.Error("expected 7 days ahead in Chicago to be inside the window")
	}
	if g.InWindow(monday, settings, "Asia/Tokyo") {
		t.Error("expected 6 days ahead in Tokyo to be outside the window")
	}
	if got := g.Generate(p, monday, nil, settings, "Asia/Tokyo"); len(got) != 0 {
		t.Errorf("expected no slots outside the window, got %v", starts(got))
	}
	if got := g.Generate(p, monday, nil, settings, "America/Chicago"); len(got) != 2 {
		t.Errorf("expected 2 slots inside the window, got %v", starts(got))
	}

	tooFar := Settings{Granularity: GranularityHalfHour, MinDaysAhead: 0, MaxDaysAhead: 3}
	if got := g.Generate(p, monday, nil, tooFar, "America/Chicago"); len(got) != 0 {
		t.Errorf("expected no slots beyond max days ahead, got %v", starts(got))
	}
}

func TestGenerate_LabelsInClientZone(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "10:00"})

	got := g.Generate(p, monday, nil, Settings{Granularity: GranularityHour, MaxDaysAhead: 30}, "America/New_York")
	if len(got) != 1 {
		t.Fatalf("expected one slot, got %v", starts(got))
	}
	if got[0].StartLocal.String() != "10:00" || got[0].Zone != "America/New_York" {
		t.Errorf("expected 10:00 New York, got %s %s", got[0].StartLocal, got[0].Zone)
	}
	if !got[0].Start.Equal(availability.MustTimeOfDay("09:00").On(monday, chicago)) {
		t.Errorf("instant should not change with client zone, got %v", got[0].Start)
	}
}

func TestGenerate_SkipsBadAndIrrelevantAppointments(t *testing.T) {
	var buf bytes.Buffer
	g := newGenerator(zerolog.New(&buf))
	p := weekly([2]string{"09:00", "10:00"})

	broken := appt("09:00", "09:30")
	broken.EndAt = time.Time{}
	inverted := appt("09:30", "09:00")
	cancelled := appt("09:00", "10:00")
	cancelled.Status = appointment.StatusCancelled
	other := appt("09:00", "10:00")
	other.ClinicianID = uuid.New()

	got := g.Generate(p, monday, []*appointment.Appointment{broken, inverted, cancelled, other, nil}, DefaultSettings(), "America/Chicago")
	if len(got) != 2 {
		t.Fatalf("expected both slots to survive, got %v", starts(got))
	}
	if strings.Count(buf.String(), "skipping appointment") != 2 {
		t.Errorf("expected two skip diagnostics, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), broken.ID.String()) {
		t.Errorf("expected diagnostic to name the appointment, got %q", buf.String())
	}
}

func TestGenerate_DropsPastCandidates(t *testing.T) {
	now := availability.MustTimeOfDay("09:15").On(monday, chicago)
	g := NewGenerator(zerolog.Nop()).WithClock(fixedClock(now))
	p := weekly([2]string{"09:00", "10:00"})

	got := g.Generate(p, monday, nil, DefaultSettings(), "America/Chicago")
	if strings.Join(starts(got), ",") != "09:30" {
		t.Errorf("expected only 09:30, got %v", starts(got))
	}
}

func TestGenerate_OverlappingSlotsDeduplicated(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "10:00"}, [2]string{"09:30", "10:30"})

	got := g.Generate(p, monday, nil, DefaultSettings(), "America/Chicago")
	if want := "09:00,09:30,10:00"; strings.Join(starts(got), ",") != want {
		t.Errorf("expected %s, got %v", want, starts(got))
	}
}

func TestGenerate_TouchingAppointmentDoesNotBlock(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	p := weekly([2]string{"09:00", "10:00"})

	got := g.Generate(p, monday, []*appointment.Appointment{appt("08:00", "09:00"), appt("10:00", "11:00")}, DefaultSettings(), "America/Chicago")
	if len(got) != 2 {
		t.Errorf("touching appointments should not block, got %v", starts(got))
	}
}

func TestWindow(t *testing.T) {
	g := newGenerator(zerolog.Nop())
	first, last := g.Window(Settings{MinDaysAhead: 1, MaxDaysAhead: 5}, "UTC")
	if first != (civil.Date{Year: 2026, Month: time.March, Day: 11}) || last != (civil.Date{Year: 2026, Month: time.March, Day: 15}) {
		t.Errorf("unexpected window %s..%s", first, last)
	}
}
