package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/db"
)

var monday = civil.Date{Year: 2026, Month: time.March, Day: 16}

func tod(s string) *availability.TimeOfDay {
	t := availability.MustTimeOfDay(s)
	return &t
}

func TestMigrations_Applied(t *testing.T) {
	ctx := context.Background()
	m, err := db.NewMigrator(globalPool, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	defer m.Close()

	v, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 3 {
		t.Errorf("expected schema version 3, got %d", v)
	}
	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s pending", s.Name)
		}
	}
	if n, err := m.Up(ctx); err != nil || n != 0 {
		t.Errorf("second Up: applied %d, err %v", n, err)
	}
}

func TestAvailability_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	id := uuid.New()

	in := scheduling.AvailabilityInput{
		DefaultZone: "America/Denver",
		Days: map[string][]scheduling.SlotInput{
			"monday": {{Start: "09:00", End: "12:00"}, {Start: "13:00", End: "17:00", Zone: "America/Chicago"}},
			"friday": {{Number: 3, Start: "08:00", End: "09:00"}},
		},
	}
	p, err := in.Pattern(id)
	if err != nil {
		t.Fatalf("Pattern: %v", err)
	}
	saved, err := svc.SaveAvailability(ctx, p)
	if err != nil {
		t.Fatalf("SaveAvailability: %v", err)
	}
	if saved.DefaultZone != "America/Denver" {
		t.Errorf("expected America/Denver, got %q", saved.DefaultZone)
	}
	mon := saved.Day(time.Monday)
	if len(mon.Slots) != 2 {
		t.Fatalf("expected 2 monday slots, got %d", len(mon.Slots))
	}
	if mon.Slots[0].Zone != "America/Denver" {
		t.Errorf("slot without zone should inherit the record zone, got %q", mon.Slots[0].Zone)
	}
	if mon.Slots[1].Zone != "America/Chicago" {
		t.Errorf("expected America/Chicago, got %q", mon.Slots[1].Zone)
	}
	fri := saved.Day(time.Friday)
	if len(fri.Slots) != 1 || fri.Slots[0].Number != 3 {
		t.Errorf("expected friday slot 3, got %+v", fri.Slots)
	}

	// Saving again replaces the week rather than merging into it.
	in.Days = map[string][]scheduling.SlotInput{"tuesday": {{Start: "10:00", End: "11:00"}}}
	p, _ = in.Pattern(id)
	saved, err = svc.SaveAvailability(ctx, p)
	if err != nil {
		t.Fatalf("second SaveAvailability: %v", err)
	}
	if saved.SlotCount() != 1 || len(saved.Day(time.Tuesday).Slots) != 1 {
		t.Errorf("expected only the tuesday slot, got %d slots", saved.SlotCount())
	}
}

func TestAvailability_LegacyZoneShapes(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	id := uuid.New()

	_, err := globalPool.Exec(ctx, `
		INSERT INTO clinician_availability (clinician_id, clinician_time_zone,
			availability_monday_start_1, availability_monday_end_1, availability_monday_timezone_1,
			availability_tuesday_start_1, availability_tuesday_end_1)
		VALUES ($1, '["America/New_York"]', '09:00', '10:00', '{"zone": "Europe/London"}', '13:00', '14:00')`, id)
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	p, err := svc.Pattern(ctx, id)
	if err != nil {
		t.Fatalf("Pattern: %v", err)
	}
	if p.DefaultZone != "America/New_York" {
		t.Errorf("expected zone from single-element list, got %q", p.DefaultZone)
	}
	if got := p.Day(time.Monday).Slots; len(got) != 1 || got[0].Zone != "Europe/London" {
		t.Errorf("expected monday slot in Europe/London, got %+v", got)
	}
	if got := p.Day(time.Tuesday).Slots; len(got) != 1 || got[0].Zone != "America/New_York" {
		t.Errorf("expected tuesday slot in America/New_York, got %+v", got)
	}

	zone, err := svc.ClinicianZone(ctx, id)
	if err != nil || zone != "America/New_York" {
		t.Errorf("ClinicianZone = %q, %v", zone, err)
	}
}

func TestBookingSettings_DefaultAndUpsert(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	id := uuid.New()

	st, err := svc.BookingSettings(ctx, id)
	if err != nil {
		t.Fatalf("BookingSettings: %v", err)
	}
	if st.Granularity != booking.GranularityHalfHour || st.MaxDaysAhead != 60 {
		t.Errorf("expected defaults, got %+v", st)
	}

	st.Granularity = booking.GranularityHour
	st.MinDaysAhead = 1
	st.MaxDaysAhead = 14
	if _, err := svc.SaveBookingSettings(ctx, st); err != nil {
		t.Fatalf("SaveBookingSettings: %v", err)
	}
	got, err := svc.BookingSettings(ctx, id)
	if err != nil {
		t.Fatalf("BookingSettings after save: %v", err)
	}
	if got.Granularity != booking.GranularityHour || got.MinDaysAhead != 1 || got.MaxDaysAhead != 14 {
		t.Errorf("settings not persisted: %+v", got)
	}
}

func TestBooking_SlotsAndConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	clinician, client := uuid.New(), uuid.New()

	p, err := scheduling.AvailabilityInput{
		DefaultZone: "America/Chicago",
		Days:        map[string][]scheduling.SlotInput{"monday": {{Start: "09:00", End: "10:00"}}},
	}.Pattern(clinician)
	if err != nil {
		t.Fatalf("Pattern: %v", err)
	}
	if _, err := svc.SaveAvailability(ctx, p); err != nil {
		t.Fatalf("SaveAvailability: %v", err)
	}

	slots, err := svc.BookableSlots(ctx, clinician, monday, "America/Chicago")
	if err != nil {
		t.Fatalf("BookableSlots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 half-hour slots, got %d", len(slots))
	}

	req := scheduling.BookingRequest{ClinicianID: clinician, ClientID: client, Date: monday, StartTime: tod("09:00")}
	a, err := svc.Book(ctx, req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if a.EndAt.Sub(a.StartAt) != 30*time.Minute {
		t.Errorf("expected a granularity-length appointment, got %s", a.EndAt.Sub(a.StartAt))
	}
	if _, err := svc.Book(ctx, req); !errors.Is(err, scheduling.ErrSlotConflict) {
		t.Errorf("expected ErrSlotConflict on double booking, got %v", err)
	}

	slots, err = svc.BookableSlots(ctx, clinician, monday, "America/Chicago")
	if err != nil {
		t.Fatalf("BookableSlots after booking: %v", err)
	}
	if len(slots) != 1 || slots[0].StartLocal.String() != "09:30" {
		t.Errorf("expected only 09:30 left, got %+v", slots)
	}

	// Another viewer sees the same instant in their own zone.
	slots, err = svc.BookableSlots(ctx, clinician, monday, "America/New_York")
	if err != nil {
		t.Fatalf("BookableSlots in New York: %v", err)
	}
	if len(slots) != 1 || slots[0].StartLocal.String() != "10:30" {
		t.Errorf("expected 10:30 New York, got %+v", slots)
	}
}

func TestSeries_BookUpdateDelete(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	clinician, client := uuid.New(), uuid.New()

	items, err := svc.BookSeries(ctx, scheduling.SeriesRequest{
		BookingRequest: scheduling.BookingRequest{
			ClinicianID: clinician, ClientID: client, Date: monday,
			StartTime: tod("14:00"), EndTime: tod("15:00"), Zone: "America/Chicago",
		},
		Rule:  appointment.RuleWeekly,
		Count: 3,
	})
	if err != nil {
		t.Fatalf("BookSeries: %v", err)
	}
	if len(items) != 3 || items[0].RecurringGroupID == nil {
		t.Fatalf("expected 3 grouped occurrences, got %d", len(items))
	}

	notes := "bring referral"
	res, err := svc.UpdateAppointment(ctx, items[1].ID, appointment.ScopeFuture, appointment.Changes{
		StartTime: tod("14:30"),
		EndTime:   tod("15:30"),
		Notes:     &notes,
	})
	if err != nil {
		t.Fatalf("UpdateAppointment: %v", err)
	}
	if res.Affected != 2 || res.Delta != 30*time.Minute {
		t.Errorf("expected 2 affected with +30m, got %d %s", res.Affected, res.Delta)
	}

	first, err := svc.GetAppointment(ctx, items[0].ID, "")
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if !first.StartAt.Equal(items[0].StartAt) || first.Notes != "" {
		t.Errorf("earlier occurrence changed: %s %q", first.StartAt, first.Notes)
	}
	last, err := svc.GetAppointment(ctx, items[2].ID, "")
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if !last.StartAt.Equal(items[2].StartAt.Add(30*time.Minute)) || last.Notes != notes {
		t.Errorf("last occurrence not updated: %s %q", last.StartAt, last.Notes)
	}
	if last.StartLocal.String() != "14:30" {
		t.Errorf("expected 14:30 local, got %s", last.StartLocal)
	}

	views, total, err := svc.ListAppointments(ctx, clinician,
		items[0].StartAt.Add(-time.Hour), items[2].EndAt.Add(time.Hour), "America/Chicago", 10, 0)
	if err != nil {
		t.Fatalf("ListAppointments: %v", err)
	}
	if total != 3 || len(views) != 3 {
		t.Errorf("expected 3 listed, got %d of %d", len(views), total)
	}

	res, err = svc.DeleteAppointment(ctx, items[0].ID, appointment.ScopeAll)
	if err != nil {
		t.Fatalf("DeleteAppointment: %v", err)
	}
	if res.Affected != 3 {
		t.Errorf("expected 3 deleted, got %d", res.Affected)
	}
	if _, err := svc.GetAppointment(ctx, items[2].ID, ""); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
}
