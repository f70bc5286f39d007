package availability

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func date(y int, m time.Month, d int) CalendarDate {
	return civil.Date{Year: y, Month: m, Day: d}
}

func patternWith(zone string, slots ...Slot) WeeklyPattern {
	p := WeeklyPattern{ClinicianID: uuid.MustParse("4b4f3c2e-8f0a-4a43-9d57-5d8a1b6c2e11"), DefaultZone: zone}
	for _, s := range slots {
		if s.Zone == "" {
			s.Zone = zone
		}
		p.AddSlot(s)
	}
	return p
}

func slot(d time.Weekday, n int, start, end string) Slot {
	return Slot{Day: d, Number: n, Start: MustTimeOfDay(start), End: MustTimeOfDay(end)}
}

func TestProject_OneBlockPerDateAndSlot(t *testing.T) {
	p := patternWith("America/Chicago",
		slot(time.Monday, 1, "09:00", "12:00"),
		slot(time.Monday, 2, "13:00", "17:00"),
		slot(time.Wednesday, 1, "10:00", "14:00"),
	)
	proj := NewProjector(zerolog.Nop())

	// two full weeks starting Monday 2026-03-16
	blocks, err := proj.Project(p, date(2026, time.March, 16), date(2026, time.March, 29), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 6 {
		t.Fatalf("expected 6 blocks, got %d", len(blocks))
	}

	seen := map[string]bool{}
	for i, b := range blocks {
		if seen[b.ID] {
			t.Errorf("duplicate block id %s", b.ID)
		}
		seen[b.ID] = true
		if !b.Start.Before(b.End) {
			t.Errorf("block %d: start %v not before end %v", i, b.Start, b.End)
		}
		if Weekday(b.Date) != time.Monday && Weekday(b.Date) != time.Wednesday {
			t.Errorf("block on unexpected weekday %s", Weekday(b.Date))
		}
		if b.DisplayZone != "America/Chicago" {
			t.Errorf("expected display zone to default to pattern zone, got %s", b.DisplayZone)
		}
		if i > 0 && blocks[i-1].Start.After(b.Start) {
			t.Errorf("blocks not sorted at %d", i)
		}
	}
	if blocks[0].SourceSlotID != "monday-1" || blocks[1].SourceSlotID != "monday-2" {
		t.Errorf("unexpected order: %s, %s", blocks[0].SourceSlotID, blocks[1].SourceSlotID)
	}
}

func TestProject_EndOfDaySlot(t *testing.T) {
	chicago, _ := time.LoadLocation("America/Chicago")
	p := patternWith("America/Chicago", slot(time.Monday, 1, "18:00", "24:00"))

	blocks, err := NewProjector(zerolog.Nop()).Project(p, date(2026, time.March, 16), date(2026, time.March, 16), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected one block, got %d", len(blocks))
	}
	want := time.Date(2026, time.March, 17, 0, 0, 0, 0, chicago)
	if !blocks[0].End.Equal(want) || blocks[0].End.Sub(blocks[0].Start) != 6*time.Hour {
		t.Errorf("expected 18:00 to midnight, got %v-%v", blocks[0].Start, blocks[0].End)
	}
}

func TestProject_EmptyPattern(t *testing.T) {
	blocks, err := NewProjector(zerolog.Nop()).Project(WeeklyPattern{}, date(2026, time.January, 1), date(2026, time.December, 31), "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected zero blocks, got %d", len(blocks))
	}
}

func TestProject_StableIDs(t *testing.T) {
	p := patternWith("UTC", slot(time.Friday, 1, "09:00", "10:00"))
	proj := NewProjector(zerolog.Nop())
	a, _ := proj.Project(p, date(2026, time.May, 1), date(2026, time.May, 1), "UTC")
	b, _ := proj.Project(p, date(2026, time.April, 27), date(2026, time.May, 3), "Asia/Tokyo")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one block each, got %d and %d", len(a), len(b))
	}
	if a[0].ID != b[0].ID {
		t.Errorf("block id changed with range or display zone: %s vs %s", a[0].ID, b[0].ID)
	}
	if !a[0].Start.Equal(b[0].Start) {
		t.Errorf("display zone changed the instant: %v vs %v", a[0].Start, b[0].Start)
	}
	if b[0].Start.Location().String() != "Asia/Tokyo" {
		t.Errorf("expected start expressed in Asia/Tokyo, got %s", b[0].Start.Location())
	}
}

func TestProject_SlotZoneDiffersFromDisplay(t *testing.T) {
	p := patternWith("America/New_York",
		Slot{Day: time.Monday, Number: 1, Start: MustTimeOfDay("09:00"), End: MustTimeOfDay("17:00"), Zone: "America/Los_Angeles"})
	blocks, err := NewProjector(zerolog.Nop()).Project(p, date(2026, time.June, 1), date(2026, time.June, 1), "America/New_York")
	if err != nil || len(blocks) != 1 {
		t.Fatalf("expected one block, got %d (%v)", len(blocks), err)
	}
	if h := blocks[0].Start.Hour(); h != 12 {
		t.Errorf("09:00 Los Angeles should display as 12:00 New York, got %d:00", h)
	}
}

func TestProject_DST(t *testing.T) {
	proj := NewProjector(zerolog.Nop())
	tests := []struct {
		name      string
		day       CalendarDate
		start     string
		end       string
		wantHours float64
	}{
		{"business hours on spring forward", date(2026, time.March, 8), "09:00", "17:00", 8},
		{"business hours on fall back", date(2026, time.November, 1), "09:00", "17:00", 8},
		{"overnight window spring forward", date(2026, time.March, 8), "00:00", "08:00", 7},
		{"overnight window fall back", date(2026, time.November, 1), "00:00", "08:00", 9},
		{"business hours after spring forward", date(2026, time.March, 9), "09:00", "17:00", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := patternWith("America/New_York", slot(Weekday(tt.day), 1, tt.start, tt.end))
			blocks, err := proj.Project(p, tt.day, tt.day, "America/New_York")
			if err != nil || len(blocks) != 1 {
				t.Fatalf("expected one block, got %d (%v)", len(blocks), err)
			}
			b := blocks[0]
			if got := b.End.Sub(b.Start).Hours(); got != tt.wantHours {
				t.Errorf("expected %.0fh, got %.1fh", tt.wantHours, got)
			}
			if got := TimeOfDayOf(b.Start).String(); got != tt.start {
				t.Errorf("wall-clock start should stay %s, got %s", tt.start, got)
			}
		})
	}
}

func TestProject_WallClockStableAcrossTransition(t *testing.T) {
	p := patternWith("America/New_York", slot(time.Saturday, 1, "09:00", "17:00"), slot(time.Monday, 1, "09:00", "17:00"))
	blocks, err := NewProjector(zerolog.Nop()).Project(p, date(2026, time.March, 7), date(2026, time.March, 9), "UTC")
	if err != nil || len(blocks) != 2 {
		t.Fatalf("expected two blocks, got %d (%v)", len(blocks), err)
	}
	if blocks[0].Start.Hour() != 14 {
		t.Errorf("saturday before transition should start 14:00 UTC, got %v", blocks[0].Start)
	}
	if blocks[1].Start.Hour() != 13 {
		t.Errorf("monday after transition should start 13:00 UTC, got %v", blocks[1].Start)
	}
}

func TestProject_SkipsInvalidSlots(t *testing.T) {
	p := patternWith("UTC", slot(time.Monday, 1, "09:00", "10:00"))
	p.AddSlot(Slot{Day: time.Monday, Number: 2, Start: MustTimeOfDay("12:00"), End: MustTimeOfDay("11:00"), Zone: "UTC"})
	p.AddSlot(Slot{Day: time.Monday, Number: 3, Start: MustTimeOfDay("13:00"), End: MustTimeOfDay("14:00"), Zone: "Not/AZone"})

	blocks, err := NewProjector(zerolog.Nop()).Project(p, date(2026, time.March, 16), date(2026, time.March, 16), "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 || blocks[0].SourceSlotID != "monday-1" {
		t.Errorf("expected only monday-1, got %+v", blocks)
	}
}

func TestProject_ReversedRange(t *testing.T) {
	p := patternWith("UTC", slot(time.Monday, 1, "09:00", "10:00"))
	blocks, err := NewProjector(zerolog.Nop()).Project(p, date(2026, time.March, 23), date(2026, time.March, 16), "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected no blocks, got %d", len(blocks))
	}
}

func TestValidateRange(t *testing.T) {
	if err := ValidateRange(date(2026, time.March, 2), date(2026, time.March, 1)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for reversed range, got %v", err)
	}
	if err := ValidateRange(date(2026, time.January, 1), date(2027, time.January, 2)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for long range, got %v", err)
	}
	if err := ValidateRange(date(2026, time.January, 1), date(2026, time.December, 31)); err != nil {
		t.Errorf("expected a year to be accepted, got %v", err)
	}
}
