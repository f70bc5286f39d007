package availability

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ZoneKey holds the clinician's record-level default zone.
const ZoneKey = "clinician_time_zone"

// Record is the flat key/value shape the practice store keeps per clinician.
// Values are loosely typed: times may be strings or nil, zones may be strings,
// JSON documents, lists or objects.
type Record struct {
	ClinicianID uuid.UUID
	Columns     map[string]any
}

// StartKey returns the column holding the start of slot n on day d.
func StartKey(d time.Weekday, n int) string {
	return fmt.Sprintf("availability_%s_start_%d", DayName(d), n)
}

// EndKey returns the column holding the end of slot n on day d.
func EndKey(d time.Weekday, n int) string {
	return fmt.Sprintf("availability_%s_end_%d", DayName(d), n)
}

// SlotZoneKey returns the column holding the zone of slot n on day d.
func SlotZoneKey(d time.Weekday, n int) string {
	return fmt.Sprintf("availability_%s_timezone_%d", DayName(d), n)
}

// ColumnKeys lists every column a record can carry, record zone first.
func ColumnKeys() []string {
	keys := make([]string, 0, 1+len(Week)*SlotsPerDay*3)
	keys = append(keys, ZoneKey)
	for _, d := range Week {
		for n := 1; n <= SlotsPerDay; n++ {
			keys = append(keys, StartKey(d, n), EndKey(d, n), SlotZoneKey(d, n))
		}
	}
	return keys
}

// Get returns the raw value of key, or nil.
func (r Record) Get(key string) any {
	if r.Columns == nil {
		return nil
	}
	return r.Columns[key]
}

// ToRecord flattens a pattern into the store shape. Every slot position is
// present; unused positions are nil so that saving clears them.
func ToRecord(p WeeklyPattern) Record {
	cols := make(map[string]any, 1+len(Week)*SlotsPerDay*3)
	cols[ZoneKey] = p.DefaultZone
	for _, d := range Week {
		for n := 1; n <= SlotsPerDay; n++ {
			cols[StartKey(d, n)] = nil
			cols[EndKey(d, n)] = nil
			cols[SlotZoneKey(d, n)] = nil
		}
		for _, s := range p.Days[d].Slots {
			if s.Number < 1 || s.Number > SlotsPerDay {
				continue
			}
			cols[StartKey(d, s.Number)] = s.Start.String()
			cols[EndKey(d, s.Number)] = s.End.String()
			cols[SlotZoneKey(d, s.Number)] = s.Zone
		}
	}
	return Record{ClinicianID: p.ClinicianID, Columns: cols}
}
