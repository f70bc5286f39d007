package availability

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/platform/timezone"
)

// MaxProjectionDays bounds a single projection range.
const MaxProjectionDays = 366

var ErrInvalidRange = errors.New("invalid date range")

// blockNamespace seeds deterministic block ids.
var blockNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:scheduler:availability-block"))

// Projector lays a weekly pattern onto concrete calendar dates.
type Projector struct {
	zones  *timezone.Canonicalizer
	logger zerolog.Logger
}

func NewProjector(logger zerolog.Logger) *Projector {
	return &Projector{zones: timezone.NewCanonicalizer(logger), logger: logger}
}

// ValidateRange checks that from..to is ordered and within MaxProjectionDays.
func ValidateRange(from, to CalendarDate) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: malformed date", ErrInvalidRange)
	}
	if to.Before(from) {
		return fmt.Errorf("%w: %s is before %s", ErrInvalidRange, to, from)
	}
	if to.DaysSince(from) >= MaxProjectionDays {
		return fmt.Errorf("%w: more than %d days", ErrInvalidRange, MaxProjectionDays)
	}
	return nil
}

// Project returns one block per (date, slot) for every date in from..to
// inclusive whose weekday carries slots. Each slot's wall-clock times are read
// in the slot's own zone on that date, so a slot keeps its wall-clock start
// across DST transitions. Instants are then expressed in displayZone.
//
// Slots that cannot be projected are skipped and logged rather than failing
// the whole range. A reversed range yields no blocks.
func (p *Projector) Project(pattern WeeklyPattern, from, to CalendarDate, displayZone string) ([]Block, error) {
	if from.IsValid() && to.IsValid() && to.Before(from) {
		return nil, nil
	}
	if err := ValidateRange(from, to); err != nil {
		return nil, err
	}
	display := p.zones.Canonicalize(displayZone, pattern.DefaultZone)
	displayLoc := timezone.Location(display)

	var blocks []Block
	for d := from; !d.After(to); d = d.AddDays(1) {
		day := pattern.Day(Weekday(d))
		if !day.Available {
			continue
		}
		for _, s := range day.Slots {
			b, err := p.project(pattern, s, d)
			if err != nil {
				p.logger.Warn().Err(err).
					Str("clinician_id", pattern.ClinicianID.String()).
					Str("slot_id", s.ID()).
					Str("date", d.String()).
					Msg("skipping slot that cannot be projected")
				continue
			}
			b.Start = b.Start.In(displayLoc)
			b.End = b.End.In(displayLoc)
			b.DisplayZone = display
			blocks = append(blocks, b)
		}
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		if !blocks[i].Start.Equal(blocks[j].Start) {
			return blocks[i].Start.Before(blocks[j].Start)
		}
		return blocks[i].SlotNumber < blocks[j].SlotNumber
	})
	return blocks, nil
}

func (p *Projector) project(pattern WeeklyPattern, s Slot, d CalendarDate) (Block, error) {
	if !s.Valid() {
		return Block{}, fmt.Errorf("slot %s has invalid bounds %s-%s", s.ID(), s.Start, s.End)
	}
	if !timezone.IsValid(s.Zone) {
		return Block{}, fmt.Errorf("slot %s has invalid zone %q", s.ID(), s.Zone)
	}
	loc := timezone.Location(s.Zone)
	start := s.Start.On(d, loc)
	end := s.End.On(d, loc)
	if !start.Before(end) {
		return Block{}, fmt.Errorf("slot %s collapses to an empty range on %s", s.ID(), d)
	}
	return Block{
		ID:           BlockID(pattern.ClinicianID, s, d),
		SourceSlotID: s.ID(),
		SlotNumber:   s.Number,
		Date:         d,
		Start:        start,
		End:          end,
		SlotZone:     s.Zone,
	}, nil
}

// BlockID is stable for a given clinician, slot and date.
func BlockID(clinicianID uuid.UUID, s Slot, d CalendarDate) string {
	name := fmt.Sprintf("%s/%s/%s", clinicianID, s.ID(), d)
	return uuid.NewSHA1(blockNamespace, []byte(name)).String()
}
