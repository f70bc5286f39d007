package availability

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/platform/timezone"
)

// Extractor reads weekly patterns out of practice records.
type Extractor struct {
	zones       *timezone.Canonicalizer
	logger      zerolog.Logger
	defaultZone string
}

// NewExtractor creates an extractor. defaultZone is used when a record has no
// usable zone of its own.
func NewExtractor(logger zerolog.Logger, defaultZone string) *Extractor {
	return &Extractor{
		zones:       timezone.NewCanonicalizer(logger),
		logger:      logger,
		defaultZone: timezone.Canonicalize(defaultZone, timezone.DefaultZone),
	}
}

// Extract builds the weekly pattern of rec. Slot positions with a missing or
// unparseable start or end, or with start not before end, are left out. It
// never fails: an empty record yields a pattern with every day unavailable.
func (e *Extractor) Extract(rec Record) WeeklyPattern {
	recordZone := e.zones.Canonicalize(rec.Get(ZoneKey), e.defaultZone)
	p := WeeklyPattern{ClinicianID: rec.ClinicianID, DefaultZone: recordZone}

	for _, d := range Week {
		for n := 1; n <= SlotsPerDay; n++ {
			startRaw, okStart := textValue(rec.Get(StartKey(d, n)))
			endRaw, okEnd := textValue(rec.Get(EndKey(d, n)))
			if !okStart && !okEnd {
				continue
			}
			log := e.logger.With().
				Str("clinician_id", rec.ClinicianID.String()).
				Str("day", DayName(d)).
				Int("slot", n).
				Logger()
			if !okStart || !okEnd {
				log.Debug().Msg("slot has only one bound, skipping")
				continue
			}
			start, err := ParseTimeOfDay(startRaw)
			if err != nil {
				log.Debug().Err(err).Msg("slot start unparseable, skipping")
				continue
			}
			end, err := ParseTimeOfDay(endRaw)
			if err != nil {
				log.Debug().Err(err).Msg("slot end unparseable, skipping")
				continue
			}
			if !start.Before(end) {
				log.Debug().Str("start", start.String()).Str("end", end.String()).
					Msg("slot start not before end, skipping")
				continue
			}
			p.AddSlot(Slot{
				Day:    d,
				Number: n,
				Start:  start,
				End:    end,
				Zone:   e.zones.Canonicalize(rec.Get(SlotZoneKey(d, n)), recordZone),
			})
		}
	}
	return p
}

// textValue extracts a non-blank string from a loosely typed time column.
func textValue(raw any) (string, bool) {
	var s string
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		s = v
	case *string:
		if v == nil {
			return "", false
		}
		s = *v
	case []byte:
		s = string(v)
	case time.Time:
		s = v.Format("15:04")
	case fmt.Stringer:
		s = v.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
