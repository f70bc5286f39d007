package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/platform/interval"
	"github.com/ehr/scheduler/internal/platform/lock"
	"github.com/ehr/scheduler/internal/platform/telemetry"
	"github.com/ehr/scheduler/internal/platform/timezone"
)

var (
	ErrSlotConflict   = errors.New("time slot conflicts with an existing appointment")
	ErrInvalidRequest = errors.New("invalid request")
)

const defaultParallelism = 4

type Options struct {
	// DefaultZone ends every zone fallback chain. Invalid or empty means
	// timezone.DefaultZone.
	DefaultZone string
	// Now overrides the clock used for booking windows.
	Now func() time.Time
	// Parallelism bounds concurrent per-date generation in range queries.
	Parallelism int
	// Metrics receives booking and mutation counters. Nil discards them.
	Metrics telemetry.Recorder
}

// Service ties the engine to its collaborators.
type Service struct {
	records     AvailabilityRepository
	settings    SettingsRepository
	appts       appointment.Repository
	fetcher     AppointmentFetcher
	mutations   MutationCommitter
	locker      lock.Locker
	extractor   *availability.Extractor
	projector   *availability.Projector
	generator   *booking.Generator
	zones       *timezone.Canonicalizer
	defaultZone string
	parallelism int
	metrics     telemetry.Recorder
	logger      zerolog.Logger
}

func NewService(records AvailabilityRepository, settings SettingsRepository, appts appointment.Repository, locker lock.Locker, opts Options, logger zerolog.Logger) *Service {
	if !timezone.IsValid(opts.DefaultZone) {
		opts.DefaultZone = timezone.DefaultZone
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Nop{}
	}
	gen := booking.NewGenerator(logger)
	if opts.Now != nil {
		gen = gen.WithClock(opts.Now)
	}
	s := &Service{
		records:     records,
		settings:    settings,
		appts:       appts,
		fetcher:     blockingFetcher{repo: appts},
		locker:      locker,
		extractor:   availability.NewExtractor(logger, opts.DefaultZone),
		projector:   availability.NewProjector(logger),
		generator:   gen,
		zones:       timezone.NewCanonicalizer(logger),
		defaultZone: opts.DefaultZone,
		parallelism: opts.Parallelism,
		metrics:     opts.Metrics,
		logger:      logger,
	}
	s.mutations = appointment.NewMutator(appts, locker, s, opts.DefaultZone, logger)
	return s
}

// DefaultZone returns the zone that ends every fallback chain.
func (s *Service) DefaultZone() string {
	return s.defaultZone
}

// =========== Availability ===========

// Pattern rebuilds the clinician's weekly pattern from the stored record.
func (s *Service) Pattern(ctx context.Context, clinicianID uuid.UUID) (availability.WeeklyPattern, error) {
	rec, err := s.records.FetchAvailabilityRecord(ctx, clinicianID)
	if err != nil {
		return availability.WeeklyPattern{}, fmt.Errorf("fetch availability: %w", err)
	}
	rec.ClinicianID = clinicianID
	return s.extractor.Extract(rec), nil
}

// ClinicianZone returns the zone stored on the clinician's record, or "" when
// the record has no usable zone.
func (s *Service) ClinicianZone(ctx context.Context, clinicianID uuid.UUID) (string, error) {
	rec, err := s.records.FetchAvailabilityRecord(ctx, clinicianID)
	if err != nil {
		return "", fmt.Errorf("fetch availability: %w", err)
	}
	res := timezone.Resolve(rec.Get(availability.ZoneKey), "")
	if res.Source != timezone.SourceInput {
		return "", nil
	}
	return res.Zone, nil
}

// SaveAvailability replaces the clinician's weekly pattern and returns it as
// it now reads back.
func (s *Service) SaveAvailability(ctx context.Context, p availability.WeeklyPattern) (availability.WeeklyPattern, error) {
	for _, d := range p.Days {
		for _, slot := range d.Slots {
			if !slot.Valid() || slot.Number > availability.SlotsPerDay {
				return availability.WeeklyPattern{}, fmt.Errorf("%w: slot %s", ErrInvalidRequest, slot.ID())
			}
		}
	}
	p.DefaultZone = s.zones.Canonicalize(p.DefaultZone, s.defaultZone)
	if err := s.records.SaveAvailabilityRecord(ctx, availability.ToRecord(p)); err != nil {
		return availability.WeeklyPattern{}, fmt.Errorf("save availability: %w", err)
	}
	s.logger.Info().
		Str("clinician_id", p.ClinicianID.String()).
		Int("slots", p.SlotCount()).
		Msg("availability saved")
	return s.Pattern(ctx, p.ClinicianID)
}

// Blocks projects the clinician's pattern over [from, to] for displayZone. An
// empty displayZone shows blocks in the clinician's zone.
func (s *Service) Blocks(ctx context.Context, clinicianID uuid.UUID, from, to civil.Date, displayZone string) ([]availability.Block, error) {
	p, err := s.Pattern(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	return s.projector.Project(p, from, to, displayZone)
}

// =========== Booking settings ===========

func (s *Service) BookingSettings(ctx context.Context, clinicianID uuid.UUID) (booking.Settings, error) {
	st, err := s.settings.FetchBookingSettings(ctx, clinicianID)
	if err != nil {
		return booking.Settings{}, fmt.Errorf("fetch booking settings: %w", err)
	}
	st.ClinicianID = clinicianID
	return st.Normalize(), nil
}

func (s *Service) SaveBookingSettings(ctx context.Context, st booking.Settings) (booking.Settings, error) {
	if err := st.Validate(); err != nil {
		return booking.Settings{}, err
	}
	if err := s.settings.SaveBookingSettings(ctx, st); err != nil {
		return booking.Settings{}, fmt.Errorf("save booking settings: %w", err)
	}
	return st, nil
}

// =========== Bookable slots ===========

type slotInputs struct {
	pattern  availability.WeeklyPattern
	settings booking.Settings
	appts    []*appointment.Appointment
}

// inputs loads everything slot generation needs for [from, to]. Appointments
// are fetched with a day of margin on each side so that every zone's view of
// those dates is covered.
func (s *Service) inputs(ctx context.Context, clinicianID uuid.UUID, from, to civil.Date) (slotInputs, error) {
	var in slotInputs
	var err error
	if in.pattern, err = s.Pattern(ctx, clinicianID); err != nil {
		return in, err
	}
	if in.settings, err = s.BookingSettings(ctx, clinicianID); err != nil {
		return in, err
	}
	start := from.AddDays(-1).In(time.UTC)
	end := to.AddDays(2).In(time.UTC)
	if in.appts, err = s.fetcher.FetchAppointments(ctx, clinicianID, start, end); err != nil {
		return in, fmt.Errorf("fetch appointments: %w", err)
	}
	return in, nil
}

// BookableSlots returns the free candidates on date for a client in
// clientZone. Dates outside the booking window give an empty list.
func (s *Service) BookableSlots(ctx context.Context, clinicianID uuid.UUID, date civil.Date, clientZone string) ([]booking.BookableSlot, error) {
	if !date.IsValid() {
		return nil, fmt.Errorf("%w: date is required", ErrInvalidRequest)
	}
	defer s.timeGeneration("date", time.Now())
	in, err := s.inputs(ctx, clinicianID, date, date)
	if err != nil {
		return nil, err
	}
	return s.generator.Generate(in.pattern, date, in.appts, in.settings, clientZone), nil
}

func (s *Service) timeGeneration(mode string, start time.Time) {
	s.metrics.Observe("scheduler_slot_generation_seconds", time.Since(start).Seconds(), "mode", mode)
}

// BookableSlotsRange returns the free candidates on every date in [from, to],
// sorted by start. Dates are generated concurrently from one snapshot of the
// clinician's data.
func (s *Service) BookableSlotsRange(ctx context.Context, clinicianID uuid.UUID, from, to civil.Date, clientZone string) ([]booking.BookableSlot, error) {
	if err := availability.ValidateRange(from, to); err != nil {
		return nil, err
	}
	defer s.timeGeneration("range", time.Now())
	in, err := s.inputs(ctx, clinicianID, from, to)
	if err != nil {
		return nil, err
	}

	n := to.DaysSince(from) + 1
	perDate := make([][]booking.BookableSlot, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perDate[i] = s.generator.Generate(in.pattern, from.AddDays(i), in.appts, in.settings, clientZone)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []booking.BookableSlot
	for _, slots := range perDate {
		out = append(out, slots...)
	}
	slices.SortStableFunc(out, func(a, b booking.BookableSlot) int {
		return a.Start.Compare(b.Start)
	})
	return out, nil
}

// =========== Booking ===========

// bookingZone picks the zone a booking request is read in: the request's own
// zone, then the clinician's, then the default.
func (s *Service) bookingZone(ctx context.Context, r BookingRequest) (string, error) {
	if timezone.IsValid(r.Zone) {
		return s.zones.Canonicalize(r.Zone, s.defaultZone), nil
	}
	zone, err := s.ClinicianZone(ctx, r.ClinicianID)
	if err != nil {
		return "", err
	}
	return s.zones.Canonicalize(zone, s.defaultZone), nil
}

// bookingSpan resolves the request's zone and absolute times.
func (s *Service) bookingSpan(ctx context.Context, r BookingRequest) (time.Time, time.Time, string, error) {
	if r.ClinicianID == uuid.Nil || r.ClientID == uuid.Nil {
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: clinician_id and client_id are required", ErrInvalidRequest)
	}
	zone, err := s.bookingZone(ctx, r)
	if err != nil {
		return time.Time{}, time.Time{}, "", err
	}
	var length time.Duration
	if r.EndTime == nil {
		st, err := s.BookingSettings(ctx, r.ClinicianID)
		if err != nil {
			return time.Time{}, time.Time{}, "", err
		}
		length = st.Granularity.Duration()
	}
	start, end, err := r.span(zone, length)
	return start, end, zone, err
}

// Book creates one appointment. The conflict check and the insert run under
// the clinician's lock so that two requests cannot take the same time.
func (s *Service) Book(ctx context.Context, r BookingRequest) (*appointment.Appointment, error) {
	start, end, zone, err := s.bookingSpan(ctx, r)
	if err != nil {
		return nil, err
	}
	a := r.appointment(start, end, zone)

	err = s.withLock(ctx, lock.ClinicianKey(r.ClinicianID), func(ctx context.Context) error {
		if err := s.ensureFree(ctx, r.ClinicianID, []interval.Interval{a.Interval()}); err != nil {
			return err
		}
		return s.appts.Create(ctx, a)
	})
	s.countBooking("single", err)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("clinician_id", a.ClinicianID.String()).
		Time("start_at", a.StartAt).
		Str("zone", a.Zone).
		Msg("appointment booked")
	return a, nil
}

// BookSeries creates a recurring series. Every occurrence is checked for
// conflicts and the series is inserted as a whole or not at all.
func (s *Service) BookSeries(ctx context.Context, r SeriesRequest) ([]*appointment.Appointment, error) {
	if !r.Rule.Valid() {
		return nil, fmt.Errorf("%w: recurrence_rule %q", ErrInvalidRequest, r.Rule)
	}
	if r.Count < 1 || r.Count > appointment.MaxOccurrences {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, appointment.MaxOccurrences)
	}
	start, end, zone, err := s.bookingSpan(ctx, r.BookingRequest)
	if err != nil {
		return nil, err
	}
	occurrences, err := appointment.Expand(r.Rule, start, end.Sub(start), zone, r.Count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	groupID := uuid.New()
	rule := r.Rule
	items := make([]*appointment.Appointment, 0, len(occurrences))
	for _, iv := range occurrences {
		a := r.appointment(iv.Start, iv.End, zone)
		a.RecurringGroupID = &groupID
		a.RecurrenceRule = &rule
		items = append(items, a)
	}

	err = s.withLock(ctx, lock.ClinicianKey(r.ClinicianID), func(ctx context.Context) error {
		if err := s.ensureFree(ctx, r.ClinicianID, occurrences); err != nil {
			return err
		}
		return s.appts.CreateSeries(ctx, items)
	})
	s.countBooking("series", err)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("recurring_group_id", groupID.String()).
		Str("clinician_id", r.ClinicianID.String()).
		Str("rule", string(rule)).
		Int("occurrences", len(items)).
		Msg("appointment series booked")
	return items, nil
}

func (s *Service) countBooking(kind string, err error) {
	switch {
	case err == nil:
		s.metrics.Inc("scheduler_bookings_total", "kind", kind)
	case errors.Is(err, ErrSlotConflict):
		s.metrics.Inc("scheduler_booking_conflicts_total", "kind", kind)
	}
}

// ensureFree fails with ErrSlotConflict when any candidate overlaps a blocking
// appointment of the clinician.
func (s *Service) ensureFree(ctx context.Context, clinicianID uuid.UUID, candidates []interval.Interval) error {
	if len(candidates) == 0 {
		return nil
	}
	from, to := candidates[0].Start, candidates[0].End
	for _, c := range candidates[1:] {
		if c.Start.Before(from) {
			from = c.Start
		}
		if c.End.After(to) {
			to = c.End
		}
	}
	existing, err := s.fetcher.FetchAppointments(ctx, clinicianID, from, to)
	if err != nil {
		return fmt.Errorf("fetch appointments: %w", err)
	}
	busy := make([]interval.Interval, 0, len(existing))
	for _, a := range existing {
		if a == nil || !a.Blocking() || !a.Valid() {
			continue
		}
		busy = append(busy, a.Interval())
	}
	for _, c := range candidates {
		if interval.OverlapsAny(c, busy) {
			return fmt.Errorf("%w: %s", ErrSlotConflict, c.Start.Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}()
	return fn(ctx)
}

// =========== Appointments ===========

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, viewerZone string) (appointment.View, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return appointment.View{}, err
	}
	return a.ViewFor(s.zones.Canonicalize(viewerZone, s.defaultZone)), nil
}

// ListAppointments pages through the clinician's appointments in [from, to),
// each rendered for a viewer in viewerZone.
func (s *Service) ListAppointments(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, viewerZone string, limit, offset int) ([]appointment.View, int, error) {
	if !from.Before(to) {
		return nil, 0, fmt.Errorf("%w: start must be before end", ErrInvalidRequest)
	}
	items, total, err := s.appts.ListRange(ctx, clinicianID, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	zone := s.zones.Canonicalize(viewerZone, s.defaultZone)
	views := make([]appointment.View, len(items))
	for i, a := range items {
		views[i] = a.ViewFor(zone)
	}
	return views, total, nil
}

// UpdateAppointment edits the target and, depending on scope, its series.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, scope appointment.Scope, changes appointment.Changes) (appointment.Result, error) {
	return s.commit(ctx, appointment.OperationUpdate, scope, id, changes)
}

// DeleteAppointment removes the target and, depending on scope, its series.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID, scope appointment.Scope) (appointment.Result, error) {
	return s.commit(ctx, appointment.OperationDelete, scope, id, appointment.Changes{})
}

func (s *Service) commit(ctx context.Context, op appointment.Operation, scope appointment.Scope, id uuid.UUID, changes appointment.Changes) (appointment.Result, error) {
	res, err := s.mutations.Commit(ctx, op, scope, id, changes)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Inc("scheduler_series_mutations_total", "operation", string(op), "scope", string(scope), "outcome", outcome)
	return res, err
}
