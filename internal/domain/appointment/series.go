package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/platform/lock"
	"github.com/ehr/scheduler/internal/platform/timezone"
)

var (
	ErrInvalidScope     = errors.New("invalid mutation scope")
	ErrInvalidChange    = errors.New("invalid appointment change")
	ErrConcurrentChange = errors.New("appointment changed concurrently")
)

// Scope selects which occurrences of a series a mutation touches.
type Scope string

const (
	// ScopeSingle touches only the target and detaches it from its series.
	ScopeSingle Scope = "single"
	// ScopeFuture touches the target and every later occurrence.
	ScopeFuture Scope = "future"
	// ScopeAll touches every occurrence, past ones included.
	ScopeAll Scope = "all"
)

// ParseScope reads a scope name. An empty name means ScopeSingle.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case "":
		return ScopeSingle, nil
	case ScopeSingle, ScopeFuture, ScopeAll:
		return sc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

type Operation string

const (
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Changes is a partial edit. Nil fields are left as they are. StartDate,
// StartTime and EndTime are wall-clock values read in the edit's zone.
type Changes struct {
	StartDate *civil.Date             `json:"start_date,omitempty"`
	StartTime *availability.TimeOfDay `json:"start_time,omitempty"`
	EndTime   *availability.TimeOfDay `json:"end_time,omitempty"`
	Zone      *string                 `json:"zone,omitempty"`
	Status    *Status                 `json:"status,omitempty"`
	Notes     *string                 `json:"notes,omitempty"`
}

// Temporal reports whether c may move the appointment in time. A new zone
// keeps the wall-clock time and so moves the instant.
func (c Changes) Temporal() bool {
	return c.StartDate != nil || c.StartTime != nil || c.EndTime != nil || c.Zone != nil
}

func (c Changes) Empty() bool {
	return !c.Temporal() && c.Status == nil && c.Notes == nil
}

// Plan is the full set of writes for one mutation, computed before any write.
type Plan struct {
	Operation Operation
	Scope     Scope
	GroupID   *uuid.UUID
	Updates   []*Appointment
	Deletes   []uuid.UUID
}

func (p Plan) Size() int {
	return len(p.Updates) + len(p.Deletes)
}

type Result struct {
	Operation    Operation
	Scope        Scope
	Affected     int
	Delta        time.Duration
	Appointments []*Appointment
}

// MutationError reports a mutation that did not apply to every occurrence it
// targeted.
type MutationError struct {
	Operation Operation
	Scope     Scope
	Attempted int
	Succeeded int
	Err       error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s with scope %s applied to %d of %d occurrences: %v",
		e.Operation, e.Scope, e.Succeeded, e.Attempted, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Mutator edits and deletes appointments with series scope. Each mutation
// holds the series lock from the first read to the last write.
type Mutator struct {
	store       SeriesStore
	locker      lock.Locker
	zones       ZoneSource
	canon       *timezone.Canonicalizer
	defaultZone string
	logger      zerolog.Logger
}

// NewMutator creates a mutator. zones may be nil, in which case appointments
// without a zone are interpreted in defaultZone.
func NewMutator(store SeriesStore, locker lock.Locker, zones ZoneSource, defaultZone string, logger zerolog.Logger) *Mutator {
	return &Mutator{
		store:       store,
		locker:      locker,
		zones:       zones,
		canon:       timezone.NewCanonicalizer(logger),
		defaultZone: timezone.Canonicalize(defaultZone, timezone.DefaultZone),
		logger:      logger,
	}
}

// Update applies changes to the target and, depending on scope, its series.
// When the start moves, the target's shift is applied unchanged to every other
// affected occurrence.
func (m *Mutator) Update(ctx context.Context, scope Scope, targetID uuid.UUID, changes Changes) (Result, error) {
	if changes.Empty() {
		return Result{}, fmt.Errorf("%w: no fields to change", ErrInvalidChange)
	}
	if changes.Status != nil && !changes.Status.Valid() {
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidChange, *changes.Status)
	}
	if changes.StartTime != nil && (!changes.StartTime.Valid() || changes.StartTime.EndOfDay()) {
		return Result{}, fmt.Errorf("%w: start_time %s", ErrInvalidChange, changes.StartTime)
	}
	return m.run(ctx, OperationUpdate, scope, targetID, func(target *Appointment, scope Scope, affected []*Appointment) (Plan, time.Duration, error) {
		return m.planUpdate(ctx, target, scope, affected, changes)
	})
}

// Delete removes the target and, depending on scope, its series.
func (m *Mutator) Delete(ctx context.Context, scope Scope, targetID uuid.UUID) (Result, error) {
	return m.run(ctx, OperationDelete, scope, targetID, func(_ *Appointment, scope Scope, affected []*Appointment) (Plan, time.Duration, error) {
		p := Plan{Operation: OperationDelete, Scope: scope}
		for _, a := range affected {
			p.Deletes = append(p.Deletes, a.ID)
		}
		return p, 0, nil
	})
}

// Commit dispatches to Update or Delete.
func (m *Mutator) Commit(ctx context.Context, op Operation, scope Scope, targetID uuid.UUID, changes Changes) (Result, error) {
	switch op {
	case OperationUpdate:
		return m.Update(ctx, scope, targetID, changes)
	case OperationDelete:
		return m.Delete(ctx, scope, targetID)
	}
	return Result{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, op)
}

type planFunc func(target *Appointment, scope Scope, affected []*Appointment) (Plan, time.Duration, error)

func (m *Mutator) run(ctx context.Context, op Operation, scope Scope, targetID uuid.UUID, plan planFunc) (Result, error) {
	scope, err := ParseScope(string(scope))
	if err != nil {
		return Result{}, err
	}

	target, err := m.store.GetByID(ctx, targetID)
	if err != nil {
		return Result{}, fmt.Errorf("load appointment %s: %w", targetID, err)
	}
	key := lockKey(target)
	unlock, err := m.locker.Lock(ctx, key)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			m.logger.Error().Err(err).Str("lock", key).Msg("failed to release series lock")
		}
	}()

	// Re-read under the lock; the series may have changed while we waited.
	target, err = m.store.GetByID(ctx, targetID)
	if err != nil {
		return Result{}, fmt.Errorf("load appointment %s: %w", targetID, err)
	}
	if lockKey(target) != key {
		return Result{}, fmt.Errorf("%w: %s left or joined a series", ErrConcurrentChange, targetID)
	}

	affected, scope, err := m.affected(ctx, target, scope)
	if err != nil {
		return Result{}, err
	}
	p, delta, err := plan(target, scope, affected)
	if err != nil {
		return Result{}, err
	}
	p.GroupID = target.RecurringGroupID

	n, err := m.store.Apply(ctx, p)
	if err != nil {
		m.logger.Error().Err(err).
			Str("appointment_id", targetID.String()).
			Str("operation", string(op)).
			Str("scope", string(scope)).
			Int("attempted", p.Size()).
			Int("succeeded", n).
			Msg("series mutation incomplete")
		return Result{}, &MutationError{Operation: op, Scope: scope, Attempted: p.Size(), Succeeded: n, Err: err}
	}

	m.logger.Info().
		Str("appointment_id", targetID.String()).
		Str("operation", string(op)).
		Str("scope", string(scope)).
		Int("affected", n).
		Dur("delta", delta).
		Msg("appointment mutation applied")

	return Result{Operation: op, Scope: scope, Affected: n, Delta: delta, Appointments: p.Updates}, nil
}

// affected returns the occurrences scope selects, sorted by start. A
// standalone target is always treated as ScopeSingle.
func (m *Mutator) affected(ctx context.Context, target *Appointment, scope Scope) ([]*Appointment, Scope, error) {
	if !target.Recurring() || scope == ScopeSingle {
		return []*Appointment{target}, ScopeSingle, nil
	}

	members, err := m.store.ListSeries(ctx, *target.RecurringGroupID)
	if err != nil {
		return nil, scope, fmt.Errorf("load series %s: %w", target.RecurringGroupID, err)
	}

	out := []*Appointment{target}
	for _, a := range members {
		if a.ID == target.ID {
			continue
		}
		if scope == ScopeFuture && a.StartAt.Before(target.StartAt) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, scope, nil
}

func (m *Mutator) planUpdate(ctx context.Context, target *Appointment, scope Scope, affected []*Appointment, c Changes) (Plan, time.Duration, error) {
	own, zone, err := m.editZones(ctx, target, c)
	if err != nil {
		return Plan{}, 0, err
	}

	var newStart, newEnd time.Time
	var delta time.Duration
	if c.Temporal() {
		// Unchanged date and time of day are read where the appointment was
		// booked, then anchored in the edit's zone.
		local := target.StartAt.In(timezone.Location(own))
		day := civil.DateOf(local)
		if c.StartDate != nil {
			day = *c.StartDate
		}
		tod := availability.TimeOfDayOf(local)
		if c.StartTime != nil {
			tod = *c.StartTime
		}
		loc := timezone.Location(zone)
		newStart = tod.On(day, loc).UTC()
		delta = newStart.Sub(target.StartAt)
		newEnd = target.EndAt.Add(delta)
		if c.EndTime != nil {
			newEnd = c.EndTime.On(day, loc).UTC()
		}
		if !newStart.Before(newEnd) {
			return Plan{}, 0, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidChange, newEnd, newStart)
		}
	}

	p := Plan{Operation: OperationUpdate, Scope: scope, Updates: make([]*Appointment, 0, len(affected))}
	for _, a := range affected {
		u := a.clone()
		if c.Temporal() {
			if u.ID == target.ID {
				u.StartAt, u.EndAt = newStart, newEnd
			} else {
				u.StartAt, u.EndAt = u.StartAt.Add(delta), u.EndAt.Add(delta)
			}
			u.Zone = zone
		}
		if c.Status != nil {
			u.Status = *c.Status
		}
		if c.Notes != nil {
			u.Notes = *c.Notes
		}
		if scope == ScopeSingle {
			u.Detach()
		}
		if !u.Valid() {
			return Plan{}, 0, fmt.Errorf("%w: occurrence %s would have start %s and end %s",
				ErrInvalidChange, u.ID, u.StartAt, u.EndAt)
		}
		p.Updates = append(p.Updates, u)
	}
	return p, delta, nil
}

// editZones returns the zone the target was booked in (its own, else the
// clinician's) and the zone the edit's wall-clock values are read in (the
// zone supplied with the edit, else the booked one).
func (m *Mutator) editZones(ctx context.Context, target *Appointment, c Changes) (string, string, error) {
	own := target.Zone
	if !timezone.IsValid(own) {
		z, err := m.clinicianZone(ctx, target.ClinicianID)
		if err != nil {
			return "", "", err
		}
		own = z
	}
	if c.Zone != nil {
		return own, m.canon.Canonicalize(*c.Zone, own), nil
	}
	return own, own, nil
}

func (m *Mutator) clinicianZone(ctx context.Context, clinicianID uuid.UUID) (string, error) {
	if m.zones == nil {
		return m.defaultZone, nil
	}
	z, err := m.zones.ClinicianZone(ctx, clinicianID)
	if err != nil {
		return "", fmt.Errorf("load zone of clinician %s: %w", clinicianID, err)
	}
	return m.canon.Canonicalize(z, m.defaultZone), nil
}

func lockKey(a *Appointment) string {
	if a.RecurringGroupID != nil {
		return lock.SeriesKey(*a.RecurringGroupID)
	}
	return lock.AppointmentKey(a.ID)
}
