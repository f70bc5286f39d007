package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SeriesStore is what the mutator needs from persistence.
type SeriesStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListSeries(ctx context.Context, groupID uuid.UUID) ([]*Appointment, error)
	// Apply writes every change in plan and returns how many rows were
	// written. Stores with transactions apply all or nothing.
	Apply(ctx context.Context, plan Plan) (int, error)
}

type Repository interface {
	SeriesStore
	Create(ctx context.Context, a *Appointment) error
	// CreateSeries inserts every occurrence or none.
	CreateSeries(ctx context.Context, items []*Appointment) error
	// ListRange returns appointments of a clinician starting in [from, to).
	ListRange(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, limit, offset int) ([]*Appointment, int, error)
	// ListBlocking returns non-cancelled appointments of a clinician that
	// overlap [from, to).
	ListBlocking(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]*Appointment, error)
}

// ZoneSource supplies a clinician's current zone.
type ZoneSource interface {
	ClinicianZone(ctx context.Context, clinicianID uuid.UUID) (string, error)
}
