package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/domain/booking"
)

// AvailabilityRecordFetcher loads a clinician's raw availability record. A
// clinician without a record gets an empty one, not an error.
type AvailabilityRecordFetcher interface {
	FetchAvailabilityRecord(ctx context.Context, clinicianID uuid.UUID) (availability.Record, error)
}

// AppointmentFetcher loads the appointments that occupy a clinician's time in
// [from, to).
type AppointmentFetcher interface {
	FetchAppointments(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]*appointment.Appointment, error)
}

// BookingSettingsFetcher loads booking settings. A clinician without stored
// settings gets booking.DefaultSettings.
type BookingSettingsFetcher interface {
	FetchBookingSettings(ctx context.Context, clinicianID uuid.UUID) (booking.Settings, error)
}

// MutationCommitter applies a scoped edit or delete to an appointment series.
type MutationCommitter interface {
	Commit(ctx context.Context, op appointment.Operation, scope appointment.Scope, targetID uuid.UUID, changes appointment.Changes) (appointment.Result, error)
}

type AvailabilityRepository interface {
	AvailabilityRecordFetcher
	SaveAvailabilityRecord(ctx context.Context, rec availability.Record) error
}

type SettingsRepository interface {
	BookingSettingsFetcher
	SaveBookingSettings(ctx context.Context, s booking.Settings) error
}

// blockingFetcher serves AppointmentFetcher from an appointment repository.
type blockingFetcher struct {
	repo appointment.Repository
}

func (f blockingFetcher) FetchAppointments(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]*appointment.Appointment, error) {
	return f.repo.ListBlocking(ctx, clinicianID, from, to)
}
