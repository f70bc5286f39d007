package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/scheduler/internal/domain/availability"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/platform/db"
)

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

var availabilityCols = strings.Join(availability.ColumnKeys(), ", ")

// FetchAvailabilityRecord returns the record with values as the driver decodes
// them: text columns as strings, JSON zone columns as strings, lists or
// objects, and NULL as nil.
func (r *availabilityRepoPG) FetchAvailabilityRecord(ctx context.Context, clinicianID uuid.UUID) (availability.Record, error) {
	rec := availability.Record{ClinicianID: clinicianID, Columns: make(map[string]any)}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+availabilityCols+` FROM clinician_availability WHERE clinician_id = $1`, clinicianID)
	if err != nil {
		return rec, err
	}
	defer rows.Close()
	if !rows.Next() {
		return rec, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return rec, err
	}
	for i, key := range availability.ColumnKeys() {
		rec.Columns[key] = vals[i]
	}
	return rec, rows.Err()
}

func (r *availabilityRepoPG) SaveAvailabilityRecord(ctx context.Context, rec availability.Record) error {
	keys := availability.ColumnKeys()
	args := make([]any, 0, len(keys)+1)
	args = append(args, rec.ClinicianID)
	placeholders := make([]string, 0, len(keys))
	sets := make([]string, 0, len(keys))
	for i, key := range keys {
		v, err := encodeColumn(key, rec.Get(key))
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		args = append(args, v)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", key, key))
	}
	_, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`
		INSERT INTO clinician_availability (clinician_id, %s)
		VALUES ($1, %s)
		ON CONFLICT (clinician_id) DO UPDATE SET %s, updated_at = NOW()`,
		availabilityCols, strings.Join(placeholders, ", "), strings.Join(sets, ", ")), args...)
	return err
}

// encodeColumn prepares a value for its column: zone columns are jsonb and
// take a JSON document, time columns are text.
func encodeColumn(key string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if key == availability.ZoneKey || strings.Contains(key, "_timezone_") {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return fmt.Sprint(v), nil
}

// =========== Booking Settings Repository ===========

type settingsRepoPG struct{ pool *pgxpool.Pool }

func NewSettingsRepoPG(pool *pgxpool.Pool) SettingsRepository {
	return &settingsRepoPG{pool: pool}
}

func (r *settingsRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *settingsRepoPG) FetchBookingSettings(ctx context.Context, clinicianID uuid.UUID) (booking.Settings, error) {
	s := booking.Settings{ClinicianID: clinicianID}
	var granularity string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT granularity, min_days_ahead, max_days_ahead
		FROM booking_settings WHERE clinician_id = $1`, clinicianID,
	).Scan(&granularity, &s.MinDaysAhead, &s.MaxDaysAhead)
	if errors.Is(err, pgx.ErrNoRows) {
		d := booking.DefaultSettings()
		d.ClinicianID = clinicianID
		return d, nil
	}
	if err != nil {
		return s, err
	}
	s.Granularity = booking.ParseGranularity(granularity)
	return s, nil
}

func (r *settingsRepoPG) SaveBookingSettings(ctx context.Context, s booking.Settings) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO booking_settings (clinician_id, granularity, min_days_ahead, max_days_ahead)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (clinician_id) DO UPDATE SET granularity = EXCLUDED.granularity,
			min_days_ahead = EXCLUDED.min_days_ahead, max_days_ahead = EXCLUDED.max_days_ahead,
			updated_at = NOW()`,
		s.ClinicianID, string(s.Granularity), s.MinDaysAhead, s.MaxDaysAhead)
	return err
}
