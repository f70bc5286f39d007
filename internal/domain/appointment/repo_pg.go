package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/scheduler/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, clinician_id, client_id, start_at, end_at, appointment_zone, status, notes,
	recurring_group_id, recurrence_rule, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var zone, notes, rule *string
	err := row.Scan(&a.ID, &a.ClinicianID, &a.ClientID, &a.StartAt, &a.EndAt, &zone, &a.Status, &notes,
		&a.RecurringGroupID, &rule, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if zone != nil {
		a.Zone = *zone
	}
	if notes != nil {
		a.Notes = *notes
	}
	if rule != nil {
		rr := Rule(*rule)
		a.RecurrenceRule = &rr
	}
	return &a, nil
}

func (r *repoPG) scanAll(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ruleText(r *Rule) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, clinician_id, client_id, start_at, end_at, appointment_zone,
			status, notes, recurring_group_id, recurrence_rule)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.ClinicianID, a.ClientID, a.StartAt, a.EndAt, nullable(a.Zone),
		a.Status, nullable(a.Notes), a.RecurringGroupID, ruleText(a.RecurrenceRule),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) CreateSeries(ctx context.Context, items []*Appointment) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for _, a := range items {
			if err := r.Create(ctx, a); err != nil {
				return fmt.Errorf("insert occurrence %s: %w", a.StartAt.Format(time.RFC3339), err)
			}
		}
		return nil
	})
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *repoPG) ListSeries(ctx context.Context, groupID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE recurring_group_id = $1 ORDER BY start_at, id`, groupID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *repoPG) ListRange(ctx context.Context, clinicianID uuid.UUID, from, to time.Time, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment
		WHERE clinician_id = $1 AND start_at >= $2 AND start_at < $3`, clinicianID, from, to).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE clinician_id = $1 AND start_at >= $2 AND start_at < $3
		ORDER BY start_at, id LIMIT $4 OFFSET $5`, clinicianID, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanAll(rows)
	return items, total, err
}

func (r *repoPG) ListBlocking(ctx context.Context, clinicianID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE clinician_id = $1 AND status <> $2 AND start_at < $4 AND end_at > $3
		ORDER BY start_at, id`, clinicianID, StatusCancelled, from, to)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

// Apply runs the whole plan in one transaction. Any failure rolls every row
// back, so the written count is either the plan size or zero.
func (r *repoPG) Apply(ctx context.Context, p Plan) (int, error) {
	n := 0
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for _, u := range p.Updates {
			err := r.conn(ctx).QueryRow(ctx, `
				UPDATE appointment SET start_at=$2, end_at=$3, appointment_zone=$4, status=$5, notes=$6,
					recurring_group_id=$7, recurrence_rule=$8, updated_at=NOW()
				WHERE id = $1
				RETURNING updated_at`,
				u.ID, u.StartAt, u.EndAt, nullable(u.Zone), u.Status, nullable(u.Notes),
				u.RecurringGroupID, ruleText(u.RecurrenceRule),
			).Scan(&u.UpdatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("update %s: %w", u.ID, ErrAppointmentNotFound)
			}
			if err != nil {
				return fmt.Errorf("update %s: %w", u.ID, err)
			}
			n++
		}
		for _, id := range p.Deletes {
			tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("delete %s: %w", id, ErrAppointmentNotFound)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
