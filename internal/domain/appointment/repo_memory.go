package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo keeps appointments in process. Apply checks the whole plan
// before writing, so a plan is written completely or not at all.
type MemoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[uuid.UUID]*Appointment), now: time.Now}
}

func (r *MemoryRepo) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(a)
	return nil
}

func (r *MemoryRepo) CreateSeries(_ context.Context, items []*Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range items {
		r.insert(a)
	}
	return nil
}

func (r *MemoryRepo) insert(a *Appointment) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.items[a.ID] = a.clone()
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (r *MemoryRepo) ListSeries(_ context.Context, groupID uuid.UUID) ([]*Appointment, error) {
	return r.filter(func(a *Appointment) bool {
		return a.RecurringGroupID != nil && *a.RecurringGroupID == groupID
	}), nil
}

func (r *MemoryRepo) ListRange(_ context.Context, clinicianID uuid.UUID, from, to time.Time, limit, offset int) ([]*Appointment, int, error) {
	all := r.filter(func(a *Appointment) bool {
		return a.ClinicianID == clinicianID && !a.StartAt.Before(from) && a.StartAt.Before(to)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *MemoryRepo) ListBlocking(_ context.Context, clinicianID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	return r.filter(func(a *Appointment) bool {
		return a.ClinicianID == clinicianID && a.Blocking() &&
			a.StartAt.Before(to) && a.EndAt.After(from)
	}), nil
}

// Apply writes every row of p or none of them. Rows missing from the store
// are reported together and nothing is written.
func (r *MemoryRepo) Apply(_ context.Context, p Plan) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, u := range p.Updates {
		if _, ok := r.items[u.ID]; !ok {
			errs = append(errs, fmt.Errorf("update %s: %w", u.ID, ErrAppointmentNotFound))
		}
	}
	for _, id := range p.Deletes {
		if _, ok := r.items[id]; !ok {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, ErrAppointmentNotFound))
		}
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}

	now := r.now().UTC()
	for _, u := range p.Updates {
		c := u.clone()
		c.UpdatedAt = now
		r.items[u.ID] = c
		u.UpdatedAt = now
	}
	for _, id := range p.Deletes {
		delete(r.items, id)
	}
	return p.Size(), nil
}

// Len returns the number of stored appointments.
func (r *MemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *MemoryRepo) filter(keep func(*Appointment) bool) []*Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.items {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
