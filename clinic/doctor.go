package clinic

import (
	"context"
	"strings"
)

// DoctorService manages the doctor catalogue and answers slot availability.
type DoctorService struct {
	c *Clinic
}

// SlotAvailability is one resolved slot with its live occupancy.
type SlotAvailability struct {
	Time      ClockTime
	Capacity  int
	Booked    int
	Remaining int
}

// Save creates or replaces a doctor. Availability entries are not rejected
// here; malformed ones resolve to no slots.
func (s *DoctorService) Save(ctx context.Context, d Doctor) (*Doctor, error) {
	if strings.TrimSpace(string(d.ID)) == "" {
		return nil, invalid("id", "is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return nil, invalid("name", "is required")
	}
	if d.Fee.IsNegative() {
		return nil, invalid("fee", "must not be negative")
	}
	if d.Availability == nil {
		d.Availability = WeeklyAvailability{}
	}
	for _, p := range d.Availability.Problems() {
		s.c.log.Warn().Str("doctor_id", string(d.ID)).Str("problem", p).Msg("availability entry will be treated as off")
	}

	now := s.c.Now()
	err := s.c.write(ctx, "save_doctor", func(tx *txn) error {
		existing, err := tx.GetDoctor(ctx, d.ID)
		switch {
		case err == nil:
			d.CreatedAt = existing.CreatedAt
		case IsNotFound(err):
			d.CreatedAt = now
		default:
			return err
		}
		d.UpdatedAt = now
		return tx.SaveDoctor(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateAvailability replaces a doctor's weekly document.
func (s *DoctorService) UpdateAvailability(ctx context.Context, id DoctorID, doc WeeklyAvailability) (*Doctor, error) {
	var out *Doctor
	err := s.c.write(ctx, "update_availability", func(tx *txn) error {
		d, err := tx.GetDoctor(ctx, id)
		if err != nil {
			return notFound(err, "doctor", string(id))
		}
		d.Availability = doc
		d.UpdatedAt = s.c.Now()
		out = d
		return tx.SaveDoctor(ctx, *d)
	})
	return out, err
}

func (s *DoctorService) Get(ctx context.Context, id DoctorID) (*Doctor, error) {
	var out *Doctor
	err := s.c.read(ctx, func(st Store) error {
		d, err := st.GetDoctor(ctx, id)
		if err != nil {
			return notFound(err, "doctor", string(id))
		}
		out = d
		return nil
	})
	return out, err
}

func (s *DoctorService) List(ctx context.Context) ([]Doctor, error) {
	var out []Doctor
	err := s.c.read(ctx, func(st Store) error {
		var err error
		out, err = st.ListDoctors(ctx)
		return err
	})
	return out, err
}

// Slots resolves date for a doctor and reports remaining capacity per slot.
// Overdue holds on that day are expired first so the counts are current.
func (s *DoctorService) Slots(ctx context.Context, id DoctorID, date Day) ([]SlotAvailability, error) {
	if _, err := s.c.Appointments.expireMatching(ctx, AppointmentFilter{DoctorID: id, Date: &date}); err != nil {
		return nil, err
	}

	var out []SlotAvailability
	err := s.c.read(ctx, func(st Store) error {
		d, err := st.GetDoctor(ctx, id)
		if err != nil {
			return notFound(err, "doctor", string(id))
		}
		capacity := s.c.Resolver.Capacity(d.Availability, date)
		for _, at := range s.c.Resolver.Slots(d.Availability, date) {
			n, err := s.c.Ledger.Count(ctx, st, NewSlotKey(id, date, at))
			if err != nil {
				return err
			}
			remaining := capacity - n
			if remaining < 0 {
				remaining = 0
			}
			out = append(out, SlotAvailability{Time: at, Capacity: capacity, Booked: n, Remaining: remaining})
		}
		return nil
	})
	return out, err
}
