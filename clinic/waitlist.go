/*
waitlist.go - FIFO waitlist with automatic promotion

PURPOSE:
  Patients who find a slot full are enrolled as Waiting entries keyed by
  (doctor, preferred date, appointment type). When a matching slot frees,
  the earliest-created Waiting entry of that group is booked on the
  patient's behalf and marked Promoted.

ORDERING:
  FIFO by createdAt; stores break ties by insertion order. Only the head of
  a group is ever tried. If its booking fails because the slot was taken
  again, the head stays Waiting and keeps its place.

TRIGGERS:
  Promotion runs inside the transaction that freed capacity: cancellation,
  no-show, reschedule-away and payment expiry. Staff can also trigger it
  explicitly for a group.

SEE ALSO:
  - appointment.go: release() calls promote()
*/
package clinic

import (
	"context"
	"errors"
	"strings"
	"time"
)

type EnqueueRequest struct {
	DoctorID      DoctorID
	PatientEmail  string
	PreferredDate Day
	Type          AppointmentType
	Payment       PaymentInfo
}

func (r *EnqueueRequest) normalize() error {
	r.PatientEmail = strings.ToLower(strings.TrimSpace(r.PatientEmail))
	if r.DoctorID == "" {
		return invalid("doctor_id", "is required")
	}
	if err := validateEmail(r.PatientEmail); err != nil {
		return err
	}
	if r.PreferredDate.IsZero() {
		return invalid("preferred_date", "is required")
	}
	if !r.Type.Valid() {
		return invalid("type", "unknown appointment type %q", r.Type)
	}
	return normalizePayment(&r.Payment)
}

// Promotion is the result of booking a waitlist entry.
type Promotion struct {
	Entry       WaitlistEntry
	Appointment Appointment
}

type WaitlistManager struct {
	c *Clinic
}

// Enqueue adds a Waiting entry. An identical Waiting entry is returned as is.
func (w *WaitlistManager) Enqueue(ctx context.Context, req EnqueueRequest) (*WaitlistEntry, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	var out *WaitlistEntry
	err := w.c.write(ctx, "enqueue", func(tx *txn) error {
		e, err := w.enqueue(ctx, tx, req)
		out = e
		return err
	})
	return out, err
}

func (w *WaitlistManager) enqueue(ctx context.Context, tx *txn, req EnqueueRequest) (*WaitlistEntry, error) {
	if _, err := tx.GetDoctor(ctx, req.DoctorID); err != nil {
		return nil, notFound(err, "doctor", string(req.DoctorID))
	}
	now := w.c.Now()
	if req.PreferredDate.Before(DayOf(now)) {
		return nil, invalid("preferred_date", "%s is in the past", req.PreferredDate)
	}

	date := req.PreferredDate
	existing, err := tx.ListWaitlist(ctx, WaitlistFilter{
		DoctorID:     req.DoctorID,
		Date:         &date,
		Type:         req.Type,
		Status:       WaitlistWaiting,
		PatientEmail: req.PatientEmail,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	entry := WaitlistEntry{
		ID:            WaitlistEntryID(w.c.newID()),
		DoctorID:      req.DoctorID,
		PatientEmail:  req.PatientEmail,
		PreferredDate: req.PreferredDate,
		Type:          req.Type,
		Payment:       req.Payment,
		Status:        WaitlistWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreateWaitlistEntry(ctx, entry); err != nil {
		return nil, err
	}
	tx.emit(waitlistEvent(EventWaitlistJoined, &entry, now))
	return &entry, nil
}

// Promote books the head of the (doctor, date, type) group into the first
// slot of that day with capacity. It returns nil when nobody was promoted.
func (w *WaitlistManager) Promote(ctx context.Context, doctorID DoctorID, date Day, typ AppointmentType) (*Promotion, error) {
	if !typ.Valid() {
		return nil, invalid("type", "unknown appointment type %q", typ)
	}
	if _, err := w.c.Appointments.expireMatching(ctx, AppointmentFilter{DoctorID: doctorID, Date: &date}); err != nil {
		return nil, err
	}
	var out *Promotion
	err := w.c.write(ctx, "promote", func(tx *txn) error {
		if _, err := tx.GetDoctor(ctx, doctorID); err != nil {
			return notFound(err, "doctor", string(doctorID))
		}
		p, err := w.promote(ctx, tx, doctorID, date, typ, nil)
		out = p
		return err
	})
	return out, err
}

// PromoteEntry promotes the group that entry id belongs to. FIFO still
// applies, so an older entry of the same group goes first.
func (w *WaitlistManager) PromoteEntry(ctx context.Context, id WaitlistEntryID) (*Promotion, error) {
	entry, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != WaitlistWaiting {
		return nil, &InvalidTransitionError{Entity: "waitlist_entry", ID: string(id), From: string(entry.Status), To: string(WaitlistPromoted)}
	}
	return w.Promote(ctx, entry.DoctorID, entry.PreferredDate, entry.Type)
}

// promote tries the group head against at, or every slot of the day when
// at is nil. A lost race leaves the head Waiting.
func (w *WaitlistManager) promote(ctx context.Context, tx *txn, doctorID DoctorID, date Day, typ AppointmentType, at *ClockTime) (*Promotion, error) {
	if date.Before(w.c.Today()) {
		return nil, nil
	}
	entries, err := tx.ListWaitlist(ctx, WaitlistFilter{
		DoctorID: doctorID,
		Date:     &date,
		Type:     typ,
		Status:   WaitlistWaiting,
	})
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	head := entries[0]

	var times []ClockTime
	if at != nil {
		times = []ClockTime{*at}
	} else {
		doctor, err := tx.GetDoctor(ctx, doctorID)
		if err != nil {
			return nil, notFound(err, "doctor", string(doctorID))
		}
		times = w.c.Resolver.Slots(doctor.Availability, date)
	}

	for _, t := range times {
		appt, err := w.c.Appointments.book(ctx, tx, BookRequest{
			DoctorID:     head.DoctorID,
			PatientEmail: head.PatientEmail,
			Date:         head.PreferredDate,
			Time:         t,
			Type:         head.Type,
			Payment:      head.Payment,
		})
		if errors.Is(err, ErrSlotFull) || errors.Is(err, ErrValidation) {
			continue
		}
		if err != nil {
			return nil, err
		}

		now := w.c.Now()
		head.Status = WaitlistPromoted
		head.PromotedAppointmentID = appt.ID
		head.UpdatedAt = now
		if err := tx.UpdateWaitlistEntry(ctx, head); err != nil {
			return nil, err
		}
		ev := waitlistEvent(EventWaitlistPromoted, &head, now)
		ev.AppointmentID = appt.ID
		ev.Slot = appt.SlotKey().String()
		tx.emit(ev)
		return &Promotion{Entry: head, Appointment: *appt}, nil
	}

	w.c.log.Debug().
		Str("doctor_id", string(doctorID)).
		Str("date", date.String()).
		Str("entry_id", string(head.ID)).
		Msg("no capacity for waitlist head, left waiting")
	return nil, nil
}

// Remove withdraws a Waiting entry.
func (w *WaitlistManager) Remove(ctx context.Context, id WaitlistEntryID) (*WaitlistEntry, error) {
	var out *WaitlistEntry
	err := w.c.write(ctx, "remove_waitlist", func(tx *txn) error {
		e, err := tx.GetWaitlistEntry(ctx, id)
		if err != nil {
			return notFound(err, "waitlist entry", string(id))
		}
		if e.Status != WaitlistWaiting {
			return &InvalidTransitionError{Entity: "waitlist_entry", ID: string(id), From: string(e.Status), To: string(WaitlistRemoved)}
		}
		now := w.c.Now()
		e.Status = WaitlistRemoved
		e.UpdatedAt = now
		if err := tx.UpdateWaitlistEntry(ctx, *e); err != nil {
			return err
		}
		tx.emit(waitlistEvent(EventWaitlistRemoved, e, now))
		out = e
		return nil
	})
	return out, err
}

func (w *WaitlistManager) Get(ctx context.Context, id WaitlistEntryID) (*WaitlistEntry, error) {
	var out *WaitlistEntry
	err := w.c.read(ctx, func(st Store) error {
		e, err := st.GetWaitlistEntry(ctx, id)
		if err != nil {
			return notFound(err, "waitlist entry", string(id))
		}
		out = e
		return nil
	})
	return out, err
}

func (w *WaitlistManager) List(ctx context.Context, f WaitlistFilter) ([]WaitlistEntry, error) {
	var out []WaitlistEntry
	err := w.c.read(ctx, func(st Store) error {
		var err error
		out, err = st.ListWaitlist(ctx, f)
		return err
	})
	return out, err
}

func waitlistEvent(t EventType, e *WaitlistEntry, at time.Time) Event {
	return Event{
		Type:            t,
		At:              at,
		DoctorID:        e.DoctorID,
		WaitlistEntryID: e.ID,
		PatientEmail:    e.PatientEmail,
		Detail:          e.PreferredDate.String() + " " + string(e.Type),
	}
}
