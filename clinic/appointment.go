/*
appointment.go - Appointment lifecycle

PURPOSE:
  Owns every appointment status change. Each change is validated against
  appointmentTransitions; anything not in the table is an
  InvalidTransitionError.

STATE MACHINE:
  PendingPayment ──pay──> Paid ──checkin──> CheckedIn ──complete──> Completed
        │                  │                    │
        │                  └──reschedule──> Rescheduled ──checkin──┘
        ├──deadline passes──> Expired
        ├──noshow──> NoShow        (also from Paid / Rescheduled)
        └──cancel──> Cancelled     (from any non-terminal status)

  Rescheduling an unpaid appointment keeps it PendingPayment with a fresh
  deadline. Rescheduling a settled one moves it to Rescheduled.

SLOT ACCOUNTING:
  Booking claims the slot; cancel, no-show, expiry and reschedule-away
  release it and promote the waitlist in the same transaction. Completion
  releases without promoting since the slot time has been consumed.

PAYMENT EXPIRY:
  An overdue PendingPayment appointment is expired lazily, in its own
  transaction, before any operation that reads it, and by the periodic
  sweep (ExpireOverdue).

SEE ALSO:
  - ledger.go: capacity claims
  - waitlist.go: promotion on release
  - queue.go: memo issued at check-in
*/
package clinic

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPendingPayment: {StatusPaid, StatusCancelled, StatusNoShow, StatusExpired},
	StatusPaid:           {StatusCheckedIn, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusRescheduled:    {StatusCheckedIn, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusCheckedIn:      {StatusCompleted, StatusCancelled, StatusRescheduled},
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) reschedulable() bool {
	return s == StatusPendingPayment || s.CanTransitionTo(StatusRescheduled)
}

func moveAppointment(a *Appointment, to AppointmentStatus, now time.Time) error {
	if !a.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "appointment", ID: string(a.ID), From: string(a.Status), To: string(to)}
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

type BookRequest struct {
	DoctorID     DoctorID
	PatientEmail string
	Date         Day
	Time         ClockTime
	Type         AppointmentType
	Payment      PaymentInfo
	// NoWaitlist returns a plain SlotFullError instead of enrolling.
	NoWaitlist bool
}

func (r *BookRequest) normalize() error {
	r.PatientEmail = strings.ToLower(strings.TrimSpace(r.PatientEmail))
	if r.DoctorID == "" {
		return invalid("doctor_id", "is required")
	}
	if err := validateEmail(r.PatientEmail); err != nil {
		return err
	}
	if r.Date.IsZero() {
		return invalid("date", "is required")
	}
	if !r.Type.Valid() {
		return invalid("type", "unknown appointment type %q", r.Type)
	}
	return normalizePayment(&r.Payment)
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("patient_email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("patient_email", "%q is not a valid address", email)
	}
	return nil
}

func normalizePayment(p *PaymentInfo) error {
	if p.Method == "" {
		p.Method = PaymentCash
	}
	if !p.Method.Valid() {
		return invalid("payment.method", "unknown payment method %q", p.Method)
	}
	if p.Channel == "" {
		p.Channel = ChannelOnline
	}
	if !p.Channel.Valid() {
		return invalid("payment.channel", "unknown payment channel %q", p.Channel)
	}
	if p.Amount.IsNegative() {
		return invalid("payment.amount", "must not be negative")
	}
	return nil
}

// =============================================================================
// APPOINTMENT SERVICE
// =============================================================================

type AppointmentService struct {
	c *Clinic
}

// Book reserves a slot. When the slot is full the patient is enrolled on the
// waitlist and a *SlotFullError carrying the entry is returned.
func (s *AppointmentService) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if _, err := s.expireMatching(ctx, AppointmentFilter{DoctorID: req.DoctorID, Date: &req.Date}); err != nil {
		return nil, err
	}

	var (
		booked *Appointment
		full   *SlotFullError
	)
	err := s.c.write(ctx, "book", func(tx *txn) error {
		booked, full = nil, nil
		appt, err := s.book(ctx, tx, req)
		if err == nil {
			booked = appt
			return nil
		}
		if req.NoWaitlist || !errors.As(err, &full) {
			return err
		}
		entry, err := s.c.Waitlist.enqueue(ctx, tx, EnqueueRequest{
			DoctorID:      req.DoctorID,
			PatientEmail:  req.PatientEmail,
			PreferredDate: req.Date,
			Type:          req.Type,
			Payment:       req.Payment,
		})
		if err != nil {
			return err
		}
		full.Waitlisted = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if full != nil {
		return nil, full
	}
	return booked, nil
}

// book validates against the doctor's availability and claims capacity.
// It writes nothing when the slot is full.
func (s *AppointmentService) book(ctx context.Context, tx *txn, req BookRequest) (*Appointment, error) {
	doctor, err := tx.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, notFound(err, "doctor", string(req.DoctorID))
	}
	if err := s.checkSlot(doctor, req.Date, req.Time); err != nil {
		return nil, err
	}

	now := s.c.Now()
	deadline := now.Add(s.c.paymentWindow)
	appt := Appointment{
		ID:              AppointmentID(s.c.newID()),
		DoctorID:        req.DoctorID,
		PatientEmail:    req.PatientEmail,
		Date:            req.Date,
		Time:            req.Time,
		Type:            req.Type,
		Status:          StatusPendingPayment,
		Payment:         req.Payment,
		PaymentDeadline: &deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if appt.Payment.Amount.IsZero() {
		appt.Payment.Amount = doctor.Fee
	}

	capacity := s.c.Resolver.Capacity(doctor.Availability, req.Date)
	if err := s.c.Ledger.Claim(ctx, tx, appt.SlotKey(), appt.ID, capacity); err != nil {
		return nil, err
	}
	if err := tx.CreateAppointment(ctx, appt); err != nil {
		return nil, err
	}

	tx.emit(appointmentEvent(EventAppointmentBooked, &appt, now))
	return &appt, nil
}

// checkSlot rejects dates in the past and times the doctor does not offer.
func (s *AppointmentService) checkSlot(doctor *Doctor, date Day, at ClockTime) error {
	now := s.c.Now()
	if date.Before(DayOf(now)) {
		return invalid("date", "%s is in the past", date)
	}
	if !s.c.Resolver.Offers(doctor.Availability, date, at) {
		return invalid("time", "%s is not an offered slot for doctor %s on %s", at, doctor.ID, date)
	}
	if at.On(date, s.c.loc).Before(now) {
		return invalid("time", "%s on %s has already started", at, date)
	}
	return nil
}

// MarkPaid records payment for a PendingPayment appointment.
func (s *AppointmentService) MarkPaid(ctx context.Context, id AppointmentID, recordedBy string) (*Appointment, error) {
	if err := s.expireOne(ctx, id); err != nil {
		return nil, err
	}
	var out *Appointment
	err := s.c.write(ctx, "mark_paid", func(tx *txn) error {
		appt, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.c.Now()
		if err := moveAppointment(appt, StatusPaid, now); err != nil {
			return err
		}
		appt.PaidBy = strings.TrimSpace(recordedBy)
		appt.PaidAt = &now
		appt.PaymentDeadline = nil
		if err := tx.UpdateAppointment(ctx, *appt); err != nil {
			return err
		}

		tx.emit(appointmentEvent(EventAppointmentPaid, appt, now))
		tx.bill(ReceiptRequest{
			Kind:          ReceiptPayment,
			AppointmentID: appt.ID,
			DoctorID:      appt.DoctorID,
			PatientEmail:  appt.PatientEmail,
			Method:        appt.Payment.Method,
			Amount:        appt.Payment.Amount,
			RecordedBy:    appt.PaidBy,
			At:            now,
		})
		out = appt
		return nil
	})
	return out, err
}

// CheckIn admits a paid patient and issues their consultation memo.
func (s *AppointmentService) CheckIn(ctx context.Context, id AppointmentID) (*Appointment, *ConsultationMemo, error) {
	if err := s.expireOne(ctx, id); err != nil {
		return nil, nil, err
	}
	var (
		out  *Appointment
		memo *ConsultationMemo
	)
	err := s.c.write(ctx, "check_in", func(tx *txn) error {
		appt, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.c.Now()
		if err := moveAppointment(appt, StatusCheckedIn, now); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, *appt); err != nil {
			return err
		}
		m, err := s.c.Queue.issueMemo(ctx, tx, appt)
		if err != nil {
			return err
		}
		tx.emit(appointmentEvent(EventAppointmentCheckedIn, appt, now))
		out, memo = appt, m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, memo, nil
}

// Cancel ends the appointment, frees its slot and promotes the waitlist.
// An open memo is cancelled with it.
func (s *AppointmentService) Cancel(ctx context.Context, id AppointmentID, reason string) (*Appointment, error) {
	if err := s.expireOne(ctx, id); err != nil {
		return nil, err
	}
	var out *Appointment
	err := s.c.write(ctx, "cancel", func(tx *txn) error {
		appt, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.cancel(ctx, tx, appt, reason); err != nil {
			return err
		}
		out = appt
		return nil
	})
	return out, err
}

func (s *AppointmentService) cancel(ctx context.Context, tx *txn, appt *Appointment, reason string) error {
	now := s.c.Now()
	wasCheckedIn := appt.Status == StatusCheckedIn
	if err := moveAppointment(appt, StatusCancelled, now); err != nil {
		return err
	}
	appt.CancelReason = strings.TrimSpace(reason)
	if err := tx.UpdateAppointment(ctx, *appt); err != nil {
		return err
	}
	if wasCheckedIn {
		if err := s.c.Queue.closeOpenMemos(ctx, tx, appt.ID, reason); err != nil {
			return err
		}
	}
	tx.emit(appointmentEvent(EventAppointmentCancelled, appt, now, appt.CancelReason))
	return s.release(ctx, tx, appt, true)
}

// NoShow marks a patient who never checked in and frees the slot.
func (s *AppointmentService) NoShow(ctx context.Context, id AppointmentID) (*Appointment, error) {
	if err := s.expireOne(ctx, id); err != nil {
		return nil, err
	}
	var out *Appointment
	err := s.c.write(ctx, "no_show", func(tx *txn) error {
		appt, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.c.Now()
		if err := moveAppointment(appt, StatusNoShow, now); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, *appt); err != nil {
			return err
		}
		tx.emit(appointmentEvent(EventAppointmentNoShow, appt, now))
		out = appt
		return s.release(ctx, tx, appt, true)
	})
	return out, err
}

// Reschedule moves an appointment to another slot of the same doctor. The
// old claim is released and the new one taken in one transaction, so the
// appointment's own occupancy never counts against the target.
func (s *AppointmentService) Reschedule(ctx context.Context, id AppointmentID, to SlotRef) (*Appointment, error) {
	if to.Date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if err := s.expireOne(ctx, id); err != nil {
		return nil, err
	}
	var out *Appointment
	err := s.c.write(ctx, "reschedule", func(tx *txn) error {
		appt, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !appt.Status.reschedulable() {
			return &InvalidTransitionError{Entity: "appointment", ID: string(appt.ID), From: string(appt.Status), To: string(StatusRescheduled)}
		}
		if appt.Status == StatusCheckedIn {
			if err := s.c.Queue.rescheduleWaitingMemos(ctx, tx, appt.ID, to); err != nil {
				return err
			}
		}
		if err := s.moveTo(ctx, tx, appt, to); err != nil {
			return err
		}
		out = appt
		return nil
	})
	return out, err
}

// moveTo re-slots appt. Memo handling is the caller's concern.
func (s *AppointmentService) moveTo(ctx context.Context, tx *txn, appt *Appointment, to SlotRef) error {
	target := NewSlotKey(appt.DoctorID, to.Date, to.Time)
	if target == appt.SlotKey() {
		return invalid("time", "appointment is already booked at %s %s", to.Date, to.Time)
	}
	doctor, err := tx.GetDoctor(ctx, appt.DoctorID)
	if err != nil {
		return notFound(err, "doctor", string(appt.DoctorID))
	}
	if err := s.checkSlot(doctor, to.Date, to.Time); err != nil {
		return err
	}

	oldKey, held, err := s.c.Ledger.Release(ctx, tx, appt.ID)
	if err != nil {
		return err
	}
	capacity := s.c.Resolver.Capacity(doctor.Availability, to.Date)
	if err := s.c.Ledger.Claim(ctx, tx, target, appt.ID, capacity); err != nil {
		return err
	}

	now := s.c.Now()
	from := appt.SlotKey()
	if appt.Status == StatusPendingPayment {
		deadline := now.Add(s.c.paymentWindow)
		appt.PaymentDeadline = &deadline
		appt.UpdatedAt = now
	} else if err := moveAppointment(appt, StatusRescheduled, now); err != nil {
		return err
	}
	appt.Date, appt.Time = to.Date, to.Time
	if err := tx.UpdateAppointment(ctx, *appt); err != nil {
		return err
	}
	tx.emit(appointmentEvent(EventAppointmentRescheduled, appt, now, "from "+from.String()))

	if held {
		if _, err := s.c.Waitlist.promote(ctx, tx, oldKey.DoctorID, oldKey.Date, appt.Type, &oldKey.Time); err != nil {
			return err
		}
	}
	return nil
}

// complete is called by the session controller when a consultation ends.
func (s *AppointmentService) complete(ctx context.Context, tx *txn, id AppointmentID) error {
	appt, err := s.load(ctx, tx, id)
	if err != nil {
		return err
	}
	now := s.c.Now()
	if err := moveAppointment(appt, StatusCompleted, now); err != nil {
		return err
	}
	if err := tx.UpdateAppointment(ctx, *appt); err != nil {
		return err
	}
	tx.emit(appointmentEvent(EventAppointmentCompleted, appt, now))
	tx.bill(ReceiptRequest{
		Kind:          ReceiptConsultation,
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientEmail:  appt.PatientEmail,
		Method:        appt.Payment.Method,
		Amount:        appt.Payment.Amount,
		RecordedBy:    appt.PaidBy,
		At:            now,
	})
	return s.release(ctx, tx, appt, false)
}

// markRescheduled flags a checked-in appointment whose consultation was
// interrupted, keeping its slot until staff pick a new one.
func (s *AppointmentService) markRescheduled(ctx context.Context, tx *txn, appt *Appointment, note string) error {
	now := s.c.Now()
	if err := moveAppointment(appt, StatusRescheduled, now); err != nil {
		return err
	}
	if err := tx.UpdateAppointment(ctx, *appt); err != nil {
		return err
	}
	tx.emit(appointmentEvent(EventAppointmentRescheduled, appt, now, note))
	return nil
}

// release frees appt's claim and, if asked, offers the slot to the waitlist.
func (s *AppointmentService) release(ctx context.Context, tx *txn, appt *Appointment, promote bool) error {
	key, held, err := s.c.Ledger.Release(ctx, tx, appt.ID)
	if err != nil || !held || !promote {
		return err
	}
	_, err = s.c.Waitlist.promote(ctx, tx, key.DoctorID, key.Date, appt.Type, &key.Time)
	return err
}

// =============================================================================
// READS
// =============================================================================

func (s *AppointmentService) Get(ctx context.Context, id AppointmentID) (*Appointment, error) {
	if err := s.expireOne(ctx, id); err != nil {
		return nil, err
	}
	var out *Appointment
	err := s.c.read(ctx, func(st Store) error {
		a, err := st.GetAppointment(ctx, id)
		if err != nil {
			return notFound(err, "appointment", string(id))
		}
		out = a
		return nil
	})
	return out, err
}

func (s *AppointmentService) List(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	if _, err := s.expireMatching(ctx, AppointmentFilter{DoctorID: f.DoctorID, Date: f.Date, PatientEmail: f.PatientEmail}); err != nil {
		return nil, err
	}
	var out []Appointment
	err := s.c.read(ctx, func(st Store) error {
		var err error
		out, err = st.ListAppointments(ctx, f)
		return err
	})
	return out, err
}

func (s *AppointmentService) load(ctx context.Context, st Store, id AppointmentID) (*Appointment, error) {
	a, err := st.GetAppointment(ctx, id)
	if err != nil {
		return nil, notFound(err, "appointment", string(id))
	}
	return a, nil
}

// =============================================================================
// PAYMENT EXPIRY
// =============================================================================

// ExpireOverdue expires every PendingPayment appointment past its deadline.
func (s *AppointmentService) ExpireOverdue(ctx context.Context) (int, error) {
	return s.expireMatching(ctx, AppointmentFilter{})
}

// expireOne expires a single appointment if it is overdue. A missing
// appointment is left for the caller to report.
func (s *AppointmentService) expireOne(ctx context.Context, id AppointmentID) error {
	var overdue bool
	err := s.c.read(ctx, func(st Store) error {
		a, err := st.GetAppointment(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		overdue = a.Overdue(s.c.now())
		return nil
	})
	if err != nil || !overdue {
		return err
	}
	_, err = s.expireIDs(ctx, []AppointmentID{id})
	return err
}

func (s *AppointmentService) expireMatching(ctx context.Context, f AppointmentFilter) (int, error) {
	now := s.c.now()
	f.Statuses = []AppointmentStatus{StatusPendingPayment}
	f.DeadlineBefore = &now

	var ids []AppointmentID
	err := s.c.read(ctx, func(st Store) error {
		appts, err := st.ListAppointments(ctx, f)
		if err != nil {
			return err
		}
		for _, a := range appts {
			ids = append(ids, a.ID)
		}
		return nil
	})
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return s.expireIDs(ctx, ids)
}

// expireIDs re-checks each appointment inside the write so an appointment
// paid in the meantime is left alone.
func (s *AppointmentService) expireIDs(ctx context.Context, ids []AppointmentID) (int, error) {
	expired := 0
	err := s.c.write(ctx, "expire", func(tx *txn) error {
		expired = 0
		for _, id := range ids {
			appt, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			now := s.c.Now()
			if !appt.Overdue(now) {
				continue
			}
			if err := moveAppointment(appt, StatusExpired, now); err != nil {
				return err
			}
			if err := tx.UpdateAppointment(ctx, *appt); err != nil {
				return err
			}
			tx.emit(appointmentEvent(EventAppointmentExpired, appt, now))
			if err := s.release(ctx, tx, appt, true); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.c.log.Info().Int("count", expired).Msg("expired unpaid appointments")
	}
	return expired, nil
}

func appointmentEvent(t EventType, a *Appointment, at time.Time, detail ...string) Event {
	e := Event{
		Type:          t,
		At:            at,
		DoctorID:      a.DoctorID,
		AppointmentID: a.ID,
		PatientEmail:  a.PatientEmail,
		Slot:          a.SlotKey().String(),
	}
	if len(detail) > 0 {
		e.Detail = detail[0]
	}
	return e
}
