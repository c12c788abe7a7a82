/*
session.go - Doctor session controller

PURPOSE:
  Tracks what each doctor is doing right now and keeps the session and the
  active memo consistent. This is the only code that writes DoctorSession
  rows; the queue engine and the appointment lifecycle call into it.

STATE MACHINE:
  Idle ──start memo──> Busy ──complete──> Idle
  Idle/Busy ──> Break | Emergency ──resume──> Idle

  Entering Busy flips a Waiting memo to InProgress and makes it active.
  Leaving Busy through completion completes the memo and its appointment.
  Leaving Busy through Break/Emergency interrupts the memo: it becomes
  Rescheduled (optionally with a new slot) or Cancelled.

INVARIANT:
  ActiveMemoID, when set, names an InProgress memo of the same doctor.

SEE ALSO:
  - queue.go: Start / Complete delegate here
*/
package clinic

import (
	"context"
	"strings"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionIdle:      {SessionBusy, SessionBreak, SessionEmergency},
	SessionBusy:      {SessionIdle, SessionBreak, SessionEmergency},
	SessionBreak:     {SessionIdle},
	SessionEmergency: {SessionIdle},
}

func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Disposition decides what happens to an in-progress memo when the doctor
// goes on break or handles an emergency.
type Disposition string

const (
	DispositionReschedule Disposition = "reschedule"
	DispositionCancel     Disposition = "cancel"
)

type SessionUpdate struct {
	Status SessionStatus
	// MemoID is required when moving to Busy.
	MemoID MemoID
	Note   string
	// Disposition and RescheduleTo apply to an interrupted memo.
	Disposition  Disposition
	RescheduleTo *SlotRef
}

type SessionController struct {
	c *Clinic
}

// EnsureSession creates an Idle session for the doctor if none exists.
func (sc *SessionController) EnsureSession(ctx context.Context, doctorID DoctorID) (*DoctorSession, error) {
	var out *DoctorSession
	err := sc.c.write(ctx, "ensure_session", func(tx *txn) error {
		s, err := sc.ensure(ctx, tx, doctorID)
		out = s
		return err
	})
	return out, err
}

func (sc *SessionController) ensure(ctx context.Context, tx *txn, doctorID DoctorID) (*DoctorSession, error) {
	s, err := tx.GetSession(ctx, doctorID)
	if err == nil {
		return s, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	if _, err := tx.GetDoctor(ctx, doctorID); err != nil {
		return nil, notFound(err, "doctor", string(doctorID))
	}
	created := DoctorSession{DoctorID: doctorID, Status: SessionIdle, UpdatedAt: sc.c.Now()}
	if err := tx.SaveSession(ctx, created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (sc *SessionController) Get(ctx context.Context, doctorID DoctorID) (*DoctorSession, error) {
	var out *DoctorSession
	err := sc.c.read(ctx, func(st Store) error {
		s, err := st.GetSession(ctx, doctorID)
		if err != nil {
			return notFound(err, "doctor session", string(doctorID))
		}
		out = s
		return nil
	})
	return out, err
}

// SetStatus applies a staff-requested session change.
func (sc *SessionController) SetStatus(ctx context.Context, doctorID DoctorID, upd SessionUpdate) (*DoctorSession, error) {
	if !upd.Status.Valid() {
		return nil, invalid("status", "unknown session status %q", upd.Status)
	}
	switch upd.Disposition {
	case "", DispositionReschedule, DispositionCancel:
	default:
		return nil, invalid("disposition", "unknown disposition %q", upd.Disposition)
	}
	if upd.Disposition == DispositionCancel && upd.RescheduleTo != nil {
		return nil, invalid("reschedule_to", "cannot be combined with disposition %q", DispositionCancel)
	}

	var out *DoctorSession
	err := sc.c.write(ctx, "set_session_status", func(tx *txn) error {
		s, err := sc.apply(ctx, tx, doctorID, upd)
		out = s
		return err
	})
	return out, err
}

// apply validates and performs one session transition inside tx.
func (sc *SessionController) apply(ctx context.Context, tx *txn, doctorID DoctorID, upd SessionUpdate) (*DoctorSession, error) {
	s, err := sc.ensure(ctx, tx, doctorID)
	if err != nil {
		return nil, err
	}
	if !s.Status.CanTransitionTo(upd.Status) {
		return nil, &InvalidTransitionError{Entity: "doctor_session", ID: string(doctorID), From: string(s.Status), To: string(upd.Status)}
	}

	from := s.Status
	switch upd.Status {
	case SessionBusy:
		if err := sc.begin(ctx, tx, s, upd.MemoID); err != nil {
			return nil, err
		}
	case SessionIdle:
		if from == SessionBusy {
			if err := sc.finish(ctx, tx, s); err != nil {
				return nil, err
			}
		}
	case SessionBreak, SessionEmergency:
		if s.ActiveMemoID != "" {
			if err := sc.interrupt(ctx, tx, s, upd); err != nil {
				return nil, err
			}
		}
	}

	now := sc.c.Now()
	s.Status = upd.Status
	s.Note = strings.TrimSpace(upd.Note)
	s.UpdatedAt = now
	if err := tx.SaveSession(ctx, *s); err != nil {
		return nil, err
	}
	tx.emit(Event{
		Type:     EventSessionChanged,
		At:       now,
		DoctorID: doctorID,
		MemoID:   s.ActiveMemoID,
		Detail:   string(from) + " -> " + string(s.Status),
	})
	return s, nil
}

// begin activates a Waiting memo of this doctor.
func (sc *SessionController) begin(ctx context.Context, tx *txn, s *DoctorSession, memoID MemoID) error {
	if memoID == "" {
		return invalid("memo_id", "is required to start a consultation")
	}
	memo, err := tx.GetMemo(ctx, memoID)
	if err != nil {
		return notFound(err, "memo", string(memoID))
	}
	if memo.DoctorID != s.DoctorID {
		return invalid("memo_id", "memo %s belongs to doctor %s", memo.ID, memo.DoctorID)
	}
	if memo.Status != MemoWaiting {
		return &InvalidTransitionError{Entity: "memo", ID: string(memo.ID), From: string(memo.Status), To: string(MemoInProgress)}
	}

	now := sc.c.Now()
	memo.Status = MemoInProgress
	memo.StartedAt = &now
	if err := tx.UpdateMemo(ctx, *memo); err != nil {
		return err
	}
	s.ActiveMemoID = memo.ID
	tx.emit(memoEvent(EventMemoStarted, memo, now))
	return nil
}

// finish completes the active memo and its appointment.
func (sc *SessionController) finish(ctx context.Context, tx *txn, s *DoctorSession) error {
	memo, err := sc.activeMemo(ctx, tx, s)
	if err != nil || memo == nil {
		return err
	}
	now := sc.c.Now()
	memo.Status = MemoCompleted
	memo.CompletedAt = &now
	if err := tx.UpdateMemo(ctx, *memo); err != nil {
		return err
	}
	if err := sc.c.Appointments.complete(ctx, tx, memo.AppointmentID); err != nil {
		return err
	}
	s.ActiveMemoID = ""
	tx.emit(memoEvent(EventMemoCompleted, memo, now))
	return nil
}

// interrupt takes the active memo out of the consultation for a break or
// emergency.
func (sc *SessionController) interrupt(ctx context.Context, tx *txn, s *DoctorSession, upd SessionUpdate) error {
	memo, err := sc.activeMemo(ctx, tx, s)
	if err != nil {
		return err
	}
	s.ActiveMemoID = ""
	if memo == nil {
		return nil
	}
	appt, err := sc.c.Appointments.load(ctx, tx, memo.AppointmentID)
	if err != nil {
		return err
	}

	now := sc.c.Now()
	note := strings.TrimSpace(upd.Note)
	memo.Note = note
	if upd.Disposition == DispositionCancel {
		memo.Status = MemoCancelled
		if err := tx.UpdateMemo(ctx, *memo); err != nil {
			return err
		}
		tx.emit(memoEvent(EventMemoCancelled, memo, now))
		return sc.c.Appointments.cancel(ctx, tx, appt, note)
	}

	memo.Status = MemoRescheduled
	memo.RescheduledTo = upd.RescheduleTo
	if err := tx.UpdateMemo(ctx, *memo); err != nil {
		return err
	}
	tx.emit(memoEvent(EventMemoRescheduled, memo, now))
	if upd.RescheduleTo != nil {
		return sc.c.Appointments.moveTo(ctx, tx, appt, *upd.RescheduleTo)
	}
	return sc.c.Appointments.markRescheduled(ctx, tx, appt, note)
}

// abandon cancels an in-progress memo whose appointment was cancelled and
// returns the doctor to Idle.
func (sc *SessionController) abandon(ctx context.Context, tx *txn, memo *ConsultationMemo, reason string) error {
	s, err := sc.ensure(ctx, tx, memo.DoctorID)
	if err != nil {
		return err
	}
	now := sc.c.Now()
	memo.Status = MemoCancelled
	memo.Note = strings.TrimSpace(reason)
	if err := tx.UpdateMemo(ctx, *memo); err != nil {
		return err
	}
	tx.emit(memoEvent(EventMemoCancelled, memo, now))

	if s.ActiveMemoID != memo.ID {
		return nil
	}
	from := s.Status
	s.ActiveMemoID = ""
	s.Status = SessionIdle
	s.UpdatedAt = now
	if err := tx.SaveSession(ctx, *s); err != nil {
		return err
	}
	tx.emit(Event{Type: EventSessionChanged, At: now, DoctorID: s.DoctorID, Detail: string(from) + " -> " + string(s.Status)})
	return nil
}

func (sc *SessionController) activeMemo(ctx context.Context, tx *txn, s *DoctorSession) (*ConsultationMemo, error) {
	if s.ActiveMemoID == "" {
		return nil, nil
	}
	memo, err := tx.GetMemo(ctx, s.ActiveMemoID)
	if err != nil {
		return nil, notFound(err, "memo", string(s.ActiveMemoID))
	}
	if memo.Status != MemoInProgress {
		sc.c.log.Warn().
			Str("doctor_id", string(s.DoctorID)).
			Str("memo_id", string(memo.ID)).
			Str("memo_status", string(memo.Status)).
			Msg("active memo is not in progress, clearing")
		return nil, nil
	}
	return memo, nil
}
