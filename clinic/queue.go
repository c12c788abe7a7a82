package clinic

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CONSULTATION QUEUE - Numbered memos per doctor per day
// =============================================================================

// QueueEngine issues consultation memos at check-in and moves them through
// the consultation. Numbers come from a per (doctor, day) counter that is
// incremented in the same transaction as the memo insert, so they start at
// 1 and have no gaps or repeats.
type QueueEngine struct {
	c *Clinic
}

// QueuePosition describes where a memo stands in its doctor's queue.
type QueuePosition struct {
	Memo ConsultationMemo
	// Ahead counts open memos with a lower number.
	Ahead int
	// QueueSize counts every open memo of the doctor that day.
	QueueSize int
	// NowServing is the number of the in-progress memo, or 0.
	NowServing int
}

func (q *QueueEngine) issueMemo(ctx context.Context, tx *txn, appt *Appointment) (*ConsultationMemo, error) {
	day := q.c.Today()
	n, err := tx.NextMemoNumber(ctx, appt.DoctorID, day)
	if err != nil {
		return nil, err
	}
	now := q.c.Now()
	memo := ConsultationMemo{
		ID:            MemoID(q.c.newID()),
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		IssueDate:     day,
		MemoNumber:    n,
		Status:        MemoWaiting,
		CheckedInAt:   now,
	}
	if err := tx.CreateMemo(ctx, memo); err != nil {
		return nil, err
	}
	tx.emit(memoEvent(EventMemoIssued, &memo, now))
	return &memo, nil
}

func (q *QueueEngine) Get(ctx context.Context, id MemoID) (*ConsultationMemo, error) {
	var out *ConsultationMemo
	err := q.c.read(ctx, func(st Store) error {
		m, err := st.GetMemo(ctx, id)
		if err != nil {
			return notFound(err, "memo", string(id))
		}
		out = m
		return nil
	})
	return out, err
}

// Position reports how many patients are ahead of memo id.
func (q *QueueEngine) Position(ctx context.Context, id MemoID) (*QueuePosition, error) {
	var out *QueuePosition
	err := q.c.read(ctx, func(st Store) error {
		memo, err := st.GetMemo(ctx, id)
		if err != nil {
			return notFound(err, "memo", string(id))
		}
		day := memo.IssueDate
		open, err := st.ListMemos(ctx, MemoFilter{
			DoctorID:  memo.DoctorID,
			IssueDate: &day,
			Statuses:  []MemoStatus{MemoWaiting, MemoInProgress},
		})
		if err != nil {
			return err
		}
		pos := &QueuePosition{Memo: *memo, QueueSize: len(open)}
		for _, m := range open {
			if m.Status == MemoInProgress {
				pos.NowServing = m.MemoNumber
			}
			if memo.Status.Open() && m.MemoNumber < memo.MemoNumber {
				pos.Ahead++
			}
		}
		out = pos
		return nil
	})
	return out, err
}

// List returns a doctor's memos for day in number order.
func (q *QueueEngine) List(ctx context.Context, doctorID DoctorID, day Day) ([]ConsultationMemo, error) {
	var out []ConsultationMemo
	err := q.c.read(ctx, func(st Store) error {
		var err error
		out, err = st.ListMemos(ctx, MemoFilter{DoctorID: doctorID, IssueDate: &day})
		return err
	})
	return out, err
}

// Start begins the consultation for a Waiting memo.
func (q *QueueEngine) Start(ctx context.Context, id MemoID, note string) (*ConsultationMemo, *DoctorSession, error) {
	var (
		memo    *ConsultationMemo
		session *DoctorSession
	)
	err := q.c.write(ctx, "start_memo", func(tx *txn) error {
		m, err := tx.GetMemo(ctx, id)
		if err != nil {
			return notFound(err, "memo", string(id))
		}
		s, err := q.c.Sessions.apply(ctx, tx, m.DoctorID, SessionUpdate{Status: SessionBusy, MemoID: id, Note: note})
		if err != nil {
			return err
		}
		if memo, err = tx.GetMemo(ctx, id); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return memo, session, nil
}

// StartNext begins the lowest-numbered Waiting memo of today.
func (q *QueueEngine) StartNext(ctx context.Context, doctorID DoctorID) (*ConsultationMemo, *DoctorSession, error) {
	var (
		memo    *ConsultationMemo
		session *DoctorSession
	)
	err := q.c.write(ctx, "start_next", func(tx *txn) error {
		day := q.c.Today()
		waiting, err := tx.ListMemos(ctx, MemoFilter{DoctorID: doctorID, IssueDate: &day, Statuses: []MemoStatus{MemoWaiting}})
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			return &NotFoundError{Kind: "waiting memo for doctor", ID: string(doctorID)}
		}
		next := waiting[0]
		s, err := q.c.Sessions.apply(ctx, tx, doctorID, SessionUpdate{Status: SessionBusy, MemoID: next.ID})
		if err != nil {
			return err
		}
		if memo, err = tx.GetMemo(ctx, next.ID); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return memo, session, nil
}

// Complete ends an in-progress consultation. The doctor returns to Idle.
func (q *QueueEngine) Complete(ctx context.Context, id MemoID, note string) (*ConsultationMemo, error) {
	var memo *ConsultationMemo
	err := q.c.write(ctx, "complete_memo", func(tx *txn) error {
		m, err := tx.GetMemo(ctx, id)
		if err != nil {
			return notFound(err, "memo", string(id))
		}
		if m.Status != MemoInProgress {
			return &InvalidTransitionError{Entity: "memo", ID: string(id), From: string(m.Status), To: string(MemoCompleted)}
		}
		s, err := q.c.Sessions.ensure(ctx, tx, m.DoctorID)
		if err != nil {
			return err
		}
		if s.ActiveMemoID != id {
			return &InvalidTransitionError{Entity: "memo", ID: string(id), From: "not active", To: string(MemoCompleted)}
		}
		if _, err := q.c.Sessions.apply(ctx, tx, m.DoctorID, SessionUpdate{Status: SessionIdle, Note: note}); err != nil {
			return err
		}
		memo, err = tx.GetMemo(ctx, id)
		return err
	})
	return memo, err
}

// closeOpenMemos cancels any open memo of a cancelled appointment.
func (q *QueueEngine) closeOpenMemos(ctx context.Context, tx *txn, apptID AppointmentID, reason string) error {
	open, err := tx.ListMemos(ctx, MemoFilter{AppointmentID: apptID, Statuses: []MemoStatus{MemoWaiting, MemoInProgress}})
	if err != nil {
		return err
	}
	for i := range open {
		m := &open[i]
		if m.Status == MemoInProgress {
			if err := q.c.Sessions.abandon(ctx, tx, m, reason); err != nil {
				return err
			}
			continue
		}
		now := q.c.Now()
		m.Status = MemoCancelled
		m.Note = strings.TrimSpace(reason)
		if err := tx.UpdateMemo(ctx, *m); err != nil {
			return err
		}
		tx.emit(memoEvent(EventMemoCancelled, m, now))
	}
	return nil
}

// rescheduleWaitingMemos moves Waiting memos of apptID out of the queue.
// An in-progress consultation must be interrupted through the session.
func (q *QueueEngine) rescheduleWaitingMemos(ctx context.Context, tx *txn, apptID AppointmentID, to SlotRef) error {
	open, err := tx.ListMemos(ctx, MemoFilter{AppointmentID: apptID, Statuses: []MemoStatus{MemoWaiting, MemoInProgress}})
	if err != nil {
		return err
	}
	for i := range open {
		m := &open[i]
		if m.Status == MemoInProgress {
			return &InvalidTransitionError{Entity: "memo", ID: string(m.ID), From: string(m.Status), To: string(MemoRescheduled)}
		}
		now := q.c.Now()
		target := to
		m.Status = MemoRescheduled
		m.RescheduledTo = &target
		if err := tx.UpdateMemo(ctx, *m); err != nil {
			return err
		}
		tx.emit(memoEvent(EventMemoRescheduled, m, now))
	}
	return nil
}

func memoEvent(t EventType, m *ConsultationMemo, at time.Time) Event {
	return Event{
		Type:          t,
		At:            at,
		DoctorID:      m.DoctorID,
		AppointmentID: m.AppointmentID,
		MemoID:        m.ID,
		Detail:        m.IssueDate.String() + " #" + strconv.Itoa(m.MemoNumber),
	}
}
