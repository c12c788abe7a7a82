package clinic_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
)

// drYTimes gives twelve dr-y bookings today, two per slot.
var drYTimes = []string{"09:00", "09:00", "09:30", "09:30", "10:00", "10:00", "10:30", "10:30", "11:00", "11:00", "11:30", "11:30"}

func (f *fixture) checkInMany(t *testing.T, n int) []*clinic.ConsultationMemo {
	t.Helper()
	memos := make([]*clinic.ConsultationMemo, 0, n)
	for i := 0; i < n; i++ {
		_, memo := f.checkIn(t, "dr-y", fmt.Sprintf("p%d@example.com", i+1), drYTimes[i])
		memos = append(memos, memo)
	}
	return memos
}

func TestCheckIn_IssuesSequentialMemoNumbers(t *testing.T) {
	// GIVEN: Three paid appointments today
	// WHEN: They check in one after another
	// THEN: Memos are numbered 1, 2, 3 for today

	f := newFixture(t)

	memos := f.checkInMany(t, 3)

	for i, m := range memos {
		assert.Equal(t, i+1, m.MemoNumber)
		assert.Equal(t, clinic.MemoWaiting, m.Status)
		assert.Equal(t, today, m.IssueDate)
		assert.Equal(t, clinic.DoctorID("dr-y"), m.DoctorID)
	}
	assert.True(t, f.rec.has(clinic.EventMemoIssued))
}

func TestCheckIn_ConcurrentNumbersAreUniqueAndGapless(t *testing.T) {
	// GIVEN: Ten paid appointments
	// WHEN: All check in at once
	// THEN: Memo numbers are exactly 1..10

	f := newFixture(t)
	ctx := context.Background()
	var ids []clinic.AppointmentID
	for i := 0; i < 10; i++ {
		appt := f.bookPaid(t, "dr-y", fmt.Sprintf("p%d@example.com", i), today, drYTimes[i])
		ids = append(ids, appt.ID)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id clinic.AppointmentID) {
			defer wg.Done()
			_, memo, err := f.c.Appointments.CheckIn(ctx, id)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, memo.MemoNumber)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	sort.Ints(numbers)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, numbers)
}

func TestCheckIn_RequiresPayment(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "dr-x", "a@example.com", today, "10:00")

	_, memo, err := f.c.Appointments.CheckIn(context.Background(), appt.ID)

	assert.Nil(t, memo)
	var te *clinic.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(clinic.StatusPendingPayment), te.From)
}

func TestCheckIn_NumbersRestartPerDoctor(t *testing.T) {
	f := newFixture(t)

	_, x := f.checkIn(t, "dr-x", "a@example.com", "09:00")
	_, y := f.checkIn(t, "dr-y", "b@example.com", "09:00")

	assert.Equal(t, 1, x.MemoNumber)
	assert.Equal(t, 1, y.MemoNumber)
}

func TestQueue_ScenarioC_PositionCountsOpenMemosAhead(t *testing.T) {
	// GIVEN: Six memos, the first four completed and #5 in progress
	// WHEN: Patient #6 asks for their position
	// THEN: One patient is ahead and #5 is being served

	f := newFixture(t)
	ctx := context.Background()
	memos := f.checkInMany(t, 6)

	for _, m := range memos[:4] {
		_, _, err := f.c.Queue.Start(ctx, m.ID, "")
		require.NoError(t, err)
		_, err = f.c.Queue.Complete(ctx, m.ID, "")
		require.NoError(t, err)
	}
	_, _, err := f.c.Queue.Start(ctx, memos[4].ID, "")
	require.NoError(t, err)

	pos, err := f.c.Queue.Position(ctx, memos[5].ID)

	require.NoError(t, err)
	assert.Equal(t, 6, pos.Memo.MemoNumber)
	assert.Equal(t, 1, pos.Ahead)
	assert.Equal(t, 2, pos.QueueSize)
	assert.Equal(t, 5, pos.NowServing)
}

func TestQueue_PositionOfClosedMemoHasNobodyAhead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memos := f.checkInMany(t, 2)
	_, _, err := f.c.Queue.Start(ctx, memos[1].ID, "")
	require.NoError(t, err)
	_, err = f.c.Queue.Complete(ctx, memos[1].ID, "")
	require.NoError(t, err)

	pos, err := f.c.Queue.Position(ctx, memos[1].ID)

	require.NoError(t, err)
	assert.Zero(t, pos.Ahead)
	assert.Equal(t, 1, pos.QueueSize)
	assert.Zero(t, pos.NowServing)
}

func TestComplete_EndsConsultation(t *testing.T) {
	// GIVEN: A consultation in progress
	// WHEN: The doctor completes it
	// THEN: Memo and appointment are Completed, the doctor is Idle, a receipt is issued

	f := newFixture(t)
	ctx := context.Background()
	appt, memo := f.checkIn(t, "dr-x", "a@example.com", "10:00")
	_, err := f.c.Appointments.Book(ctx, bookReq("dr-x", "b@example.com", today, "10:00"))
	require.ErrorIs(t, err, clinic.ErrSlotFull)

	started, session, err := f.c.Queue.Start(ctx, memo.ID, "  vitals taken ")
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoInProgress, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, clinic.SessionBusy, session.Status)
	assert.Equal(t, memo.ID, session.ActiveMemoID)
	assert.Equal(t, "vitals taken", session.Note)

	done, err := f.c.Queue.Complete(ctx, memo.ID, "")
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	got, err := f.c.Appointments.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusCompleted, got.Status)

	s, err := f.c.Sessions.Get(ctx, "dr-x")
	require.NoError(t, err)
	assert.Equal(t, clinic.SessionIdle, s.Status)
	assert.Empty(t, s.ActiveMemoID)

	assert.Equal(t, []clinic.ReceiptKind{clinic.ReceiptPayment, clinic.ReceiptConsultation}, f.rec.receiptKinds())
	assert.Equal(t, 0, f.claims(t, "dr-x", today, "10:00"))

	entries, err := f.c.Waitlist.List(ctx, clinic.WaitlistFilter{DoctorID: "dr-x"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, clinic.WaitlistWaiting, entries[0].Status, "a consumed slot is not offered to the waitlist")
}

func TestComplete_RejectsMemoNotInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, memo := f.checkIn(t, "dr-x", "a@example.com", "10:00")

	_, err := f.c.Queue.Complete(ctx, memo.ID, "")
	assert.ErrorIs(t, err, clinic.ErrInvalidTransition)

	_, err = f.c.Queue.Complete(ctx, "missing", "")
	assert.True(t, clinic.IsNotFound(err))
}

func TestStart_RejectsWhileBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memos := f.checkInMany(t, 2)
	_, _, err := f.c.Queue.Start(ctx, memos[0].ID, "")
	require.NoError(t, err)

	_, _, err = f.c.Queue.Start(ctx, memos[1].ID, "")

	assert.ErrorIs(t, err, clinic.ErrInvalidTransition)
	m, err := f.c.Queue.Get(ctx, memos[1].ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoWaiting, m.Status)
}

func TestStartNext_TakesLowestWaitingNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memos := f.checkInMany(t, 3)

	first, _, err := f.c.Queue.StartNext(ctx, "dr-y")
	require.NoError(t, err)
	assert.Equal(t, memos[0].ID, first.ID)
	_, err = f.c.Queue.Complete(ctx, first.ID, "")
	require.NoError(t, err)

	second, session, err := f.c.Queue.StartNext(ctx, "dr-y")
	require.NoError(t, err)
	assert.Equal(t, memos[1].ID, second.ID)
	assert.Equal(t, second.ID, session.ActiveMemoID)
}

func TestStartNext_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.c.Queue.StartNext(context.Background(), "dr-x")

	assert.True(t, clinic.IsNotFound(err))
}

func TestCancel_CheckedInAppointmentCancelsMemo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, memo := f.checkIn(t, "dr-x", "a@example.com", "10:00")

	_, err := f.c.Appointments.Cancel(ctx, appt.ID, "left early")
	require.NoError(t, err)

	m, err := f.c.Queue.Get(ctx, memo.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoCancelled, m.Status)
	assert.Equal(t, "left early", m.Note)
	assert.Equal(t, 0, f.claims(t, "dr-x", today, "10:00"))
}

func TestCancel_InProgressConsultationFreesDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, memo := f.checkIn(t, "dr-x", "a@example.com", "10:00")
	_, _, err := f.c.Queue.Start(ctx, memo.ID, "")
	require.NoError(t, err)

	_, err = f.c.Appointments.Cancel(ctx, appt.ID, "")
	require.NoError(t, err)

	s, err := f.c.Sessions.Get(ctx, "dr-x")
	require.NoError(t, err)
	assert.Equal(t, clinic.SessionIdle, s.Status)
	assert.Empty(t, s.ActiveMemoID)
	m, err := f.c.Queue.Get(ctx, memo.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoCancelled, m.Status)
}

func TestReschedule_CheckedInMovesWaitingMemo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, memo := f.checkIn(t, "dr-x", "a@example.com", "10:00")
	target := clinic.SlotRef{Date: tomorrow, Time: clock("09:00")}

	moved, err := f.c.Appointments.Reschedule(ctx, appt.ID, target)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusRescheduled, moved.Status)

	m, err := f.c.Queue.Get(ctx, memo.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoRescheduled, m.Status)
	require.NotNil(t, m.RescheduledTo)
	assert.Equal(t, target, *m.RescheduledTo)
}

func TestReschedule_InProgressConsultationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, memo := f.checkIn(t, "dr-x", "a@example.com", "10:00")
	_, _, err := f.c.Queue.Start(ctx, memo.ID, "")
	require.NoError(t, err)

	_, err = f.c.Appointments.Reschedule(ctx, appt.ID, clinic.SlotRef{Date: tomorrow, Time: clock("09:00")})

	assert.ErrorIs(t, err, clinic.ErrInvalidTransition)
	assert.Equal(t, 1, f.claims(t, "dr-x", today, "10:00"))
	assert.Equal(t, 0, f.claims(t, "dr-x", tomorrow, "09:00"))
}

func TestQueue_ListInNumberOrder(t *testing.T) {
	f := newFixture(t)
	f.checkInMany(t, 4)

	memos, err := f.c.Queue.List(context.Background(), "dr-y", today)

	require.NoError(t, err)
	require.Len(t, memos, 4)
	for i, m := range memos {
		assert.Equal(t, i+1, m.MemoNumber)
	}
}
