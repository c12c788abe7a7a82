package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/store/sqlite"
)

var (
	now      = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	today    = clinic.NewDay(2026, time.March, 2)
	tomorrow = clinic.NewDay(2026, time.March, 3)
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func at(s string) clinic.ClockTime {
	c, err := clinic.ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

func weekdays(start, end string, slots, capacity int) clinic.WeeklyAvailability {
	doc := clinic.WeeklyAvailability{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		doc[clinic.WeekdayKey(wd)] = clinic.AvailabilityEntry{Start: start, End: end, SlotCount: slots, Capacity: capacity}
	}
	return doc
}

func seedDoctor(t *testing.T, store *sqlite.Store, id clinic.DoctorID, capacity int) {
	t.Helper()
	err := store.WithTx(context.Background(), func(s clinic.Store) error {
		return s.SaveDoctor(context.Background(), clinic.Doctor{
			ID:           id,
			Name:         "Dr. " + string(id),
			Fee:          decimal.RequireFromString("450.50"),
			Availability: weekdays("09:00", "12:00", 6, capacity),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	})
	require.NoError(t, err)
}

func appointment(id clinic.AppointmentID, doctor clinic.DoctorID, day clinic.Day, t string) clinic.Appointment {
	deadline := now.Add(30 * time.Minute)
	return clinic.Appointment{
		ID:              id,
		DoctorID:        doctor,
		PatientEmail:    string(id) + "@example.com",
		Date:            day,
		Time:            at(t),
		Type:            clinic.TypeConsultation,
		Status:          clinic.StatusPendingPayment,
		Payment:         clinic.PaymentInfo{Method: clinic.PaymentCard, Channel: clinic.ChannelOnline, Amount: decimal.NewFromInt(450)},
		PaymentDeadline: &deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// =============================================================================
// ROW-LEVEL BEHAVIOUR
// =============================================================================

func TestStore_DoctorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedDoctor(t, store, "dr-a", 2)

	err := store.View(context.Background(), func(s clinic.Store) error {
		d, err := s.GetDoctor(context.Background(), "dr-a")
		require.NoError(t, err)
		assert.Equal(t, "Dr. dr-a", d.Name)
		assert.True(t, decimal.RequireFromString("450.50").Equal(d.Fee))
		entry, _, ok := d.Availability.Entry(time.Monday)
		require.True(t, ok)
		assert.Equal(t, 6, entry.SlotCount)
		assert.Equal(t, 2, entry.Capacity)

		_, err = s.GetDoctor(context.Background(), "dr-missing")
		assert.ErrorIs(t, err, clinic.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ClaimRespectsCapacity(t *testing.T) {
	// GIVEN: A capacity-2 slot
	// WHEN: Three appointments claim it
	// THEN: The third gets ErrSlotFull; releasing one frees an ordinal

	store := newTestStore(t)
	ctx := context.Background()
	key := clinic.NewSlotKey("dr-a", tomorrow, at("10:00"))

	err := store.WithTx(ctx, func(s clinic.Store) error {
		require.NoError(t, s.ClaimSlot(ctx, key, "a1", 2))
		require.NoError(t, s.ClaimSlot(ctx, key, "a2", 2))
		assert.ErrorIs(t, s.ClaimSlot(ctx, key, "a3", 2), clinic.ErrSlotFull)

		n, err := s.CountClaims(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		released, ok, err := s.ReleaseSlot(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, key, released)

		_, ok, err = s.ReleaseSlot(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, ok, "second release is a no-op")

		return s.ClaimSlot(ctx, key, "a3", 2)
	})
	require.NoError(t, err)
}

func TestStore_ClaimChecksCountAgainstReducedCapacity(t *testing.T) {
	// GIVEN: Ordinal 2 held after ordinal 1 was released
	// WHEN: A claim arrives with capacity 1
	// THEN: ErrSlotFull, even though ordinal 1 is free

	store := newTestStore(t)
	ctx := context.Background()
	key := clinic.NewSlotKey("dr-a", tomorrow, at("10:00"))

	err := store.WithTx(ctx, func(s clinic.Store) error {
		require.NoError(t, s.ClaimSlot(ctx, key, "a1", 2))
		require.NoError(t, s.ClaimSlot(ctx, key, "a2", 2))
		_, _, err := s.ReleaseSlot(ctx, "a1")
		require.NoError(t, err)

		assert.ErrorIs(t, s.ClaimSlot(ctx, key, "a3", 1), clinic.ErrSlotFull)

		n, err := s.CountClaims(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_DuplicateClaimForAppointmentIsConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s clinic.Store) error {
		require.NoError(t, s.ClaimSlot(ctx, clinic.NewSlotKey("dr-a", tomorrow, at("10:00")), "a1", 2))
		return s.ClaimSlot(ctx, clinic.NewSlotKey("dr-a", tomorrow, at("10:30")), "a1", 2)
	})

	assert.ErrorIs(t, err, clinic.ErrConcurrentModification)
}

func TestStore_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := clinic.NewSlotKey("dr-a", tomorrow, at("10:00"))

	err := store.WithTx(ctx, func(s clinic.Store) error {
		require.NoError(t, s.ClaimSlot(ctx, key, "a1", 1))
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	err = store.View(ctx, func(s clinic.Store) error {
		n, err := s.CountClaims(ctx, key)
		assert.Zero(t, n)
		return err
	})
	require.NoError(t, err)
}

func TestStore_MemoNumbersAreSequentialPerDoctorAndDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s clinic.Store) error {
		for want := 1; want <= 3; want++ {
			n, err := s.NextMemoNumber(ctx, "dr-a", today)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		n, err := s.NextMemoNumber(ctx, "dr-a", tomorrow)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "new day starts at one")

		n, err = s.NextMemoNumber(ctx, "dr-b", today)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "other doctor starts at one")
		return nil
	})
	require.NoError(t, err)
}

func TestStore_DuplicateMemoNumberIsConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedDoctor(t, store, "dr-a", 1)

	err := store.WithTx(ctx, func(s clinic.Store) error {
		require.NoError(t, s.CreateAppointment(ctx, appointment("a1", "dr-a", today, "09:00")))
		require.NoError(t, s.CreateAppointment(ctx, appointment("a2", "dr-a", today, "09:30")))
		require.NoError(t, s.CreateMemo(ctx, clinic.ConsultationMemo{
			ID: "m1", AppointmentID: "a1", DoctorID: "dr-a", IssueDate: today, MemoNumber: 1, Status: clinic.MemoWaiting, CheckedInAt: now,
		}))
		return s.CreateMemo(ctx, clinic.ConsultationMemo{
			ID: "m2", AppointmentID: "a2", DoctorID: "dr-a", IssueDate: today, MemoNumber: 1, Status: clinic.MemoWaiting, CheckedInAt: now,
		})
	})

	assert.ErrorIs(t, err, clinic.ErrConcurrentModification)
}

func TestStore_AppointmentRoundTripAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedDoctor(t, store, "dr-a", 1)

	err := store.WithTx(ctx, func(s clinic.Store) error {
		require.NoError(t, s.CreateAppointment(ctx, appointment("a2", "dr-a", tomorrow, "10:00")))
		require.NoError(t, s.CreateAppointment(ctx, appointment("a1", "dr-a", tomorrow, "09:00")))
		paid := appointment("a3", "dr-a", today, "11:00")
		paid.Status = clinic.StatusPaid
		paid.PaymentDeadline = nil
		paid.PaidBy = "reception"
		paid.PaidAt = &now
		return s.CreateAppointment(ctx, paid)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(s clinic.Store) error {
		a, err := s.GetAppointment(ctx, "a3")
		require.NoError(t, err)
		assert.Equal(t, clinic.StatusPaid, a.Status)
		assert.Nil(t, a.PaymentDeadline)
		require.NotNil(t, a.PaidAt)
		assert.True(t, now.Equal(*a.PaidAt))
		assert.Equal(t, at("11:00"), a.Time)
		assert.True(t, decimal.NewFromInt(450).Equal(a.Payment.Amount))

		day := tomorrow
		list, err := s.ListAppointments(ctx, clinic.AppointmentFilter{DoctorID: "dr-a", Date: &day})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, clinic.AppointmentID("a1"), list[0].ID, "ordered by time")

		cutoff := now.Add(time.Hour)
		overdue, err := s.ListAppointments(ctx, clinic.AppointmentFilter{
			Statuses:       []clinic.AppointmentStatus{clinic.StatusPendingPayment},
			DeadlineBefore: &cutoff,
		})
		require.NoError(t, err)
		assert.Len(t, overdue, 2)

		_, err = s.GetAppointment(ctx, "missing")
		assert.ErrorIs(t, err, clinic.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_WaitlistFIFOWithEqualTimestamps(t *testing.T) {
	// GIVEN: Three entries created at the same instant
	// WHEN: Listing the group
	// THEN: Insertion order breaks the tie

	store := newTestStore(t)
	ctx := context.Background()
	seedDoctor(t, store, "dr-a", 1)

	err := store.WithTx(ctx, func(s clinic.Store) error {
		for _, id := range []clinic.WaitlistEntryID{"w3", "w1", "w2"} {
			err := s.CreateWaitlistEntry(ctx, clinic.WaitlistEntry{
				ID: id, DoctorID: "dr-a", PatientEmail: string(id) + "@example.com", PreferredDate: tomorrow,
				Type: clinic.TypeConsultation, Status: clinic.WaitlistWaiting,
				Payment:   clinic.PaymentInfo{Method: clinic.PaymentCash, Channel: clinic.ChannelOnline},
				CreatedAt: now, UpdatedAt: now,
			})
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)

	err = store.View(ctx, func(s clinic.Store) error {
		day := tomorrow
		entries, err := s.ListWaitlist(ctx, clinic.WaitlistFilter{DoctorID: "dr-a", Date: &day, Status: clinic.WaitlistWaiting})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, clinic.WaitlistEntryID("w3"), entries[0].ID)
		assert.Equal(t, clinic.WaitlistEntryID("w1"), entries[1].ID)
		assert.Equal(t, clinic.WaitlistEntryID("w2"), entries[2].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_SessionUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedDoctor(t, store, "dr-a", 1)

	err := store.WithTx(ctx, func(s clinic.Store) error {
		_, err := s.GetSession(ctx, "dr-a")
		assert.ErrorIs(t, err, clinic.ErrNotFound)

		require.NoError(t, s.SaveSession(ctx, clinic.DoctorSession{DoctorID: "dr-a", Status: clinic.SessionIdle, UpdatedAt: now}))
		require.NoError(t, s.SaveSession(ctx, clinic.DoctorSession{DoctorID: "dr-a", Status: clinic.SessionBreak, Note: "lunch", UpdatedAt: now}))

		got, err := s.GetSession(ctx, "dr-a")
		require.NoError(t, err)
		assert.Equal(t, clinic.SessionBreak, got.Status)
		assert.Equal(t, "lunch", got.Note)
		assert.Empty(t, got.ActiveMemoID)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ViewIsReadOnlyInEffect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := clinic.NewSlotKey("dr-a", tomorrow, at("10:00"))

	_ = store.View(ctx, func(s clinic.Store) error {
		return s.ClaimSlot(ctx, key, "a1", 1)
	})

	err := store.View(ctx, func(s clinic.Store) error {
		n, err := s.CountClaims(ctx, key)
		assert.Zero(t, n, "view transactions are rolled back")
		return err
	})
	require.NoError(t, err)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedDoctor(t, store, "dr-a", 1)

	require.NoError(t, store.Reset(ctx))

	err := store.View(ctx, func(s clinic.Store) error {
		doctors, err := s.ListDoctors(ctx)
		assert.Empty(t, doctors)
		return err
	})
	require.NoError(t, err)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func newEngine(t *testing.T) (*clinic.Clinic, *sqlite.Store, *time.Time) {
	t.Helper()
	store := newTestStore(t)
	clock := now
	c := clinic.New(store, clinic.Options{
		Logger:        zerolog.Nop(),
		Clock:         func() time.Time { return clock },
		PaymentWindow: 30 * time.Minute,
	})
	_, err := c.Doctors.Save(context.Background(), clinic.Doctor{
		ID: "dr-a", Name: "Dr. A", Fee: decimal.NewFromInt(500), Availability: weekdays("09:00", "12:00", 6, 1),
	})
	require.NoError(t, err)
	return c, store, &clock
}

func book(doctor clinic.DoctorID, email string, day clinic.Day, t string) clinic.BookRequest {
	return clinic.BookRequest{DoctorID: doctor, PatientEmail: email, Date: day, Time: at(t), Type: clinic.TypeConsultation}
}

func TestEngine_ConcurrentBookingsOnSQLite(t *testing.T) {
	// GIVEN: A capacity-1 slot in SQLite
	// WHEN: Five patients book it at once
	// THEN: One wins, four are waitlisted

	c, _, _ := newEngine(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		waitlist int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Appointments.Book(ctx, book("dr-a", fmt.Sprintf("p%d@example.com", i), tomorrow, "10:00"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
				return
			}
			var full *clinic.SlotFullError
			if assert.ErrorAs(t, err, &full) && full.Waitlisted != nil {
				waitlist++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, 4, waitlist)
}

func TestEngine_ExpiryPromotesOnSQLite(t *testing.T) {
	c, _, clock := newEngine(t)
	ctx := context.Background()

	hold, err := c.Appointments.Book(ctx, book("dr-a", "hold@example.com", tomorrow, "10:00"))
	require.NoError(t, err)
	_, err = c.Appointments.Book(ctx, book("dr-a", "next@example.com", tomorrow, "10:00"))
	require.ErrorIs(t, err, clinic.ErrSlotFull)

	*clock = clock.Add(time.Hour)
	n, err := c.Appointments.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := c.Appointments.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.StatusExpired, got.Status)

	appts, err := c.Appointments.List(ctx, clinic.AppointmentFilter{PatientEmail: "next@example.com"})
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, clinic.StatusPendingPayment, appts[0].Status)
}

func TestEngine_ConsultationFlowOnSQLite(t *testing.T) {
	c, _, _ := newEngine(t)
	ctx := context.Background()

	var memos []*clinic.ConsultationMemo
	for i, slot := range []string{"09:00", "09:30", "10:00"} {
		appt, err := c.Appointments.Book(ctx, book("dr-a", fmt.Sprintf("p%d@example.com", i), today, slot))
		require.NoError(t, err)
		_, err = c.Appointments.MarkPaid(ctx, appt.ID, "reception")
		require.NoError(t, err)
		_, memo, err := c.Appointments.CheckIn(ctx, appt.ID)
		require.NoError(t, err)
		memos = append(memos, memo)
	}
	assert.Equal(t, 3, memos[2].MemoNumber)

	started, session, err := c.Queue.StartNext(ctx, "dr-a")
	require.NoError(t, err)
	assert.Equal(t, memos[0].ID, started.ID)
	assert.Equal(t, clinic.SessionBusy, session.Status)

	pos, err := c.Queue.Position(ctx, memos[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Ahead)
	assert.Equal(t, 1, pos.NowServing)

	done, err := c.Queue.Complete(ctx, started.ID, "")
	require.NoError(t, err)
	assert.Equal(t, clinic.MemoCompleted, done.Status)

	s, err := c.Sessions.Get(ctx, "dr-a")
	require.NoError(t, err)
	assert.Equal(t, clinic.SessionIdle, s.Status)
	assert.Empty(t, s.ActiveMemoID)
}
