package clinic_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/clinic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 2026-03-02, 08:00 UTC. Every slot today is still ahead.
var (
	startOfTest = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	today       = clinic.NewDay(2026, time.March, 2)
	tomorrow    = clinic.NewDay(2026, time.March, 3)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures events and receipts dispatched after commit.
type recorder struct {
	mu       sync.Mutex
	events   []clinic.Event
	receipts []clinic.ReceiptRequest
}

func (r *recorder) Notify(_ context.Context, e clinic.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) IssueReceipt(_ context.Context, req clinic.ReceiptRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, req)
	return nil
}

func (r *recorder) has(t clinic.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (r *recorder) receiptKinds() []clinic.ReceiptKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []clinic.ReceiptKind
	for _, rc := range r.receipts {
		out = append(out, rc.Kind)
	}
	return out
}

type fixture struct {
	c     *clinic.Clinic
	store *store.Memory
	clock *testClock
	rec   *recorder
}

// everyDay returns availability with the same window on all seven days.
func everyDay(start, end string, slots, capacity int) clinic.WeeklyAvailability {
	doc := clinic.WeeklyAvailability{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		doc[clinic.WeekdayKey(wd)] = clinic.AvailabilityEntry{Start: start, End: end, SlotCount: slots, Capacity: capacity}
	}
	return doc
}

// newFixture builds an engine over the memory store with two doctors:
// dr-x (09:00-12:00, six 30-minute slots, capacity 1) and dr-y (same
// window, capacity 2).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: startOfTest}
	rec := &recorder{}
	mem := store.NewMemory()
	var seq atomic.Int64

	c := clinic.New(mem, clinic.Options{
		Logger:        zerolog.Nop(),
		Clock:         clock.Now,
		PaymentWindow: 30 * time.Minute,
		Notifier:      rec,
		Biller:        rec,
		NewID:         func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	})

	ctx := context.Background()
	_, err := c.Doctors.Save(ctx, clinic.Doctor{ID: "dr-x", Name: "Dr. X", Fee: decimal.NewFromInt(500), Availability: everyDay("09:00", "12:00", 6, 1)})
	require.NoError(t, err)
	_, err = c.Doctors.Save(ctx, clinic.Doctor{ID: "dr-y", Name: "Dr. Y", Fee: decimal.NewFromInt(300), Availability: everyDay("09:00", "12:00", 6, 2)})
	require.NoError(t, err)

	return &fixture{c: c, store: mem, clock: clock, rec: rec}
}

func clock(s string) clinic.ClockTime {
	t, err := clinic.ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

func bookReq(doctor clinic.DoctorID, email string, day clinic.Day, at string) clinic.BookRequest {
	return clinic.BookRequest{
		DoctorID:     doctor,
		PatientEmail: email,
		Date:         day,
		Time:         clock(at),
		Type:         clinic.TypeConsultation,
	}
}

func (f *fixture) book(t *testing.T, doctor clinic.DoctorID, email string, day clinic.Day, at string) *clinic.Appointment {
	t.Helper()
	appt, err := f.c.Appointments.Book(context.Background(), bookReq(doctor, email, day, at))
	require.NoError(t, err)
	return appt
}

func (f *fixture) bookPaid(t *testing.T, doctor clinic.DoctorID, email string, day clinic.Day, at string) *clinic.Appointment {
	t.Helper()
	appt := f.book(t, doctor, email, day, at)
	paid, err := f.c.Appointments.MarkPaid(context.Background(), appt.ID, "reception")
	require.NoError(t, err)
	return paid
}

func (f *fixture) checkIn(t *testing.T, doctor clinic.DoctorID, email string, at string) (*clinic.Appointment, *clinic.ConsultationMemo) {
	t.Helper()
	appt := f.bookPaid(t, doctor, email, today, at)
	checked, memo, err := f.c.Appointments.CheckIn(context.Background(), appt.ID)
	require.NoError(t, err)
	return checked, memo
}

func (f *fixture) claims(t *testing.T, doctor clinic.DoctorID, day clinic.Day, at string) int {
	t.Helper()
	var n int
	err := f.store.View(context.Background(), func(s clinic.Store) error {
		var err error
		n, err = s.CountClaims(context.Background(), clinic.NewSlotKey(doctor, day, clock(at)))
		return err
	})
	require.NoError(t, err)
	return n
}

func (f *fixture) blocking(t *testing.T, doctor clinic.DoctorID, day clinic.Day, at string) int {
	t.Helper()
	var n int
	err := f.store.View(context.Background(), func(s clinic.Store) error {
		var err error
		n, err = f.c.Ledger.CountBlocking(context.Background(), s, clinic.NewSlotKey(doctor, day, clock(at)))
		return err
	})
	require.NoError(t, err)
	return n
}
