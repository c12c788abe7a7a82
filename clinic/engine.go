/*
engine.go - Wiring and transaction plumbing for the clinic engine

PURPOSE:
  New() builds one Clinic from a TxStore and Options. The components share
  the Clinic so that one operation can cross component boundaries inside a
  single transaction: a cancellation releases a slot and promotes the
  waitlist atomically, a check-in issues its memo atomically.

TRANSACTIONS:
  write() runs fn inside TxStore.WithTx. A uniqueness conflict
  (ErrConcurrentModification) is retried once, then surfaced as
  ConcurrencyConflictError. Events and receipts collected during fn are
  dispatched only after commit.

SEE ALSO:
  - store.go: TxStore contract
  - events.go: Notifier and Biller collaborators
*/
package clinic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPaymentWindow is how long an unpaid booking holds its slot.
const DefaultPaymentWindow = 30 * time.Minute

type Options struct {
	Logger          zerolog.Logger
	Clock           func() time.Time
	Location        *time.Location
	PaymentWindow   time.Duration
	DefaultCapacity int
	Notifier        Notifier
	Biller          Biller
	NewID           func() string
}

// Clinic is the engine facade.
type Clinic struct {
	store         TxStore
	log           zerolog.Logger
	now           func() time.Time
	loc           *time.Location
	paymentWindow time.Duration
	notifier      Notifier
	biller        Biller
	newID         func() string

	Resolver     *Resolver
	Ledger       SlotLedger
	Doctors      *DoctorService
	Appointments *AppointmentService
	Waitlist     *WaitlistManager
	Sessions     *SessionController
	Queue        *QueueEngine
}

func New(store TxStore, opts Options) *Clinic {
	c := &Clinic{
		store:         store,
		log:           opts.Logger,
		now:           opts.Clock,
		loc:           opts.Location,
		paymentWindow: opts.PaymentWindow,
		notifier:      opts.Notifier,
		biller:        opts.Biller,
		newID:         opts.NewID,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.paymentWindow <= 0 {
		c.paymentWindow = DefaultPaymentWindow
	}
	if c.notifier == nil {
		c.notifier = NopNotifier{}
	}
	if c.biller == nil {
		c.biller = NopBiller{}
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}

	c.Resolver = NewResolver(c.log, opts.DefaultCapacity)
	c.Doctors = &DoctorService{c: c}
	c.Appointments = &AppointmentService{c: c}
	c.Waitlist = &WaitlistManager{c: c}
	c.Sessions = &SessionController{c: c}
	c.Queue = &QueueEngine{c: c}
	return c
}

// Now returns the engine clock in the clinic's location.
func (c *Clinic) Now() time.Time { return c.now().In(c.loc) }

// Today returns the clinic's current calendar date.
func (c *Clinic) Today() Day { return DayOf(c.Now()) }

func (c *Clinic) Location() *time.Location { return c.loc }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// txn is the Store seen by one write, plus the side effects to run after
// commit.
type txn struct {
	Store
	events   []Event
	receipts []ReceiptRequest
}

func (t *txn) emit(e Event) { t.events = append(t.events, e) }

func (t *txn) bill(r ReceiptRequest) { t.receipts = append(t.receipts, r) }

func (c *Clinic) write(ctx context.Context, op string, fn func(*txn) error) error {
	var committed *txn
	attempt := func() error {
		return c.store.WithTx(ctx, func(s Store) error {
			t := &txn{Store: s}
			if err := fn(t); err != nil {
				return err
			}
			committed = t
			return nil
		})
	}

	err := attempt()
	if err != nil && errors.Is(err, ErrConcurrentModification) {
		c.log.Debug().Str("op", op).Err(err).Msg("write conflict, retrying once")
		committed = nil
		err = attempt()
	}
	if err != nil {
		var conflict *ConcurrencyConflictError
		if errors.Is(err, ErrConcurrentModification) && !errors.As(err, &conflict) {
			return &ConcurrencyConflictError{Operation: op, Err: err}
		}
		return err
	}

	c.dispatch(ctx, committed)
	return nil
}

func (c *Clinic) read(ctx context.Context, fn func(Store) error) error {
	return c.store.View(ctx, fn)
}

// dispatch delivers post-commit side effects. Failures are logged only.
func (c *Clinic) dispatch(ctx context.Context, t *txn) {
	if t == nil {
		return
	}
	for _, e := range t.events {
		if err := c.notifier.Notify(ctx, e); err != nil {
			c.log.Warn().Err(err).Str("event", string(e.Type)).Msg("notification failed")
		}
	}
	for _, r := range t.receipts {
		if err := c.biller.IssueReceipt(ctx, r); err != nil {
			c.log.Warn().Err(err).
				Str("appointment_id", string(r.AppointmentID)).
				Str("kind", string(r.Kind)).
				Msg("receipt generation failed")
		}
	}
}
