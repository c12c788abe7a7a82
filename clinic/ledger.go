package clinic

import (
	"context"
	"errors"
)

// =============================================================================
// SLOT LEDGER - Capacity accounting per slot key
// =============================================================================

// SlotLedger counts and claims slot occupancy. It holds no state: every call
// reads the store passed in, so a check made inside a transaction sees that
// transaction's own writes.
type SlotLedger struct{}

// Count returns the number of blocking appointments holding key.
func (SlotLedger) Count(ctx context.Context, s Store, key SlotKey) (int, error) {
	return s.CountClaims(ctx, key)
}

func (l SlotLedger) HasCapacity(ctx context.Context, s Store, key SlotKey, capacity int) (bool, error) {
	n, err := l.Count(ctx, s, key)
	if err != nil {
		return false, err
	}
	return n < capacity, nil
}

// Claim records that appointment id occupies key.
func (SlotLedger) Claim(ctx context.Context, s Store, key SlotKey, id AppointmentID, capacity int) error {
	err := s.ClaimSlot(ctx, key, id, capacity)
	if errors.Is(err, ErrSlotFull) {
		return &SlotFullError{Key: key, Capacity: capacity}
	}
	return err
}

// Release drops the claim of appointment id, returning the freed key.
func (SlotLedger) Release(ctx context.Context, s Store, id AppointmentID) (SlotKey, bool, error) {
	return s.ReleaseSlot(ctx, id)
}

// CountBlocking recomputes occupancy from appointment statuses. Used to
// audit that claims and statuses agree.
func (SlotLedger) CountBlocking(ctx context.Context, s Store, key SlotKey) (int, error) {
	date := key.Date
	appts, err := s.ListAppointments(ctx, AppointmentFilter{DoctorID: key.DoctorID, Date: &date})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range appts {
		if a.Time == key.Time && a.Status.Blocking() {
			n++
		}
	}
	return n, nil
}
