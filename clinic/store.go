/*
store.go - Persistence interface for the clinic engine

PURPOSE:
  Defines the boundary between engine logic and the database. The engine
  never touches the database outside a transaction: every mutating
  operation runs inside TxStore.WithTx and every read inside TxStore.View.

KEY INTERFACES:
  Store:   row-level access used inside a transaction
  TxStore: opens transactions (read-write and read-only)

CONCURRENCY GUARDS:
  Implementations must enforce, at write time:
  - slot claims: unique (slot key, ordinal) with 1 <= ordinal <= capacity,
    and at most one claim per appointment
  - memos: unique (doctor, issue date, memo number)
  A violation returns ErrConcurrentModification so the caller can retry.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - clinic/store/memory.go: in-memory, for tests and demos

SEE ALSO:
  - ledger.go: slot claims on top of SlotStore
*/
package clinic

import "context"

// =============================================================================
// TX STORE - Transaction entry points
// =============================================================================

// TxStore runs functions against a transactional Store.
// If fn returns an error, every write made through the Store is rolled back.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Store) error) error
	View(ctx context.Context, fn func(Store) error) error
}

// Store is the union of all row-level accessors.
type Store interface {
	DoctorStore
	AppointmentStore
	SlotStore
	WaitlistStore
	MemoStore
	SessionStore
}

// =============================================================================
// ROW-LEVEL STORES
// =============================================================================

type DoctorStore interface {
	SaveDoctor(ctx context.Context, d Doctor) error
	GetDoctor(ctx context.Context, id DoctorID) (*Doctor, error)
	ListDoctors(ctx context.Context) ([]Doctor, error)
}

type AppointmentStore interface {
	CreateAppointment(ctx context.Context, a Appointment) error
	UpdateAppointment(ctx context.Context, a Appointment) error
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)
	// ListAppointments returns matches ordered by date, time, createdAt.
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
}

// SlotStore holds one claim row per blocking appointment.
type SlotStore interface {
	// ClaimSlot takes the lowest free ordinal for key. Returns ErrSlotFull
	// when all capacity ordinals are taken.
	ClaimSlot(ctx context.Context, key SlotKey, id AppointmentID, capacity int) error
	// ReleaseSlot removes the appointment's claim. ok is false if it had none.
	ReleaseSlot(ctx context.Context, id AppointmentID) (key SlotKey, ok bool, err error)
	CountClaims(ctx context.Context, key SlotKey) (int, error)
}

type WaitlistStore interface {
	CreateWaitlistEntry(ctx context.Context, e WaitlistEntry) error
	UpdateWaitlistEntry(ctx context.Context, e WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id WaitlistEntryID) (*WaitlistEntry, error)
	// ListWaitlist returns matches in FIFO order (createdAt, then insertion).
	ListWaitlist(ctx context.Context, f WaitlistFilter) ([]WaitlistEntry, error)
}

type MemoStore interface {
	// NextMemoNumber increments and returns the counter for (doctor, day).
	NextMemoNumber(ctx context.Context, doctorID DoctorID, day Day) (int, error)
	CreateMemo(ctx context.Context, m ConsultationMemo) error
	UpdateMemo(ctx context.Context, m ConsultationMemo) error
	GetMemo(ctx context.Context, id MemoID) (*ConsultationMemo, error)
	// ListMemos returns matches ordered by issue date, then memo number.
	ListMemos(ctx context.Context, f MemoFilter) ([]ConsultationMemo, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, doctorID DoctorID) (*DoctorSession, error)
	SaveSession(ctx context.Context, s DoctorSession) error
}
