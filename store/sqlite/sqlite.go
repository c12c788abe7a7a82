/*
Package sqlite provides a SQLite-backed implementation of clinic.TxStore.

PURPOSE:
  Persists doctors, appointments, slot claims, waitlist entries, memos,
  memo counters and doctor sessions. All engine access goes through
  WithTx (read-write) or View (read-only); both hand the engine a Store
  bound to one *sql.Tx.

KEY TABLES:
  doctors:            doctor catalogue with the weekly availability JSON
  appointments:       every appointment ever booked (never deleted)
  slot_claims:        one row per blocking appointment
  waitlists:          FIFO entries, seq breaks createdAt ties
  consultation_memos: numbered queue tickets
  memo_counters:      last issued memo number per doctor per day
  doctor_sessions:    one row per doctor

CONCURRENCY GUARDS:
  - slot_claims PRIMARY KEY (slot_key, ordinal): two bookings can never take
    the same ordinal, and ordinals never exceed capacity
  - slot_claims UNIQUE (appointment_id): one claim per appointment
  - consultation_memos UNIQUE (doctor_id, issue_date, memo_number)
  A violated constraint surfaces as clinic.ErrConcurrentModification.
  Within one process writers are also serialized by an RWMutex.

TIME STORAGE:
  Instants are stored as fixed-width UTC text so that string comparison
  orders them correctly. Days are "YYYY-MM-DD", clock times "HH:MM".

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := clinic.New(store, clinic.Options{...})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - clinic/store.go: interface definitions
  - clinic/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-engine/clinic"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements clinic.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS doctors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		specialty TEXT NOT NULL DEFAULT '',
		fee TEXT NOT NULL DEFAULT '0',
		availability_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		doctor_id TEXT NOT NULL REFERENCES doctors(id),
		patient_email TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_channel TEXT NOT NULL,
		payment_instrument TEXT NOT NULL DEFAULT '',
		payment_amount TEXT NOT NULL DEFAULT '0',
		payment_deadline TEXT,
		paid_by TEXT NOT NULL DEFAULT '',
		paid_at TEXT,
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_slot
		ON appointments(doctor_id, date, time);
	CREATE INDEX IF NOT EXISTS idx_appointments_pending
		ON appointments(status, payment_deadline);
	CREATE INDEX IF NOT EXISTS idx_appointments_patient
		ON appointments(patient_email);

	-- CRITICAL: capacity guard. ordinal runs 1..capacity, so a full slot has
	-- no free primary key left for a concurrent booking.
	CREATE TABLE IF NOT EXISTS slot_claims (
		slot_key TEXT NOT NULL,
		ordinal INTEGER NOT NULL CHECK (ordinal >= 1),
		appointment_id TEXT NOT NULL UNIQUE,
		claimed_at TEXT NOT NULL,
		PRIMARY KEY (slot_key, ordinal)
	);

	CREATE TABLE IF NOT EXISTS waitlists (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		doctor_id TEXT NOT NULL REFERENCES doctors(id),
		patient_email TEXT NOT NULL,
		preferred_date TEXT NOT NULL,
		type TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_channel TEXT NOT NULL,
		payment_instrument TEXT NOT NULL DEFAULT '',
		payment_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		promoted_appointment_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_waitlists_group
		ON waitlists(doctor_id, preferred_date, type, status, created_at);

	CREATE TABLE IF NOT EXISTS consultation_memos (
		id TEXT PRIMARY KEY,
		appointment_id TEXT NOT NULL REFERENCES appointments(id),
		doctor_id TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		memo_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		checked_in_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		rescheduled_date TEXT,
		rescheduled_time TEXT,
		note TEXT NOT NULL DEFAULT ''
	);

	-- CRITICAL: memo numbers never repeat for a doctor on a day
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_memo_number
		ON consultation_memos(doctor_id, issue_date, memo_number);
	CREATE INDEX IF NOT EXISTS idx_memos_appointment
		ON consultation_memos(appointment_id);

	CREATE TABLE IF NOT EXISTS memo_counters (
		doctor_id TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		last_number INTEGER NOT NULL,
		PRIMARY KEY (doctor_id, issue_date)
	);

	CREATE TABLE IF NOT EXISTS doctor_sessions (
		doctor_id TEXT PRIMARY KEY REFERENCES doctors(id),
		status TEXT NOT NULL,
		active_memo_id TEXT,
		note TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (clinic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return clinic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View executes fn within a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(clinic.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txStore{tx: sqlTx})
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"doctor_sessions", "consultation_memos", "memo_counters",
		"slot_claims", "waitlists", "appointments", "doctors",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// DOCTORS
// =============================================================================

func (ts *txStore) SaveDoctor(ctx context.Context, d clinic.Doctor) error {
	availability, err := json.Marshal(d.Availability)
	if err != nil {
		return fmt.Errorf("failed to encode availability: %w", err)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO doctors (id, name, specialty, fee, availability_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			specialty = excluded.specialty,
			fee = excluded.fee,
			availability_json = excluded.availability_json,
			updated_at = excluded.updated_at
	`,
		d.ID, d.Name, d.Specialty, d.Fee.String(), string(availability),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save doctor: %w", err)
	}
	return nil
}

func (ts *txStore) GetDoctor(ctx context.Context, id clinic.DoctorID) (*clinic.Doctor, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT id, name, specialty, fee, availability_json, created_at, updated_at
		FROM doctors WHERE id = ?
	`, id)
	d, err := scanDoctor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clinic.ErrNotFound
	}
	return d, err
}

func (ts *txStore) ListDoctors(ctx context.Context) ([]clinic.Doctor, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, name, specialty, fee, availability_json, created_at, updated_at
		FROM doctors ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list doctors: %w", err)
	}
	defer rows.Close()

	var out []clinic.Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDoctor(row scanner) (*clinic.Doctor, error) {
	var (
		d                    clinic.Doctor
		fee, availability    string
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Specialty, &fee, &availability, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Fee = parseDecimal(fee)
	doc, err := clinic.ParseWeeklyAvailability([]byte(availability))
	if err != nil {
		// a corrupt document resolves to no slots rather than failing reads
		doc = clinic.WeeklyAvailability{}
	}
	d.Availability = doc
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, doctor_id, patient_email, date, time, type, status,
	payment_method, payment_channel, payment_instrument, payment_amount,
	payment_deadline, paid_by, paid_at, cancel_reason, created_at, updated_at`

func (ts *txStore) CreateAppointment(ctx context.Context, a clinic.Appointment) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, appointmentArgs(a)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clinic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateAppointment(ctx context.Context, a clinic.Appointment) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE appointments SET
			date = ?, time = ?, type = ?, status = ?,
			payment_method = ?, payment_channel = ?, payment_instrument = ?, payment_amount = ?,
			payment_deadline = ?, paid_by = ?, paid_at = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ?
	`,
		a.Date.String(), a.Time.String(), a.Type, a.Status,
		a.Payment.Method, a.Payment.Channel, a.Payment.Instrument, a.Payment.Amount.String(),
		nullTime(a.PaymentDeadline), a.PaidBy, nullTime(a.PaidAt), a.CancelReason, formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update appointment: %w", err)
	}
	return expectOneRow(res)
}

func appointmentArgs(a clinic.Appointment) []any {
	return []any{
		a.ID, a.DoctorID, a.PatientEmail, a.Date.String(), a.Time.String(), a.Type, a.Status,
		a.Payment.Method, a.Payment.Channel, a.Payment.Instrument, a.Payment.Amount.String(),
		nullTime(a.PaymentDeadline), a.PaidBy, nullTime(a.PaidAt), a.CancelReason,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	}
}

func (ts *txStore) GetAppointment(ctx context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clinic.ErrNotFound
	}
	return a, err
}

func (ts *txStore) ListAppointments(ctx context.Context, f clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	var (
		where []string
		args  []any
	)
	if f.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, f.DoctorID)
	}
	if f.Date != nil {
		where = append(where, "date = ?")
		args = append(args, f.Date.String())
	}
	if f.PatientEmail != "" {
		where = append(where, "patient_email = ?")
		args = append(args, f.PatientEmail)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.DeadlineBefore != nil {
		where = append(where, "payment_deadline IS NOT NULL AND payment_deadline < ?")
		args = append(args, formatTime(*f.DeadlineBefore))
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, time, created_at"

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	var out []clinic.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAppointment(row scanner) (*clinic.Appointment, error) {
	var (
		a                    clinic.Appointment
		date, at, amount     string
		deadline, paidAt     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.ID, &a.DoctorID, &a.PatientEmail, &date, &at, &a.Type, &a.Status,
		&a.Payment.Method, &a.Payment.Channel, &a.Payment.Instrument, &amount,
		&deadline, &a.PaidBy, &paidAt, &a.CancelReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.Date, err = clinic.ParseDay(date); err != nil {
		return nil, err
	}
	if a.Time, err = clinic.ParseClockTime(at); err != nil {
		return nil, err
	}
	a.Payment.Amount = parseDecimal(amount)
	a.PaymentDeadline = parseNullTime(deadline)
	a.PaidAt = parseNullTime(paidAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// =============================================================================
// SLOT CLAIMS
// =============================================================================

func (ts *txStore) ClaimSlot(ctx context.Context, key clinic.SlotKey, id clinic.AppointmentID, capacity int) error {
	rows, err := ts.tx.QueryContext(ctx, `SELECT ordinal FROM slot_claims WHERE slot_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("failed to read slot claims: %w", err)
	}
	taken := make(map[int]bool)
	for rows.Next() {
		var ordinal int
		if err := rows.Scan(&ordinal); err != nil {
			rows.Close()
			return err
		}
		taken[ordinal] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// Capacity may have shrunk below the ordinals already held.
	if len(taken) >= capacity {
		return clinic.ErrSlotFull
	}
	ordinal := 0
	for o := 1; o <= capacity; o++ {
		if !taken[o] {
			ordinal = o
			break
		}
	}
	if ordinal == 0 {
		return clinic.ErrSlotFull
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO slot_claims (slot_key, ordinal, appointment_id, claimed_at)
		VALUES (?, ?, ?, ?)
	`, key.String(), ordinal, id, formatTime(time.Now()))
	if err != nil {
		if isUniqueConstraintError(err) {
			return clinic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to claim slot: %w", err)
	}
	return nil
}

func (ts *txStore) ReleaseSlot(ctx context.Context, id clinic.AppointmentID) (clinic.SlotKey, bool, error) {
	var raw string
	err := ts.tx.QueryRowContext(ctx, `SELECT slot_key FROM slot_claims WHERE appointment_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.SlotKey{}, false, nil
	}
	if err != nil {
		return clinic.SlotKey{}, false, fmt.Errorf("failed to read slot claim: %w", err)
	}
	if _, err := ts.tx.ExecContext(ctx, `DELETE FROM slot_claims WHERE appointment_id = ?`, id); err != nil {
		return clinic.SlotKey{}, false, fmt.Errorf("failed to release slot: %w", err)
	}
	key, err := clinic.ParseSlotKey(raw)
	if err != nil {
		return clinic.SlotKey{}, false, err
	}
	return key, true, nil
}

func (ts *txStore) CountClaims(ctx context.Context, key clinic.SlotKey) (int, error) {
	var n int
	err := ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM slot_claims WHERE slot_key = ?`, key.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count slot claims: %w", err)
	}
	return n, nil
}

// =============================================================================
// WAITLIST
// =============================================================================

const waitlistColumns = `id, doctor_id, patient_email, preferred_date, type,
	payment_method, payment_channel, payment_instrument, payment_amount,
	status, promoted_appointment_id, created_at, updated_at`

func (ts *txStore) CreateWaitlistEntry(ctx context.Context, e clinic.WaitlistEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO waitlists (`+waitlistColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.DoctorID, e.PatientEmail, e.PreferredDate.String(), e.Type,
		e.Payment.Method, e.Payment.Channel, e.Payment.Instrument, e.Payment.Amount.String(),
		e.Status, nullString(string(e.PromotedAppointmentID)), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clinic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to create waitlist entry: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateWaitlistEntry(ctx context.Context, e clinic.WaitlistEntry) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE waitlists SET status = ?, promoted_appointment_id = ?, updated_at = ?
		WHERE id = ?
	`, e.Status, nullString(string(e.PromotedAppointmentID)), formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update waitlist entry: %w", err)
	}
	return expectOneRow(res)
}

func (ts *txStore) GetWaitlistEntry(ctx context.Context, id clinic.WaitlistEntryID) (*clinic.WaitlistEntry, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+waitlistColumns+` FROM waitlists WHERE id = ?`, id)
	e, err := scanWaitlistEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clinic.ErrNotFound
	}
	return e, err
}

func (ts *txStore) ListWaitlist(ctx context.Context, f clinic.WaitlistFilter) ([]clinic.WaitlistEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, f.DoctorID)
	}
	if f.Date != nil {
		where = append(where, "preferred_date = ?")
		args = append(args, f.Date.String())
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.PatientEmail != "" {
		where = append(where, "patient_email = ?")
		args = append(args, f.PatientEmail)
	}

	query := `SELECT ` + waitlistColumns + ` FROM waitlists`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, seq"

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist: %w", err)
	}
	defer rows.Close()

	var out []clinic.WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanWaitlistEntry(row scanner) (*clinic.WaitlistEntry, error) {
	var (
		e                    clinic.WaitlistEntry
		date, amount         string
		promoted             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&e.ID, &e.DoctorID, &e.PatientEmail, &date, &e.Type,
		&e.Payment.Method, &e.Payment.Channel, &e.Payment.Instrument, &amount,
		&e.Status, &promoted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.PreferredDate, err = clinic.ParseDay(date); err != nil {
		return nil, err
	}
	e.Payment.Amount = parseDecimal(amount)
	e.PromotedAppointmentID = clinic.AppointmentID(promoted.String)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// =============================================================================
// MEMOS
// =============================================================================

const memoColumns = `id, appointment_id, doctor_id, issue_date, memo_number, status,
	checked_in_at, started_at, completed_at, rescheduled_date, rescheduled_time, note`

func (ts *txStore) NextMemoNumber(ctx context.Context, doctorID clinic.DoctorID, day clinic.Day) (int, error) {
	var n int
	err := ts.tx.QueryRowContext(ctx, `
		INSERT INTO memo_counters (doctor_id, issue_date, last_number) VALUES (?, ?, 1)
		ON CONFLICT(doctor_id, issue_date) DO UPDATE SET last_number = last_number + 1
		RETURNING last_number
	`, doctorID, day.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate memo number: %w", err)
	}
	return n, nil
}

func (ts *txStore) CreateMemo(ctx context.Context, m clinic.ConsultationMemo) error {
	date, at := rescheduledColumns(m.RescheduledTo)
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO consultation_memos (`+memoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.AppointmentID, m.DoctorID, m.IssueDate.String(), m.MemoNumber, m.Status,
		formatTime(m.CheckedInAt), nullTime(m.StartedAt), nullTime(m.CompletedAt), date, at, m.Note,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clinic.ErrConcurrentModification
		}
		return fmt.Errorf("failed to create memo: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateMemo(ctx context.Context, m clinic.ConsultationMemo) error {
	date, at := rescheduledColumns(m.RescheduledTo)
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE consultation_memos SET
			status = ?, started_at = ?, completed_at = ?,
			rescheduled_date = ?, rescheduled_time = ?, note = ?
		WHERE id = ?
	`, m.Status, nullTime(m.StartedAt), nullTime(m.CompletedAt), date, at, m.Note, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update memo: %w", err)
	}
	return expectOneRow(res)
}

func (ts *txStore) GetMemo(ctx context.Context, id clinic.MemoID) (*clinic.ConsultationMemo, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM consultation_memos WHERE id = ?`, id)
	m, err := scanMemo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clinic.ErrNotFound
	}
	return m, err
}

func (ts *txStore) ListMemos(ctx context.Context, f clinic.MemoFilter) ([]clinic.ConsultationMemo, error) {
	var (
		where []string
		args  []any
	)
	if f.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, f.DoctorID)
	}
	if f.IssueDate != nil {
		where = append(where, "issue_date = ?")
		args = append(args, f.IssueDate.String())
	}
	if f.AppointmentID != "" {
		where = append(where, "appointment_id = ?")
		args = append(args, f.AppointmentID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + memoColumns + ` FROM consultation_memos`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issue_date, doctor_id, memo_number"

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memos: %w", err)
	}
	defer rows.Close()

	var out []clinic.ConsultationMemo
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMemo(row scanner) (*clinic.ConsultationMemo, error) {
	var (
		m                        clinic.ConsultationMemo
		issueDate, checkedIn     string
		started, completed       sql.NullString
		reschedDate, reschedTime sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.AppointmentID, &m.DoctorID, &issueDate, &m.MemoNumber, &m.Status,
		&checkedIn, &started, &completed, &reschedDate, &reschedTime, &m.Note,
	)
	if err != nil {
		return nil, err
	}
	if m.IssueDate, err = clinic.ParseDay(issueDate); err != nil {
		return nil, err
	}
	m.CheckedInAt = parseTime(checkedIn)
	m.StartedAt = parseNullTime(started)
	m.CompletedAt = parseNullTime(completed)
	if reschedDate.Valid && reschedTime.Valid {
		day, derr := clinic.ParseDay(reschedDate.String)
		at, terr := clinic.ParseClockTime(reschedTime.String)
		if derr == nil && terr == nil {
			m.RescheduledTo = &clinic.SlotRef{Date: day, Time: at}
		}
	}
	return &m, nil
}

func rescheduledColumns(ref *clinic.SlotRef) (sql.NullString, sql.NullString) {
	if ref == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(ref.Date.String()), nullString(ref.Time.String())
}

// =============================================================================
// SESSIONS
// =============================================================================

func (ts *txStore) GetSession(ctx context.Context, doctorID clinic.DoctorID) (*clinic.DoctorSession, error) {
	var (
		s         clinic.DoctorSession
		active    sql.NullString
		updatedAt string
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT doctor_id, status, active_memo_id, note, updated_at
		FROM doctor_sessions WHERE doctor_id = ?
	`, doctorID).Scan(&s.DoctorID, &s.Status, &active, &s.Note, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clinic.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.ActiveMemoID = clinic.MemoID(active.String)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

func (ts *txStore) SaveSession(ctx context.Context, s clinic.DoctorSession) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO doctor_sessions (doctor_id, status, active_memo_id, note, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doctor_id) DO UPDATE SET
			status = excluded.status,
			active_memo_id = excluded.active_memo_id,
			note = excluded.note,
			updated_at = excluded.updated_at
	`, s.DoctorID, s.Status, nullString(string(s.ActiveMemoID)), s.Note, formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return clinic.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
