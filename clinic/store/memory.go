// Package store provides in-process clinic.TxStore implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/clinic-engine/clinic"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("write attempted in read-only transaction")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all rows in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole function and restores a snapshot on error.
type Memory struct {
	mu   sync.RWMutex
	data *memState
}

type memState struct {
	doctors      map[clinic.DoctorID]clinic.Doctor
	appointments map[clinic.AppointmentID]clinic.Appointment
	claims       map[string]map[int]clinic.AppointmentID
	claimOf      map[clinic.AppointmentID]claimRef
	waitlist     []clinic.WaitlistEntry
	memos        map[clinic.MemoID]clinic.ConsultationMemo
	memoNumbers  map[memoNumberKey]clinic.MemoID
	counters     map[counterKey]int
	sessions     map[clinic.DoctorID]clinic.DoctorSession
}

type claimRef struct {
	key     clinic.SlotKey
	ordinal int
}

type memoNumberKey struct {
	doctor clinic.DoctorID
	day    clinic.Day
	number int
}

type counterKey struct {
	doctor clinic.DoctorID
	day    clinic.Day
}

func NewMemory() *Memory {
	return &Memory{data: newMemState()}
}

func newMemState() *memState {
	return &memState{
		doctors:      make(map[clinic.DoctorID]clinic.Doctor),
		appointments: make(map[clinic.AppointmentID]clinic.Appointment),
		claims:       make(map[string]map[int]clinic.AppointmentID),
		claimOf:      make(map[clinic.AppointmentID]claimRef),
		memos:        make(map[clinic.MemoID]clinic.ConsultationMemo),
		memoNumbers:  make(map[memoNumberKey]clinic.MemoID),
		counters:     make(map[counterKey]int),
		sessions:     make(map[clinic.DoctorID]clinic.DoctorSession),
	}
}

// WithTx executes fn within a transaction, simulated with a snapshot and
// rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memView{s: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// View executes fn against a read-only view.
func (m *Memory) View(ctx context.Context, fn func(clinic.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memView{s: m.data, readOnly: true})
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newMemState()
	return nil
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, ords := range s.claims {
		cp := make(map[int]clinic.AppointmentID, len(ords))
		for o, id := range ords {
			cp[o] = id
		}
		c.claims[k] = cp
	}
	for k, v := range s.claimOf {
		c.claimOf[k] = v
	}
	c.waitlist = append([]clinic.WaitlistEntry(nil), s.waitlist...)
	for k, v := range s.memos {
		c.memos[k] = v
	}
	for k, v := range s.memoNumbers {
		c.memoNumbers[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

// =============================================================================
// VIEW - clinic.Store over memState
// =============================================================================

type memView struct {
	s        *memState
	readOnly bool
}

func (v *memView) writable() error {
	if v.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Doctors

func (v *memView) SaveDoctor(_ context.Context, d clinic.Doctor) error {
	if err := v.writable(); err != nil {
		return err
	}
	v.s.doctors[d.ID] = d
	return nil
}

func (v *memView) GetDoctor(_ context.Context, id clinic.DoctorID) (*clinic.Doctor, error) {
	d, ok := v.s.doctors[id]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	return &d, nil
}

func (v *memView) ListDoctors(_ context.Context) ([]clinic.Doctor, error) {
	out := make([]clinic.Doctor, 0, len(v.s.doctors))
	for _, d := range v.s.doctors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Appointments

func (v *memView) CreateAppointment(_ context.Context, a clinic.Appointment) error {
	if err := v.writable(); err != nil {
		return err
	}
	if _, exists := v.s.appointments[a.ID]; exists {
		return clinic.ErrConcurrentModification
	}
	v.s.appointments[a.ID] = a
	return nil
}

func (v *memView) UpdateAppointment(_ context.Context, a clinic.Appointment) error {
	if err := v.writable(); err != nil {
		return err
	}
	if _, exists := v.s.appointments[a.ID]; !exists {
		return clinic.ErrNotFound
	}
	v.s.appointments[a.ID] = a
	return nil
}

func (v *memView) GetAppointment(_ context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	a, ok := v.s.appointments[id]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	return &a, nil
}

func (v *memView) ListAppointments(_ context.Context, f clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	var out []clinic.Appointment
	for _, a := range v.s.appointments {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Slot claims

func (v *memView) ClaimSlot(_ context.Context, key clinic.SlotKey, id clinic.AppointmentID, capacity int) error {
	if err := v.writable(); err != nil {
		return err
	}
	if _, held := v.s.claimOf[id]; held {
		return clinic.ErrConcurrentModification
	}
	k := key.String()
	ords := v.s.claims[k]
	if ords == nil {
		ords = make(map[int]clinic.AppointmentID)
		v.s.claims[k] = ords
	}
	// Capacity may have shrunk below the ordinals already held.
	if len(ords) >= capacity {
		return clinic.ErrSlotFull
	}
	for ordinal := 1; ordinal <= capacity; ordinal++ {
		if _, taken := ords[ordinal]; !taken {
			ords[ordinal] = id
			v.s.claimOf[id] = claimRef{key: key, ordinal: ordinal}
			return nil
		}
	}
	return clinic.ErrSlotFull
}

func (v *memView) ReleaseSlot(_ context.Context, id clinic.AppointmentID) (clinic.SlotKey, bool, error) {
	if err := v.writable(); err != nil {
		return clinic.SlotKey{}, false, err
	}
	ref, held := v.s.claimOf[id]
	if !held {
		return clinic.SlotKey{}, false, nil
	}
	delete(v.s.claimOf, id)
	k := ref.key.String()
	delete(v.s.claims[k], ref.ordinal)
	if len(v.s.claims[k]) == 0 {
		delete(v.s.claims, k)
	}
	return ref.key, true, nil
}

func (v *memView) CountClaims(_ context.Context, key clinic.SlotKey) (int, error) {
	return len(v.s.claims[key.String()]), nil
}

// Waitlist

func (v *memView) CreateWaitlistEntry(_ context.Context, e clinic.WaitlistEntry) error {
	if err := v.writable(); err != nil {
		return err
	}
	for _, existing := range v.s.waitlist {
		if existing.ID == e.ID {
			return clinic.ErrConcurrentModification
		}
	}
	v.s.waitlist = append(v.s.waitlist, e)
	return nil
}

func (v *memView) UpdateWaitlistEntry(_ context.Context, e clinic.WaitlistEntry) error {
	if err := v.writable(); err != nil {
		return err
	}
	for i := range v.s.waitlist {
		if v.s.waitlist[i].ID == e.ID {
			v.s.waitlist[i] = e
			return nil
		}
	}
	return clinic.ErrNotFound
}

func (v *memView) GetWaitlistEntry(_ context.Context, id clinic.WaitlistEntryID) (*clinic.WaitlistEntry, error) {
	for _, e := range v.s.waitlist {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, clinic.ErrNotFound
}

func (v *memView) ListWaitlist(_ context.Context, f clinic.WaitlistFilter) ([]clinic.WaitlistEntry, error) {
	var out []clinic.WaitlistEntry
	for _, e := range v.s.waitlist {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	// insertion order already breaks ties
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Memos

func (v *memView) NextMemoNumber(_ context.Context, doctorID clinic.DoctorID, day clinic.Day) (int, error) {
	if err := v.writable(); err != nil {
		return 0, err
	}
	k := counterKey{doctor: doctorID, day: day}
	v.s.counters[k]++
	return v.s.counters[k], nil
}

func (v *memView) CreateMemo(_ context.Context, m clinic.ConsultationMemo) error {
	if err := v.writable(); err != nil {
		return err
	}
	nk := memoNumberKey{doctor: m.DoctorID, day: m.IssueDate, number: m.MemoNumber}
	if _, taken := v.s.memoNumbers[nk]; taken {
		return clinic.ErrConcurrentModification
	}
	if _, exists := v.s.memos[m.ID]; exists {
		return clinic.ErrConcurrentModification
	}
	v.s.memos[m.ID] = m
	v.s.memoNumbers[nk] = m.ID
	return nil
}

func (v *memView) UpdateMemo(_ context.Context, m clinic.ConsultationMemo) error {
	if err := v.writable(); err != nil {
		return err
	}
	if _, exists := v.s.memos[m.ID]; !exists {
		return clinic.ErrNotFound
	}
	v.s.memos[m.ID] = m
	return nil
}

func (v *memView) GetMemo(_ context.Context, id clinic.MemoID) (*clinic.ConsultationMemo, error) {
	m, ok := v.s.memos[id]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	return &m, nil
}

func (v *memView) ListMemos(_ context.Context, f clinic.MemoFilter) ([]clinic.ConsultationMemo, error) {
	var out []clinic.ConsultationMemo
	for _, m := range v.s.memos {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssueDate != out[j].IssueDate {
			return out[i].IssueDate.Before(out[j].IssueDate)
		}
		if out[i].DoctorID != out[j].DoctorID {
			return out[i].DoctorID < out[j].DoctorID
		}
		return out[i].MemoNumber < out[j].MemoNumber
	})
	return out, nil
}

// Sessions

func (v *memView) GetSession(_ context.Context, doctorID clinic.DoctorID) (*clinic.DoctorSession, error) {
	s, ok := v.s.sessions[doctorID]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	return &s, nil
}

func (v *memView) SaveSession(_ context.Context, s clinic.DoctorSession) error {
	if err := v.writable(); err != nil {
		return err
	}
	v.s.sessions[s.DoctorID] = s
	return nil
}
