/*
Package clinic provides the slot allocation, waitlist and consultation-queue engine.

PURPOSE:
  This package owns every rule about who may occupy a doctor's slot, in what
  order waiting patients get a freed slot, and in what order checked-in
  patients are seen. HTTP, persistence and notification delivery live in
  other packages and talk to the engine through the interfaces in store.go
  and events.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe ids for doctors, appointments, waitlist entries, memos
  - Status enums: closed sets for appointments, waitlist entries, memos, sessions
  - Records: Doctor, Appointment, WaitlistEntry, ConsultationMemo, DoctorSession
  - SlotKey: the (doctor, date, time) triple every capacity check is keyed on

DESIGN PRINCIPLES:
  1. Closed enums: statuses are typed constants with Valid(); display text is
     mapped in the api package, never stored here
  2. Precision: fees and payment amounts use decimal.Decimal
  3. History: appointments are never deleted, only moved to terminal statuses

SEE ALSO:
  - time.go: Day and ClockTime value types
  - appointment.go: appointment lifecycle and its transition table
  - session.go: doctor session transition table
*/
package clinic

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DoctorID string
type AppointmentID string
type WaitlistEntryID string
type MemoID string

// =============================================================================
// APPOINTMENT TYPE
// =============================================================================

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeProcedure    AppointmentType = "procedure"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeProcedure:
		return true
	}
	return false
}

// =============================================================================
// APPOINTMENT STATUS
// =============================================================================

type AppointmentStatus string

const (
	StatusPendingPayment AppointmentStatus = "pending_payment"
	StatusPaid           AppointmentStatus = "paid"
	StatusCheckedIn      AppointmentStatus = "checked_in"
	StatusCompleted      AppointmentStatus = "completed"
	StatusCancelled      AppointmentStatus = "cancelled"
	StatusNoShow         AppointmentStatus = "no_show"
	StatusRescheduled    AppointmentStatus = "rescheduled"
	StatusExpired        AppointmentStatus = "expired"
)

// AllAppointmentStatuses lists every status in lifecycle order.
var AllAppointmentStatuses = []AppointmentStatus{
	StatusPendingPayment, StatusPaid, StatusRescheduled, StatusCheckedIn,
	StatusCompleted, StatusCancelled, StatusNoShow, StatusExpired,
}

func (s AppointmentStatus) Valid() bool {
	for _, known := range AllAppointmentStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Blocking reports whether an appointment in this status occupies its slot.
func (s AppointmentStatus) Blocking() bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusCheckedIn, StatusRescheduled:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusExpired:
		return true
	}
	return false
}

// Settled reports whether payment has been recorded for the appointment.
func (s AppointmentStatus) Settled() bool {
	switch s {
	case StatusPaid, StatusCheckedIn, StatusRescheduled, StatusCompleted:
		return true
	}
	return false
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "cash"
	PaymentCard      PaymentMethod = "card"
	PaymentUPI       PaymentMethod = "upi"
	PaymentInsurance PaymentMethod = "insurance"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentInsurance:
		return true
	}
	return false
}

type PaymentChannel string

const (
	ChannelOnline    PaymentChannel = "online"
	ChannelReception PaymentChannel = "reception"
)

func (c PaymentChannel) Valid() bool {
	return c == ChannelOnline || c == ChannelReception
}

// PaymentInfo is what the patient declared at booking time.
// Amount defaults to the doctor's fee when zero.
type PaymentInfo struct {
	Method     PaymentMethod
	Channel    PaymentChannel
	Instrument string
	Amount     decimal.Decimal
}

// =============================================================================
// SLOT KEY
// =============================================================================

// SlotKey identifies one bookable slot. Capacity is enforced per key.
type SlotKey struct {
	DoctorID DoctorID
	Date     Day
	Time     ClockTime
}

func NewSlotKey(doctorID DoctorID, date Day, at ClockTime) SlotKey {
	return SlotKey{DoctorID: doctorID, Date: date, Time: at}
}

// String renders "doctorId|YYYY-MM-DD|HH:MM", the persisted form.
func (k SlotKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.DoctorID, k.Date, k.Time)
}

// ParseSlotKey is the inverse of SlotKey.String.
func ParseSlotKey(s string) (SlotKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return SlotKey{}, fmt.Errorf("malformed slot key %q", s)
	}
	day, err := ParseDay(parts[1])
	if err != nil {
		return SlotKey{}, err
	}
	at, err := ParseClockTime(parts[2])
	if err != nil {
		return SlotKey{}, err
	}
	return SlotKey{DoctorID: DoctorID(parts[0]), Date: day, Time: at}, nil
}

// SlotRef is a date and time without the doctor, used as a reschedule target.
type SlotRef struct {
	Date Day
	Time ClockTime
}

// =============================================================================
// DOCTOR
// =============================================================================

type Doctor struct {
	ID           DoctorID
	Name         string
	Specialty    string
	Fee          decimal.Decimal
	Availability WeeklyAvailability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type Appointment struct {
	ID              AppointmentID
	DoctorID        DoctorID
	PatientEmail    string
	Date            Day
	Time            ClockTime
	Type            AppointmentType
	Status          AppointmentStatus
	Payment         PaymentInfo
	PaymentDeadline *time.Time
	PaidBy          string
	PaidAt          *time.Time
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Appointment) SlotKey() SlotKey {
	return NewSlotKey(a.DoctorID, a.Date, a.Time)
}

// Overdue reports whether an unpaid appointment has passed its payment deadline.
func (a *Appointment) Overdue(now time.Time) bool {
	return a.Status == StatusPendingPayment && a.PaymentDeadline != nil && now.After(*a.PaymentDeadline)
}

// AppointmentFilter narrows ListAppointments. Zero fields match everything.
type AppointmentFilter struct {
	DoctorID       DoctorID
	Date           *Day
	PatientEmail   string
	Statuses       []AppointmentStatus
	DeadlineBefore *time.Time
}

// =============================================================================
// WAITLIST
// =============================================================================

type WaitlistStatus string

const (
	WaitlistWaiting  WaitlistStatus = "waiting"
	WaitlistPromoted WaitlistStatus = "promoted"
	WaitlistRemoved  WaitlistStatus = "removed"
)

func (s WaitlistStatus) Valid() bool {
	return s == WaitlistWaiting || s == WaitlistPromoted || s == WaitlistRemoved
}

type WaitlistEntry struct {
	ID                    WaitlistEntryID
	DoctorID              DoctorID
	PatientEmail          string
	PreferredDate         Day
	Type                  AppointmentType
	Payment               PaymentInfo
	Status                WaitlistStatus
	PromotedAppointmentID AppointmentID
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WaitlistFilter narrows ListWaitlist. Results are always in FIFO order.
type WaitlistFilter struct {
	DoctorID     DoctorID
	Date         *Day
	Type         AppointmentType
	Status       WaitlistStatus
	PatientEmail string
}

// =============================================================================
// CONSULTATION MEMO
// =============================================================================

type MemoStatus string

const (
	MemoWaiting     MemoStatus = "waiting"
	MemoInProgress  MemoStatus = "in_progress"
	MemoCompleted   MemoStatus = "completed"
	MemoRescheduled MemoStatus = "rescheduled"
	MemoCancelled   MemoStatus = "cancelled"
)

func (s MemoStatus) Valid() bool {
	switch s {
	case MemoWaiting, MemoInProgress, MemoCompleted, MemoRescheduled, MemoCancelled:
		return true
	}
	return false
}

// Open memos are still in the queue.
func (s MemoStatus) Open() bool {
	return s == MemoWaiting || s == MemoInProgress
}

type ConsultationMemo struct {
	ID            MemoID
	AppointmentID AppointmentID
	DoctorID      DoctorID
	IssueDate     Day
	MemoNumber    int
	Status        MemoStatus
	CheckedInAt   time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	RescheduledTo *SlotRef
	Note          string
}

type MemoFilter struct {
	DoctorID      DoctorID
	IssueDate     *Day
	AppointmentID AppointmentID
	Statuses      []MemoStatus
}

// =============================================================================
// DOCTOR SESSION
// =============================================================================

type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionBusy      SessionStatus = "busy"
	SessionBreak     SessionStatus = "break"
	SessionEmergency SessionStatus = "emergency"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionIdle, SessionBusy, SessionBreak, SessionEmergency:
		return true
	}
	return false
}

type DoctorSession struct {
	DoctorID     DoctorID
	Status       SessionStatus
	ActiveMemoID MemoID
	Note         string
	UpdatedAt    time.Time
}
