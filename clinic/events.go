package clinic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENTS - Fire-and-forget notifications emitted after commit
// =============================================================================

type EventType string

const (
	EventAppointmentBooked      EventType = "appointment.booked"
	EventAppointmentPaid        EventType = "appointment.paid"
	EventAppointmentCheckedIn   EventType = "appointment.checked_in"
	EventAppointmentCompleted   EventType = "appointment.completed"
	EventAppointmentCancelled   EventType = "appointment.cancelled"
	EventAppointmentNoShow      EventType = "appointment.no_show"
	EventAppointmentExpired     EventType = "appointment.expired"
	EventAppointmentRescheduled EventType = "appointment.rescheduled"
	EventWaitlistJoined         EventType = "waitlist.joined"
	EventWaitlistPromoted       EventType = "waitlist.promoted"
	EventWaitlistRemoved        EventType = "waitlist.removed"
	EventMemoIssued             EventType = "memo.issued"
	EventMemoStarted            EventType = "memo.started"
	EventMemoCompleted          EventType = "memo.completed"
	EventMemoRescheduled        EventType = "memo.rescheduled"
	EventMemoCancelled          EventType = "memo.cancelled"
	EventSessionChanged         EventType = "session.changed"
)

// Event describes something that happened in a committed transaction.
type Event struct {
	Type            EventType       `json:"type"`
	At              time.Time       `json:"at"`
	DoctorID        DoctorID        `json:"doctor_id,omitempty"`
	AppointmentID   AppointmentID   `json:"appointment_id,omitempty"`
	WaitlistEntryID WaitlistEntryID `json:"waitlist_entry_id,omitempty"`
	MemoID          MemoID          `json:"memo_id,omitempty"`
	PatientEmail    string          `json:"patient_email,omitempty"`
	Slot            string          `json:"slot,omitempty"`
	Detail          string          `json:"detail,omitempty"`
}

// Notifier delivers events to patients and staff. Delivery failures never
// affect the operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// =============================================================================
// RECEIPTS - Billing collaborator
// =============================================================================

type ReceiptKind string

const (
	ReceiptPayment      ReceiptKind = "payment"
	ReceiptConsultation ReceiptKind = "consultation"
)

type ReceiptRequest struct {
	Kind          ReceiptKind
	AppointmentID AppointmentID
	DoctorID      DoctorID
	PatientEmail  string
	Method        PaymentMethod
	Amount        decimal.Decimal
	RecordedBy    string
	At            time.Time
}

// Biller produces receipts when a payment is recorded or a consultation
// completes.
type Biller interface {
	IssueReceipt(ctx context.Context, r ReceiptRequest) error
}

type NopBiller struct{}

func (NopBiller) IssueReceipt(context.Context, ReceiptRequest) error { return nil }
