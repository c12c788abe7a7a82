/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the clinic domain model (which carries no JSON tags) from the external
  API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

TYPES:
  Doctor:       DoctorDTO, SlotDTO
  Appointment:  AppointmentDTO, BookAppointmentRequest, PayRequest,
                CancelRequest, RescheduleRequest, CheckInResponse
  Waitlist:     WaitlistEntryDTO, JoinWaitlistRequest, PromotionResponse
  Queue:        MemoDTO, QueuePositionDTO, SessionDTO, SessionUpdateRequest
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Shape errors (bad dates, bad times) are caught while converting a request
  to its clinic type. Business validation stays in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/doctor.go: DoctorJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/billing"
	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// STATUS LABELS
// =============================================================================

var appointmentStatusLabels = map[clinic.AppointmentStatus]string{
	clinic.StatusPendingPayment: "Pending Payment",
	clinic.StatusPaid:           "Paid",
	clinic.StatusCheckedIn:      "Checked In",
	clinic.StatusCompleted:      "Completed",
	clinic.StatusCancelled:      "Cancelled",
	clinic.StatusNoShow:         "No Show",
	clinic.StatusRescheduled:    "Rescheduled",
	clinic.StatusExpired:        "Expired",
}

var memoStatusLabels = map[clinic.MemoStatus]string{
	clinic.MemoWaiting:     "Waiting",
	clinic.MemoInProgress:  "In Progress",
	clinic.MemoCompleted:   "Completed",
	clinic.MemoRescheduled: "Rescheduled",
	clinic.MemoCancelled:   "Cancelled",
}

var sessionStatusLabels = map[clinic.SessionStatus]string{
	clinic.SessionIdle:      "Available",
	clinic.SessionBusy:      "In Consultation",
	clinic.SessionBreak:     "On Break",
	clinic.SessionEmergency: "Emergency",
}

// =============================================================================
// DOCTOR
// =============================================================================

type DoctorDTO struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Specialty    string                    `json:"specialty,omitempty"`
	Fee          decimal.Decimal           `json:"fee"`
	Availability clinic.WeeklyAvailability `json:"availability"`
	Problems     []string                  `json:"availability_problems,omitempty"`
	CreatedAt    string                    `json:"created_at,omitempty"`
	UpdatedAt    string                    `json:"updated_at,omitempty"`
}

func toDoctorDTO(d *clinic.Doctor) DoctorDTO {
	return DoctorDTO{
		ID:           string(d.ID),
		Name:         d.Name,
		Specialty:    d.Specialty,
		Fee:          d.Fee,
		Availability: d.Availability,
		Problems:     d.Availability.Problems(),
		CreatedAt:    formatTime(d.CreatedAt),
		UpdatedAt:    formatTime(d.UpdatedAt),
	}
}

// SlotDTO is one resolved slot with its live occupancy.
type SlotDTO struct {
	Time      string `json:"time"`
	Capacity  int    `json:"capacity"`
	Booked    int    `json:"booked"`
	Remaining int    `json:"remaining"`
}

type SlotsResponse struct {
	DoctorID string    `json:"doctor_id"`
	Date     string    `json:"date"`
	Slots    []SlotDTO `json:"slots"`
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type PaymentDTO struct {
	Method     string          `json:"method,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}

func (p PaymentDTO) toPaymentInfo() clinic.PaymentInfo {
	return clinic.PaymentInfo{
		Method:     clinic.PaymentMethod(p.Method),
		Channel:    clinic.PaymentChannel(p.Channel),
		Instrument: p.Instrument,
		Amount:     p.Amount,
	}
}

func toPaymentDTO(p clinic.PaymentInfo) PaymentDTO {
	return PaymentDTO{
		Method:     string(p.Method),
		Channel:    string(p.Channel),
		Instrument: p.Instrument,
		Amount:     p.Amount,
	}
}

type AppointmentDTO struct {
	ID              string     `json:"id"`
	DoctorID        string     `json:"doctor_id"`
	PatientEmail    string     `json:"patient_email"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	StatusLabel     string     `json:"status_label"`
	Payment         PaymentDTO `json:"payment"`
	PaymentDeadline *string    `json:"payment_deadline,omitempty"`
	PaidBy          string     `json:"paid_by,omitempty"`
	PaidAt          *string    `json:"paid_at,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
}

func toAppointmentDTO(a *clinic.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:              string(a.ID),
		DoctorID:        string(a.DoctorID),
		PatientEmail:    a.PatientEmail,
		Date:            a.Date.String(),
		Time:            a.Time.String(),
		Type:            string(a.Type),
		Status:          string(a.Status),
		StatusLabel:     appointmentStatusLabels[a.Status],
		Payment:         toPaymentDTO(a.Payment),
		PaymentDeadline: formatTimePtr(a.PaymentDeadline),
		PaidBy:          a.PaidBy,
		PaidAt:          formatTimePtr(a.PaidAt),
		CancelReason:    a.CancelReason,
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
}

func toAppointmentDTOs(list []clinic.Appointment) []AppointmentDTO {
	out := make([]AppointmentDTO, len(list))
	for i := range list {
		out[i] = toAppointmentDTO(&list[i])
	}
	return out
}

// BookAppointmentRequest books a slot. Date is YYYY-MM-DD, time is HH:MM.
type BookAppointmentRequest struct {
	DoctorID     string     `json:"doctor_id"`
	PatientEmail string     `json:"patient_email"`
	Date         string     `json:"date"`
	Time         string     `json:"time"`
	Type         string     `json:"type"`
	Payment      PaymentDTO `json:"payment"`
	NoWaitlist   bool       `json:"no_waitlist,omitempty"`
}

func (r BookAppointmentRequest) toBookRequest() (clinic.BookRequest, error) {
	ref, err := parseSlotRef(r.Date, r.Time)
	if err != nil {
		return clinic.BookRequest{}, err
	}
	return clinic.BookRequest{
		DoctorID:     clinic.DoctorID(r.DoctorID),
		PatientEmail: r.PatientEmail,
		Date:         ref.Date,
		Time:         ref.Time,
		Type:         clinic.AppointmentType(r.Type),
		Payment:      r.Payment.toPaymentInfo(),
		NoWaitlist:   r.NoWaitlist,
	}, nil
}

type PayRequest struct {
	RecordedBy string `json:"recorded_by"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type CheckInResponse struct {
	Appointment AppointmentDTO `json:"appointment"`
	Memo        MemoDTO        `json:"memo"`
}

// SlotFullResponse is returned with 202 when a booking went to the waitlist.
type SlotFullResponse struct {
	Error         string           `json:"error"`
	Slot          string           `json:"slot"`
	Capacity      int              `json:"capacity"`
	WaitlistEntry WaitlistEntryDTO `json:"waitlist_entry"`
}

// =============================================================================
// WAITLIST
// =============================================================================

type WaitlistEntryDTO struct {
	ID                    string     `json:"id"`
	DoctorID              string     `json:"doctor_id"`
	PatientEmail          string     `json:"patient_email"`
	PreferredDate         string     `json:"preferred_date"`
	Type                  string     `json:"type"`
	Payment               PaymentDTO `json:"payment"`
	Status                string     `json:"status"`
	PromotedAppointmentID string     `json:"promoted_appointment_id,omitempty"`
	CreatedAt             string     `json:"created_at"`
	UpdatedAt             string     `json:"updated_at"`
}

func toWaitlistEntryDTO(e *clinic.WaitlistEntry) WaitlistEntryDTO {
	return WaitlistEntryDTO{
		ID:                    string(e.ID),
		DoctorID:              string(e.DoctorID),
		PatientEmail:          e.PatientEmail,
		PreferredDate:         e.PreferredDate.String(),
		Type:                  string(e.Type),
		Payment:               toPaymentDTO(e.Payment),
		Status:                string(e.Status),
		PromotedAppointmentID: string(e.PromotedAppointmentID),
		CreatedAt:             formatTime(e.CreatedAt),
		UpdatedAt:             formatTime(e.UpdatedAt),
	}
}

type JoinWaitlistRequest struct {
	DoctorID      string     `json:"doctor_id"`
	PatientEmail  string     `json:"patient_email"`
	PreferredDate string     `json:"preferred_date"`
	Type          string     `json:"type"`
	Payment       PaymentDTO `json:"payment"`
}

type PromotionResponse struct {
	Entry       WaitlistEntryDTO `json:"entry"`
	Appointment AppointmentDTO   `json:"appointment"`
}

// =============================================================================
// QUEUE
// =============================================================================

type MemoDTO struct {
	ID              string  `json:"id"`
	AppointmentID   string  `json:"appointment_id"`
	DoctorID        string  `json:"doctor_id"`
	IssueDate       string  `json:"issue_date"`
	MemoNumber      int     `json:"memo_number"`
	Status          string  `json:"status"`
	StatusLabel     string  `json:"status_label"`
	CheckedInAt     string  `json:"checked_in_at"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	RescheduledDate string  `json:"rescheduled_date,omitempty"`
	RescheduledTime string  `json:"rescheduled_time,omitempty"`
	Note            string  `json:"note,omitempty"`
}

func toMemoDTO(m *clinic.ConsultationMemo) MemoDTO {
	dto := MemoDTO{
		ID:            string(m.ID),
		AppointmentID: string(m.AppointmentID),
		DoctorID:      string(m.DoctorID),
		IssueDate:     m.IssueDate.String(),
		MemoNumber:    m.MemoNumber,
		Status:        string(m.Status),
		StatusLabel:   memoStatusLabels[m.Status],
		CheckedInAt:   formatTime(m.CheckedInAt),
		StartedAt:     formatTimePtr(m.StartedAt),
		CompletedAt:   formatTimePtr(m.CompletedAt),
		Note:          m.Note,
	}
	if m.RescheduledTo != nil {
		dto.RescheduledDate = m.RescheduledTo.Date.String()
		dto.RescheduledTime = m.RescheduledTo.Time.String()
	}
	return dto
}

type QueuePositionDTO struct {
	Memo       MemoDTO `json:"memo"`
	Ahead      int     `json:"ahead"`
	QueueSize  int     `json:"queue_size"`
	NowServing int     `json:"now_serving"`
}

type QueueResponse struct {
	DoctorID string    `json:"doctor_id"`
	Date     string    `json:"date"`
	Memos    []MemoDTO `json:"memos"`
}

type SessionDTO struct {
	DoctorID     string `json:"doctor_id"`
	Status       string `json:"status"`
	StatusLabel  string `json:"status_label"`
	ActiveMemoID string `json:"active_memo_id,omitempty"`
	Note         string `json:"note,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

func toSessionDTO(s *clinic.DoctorSession) SessionDTO {
	return SessionDTO{
		DoctorID:     string(s.DoctorID),
		Status:       string(s.Status),
		StatusLabel:  sessionStatusLabels[s.Status],
		ActiveMemoID: string(s.ActiveMemoID),
		Note:         s.Note,
		UpdatedAt:    formatTime(s.UpdatedAt),
	}
}

// SessionUpdateRequest changes a doctor's session. RescheduleTo applies
// when an in-progress memo is interrupted.
type SessionUpdateRequest struct {
	Status       string             `json:"status"`
	MemoID       string             `json:"memo_id,omitempty"`
	Note         string             `json:"note,omitempty"`
	Disposition  string             `json:"disposition,omitempty"`
	RescheduleTo *RescheduleRequest `json:"reschedule_to,omitempty"`
}

func (r SessionUpdateRequest) toSessionUpdate() (clinic.SessionUpdate, error) {
	upd := clinic.SessionUpdate{
		Status:      clinic.SessionStatus(r.Status),
		MemoID:      clinic.MemoID(r.MemoID),
		Note:        r.Note,
		Disposition: clinic.Disposition(r.Disposition),
	}
	if r.RescheduleTo != nil {
		ref, err := parseSlotRef(r.RescheduleTo.Date, r.RescheduleTo.Time)
		if err != nil {
			return clinic.SessionUpdate{}, err
		}
		upd.RescheduleTo = &ref
	}
	return upd, nil
}

type MemoNoteRequest struct {
	Note string `json:"note"`
}

type ConsultationResponse struct {
	Memo    MemoDTO    `json:"memo"`
	Session SessionDTO `json:"session"`
}

// =============================================================================
// BILLING
// =============================================================================

type ReceiptsResponse struct {
	AppointmentID string            `json:"appointment_id"`
	Receipts      []billing.Receipt `json:"receipts"`
}

// =============================================================================
// SCENARIOS / ADMIN
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type SweepResponse struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseSlotRef(date, at string) (clinic.SlotRef, error) {
	day, err := clinic.ParseDay(date)
	if err != nil {
		return clinic.SlotRef{}, &clinic.ValidationError{Field: "date", Message: "use YYYY-MM-DD"}
	}
	t, err := clinic.ParseClockTime(at)
	if err != nil {
		return clinic.SlotRef{}, &clinic.ValidationError{Field: "time", Message: "use HH:MM"}
	}
	return clinic.SlotRef{Date: day, Time: t}, nil
}
