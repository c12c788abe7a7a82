/*
handlers.go - HTTP API handlers for the clinic engine

PURPOSE:
  Exposes the clinic engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the clinic components.

ENDPOINTS:
  Doctors:
    GET    /api/doctors                         List doctors
    POST   /api/doctors                         Create or replace a doctor
    GET    /api/doctors/{id}                    Doctor details
    PUT    /api/doctors/{id}/availability       Replace weekly availability
    GET    /api/doctors/{id}/slots?date=        Resolved slots with occupancy

  Appointments:
    POST   /api/appointments                    Book (202 + waitlist entry when full)
    GET    /api/appointments                    List (doctor_id, date, patient_email, status)
    GET    /api/appointments/{id}               Appointment details
    POST   /api/appointments/{id}/pay           Record payment
    POST   /api/appointments/{id}/checkin       Check in, issues a memo
    POST   /api/appointments/{id}/cancel        Cancel
    POST   /api/appointments/{id}/noshow        Mark no-show
    POST   /api/appointments/{id}/reschedule    Move to another slot
    GET    /api/appointments/{id}/receipts      Receipts issued for it

  Waitlist:
    POST   /api/waitlist                        Join
    GET    /api/waitlist                        List in FIFO order
    POST   /api/waitlist/{id}/promote           Promote the head of the entry's group
    DELETE /api/waitlist/{id}                   Remove

  Doctor sessions and queue:
    POST   /api/doctor-sessions/{doctorId}          Ensure session exists (also /ensure)
    GET    /api/doctor-sessions/{doctorId}          Current session
    PUT    /api/doctor-sessions/{doctorId}          Change status
    GET    /api/doctor-sessions/{doctorId}/queue    Memos for a day
    POST   /api/doctor-sessions/{doctorId}/next     Start the next waiting memo
    GET    /api/memos/{id}                          Queue position (also /position)
    POST   /api/memos/{id}/start                    Start consultation
    POST   /api/memos/{id}/complete                 Complete consultation

  Admin / scenarios:
    POST   /api/admin/sweep                     Expire overdue holds now
    GET    /api/scenarios                       List demo scenarios
    POST   /api/scenarios/load                  Load a demo scenario

ERROR HANDLING:
  Engine errors map to HTTP status by kind:
  - 202: Slot full, patient waitlisted
  - 400: Validation errors, malformed input
  - 404: Resource not found
  - 409: Slot full, invalid transition, concurrent modification
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/billing"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter drops every row in a store. Scenarios need it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Clinic   *clinic.Clinic
	Store    Resetter
	Doctors  *factory.DoctorFactory
	Receipts *billing.Generator

	log zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. receipts may be nil.
func NewHandler(c *clinic.Clinic, store Resetter, receipts *billing.Generator, log zerolog.Logger) *Handler {
	return &Handler{
		Clinic:   c,
		Store:    store,
		Doctors:  factory.NewDoctorFactory(),
		Receipts: receipts,
		log:      log,
	}
}

// =============================================================================
// DOCTOR HANDLERS
// =============================================================================

// ListDoctors returns all doctors.
func (h *Handler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.Clinic.Doctors.List(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]DoctorDTO, len(doctors))
	for i := range doctors {
		dtos[i] = toDoctorDTO(&doctors[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDoctor creates or replaces a doctor from its JSON definition.
func (h *Handler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	doc, err := h.Doctors.ParseDoctor(string(body))
	if err != nil {
		if errors.Is(err, clinic.ErrValidation) {
			h.writeDomainError(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid doctor definition", err)
		return
	}
	saved, err := h.Clinic.Doctors.Save(r.Context(), *doc)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDoctorDTO(saved))
}

// GetDoctor returns a single doctor.
func (h *Handler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	d, err := h.Clinic.Doctors.Get(r.Context(), clinic.DoctorID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDoctorDTO(d))
}

// UpdateAvailability replaces the weekly availability document.
// PUT /api/doctors/{id}/availability
func (h *Handler) UpdateAvailability(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	doc, err := h.Doctors.ParseAvailability(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	d, err := h.Clinic.Doctors.UpdateAvailability(r.Context(), clinic.DoctorID(chi.URLParam(r, "id")), doc)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDoctorDTO(d))
}

// GetSlots resolves a date for a doctor.
// GET /api/doctors/{id}/slots?date=YYYY-MM-DD (defaults to today)
func (h *Handler) GetSlots(w http.ResponseWriter, r *http.Request) {
	id := clinic.DoctorID(chi.URLParam(r, "id"))
	date, ok := h.dateParam(w, r, "date")
	if !ok {
		return
	}
	slots, err := h.Clinic.Doctors.Slots(r.Context(), id, date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := SlotsResponse{DoctorID: string(id), Date: date.String(), Slots: make([]SlotDTO, len(slots))}
	for i, s := range slots {
		resp.Slots[i] = SlotDTO{Time: s.Time.String(), Capacity: s.Capacity, Booked: s.Booked, Remaining: s.Remaining}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// BookAppointment reserves a slot or, when full, joins the waitlist.
// POST /api/appointments
func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	book, err := req.toBookRequest()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	appt, err := h.Clinic.Appointments.Book(r.Context(), book)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt))
}

// ListAppointments lists appointments.
// GET /api/appointments?doctor_id=&date=&patient_email=&status=a,b
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := clinic.AppointmentFilter{
		DoctorID:     clinic.DoctorID(q.Get("doctor_id")),
		PatientEmail: strings.ToLower(strings.TrimSpace(q.Get("patient_email"))),
	}
	if q.Get("date") != "" {
		date, ok := h.dateParam(w, r, "date")
		if !ok {
			return
		}
		f.Date = &date
	}
	for _, s := range splitParam(q.Get("status")) {
		status := clinic.AppointmentStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown status", errors.New(s))
			return
		}
		f.Statuses = append(f.Statuses, status)
	}

	list, err := h.Clinic.Appointments.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(list))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Clinic.Appointments.Get(r.Context(), appointmentID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// PayAppointment records payment.
// POST /api/appointments/{id}/pay
func (h *Handler) PayAppointment(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	appt, err := h.Clinic.Appointments.MarkPaid(r.Context(), appointmentID(r), req.RecordedBy)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// CheckIn marks arrival and issues the consultation memo.
// POST /api/appointments/{id}/checkin
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	appt, memo, err := h.Clinic.Appointments.CheckIn(r.Context(), appointmentID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckInResponse{
		Appointment: toAppointmentDTO(appt),
		Memo:        toMemoDTO(memo),
	})
}

// CancelAppointment cancels and promotes the waitlist.
// POST /api/appointments/{id}/cancel
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	appt, err := h.Clinic.Appointments.Cancel(r.Context(), appointmentID(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// MarkNoShow records a no-show.
// POST /api/appointments/{id}/noshow
func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Clinic.Appointments.NoShow(r.Context(), appointmentID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// RescheduleAppointment moves an appointment to another slot.
// POST /api/appointments/{id}/reschedule
func (h *Handler) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	to, err := parseSlotRef(req.Date, req.Time)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	appt, err := h.Clinic.Appointments.Reschedule(r.Context(), appointmentID(r), to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// GetReceipts lists receipts issued for an appointment.
// GET /api/appointments/{id}/receipts
func (h *Handler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	id := appointmentID(r)
	if _, err := h.Clinic.Appointments.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	receipts := []billing.Receipt{}
	if h.Receipts != nil {
		if found := h.Receipts.ForAppointment(id); found != nil {
			receipts = found
		}
	}
	writeJSON(w, http.StatusOK, ReceiptsResponse{AppointmentID: string(id), Receipts: receipts})
}

// =============================================================================
// WAITLIST HANDLERS
// =============================================================================

// JoinWaitlist adds a patient to a doctor's waitlist.
// POST /api/waitlist
func (h *Handler) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req JoinWaitlistRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	date, err := clinic.ParseDay(req.PreferredDate)
	if err != nil {
		h.writeDomainError(w, r, &clinic.ValidationError{Field: "preferred_date", Message: "use YYYY-MM-DD"})
		return
	}
	entry, err := h.Clinic.Waitlist.Enqueue(r.Context(), clinic.EnqueueRequest{
		DoctorID:      clinic.DoctorID(req.DoctorID),
		PatientEmail:  req.PatientEmail,
		PreferredDate: date,
		Type:          clinic.AppointmentType(req.Type),
		Payment:       req.Payment.toPaymentInfo(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWaitlistEntryDTO(entry))
}

// ListWaitlist lists entries in FIFO order.
// GET /api/waitlist?doctor_id=&date=&type=&status=&patient_email=
func (h *Handler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := clinic.WaitlistFilter{
		DoctorID:     clinic.DoctorID(q.Get("doctor_id")),
		Type:         clinic.AppointmentType(q.Get("type")),
		Status:       clinic.WaitlistStatus(q.Get("status")),
		PatientEmail: strings.ToLower(strings.TrimSpace(q.Get("patient_email"))),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown waitlist status", errors.New(string(f.Status)))
		return
	}
	if q.Get("date") != "" {
		date, ok := h.dateParam(w, r, "date")
		if !ok {
			return
		}
		f.Date = &date
	}
	list, err := h.Clinic.Waitlist.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]WaitlistEntryDTO, len(list))
	for i := range list {
		dtos[i] = toWaitlistEntryDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PromoteWaitlistEntry promotes the head of the entry's group.
// POST /api/waitlist/{id}/promote
func (h *Handler) PromoteWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	p, err := h.Clinic.Waitlist.PromoteEntry(r.Context(), clinic.WaitlistEntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusConflict, "No slot available for promotion", nil)
		return
	}
	writeJSON(w, http.StatusOK, PromotionResponse{
		Entry:       toWaitlistEntryDTO(&p.Entry),
		Appointment: toAppointmentDTO(&p.Appointment),
	})
}

// RemoveWaitlistEntry removes a waiting entry.
// DELETE /api/waitlist/{id}
func (h *Handler) RemoveWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Clinic.Waitlist.Remove(r.Context(), clinic.WaitlistEntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaitlistEntryDTO(e))
}

// =============================================================================
// SESSION / QUEUE HANDLERS
// =============================================================================

// EnsureSession creates an Idle session for the doctor if needed.
// POST /api/doctor-sessions/{doctorId}[/ensure]
func (h *Handler) EnsureSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Clinic.Sessions.EnsureSession(r.Context(), doctorIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Clinic.Sessions.Get(r.Context(), doctorIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// UpdateSession changes the doctor's status.
// PUT /api/doctor-sessions/{doctorId}
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionUpdateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	upd, err := req.toSessionUpdate()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	s, err := h.Clinic.Sessions.SetStatus(r.Context(), doctorIDParam(r), upd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// GetQueue lists a doctor's memos for a day.
// GET /api/doctor-sessions/{doctorId}/queue?date= (defaults to today)
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	id := doctorIDParam(r)
	date, ok := h.dateParam(w, r, "date")
	if !ok {
		return
	}
	memos, err := h.Clinic.Queue.List(r.Context(), id, date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := QueueResponse{DoctorID: string(id), Date: date.String(), Memos: make([]MemoDTO, len(memos))}
	for i := range memos {
		resp.Memos[i] = toMemoDTO(&memos[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartNext starts the lowest-numbered waiting memo.
// POST /api/doctor-sessions/{doctorId}/next
func (h *Handler) StartNext(w http.ResponseWriter, r *http.Request) {
	memo, s, err := h.Clinic.Queue.StartNext(r.Context(), doctorIDParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsultationResponse{Memo: toMemoDTO(memo), Session: toSessionDTO(s)})
}

// GetMemoPosition reports a memo and the patients ahead of it.
// GET /api/memos/{id}[/position]
func (h *Handler) GetMemoPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Clinic.Queue.Position(r.Context(), clinic.MemoID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueuePositionDTO{
		Memo:       toMemoDTO(&pos.Memo),
		Ahead:      pos.Ahead,
		QueueSize:  pos.QueueSize,
		NowServing: pos.NowServing,
	})
}

// StartMemo begins a consultation.
// POST /api/memos/{id}/start
func (h *Handler) StartMemo(w http.ResponseWriter, r *http.Request) {
	var req MemoNoteRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	memo, s, err := h.Clinic.Queue.Start(r.Context(), clinic.MemoID(chi.URLParam(r, "id")), req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsultationResponse{Memo: toMemoDTO(memo), Session: toSessionDTO(s)})
}

// CompleteMemo ends a consultation.
// POST /api/memos/{id}/complete
func (h *Handler) CompleteMemo(w http.ResponseWriter, r *http.Request) {
	var req MemoNoteRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	memo, err := h.Clinic.Queue.Complete(r.Context(), clinic.MemoID(chi.URLParam(r, "id")), req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemoDTO(memo))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Sweep expires overdue payment holds immediately.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Clinic.Appointments.ExpireOverdue(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: n})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func appointmentID(r *http.Request) clinic.AppointmentID {
	return clinic.AppointmentID(chi.URLParam(r, "id"))
}

func doctorIDParam(r *http.Request) clinic.DoctorID {
	return clinic.DoctorID(chi.URLParam(r, "doctorId"))
}

// dateParam reads a YYYY-MM-DD query parameter, defaulting to today.
func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request, name string) (clinic.Day, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return h.Clinic.Today(), true
	}
	d, err := clinic.ParseDay(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+" format (use YYYY-MM-DD)", err)
		return clinic.Day{}, false
	}
	return d, true
}

func splitParam(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decodeBody decodes a JSON body into dst. An empty body is accepted unless
// required is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (errors.Is(err, io.EOF) && !required) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

// writeDomainError maps engine errors to HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		full  *clinic.SlotFullError
		inval *clinic.ValidationError
	)
	switch {
	case errors.As(err, &full) && full.Waitlisted != nil:
		writeJSON(w, http.StatusAccepted, SlotFullResponse{
			Error:         "Slot is full, patient added to the waitlist",
			Slot:          full.Key.String(),
			Capacity:      full.Capacity,
			WaitlistEntry: toWaitlistEntryDTO(full.Waitlisted),
		})
	case errors.As(err, &inval):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: inval.Message, Field: inval.Field})
	case errors.Is(err, clinic.ErrSlotFull):
		writeError(w, http.StatusConflict, "Slot is full", err)
	case errors.Is(err, clinic.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invalid status transition", err)
	case clinic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case clinic.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent update, retry the request", err)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
