/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic data
  for demos and UI work. Each scenario creates doctors from factory presets
  and drives the engine through its public operations, so the data obeys
  every engine rule (capacity, FIFO, memo numbering).

AVAILABLE SCENARIOS:
  basic-day:       Two doctors, a handful of bookings tomorrow
  full-slot:       Single-capacity slot, second patient waitlisted
  busy-queue:      Three check-ins, one consultation in progress
  payment-expiry:  Unpaid holds waiting for the sweep

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Create doctors via the doctor factory
  3. Book, pay and check in through the engine

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "busy-queue"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler with Store (Resetter)
  - factory/presets.go: Doctor JSON presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-day",
		Name:        "Basic Day",
		Description: "Two doctors with a few paid and unpaid bookings tomorrow",
	},
	{
		ID:          "full-slot",
		Name:        "Full Slot",
		Description: "A single-capacity slot is taken; the next patient lands on the waitlist",
	},
	{
		ID:          "busy-queue",
		Name:        "Busy Queue",
		Description: "Three patients checked in, the first consultation in progress",
	},
	{
		ID:          "payment-expiry",
		Name:        "Payment Expiry",
		Description: "Unpaid holds that the sweep will expire, with a waitlisted patient behind them",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"basic-day":      (*Handler).loadBasicDayScenario,
	"full-slot":      (*Handler).loadFullSlotScenario,
	"busy-queue":     (*Handler).loadBusyQueueScenario,
	"payment-expiry": (*Handler).loadPaymentExpiryScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if clinic.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadScenarioByID resets the store and runs the named loader. The CLI seed
// command uses it directly.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return &clinic.NotFoundError{Kind: "scenario", ID: id}
	}
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := load(h, ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadBasicDayScenario(ctx context.Context) error {
	if err := h.createDoctors(ctx,
		factory.EveryDayClinicJSON("dr-rao", "Dr. Anil Rao", "cardiology", "800", "09:00", "12:00", 6, 2),
		factory.EveryDayClinicJSON("dr-mehta", "Dr. Sara Mehta", "dermatology", "500", "14:00", "17:00", 6, 1),
	); err != nil {
		return err
	}

	day := h.Clinic.Today().AddDays(1)
	bookings := []struct {
		doctor, email, at string
		typ               clinic.AppointmentType
		pay               bool
	}{
		{"dr-rao", "priya@example.com", "09:00", clinic.TypeConsultation, true},
		{"dr-rao", "arjun@example.com", "09:00", clinic.TypeFollowUp, false},
		{"dr-rao", "kavya@example.com", "09:30", clinic.TypeConsultation, true},
		{"dr-mehta", "rohan@example.com", "14:00", clinic.TypeProcedure, true},
		{"dr-mehta", "neha@example.com", "15:00", clinic.TypeConsultation, false},
	}
	for _, b := range bookings {
		appt, err := h.book(ctx, b.doctor, b.email, day, b.at, b.typ, clinic.PaymentCard)
		if err != nil {
			return err
		}
		if b.pay {
			if _, err := h.Clinic.Appointments.MarkPaid(ctx, appt.ID, "reception"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadFullSlotScenario(ctx context.Context) error {
	if err := h.createDoctors(ctx,
		factory.EveryDayClinicJSON("dr-iyer", "Dr. Lakshmi Iyer", "pediatrics", "600", "10:00", "12:00", 4, 1),
	); err != nil {
		return err
	}

	day := h.Clinic.Today().AddDays(1)
	first, err := h.book(ctx, "dr-iyer", "meera@example.com", day, "10:00", clinic.TypeConsultation, clinic.PaymentUPI)
	if err != nil {
		return err
	}
	if _, err := h.Clinic.Appointments.MarkPaid(ctx, first.ID, "online"); err != nil {
		return err
	}
	// Fill the rest of the day so the waitlist cannot be promoted elsewhere.
	for i, at := range []string{"10:30", "11:00", "11:30"} {
		if _, err := h.book(ctx, "dr-iyer", fmt.Sprintf("family%d@example.com", i+1), day, at, clinic.TypeConsultation, clinic.PaymentCash); err != nil {
			return err
		}
	}

	_, err = h.book(ctx, "dr-iyer", "vikram@example.com", day, "10:00", clinic.TypeConsultation, clinic.PaymentUPI)
	if clinic.IsClientError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("expected slot to be full")
}

func (h *Handler) loadBusyQueueScenario(ctx context.Context) error {
	if err := h.createDoctors(ctx,
		factory.EveryDayClinicJSON("dr-khan", "Dr. Farah Khan", "general medicine", "400", "08:00", "20:00", 24, 3),
	); err != nil {
		return err
	}

	day := h.Clinic.Today().AddDays(1)
	var firstMemo clinic.MemoID
	for i, email := range []string{"asha@example.com", "dev@example.com", "ira@example.com"} {
		appt, err := h.book(ctx, "dr-khan", email, day, "08:00", clinic.TypeConsultation, clinic.PaymentCash)
		if err != nil {
			return err
		}
		if _, err := h.Clinic.Appointments.MarkPaid(ctx, appt.ID, "reception"); err != nil {
			return err
		}
		_, memo, err := h.Clinic.Appointments.CheckIn(ctx, appt.ID)
		if err != nil {
			return err
		}
		if i == 0 {
			firstMemo = memo.ID
		}
	}
	_, _, err := h.Clinic.Queue.Start(ctx, firstMemo, "")
	return err
}

func (h *Handler) loadPaymentExpiryScenario(ctx context.Context) error {
	if err := h.createDoctors(ctx,
		factory.EveryDayClinicJSON("dr-bose", "Dr. Amit Bose", "orthopedics", "900", "09:00", "10:00", 2, 1),
	); err != nil {
		return err
	}

	day := h.Clinic.Today().AddDays(1)
	for i, at := range []string{"09:00", "09:30"} {
		if _, err := h.book(ctx, "dr-bose", fmt.Sprintf("hold%d@example.com", i+1), day, at, clinic.TypeConsultation, clinic.PaymentCard); err != nil {
			return err
		}
	}
	_, err := h.Clinic.Waitlist.Enqueue(ctx, clinic.EnqueueRequest{
		DoctorID:      "dr-bose",
		PatientEmail:  "next@example.com",
		PreferredDate: day,
		Type:          clinic.TypeConsultation,
		Payment:       clinic.PaymentInfo{Method: clinic.PaymentCard, Amount: decimal.NewFromInt(900)},
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) createDoctors(ctx context.Context, defs ...string) error {
	for _, def := range defs {
		doc, err := h.Doctors.ParseDoctor(def)
		if err != nil {
			return err
		}
		if _, err := h.Clinic.Doctors.Save(ctx, *doc); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) book(ctx context.Context, doctor, email string, day clinic.Day, at string, typ clinic.AppointmentType, method clinic.PaymentMethod) (*clinic.Appointment, error) {
	t, err := clinic.ParseClockTime(at)
	if err != nil {
		return nil, err
	}
	return h.Clinic.Appointments.Book(ctx, clinic.BookRequest{
		DoctorID:     clinic.DoctorID(doctor),
		PatientEmail: email,
		Date:         day,
		Time:         t,
		Type:         typ,
		Payment:      clinic.PaymentInfo{Method: method},
	})
}
