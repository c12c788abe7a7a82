/*
receipts.go - Receipt generation for payments and completed consultations

PURPOSE:
  Implements clinic.Biller. The engine hands over a ReceiptRequest after a
  payment is recorded or a consultation completes; the generator numbers it,
  computes tax with exact decimal arithmetic and keeps it for lookup.

NUMBERING:
  RCPT-<year>-<seq>, seq is per year and never reused.

SEE ALSO:
  - clinic/events.go: Biller contract
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/clinic"
)

var ErrNegativeAmount = errors.New("receipt amount is negative")

type Receipt struct {
	Number        string               `json:"number"`
	Kind          clinic.ReceiptKind   `json:"kind"`
	AppointmentID clinic.AppointmentID `json:"appointment_id"`
	DoctorID      clinic.DoctorID      `json:"doctor_id"`
	PatientEmail  string               `json:"patient_email"`
	Method        clinic.PaymentMethod `json:"method,omitempty"`
	Subtotal      decimal.Decimal      `json:"subtotal"`
	Tax           decimal.Decimal      `json:"tax"`
	Total         decimal.Decimal      `json:"total"`
	RecordedBy    string               `json:"recorded_by,omitempty"`
	IssuedAt      time.Time            `json:"issued_at"`
}

// Generator keeps receipts in memory.
type Generator struct {
	mu       sync.Mutex
	log      zerolog.Logger
	taxRate  decimal.Decimal
	seq      map[int]int
	receipts []Receipt
}

// NewGenerator creates a generator. taxRate is a fraction, e.g. 0.18.
func NewGenerator(log zerolog.Logger, taxRate decimal.Decimal) *Generator {
	return &Generator{
		log:     log,
		taxRate: taxRate,
		seq:     make(map[int]int),
	}
}

func (g *Generator) IssueReceipt(_ context.Context, r clinic.ReceiptRequest) error {
	if r.Amount.IsNegative() {
		return fmt.Errorf("appointment %s: %w", r.AppointmentID, ErrNegativeAmount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	year := r.At.Year()
	g.seq[year]++
	subtotal := r.Amount.Round(2)
	tax := subtotal.Mul(g.taxRate).Round(2)
	rec := Receipt{
		Number:        fmt.Sprintf("RCPT-%d-%06d", year, g.seq[year]),
		Kind:          r.Kind,
		AppointmentID: r.AppointmentID,
		DoctorID:      r.DoctorID,
		PatientEmail:  r.PatientEmail,
		Method:        r.Method,
		Subtotal:      subtotal,
		Tax:           tax,
		Total:         subtotal.Add(tax),
		RecordedBy:    r.RecordedBy,
		IssuedAt:      r.At,
	}
	g.receipts = append(g.receipts, rec)

	g.log.Info().
		Str("receipt", rec.Number).
		Str("kind", string(rec.Kind)).
		Str("appointment_id", string(rec.AppointmentID)).
		Str("total", rec.Total.StringFixed(2)).
		Msg("receipt issued")
	return nil
}

// List returns every receipt in issue order.
func (g *Generator) List() []Receipt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Receipt(nil), g.receipts...)
}

func (g *Generator) ForAppointment(id clinic.AppointmentID) []Receipt {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Receipt
	for _, r := range g.receipts {
		if r.AppointmentID == id {
			out = append(out, r)
		}
	}
	return out
}

// Totals sums receipt totals per kind.
func (g *Generator) Totals() map[clinic.ReceiptKind]decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[clinic.ReceiptKind]decimal.Decimal)
	for _, r := range g.receipts {
		out[r.Kind] = out[r.Kind].Add(r.Total)
	}
	return out
}
