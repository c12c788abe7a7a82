/*
Package factory provides JSON to Go doctor conversion.

PURPOSE:
  Converts JSON doctor definitions (profile plus weekly availability) into
  clinic.Doctor values. Used by the admin API, the demo scenarios and the
  CLI seed command. Unlike the engine, which tolerates malformed stored
  entries, the factory is strict: a definition with a bad availability
  entry is rejected so bad documents never enter the store through it.

JSON SCHEMA:
  {
    "id": "dr-rao",
    "name": "Dr. Rao",
    "specialty": "cardiology",
    "fee": "500.00",
    "availability": {
      "monday":  {"start": "09:00", "end": "12:00", "slotCount": 6},
      "tuesday": "off"
    }
  }

USAGE:
  f := NewDoctorFactory()
  doc, err := f.ParseDoctor(jsonString)

  // From a preset
  doc, err := f.ParseDoctor(WeekdayClinicJSON("dr-rao", "Dr. Rao", "cardiology", "500", "09:00", "12:00", 6, 1))

SEE ALSO:
  - clinic/availability.go: document format and slot resolution
  - api/scenarios.go: demo doctors built from presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DoctorJSON is the JSON representation of a doctor.
type DoctorJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Specialty    string          `json:"specialty,omitempty"`
	Fee          decimal.Decimal `json:"fee"`
	Availability json.RawMessage `json:"availability,omitempty"`
}

// =============================================================================
// DOCTOR FACTORY
// =============================================================================

// DoctorFactory converts JSON doctors to Go structs.
type DoctorFactory struct{}

func NewDoctorFactory() *DoctorFactory {
	return &DoctorFactory{}
}

// ParseDoctor parses a JSON string into a Doctor.
func (f *DoctorFactory) ParseDoctor(jsonStr string) (*clinic.Doctor, error) {
	var dj DoctorJSON
	if err := json.Unmarshal([]byte(jsonStr), &dj); err != nil {
		return nil, fmt.Errorf("failed to parse doctor JSON: %w", err)
	}
	return f.FromJSON(dj)
}

// ParseDoctors parses a JSON array of doctors.
func (f *DoctorFactory) ParseDoctors(jsonStr string) ([]clinic.Doctor, error) {
	var list []DoctorJSON
	if err := json.Unmarshal([]byte(jsonStr), &list); err != nil {
		return nil, fmt.Errorf("failed to parse doctors JSON: %w", err)
	}
	out := make([]clinic.Doctor, 0, len(list))
	for i, dj := range list {
		d, err := f.FromJSON(dj)
		if err != nil {
			return nil, fmt.Errorf("doctor %d: %w", i, err)
		}
		out = append(out, *d)
	}
	return out, nil
}

// FromJSON converts DoctorJSON to a Doctor.
func (f *DoctorFactory) FromJSON(dj DoctorJSON) (*clinic.Doctor, error) {
	if strings.TrimSpace(dj.ID) == "" {
		return nil, &clinic.ValidationError{Field: "id", Message: "is required"}
	}
	if strings.TrimSpace(dj.Name) == "" {
		return nil, &clinic.ValidationError{Field: "name", Message: "is required"}
	}
	if dj.Fee.IsNegative() {
		return nil, &clinic.ValidationError{Field: "fee", Message: "must not be negative"}
	}
	avail, err := f.ParseAvailability(dj.Availability)
	if err != nil {
		return nil, err
	}
	return &clinic.Doctor{
		ID:           clinic.DoctorID(strings.TrimSpace(dj.ID)),
		Name:         strings.TrimSpace(dj.Name),
		Specialty:    strings.TrimSpace(dj.Specialty),
		Fee:          dj.Fee,
		Availability: avail,
	}, nil
}

// ParseAvailability decodes a weekly document and rejects it if any entry
// is malformed or names an unknown weekday.
func (f *DoctorFactory) ParseAvailability(data []byte) (clinic.WeeklyAvailability, error) {
	doc, err := clinic.ParseWeeklyAvailability(data)
	if err != nil {
		return nil, &clinic.ValidationError{Field: "availability", Message: err.Error()}
	}
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	seen := make(map[time.Weekday]string, len(keys))
	for _, key := range keys {
		wd, ok := weekdayOf(key)
		if !ok {
			return nil, &clinic.ValidationError{Field: "availability", Message: fmt.Sprintf("unknown weekday %q", key)}
		}
		if prev, dup := seen[wd]; dup {
			return nil, &clinic.ValidationError{Field: "availability", Message: fmt.Sprintf("%q and %q both name %s", prev, key, wd)}
		}
		seen[wd] = key
	}
	if problems := doc.Problems(); len(problems) > 0 {
		return nil, &clinic.ValidationError{Field: "availability", Message: strings.Join(problems, "; ")}
	}
	return doc, nil
}

// ToJSON converts a Doctor to DoctorJSON.
func (f *DoctorFactory) ToJSON(d *clinic.Doctor) (DoctorJSON, error) {
	avail, err := json.Marshal(d.Availability)
	if err != nil {
		return DoctorJSON{}, err
	}
	return DoctorJSON{
		ID:           string(d.ID),
		Name:         d.Name,
		Specialty:    d.Specialty,
		Fee:          d.Fee,
		Availability: avail,
	}, nil
}

func weekdayOf(key string) (time.Weekday, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := clinic.WeekdayKey(wd)
		if k == full || k == full[:3] {
			return wd, true
		}
	}
	return 0, false
}
