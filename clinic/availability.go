/*
availability.go - Weekly availability documents and slot resolution

PURPOSE:
  A doctor declares availability as a weekly document: one entry per weekday
  key, either "off" or {start, end, slotCount, capacity}. The Resolver turns
  that document plus a calendar date into the ordered list of bookable
  time labels for that date.

DOCUMENT FORMAT:
  {
    "monday":    {"start": "09:00", "end": "12:00", "slotCount": 6},
    "tuesday":   "off",
    "wednesday": {"start": "14:00", "end": "17:00", "slotCount": 3, "capacity": 2}
  }

  Three-letter keys ("mon", "tue", ...) are accepted. Keys are case-insensitive.

MALFORMED ENTRIES:
  Documents are stored as JSON and may be edited by hand. A malformed entry
  never fails decoding: it is kept with a Problem description, treated as
  off by the Resolver, and logged when resolved.

SLOT SUBDIVISION:
  step = (end - start) / slotCount, in whole minutes.
  labels = start + i*step for i in [0, slotCount).
  If step rounds to zero the count is clamped to the minutes available so
  labels stay distinct.

SEE ALSO:
  - ledger.go: capacity is checked per resolved label
  - factory/doctor.go: builds documents from JSON config
*/
package clinic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// WEEKLY AVAILABILITY DOCUMENT
// =============================================================================

// AvailabilityEntry is one weekday of a WeeklyAvailability document.
type AvailabilityEntry struct {
	Off       bool
	Start     string
	End       string
	SlotCount int
	Capacity  int

	// Problem is set when the stored entry could not be decoded.
	Problem string
	raw     json.RawMessage
}

type availabilityEntryJSON struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	SlotCount int    `json:"slotCount"`
	Capacity  int    `json:"capacity,omitempty"`
}

func (e *AvailabilityEntry) UnmarshalJSON(data []byte) error {
	*e = AvailabilityEntry{}
	trimmed := bytes.TrimSpace(data)

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), "off") {
			e.Off = true
			return nil
		}
		e.Problem = fmt.Sprintf("unrecognised value %q", s)
		e.raw = append(json.RawMessage(nil), trimmed...)
		return nil
	}

	var obj availabilityEntryJSON
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		e.Problem = "entry is neither \"off\" nor an object with start/end/slotCount"
		e.raw = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	e.Start = obj.Start
	e.End = obj.End
	e.SlotCount = obj.SlotCount
	e.Capacity = obj.Capacity
	return nil
}

func (e AvailabilityEntry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Problem != "" && len(e.raw) > 0:
		return e.raw, nil
	case e.Off:
		return json.Marshal("off")
	}
	return json.Marshal(availabilityEntryJSON{
		Start:     e.Start,
		End:       e.End,
		SlotCount: e.SlotCount,
		Capacity:  e.Capacity,
	})
}

// WeeklyAvailability maps weekday keys to entries.
type WeeklyAvailability map[string]AvailabilityEntry

var weekdayKeys = map[time.Weekday][2]string{
	time.Sunday:    {"sunday", "sun"},
	time.Monday:    {"monday", "mon"},
	time.Tuesday:   {"tuesday", "tue"},
	time.Wednesday: {"wednesday", "wed"},
	time.Thursday:  {"thursday", "thu"},
	time.Friday:    {"friday", "fri"},
	time.Saturday:  {"saturday", "sat"},
}

// WeekdayKey returns the canonical document key for a weekday.
func WeekdayKey(wd time.Weekday) string { return weekdayKeys[wd][0] }

// Entry returns the entry for a weekday, honouring aliases and case. The
// full name wins over the short alias and an exact key over a variant, so
// a document naming one day twice still resolves the same way every time.
func (w WeeklyAvailability) Entry(wd time.Weekday) (AvailabilityEntry, string, bool) {
	keys := weekdayKeys[wd]
	for _, want := range keys {
		if e, ok := w[want]; ok {
			return e, want, true
		}
	}
	for _, want := range keys {
		found := ""
		for k := range w {
			if strings.ToLower(strings.TrimSpace(k)) == want && (found == "" || k < found) {
				found = k
			}
		}
		if found != "" {
			return w[found], found, true
		}
	}
	return AvailabilityEntry{}, "", false
}

// ParseWeeklyAvailability decodes a stored document. Only a document that is
// not a JSON object at all is an error; individual entries are lenient.
func ParseWeeklyAvailability(data []byte) (WeeklyAvailability, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WeeklyAvailability{}, nil
	}
	var w WeeklyAvailability
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("availability document: %w", err)
	}
	if w == nil {
		w = WeeklyAvailability{}
	}
	return w, nil
}

// Problems lists the malformed entries, sorted by key.
func (w WeeklyAvailability) Problems() []string {
	var out []string
	for k, e := range w {
		if _, _, err := e.window(); err != nil && !e.Off {
			out = append(out, fmt.Sprintf("%s: %v", k, err))
		}
	}
	sort.Strings(out)
	return out
}

// window parses start/end and validates the count.
func (e AvailabilityEntry) window() (ClockTime, ClockTime, error) {
	if e.Problem != "" {
		return 0, 0, fmt.Errorf("%s", e.Problem)
	}
	if e.Start == "" || e.End == "" {
		return 0, 0, fmt.Errorf("missing start or end")
	}
	start, err := ParseClockTime(e.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := ParseClockTime(e.End)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("end %s is not after start %s", end, start)
	}
	if e.SlotCount <= 0 {
		return 0, 0, fmt.Errorf("slotCount must be positive, got %d", e.SlotCount)
	}
	return start, end, nil
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver turns availability documents into bookable time labels.
type Resolver struct {
	log             zerolog.Logger
	defaultCapacity int
}

func NewResolver(log zerolog.Logger, defaultCapacity int) *Resolver {
	if defaultCapacity < 1 {
		defaultCapacity = 1
	}
	return &Resolver{log: log, defaultCapacity: defaultCapacity}
}

// Slots returns the ordered time labels bookable on date.
// A missing, off or malformed entry yields an empty list.
func (r *Resolver) Slots(doc WeeklyAvailability, date Day) []ClockTime {
	entry, key, ok := doc.Entry(date.Weekday())
	if !ok || entry.Off {
		return nil
	}
	start, end, err := entry.window()
	if err != nil {
		r.log.Warn().
			Str("weekday", key).
			Str("date", date.String()).
			Err(err).
			Msg("malformed availability entry treated as off")
		return nil
	}

	count := entry.SlotCount
	span := int(end - start)
	step := span / count
	if step == 0 {
		r.log.Warn().
			Str("weekday", key).
			Int("slot_count", count).
			Int("minutes", span).
			Msg("slot count exceeds available minutes, clamping")
		count = span
		step = 1
	}

	slots := make([]ClockTime, 0, count)
	for i := 0; i < count; i++ {
		slots = append(slots, start+ClockTime(i*step))
	}
	return slots
}

// Offers reports whether at is one of the labels for date.
func (r *Resolver) Offers(doc WeeklyAvailability, date Day, at ClockTime) bool {
	for _, s := range r.Slots(doc, date) {
		if s == at {
			return true
		}
	}
	return false
}

// Capacity returns how many blocking appointments each slot on date may hold.
func (r *Resolver) Capacity(doc WeeklyAvailability, date Day) int {
	entry, _, ok := doc.Entry(date.Weekday())
	if ok && entry.Capacity > 0 {
		return entry.Capacity
	}
	return r.defaultCapacity
}
