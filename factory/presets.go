package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// AVAILABILITY PRESETS
// =============================================================================

type presetEntry struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	SlotCount int    `json:"slotCount"`
	Capacity  int    `json:"capacity,omitempty"`
}

// WeekdayClinicJSON returns a doctor definition working the same window
// Monday to Friday with weekends off.
func WeekdayClinicJSON(id, name, specialty, fee, start, end string, slotCount, capacity int) string {
	avail := map[string]any{"saturday": "off", "sunday": "off"}
	for wd := time.Monday; wd <= time.Friday; wd++ {
		avail[clinic.WeekdayKey(wd)] = presetEntry{Start: start, End: end, SlotCount: slotCount, Capacity: capacity}
	}
	return doctorJSON(id, name, specialty, fee, avail)
}

// EveryDayClinicJSON returns a doctor definition working the same window
// every day of the week.
func EveryDayClinicJSON(id, name, specialty, fee, start, end string, slotCount, capacity int) string {
	avail := map[string]any{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		avail[clinic.WeekdayKey(wd)] = presetEntry{Start: start, End: end, SlotCount: slotCount, Capacity: capacity}
	}
	return doctorJSON(id, name, specialty, fee, avail)
}

func doctorJSON(id, name, specialty, fee string, avail map[string]any) string {
	data, err := json.Marshal(avail)
	if err != nil {
		panic(fmt.Sprintf("preset availability: %v", err))
	}
	return fmt.Sprintf(`{"id":%q,"name":%q,"specialty":%q,"fee":%q,"availability":%s}`, id, name, specialty, fee, data)
}
