package clinic_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
)

func labels(slots []clinic.ClockTime) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.String())
	}
	return out
}

func parseDoc(t *testing.T, raw string) clinic.WeeklyAvailability {
	t.Helper()
	doc, err := clinic.ParseWeeklyAvailability([]byte(raw))
	require.NoError(t, err)
	return doc
}

func TestResolver_EvenSubdivision(t *testing.T) {
	// GIVEN: Monday 09:00-12:00 split into six slots
	// WHEN: Resolving a Monday
	// THEN: Labels are 30 minutes apart starting at 09:00

	r := clinic.NewResolver(zerolog.Nop(), 1)
	doc := parseDoc(t, `{"monday": {"start": "09:00", "end": "12:00", "slotCount": 6}}`)

	got := r.Slots(doc, today)

	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}, labels(got))
}

func TestResolver_UnevenStepTruncates(t *testing.T) {
	r := clinic.NewResolver(zerolog.Nop(), 1)
	doc := parseDoc(t, `{"monday": {"start": "09:00", "end": "10:00", "slotCount": 7}}`)

	got := r.Slots(doc, today)

	// 60/7 = 8 whole minutes
	require.Len(t, got, 7)
	assert.Equal(t, "09:00", got[0].String())
	assert.Equal(t, "09:48", got[6].String())
}

func TestResolver_OffAndMissingDaysAreEmpty(t *testing.T) {
	r := clinic.NewResolver(zerolog.Nop(), 1)
	doc := parseDoc(t, `{"monday": "off", "wednesday": {"start": "09:00", "end": "10:00", "slotCount": 2}}`)

	assert.Empty(t, r.Slots(doc, today), "monday is off")
	assert.Empty(t, r.Slots(doc, tomorrow), "tuesday has no entry")
	assert.Len(t, r.Slots(doc, today.AddDays(2)), 2)
}

func TestResolver_MalformedEntriesTreatedAsOffAndLogged(t *testing.T) {
	// GIVEN: Documents with broken entries for Monday
	// WHEN: Resolving
	// THEN: No slots, and a warning names the weekday

	tests := []struct {
		name string
		doc  string
	}{
		{"garbage string", `{"monday": "sometimes"}`},
		{"wrong shape", `{"monday": [1, 2, 3]}`},
		{"end before start", `{"monday": {"start": "12:00", "end": "09:00", "slotCount": 3}}`},
		{"zero slot count", `{"monday": {"start": "09:00", "end": "12:00", "slotCount": 0}}`},
		{"bad time", `{"monday": {"start": "9am", "end": "12:00", "slotCount": 3}}`},
		{"missing end", `{"monday": {"start": "09:00", "slotCount": 3}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := clinic.NewResolver(zerolog.New(&buf), 1)
			doc := parseDoc(t, tt.doc)

			assert.Empty(t, r.Slots(doc, today))
			assert.Contains(t, buf.String(), "malformed availability entry")
			assert.Contains(t, buf.String(), "monday")
			assert.NotEmpty(t, doc.Problems())
		})
	}
}

func TestResolver_NonObjectDocumentIsAnError(t *testing.T) {
	_, err := clinic.ParseWeeklyAvailability([]byte(`["monday"]`))
	assert.Error(t, err)

	doc, err := clinic.ParseWeeklyAvailability(nil)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestResolver_AcceptsAliasesAndCase(t *testing.T) {
	r := clinic.NewResolver(zerolog.Nop(), 1)
	doc := parseDoc(t, `{"Mon": {"start": "09:00", "end": "10:00", "slotCount": 2}, "TUESDAY": {"start": "14:00", "end": "15:00", "slotCount": 1}}`)

	assert.Equal(t, []string{"09:00", "09:30"}, labels(r.Slots(doc, today)))
	assert.Equal(t, []string{"14:00"}, labels(r.Slots(doc, tomorrow)))
}

func TestResolver_ClampsCountToAvailableMinutes(t *testing.T) {
	// GIVEN: Three minutes split into ten slots
	// WHEN: Resolving
	// THEN: Three distinct one-minute labels

	var buf bytes.Buffer
	r := clinic.NewResolver(zerolog.New(&buf), 1)
	doc := parseDoc(t, `{"monday": {"start": "09:00", "end": "09:03", "slotCount": 10}}`)

	got := r.Slots(doc, today)

	assert.Equal(t, []string{"09:00", "09:01", "09:02"}, labels(got))
	assert.Contains(t, buf.String(), "clamping")
}

func TestResolver_Capacity(t *testing.T) {
	r := clinic.NewResolver(zerolog.Nop(), 3)
	doc := parseDoc(t, `{
		"monday": {"start": "09:00", "end": "10:00", "slotCount": 2},
		"tuesday": {"start": "09:00", "end": "10:00", "slotCount": 2, "capacity": 5}
	}`)

	assert.Equal(t, 3, r.Capacity(doc, today), "default applies without an override")
	assert.Equal(t, 5, r.Capacity(doc, tomorrow))
	assert.Equal(t, 1, clinic.NewResolver(zerolog.Nop(), 0).Capacity(doc, today), "default never drops below one")
}

func TestResolver_Deterministic(t *testing.T) {
	r := clinic.NewResolver(zerolog.Nop(), 1)
	doc := everyDay("08:00", "20:00", 24, 1)

	first := r.Slots(doc, today)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Slots(doc, today))
	}
	assert.True(t, r.Offers(doc, today, clock("19:30")))
	assert.False(t, r.Offers(doc, today, clock("19:45")))
}

func TestResolver_DuplicateWeekdayKeysResolveStably(t *testing.T) {
	// GIVEN: A document naming Monday under both its full and short key
	// WHEN: Resolving Monday repeatedly
	// THEN: The full key wins every time

	r := clinic.NewResolver(zerolog.Nop(), 1)
	doc := parseDoc(t, `{
		"mon": {"start": "14:00", "end": "15:00", "slotCount": 2},
		"monday": {"start": "09:00", "end": "10:00", "slotCount": 2},
		"Tue": {"start": "16:00", "end": "17:00", "slotCount": 1},
		"TUE": {"start": "18:00", "end": "19:00", "slotCount": 1}
	}`)

	for i := 0; i < 100; i++ {
		assert.Equal(t, []string{"09:00", "09:30"}, labels(r.Slots(doc, today)))
		assert.Equal(t, []string{"18:00"}, labels(r.Slots(doc, tomorrow)))
	}
	_, key, ok := doc.Entry(time.Monday)
	require.True(t, ok)
	assert.Equal(t, "monday", key)
}

func TestAvailabilityEntry_RoundTripsOffAndMalformed(t *testing.T) {
	doc := parseDoc(t, `{"monday":"off","tuesday":"sometimes"}`)

	mon, _, ok := doc.Entry(time.Monday)
	require.True(t, ok)
	assert.True(t, mon.Off)

	tue, _, ok := doc.Entry(time.Tuesday)
	require.True(t, ok)
	out, err := tue.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"sometimes"`, string(out), "malformed entries are preserved as stored")
}

func TestDay_ParseAndArithmetic(t *testing.T) {
	d, err := clinic.ParseDay("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, today, d)
	assert.Equal(t, time.Monday, d.Weekday())
	assert.Equal(t, "2026-03-03", d.AddDays(1).String())
	assert.True(t, d.Before(tomorrow))

	_, err = clinic.ParseDay("02/03/2026")
	assert.Error(t, err)
}

func TestClockTime_Parse(t *testing.T) {
	at, err := clinic.ParseClockTime("09:05")
	require.NoError(t, err)
	assert.Equal(t, 9, at.Hour())
	assert.Equal(t, 5, at.Minute())
	assert.Equal(t, "09:05", at.String())

	short, err := clinic.ParseClockTime("9:05")
	require.NoError(t, err)
	assert.Equal(t, at, short)

	for _, bad := range []string{"25:00", "9", "09:60", "", "10:00junk", "10:00:30", "9:5", " 09:00", "-1:00", "+9:00", "09:+5"} {
		_, err := clinic.ParseClockTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestSlotKey_StringRoundTrip(t *testing.T) {
	key := clinic.NewSlotKey("dr-x", tomorrow, clock("10:30"))

	assert.Equal(t, "dr-x|2026-03-03|10:30", key.String())
	parsed, err := clinic.ParseSlotKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}
