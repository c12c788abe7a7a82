package factory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
)

func TestParseDoctor_Valid(t *testing.T) {
	f := NewDoctorFactory()

	d, err := f.ParseDoctor(`{
		"id": " dr-rao ",
		"name": "Dr. Rao",
		"specialty": "cardiology",
		"fee": "500.50",
		"availability": {
			"monday": {"start": "09:00", "end": "12:00", "slotCount": 6, "capacity": 2},
			"Tue": "off"
		}
	}`)

	require.NoError(t, err)
	assert.Equal(t, clinic.DoctorID("dr-rao"), d.ID)
	assert.Equal(t, "cardiology", d.Specialty)
	assert.True(t, decimal.RequireFromString("500.50").Equal(d.Fee))

	mon, _, ok := d.Availability.Entry(time.Monday)
	require.True(t, ok)
	assert.Equal(t, 2, mon.Capacity)
	tue, _, ok := d.Availability.Entry(time.Tuesday)
	require.True(t, ok)
	assert.True(t, tue.Off)
}

func TestParseDoctor_Rejects(t *testing.T) {
	f := NewDoctorFactory()

	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"missing id", `{"name": "Dr. A", "fee": "1"}`, "id"},
		{"missing name", `{"id": "a", "fee": "1"}`, "name"},
		{"negative fee", `{"id": "a", "name": "Dr. A", "fee": "-5"}`, "fee"},
		{"unknown weekday", `{"id": "a", "name": "Dr. A", "fee": "1", "availability": {"funday": "off"}}`, "availability"},
		{"malformed entry", `{"id": "a", "name": "Dr. A", "fee": "1", "availability": {"monday": "sometimes"}}`, "availability"},
		{"inverted window", `{"id": "a", "name": "Dr. A", "fee": "1", "availability": {"monday": {"start": "12:00", "end": "09:00", "slotCount": 2}}}`, "availability"},
		{"weekday named twice", `{"id": "a", "name": "Dr. A", "fee": "1", "availability": {"monday": "off", "Mon": "off"}}`, "availability"},
		{"weekday named twice by case", `{"id": "a", "name": "Dr. A", "fee": "1", "availability": {"friday": "off", "FRIDAY": "off"}}`, "availability"},
		{"availability not an object", `{"id": "a", "name": "Dr. A", "fee": "1", "availability": ["monday"]}`, "availability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseDoctor(tt.json)
			var ve *clinic.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseDoctor_BadJSON(t *testing.T) {
	_, err := NewDoctorFactory().ParseDoctor(`{not json`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse doctor JSON")
	assert.NotErrorIs(t, err, clinic.ErrValidation)
}

func TestParseDoctors_Array(t *testing.T) {
	f := NewDoctorFactory()
	raw := "[" + WeekdayClinicJSON("dr-a", "Dr. A", "gp", "300", "09:00", "12:00", 6, 1) + "," +
		EveryDayClinicJSON("dr-b", "Dr. B", "ent", "400", "14:00", "16:00", 4, 2) + "]"

	doctors, err := f.ParseDoctors(raw)

	require.NoError(t, err)
	require.Len(t, doctors, 2)
	assert.Equal(t, clinic.DoctorID("dr-a"), doctors[0].ID)
	assert.Equal(t, clinic.DoctorID("dr-b"), doctors[1].ID)

	_, err = f.ParseDoctors(`[{"id": "", "name": "x"}]`)
	assert.ErrorIs(t, err, clinic.ErrValidation)
}

func TestPresets_ResolveToExpectedSlots(t *testing.T) {
	// GIVEN: A weekday clinic preset
	// WHEN: Resolving a Monday and a Saturday
	// THEN: Monday has six labels, Saturday none

	f := NewDoctorFactory()
	d, err := f.ParseDoctor(WeekdayClinicJSON("dr-a", "Dr. A", "gp", "300", "09:00", "12:00", 6, 3))
	require.NoError(t, err)

	r := clinic.NewResolver(zerolog.Nop(), 1)
	monday := clinic.NewDay(2026, time.March, 2)
	saturday := clinic.NewDay(2026, time.March, 7)

	assert.Len(t, r.Slots(d.Availability, monday), 6)
	assert.Empty(t, r.Slots(d.Availability, saturday))
	assert.Equal(t, 3, r.Capacity(d.Availability, monday))
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewDoctorFactory()
	d, err := f.ParseDoctor(EveryDayClinicJSON("dr-b", "Dr. B", "ent", "400.25", "14:00", "16:00", 4, 2))
	require.NoError(t, err)

	dj, err := f.ToJSON(d)
	require.NoError(t, err)
	data, err := json.Marshal(dj)
	require.NoError(t, err)

	back, err := f.ParseDoctor(string(data))
	require.NoError(t, err)
	assert.Equal(t, d.ID, back.ID)
	assert.True(t, d.Fee.Equal(back.Fee))
	assert.Equal(t, d.Availability, back.Availability)
}
