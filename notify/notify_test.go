package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
)

// fakePublisher records Publish calls. Every other Cmdable method panics.
type fakePublisher struct {
	redis.Cmdable
	fail      error
	published map[string][]string
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if p.fail != nil {
		return redis.NewIntResult(0, p.fail)
	}
	if p.published == nil {
		p.published = make(map[string][]string)
	}
	p.published[channel] = append(p.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, clinic.Event) error { return f.err }

var sampleEvent = clinic.Event{
	Type:          clinic.EventAppointmentBooked,
	At:            time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC),
	DoctorID:      "dr-x",
	AppointmentID: "appt-1",
	PatientEmail:  "a@example.com",
	Slot:          "dr-x|2026-03-03|10:00",
}

func TestRedisNotifier_PublishesToSharedAndDoctorChannels(t *testing.T) {
	// GIVEN: A notifier on channel "clinic.events"
	// WHEN: An event for dr-x is published
	// THEN: It lands on the shared channel and on the doctor channel

	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, "clinic.events", zerolog.Nop())

	require.NoError(t, n.Notify(context.Background(), sampleEvent))

	require.Len(t, pub.published["clinic.events"], 1)
	require.Len(t, pub.published["clinic.events:dr-x"], 1)

	var decoded clinic.Event
	require.NoError(t, json.Unmarshal([]byte(pub.published["clinic.events"][0]), &decoded))
	assert.Equal(t, sampleEvent.Type, decoded.Type)
	assert.Equal(t, sampleEvent.Slot, decoded.Slot)
	assert.True(t, sampleEvent.At.Equal(decoded.At))
}

func TestRedisNotifier_EventWithoutDoctorUsesSharedChannelOnly(t *testing.T) {
	n := NewRedisNotifier(&fakePublisher{}, "clinic.events", zerolog.Nop())

	got := n.channels(clinic.Event{Type: clinic.EventWaitlistRemoved})

	assert.Equal(t, []string{"clinic.events"}, got)
}

func TestRedisNotifier_PublishFailureIsReturned(t *testing.T) {
	n := NewRedisNotifier(&fakePublisher{fail: errors.New("connection refused")}, "clinic.events", zerolog.Nop())

	err := n.Notify(context.Background(), sampleEvent)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEncodeEvent_OmitsEmptyFields(t *testing.T) {
	data, err := encodeEvent(clinic.Event{Type: clinic.EventSessionChanged, DoctorID: "dr-x"})

	require.NoError(t, err)
	assert.NotContains(t, string(data), "memo_id")
	assert.Contains(t, string(data), `"type":"session.changed"`)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url")

	assert.Error(t, err)
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	// GIVEN: A fanout with a failing notifier between two recorders
	// WHEN: An event is sent
	// THEN: Both recorders receive it and the failure is reported

	first, second := &Recorder{}, &Recorder{}
	boom := errors.New("boom")
	f := Fanout{first, failingNotifier{err: boom}, nil, second}

	err := f.Notify(context.Background(), sampleEvent)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []clinic.EventType{clinic.EventAppointmentBooked}, first.Types())
	assert.Len(t, second.Events(), 1)
}

func TestFanout_EmptyIsNoop(t *testing.T) {
	assert.NoError(t, Fanout{}.Notify(context.Background(), sampleEvent))
}

func TestLogNotifier_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: zerolog.New(&buf)}

	require.NoError(t, n.Notify(context.Background(), sampleEvent))

	assert.Contains(t, buf.String(), `"event":"appointment.booked"`)
	assert.Contains(t, buf.String(), `"doctor_id":"dr-x"`)
}
