package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/clinic"
)

// Fanout sends each event to every notifier. One failing notifier does not
// stop the others; their errors are joined.
type Fanout []clinic.Notifier

func (f Fanout) Notify(ctx context.Context, e clinic.Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, e clinic.Event) error {
	n.Log.Info().
		Str("event", string(e.Type)).
		Str("doctor_id", string(e.DoctorID)).
		Str("appointment_id", string(e.AppointmentID)).
		Str("waitlist_entry_id", string(e.WaitlistEntryID)).
		Str("memo_id", string(e.MemoID)).
		Str("slot", e.Slot).
		Str("detail", e.Detail).
		Msg("event")
	return nil
}

// Recorder keeps events in memory. Handy for tests and the demo UI.
type Recorder struct {
	mu     sync.Mutex
	events []clinic.Event
}

func (r *Recorder) Notify(_ context.Context, e clinic.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []clinic.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]clinic.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []clinic.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]clinic.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
