/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request log (zerolog)
  4. Metrics:    Request count and latency (OpenTelemetry), when configured
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for the front desk UI

ROUTE GROUPS:
  /api/doctors/*           Doctor catalogue and slot resolution
  /api/appointments/*      Booking and appointment lifecycle
  /api/waitlist/*          Waitlist management
  /api/doctor-sessions/*   Doctor status and daily queue
  /api/memos/*             Consultation memos
  /api/admin/*             Admin operations
  /api/scenarios/*         Demo scenarios
  /health                  Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the clinic's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/observability"
)

// RouterOptions configures cross-cutting middleware.
type RouterOptions struct {
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	if opts.Metrics != nil {
		r.Use(requestMetrics(opts.Metrics))
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/doctors", func(r chi.Router) {
			r.Get("/", h.ListDoctors)
			r.Post("/", h.CreateDoctor)
			r.Get("/{id}", h.GetDoctor)
			r.Put("/{id}/availability", h.UpdateAvailability)
			r.Get("/{id}/slots", h.GetSlots)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.ListAppointments)
			r.Post("/", h.BookAppointment)
			r.Get("/{id}", h.GetAppointment)
			r.Post("/{id}/pay", h.PayAppointment)
			r.Post("/{id}/checkin", h.CheckIn)
			r.Post("/{id}/cancel", h.CancelAppointment)
			r.Post("/{id}/noshow", h.MarkNoShow)
			r.Post("/{id}/reschedule", h.RescheduleAppointment)
			r.Get("/{id}/receipts", h.GetReceipts)
		})

		r.Route("/waitlist", func(r chi.Router) {
			r.Get("/", h.ListWaitlist)
			r.Post("/", h.JoinWaitlist)
			r.Post("/{id}/promote", h.PromoteWaitlistEntry)
			r.Delete("/{id}", h.RemoveWaitlistEntry)
		})

		r.Route("/doctor-sessions/{doctorId}", func(r chi.Router) {
			r.Post("/", h.EnsureSession)
			r.Post("/ensure", h.EnsureSession)
			r.Get("/", h.GetSession)
			r.Put("/", h.UpdateSession)
			r.Get("/queue", h.GetQueue)
			r.Post("/next", h.StartNext)
		})

		r.Route("/memos/{id}", func(r chi.Router) {
			r.Get("/", h.GetMemoPosition)
			r.Get("/position", h.GetMemoPosition)
			r.Post("/start", h.StartMemo)
			r.Post("/complete", h.CompleteMemo)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.Sweep)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Msg("request")
		})
	}
}

// requestMetrics records count and latency keyed by the chi route pattern.
func requestMetrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordRequest(r.Context(), r.Method, route, status, time.Since(start))
		})
	}
}
