package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/internal/consultation"
	httpmiddleware "github.com/nimbus-health/telemed-platform/internal/http/middleware"
	"github.com/nimbus-health/telemed-platform/internal/payments"
	"github.com/nimbus-health/telemed-platform/internal/presence"
	"github.com/nimbus-health/telemed-platform/internal/triage"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger              *logging.Logger
	ConsultationHandler *consultation.Handler
	AppointmentsHandler *appointments.Handler
	TriageHandler       *triage.Handler
	PaymentWebhook      *payments.WebhookHandler
	PaymentReturn       *payments.ReturnHandler
	PresenceHandler     *presence.Handler
	MetricsHandler      http.Handler
	AdminAuthSecret     string
	CORSAllowedOrigins  []string

	// BookingRateLimit caps booking and triage requests per second per IP.
	// Zero disables the limiter.
	BookingRateLimit float64
	BookingRateBurst int
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health, payment webhooks, checkout redirects, metrics.
	r.Group(func(public chi.Router) {
		public.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
		if cfg.PaymentWebhook != nil {
			public.Post("/webhooks/payments", cfg.PaymentWebhook.Handle)
		}
		if cfg.PaymentReturn != nil {
			public.Get("/payments/return/success", cfg.PaymentReturn.HandleSuccess)
			public.Get("/payments/return/cancel", cfg.PaymentReturn.HandleCancel)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Patient-facing booking and consultation routes.
	r.Group(func(api chi.Router) {
		if cfg.BookingRateLimit > 0 {
			api.Use(httpmiddleware.RateLimit(cfg.BookingRateLimit, cfg.BookingRateBurst))
		}

		if cfg.TriageHandler != nil {
			api.Post("/triage/suggest", cfg.TriageHandler.Suggest)
		}

		if cfg.ConsultationHandler != nil {
			api.Route("/appointments", func(r chi.Router) {
				r.Post("/", cfg.ConsultationHandler.Book)
				r.Route("/{appointmentID}", func(r chi.Router) {
					r.Get("/", cfg.ConsultationHandler.Get)
					r.Post("/specialty", cfg.ConsultationHandler.SetSpecialty)
					r.Post("/cancel", cfg.ConsultationHandler.Cancel)
					r.Post("/payment/retry", cfg.ConsultationHandler.RetryPayment)
					r.Post("/start", cfg.ConsultationHandler.Start)
					r.Post("/complete", cfg.ConsultationHandler.Complete)
					if cfg.PresenceHandler != nil {
						r.Get("/room/ws", cfg.PresenceHandler.HandleRoom)
						r.Get("/room/presence", cfg.PresenceHandler.Roster)
					}
				})
			})
		}
	})

	// Operator endpoints behind the admin JWT.
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.ConsultationHandler != nil {
				admin.Post("/sweep", cfg.ConsultationHandler.Sweep)
				admin.Post("/appointments/{appointmentID}/provision", cfg.ConsultationHandler.RetryProvision)
			}
			if cfg.AppointmentsHandler != nil {
				admin.Get("/appointments/{appointmentID}", cfg.AppointmentsHandler.GetAppointment)
			}
		})
	}

	return r
}
