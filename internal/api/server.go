package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/config"
	"github.com/shohag/salondesk/internal/delivery"
	"github.com/shohag/salondesk/internal/receipts"
	"github.com/shohag/salondesk/internal/signing"
	"github.com/shohag/salondesk/internal/storage"
	"github.com/shohag/salondesk/internal/workflow"
)

// Conversations is the booking conversation engine behind the inbound channels.
type Conversations interface {
	ProcessMessage(ctx context.Context, recipient, text, knownName string) (string, error)
	BookingStatus(recipient string) (workflow.Status, bool)
}

// Outbox is the per-recipient outbound message queue.
type Outbox interface {
	Enqueue(recipient, body string, delay time.Duration) (string, error)
	Status(recipient string) delivery.RecipientStatus
	Clear(recipient string) int
}

type Scheduler interface {
	CheckAvailability(ctx context.Context, day time.Time, duration time.Duration) ([]time.Time, error)
	Location() *time.Location
}

type Deps struct {
	Store         storage.Storage
	Conversations Conversations
	Outbox        Outbox
	Scheduler     Scheduler
	Responder     workflow.Responder
	Receipts      receipts.Store
	// Verifier checks inbound webhook signatures. Nil disables the check.
	Verifier *signing.Verifier
	// Region is the default phone region for numbers without a country code.
	Region   string
	AdminKey string
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	validate := validator.New()
	inbound := NewInboundHandler(s.deps, validate, s.log)
	admin := NewAdminHandler(s.deps, validate)

	r.Get("/health", Health)
	r.Handle("/metrics", promhttp.Handler())

	// Inbound channels
	r.Group(func(r chi.Router) {
		r.Use(SignatureMiddleware(s.deps.Verifier))

		r.Post("/webhook/whatsapp", inbound.WhatsApp)
		r.Post("/webhook/whatsapp/", inbound.WhatsApp)
		r.Post("/webhook/sms", inbound.SMS)
	})
	r.Post("/chat", inbound.Chat)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.deps.AdminKey))

		r.Get("/services", admin.ListServices)
		r.Get("/availability", admin.Availability)
		r.Get("/appointments", admin.ListAppointments)
		r.Patch("/appointments/{id}", admin.UpdateAppointment)
		r.Get("/queues/{recipient}", admin.QueueStatus)
		r.Delete("/queues/{recipient}", admin.ClearQueue)
		r.Get("/bookings/{recipient}", admin.BookingStatus)
		r.Get("/receipts/{id}", admin.Receipt)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "salondesk",
	})
}
