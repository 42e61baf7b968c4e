package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/salondesk/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrSlotTaken = errors.New("storage: slot overlaps an existing appointment")
)

type Storage interface {
	// Clients
	GetOrCreateClient(ctx context.Context, phone, name string) (*models.Client, error)
	GetClientByPhone(ctx context.Context, phone string) (*models.Client, error)
	UpdateClientName(ctx context.Context, phone, name string) error

	// Services
	ListServices(ctx context.Context) ([]models.Service, error)
	GetService(ctx context.Context, id string) (*models.Service, error)
	FindServiceByKeyword(ctx context.Context, keyword string) (*models.Service, error)

	// Appointments
	FindOverlapping(ctx context.Context, start, end time.Time) ([]models.Interval, error)
	CreateAppointment(ctx context.Context, a *models.Appointment) error
	ListAppointments(ctx context.Context, from, to time.Time) ([]models.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DefaultServices is the catalogue seeded on first migration.
var DefaultServices = []models.Service{
	{ID: "svc_manicure_basica", Keyword: "básica", Name: "Manicure Básica", Description: "Manicure clássica com verniz", DurationMinutes: 45, PriceCents: 2300, Active: true},
	{ID: "svc_manicure_gel", Keyword: "gel", Name: "Manicure em Gel", Description: "Manicure com verniz gel de longa duração", DurationMinutes: 60, PriceCents: 3200, Active: true},
	{ID: "svc_pedicure_basica", Keyword: "pedicure", Name: "Pedicure Básica", Description: "Pedicure clássica com verniz", DurationMinutes: 60, PriceCents: 2800, Active: true},
	{ID: "svc_pedicure_gel", Keyword: "pedicure gel", Name: "Pedicure em Gel", Description: "Pedicure com verniz gel de longa duração", DurationMinutes: 75, PriceCents: 3700, Active: true},
	{ID: "svc_nail_art", Keyword: "nail art", Name: "Nail Art", Description: "Design personalizado de nail art", DurationMinutes: 90, PriceCents: 4600, Active: true},
	{ID: "svc_acrylic_full", Keyword: "acrylic", Name: "Unhas de Acrílico - Conjunto Completo", Description: "Conjunto completo de unhas de acrílico", DurationMinutes: 120, PriceCents: 5500, Active: true},
	{ID: "svc_acrylic_fill", Keyword: "acrylic fill", Name: "Preenchimento de Acrílico", Description: "Preenchimento de unhas de acrílico", DurationMinutes: 90, PriceCents: 3700, Active: true},
}
