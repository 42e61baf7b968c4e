// Package responder answers chat messages that are not part of a booking:
// opening hours, prices, small talk.
package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shohag/salondesk/internal/models"
)

// Catalog supplies the services a reply may mention.
type Catalog interface {
	ListServices(ctx context.Context) ([]models.Service, error)
}

// Salon describes the business the replies speak for.
type Salon struct {
	Name     string
	Hours    string
	Location *time.Location
}

func (s Salon) location() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

func serviceLines(services []models.Service) string {
	var b strings.Builder
	for _, s := range services {
		if !s.Active {
			continue
		}
		fmt.Fprintf(&b, "• %s (%s, %dmin)\n", s.Name, s.PriceLabel(), s.DurationMinutes)
	}
	return strings.TrimRight(b.String(), "\n")
}

// StaticResponder replies with a fixed greeting and the catalogue. It is used
// when no language model is configured.
type StaticResponder struct {
	salon   Salon
	catalog Catalog
}

func NewStaticResponder(salon Salon, catalog Catalog) *StaticResponder {
	return &StaticResponder{salon: salon, catalog: catalog}
}

func (r *StaticResponder) Reply(ctx context.Context, _, _, knownName string) (string, error) {
	services, err := r.catalog.ListServices(ctx)
	if err != nil {
		return "", fmt.Errorf("list services: %w", err)
	}

	var b strings.Builder
	if knownName != "" {
		fmt.Fprintf(&b, "Olá %s! ", knownName)
	} else {
		b.WriteString("Olá! ")
	}
	fmt.Fprintf(&b, "Sou a assistente virtual do %s. 💅\n\n", r.salon.Name)
	if r.salon.Hours != "" {
		fmt.Fprintf(&b, "🕘 Horário: %s\n\n", r.salon.Hours)
	}
	b.WriteString("Os nossos serviços:\n")
	b.WriteString(serviceLines(services))
	b.WriteString("\n\nPara marcar, diga por exemplo: \"quero marcar uma manicure gel amanhã às 14h\".")
	return b.String(), nil
}
