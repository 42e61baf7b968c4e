package models

import (
	"fmt"
	"time"
)

type Service struct {
	ID              string `json:"id"`
	Keyword         string `json:"keyword"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int    `json:"price_cents"`
	Active          bool   `json:"active"`
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// PriceLabel renders the price the way the salon quotes it, e.g. "€32".
func (s Service) PriceLabel() string {
	if s.PriceCents%100 == 0 {
		return fmt.Sprintf("€%d", s.PriceCents/100)
	}
	return fmt.Sprintf("€%d,%02d", s.PriceCents/100, s.PriceCents%100)
}
