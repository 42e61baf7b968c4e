// Package notify tells the salon operator about new bookings.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/availability"
	"github.com/sourcegraph/conc"
)

const sendTimeout = 15 * time.Second

type Sender interface {
	SendImmediate(ctx context.Context, recipient, body string) bool
}

// Operator sends a one-line summary of each booking to a fixed recipient.
// Sends run in the background and are not retried.
type Operator struct {
	phone  string
	sender Sender
	loc    *time.Location
	log    zerolog.Logger
	wg     conc.WaitGroup
}

func NewOperator(phone string, sender Sender, loc *time.Location, log zerolog.Logger) *Operator {
	if loc == nil {
		loc = time.Local
	}
	return &Operator{
		phone:  phone,
		sender: sender,
		loc:    loc,
		log:    log.With().Str("component", "notify").Logger(),
	}
}

func (o *Operator) Enabled() bool {
	return o.phone != ""
}

func (o *Operator) NotifyBooking(_ context.Context, b availability.Booking) {
	if !o.Enabled() {
		return
	}
	msg := Summary(b, o.loc)
	o.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if !o.sender.SendImmediate(ctx, o.phone, msg) {
			o.log.Warn().Str("appointment_id", b.AppointmentID).Msg("operator notification not delivered")
			return
		}
		o.log.Info().Str("appointment_id", b.AppointmentID).Msg("operator notified")
	})
}

// Wait blocks until pending notifications have been attempted.
func (o *Operator) Wait() {
	o.wg.Wait()
}

func Summary(b availability.Booking, loc *time.Location) string {
	start := b.Interval.Start.In(loc)
	name := b.ClientName
	if name == "" {
		name = "(sem nome)"
	}
	return fmt.Sprintf("📅 Nova marcação: %s, %s, %s às %s (+%s)",
		name, b.Service.Name, start.Format("02/01/2006"), start.Format("15:04"), b.Recipient)
}
