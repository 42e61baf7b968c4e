package delivery

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/models"
)

// Transport performs one outbound send. A nil error means the provider
// accepted the message; the returned string is its provider-side id, if any.
type Transport interface {
	Send(ctx context.Context, recipient, text string) (string, error)
}

// LogTransport writes messages to the log instead of sending them.
type LogTransport struct {
	log zerolog.Logger
}

func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log.With().Str("component", "log_transport").Logger()}
}

func (t *LogTransport) Send(_ context.Context, recipient, text string) (string, error) {
	id := models.NewID("dry")
	t.log.Info().
		Str("recipient", recipient).
		Str("remote_id", id).
		Str("body", text).
		Msg("outbound message (dry run)")
	return id, nil
}
