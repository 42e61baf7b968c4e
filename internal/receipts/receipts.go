// Package receipts keeps a short-lived record of delivered messages so that
// provider status callbacks can be matched back to them.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/salondesk/internal/models"
)

var ErrNotFound = errors.New("receipts: not found")

const bodyPreviewLimit = 50

type Receipt struct {
	RemoteID    string               `json:"remote_id"`
	MessageID   string               `json:"message_id"`
	Recipient   string               `json:"recipient"`
	Preview     string               `json:"preview"`
	Status      models.MessageStatus `json:"status"`
	SentAt      time.Time            `json:"sent_at"`
	ConfirmedAt *time.Time           `json:"confirmed_at,omitempty"`
}

type Store interface {
	// RecordSent stores a receipt for a message the transport accepted.
	// Messages without a remote id are ignored.
	RecordSent(ctx context.Context, msg models.QueuedMessage) error
	// Confirm marks the receipt as confirmed by the recipient's device.
	Confirm(ctx context.Context, remoteID string, at time.Time) error
	Get(ctx context.Context, remoteID string) (*Receipt, error)
}

func fromMessage(msg models.QueuedMessage) Receipt {
	sentAt := time.Now().UTC()
	if msg.SentAt != nil {
		sentAt = msg.SentAt.UTC()
	}
	preview := []rune(msg.Body)
	if len(preview) > bodyPreviewLimit {
		preview = append(preview[:bodyPreviewLimit], []rune("...")...)
	}
	return Receipt{
		RemoteID:  msg.RemoteID,
		MessageID: msg.ID,
		Recipient: msg.Recipient,
		Preview:   string(preview),
		Status:    models.MessageSent,
		SentAt:    sentAt,
	}
}
