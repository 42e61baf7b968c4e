package models

import "time"

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageConfirmed MessageStatus = "confirmed"
)

type QueuedMessage struct {
	ID         string        `json:"id"`
	Recipient  string        `json:"recipient"`
	Body       string        `json:"body"`
	Delay      time.Duration `json:"delay"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	SentAt     *time.Time    `json:"sent_at,omitempty"`
	RemoteID   string        `json:"remote_id,omitempty"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
}
