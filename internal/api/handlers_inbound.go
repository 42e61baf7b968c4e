package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/models"
	"github.com/shohag/salondesk/internal/phone"
	"github.com/shohag/salondesk/internal/receipts"
)

const (
	callbackReceived      = "ReceivedCallback"
	callbackMessageStatus = "MessageStatusCallback"

	fallbackReply = "Peço desculpa, estou com dificuldades técnicas neste momento. Pode tentar novamente daqui a pouco?"
)

// deliveredStatuses are the Z-API message statuses that prove the message
// reached the recipient's device.
var deliveredStatuses = map[string]bool{
	"RECEIVED": true,
	"READ":     true,
	"PLAYED":   true,
}

type InboundHandler struct {
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
}

func NewInboundHandler(deps Deps, validate *validator.Validate, log zerolog.Logger) *InboundHandler {
	return &InboundHandler{deps: deps, validate: validate, log: log}
}

type whatsAppText struct {
	Message string `json:"message"`
}

// whatsAppWebhook is the subset of the Z-API callback payload we act on.
type whatsAppWebhook struct {
	Type       string        `json:"type"`
	InstanceID string        `json:"instanceId"`
	MessageID  string        `json:"messageId"`
	Phone      string        `json:"phone"`
	FromMe     bool          `json:"fromMe"`
	IsGroup    bool          `json:"isGroup"`
	SenderName string        `json:"senderName"`
	Status     string        `json:"status"`
	IDs        []string      `json:"ids"`
	Moment     int64         `json:"momment"`
	Text       *whatsAppText `json:"text"`
}

func (p whatsAppWebhook) incomingText() bool {
	return p.Type == callbackReceived && !p.FromMe && !p.IsGroup && p.Text != nil && p.Text.Message != ""
}

func (h *InboundHandler) WhatsApp(w http.ResponseWriter, r *http.Request) {
	var payload whatsAppWebhook
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case payload.Type == callbackMessageStatus:
		h.confirmReceipts(r, payload)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "received", "processed": false})
		return
	case !payload.incomingText():
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "received", "processed": false})
		return
	}

	recipient, err := phone.Normalize(payload.Phone, h.deps.Region)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return
	}

	// The sender's WhatsApp display name is not trusted as the client name;
	// the conversation asks for it.
	reply, err := h.deps.Conversations.ProcessMessage(r.Context(), recipient, payload.Text.Message, "")
	if err != nil {
		h.log.Error().Err(err).Str("recipient", recipient).Msg("failed to process whatsapp message")
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	if reply != "" {
		if _, err := h.deps.Outbox.Enqueue(recipient, reply, 0); err != nil {
			h.log.Error().Err(err).Str("recipient", recipient).Msg("failed to queue reply")
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "received", "processed": true})
}

func (h *InboundHandler) confirmReceipts(r *http.Request, payload whatsAppWebhook) {
	if h.deps.Receipts == nil || !deliveredStatuses[payload.Status] {
		return
	}

	at := time.Now().UTC()
	if payload.Moment > 0 {
		at = time.UnixMilli(payload.Moment).UTC()
	}
	ids := payload.IDs
	if len(ids) == 0 && payload.MessageID != "" {
		ids = []string{payload.MessageID}
	}
	for _, id := range ids {
		err := h.deps.Receipts.Confirm(r.Context(), id, at)
		if err != nil && !errors.Is(err, receipts.ErrNotFound) {
			h.log.Warn().Err(err).Str("remote_id", id).Msg("failed to confirm receipt")
		}
	}
}

type smsRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	Message     string `json:"message" validate:"required"`
}

type smsResponse struct {
	Response    string `json:"response"`
	PhoneNumber string `json:"phone_number"`
	Timestamp   string `json:"timestamp"`
	Error       string `json:"error,omitempty"`
}

// SMS answers inline: the gateway relays the response body to the sender.
func (h *InboundHandler) SMS(w http.ResponseWriter, r *http.Request) {
	var req smsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	recipient, err := phone.Normalize(req.PhoneNumber, h.deps.Region)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return
	}

	resp := smsResponse{PhoneNumber: recipient, Timestamp: time.Now().Format(time.RFC3339)}
	reply, err := h.deps.Conversations.ProcessMessage(r.Context(), recipient, req.Message, "")
	if err != nil {
		h.log.Error().Err(err).Str("recipient", recipient).Msg("failed to process sms message")
		resp.Response = fallbackReply
		resp.Error = "failed to process message"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Response = reply
	writeJSON(w, http.StatusOK, resp)
}

type chatRequest struct {
	Message     string `json:"message" validate:"required"`
	UserName    string `json:"user_name" validate:"omitempty,max=80"`
	PhoneNumber string `json:"phone_number"`
	SessionID   string `json:"session_id" validate:"omitempty,max=64"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	UserName  string `json:"user_name,omitempty"`
}

// Chat is the web test channel. It talks to the general responder directly
// and never touches the booking conversation.
func (h *InboundHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = models.NewID("chat")
	}
	recipient := "web:" + sessionID
	if req.PhoneNumber != "" {
		n, err := phone.Normalize(req.PhoneNumber, h.deps.Region)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid phone number")
			return
		}
		recipient = n
	}

	reply, err := h.deps.Responder.Reply(r.Context(), recipient, req.Message, req.UserName)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("chat reply failed")
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:  reply,
		SessionID: sessionID,
		Timestamp: time.Now().Format(time.RFC3339),
		UserName:  req.UserName,
	})
}
