package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/config"
	"github.com/shohag/salondesk/internal/delivery"
	"github.com/shohag/salondesk/internal/models"
	"github.com/shohag/salondesk/internal/receipts"
	"github.com/shohag/salondesk/internal/signing"
	"github.com/shohag/salondesk/internal/storage"
	"github.com/shohag/salondesk/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRecipient = "351912345678"

type processed struct {
	recipient, text, name string
}

type fakeConversations struct {
	mu       sync.Mutex
	calls    []processed
	reply    string
	err      error
	statuses map[string]workflow.Status
}

func (f *fakeConversations) ProcessMessage(_ context.Context, recipient, text, knownName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, processed{recipient, text, knownName})
	return f.reply, f.err
}

func (f *fakeConversations) BookingStatus(recipient string) (workflow.Status, bool) {
	st, ok := f.statuses[recipient]
	return st, ok
}

type queued struct {
	recipient, body string
}

type fakeOutbox struct {
	mu      sync.Mutex
	queued  []queued
	cleared []string
}

func (f *fakeOutbox) Enqueue(recipient, body string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, queued{recipient, body})
	return models.NewID("msg"), nil
}

func (f *fakeOutbox) Status(recipient string) delivery.RecipientStatus {
	return delivery.RecipientStatus{Recipient: recipient, QueueLength: 2, Messages: []delivery.MessageView{}}
}

func (f *fakeOutbox) Clear(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, recipient)
	return 2
}

type fakeScheduler struct {
	duration time.Duration
}

func (f *fakeScheduler) CheckAvailability(_ context.Context, day time.Time, duration time.Duration) ([]time.Time, error) {
	f.duration = duration
	return []time.Time{day.Add(9 * time.Hour), day.Add(14*time.Hour + 15*time.Minute)}, nil
}

func (f *fakeScheduler) Location() *time.Location { return time.UTC }

type fakeResponder struct{}

func (fakeResponder) Reply(_ context.Context, _, text, knownName string) (string, error) {
	return "Olá " + knownName + "! " + text, nil
}

type harness struct {
	conv      *fakeConversations
	outbox    *fakeOutbox
	scheduler *fakeScheduler
	receipts  *receipts.MemoryStore
	store     storage.Storage
	handler   http.Handler
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	h := &harness{
		conv:      &fakeConversations{statuses: map[string]workflow.Status{}},
		outbox:    &fakeOutbox{},
		scheduler: &fakeScheduler{},
		receipts:  receipts.NewMemoryStore(time.Hour),
		store:     store,
	}
	deps := Deps{
		Store:         store,
		Conversations: h.conv,
		Outbox:        h.outbox,
		Scheduler:     h.scheduler,
		Responder:     fakeResponder{},
		Receipts:      h.receipts,
		Region:        "PT",
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.handler = NewServer(config.ServerConfig{}, deps, zerolog.Nop()).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "salondesk", decode(t, rec)["service"])
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWhatsApp_ReceivedText(t *testing.T) {
	h := newHarness(t, nil)
	h.conv.reply = "Olá! Como posso ajudar?"

	rec := h.do(t, http.MethodPost, "/webhook/whatsapp", map[string]interface{}{
		"type":       "ReceivedCallback",
		"phone":      "351912345678",
		"fromMe":     false,
		"senderName": "Ana WhatsApp",
		"text":       map[string]string{"message": "olá"},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["processed"])
	require.Len(t, h.conv.calls, 1)
	assert.Equal(t, processed{testRecipient, "olá", ""}, h.conv.calls[0])
	assert.Equal(t, []queued{{testRecipient, "Olá! Como posso ajudar?"}}, h.outbox.queued)
}

func TestWhatsApp_EmptyReplyNotQueued(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/webhook/whatsapp", map[string]interface{}{
		"type":  "ReceivedCallback",
		"phone": "351912345678",
		"text":  map[string]string{"message": "quero marcar gel"},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.conv.calls, 1)
	assert.Empty(t, h.outbox.queued)
}

func TestWhatsApp_IgnoredPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"from me", map[string]interface{}{"type": "ReceivedCallback", "phone": "351912345678", "fromMe": true, "text": map[string]string{"message": "oi"}}},
		{"group", map[string]interface{}{"type": "ReceivedCallback", "phone": "351912345678", "isGroup": true, "text": map[string]string{"message": "oi"}}},
		{"no text", map[string]interface{}{"type": "ReceivedCallback", "phone": "351912345678"}},
		{"presence", map[string]interface{}{"type": "PresenceChatCallback", "phone": "351912345678"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(t, http.MethodPost, "/webhook/whatsapp", tt.payload, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, false, decode(t, rec)["processed"])
			assert.Empty(t, h.conv.calls)
		})
	}
}

func TestWhatsApp_StatusCallbackConfirmsReceipt(t *testing.T) {
	h := newHarness(t, nil)
	sentAt := time.Now().UTC()
	require.NoError(t, h.receipts.RecordSent(context.Background(), models.QueuedMessage{
		ID: "msg_1", RemoteID: "3EB0ABC", Recipient: testRecipient, Body: "Olá", SentAt: &sentAt,
	}))

	rec := h.do(t, http.MethodPost, "/webhook/whatsapp", map[string]interface{}{
		"type":    "MessageStatusCallback",
		"status":  "READ",
		"ids":     []string{"3EB0ABC", "unknown"},
		"momment": time.Now().UnixMilli(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rc, err := h.receipts.Get(context.Background(), "3EB0ABC")
	require.NoError(t, err)
	assert.Equal(t, models.MessageConfirmed, rc.Status)
	assert.NotNil(t, rc.ConfirmedAt)
}

func TestWhatsApp_Signature(t *testing.T) {
	const secret = "whsec_test"
	h := newHarness(t, func(d *Deps) {
		d.Verifier = signing.NewVerifier(secret, time.Minute)
	})
	body := []byte(`{"type":"ReceivedCallback","phone":"351912345678","text":{"message":"oi"}}`)

	unsigned := httptest.NewRecorder()
	h.handler.ServeHTTP(unsigned, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)
	assert.Empty(t, h.conv.calls)

	now := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(signing.HeaderSignature, signing.Sign(secret, body, now))
	signed := httptest.NewRecorder()
	h.handler.ServeHTTP(signed, req)
	assert.Equal(t, http.StatusOK, signed.Code)
	assert.Len(t, h.conv.calls, 1)
}

func TestSMS(t *testing.T) {
	h := newHarness(t, nil)
	h.conv.reply = "Temos manicure e pedicure."

	rec := h.do(t, http.MethodPost, "/webhook/sms", map[string]string{
		"phone_number": "+351 912 345 678",
		"message":      "que serviços têm?",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "Temos manicure e pedicure.", out["response"])
	assert.Equal(t, testRecipient, out["phone_number"])
	assert.NotEmpty(t, out["timestamp"])
	assert.Empty(t, h.outbox.queued)
}

func TestSMS_Validation(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/webhook/sms", map[string]string{"phone_number": "+351912345678"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation error", decode(t, rec)["error"])

	rec = h.do(t, http.MethodPost, "/webhook/sms", map[string]string{"phone_number": "12", "message": "oi"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.conv.calls)
}

func TestSMS_ProcessingErrorFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.conv.err = workflow.ErrEmptyRecipient

	rec := h.do(t, http.MethodPost, "/webhook/sms", map[string]string{
		"phone_number": "+351912345678",
		"message":      "oi",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, fallbackReply, out["response"])
	assert.NotEmpty(t, out["error"])
}

func TestChat(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/chat", map[string]string{
		"message":   "olá",
		"user_name": "Ana",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "Olá Ana! olá", out["response"])
	assert.Contains(t, out["session_id"], "chat_")
	assert.Equal(t, "Ana", out["user_name"])
	assert.Empty(t, h.conv.calls, "web chat bypasses the booking conversation")
}

func TestChat_KeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/chat", map[string]string{"message": "oi", "session_id": "abc"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", decode(t, rec)["session_id"])
}

func TestAdmin_Auth(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.AdminKey = "s3cret" })

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/services", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/services", nil,
		map[string]string{"Authorization": "s3cret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/services", nil,
		map[string]string{"Authorization": "Bearer wrong"}).Code)

	rec := h.do(t, http.MethodGet, "/api/v1/services", nil, map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var services []models.Service
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &services))
	assert.Len(t, services, len(storage.DefaultServices))
}

func TestAdmin_Availability(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/availability?date=2026-10-21&service=gel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "Manicure em Gel", out["service"])
	assert.EqualValues(t, 60, out["duration_minutes"])
	assert.Equal(t, []interface{}{"09:00", "14:15"}, out["slots"])
	assert.Equal(t, time.Hour, h.scheduler.duration)

	rec = h.do(t, http.MethodGet, "/api/v1/availability?date=2026-10-21&duration=30", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*time.Minute, h.scheduler.duration)
}

func TestAdmin_AvailabilityErrors(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/availability?date=21/10/2026&duration=30", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/availability?date=2026-10-21&service=waxing", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/availability?date=2026-10-21", nil, nil).Code)
}

func TestAdmin_Appointments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	client, err := h.store.GetOrCreateClient(ctx, testRecipient, "Ana")
	require.NoError(t, err)
	appt := &models.Appointment{
		ID:              models.NewID("apt"),
		ClientID:        client.ID,
		ServiceID:       "svc_manicure_gel",
		Start:           time.Date(2026, 10, 21, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		Status:          models.AppointmentScheduled,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateAppointment(ctx, appt))

	rec := h.do(t, http.MethodGet, "/api/v1/appointments?date=2026-10-21", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var appts []models.Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &appts))
	require.Len(t, appts, 1)
	assert.Equal(t, appt.ID, appts[0].ID)

	rec = h.do(t, http.MethodGet, "/api/v1/appointments?date=2026-10-22", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = h.do(t, http.MethodPatch, "/api/v1/appointments/"+appt.ID, map[string]string{"status": "cancelled"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/appointments/"+appt.ID, map[string]string{"status": "postponed"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/appointments/apt_missing", map[string]string{"status": "confirmed"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_ReinstateOverlappingAppointment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	client, err := h.store.GetOrCreateClient(ctx, testRecipient, "Ana")
	require.NoError(t, err)
	start := time.Date(2026, 10, 21, 10, 0, 0, 0, time.UTC)

	old := &models.Appointment{ClientID: client.ID, ServiceID: "svc_manicure_gel", Start: start, DurationMinutes: 60}
	require.NoError(t, h.store.CreateAppointment(ctx, old))
	require.NoError(t, h.store.UpdateAppointmentStatus(ctx, old.ID, models.AppointmentCancelled))
	require.NoError(t, h.store.CreateAppointment(ctx, &models.Appointment{
		ClientID: client.ID, ServiceID: "svc_manicure_gel", Start: start, DurationMinutes: 60,
	}))

	rec := h.do(t, http.MethodPatch, "/api/v1/appointments/"+old.ID, map[string]string{"status": "scheduled"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	blocking, err := h.store.FindOverlapping(ctx, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, blocking, 1)
}

func TestAdmin_Queues(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/queues/+351912345678", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testRecipient, decode(t, rec)["recipient"])

	rec = h.do(t, http.MethodDelete, "/api/v1/queues/351912345678", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["cleared"])
	assert.Equal(t, []string{testRecipient}, h.outbox.cleared)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/queues/abc", nil, nil).Code)
}

func TestAdmin_BookingStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.conv.statuses[testRecipient] = workflow.Status{Phone: testRecipient, State: "waiting_time_choice"}

	rec := h.do(t, http.MethodGet, "/api/v1/bookings/351912345678", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting_time_choice", decode(t, rec)["state"])

	rec = h.do(t, http.MethodGet, "/api/v1/bookings/351911111111", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Receipt(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/receipts/nope", nil, nil).Code)

	sentAt := time.Now().UTC()
	require.NoError(t, h.receipts.RecordSent(context.Background(), models.QueuedMessage{
		ID: "msg_1", RemoteID: "R1", Recipient: testRecipient, Body: "Olá", SentAt: &sentAt,
	}))
	rec := h.do(t, http.MethodGet, "/api/v1/receipts/R1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decode(t, rec)["status"])
}
