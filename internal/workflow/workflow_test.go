package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/availability"
	"github.com/shohag/salondesk/internal/models"
	"github.com/shohag/salondesk/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// now is Tuesday 2026-10-20 08:00 UTC.
var now = time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC)

const phone = "351912345678"

type outbound struct {
	recipient string
	body      string
	delay     time.Duration
	immediate bool
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []outbound
}

func (s *fakeSender) Enqueue(recipient, body string, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, outbound{recipient: recipient, body: body, delay: delay})
	return models.NewID("msg"), nil
}

func (s *fakeSender) SendImmediate(_ context.Context, recipient, body string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, outbound{recipient: recipient, body: body, immediate: true})
	return true
}

func (s *fakeSender) All() []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbound(nil), s.msgs...)
}

func (s *fakeSender) Bodies() []string {
	var out []string
	for _, m := range s.All() {
		out = append(out, m.body)
	}
	return out
}

func (s *fakeSender) Last() string {
	all := s.All()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1].body
}

type fakeResponder struct {
	reply string
	err   error
	calls []string
}

func (r *fakeResponder) Reply(_ context.Context, _, text, knownName string) (string, error) {
	r.calls = append(r.calls, text+"|"+knownName)
	return r.reply, r.err
}

// gatedScheduler holds availability checks until the gate is closed.
type gatedScheduler struct {
	*availability.Engine
	gate chan struct{}
}

func (g gatedScheduler) CheckAvailability(ctx context.Context, day time.Time, d time.Duration) ([]time.Time, error) {
	<-g.gate
	return g.Engine.CheckAvailability(ctx, day, d)
}

type panickingScheduler struct {
	*availability.Engine
}

func (panickingScheduler) Book(context.Context, availability.BookingRequest) (availability.BookingResult, error) {
	panic("calendar exploded")
}

type missingServiceCatalog struct {
	*storage.SQLiteStorage
}

func (missingServiceCatalog) FindServiceByKeyword(context.Context, string) (*models.Service, error) {
	return nil, storage.ErrNotFound
}

type harness struct {
	wf        *Workflow
	store     *storage.SQLiteStorage
	engine    *availability.Engine
	sender    *fakeSender
	responder *fakeResponder
}

func newStoreAndEngine(t *testing.T) (*storage.SQLiteStorage, *availability.Engine) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "salondesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	cfg := availability.DefaultConfig()
	cfg.Location = time.UTC
	engine := availability.NewEngine(cfg, store, nil, zerolog.Nop()).WithClock(func() time.Time { return now })
	return store, engine
}

func testOptions() Options {
	return Options{StrictOrdering: true, SlotsShown: 4, OperatorName: "Márcia"}
}

func newHarness(t *testing.T, wrap func(*availability.Engine) Scheduler) *harness {
	t.Helper()
	store, engine := newStoreAndEngine(t)

	var sched Scheduler = engine
	if wrap != nil {
		sched = wrap(engine)
	}
	h := &harness{store: store, engine: engine, sender: &fakeSender{}, responder: &fakeResponder{reply: "Olá! Como posso ajudar?"}}
	h.wf = New(testOptions(), h.sender, sched, store, h.responder, zerolog.Nop())
	h.wf.now = func() time.Time { return now }
	t.Cleanup(h.wf.Stop)
	return h
}

func (h *harness) send(t *testing.T, text, knownName string) string {
	t.Helper()
	reply, err := h.wf.ProcessMessage(context.Background(), phone, text, knownName)
	require.NoError(t, err)
	return reply
}

func (h *harness) stage(t *testing.T) string {
	t.Helper()
	st, ok := h.wf.BookingStatus(phone)
	require.True(t, ok)
	return st.State
}

func TestBookingRequest_WithServiceStartsAvailabilityCheck(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(e *availability.Engine) Scheduler { return gatedScheduler{Engine: e, gate: gate} })

	reply := h.send(t, "quero marcar uma manicure gel amanhã às 14h", "")
	assert.Empty(t, reply)
	assert.Equal(t, "checking_availability", h.stage(t))

	first := h.sender.All()[0]
	assert.Equal(t, msgAcknowledge, first.body)
	assert.Equal(t, phone, first.recipient)
	assert.Zero(t, first.delay)
	assert.False(t, first.immediate)

	close(gate)
	h.wf.Wait()

	assert.Equal(t, "waiting_time_choice", h.stage(t))
	bodies := h.sender.Bodies()
	require.Len(t, bodies, 3)
	assert.Equal(t, msgChecking, bodies[1])
	assert.Contains(t, bodies[2], "Para Manicure em Gel amanhã (21/10/2026)")
	assert.Contains(t, bodies[2], "• 09:00")
	assert.Contains(t, bodies[2], "• 14:00", "the requested time is offered when free")
	assert.NotContains(t, bodies[2], "• 09:45")
}

func TestFullBooking_AsksForNameThenConfirms(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, "quero marcar uma manicure gel amanhã às 14h", "")
	h.wf.Wait()
	require.Equal(t, "waiting_time_choice", h.stage(t))

	reply := h.send(t, "15:30", "")
	assert.Empty(t, reply)
	assert.Equal(t, "waiting_name", h.stage(t))
	assert.Equal(t, "Perfeito! 15:30 está ótimo. Posso saber o seu nome para confirmar o agendamento?", h.sender.Last())

	h.send(t, "Ana Silva", "")
	h.wf.Wait()

	st, ok := h.wf.BookingStatus(phone)
	require.True(t, ok)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, "Ana Silva", st.ClientName)
	assert.Equal(t, "Manicure em Gel", st.ServiceName)

	confirmation := h.sender.Last()
	assert.Contains(t, confirmation, "Agendamento Confirmado")
	assert.Contains(t, confirmation, "👤 Cliente: Ana Silva")
	assert.Contains(t, confirmation, "📅 Data: 21/10/2026 às 15:30")
	assert.Contains(t, confirmation, "Márcia foi notificada")

	ctx := context.Background()
	day := time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC)
	appts, err := h.store.ListAppointments(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].Start.Equal(time.Date(2026, 10, 21, 15, 30, 0, 0, time.UTC)))
	assert.Equal(t, "svc_manicure_gel", appts[0].ServiceID)

	client, err := h.store.GetClientByPhone(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, "Ana Silva", client.Name)

	// A completed conversation starts over on the next request.
	h.send(t, "quero marcar pedicure", "")
	h.wf.Wait()
	assert.Equal(t, "waiting_time_choice", h.stage(t))
}

func TestKnownName_SkipsNameQuestion(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, "quero marcar manicure básica hoje", "Rita")
	h.wf.Wait()
	require.Equal(t, "waiting_time_choice", h.stage(t))
	assert.Contains(t, h.sender.Last(), "Manicure Básica hoje (20/10/2026)")

	h.send(t, "11h", "")
	h.wf.Wait()
	assert.Equal(t, "completed", h.stage(t))
	assert.Contains(t, h.sender.Last(), "👤 Cliente: Rita")
}

func TestReturningClient_NameFromStore(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.store.GetOrCreateClient(context.Background(), phone, "Joana")
	require.NoError(t, err)

	h.send(t, "quero marcar gel", "")
	h.wf.Wait()
	h.send(t, "10:00", "")
	h.wf.Wait()

	assert.Equal(t, "completed", h.stage(t))
	assert.Contains(t, h.sender.Last(), "👤 Cliente: Joana")
}

func TestBooking_SlotTakenAfterOffer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.send(t, "quero marcar uma manicure gel amanhã", "Ana")
	h.wf.Wait()
	require.Equal(t, "waiting_time_choice", h.stage(t))

	other, err := h.store.GetOrCreateClient(ctx, "351999999999", "Outra")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateAppointment(ctx, &models.Appointment{
		ClientID: other.ID, ServiceID: "svc_manicure_basica", Start: time.Date(2026, 10, 21, 9, 30, 0, 0, time.UTC), DurationMinutes: 45,
	}))

	h.send(t, "09:00", "")
	h.wf.Wait()

	assert.Equal(t, "idle", h.stage(t))
	assert.Equal(t, msgSlotTaken, h.sender.Last())
}

func TestBookingRequest_WithoutServiceShowsMenu(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, "Olá, queria agendar uma consulta para amanhã", "")
	assert.Equal(t, "waiting_service_choice", h.stage(t))
	bodies := h.sender.Bodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, msgAcknowledge, bodies[0])
	assert.Contains(t, bodies[1], "Que serviço te interessa?")
	assert.Contains(t, bodies[1], "💅 Manicure em Gel (€32, 60min)")
	assert.Contains(t, bodies[1], "💅 Unhas de Acrílico - Conjunto Completo (€55, 120min)")

	h.send(t, "pedicure", "")
	h.wf.Wait()
	assert.Equal(t, "waiting_time_choice", h.stage(t))
	assert.Contains(t, h.sender.Last(), "Para Pedicure Básica amanhã (21/10/2026)")
}

func TestBookingRequest_UnknownServiceResets(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.catalog = missingServiceCatalog{SQLiteStorage: h.store}

	h.send(t, "quero marcar acrílico", "")
	assert.Equal(t, "idle", h.stage(t))
	assert.Equal(t, msgBookingFailed, h.sender.Last())
}

func TestTimeChoice_Corrections(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "quero marcar gel amanhã", "Ana")
	h.wf.Wait()
	require.Equal(t, "waiting_time_choice", h.stage(t))

	h.send(t, "25:00", "")
	assert.Equal(t, msgUnknownTime, h.sender.Last())
	assert.Equal(t, "waiting_time_choice", h.stage(t))

	h.send(t, "8h", "")
	assert.Equal(t, "Esse horário não está disponível. Atendemos entre as 09:00 e as 19:00, pode escolher outro?", h.sender.Last())
	assert.Equal(t, "waiting_time_choice", h.stage(t))

	h.send(t, "18:30", "")
	assert.Contains(t, h.sender.Last(), "Atendemos entre")
	assert.Equal(t, "waiting_time_choice", h.stage(t))
}

func TestBookingRequest_WhileBusy(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(e *availability.Engine) Scheduler { return gatedScheduler{Engine: e, gate: gate} })

	h.send(t, "quero marcar gel", "")
	require.Equal(t, "checking_availability", h.stage(t))

	h.send(t, "quero marcar pedicure", "")
	assert.Contains(t, h.sender.Bodies(), msgStillWorking)
	assert.Equal(t, "checking_availability", h.stage(t))

	close(gate)
	h.wf.Wait()
	assert.Equal(t, "waiting_time_choice", h.stage(t))
	assert.Contains(t, h.sender.Last(), "Manicure em Gel")
}

func TestGeneralInquiry(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.send(t, "Qual é o horário?", "Ana")
	assert.Equal(t, "Olá! Como posso ajudar?", reply)
	assert.Equal(t, "idle", h.stage(t))
	assert.Equal(t, []string{"Qual é o horário?|Ana"}, h.responder.calls)
	assert.Empty(t, h.sender.All(), "the immediate reply is left to the caller")

	// Mid-flow questions do not lose the booking.
	h.send(t, "quero marcar gel", "")
	h.wf.Wait()
	reply = h.send(t, "aceitam cartão?", "")
	assert.NotEmpty(t, reply)
	assert.Equal(t, "waiting_time_choice", h.stage(t))

	h.responder.err = errors.New("upstream timeout")
	reply = h.send(t, "olá?", "")
	assert.Equal(t, msgApology, reply)
}

func TestBackgroundStepPanicResetsConversation(t *testing.T) {
	h := newHarness(t, func(e *availability.Engine) Scheduler { return panickingScheduler{Engine: e} })

	h.send(t, "quero marcar gel", "Ana")
	h.wf.Wait()
	h.send(t, "10:00", "")
	h.wf.Wait()

	assert.Equal(t, "idle", h.stage(t))
	assert.Equal(t, msgApology, h.sender.Last())
}

func TestAcknowledgeImmediatelyWithoutStrictOrdering(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.opts.StrictOrdering = false

	h.send(t, "quero marcar", "")
	all := h.sender.All()
	require.Len(t, all, 2)
	assert.True(t, all[0].immediate)
	assert.Equal(t, msgAcknowledge, all[0].body)
	assert.False(t, all[1].immediate)
}

func TestProcessMessage_EmptyRecipient(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.wf.ProcessMessage(context.Background(), "  ", "olá", "")
	assert.ErrorIs(t, err, ErrEmptyRecipient)
}

func TestEvict(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(e *availability.Engine) Scheduler { return gatedScheduler{Engine: e, gate: gate} })

	_, err := h.wf.ProcessMessage(context.Background(), "351900000001", "olá", "")
	require.NoError(t, err)
	_, err = h.wf.ProcessMessage(context.Background(), "351900000002", "quero marcar gel", "")
	require.NoError(t, err)
	require.Equal(t, 2, h.wf.Len())

	assert.Equal(t, 0, h.wf.Evict(time.Hour))

	h.wf.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Equal(t, 1, h.wf.Evict(time.Hour), "conversations mid-step are kept")
	_, ok := h.wf.BookingStatus("351900000001")
	assert.False(t, ok)
	_, ok = h.wf.BookingStatus("351900000002")
	assert.True(t, ok)

	close(gate)
	h.wf.Wait()
}

func TestPickShown(t *testing.T) {
	day := time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC)
	slots := []time.Time{at(day, 9, 0), at(day, 9, 15), at(day, 9, 30), at(day, 9, 45), at(day, 10, 0)}

	assert.Equal(t, slots[:4], pickShown(slots, time.Time{}, 4))
	assert.Equal(t, slots[:4], pickShown(slots, at(day, 9, 30), 4))
	assert.Equal(t, []time.Time{at(day, 9, 0), at(day, 9, 15), at(day, 9, 30), at(day, 14, 0)}, pickShown(slots, at(day, 14, 0), 4))
	assert.Equal(t, []time.Time{at(day, 9, 0), at(day, 12, 0)}, pickShown(slots[:1], at(day, 12, 0), 4))
}
