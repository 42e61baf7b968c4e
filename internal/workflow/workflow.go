// Package workflow drives the per-recipient booking conversation. Inbound
// messages are classified, move the conversation through its stages and
// produce outbound messages through the delivery queue. Availability checks
// and appointment creation run as tracked background steps.
package workflow

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/availability"
	"github.com/shohag/salondesk/internal/intent"
	"github.com/shohag/salondesk/internal/models"
	"github.com/shohag/salondesk/internal/storage"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var ErrEmptyRecipient = errors.New("workflow: recipient is required")

// Sender is the outbound side of the conversation.
type Sender interface {
	Enqueue(recipient, body string, delay time.Duration) (string, error)
	SendImmediate(ctx context.Context, recipient, body string) bool
}

// Scheduler answers availability questions and commits bookings.
type Scheduler interface {
	CheckAvailability(ctx context.Context, day time.Time, duration time.Duration) ([]time.Time, error)
	IsSlotFree(ctx context.Context, start time.Time, duration time.Duration) (bool, error)
	Bookable(start time.Time, duration time.Duration) bool
	Hours() (openHour, closeHour int)
	Book(ctx context.Context, req availability.BookingRequest) (availability.BookingResult, error)
	Today() time.Time
	Location() *time.Location
}

type Catalog interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	FindServiceByKeyword(ctx context.Context, keyword string) (*models.Service, error)
	GetClientByPhone(ctx context.Context, phone string) (*models.Client, error)
}

// Responder answers messages that are not part of the booking flow.
type Responder interface {
	Reply(ctx context.Context, recipient, text, knownName string) (string, error)
}

type Options struct {
	// StrictOrdering routes acknowledgments through the queue with no delay
	// instead of sending them immediately.
	StrictOrdering bool
	// MessageDelay paces regular outbound messages; ShortDelay paces the
	// "working on it" notices.
	MessageDelay time.Duration
	ShortDelay   time.Duration
	// SlotsShown caps how many free times are offered at once.
	SlotsShown int
	// OperatorName is mentioned in booking confirmations when set.
	OperatorName string
}

func DefaultOptions() Options {
	return Options{
		StrictOrdering: true,
		MessageDelay:   time.Second,
		ShortDelay:     500 * time.Millisecond,
		SlotsShown:     4,
	}
}

// Conversation is the booking context of one recipient.
type Conversation struct {
	mu sync.Mutex

	recipient   string
	name        string
	state       State
	lastMessage string
	createdAt   time.Time
	updatedAt   time.Time

	nameResolved bool
	evicted      bool
}

// Workflow owns every recipient's conversation.
type Workflow struct {
	sender    Sender
	scheduler Scheduler
	catalog   Catalog
	responder Responder
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	steps  conc.WaitGroup

	mu            sync.Mutex
	conversations map[string]*Conversation
}

func New(opts Options, sender Sender, scheduler Scheduler, catalog Catalog, responder Responder, log zerolog.Logger) *Workflow {
	if opts.SlotsShown <= 0 {
		opts.SlotsShown = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Workflow{
		sender:        sender,
		scheduler:     scheduler,
		catalog:       catalog,
		responder:     responder,
		opts:          opts,
		log:           log.With().Str("component", "workflow").Logger(),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*Conversation),
	}
}

// acquire returns the recipient's conversation, locked, creating it in the
// idle stage on first contact.
func (w *Workflow) acquire(recipient string) *Conversation {
	for {
		w.mu.Lock()
		conv, ok := w.conversations[recipient]
		if !ok {
			now := w.now()
			conv = &Conversation{recipient: recipient, state: Idle{}, createdAt: now, updatedAt: now}
			w.conversations[recipient] = conv
			conversationsGauge.Set(float64(len(w.conversations)))
		}
		w.mu.Unlock()

		conv.mu.Lock()
		if !conv.evicted {
			return conv
		}
		conv.mu.Unlock()
	}
}

// ProcessMessage handles one inbound message. The returned text is a reply to
// deliver right away; it is empty when all output flows through the queue.
func (w *Workflow) ProcessMessage(ctx context.Context, recipient, text, knownName string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", ErrEmptyRecipient
	}

	conv := w.acquire(recipient)
	defer conv.mu.Unlock()

	conv.lastMessage = text
	conv.updatedAt = w.now()
	if knownName = strings.TrimSpace(knownName); knownName != "" && conv.name == "" {
		conv.name = knownName
	}
	w.resolveName(ctx, conv)

	in := intent.Classify(text, expectation(conv.state))
	intentsTotal.WithLabelValues(in.Kind.String()).Inc()
	w.log.Debug().
		Str("recipient", recipient).
		Str("stage", conv.state.Stage().String()).
		Str("intent", in.Kind.String()).
		Msg("inbound message classified")

	switch in.Kind {
	case intent.BookingRequest:
		w.handleBookingRequest(ctx, conv, in)
		return "", nil
	case intent.ServiceChoice:
		if st, ok := conv.state.(AwaitingService); ok {
			w.startAvailability(ctx, conv, in.Service, st.Date, st.Time)
			return "", nil
		}
	case intent.TimeChoice:
		if st, ok := conv.state.(AwaitingTime); ok {
			w.handleTimeChoice(conv, st, in)
			return "", nil
		}
	case intent.NameProvided:
		if st, ok := conv.state.(AwaitingName); ok {
			conv.name = in.Name
			w.startCreation(conv, CreatingAppointment{Service: st.Service, Start: st.Start, Name: in.Name})
			return "", nil
		}
	}
	return w.handleGeneralInquiry(ctx, conv, text), nil
}

// resolveName looks the recipient up once per conversation so returning
// clients are not asked for their name again.
func (w *Workflow) resolveName(ctx context.Context, conv *Conversation) {
	if conv.nameResolved || conv.name != "" {
		return
	}
	conv.nameResolved = true
	client, err := w.catalog.GetClientByPhone(ctx, conv.recipient)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			w.log.Warn().Err(err).Str("recipient", conv.recipient).Msg("client lookup failed")
		}
		return
	}
	conv.name = client.Name
}

func (w *Workflow) handleBookingRequest(ctx context.Context, conv *Conversation, in intent.Intent) {
	if busy(conv.state) {
		w.say(conv.recipient, msgStillWorking, 0)
		return
	}

	w.acknowledge(ctx, conv.recipient, msgAcknowledge)

	if in.Service == "" {
		services, err := w.catalog.ListServices(ctx)
		if err != nil {
			w.log.Error().Err(err).Str("recipient", conv.recipient).Msg("list services failed")
			w.transition(conv, Idle{})
			w.say(conv.recipient, msgApology, 0)
			return
		}
		w.transition(conv, AwaitingService{Date: in.Date, Time: in.Time})
		w.say(conv.recipient, serviceMenu(services), w.opts.MessageDelay)
		return
	}

	w.startAvailability(ctx, conv, in.Service, in.Date, in.Time)
}

func (w *Workflow) startAvailability(ctx context.Context, conv *Conversation, keyword, date, requestedTime string) {
	svc, err := w.catalog.FindServiceByKeyword(ctx, keyword)
	if err != nil {
		msg := msgBookingFailed
		if !errors.Is(err, storage.ErrNotFound) {
			w.log.Error().Err(err).Str("recipient", conv.recipient).Str("service", keyword).Msg("service lookup failed")
			msg = msgApology
		}
		w.transition(conv, Idle{})
		w.say(conv.recipient, msg, 0)
		return
	}

	today := w.scheduler.Today()
	day := today.AddDate(0, 0, 1)
	if date == intent.DateToday {
		day = today
	}

	st := CheckingAvailability{Service: *svc, Day: day, RequestedTime: requestedTime}
	w.transition(conv, st)
	w.spawn("availability", conv, func(ctx context.Context) {
		w.checkAvailability(ctx, conv, st)
	})
}

func (w *Workflow) checkAvailability(ctx context.Context, conv *Conversation, st CheckingAvailability) {
	w.say(conv.recipient, msgChecking, w.opts.ShortDelay)

	slots, err := w.scheduler.CheckAvailability(ctx, st.Day, st.Service.Duration())
	var requested time.Time
	if err == nil {
		requested = w.requestedSlot(ctx, st)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.updatedAt = w.now()

	if err != nil {
		stepsTotal.WithLabelValues("availability", "error").Inc()
		w.log.Error().Err(err).Str("recipient", conv.recipient).Msg("availability check failed")
		w.transition(conv, Idle{})
		w.say(conv.recipient, msgApology, 0)
		return
	}

	today := w.scheduler.Today()
	if len(slots) == 0 {
		stepsTotal.WithLabelValues("availability", "empty").Inc()
		w.transition(conv, Idle{})
		w.say(conv.recipient, noSlotsMessage(st.Service, st.Day, today), w.opts.MessageDelay)
		return
	}

	stepsTotal.WithLabelValues("availability", "success").Inc()
	w.transition(conv, AwaitingTime{Service: st.Service, Day: st.Day, Slots: slots})
	shown := pickShown(slots, requested, w.opts.SlotsShown)
	w.say(conv.recipient, slotsMessage(st.Service, st.Day, today, shown), w.opts.MessageDelay)
}

// requestedSlot turns the time mentioned in the original request into an
// instant on the checked day. It returns the zero time unless that instant is
// bookable and free.
func (w *Workflow) requestedSlot(ctx context.Context, st CheckingAvailability) time.Time {
	if st.RequestedTime == "" {
		return time.Time{}
	}
	h, m, err := intent.ParseClock(st.RequestedTime)
	if err != nil {
		return time.Time{}
	}
	start := at(st.Day, h, m)
	if !w.scheduler.Bookable(start, st.Service.Duration()) {
		return time.Time{}
	}
	free, err := w.scheduler.IsSlotFree(ctx, start, st.Service.Duration())
	if err != nil || !free {
		return time.Time{}
	}
	return start
}

// pickShown selects the first n slots. A free requested time that would not
// otherwise be offered takes the last place.
func pickShown(slots []time.Time, requested time.Time, n int) []time.Time {
	shown := slots
	if len(shown) > n {
		shown = shown[:n]
	}
	shown = append([]time.Time(nil), shown...)
	if requested.IsZero() {
		return shown
	}
	for _, s := range shown {
		if s.Equal(requested) {
			return shown
		}
	}
	if len(shown) < n {
		shown = append(shown, requested)
	} else {
		shown[n-1] = requested
	}
	sort.Slice(shown, func(i, j int) bool { return shown[i].Before(shown[j]) })
	return shown
}

func (w *Workflow) handleTimeChoice(conv *Conversation, st AwaitingTime, in intent.Intent) {
	h, m, err := intent.ParseClock(in.Time)
	if err != nil {
		w.say(conv.recipient, msgUnknownTime, 0)
		return
	}
	start := at(st.Day, h, m)
	if !w.scheduler.Bookable(start, st.Service.Duration()) {
		w.say(conv.recipient, outsideHoursMessage(w.scheduler.Hours()), 0)
		return
	}

	if conv.name == "" {
		w.transition(conv, AwaitingName{Service: st.Service, Start: start})
		w.acknowledge(w.ctx, conv.recipient, askNameMessage(start))
		return
	}
	w.startCreation(conv, CreatingAppointment{Service: st.Service, Start: start, Name: conv.name})
}

func (w *Workflow) startCreation(conv *Conversation, st CreatingAppointment) {
	w.transition(conv, st)
	w.spawn("booking", conv, func(ctx context.Context) {
		w.createAppointment(ctx, conv, st)
	})
}

func (w *Workflow) createAppointment(ctx context.Context, conv *Conversation, st CreatingAppointment) {
	w.say(conv.recipient, msgCreating, w.opts.ShortDelay)

	res, err := w.scheduler.Book(ctx, availability.BookingRequest{
		Recipient:  conv.recipient,
		ClientName: st.Name,
		ServiceID:  st.Service.ID,
		Start:      st.Start,
	})

	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.updatedAt = w.now()

	switch {
	case err != nil:
		stepsTotal.WithLabelValues("booking", "error").Inc()
		w.log.Error().Err(err).Str("recipient", conv.recipient).Msg("booking failed")
		w.transition(conv, Idle{})
		w.say(conv.recipient, msgApology, 0)
	case !res.Success:
		stepsTotal.WithLabelValues("booking", string(res.Reason)).Inc()
		msg := msgBookingFailed
		if res.Reason == availability.ReasonConflict {
			msg = msgSlotTaken
		}
		w.transition(conv, Idle{})
		w.say(conv.recipient, msg, w.opts.MessageDelay)
	default:
		stepsTotal.WithLabelValues("booking", "success").Inc()
		w.transition(conv, Completed{AppointmentID: res.AppointmentID, Service: st.Service, Start: st.Start})
		w.say(conv.recipient, confirmationMessage(st.Name, st.Service, st.Start, w.opts.OperatorName), w.opts.MessageDelay)
	}
}

func (w *Workflow) handleGeneralInquiry(ctx context.Context, conv *Conversation, text string) string {
	if w.responder == nil {
		return ""
	}
	reply, err := w.responder.Reply(ctx, conv.recipient, text, conv.name)
	if err != nil {
		w.log.Error().Err(err).Str("recipient", conv.recipient).Msg("general responder failed")
		return msgApology
	}
	return reply
}

// spawn runs a background step for conv. A panic is recovered, logged and
// turned into an apology, leaving the conversation idle.
func (w *Workflow) spawn(kind string, conv *Conversation, step func(ctx context.Context)) {
	w.steps.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { step(w.ctx) })
		if r := pc.Recovered(); r != nil {
			stepsTotal.WithLabelValues(kind, "panic").Inc()
			w.log.Error().
				Str("recipient", conv.recipient).
				Str("step", kind).
				Interface("panic", r.Value).
				Str("stack", string(r.Stack)).
				Msg("background step panicked")

			conv.mu.Lock()
			w.transition(conv, Idle{})
			w.say(conv.recipient, msgApology, 0)
			conv.mu.Unlock()
		}
	})
}

func (w *Workflow) transition(conv *Conversation, next State) {
	from := conv.state.Stage()
	conv.state = next
	transitionsTotal.WithLabelValues(from.String(), next.Stage().String()).Inc()
}

func (w *Workflow) say(recipient, body string, delay time.Duration) {
	if _, err := w.sender.Enqueue(recipient, body, delay); err != nil {
		w.log.Error().Err(err).Str("recipient", recipient).Msg("failed to enqueue message")
	}
}

func (w *Workflow) acknowledge(ctx context.Context, recipient, body string) {
	if w.opts.StrictOrdering {
		w.say(recipient, body, 0)
		return
	}
	if !w.sender.SendImmediate(ctx, recipient, body) {
		w.log.Warn().Str("recipient", recipient).Msg("immediate acknowledgment not delivered")
	}
}

// Status is a read-only view of a conversation.
type Status struct {
	Phone       string    `json:"phone"`
	ClientName  string    `json:"client_name,omitempty"`
	ServiceName string    `json:"service_name,omitempty"`
	State       string    `json:"state"`
	LastMessage string    `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BookingStatus reports the recipient's conversation, if there is one.
func (w *Workflow) BookingStatus(recipient string) (Status, bool) {
	w.mu.Lock()
	conv, ok := w.conversations[recipient]
	w.mu.Unlock()
	if !ok {
		return Status{}, false
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	st := Status{
		Phone:       conv.recipient,
		ClientName:  conv.name,
		State:       conv.state.Stage().String(),
		LastMessage: conv.lastMessage,
		CreatedAt:   conv.createdAt,
		UpdatedAt:   conv.updatedAt,
	}
	if svc, ok := serviceOf(conv.state); ok {
		st.ServiceName = svc.Name
	}
	return st, true
}

// Evict forgets conversations untouched for longer than idle, skipping any
// that are mid-step or currently being handled. It returns how many were
// removed.
func (w *Workflow) Evict(idle time.Duration) int {
	cutoff := w.now().Add(-idle)

	w.mu.Lock()
	defer w.mu.Unlock()

	evicted := 0
	for recipient, conv := range w.conversations {
		if !conv.mu.TryLock() {
			continue
		}
		if !busy(conv.state) && conv.updatedAt.Before(cutoff) {
			conv.evicted = true
			delete(w.conversations, recipient)
			evicted++
		}
		conv.mu.Unlock()
	}
	conversationsGauge.Set(float64(len(w.conversations)))
	return evicted
}

func (w *Workflow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conversations)
}

// Wait blocks until every background step started so far has finished.
func (w *Workflow) Wait() {
	w.steps.Wait()
}

// Stop cancels running background steps and waits for them.
func (w *Workflow) Stop() {
	w.cancel()
	w.steps.Wait()
}

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}
