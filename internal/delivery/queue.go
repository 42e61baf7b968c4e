// Package delivery pushes outbound chat messages to recipients. Each recipient
// has an ordered queue drained by at most one goroutine at a time; failed
// sends are retried with a fixed backoff and dropped once retries run out.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/salondesk/internal/models"
	"github.com/sourcegraph/conc"
)

var (
	ErrEmptyRecipient = errors.New("delivery: recipient is required")
	ErrEmptyMessage   = errors.New("delivery: message body is required")
	ErrQueueClosed    = errors.New("delivery: queue is stopped")
)

const statusBodyLimit = 50

// Recorder is told about every message the transport accepted.
type Recorder interface {
	RecordSent(ctx context.Context, msg models.QueuedMessage) error
}

type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	DefaultDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		DefaultDelay: DefaultMessageDelay,
	}
}

type recipientQueue struct {
	mu         sync.Mutex
	messages   []*models.QueuedMessage
	draining   bool
	lastActive time.Time
}

// remove drops msg from the queue if it is still there. Clear may already
// have taken it.
func (rq *recipientQueue) remove(msg *models.QueuedMessage) {
	for i, m := range rq.messages {
		if m == msg {
			rq.messages = append(rq.messages[:i], rq.messages[i+1:]...)
			return
		}
	}
}

func (rq *recipientQueue) isHead(msg *models.QueuedMessage) bool {
	return len(rq.messages) > 0 && rq.messages[0] == msg
}

// Queue owns every recipient's pending messages and their drain loops.
type Queue struct {
	transport Transport
	recorder  Recorder
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu         sync.Mutex
	closed     bool
	recipients map[string]*recipientQueue
}

func NewQueue(opts Options, transport Transport, log zerolog.Logger) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.DefaultDelay < 0 {
		opts.DefaultDelay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		transport:  transport,
		opts:       opts,
		log:        log.With().Str("component", "delivery").Logger(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		recipients: make(map[string]*recipientQueue),
	}
}

// WithRecorder attaches a receipt recorder. It must be called before the
// queue is used.
func (q *Queue) WithRecorder(r Recorder) *Queue {
	q.recorder = r
	return q
}

func (q *Queue) DefaultDelay() time.Duration {
	return q.opts.DefaultDelay
}

// Enqueue appends a message to the recipient's queue and makes sure a drain
// loop is running for it. It never waits for delivery. The returned id
// identifies the queued message.
func (q *Queue) Enqueue(recipient, body string, delay time.Duration) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", ErrEmptyRecipient
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyMessage
	}
	if delay < 0 {
		delay = 0
	}

	now := q.now()
	msg := &models.QueuedMessage{
		ID:         models.NewID("msg"),
		Recipient:  recipient,
		Body:       body,
		Delay:      delay,
		Status:     models.MessagePending,
		CreatedAt:  now,
		MaxRetries: q.opts.MaxRetries,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	rq, ok := q.recipients[recipient]
	if !ok {
		rq = &recipientQueue{}
		q.recipients[recipient] = rq
		queueRecipients.Set(float64(len(q.recipients)))
	}

	rq.mu.Lock()
	rq.messages = append(rq.messages, msg)
	rq.lastActive = now
	start := !rq.draining
	rq.draining = true
	rq.mu.Unlock()

	if start {
		q.wg.Go(func() { q.drain(recipient, rq) })
	}

	messagesEnqueued.Inc()
	q.log.Debug().
		Str("recipient", recipient).
		Str("message_id", msg.ID).
		Dur("delay", delay).
		Msg("message enqueued")
	return msg.ID, nil
}

// SendImmediate makes a single synchronous delivery attempt outside the
// recipient's queue. It may overtake messages already queued for the same
// recipient.
func (q *Queue) SendImmediate(ctx context.Context, recipient, body string) bool {
	if strings.TrimSpace(recipient) == "" || strings.TrimSpace(body) == "" {
		immediateSends.WithLabelValues("invalid").Inc()
		return false
	}

	remoteID, err := q.transport.Send(ctx, recipient, body)
	if err != nil {
		immediateSends.WithLabelValues(errorKind(err)).Inc()
		q.log.Warn().Err(err).Str("recipient", recipient).Msg("immediate send failed")
		return false
	}

	immediateSends.WithLabelValues("success").Inc()
	sentAt := q.now()
	q.record(models.QueuedMessage{
		ID:        models.NewID("msg"),
		Recipient: recipient,
		Body:      body,
		Status:    models.MessageSent,
		CreatedAt: sentAt,
		SentAt:    &sentAt,
		RemoteID:  remoteID,
	})
	return true
}

func (q *Queue) drain(recipient string, rq *recipientQueue) {
	log := q.log.With().Str("recipient", recipient).Logger()

	for {
		rq.mu.Lock()
		if len(rq.messages) == 0 || q.ctx.Err() != nil {
			rq.draining = false
			rq.lastActive = q.now()
			rq.mu.Unlock()
			return
		}
		msg := rq.messages[0]
		// A retry waits the backoff and then the message's own delay again.
		wait := msg.Delay
		if msg.RetryCount > 0 {
			wait += q.opts.RetryBackoff
		}
		rq.mu.Unlock()

		if !sleep(q.ctx, wait) {
			continue
		}

		rq.mu.Lock()
		stillHead := rq.isHead(msg)
		rq.mu.Unlock()
		if !stillHead {
			continue
		}

		remoteID, err := q.transport.Send(q.ctx, recipient, msg.Body)

		rq.mu.Lock()
		if err == nil {
			sentAt := q.now()
			msg.Status = models.MessageSent
			msg.SentAt = &sentAt
			msg.RemoteID = remoteID
			rq.remove(msg)
			sent := *msg
			rq.mu.Unlock()

			deliveryAttempts.WithLabelValues("success").Inc()
			log.Debug().Str("message_id", msg.ID).Str("remote_id", remoteID).Msg("message delivered")
			q.record(sent)
			continue
		}

		deliveryAttempts.WithLabelValues(errorKind(err)).Inc()
		msg.RetryCount++
		retries := msg.RetryCount
		if retries >= msg.MaxRetries {
			msg.Status = models.MessageFailed
			rq.remove(msg)
			rq.mu.Unlock()

			messagesDropped.Inc()
			log.Warn().
				Err(err).
				Str("message_id", msg.ID).
				Int("retry_count", retries).
				Msg("message dropped after exhausting retries")
			continue
		}
		msg.Status = models.MessageFailed
		rq.mu.Unlock()

		log.Info().
			Err(err).
			Str("message_id", msg.ID).
			Int("retry_count", retries).
			Dur("backoff", q.opts.RetryBackoff).
			Msg("delivery failed, will retry")
	}
}

func (q *Queue) record(msg models.QueuedMessage) {
	if q.recorder == nil {
		return
	}
	if err := q.recorder.RecordSent(q.ctx, msg); err != nil {
		q.log.Warn().Err(err).Str("remote_id", msg.RemoteID).Msg("failed to record delivery receipt")
	}
}

// Clear discards the recipient's pending messages and returns how many were
// removed. An attempt already in flight is not interrupted.
func (q *Queue) Clear(recipient string) int {
	rq := q.lookup(recipient)
	if rq == nil {
		return 0
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()
	n := len(rq.messages)
	rq.messages = nil
	rq.lastActive = q.now()
	return n
}

type MessageView struct {
	ID           string               `json:"id"`
	Body         string               `json:"body"`
	Status       models.MessageStatus `json:"status"`
	DelaySeconds float64              `json:"delay_seconds"`
	RetryCount   int                  `json:"retry_count"`
	CreatedAt    time.Time            `json:"created_at"`
}

type RecipientStatus struct {
	Recipient   string        `json:"recipient"`
	QueueLength int           `json:"queue_length"`
	Draining    bool          `json:"draining"`
	Messages    []MessageView `json:"messages"`
}

// Status reports the recipient's pending messages without changing them.
func (q *Queue) Status(recipient string) RecipientStatus {
	st := RecipientStatus{Recipient: recipient, Messages: []MessageView{}}
	rq := q.lookup(recipient)
	if rq == nil {
		return st
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()
	st.QueueLength = len(rq.messages)
	st.Draining = rq.draining
	for _, m := range rq.messages {
		st.Messages = append(st.Messages, MessageView{
			ID:           m.ID,
			Body:         truncate(m.Body, statusBodyLimit),
			Status:       m.Status,
			DelaySeconds: m.Delay.Seconds(),
			RetryCount:   m.RetryCount,
			CreatedAt:    m.CreatedAt,
		})
	}
	return st
}

// Evict forgets recipients whose queue is empty, idle and has been so for
// longer than idle. It returns the number of recipients removed.
func (q *Queue) Evict(idle time.Duration) int {
	cutoff := q.now().Add(-idle)

	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for recipient, rq := range q.recipients {
		rq.mu.Lock()
		stale := !rq.draining && len(rq.messages) == 0 && rq.lastActive.Before(cutoff)
		rq.mu.Unlock()
		if stale {
			delete(q.recipients, recipient)
			evicted++
		}
	}
	queueRecipients.Set(float64(len(q.recipients)))
	return evicted
}

// Len returns the number of recipients the queue currently tracks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.recipients)
}

// Stop rejects new messages, interrupts drain loops at their next wait and
// waits for them to exit. Messages still pending are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.log.Info().Msg("stopping delivery queue")
	q.cancel()
	q.wg.Wait()

	pending := 0
	q.mu.Lock()
	for _, rq := range q.recipients {
		rq.mu.Lock()
		pending += len(rq.messages)
		rq.mu.Unlock()
	}
	q.mu.Unlock()
	q.log.Info().Int("discarded", pending).Msg("delivery queue stopped")
}

func (q *Queue) lookup(recipient string) *recipientQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recipients[recipient]
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
