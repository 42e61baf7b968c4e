// Package janitor periodically drops idle per-recipient state so long-running
// processes do not accumulate one entry per phone number ever seen.
package janitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSchedule = "@every 5m"
	DefaultIdleTTL  = 24 * time.Hour
)

// Evictor forgets entries idle for longer than the given duration.
type Evictor interface {
	Evict(idle time.Duration) int
}

// Pruner drops expired entries.
type Pruner interface {
	Prune() int
}

type Config struct {
	Schedule string
	IdleTTL  time.Duration
}

type Janitor struct {
	cron          *cron.Cron
	idle          time.Duration
	conversations Evictor
	queues        Evictor
	pruners       []Pruner
	log           zerolog.Logger
}

type Result struct {
	Conversations int
	Queues        int
	Pruned        int
}

func New(cfg Config, conversations, queues Evictor, log zerolog.Logger, pruners ...Pruner) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}

	log = log.With().Str("component", "janitor").Logger()
	cl := cronLogger{log: log}
	j := &Janitor{
		cron:          cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		idle:          cfg.IdleTTL,
		conversations: conversations,
		queues:        queues,
		pruners:       pruners,
		log:           log,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Sweep runs one eviction pass immediately.
func (j *Janitor) Sweep() Result {
	var r Result
	if j.conversations != nil {
		r.Conversations = j.conversations.Evict(j.idle)
	}
	if j.queues != nil {
		r.Queues = j.queues.Evict(j.idle)
	}
	for _, p := range j.pruners {
		r.Pruned += p.Prune()
	}

	if r != (Result{}) {
		j.log.Info().
			Int("conversations", r.Conversations).
			Int("queues", r.Queues).
			Int("receipts", r.Pruned).
			Msg("evicted idle state")
	}
	return r
}

func (j *Janitor) Start() {
	j.log.Info().Dur("idle_ttl", j.idle).Msg("starting janitor")
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info().Msg("janitor stopped")
}

// cronLogger adapts zerolog to cron's logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
