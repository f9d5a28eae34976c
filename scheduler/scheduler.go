// Package scheduler owns the daemon's poll loop and is the one surface the
// presentation layer talks to.
package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/l3lackShark/memoptimizer/database"
	"github.com/l3lackShark/memoptimizer/history"
	"github.com/l3lackShark/memoptimizer/memory"
	"github.com/l3lackShark/memoptimizer/optimizer"
	"github.com/l3lackShark/memoptimizer/settings"
	"github.com/l3lackShark/memoptimizer/startup"
)

const (
	DefaultInterval         = 3 * time.Second
	DefaultTelemetryTimeout = 15 * time.Second

	// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size.
	DefaultSubscriberBuffer = 8
)

type (
	RunLog interface {
		RecentRuns(ctx context.Context, limit int) ([]database.Run, error)
	}

	// Deps are the components the service drives. Startup and Runs may be nil,
	// in which case their operations return empty results.
	Deps struct {
		Probe    memory.Probe
		Engine   *optimizer.Engine
		Settings *settings.Store
		History  *history.Buffer
		Startup  *startup.Reconciler
		Runs     RunLog
	}

	// TickEvent is published after every poll.
	TickEvent struct {
		optimizer.Tick
		HistoryLen int `json:"historyLen"`
	}

	Option func(*Service)
)

type Service struct {
	deps             Deps
	interval         time.Duration
	telemetryTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu     sync.Mutex
	subs   map[int]chan TickEvent
	nextID int
}

func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithTelemetryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.telemetryTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		deps:             deps,
		interval:         DefaultInterval,
		telemetryTimeout: DefaultTelemetryTimeout,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:              time.Now,
		subs:             make(map[int]chan TickEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled. The first poll happens immediately. A
// poll that outlasts the interval delays the next one; polls never overlap.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		ev := s.tick(ctx)
		s.logger.Debug("poll complete",
			"took", time.Since(start).String(),
			"available", ev.Available,
			"usage", ev.Memory.UsagePercent,
			"processes", len(ev.Processes),
			"history", ev.HistoryLen,
		)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			s.closeSubscribers()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context) TickEvent {
	ev := TickEvent{Tick: s.deps.Engine.SampleAndAlert(ctx)}
	ev.HistoryLen = s.deps.History.Len()
	s.publish(ev)
	return ev
}

// Subscribe returns a channel receiving every TickEvent. A subscriber that
// falls behind by more than buffer events misses the overflow. cancel is
// idempotent and closes the channel.
func (s *Service) Subscribe(buffer int) (<-chan TickEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan TickEvent, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Service) publish(ev TickEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("subscriber lagging, event dropped", "subscriber", id)
		}
	}
}

func (s *Service) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
