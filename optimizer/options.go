package optimizer

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithJournal records every completed run durably.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithTimeouts bounds telemetry fetches and individual trims.
// Zero values keep the defaults.
func WithTimeouts(telemetry, trim time.Duration) Option {
	return func(e *Engine) {
		if telemetry > 0 {
			e.telemetryTimeout = telemetry
		}
		if trim > 0 {
			e.trimTimeout = trim
		}
	}
}
