// Package notify delivers memory alerts. Suppression is the caller's job;
// an Alerter only decides how an alert is presented.
package notify

import (
	"io"
	"log/slog"
)

// Options carries the presentation flags from the user's settings.
type Options struct {
	Tray  bool
	Sound bool
}

type Alerter interface {
	Raise(message string, opts Options)
}

// LogAlerter writes alerts to the log and, when asked, plays the system
// warning sound.
type LogAlerter struct {
	logger *slog.Logger
	beep   func() error
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogAlerter{logger: logger, beep: beep}
}

func (a *LogAlerter) Raise(message string, opts Options) {
	a.logger.Warn("memory alert", "message", message, "tray", opts.Tray, "sound", opts.Sound)
	if !opts.Sound {
		return
	}
	if err := a.beep(); err != nil {
		a.logger.Debug("alert sound failed", "error", err)
	}
}

// Func adapts a plain function to Alerter.
type Func func(message string, opts Options)

func (f Func) Raise(message string, opts Options) { f(message, opts) }
