//go:build !windows

package startup

import (
	"context"
	"log/slog"
)

type unsupported struct{}

// NewSystem returns backends that fail with ErrUnsupported.
func NewSystem(*slog.Logger) System {
	return System{
		Enumerator: unsupported{},
		RunKeys:    unsupported{},
		Tasks:      unsupported{},
		Folder:     unsupported{},
	}
}

func (unsupported) Enumerate(context.Context) ([]Entry, error) { return nil, ErrUnsupported }

func (unsupported) Read(context.Context, Location, string) (RunValue, error) {
	return RunValue{}, ErrUnsupported
}

func (unsupported) Write(context.Context, Location, string, RunValue) error { return ErrUnsupported }

func (unsupported) Delete(context.Context, Location, string) error { return ErrUnsupported }

func (unsupported) SetEnabled(context.Context, string, bool) error { return ErrUnsupported }

func (unsupported) Path(context.Context) (string, error) { return "", ErrUnsupported }
