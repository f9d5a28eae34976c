// Package startup merges the machine's live startup entries with the locally
// persisted set of user-disabled overrides, and drives the enable/disable
// toggle against registry run keys, scheduled tasks and the startup folder.
package startup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds one enumeration or one toggle.
const DefaultTimeout = 15 * time.Second

type Reconciler struct {
	sys     System
	store   OverrideStore
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu   sync.Mutex
	busy map[string]struct{}
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(sys System, store OverrideStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		sys:     sys,
		store:   store,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		timeout: DefaultTimeout,
		busy:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

//handlerFor returns nil for locations with no backend
func (r *Reconciler) handlerFor(loc Location) handler {
	switch loc.Kind() {
	case KindRegistryRunKey:
		if r.sys.RunKeys != nil {
			return registryHandler{loc: loc, keys: r.sys.RunKeys}
		}
	case KindScheduledTask:
		if r.sys.Tasks != nil {
			return taskHandler{tasks: r.sys.Tasks}
		}
	case KindStartupFolder:
		if r.sys.Folder != nil {
			return folderHandler{folder: r.sys.Folder}
		}
	}
	return nil
}

// List returns every live entry annotated with its enabled state, followed by
// the disabled entries whose artifact no longer enumerates.
func (r *Reconciler) List(ctx context.Context) []MergedEntry {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var live []Entry
	if r.sys.Enumerator != nil {
		var err error
		if live, err = r.sys.Enumerator.Enumerate(ctx); err != nil {
			r.logger.Warn("startup enumeration failed, showing overrides only", "error", err)
			live = nil
		}
	}
	overrides := r.loadOverrides(ctx)

	out := make([]MergedEntry, 0, len(live)+len(overrides))
	seen := make(map[string]struct{}, len(live))
	for _, e := range live {
		id := e.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m := MergedEntry{
			ID:          id,
			Name:        e.Name,
			Command:     e.Command,
			Location:    e.Location,
			BackendPath: e.BackendPath,
			Type:        e.Type,
			Enabled:     true,
		}
		if m.Type == "" {
			m.Type = e.Location.EntryType()
		}
		if ov, ok := overrides[id]; ok {
			m.Enabled = false
			at := ov.DisabledAt
			m.DisabledAt = &at
		}
		out = append(out, m)
	}

	keys := make([]string, 0, len(overrides))
	for id := range overrides {
		if _, ok := seen[id]; !ok {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	for _, id := range keys {
		ov := overrides[id]
		loc := Location(ov.Location)
		name := ov.Name
		if l, n, err := ParseID(id); err == nil {
			loc, name = l, n
		}
		at := ov.DisabledAt
		out = append(out, MergedEntry{
			ID:         id,
			Name:       name,
			Command:    ov.Command,
			Location:   loc,
			Type:       loc.EntryType(),
			Enabled:    false,
			DisabledAt: &at,
			Synthetic:  true,
		})
	}
	return out
}

func (r *Reconciler) loadOverrides(ctx context.Context) map[string]Override {
	overrides, err := r.store.LoadOverrides(ctx)
	if err != nil {
		r.logger.Warn("could not load disabled startup entries", "error", err)
		return map[string]Override{}
	}
	return overrides
}

// Toggle enables or disables the entry with the given id. Only one toggle per
// id runs at a time; a concurrent second request is rejected.
func (r *Reconciler) Toggle(ctx context.Context, id string, enable bool) Result {
	loc, name, err := ParseID(id)
	if err != nil {
		return Result{Message: "Invalid startup entry id."}
	}
	h := r.handlerFor(loc)
	if h == nil {
		return Result{Message: fmt.Sprintf("Unsupported startup entry type: %s.", loc)}
	}

	if !r.acquire(id) {
		return Result{Message: fmt.Sprintf("%s is already being updated.", name)}
	}
	defer r.release(id)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	overrides := r.loadOverrides(ctx)
	ov, has := overrides[id]

	logger := r.logger.With("id", id, "enable", enable)
	if enable {
		var current *Override
		if has {
			current = &ov
		}
		return r.enable(ctx, logger, h, id, name, current)
	}
	if has {
		return Result{Success: true, Message: fmt.Sprintf("%s is already disabled.", name)}
	}
	return r.disable(ctx, logger, h, loc, id, name)
}

//disable records the override first; a failed backend action removes it again
func (r *Reconciler) disable(ctx context.Context, logger *slog.Logger, h handler, loc Location, id, name string) Result {
	ov, err := h.capture(ctx, name)
	if err != nil {
		logger.Warn("disable: could not locate entry", "error", err)
		return Result{Message: fmt.Sprintf("Could not locate %s.", name)}
	}
	command := ov.Command
	ov.Name, ov.Location, ov.DisabledAt = name, string(loc), r.now()
	if err := r.store.PutOverride(ctx, id, ov); err != nil {
		logger.Error("disable: could not record override", "error", err)
		return Result{Message: fmt.Sprintf("Could not save the disabled state of %s.", name)}
	}

	if err := h.disable(ctx, name, ov); err != nil {
		logger.Warn("disable: backend action failed", "error", err)
		if derr := r.store.DeleteOverride(context.WithoutCancel(ctx), id); derr != nil {
			logger.Error("disable: rollback of override failed", "error", derr)
		}
		return Result{Message: fmt.Sprintf("Failed to disable %s.", name)}
	}

	logger.Info("startup entry disabled", "command_recorded", command != "")
	if command == "" && loc.Kind() != KindScheduledTask {
		return Result{Success: true, Message: fmt.Sprintf("%s was already removed and is marked as disabled.", name)}
	}
	return Result{Success: true, Message: fmt.Sprintf("%s disabled.", name)}
}

func (r *Reconciler) enable(ctx context.Context, logger *slog.Logger, h handler, id, name string, ov *Override) Result {
	if err := h.enable(ctx, name, ov); err != nil {
		if errors.Is(err, errNothingToRestore) {
			return Result{Message: fmt.Sprintf("Nothing to restore for %s.", name)}
		}
		logger.Warn("enable: backend action failed", "error", err)
		return Result{Message: fmt.Sprintf("Failed to enable %s.", name)}
	}

	if ov != nil {
		if err := r.store.DeleteOverride(ctx, id); err != nil {
			logger.Error("enable: could not remove override", "error", err)
			return Result{Message: fmt.Sprintf("%s was enabled but its disabled record could not be removed.", name)}
		}
	}
	logger.Info("startup entry enabled")
	return Result{Success: true, Message: fmt.Sprintf("%s enabled.", name)}
}

// Busy reports whether a toggle for id is in flight.
func (r *Reconciler) Busy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[id]
	return ok
}

func (r *Reconciler) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[id]; ok {
		return false
	}
	r.busy[id] = struct{}{}
	return true
}

func (r *Reconciler) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, id)
}
