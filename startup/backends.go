package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const disabledSuffix = ".disabled"

// handler is one backend variant. capture runs before the override is written
// and fills in what must be remembered to restore the entry (an empty Command
// when the artifact is already gone).
type handler interface {
	capture(ctx context.Context, name string) (Override, error)
	disable(ctx context.Context, name string, ov Override) error
	enable(ctx context.Context, name string, ov *Override) error
}

type registryHandler struct {
	loc  Location
	keys RunKeys
}

//capture never fails, an unreadable value is treated as already removed
func (h registryHandler) capture(ctx context.Context, name string) (Override, error) {
	v, err := h.keys.Read(ctx, h.loc, name)
	if err != nil {
		return Override{}, nil
	}
	return Override{Command: strings.TrimSpace(v.Command), Expand: v.Expand}, nil
}

func (h registryHandler) disable(ctx context.Context, name string, ov Override) error {
	if ov.Command == "" {
		return nil
	}
	if err := h.keys.Delete(ctx, h.loc, name); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete run value: %w", err)
	}
	return nil
}

func (h registryHandler) enable(ctx context.Context, name string, ov *Override) error {
	if ov == nil {
		return errNothingToRestore
	}
	//disabled while already gone: there is no command to put back
	if ov.Command == "" {
		return nil
	}
	if err := h.keys.Write(ctx, h.loc, name, RunValue{Command: ov.Command, Expand: ov.Expand}); err != nil {
		return fmt.Errorf("write run value: %w", err)
	}
	return nil
}

type taskHandler struct {
	tasks TaskScheduler
}

func (h taskHandler) capture(context.Context, string) (Override, error) { return Override{}, nil }

func (h taskHandler) disable(ctx context.Context, name string, _ Override) error {
	return h.tasks.SetEnabled(ctx, name, false)
}

func (h taskHandler) enable(ctx context.Context, name string, _ *Override) error {
	return h.tasks.SetEnabled(ctx, name, true)
}

type folderHandler struct {
	folder Folder
}

//capture resolves the shortcut file by base name; the full path becomes the recorded command
func (h folderHandler) capture(ctx context.Context, name string) (Override, error) {
	dir, err := h.folder.Path(ctx)
	if err != nil {
		return Override{}, fmt.Errorf("startup folder: %w", err)
	}
	entries, err := ListFolder(dir)
	if err != nil {
		return Override{}, nil
	}
	for _, e := range entries {
		if e.Name == name {
			return Override{Command: e.BackendPath}, nil
		}
	}
	return Override{}, nil
}

func (h folderHandler) disable(_ context.Context, _ string, ov Override) error {
	if ov.Command == "" {
		return nil
	}
	if err := os.Rename(ov.Command, ov.Command+disabledSuffix); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("os.Rename(): %w", err)
	}
	return nil
}

func (h folderHandler) enable(_ context.Context, _ string, ov *Override) error {
	if ov == nil || ov.Command == "" {
		return errNothingToRestore
	}
	disabled := ov.Command + disabledSuffix
	if _, err := os.Stat(disabled); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("os.Stat(): %w", err)
	}
	if err := os.Rename(disabled, ov.Command); err != nil {
		return fmt.Errorf("os.Rename(): %w", err)
	}
	return nil
}

// ListFolder returns the startup entries in a startup folder. Disabled files
// and desktop.ini are skipped; an entry's name is the file name without its
// extension.
func ListFolder(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("os.ReadDir(): %w", err)
	}
	var out []Entry
	for _, f := range files {
		base := f.Name()
		if f.IsDir() || strings.EqualFold(base, "desktop.ini") || strings.HasSuffix(strings.ToLower(base), disabledSuffix) {
			continue
		}
		full := filepath.Join(dir, base)
		out = append(out, Entry{
			Name:        strings.TrimSuffix(base, filepath.Ext(base)),
			Command:     full,
			Location:    StartupFolder,
			BackendPath: full,
			Type:        StartupFolder.EntryType(),
		})
	}
	return out, nil
}
