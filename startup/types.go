package startup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l3lackShark/memoptimizer/database"
)

// Separator joins a location and a name into an entry id. Names may contain
// it; only the first occurrence splits.
const Separator = "::"

var (
	// ErrNotFound reports a registry value or file that no longer exists.
	ErrNotFound = errors.New("startup: artifact not found")
	// ErrUnsupported is returned by the backends on platforms without them.
	ErrUnsupported = errors.New("startup: unsupported platform")

	errNothingToRestore = errors.New("startup: nothing to restore")
)

// Location is where a startup entry lives.
type Location string

const (
	UserRun       Location = "HKCU"
	MachineRun    Location = "HKLM"
	StartupFolder Location = "StartupFolder"
	ScheduledTask Location = "TaskScheduler"
)

// Kind is the backend variant a Location dispatches to.
type Kind int

const (
	KindUnknown Kind = iota
	KindRegistryRunKey
	KindScheduledTask
	KindStartupFolder
)

func (l Location) Kind() Kind {
	switch l {
	case UserRun, MachineRun:
		return KindRegistryRunKey
	case ScheduledTask:
		return KindScheduledTask
	case StartupFolder:
		return KindStartupFolder
	default:
		return KindUnknown
	}
}

// EntryType is the display type of entries at l.
func (l Location) EntryType() string {
	switch l.Kind() {
	case KindScheduledTask:
		return "Task"
	case KindStartupFolder:
		return "Shortcut"
	default:
		return "Registry"
	}
}

// Key builds the entry id for a location and name.
func Key(loc Location, name string) string {
	return string(loc) + Separator + name
}

// ParseID splits an id on the first separator.
func ParseID(id string) (Location, string, error) {
	loc, name, ok := strings.Cut(id, Separator)
	if !ok || loc == "" || name == "" {
		return "", "", fmt.Errorf("startup: malformed id %q", id)
	}
	return Location(loc), name, nil
}

type (
	// Entry is a live startup entry as enumerated from the system.
	Entry struct {
		Name        string   `json:"name"`
		Command     string   `json:"command"`
		Location    Location `json:"location"`
		BackendPath string   `json:"registryPath"`
		Type        string   `json:"type"`
	}

	// Override is the durable record that an entry was disabled by the user.
	Override = database.Override

	// MergedEntry is what callers see: live entries and the disabled ones whose
	// artifact is gone.
	MergedEntry struct {
		ID          string     `json:"id"`
		Name        string     `json:"name"`
		Command     string     `json:"command"`
		Location    Location   `json:"location"`
		BackendPath string     `json:"registryPath"`
		Type        string     `json:"type"`
		Enabled     bool       `json:"enabled"`
		DisabledAt  *time.Time `json:"disabledAt,omitempty"`
		Synthetic   bool       `json:"synthetic"`
	}

	Result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}

	//RunValue is a Run key value; Expand is set for REG_EXPAND_SZ
	RunValue struct {
		Command string
		Expand  bool
	}
)

func (e Entry) ID() string { return Key(e.Location, e.Name) }

type (
	Enumerator interface {
		Enumerate(ctx context.Context) ([]Entry, error)
	}

	// RunKeys reads and writes values under a hive's Run key.
	RunKeys interface {
		Read(ctx context.Context, loc Location, name string) (RunValue, error)
		Write(ctx context.Context, loc Location, name string, v RunValue) error
		Delete(ctx context.Context, loc Location, name string) error
	}

	TaskScheduler interface {
		SetEnabled(ctx context.Context, name string, enabled bool) error
	}

	// Folder resolves the user's startup folder.
	Folder interface {
		Path(ctx context.Context) (string, error)
	}

	OverrideStore interface {
		LoadOverrides(ctx context.Context) (map[string]Override, error)
		PutOverride(ctx context.Context, key string, o Override) error
		DeleteOverride(ctx context.Context, key string) error
	}

	// System bundles the platform capabilities the reconciler drives.
	System struct {
		Enumerator Enumerator
		RunKeys    RunKeys
		Tasks      TaskScheduler
		Folder     Folder
	}
)
