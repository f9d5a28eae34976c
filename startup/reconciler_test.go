package startup_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/l3lackShark/memoptimizer/database"
	"github.com/l3lackShark/memoptimizer/startup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	overrides map[string]startup.Override
	loadErr   error
	putErr    error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{overrides: map[string]startup.Override{}}
}

func (s *memStore) LoadOverrides(context.Context) (map[string]startup.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]startup.Override, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) PutOverride(_ context.Context, key string, o startup.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.overrides[key] = o
	return nil
}

func (s *memStore) DeleteOverride(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.overrides, key)
	return nil
}

func (s *memStore) get(key string) (startup.Override, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[key]
	return o, ok
}

//fakeSys is a machine with run keys, tasks and a startup folder on disk
type fakeSys struct {
	mu        sync.Mutex
	values    map[startup.Location]map[string]string
	expand    map[startup.Location]map[string]bool
	tasks     map[string]bool
	dir       string
	enumErr   error
	deleteErr error
	taskErr   error

	//gate blocks SetEnabled until closed; entered is signalled on each call
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSys(t *testing.T) *fakeSys {
	return &fakeSys{
		values: map[startup.Location]map[string]string{
			startup.UserRun:    {},
			startup.MachineRun: {},
		},
		expand: map[startup.Location]map[string]bool{
			startup.UserRun:    {},
			startup.MachineRun: {},
		},
		tasks: map[string]bool{},
		dir:   t.TempDir(),
	}
}

func (f *fakeSys) system() startup.System {
	return startup.System{Enumerator: f, RunKeys: f, Tasks: f, Folder: f}
}

func (f *fakeSys) Enumerate(context.Context) ([]startup.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	var out []startup.Entry
	for _, loc := range []startup.Location{startup.UserRun, startup.MachineRun} {
		names := make([]string, 0, len(f.values[loc]))
		for n := range f.values[loc] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			out = append(out, startup.Entry{Name: n, Command: f.values[loc][n], Location: loc, Type: "Registry"})
		}
	}
	folder, err := startup.ListFolder(f.dir)
	if err != nil {
		return nil, err
	}
	out = append(out, folder...)
	for n := range f.tasks {
		out = append(out, startup.Entry{Name: n, Location: startup.ScheduledTask, Type: "Task"})
	}
	return out, nil
}

func (f *fakeSys) Read(_ context.Context, loc startup.Location, name string) (startup.RunValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[loc][name]
	if !ok {
		return startup.RunValue{}, startup.ErrNotFound
	}
	return startup.RunValue{Command: v, Expand: f.expand[loc][name]}, nil
}

func (f *fakeSys) Write(_ context.Context, loc startup.Location, name string, v startup.RunValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[loc][name] = v.Command
	f.expand[loc][name] = v.Expand
	return nil
}

func (f *fakeSys) Delete(_ context.Context, loc startup.Location, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.values[loc][name]; !ok {
		return startup.ErrNotFound
	}
	delete(f.values[loc], name)
	delete(f.expand[loc], name)
	return nil
}

func (f *fakeSys) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskErr != nil {
		return f.taskErr
	}
	f.tasks[name] = enabled
	return nil
}

func (f *fakeSys) Path(context.Context) (string, error) { return f.dir, nil }

func (f *fakeSys) value(loc startup.Location, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[loc][name]
	return v, ok
}

func newReconciler(f *fakeSys, store startup.OverrideStore) *startup.Reconciler {
	return startup.New(f.system(), store, startup.WithClock(func() time.Time { return fixedNow }))
}

func TestParseID(t *testing.T) {
	loc, name, err := startup.ParseID("HKCU::My::App")
	require.NoError(t, err)
	assert.Equal(t, startup.UserRun, loc)
	assert.Equal(t, "My::App", name)

	for _, bad := range []string{"", "HKCU", "::Name", "HKCU::"} {
		_, _, err := startup.ParseID(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "TaskScheduler::Updater", startup.Key(startup.ScheduledTask, "Updater"))
}

func TestListMergesOverrides(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.UserRun]["A"] = `C:\a.exe`
	f.values[startup.UserRun]["B"] = `C:\b.exe`

	store := newMemStore()
	store.overrides["HKCU::B"] = startup.Override{Command: `C:\b.exe`, Name: "B", Location: "HKCU", DisabledAt: fixedNow}
	store.overrides["HKCU::C"] = startup.Override{Command: `C:\c.exe`, Name: "C", Location: "HKCU", DisabledAt: fixedNow}

	got := newReconciler(f, store).List(context.Background())
	at := fixedNow
	want := []startup.MergedEntry{
		{ID: "HKCU::A", Name: "A", Command: `C:\a.exe`, Location: startup.UserRun, Type: "Registry", Enabled: true},
		{ID: "HKCU::B", Name: "B", Command: `C:\b.exe`, Location: startup.UserRun, Type: "Registry", Enabled: false, DisabledAt: &at},
		{ID: "HKCU::C", Name: "C", Command: `C:\c.exe`, Location: startup.UserRun, Type: "Registry", Enabled: false, DisabledAt: &at, Synthetic: true},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestListDeduplicatesLiveEntries(t *testing.T) {
	f := newFakeSys(t)
	f.tasks["Updater"] = true
	sys := f.system()
	sys.Enumerator = enumFunc(func(ctx context.Context) ([]startup.Entry, error) {
		live, err := f.Enumerate(ctx)
		return append(live, live...), err
	})

	got := startup.New(sys, newMemStore()).List(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "TaskScheduler::Updater", got[0].ID)
}

type enumFunc func(ctx context.Context) ([]startup.Entry, error)

func (fn enumFunc) Enumerate(ctx context.Context) ([]startup.Entry, error) { return fn(ctx) }

func TestListEnumerationFailureShowsOverrides(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.UserRun]["A"] = `C:\a.exe`
	f.enumErr = errors.New("access denied")

	store := newMemStore()
	store.overrides["TaskScheduler::Updater"] = startup.Override{Name: "Updater", Location: "TaskScheduler", DisabledAt: fixedNow}

	got := newReconciler(f, store).List(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "TaskScheduler::Updater", got[0].ID)
	assert.Equal(t, "Task", got[0].Type)
	assert.True(t, got[0].Synthetic)
	assert.False(t, got[0].Enabled)
}

func TestListOverrideLoadFailure(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.MachineRun]["A"] = `C:\a.exe`
	store := newMemStore()
	store.loadErr = errors.New("database is locked")

	got := newReconciler(f, store).List(context.Background())
	require.Len(t, got, 1)
	assert.True(t, got[0].Enabled)
}

func TestToggleRejectsBadIDs(t *testing.T) {
	r := newReconciler(newFakeSys(t), newMemStore())
	ctx := context.Background()

	res := r.Toggle(ctx, "no-separator", false)
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid startup entry id.", res.Message)

	res = r.Toggle(ctx, "Services::Spooler", false)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Unsupported")
}

func TestRegistryRoundTrip(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.UserRun]["Discord"] = `"C:\Discord\Update.exe" --processStart Discord.exe`
	store := newMemStore()
	r := newReconciler(f, store)
	ctx := context.Background()

	res := r.Toggle(ctx, "HKCU::Discord", false)
	require.True(t, res.Success, res.Message)
	_, present := f.value(startup.UserRun, "Discord")
	assert.False(t, present)
	ov, ok := store.get("HKCU::Discord")
	require.True(t, ok)
	assert.Equal(t, `"C:\Discord\Update.exe" --processStart Discord.exe`, ov.Command)
	assert.True(t, ov.DisabledAt.Equal(fixedNow))

	list := r.List(ctx)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)
	assert.True(t, list[0].Synthetic)

	res = r.Toggle(ctx, "HKCU::Discord", true)
	require.True(t, res.Success, res.Message)
	v, present := f.value(startup.UserRun, "Discord")
	require.True(t, present)
	assert.Equal(t, `"C:\Discord\Update.exe" --processStart Discord.exe`, v)
	_, ok = store.get("HKCU::Discord")
	assert.False(t, ok)
}

func TestDisableTwiceKeepsCommand(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.MachineRun]["Agent"] = `C:\agent.exe /tray`
	store := newMemStore()
	r := newReconciler(f, store)
	ctx := context.Background()

	require.True(t, r.Toggle(ctx, "HKLM::Agent", false).Success)
	res := r.Toggle(ctx, "HKLM::Agent", false)
	assert.True(t, res.Success)

	ov, ok := store.get("HKLM::Agent")
	require.True(t, ok)
	assert.Equal(t, `C:\agent.exe /tray`, ov.Command)
}

func TestDisableMissingValueThenEnable(t *testing.T) {
	f := newFakeSys(t)
	store := newMemStore()
	r := newReconciler(f, store)
	ctx := context.Background()

	res := r.Toggle(ctx, "HKCU::Gone", false)
	require.True(t, res.Success, res.Message)
	ov, ok := store.get("HKCU::Gone")
	require.True(t, ok)
	assert.Empty(t, ov.Command)

	res = r.Toggle(ctx, "HKCU::Gone", true)
	require.True(t, res.Success, res.Message)
	_, present := f.value(startup.UserRun, "Gone")
	assert.False(t, present, "empty command must not be written back")
	_, ok = store.get("HKCU::Gone")
	assert.False(t, ok)
}

func TestEnableWithoutOverride(t *testing.T) {
	f := newFakeSys(t)
	r := newReconciler(f, newMemStore())
	ctx := context.Background()

	res := r.Toggle(ctx, "HKCU::Unknown", true)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Nothing to restore")

	res = r.Toggle(ctx, "StartupFolder::Unknown", true)
	assert.False(t, res.Success)

	//tasks are enabled in place and need no saved command
	res = r.Toggle(ctx, "TaskScheduler::Updater", true)
	assert.True(t, res.Success, res.Message)
	assert.True(t, f.tasks["Updater"])
}

func TestDisableRollsBackOnBackendFailure(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.UserRun]["App"] = `C:\app.exe`
	f.deleteErr = errors.New("access denied")
	store := newMemStore()

	res := newReconciler(f, store).Toggle(context.Background(), "HKCU::App", false)
	assert.False(t, res.Success)
	_, ok := store.get("HKCU::App")
	assert.False(t, ok, "override must be rolled back")
	_, present := f.value(startup.UserRun, "App")
	assert.True(t, present)
}

func TestDisableFailsWhenOverrideCannotBeSaved(t *testing.T) {
	f := newFakeSys(t)
	f.values[startup.UserRun]["App"] = `C:\app.exe`
	store := newMemStore()
	store.putErr = errors.New("disk full")

	res := newReconciler(f, store).Toggle(context.Background(), "HKCU::App", false)
	assert.False(t, res.Success)
	_, present := f.value(startup.UserRun, "App")
	assert.True(t, present, "backend must not change without a saved override")
}

func TestTaskRoundTrip(t *testing.T) {
	f := newFakeSys(t)
	f.tasks["Updater"] = true
	store := newMemStore()
	r := newReconciler(f, store)
	ctx := context.Background()

	require.True(t, r.Toggle(ctx, "TaskScheduler::Updater", false).Success)
	assert.False(t, f.tasks["Updater"])
	list := r.List(ctx)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)
	assert.False(t, list[0].Synthetic)

	require.True(t, r.Toggle(ctx, "TaskScheduler::Updater", true).Success)
	assert.True(t, f.tasks["Updater"])
	_, ok := store.get("TaskScheduler::Updater")
	assert.False(t, ok)
}

func TestTaskFailure(t *testing.T) {
	f := newFakeSys(t)
	f.taskErr = errors.New("task not found")
	store := newMemStore()

	res := newReconciler(f, store).Toggle(context.Background(), "TaskScheduler::Updater", false)
	assert.False(t, res.Success)
	_, ok := store.get("TaskScheduler::Updater")
	assert.False(t, ok)
}

func TestFolderRoundTrip(t *testing.T) {
	f := newFakeSys(t)
	lnk := filepath.Join(f.dir, "Notes.lnk")
	require.NoError(t, os.WriteFile(lnk, []byte("shortcut"), 0o644))
	store := newMemStore()
	r := newReconciler(f, store)
	ctx := context.Background()

	res := r.Toggle(ctx, "StartupFolder::Notes", false)
	require.True(t, res.Success, res.Message)
	assert.NoFileExists(t, lnk)
	assert.FileExists(t, lnk+".disabled")
	ov, ok := store.get("StartupFolder::Notes")
	require.True(t, ok)
	assert.Equal(t, lnk, ov.Command)

	list := r.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "Shortcut", list[0].Type)
	assert.True(t, list[0].Synthetic)

	res = r.Toggle(ctx, "StartupFolder::Notes", true)
	require.True(t, res.Success, res.Message)
	assert.FileExists(t, lnk)
	assert.NoFileExists(t, lnk+".disabled")
}

func TestToggleRejectsBusyEntry(t *testing.T) {
	f := newFakeSys(t)
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	r := newReconciler(f, newMemStore())
	ctx := context.Background()

	done := make(chan startup.Result)
	go func() { done <- r.Toggle(ctx, "TaskScheduler::Updater", false) }()
	<-f.entered

	assert.True(t, r.Busy("TaskScheduler::Updater"))
	res := r.Toggle(ctx, "TaskScheduler::Updater", true)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already being updated")

	close(f.gate)
	assert.True(t, (<-done).Success)
	assert.False(t, r.Busy("TaskScheduler::Updater"))
}

func TestListFolder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"App.lnk", "desktop.ini", "Old.lnk.disabled", "script.bat"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	got, err := startup.ListFolder(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, e := range got {
		names = append(names, e.Name)
		assert.Equal(t, startup.StartupFolder, e.Location)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"App", "script"}, names)

	_, err = startup.ListFolder(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestWithSQLiteStore(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "memoptimizer.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	f := newFakeSys(t)
	f.values[startup.UserRun]["Tool"] = `C:\tool.exe`
	ctx := context.Background()

	require.True(t, newReconciler(f, db).Toggle(ctx, "HKCU::Tool", false).Success)

	//a fresh reconciler sees the persisted override
	list := newReconciler(f, db).List(ctx)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, `C:\tool.exe`, list[0].Command)

	require.True(t, newReconciler(f, db).Toggle(ctx, "HKCU::Tool", true).Success)
	v, _ := f.value(startup.UserRun, "Tool")
	assert.Equal(t, `C:\tool.exe`, v)
}

func TestExpandValueIsRestoredAsExpand(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "memoptimizer.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	f := newFakeSys(t)
	ctx := context.Background()
	require.NoError(t, f.Write(ctx, startup.UserRun, "Tool", startup.RunValue{Command: `%LOCALAPPDATA%\Tool\tool.exe`, Expand: true}))
	require.NoError(t, f.Write(ctx, startup.UserRun, "Plain", startup.RunValue{Command: `C:\plain.exe`}))

	require.True(t, newReconciler(f, db).Toggle(ctx, "HKCU::Tool", false).Success)
	require.True(t, newReconciler(f, db).Toggle(ctx, "HKCU::Plain", false).Success)
	_, present := f.value(startup.UserRun, "Tool")
	require.False(t, present)

	require.True(t, newReconciler(f, db).Toggle(ctx, "HKCU::Tool", true).Success)
	require.True(t, newReconciler(f, db).Toggle(ctx, "HKCU::Plain", true).Success)

	got, err := f.Read(ctx, startup.UserRun, "Tool")
	require.NoError(t, err)
	if diff := deep.Equal(startup.RunValue{Command: `%LOCALAPPDATA%\Tool\tool.exe`, Expand: true}, got); diff != nil {
		t.Error(diff)
	}
	got, err = f.Read(ctx, startup.UserRun, "Plain")
	require.NoError(t, err)
	assert.False(t, got.Expand)
}
