//go:build windows

package startup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const (
	runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

	taskNameEnv = "MEMOPT_TASK_NAME"

	//tasks with a logon or boot trigger, outside the Microsoft tree
	listTasksScript = `Get-ScheduledTask | Where-Object { $_.TaskPath -notlike '\Microsoft\*' -and ($_.Triggers | Where-Object { $_.CimClass.CimClassName -in 'MSFT_TaskLogonTrigger','MSFT_TaskBootTrigger' }) } | ForEach-Object { [pscustomobject]@{ name = $_.TaskName; path = $_.TaskPath; command = (($_.Actions | ForEach-Object { ($_.Execute + ' ' + $_.Arguments).Trim() }) -join '; '); state = [string]$_.State } } | ConvertTo-Json -Compress`
)

type (
	runKeys struct{}

	taskScheduler struct{}

	startupFolder struct{}

	enumerator struct {
		keys   runKeys
		tasks  taskScheduler
		folder startupFolder
		logger *slog.Logger
	}

	scheduledTask struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Command string `json:"command"`
		State   string `json:"state"`
	}
)

// NewSystem returns the Windows startup backends.
func NewSystem(logger *slog.Logger) System {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return System{
		Enumerator: enumerator{logger: logger},
		RunKeys:    runKeys{},
		Tasks:      taskScheduler{},
		Folder:     startupFolder{},
	}
}

func hive(loc Location) (registry.Key, error) {
	switch loc {
	case UserRun:
		return registry.CURRENT_USER, nil
	case MachineRun:
		return registry.LOCAL_MACHINE, nil
	default:
		return 0, fmt.Errorf("startup: %q is not a registry location", loc)
	}
}

func (runKeys) Read(_ context.Context, loc Location, name string) (RunValue, error) {
	root, err := hive(loc)
	if err != nil {
		return RunValue{}, err
	}
	k, err := registry.OpenKey(root, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return RunValue{}, mapRegistryErr(err)
	}
	defer k.Close()

	//GetStringValue leaves %VAR% references unexpanded, which is what gets written back
	v, valtype, err := k.GetStringValue(name)
	if err != nil {
		return RunValue{}, mapRegistryErr(err)
	}
	return RunValue{Command: v, Expand: valtype == registry.EXPAND_SZ}, nil
}

func (runKeys) Write(_ context.Context, loc Location, name string, v RunValue) error {
	root, err := hive(loc)
	if err != nil {
		return err
	}
	k, _, err := registry.CreateKey(root, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("registry.CreateKey(): %w", err)
	}
	defer k.Close()

	if v.Expand {
		if err := k.SetExpandStringValue(name, v.Command); err != nil {
			return fmt.Errorf("SetExpandStringValue(): %w", err)
		}
		return nil
	}
	if err := k.SetStringValue(name, v.Command); err != nil {
		return fmt.Errorf("SetStringValue(): %w", err)
	}
	return nil
}

func (runKeys) Delete(_ context.Context, loc Location, name string) error {
	root, err := hive(loc)
	if err != nil {
		return err
	}
	k, err := registry.OpenKey(root, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return mapRegistryErr(err)
	}
	defer k.Close()

	if err := k.DeleteValue(name); err != nil {
		return mapRegistryErr(err)
	}
	return nil
}

func (runKeys) list(loc Location) ([]Entry, error) {
	root, err := hive(loc)
	if err != nil {
		return nil, err
	}
	k, err := registry.OpenKey(root, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry.OpenKey(): %w", err)
	}
	defer k.Close()

	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil, fmt.Errorf("ReadValueNames(): %w", err)
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		cmd, _, err := k.GetStringValue(name)
		if err != nil {
			//non-string values are not launch commands
			continue
		}
		out = append(out, Entry{
			Name:        name,
			Command:     cmd,
			Location:    loc,
			BackendPath: string(loc) + `\` + runKeyPath,
			Type:        loc.EntryType(),
		})
	}
	return out, nil
}

func mapRegistryErr(err error) error {
	if errors.Is(err, registry.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (startupFolder) Path(context.Context) (string, error) {
	dir, err := windows.KnownFolderPath(windows.FOLDERID_Startup, 0)
	if err != nil {
		return "", fmt.Errorf("KnownFolderPath(): %w", err)
	}
	return dir, nil
}

func powershell(ctx context.Context, script string, env ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("powershell: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("powershell: %w", err)
	}
	return out, nil
}

//SetEnabled passes the task name through the environment so it is never parsed as script
func (taskScheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	verb := "Disable"
	if enabled {
		verb = "Enable"
	}
	script := verb + "-ScheduledTask -TaskName $env:" + taskNameEnv + " -ErrorAction Stop | Out-Null"
	if _, err := powershell(ctx, script, taskNameEnv+"="+name); err != nil {
		return fmt.Errorf("%s-ScheduledTask: %w", verb, err)
	}
	return nil
}

func (taskScheduler) list(ctx context.Context) ([]Entry, error) {
	out, err := powershell(ctx, listTasksScript)
	if err != nil {
		return nil, err
	}
	tasks, err := decodeTasks(out)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:        t.Name,
			Command:     t.Command,
			Location:    ScheduledTask,
			BackendPath: t.Path + t.Name,
			Type:        ScheduledTask.EntryType(),
		})
	}
	return entries, nil
}

// decodeTasks accepts ConvertTo-Json output, which is a bare object for a
// single task and an array otherwise.
func decodeTasks(out []byte) ([]scheduledTask, error) {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var t scheduledTask
		if err := sonic.ConfigStd.UnmarshalFromString(trimmed, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		return []scheduledTask{t}, nil
	}
	var tasks []scheduledTask
	if err := sonic.ConfigStd.UnmarshalFromString(trimmed, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

// Enumerate collects entries from every source. A failing source is logged
// and skipped; only when every source fails is an error returned.
func (e enumerator) Enumerate(ctx context.Context) ([]Entry, error) {
	var (
		all    []Entry
		errs   []error
		failed int
	)
	sources := []struct {
		name string
		list func() ([]Entry, error)
	}{
		{string(UserRun), func() ([]Entry, error) { return e.keys.list(UserRun) }},
		{string(MachineRun), func() ([]Entry, error) { return e.keys.list(MachineRun) }},
		{string(StartupFolder), func() ([]Entry, error) {
			dir, err := e.folder.Path(ctx)
			if err != nil {
				return nil, err
			}
			entries, err := ListFolder(dir)
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return entries, err
		}},
		{string(ScheduledTask), func() ([]Entry, error) { return e.tasks.list(ctx) }},
	}
	for _, src := range sources {
		entries, err := src.list()
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("%s: %w", src.name, err))
			e.logger.Warn("startup source unavailable", "source", src.name, "error", err)
			continue
		}
		all = append(all, entries...)
	}
	if failed == len(sources) {
		return nil, errors.Join(errs...)
	}
	return all, nil
}
