//go:build windows

package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"syscall"
	"time"
	"unsafe"

	"github.com/elastic/go-windows"
	"github.com/winlabs/gowin32"
	xsyscall "golang.org/x/sys/windows"
)

const (
	localSystemSessionID uint32 = 0

	//EmptyWorkingSet returns before the memory manager has settled, give it a moment before re-reading
	trimSettleDelay = 100 * time.Millisecond

	cpuSampleWindow = 500 * time.Millisecond

	queryAccess = xsyscall.PROCESS_QUERY_LIMITED_INFORMATION | xsyscall.PROCESS_VM_READ
	trimAccess  = syscall.PROCESS_QUERY_INFORMATION | xsyscall.PROCESS_SET_QUOTA | xsyscall.PROCESS_VM_READ
)

var (
	modkernel32              = xsyscall.NewLazySystemDLL("kernel32.dll")
	modpsapi                 = xsyscall.NewLazySystemDLL("psapi.dll")
	procGlobalMemoryStatusEx = modkernel32.NewProc("GlobalMemoryStatusEx") //https://docs.microsoft.com/en-us/windows/win32/api/sysinfoapi/nf-sysinfoapi-globalmemorystatusex
	procGetSystemTimes       = modkernel32.NewProc("GetSystemTimes")
	procEmptyWorkingSet      = modpsapi.NewProc("EmptyWorkingSet") //https://docs.microsoft.com/en-us/windows/win32/api/psapi/nf-psapi-emptyworkingset
)

type (
	probe struct {
		wts    *gowin32.WTSServer
		logger *slog.Logger
	}

	memoryStatusEx struct {
		length               uint32
		memoryLoad           uint32
		totalPhys            uint64
		availPhys            uint64
		totalPageFile        uint64
		availPageFile        uint64
		totalVirtual         uint64
		availVirtual         uint64
		availExtendedVirtual uint64
	}

	processTime struct {
		CreationTime syscall.Filetime
		ExitTime     syscall.Filetime
		KernelTime   syscall.Filetime
		UserTime     syscall.Filetime
	}
)

// New returns the Windows probe. A nil logger discards output.
func New(logger *slog.Logger) Probe {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &probe{wts: gowin32.OpenWTSServer(""), logger: logger}
}

func (p *probe) MemoryInfo(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	var ms memoryStatusEx
	ms.length = uint32(unsafe.Sizeof(ms))
	r1, _, e1 := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&ms)))
	if r1 == 0 {
		return Info{}, fmt.Errorf("GlobalMemoryStatusEx(): %w", e1)
	}
	return NewInfo(ms.totalPhys, ms.availPhys), nil
}

//Processes walks every pid, processes that refuse a query handle (protected, exited) are skipped
func (p *probe) Processes(ctx context.Context) ([]Process, error) {
	pids, err := windows.EnumProcesses()
	if err != nil {
		return nil, fmt.Errorf("EnumProcesses(): %w", err)
	}

	users := make(map[uint32]string)
	procs := make([]Process, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proc, ok := p.inspect(pid, users)
		if !ok {
			continue
		}
		procs = append(procs, proc)
	}

	sort.SliceStable(procs, func(i, j int) bool { return procs[i].MemoryMB > procs[j].MemoryMB })
	if len(procs) > MaxProcesses {
		procs = procs[:MaxProcesses]
	}
	return procs, nil
}

func (p *probe) inspect(pid uint32, users map[uint32]string) (Process, bool) {
	handle, err := syscall.OpenProcess(queryAccess, false, pid)
	if err != nil {
		return Process{}, false
	}
	defer syscall.CloseHandle(handle)

	counters, err := windows.GetProcessMemoryInfo(handle)
	if err != nil {
		return Process{}, false
	}

	//native NT path (\Device\HarddiskVolume3\Windows\cmd.exe), only the base name is needed
	name := "System"
	if processPath, err := windows.GetProcessImageFileName(handle); err == nil {
		name = filepath.Base(processPath)
	}

	var cpu time.Duration
	if times, err := getProcessTimes(handle); err == nil {
		cpu = filetimeDuration(times.KernelTime) + filetimeDuration(times.UserTime)
	}

	var sessionID uint32
	if err := xsyscall.ProcessIdToSessionId(pid, &sessionID); err != nil {
		p.logger.Debug("session lookup failed", "pid", pid, "error", err)
	}

	return Process{
		PID:        pid,
		Name:       name,
		MemoryMB:   ToMB(uint64(counters.WorkingSetSize)),
		CPUSeconds: float64(int64(cpu.Seconds()*10)) / 10,
		SessionID:  sessionID,
		User:       p.sessionUser(sessionID, users),
	}, true
}

//sessionUser resolves the interactive user of a session once per snapshot
func (p *probe) sessionUser(sessionID uint32, cache map[uint32]string) string {
	if name, ok := cache[sessionID]; ok {
		return name
	}
	name := ""
	switch sessionID {
	case localSystemSessionID:
		name = "LocalSystem"
	default:
		info, err := p.wts.QuerySessionSesionInfo(uint(sessionID))
		if err != nil {
			p.logger.Debug("QuerySessionSesionInfo() failed", "session", sessionID, "error", err)
			break
		}
		name = info.UserName
	}
	cache[sessionID] = name
	return name
}

//Trim runs to completion once started; the caller bounds how long it waits for the result
func (p *probe) Trim(ctx context.Context, pid uint32) TrimResult {
	if err := ctx.Err(); err != nil {
		p.logger.Debug("trim skipped", "pid", pid, "error", err)
		return TrimResult{}
	}
	return p.trim(pid)
}

func (p *probe) trim(pid uint32) TrimResult {
	handle, err := syscall.OpenProcess(trimAccess, false, pid)
	if err != nil {
		p.logger.Debug("OpenProcess() failed", "pid", pid, "error", err)
		return TrimResult{}
	}
	defer syscall.CloseHandle(handle)

	before, err := windows.GetProcessMemoryInfo(handle)
	if err != nil {
		return TrimResult{}
	}

	r1, _, e1 := procEmptyWorkingSet.Call(uintptr(handle))
	if r1 == 0 {
		p.logger.Debug("EmptyWorkingSet() failed", "pid", pid, "error", e1)
		return TrimResult{}
	}

	time.Sleep(trimSettleDelay)

	after, err := windows.GetProcessMemoryInfo(handle)
	if err != nil {
		return TrimResult{}
	}
	return NewTrimResult(ToMB(uint64(before.WorkingSetSize)), ToMB(uint64(after.WorkingSetSize)))
}

//CPUUsage compares two GetSystemTimes samples; kernel time includes idle time
func (p *probe) CPUUsage(ctx context.Context) (int, error) {
	idle1, kernel1, user1, err := getSystemTimes()
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(cpuSampleWindow)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	idle2, kernel2, user2, err := getSystemTimes()
	if err != nil {
		return 0, err
	}
	return CPUPercent(idle2-idle1, (kernel2-kernel1)+(user2-user1)), nil
}

func getSystemTimes() (idle, kernel, user time.Duration, err error) {
	var i, k, u syscall.Filetime
	r1, _, e1 := procGetSystemTimes.Call(
		uintptr(unsafe.Pointer(&i)),
		uintptr(unsafe.Pointer(&k)),
		uintptr(unsafe.Pointer(&u)))
	if r1 == 0 {
		return 0, 0, 0, fmt.Errorf("GetSystemTimes(): %w", e1)
	}
	return filetimeDuration(i), filetimeDuration(k), filetimeDuration(u), nil
}

//GetProcessTimes returns winApi times. https://docs.microsoft.com/en-us/windows/win32/api/processthreadsapi/nf-processthreadsapi-getprocesstimes
func getProcessTimes(handle syscall.Handle) (times processTime, err error) {
	if err := syscall.GetProcessTimes(handle, &times.CreationTime, &times.ExitTime, &times.KernelTime, &times.UserTime); err != nil {
		return processTime{}, err
	}
	return times, nil
}

//filetimeDuration reads a FILETIME as an interval of 100ns ticks rather than a date
func filetimeDuration(ft syscall.Filetime) time.Duration {
	ticks := int64(ft.HighDateTime)<<32 | int64(ft.LowDateTime)
	return time.Duration(ticks * 100)
}
