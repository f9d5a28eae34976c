package notify

import (
	"fmt"

	xsyscall "golang.org/x/sys/windows"
)

const mbIconWarning = 0x00000030

var (
	moduser32       = xsyscall.NewLazySystemDLL("user32.dll")
	procMessageBeep = moduser32.NewProc("MessageBeep") //https://docs.microsoft.com/en-us/windows/win32/api/winuser/nf-winuser-messagebeep
)

func beep() error {
	r1, _, e1 := procMessageBeep.Call(uintptr(mbIconWarning))
	if r1 == 0 {
		return fmt.Errorf("MessageBeep(): %w", e1)
	}
	return nil
}
