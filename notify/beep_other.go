//go:build !windows

package notify

import "os"

//terminal bell on stderr
func beep() error {
	_, err := os.Stderr.Write([]byte("\a"))
	return err
}
