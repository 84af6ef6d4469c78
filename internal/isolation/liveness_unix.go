//go:build !windows

package isolation

import (
	"bytes"
	"fmt"
	"os"
	"syscall"
)

// processAlive checks whether a process with the given PID is still running
// by sending signal 0. A zombie still answers signal 0, so on systems with
// /proc its state is checked as well.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil && err != syscall.EPERM {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// The state field follows the parenthesised command name.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return true
	}
	state := stat[i+2]
	return state != 'Z' && state != 'X'
}
