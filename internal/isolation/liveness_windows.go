//go:build windows

package isolation

import (
	"os/exec"
	"strconv"
	"strings"
)

// processAlive checks whether a process with the given PID is still running.
// On Windows, os.FindProcess always succeeds, so we check via tasklist.
func processAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}
