// Package isolation launches trial executions in independently terminable
// units and answers liveness queries by stored handle.
package isolation

import (
	"context"
	"fmt"
	"strings"
)

// Handle schemes.
const (
	SchemePID       = "pid"
	SchemeGoroutine = "goroutine"
)

// Launcher starts one executor per trial and supervises it by handle.
type Launcher interface {
	// Launch starts an executor for trialID and returns its handle. It must
	// not block on the execution itself.
	Launch(ctx context.Context, trialID string) (string, error)
	// Alive reports whether the unit behind handle is still running. Handles
	// this launcher does not understand are reported dead.
	Alive(handle string) (bool, error)
	// Terminate stops the unit behind handle, best effort.
	Terminate(handle string) error
}

// ParseHandle splits a handle into its scheme and value.
func ParseHandle(handle string) (scheme, value string, err error) {
	scheme, value, ok := strings.Cut(handle, ":")
	if !ok || scheme == "" || value == "" {
		return "", "", fmt.Errorf("malformed executor handle %q", handle)
	}
	return scheme, value, nil
}

// FormatHandle joins a scheme and value into a handle.
func FormatHandle(scheme, value string) string {
	return scheme + ":" + value
}
