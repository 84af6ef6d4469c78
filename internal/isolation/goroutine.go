package isolation

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// RunFunc executes one trial.
type RunFunc func(ctx context.Context, trialID string) error

// GoroutineLauncher runs each trial in a supervised goroutine. A panic is
// recovered and reported as the unit dying; it never reaches the caller.
type GoroutineLauncher struct {
	run RunFunc

	mu    sync.Mutex
	units map[string]*unit
}

type unit struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGoroutineLauncher creates a launcher running fn for every trial.
func NewGoroutineLauncher(fn RunFunc) *GoroutineLauncher {
	return &GoroutineLauncher{run: fn, units: make(map[string]*unit)}
}

// Launch implements Launcher. The goroutine is detached from ctx.
func (l *GoroutineLauncher) Launch(ctx context.Context, trialID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if l.run == nil {
		return "", fmt.Errorf("isolation: no run function configured")
	}

	id := uuid.New().String()[:8]
	runCtx, cancel := context.WithCancel(context.Background())
	u := &unit{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.units[id] = u
	l.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: executor goroutine %s for trial %s panicked: %v\n%s", id, trialID, r, debug.Stack())
			}
			cancel()
			close(u.done)
		}()
		if err := l.run(runCtx, trialID); err != nil {
			log.Printf("WARN: executor goroutine %s for trial %s: %v", id, trialID, err)
		}
	}()

	return FormatHandle(SchemeGoroutine, id), nil
}

// Alive implements Launcher. Finished units are forgotten once observed dead.
func (l *GoroutineLauncher) Alive(handle string) (bool, error) {
	u, id := l.lookup(handle)
	if u == nil {
		return false, nil
	}
	select {
	case <-u.done:
		l.mu.Lock()
		delete(l.units, id)
		l.mu.Unlock()
		return false, nil
	default:
		return true, nil
	}
}

// Terminate cancels the unit's context. The executor notices on its next
// blocking call.
func (l *GoroutineLauncher) Terminate(handle string) error {
	u, _ := l.lookup(handle)
	if u != nil {
		u.cancel()
	}
	return nil
}

// Wait blocks until the unit behind handle has finished.
func (l *GoroutineLauncher) Wait(handle string) {
	u, _ := l.lookup(handle)
	if u != nil {
		<-u.done
	}
}

func (l *GoroutineLauncher) lookup(handle string) (*unit, string) {
	scheme, id, err := ParseHandle(handle)
	if err != nil || scheme != SchemeGoroutine {
		return nil, ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.units[id], id
}
