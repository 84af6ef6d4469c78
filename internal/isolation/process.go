package isolation

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// ProcessLauncher runs each trial in a child process running
// `<Path> <ExtraArgs...> execute-trial <trial-id>`. A crash in the child is
// only ever visible to the scheduler as a dead process.
type ProcessLauncher struct {
	Path      string
	ExtraArgs []string
	Env       []string

	mu       sync.Mutex
	children map[int]*child
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcessLauncher creates a launcher that re-executes the current binary.
func NewProcessLauncher(extraArgs ...string) (*ProcessLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("isolation: resolving executable: %w", err)
	}
	return &ProcessLauncher{Path: path, ExtraArgs: extraArgs}, nil
}

// Launch starts the child process and returns a pid handle. The child is not
// bound to ctx: it outlives the dispatch pass that started it.
func (l *ProcessLauncher) Launch(ctx context.Context, trialID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	args := append(append([]string{}, l.ExtraArgs...), "execute-trial", trialID)
	cmd := exec.Command(l.Path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), l.Env...)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("isolation: starting executor for %s: %w", trialID, err)
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	pid := cmd.Process.Pid

	l.mu.Lock()
	if l.children == nil {
		l.children = make(map[int]*child)
	}
	l.children[pid] = c
	l.mu.Unlock()

	// Reap the child so it never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Printf("WARN: executor pid %d for trial %s exited: %v", pid, trialID, err)
		}
		close(c.done)
		l.mu.Lock()
		delete(l.children, pid)
		l.mu.Unlock()
	}()

	return FormatHandle(SchemePID, strconv.Itoa(pid)), nil
}

// Alive implements Launcher.
func (l *ProcessLauncher) Alive(handle string) (bool, error) {
	pid, ok := parsePID(handle)
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	c := l.children[pid]
	l.mu.Unlock()
	if c != nil {
		select {
		case <-c.done:
			return false, nil
		default:
			return true, nil
		}
	}
	// Not ours, e.g. started before a restart: ask the OS.
	return processAlive(pid), nil
}

// Terminate implements Launcher.
func (l *ProcessLauncher) Terminate(handle string) error {
	pid, ok := parsePID(handle)
	if !ok {
		return nil
	}

	l.mu.Lock()
	c := l.children[pid]
	l.mu.Unlock()
	if c != nil {
		return c.cmd.Process.Kill()
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && processAlive(pid) {
		return fmt.Errorf("isolation: killing pid %d: %w", pid, err)
	}
	return nil
}

func parsePID(handle string) (int, bool) {
	scheme, value, err := ParseHandle(handle)
	if err != nil || scheme != SchemePID {
		return 0, false
	}
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
