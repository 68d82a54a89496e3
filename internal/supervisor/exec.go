package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ExecLauncher spawns real simulation processes with os/exec.
type ExecLauncher struct {
	Binary    string
	ExtraArgs []string
}

func (l *ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	args := append([]string{}, l.ExtraArgs...)
	args = append(args,
		"--world", spec.WorldID,
		"--port", strconv.Itoa(spec.Port),
		"--control-plane", spec.ControlPlane,
	)
	cmd := exec.Command(l.Binary, args...)

	// Stdout and stderr share one pipe so markers and crash output
	// arrive on the same line stream.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}

	p := &execProcess{
		cmd:   cmd,
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 256*1024)
		for sc.Scan() {
			p.lines <- strings.TrimRight(sc.Text(), "\r\n")
		}
		close(p.lines)
	}()
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		_ = pw.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) Lines() <-chan string { return p.lines }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}
