package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Machine-readable markers the simulation process prints on stdout.
const (
	portMarker  = "GAMESERVER_PORT="
	readyMarker = "TCP server listening on port"
)

var (
	ErrPortExhausted = errors.New("supervisor: no free port in range")
	ErrProcess       = errors.New("supervisor: game server process failure")
)

// LaunchSpec is the invocation contract for one simulation process: a
// world id, a suggested port (the process may bind elsewhere and report
// it via the port marker), and the control plane callback address.
type LaunchSpec struct {
	WorldID      string
	Port         int
	ControlPlane string
}

type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// Process abstracts a running simulation process so readiness handling
// can be tested without spawning anything.
type Process interface {
	// Lines streams stdout/stderr lines; closed when the process exits.
	Lines() <-chan string
	Alive() bool
	Terminate() error
	Kill() error
	// Wait blocks until exit or the duration elapses; true means exited.
	Wait(d time.Duration) bool
}

type Config struct {
	Host          string
	PortMin       int // inclusive
	PortMax       int // exclusive
	ControlPlane  string
	ReadyTimeout  time.Duration
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	StopGrace     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.PortMin == 0 && c.PortMax == 0 {
		c.PortMin, c.PortMax = 7777, 7877
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 200 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
}

// Handle describes one live supervised process. At most one handle is
// alive per world id.
type Handle struct {
	WorldID   string
	Host      string
	Port      int
	StartedAt time.Time

	proc Process
}

func (h *Handle) Address() string { return fmt.Sprintf("ws://%s:%d", h.Host, h.Port) }
func (h *Handle) Alive() bool     { return h.proc.Alive() }

// Supervisor spawns, port-negotiates, health-checks, and reaps one
// simulation process per active world. The reclaim/probe/launch path
// runs under a single mutex so two callers cannot launch the same world
// twice.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	log      *log.Logger
	dial     func(addr string, timeout time.Duration) bool

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(cfg Config, launcher Launcher, logger *log.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		log:      logger,
		dial:     tcpProbe,
		handles:  make(map[string]*Handle),
	}
}

// SetDialer overrides the readiness probe. Tests only.
func (s *Supervisor) SetDialer(dial func(addr string, timeout time.Duration) bool) { s.dial = dial }

// EnsureRunning returns the live handle for worldID, launching a
// process if none is alive. On any failure no handle is cached; the
// caller decides whether to retry.
func (s *Supervisor) EnsureRunning(ctx context.Context, worldID string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[worldID]; ok {
		if h.Alive() {
			return h, nil
		}
		delete(s.handles, worldID)
	}

	port, err := s.freePortLocked()
	if err != nil {
		return nil, err
	}

	proc, err := s.launcher.Launch(LaunchSpec{WorldID: worldID, Port: port, ControlPlane: s.cfg.ControlPlane})
	if err != nil {
		return nil, fmt.Errorf("%w: spawn world %s: %v", ErrProcess, worldID, err)
	}

	actualPort, err := s.awaitReady(ctx, worldID, proc, port)
	if err != nil {
		_ = proc.Terminate()
		if !proc.Wait(s.cfg.StopGrace) {
			_ = proc.Kill()
		}
		return nil, err
	}

	h := &Handle{
		WorldID:   worldID,
		Host:      s.cfg.Host,
		Port:      actualPort,
		StartedAt: time.Now().UTC(),
		proc:      proc,
	}
	s.handles[worldID] = h
	s.log.Printf("game server ready: world=%s addr=%s", worldID, h.Address())
	return h, nil
}

// freePortLocked prunes dead handles and picks the lowest port in range
// not claimed by a live one. The pick is advisory: the process performs
// the final bind and may report a different port.
func (s *Supervisor) freePortLocked() (int, error) {
	used := make(map[int]bool)
	for worldID, h := range s.handles {
		if !h.Alive() {
			s.log.Printf("pruning dead game server for world %s", worldID)
			delete(s.handles, worldID)
			continue
		}
		used[h.Port] = true
	}
	for p := s.cfg.PortMin; p < s.cfg.PortMax; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w [%d,%d)", ErrPortExhausted, s.cfg.PortMin, s.cfg.PortMax)
}

// Readiness states for a launched process.
type launchState int

const (
	stateLaunching launchState = iota
	statePortKnown
	stateProbing
)

// awaitReady watches process output for the port and readiness markers,
// then confirms the transport with bounded TCP connect probing. An
// exited process is fatal at every step.
func (s *Supervisor) awaitReady(ctx context.Context, worldID string, proc Process, suggestedPort int) (int, error) {
	portCh := make(chan int, 1)
	readyCh := make(chan struct{}, 1)
	go func() {
		sawPort, sawReady := false, false
		for line := range proc.Lines() {
			s.log.Printf("[gameserver %s] %s", worldID, line)
			if !sawPort && strings.HasPrefix(line, portMarker) {
				if p, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, portMarker))); err == nil {
					sawPort = true
					portCh <- p
				}
			}
			if !sawReady && strings.Contains(line, readyMarker) {
				sawReady = true
				readyCh <- struct{}{}
			}
		}
	}()

	state := stateLaunching
	port := suggestedPort
	markerTimeout := time.NewTimer(s.cfg.ReadyTimeout)
	defer markerTimeout.Stop()

	for state != stateProbing {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case p := <-portCh:
			port = p
			state = statePortKnown
		case <-readyCh:
			state = stateProbing
		case <-markerTimeout.C:
			if !proc.Alive() {
				return 0, fmt.Errorf("%w: world %s exited before reporting ready", ErrProcess, worldID)
			}
			s.log.Printf("world %s did not report ready within %s, probing port", worldID, s.cfg.ReadyTimeout)
			state = stateProbing
		}
	}

	// A late port report still overrides the suggestion.
	select {
	case p := <-portCh:
		port = p
	default:
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	deadline := time.Now().Add(s.cfg.ProbeTimeout)
	for {
		if s.dial(addr, s.cfg.ProbeInterval) {
			return port, nil
		}
		if !proc.Alive() {
			return 0, fmt.Errorf("%w: world %s exited during readiness probe", ErrProcess, worldID)
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: world %s not accepting connections on %s", ErrProcess, worldID, addr)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.cfg.ProbeInterval):
		}
	}
}

// Stop terminates the world's process, gracefully first. The cached
// handle is removed regardless of how the process exits.
func (s *Supervisor) Stop(worldID string) bool {
	s.mu.Lock()
	h, ok := s.handles[worldID]
	delete(s.handles, worldID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.terminate(h)
	s.log.Printf("stopped game server for world %s", worldID)
	return true
}

func (s *Supervisor) terminate(h *Handle) {
	_ = h.proc.Terminate()
	if !h.proc.Wait(s.cfg.StopGrace) {
		_ = h.proc.Kill()
		_ = h.proc.Wait(time.Second)
	}
}

// Shutdown stops every supervised process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()
	for _, h := range handles {
		s.terminate(h)
	}
}

func (s *Supervisor) IsRunning(worldID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[worldID]
	return ok && h.Alive()
}

// Running lists the current handles (alive or not yet pruned).
func (s *Supervisor) Running() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func tcpProbe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
