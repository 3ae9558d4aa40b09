// Package session orchestrates one VM lifecycle: validate the
// configuration, acquire sandbox, firewall, and hypervisor in that fixed
// order, run tool calls over the transport, and destroy everything on any
// exit path. Isolation is fully in place before the hypervisor process
// starts; a VM that boots before its boundary exists is an isolation
// bypass, not a race to win.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/sandbox"
	"github.com/maxdollinger/ember.io/internal/vm"
	"github.com/maxdollinger/ember.io/pkg/network"
	"github.com/maxdollinger/ember.io/pkg/vsock"
)

// DefaultGuestPort is the vsock port the guest agent listens on.
const DefaultGuestPort uint32 = 1024

// State is the session lifecycle state.
type State string

const (
	StateRequested  State = "requested"
	StateValidating State = "validating"
	StateAcquiring  State = "acquiring"
	StateRunning    State = "running"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
	StateFailed     State = "failed"
)

// SandboxHandle is an acquired sandbox: it isolates the hypervisor command
// and is released on teardown.
type SandboxHandle interface {
	vm.ProcessIsolator
	Release() error
}

// SandboxEnforcer prepares sandboxes. Satisfied by EnforcerAdapter around
// *sandbox.Enforcer; faked in tests.
type SandboxEnforcer interface {
	Prepare(spec sandbox.Spec) (SandboxHandle, error)
}

// EnforcerAdapter lifts *sandbox.Enforcer's concrete return type to the
// SandboxEnforcer interface.
type EnforcerAdapter struct {
	Enforcer *sandbox.Enforcer
}

func (a EnforcerAdapter) Prepare(spec sandbox.Spec) (SandboxHandle, error) {
	return a.Enforcer.Prepare(spec)
}

// Firewall is the slice of the firewall controller sessions use.
// Satisfied by *network.Controller.
type Firewall interface {
	ConfigureIsolation(ctx context.Context, vmID string) (*network.Chain, error)
	Cleanup(chain *network.Chain) error
}

// VMSource supplies VM instances and owns the shared counters. Satisfied by
// *pool.Pool.
type VMSource interface {
	CheckoutWarm(cfg vm.VMConfig) *pool.Entry
	SpawnCold(ctx context.Context, cfg vm.VMConfig) (*pool.Entry, error)
	ReturnOrDiscard(entry *pool.Entry) (bool, error)
	Discard(entry *pool.Entry) error
	RegisterVM(id string)
	UnregisterVM(id string)
	IncrementQueued()
	DecrementQueued()
}

// Transport is the host-guest channel. Satisfied by *vsock.Conn.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// Dialer connects the transport once the VM is running.
type Dialer func(ctx context.Context, udsPath string, port uint32) (Transport, error)

// Config wires a Manager.
type Config struct {
	Pool      VMSource
	Sandbox   SandboxEnforcer
	Firewall  Firewall
	Dial      Dialer
	Recorder  Recorder
	Backend   string // backend name, recorded with each session
	GuestPort uint32
	Logger    *slog.Logger
}

// Manager runs VM sessions. Many sessions may be in flight concurrently;
// each one's steps execute sequentially.
type Manager struct {
	pool      VMSource
	sandbox   SandboxEnforcer
	firewall  Firewall
	dial      Dialer
	rec       Recorder
	backend   string
	guestPort uint32
	logger    *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, udsPath string, port uint32) (Transport, error) {
			return vsock.Connect(ctx, udsPath, port)
		}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.GuestPort == 0 {
		cfg.GuestPort = DefaultGuestPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		pool:      cfg.Pool,
		sandbox:   cfg.Sandbox,
		firewall:  cfg.Firewall,
		dial:      cfg.Dial,
		rec:       cfg.Recorder,
		backend:   cfg.Backend,
		guestPort: cfg.GuestPort,
		logger:    cfg.Logger,
	}
}

// Session is one VM lifecycle. The session exclusively owns its handle and
// isolation resources until Destroy.
type Session struct {
	id string
	m  *Manager

	mu    sync.Mutex
	state State

	sctx  SandboxHandle
	chain *network.Chain
	entry *pool.Entry
	conn  Transport

	destroyOnce sync.Once
	destroyErr  error
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the VM handle, or nil before acquisition completes. The
// session retains ownership; callers must not stop it themselves.
func (s *Session) Handle() *vm.VMHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil
	}
	return s.entry.Handle
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.m.rec.StateChanged(s.id, state)
}

// Start validates the configuration and acquires sandbox, firewall, and
// hypervisor in that order. On failure, already-acquired resources are
// rolled back in reverse order and their errors joined into the returned
// StepError. ConfigurationInvalid rejects before any resource is touched.
func (m *Manager) Start(ctx context.Context, cfg vm.VMConfig) (*Session, error) {
	s := &Session{id: cfg.ID, m: m, state: StateRequested}
	m.rec.SessionCreated(cfg.ID, m.backend)

	s.setState(StateValidating)
	if err := cfg.Validate(); err != nil {
		s.setState(StateFailed)
		return nil, &StepError{VMID: cfg.ID, Step: "validate", Err: err}
	}

	m.pool.IncrementQueued()
	defer m.pool.DecrementQueued()

	s.setState(StateAcquiring)

	// A warm instance arrives with the sandbox and chain its process booted
	// inside; checkout transfers both to the session, satisfying the
	// acquisition steps at once. The cold path acquires them one by one
	// before the process exists.
	if entry := m.pool.CheckoutWarm(cfg); entry != nil {
		s.sctx = entry.Isolation.Sandbox
		s.chain = entry.Isolation.Chain
		s.entry = entry
		m.rec.Step(cfg.ID, "sandbox", "transferred")
		m.rec.Step(cfg.ID, "firewall", s.chain.Name)
		m.rec.Step(cfg.ID, "hypervisor", string(entry.Handle.State))
	} else {
		// Step 1: sandbox. Must exist before the hypervisor process is
		// created.
		sctx, err := m.sandbox.Prepare(sandbox.Spec{
			VMID:     cfg.ID,
			VCPU:     cfg.VCPU,
			MemoryMB: cfg.MemoryMB,
			Level:    cfg.SeccompLevel,
		})
		if err != nil {
			s.setState(StateFailed)
			return nil, &StepError{VMID: cfg.ID, Step: "sandbox", Err: err}
		}
		s.sctx = sctx
		m.rec.Step(cfg.ID, "sandbox", "prepared")

		// Step 2: firewall.
		chain, err := m.firewall.ConfigureIsolation(ctx, cfg.ID)
		if err != nil {
			s.setState(StateFailed)
			return nil, &StepError{VMID: cfg.ID, Step: "firewall", Err: errors.Join(err, s.rollback(nil, nil))}
		}
		s.chain = chain
		m.rec.Step(cfg.ID, "firewall", chain.Name)

		// Step 3: hypervisor.
		cfg.Isolation = sctx
		entry, err := m.pool.SpawnCold(ctx, cfg)
		if err != nil {
			s.setState(StateFailed)
			return nil, &StepError{VMID: cfg.ID, Step: "hypervisor", Err: errors.Join(err, s.rollback(chain, nil))}
		}
		s.entry = entry
		m.rec.Step(cfg.ID, "hypervisor", string(entry.Handle.State))
	}

	m.pool.RegisterVM(cfg.ID)
	m.rec.SpawnLatency(cfg.ID, s.entry.Handle.SpawnLatency)

	// Step 4: transport. A VM we cannot reach is destroyed, not handed out.
	conn, err := m.dial(ctx, s.entry.Handle.VsockPath, m.guestPort)
	if err != nil {
		s.setState(StateFailed)
		m.pool.UnregisterVM(cfg.ID)
		return nil, &StepError{VMID: cfg.ID, Step: "transport", Err: errors.Join(err, s.rollback(s.chain, s.entry))}
	}
	s.conn = conn
	m.rec.Step(cfg.ID, "transport", "connected")

	s.setState(StateRunning)
	m.logger.InfoContext(ctx, "vm session running",
		"vm_id", cfg.ID,
		"pid", s.entry.Handle.PID,
		"spawn_ms", s.entry.Handle.SpawnLatency.Milliseconds())

	return s, nil
}

// rollback releases the acquired subset in reverse acquisition order:
// hypervisor, firewall, sandbox. Passing nil skips a step that was never
// acquired.
func (s *Session) rollback(chain *network.Chain, entry *pool.Entry) error {
	var errs []error
	if entry != nil {
		if err := s.m.pool.Discard(entry); err != nil {
			errs = append(errs, err)
		}
		if entry.Isolation != nil {
			// The chain and sandbox belonged to the instance; Discard
			// released them with it.
			return errors.Join(errs...)
		}
	}
	if chain != nil {
		if err := s.m.firewall.Cleanup(chain); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sctx != nil {
		if err := s.sctx.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Call issues one tool call into the running VM.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateRunning || conn == nil {
		return nil, fmt.Errorf("vm %s: session is %s, not running", s.id, state)
	}
	return conn.Call(ctx, method, params)
}

// Destroy tears the session down: transport, hypervisor, firewall, sandbox.
// Re-entrant calls are no-ops returning the first result. Cleanup failures
// are collected, flagged for operator follow-up, and returned, but the
// session still reaches Destroyed.
func (s *Session) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		s.setState(StateDestroying)

		var errs []error
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("transport close: %w", err))
			}
		}
		if s.entry != nil {
			if s.entry.Isolation == nil {
				// A cold-spawned instance keeps the session's isolation for
				// the rest of its life; from here it travels with the
				// entry, staying intact if the instance is pooled.
				s.entry.Isolation = &pool.Isolation{
					Sandbox:      s.sctx,
					Chain:        s.chain,
					CleanupChain: s.m.firewall.Cleanup,
				}
			}
			pooled, err := s.m.pool.ReturnOrDiscard(s.entry)
			if err != nil {
				errs = append(errs, err)
			}
			s.m.pool.UnregisterVM(s.id)
			s.sctx, s.chain = nil, nil
			if pooled {
				s.m.logger.Debug("instance returned to pool with isolation intact", "vm_id", s.id)
			}
		}
		if s.chain != nil {
			if err := s.m.firewall.Cleanup(s.chain); err != nil {
				errs = append(errs, err)
			}
		}
		if s.sctx != nil {
			if err := s.sctx.Release(); err != nil {
				errs = append(errs, err)
			}
		}

		s.setState(StateDestroyed)

		if len(errs) > 0 {
			joined := errors.Join(errs...)
			s.m.rec.NeedsAttention(s.id, joined.Error())
			s.m.logger.Warn("session destroyed with unresolved cleanup",
				"vm_id", s.id, "error", joined)
			s.destroyErr = &StepError{VMID: s.id, Step: "destroy", Err: joined}
		} else {
			s.m.rec.Step(s.id, "destroy", "clean")
		}
	})
	return s.destroyErr
}
