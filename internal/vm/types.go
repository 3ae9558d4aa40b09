// Package vm defines micro-VM configuration and the hypervisor backends that
// spawn and stop instances. Backends are polymorphic over platform
// capability; callers pick one via Detect at startup and never branch on
// backend identity afterwards.
package vm

import (
	"os/exec"
	"time"

	"github.com/maxdollinger/ember.io/pkg/seccomp"
)

const (
	// MinMemoryMB is the smallest guest a kernel will boot with enough
	// headroom for the init process.
	MinMemoryMB = 128

	// DefaultSpawnDeadline bounds hypervisor start plus transport readiness.
	// Exceeding it is a spawn failure, never an indefinite hang.
	DefaultSpawnDeadline = 10 * time.Second

	// DefaultGuestCID is the vsock context ID assigned to guests. CIDs 0-2
	// are reserved by the vsock spec.
	DefaultGuestCID = 3
)

// ProcessIsolator is the sandbox boundary around one hypervisor process.
// Implemented by the sandbox enforcer; isolation must be in place before the
// process runs. Install and HostPath bridge the restricted filesystem root:
// the process resolves paths under its own root while the host reaches the
// same files through the sandbox directory.
type ProcessIsolator interface {
	// Apply attaches namespaces, the restricted root, and credentials to
	// the command. Must run before Start.
	Apply(cmd *exec.Cmd) error

	// Start launches the prepared command inside the sandbox's network
	// namespace and binds it to the resource limits.
	Start(cmd *exec.Cmd) error

	// Install stages a host file into the restricted root and returns the
	// path the process sees after it starts.
	Install(hostPath string) (string, error)

	// HostPath maps a path inside the restricted root to its host location.
	HostPath(rootPath string) string
}

// VMConfig describes one micro-VM. It is validated once by the session
// manager and treated as immutable afterwards.
type VMConfig struct {
	ID         string // opaque unique identifier, supplied by the caller
	VCPU       int
	MemoryMB   int
	KernelPath string
	RootFsPath string

	// NetworkEnabled must be false. Validation rejects true outright; it is
	// never silently corrected, so a caller asking for connectivity learns
	// it cannot have it.
	NetworkEnabled bool

	SeccompLevel seccomp.Level

	// VsockPath is the host-side unix socket backing the host-guest
	// transport. Required: a VM without its control channel is useless.
	VsockPath string
	GuestCID  uint32

	// SpawnDeadline bounds Spawn; zero means DefaultSpawnDeadline.
	SpawnDeadline time.Duration

	// Isolation is attached by the session manager after the sandbox is
	// prepared. Nil skips process isolation (tests only).
	Isolation ProcessIsolator
}

// State is the lifecycle state of a spawned VM.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// VMHandle identifies a running VM. The session manager owns the handle
// until destruction; other components hold only the identifier.
type VMHandle struct {
	ID           string
	PID          int
	SocketPath   string // hypervisor control socket, host view
	VsockPath    string // host-guest transport socket, host view
	RunDir       string // per-VM run directory, removed on stop
	SpawnLatency time.Duration
	State        State
}
