package vm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Backend starts and stops micro-VMs on one hypervisor engine. Detect picks
// the implementation once at startup; nothing downstream branches on which
// engine is in use.
type Backend interface {
	Name() string

	// Spawn boots a VM from a validated configuration. Bounded by the
	// configuration's spawn deadline.
	Spawn(ctx context.Context, cfg VMConfig) (*VMHandle, error)

	// Stop terminates the VM. Idempotent: stopping a stopped handle is a
	// no-op.
	Stop(ctx context.Context, handle *VMHandle) error
}

// Detect probes the platform capability set and returns the first usable
// backend: Firecracker where present, Cloud Hypervisor otherwise. Both need
// KVM; without it no backend applies.
func Detect(runDir string, logger *slog.Logger) (Backend, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("%w: /dev/kvm: %v", ErrKVMUnavailable, err)
	}

	if path, err := exec.LookPath(firecrackerBin()); err == nil {
		return NewFirecracker(path, runDir, logger), nil
	}
	if path, err := exec.LookPath(cloudHypervisorBin()); err == nil {
		return NewCloudHypervisor(path, runDir, logger), nil
	}

	return nil, fmt.Errorf("%w: neither %s nor %s on PATH",
		ErrBackendNotFound, firecrackerBin(), cloudHypervisorBin())
}

// firecrackerBin reads the firecracker binary name from
// EMBER_FIRECRACKER_BIN, defaulting to "firecracker".
func firecrackerBin() string {
	if bin := os.Getenv("EMBER_FIRECRACKER_BIN"); bin != "" {
		return bin
	}
	return "firecracker"
}

func cloudHypervisorBin() string {
	if bin := os.Getenv("EMBER_CLOUDHYPERVISOR_BIN"); bin != "" {
		return bin
	}
	return "cloud-hypervisor"
}

// layout resolves the paths one spawn uses on each side of the isolation
// boundary. Without isolation both views are the same host paths; with a
// restricted root the hypervisor sees paths under its own "/" while the
// host reaches the same files through the sandbox directory.
type layout struct {
	binary  string // executable path as the process resolves it
	kernel  string
	rootfs  string
	apiSock string // control socket argument, process view
	vsock   string // transport socket device path, process view

	hostAPISock string // where the host dials the control socket
	hostVsock   string // where the host dials the guest transport
}

// stageLayout installs the spawn's files where its process can reach them.
// The binary, kernel, and rootfs are staged into the restricted root; the
// sockets are created by the hypervisor inside it and dialed by the host
// through it.
func stageLayout(iso ProcessIsolator, binaryPath, vmDir string, cfg VMConfig) (layout, error) {
	if iso == nil {
		apiSock := filepath.Join(vmDir, "api.sock")
		return layout{
			binary:      binaryPath,
			kernel:      cfg.KernelPath,
			rootfs:      cfg.RootFsPath,
			apiSock:     apiSock,
			vsock:       cfg.VsockPath,
			hostAPISock: apiSock,
			hostVsock:   cfg.VsockPath,
		}, nil
	}

	binary, err := iso.Install(binaryPath)
	if err != nil {
		return layout{}, fmt.Errorf("install hypervisor binary: %w", err)
	}
	kernel, err := iso.Install(cfg.KernelPath)
	if err != nil {
		return layout{}, fmt.Errorf("install kernel image: %w", err)
	}
	rootfs, err := iso.Install(cfg.RootFsPath)
	if err != nil {
		return layout{}, fmt.Errorf("install root filesystem: %w", err)
	}
	return layout{
		binary:      binary,
		kernel:      kernel,
		rootfs:      rootfs,
		apiSock:     "/api.sock",
		vsock:       "/vsock.sock",
		hostAPISock: iso.HostPath("/api.sock"),
		hostVsock:   iso.HostPath("/vsock.sock"),
	}, nil
}

// startProcess launches the command, through the isolator when one is
// attached so the process enters its boundary at birth.
func startProcess(iso ProcessIsolator, cmd *exec.Cmd) error {
	if iso != nil {
		return iso.Start(cmd)
	}
	return cmd.Start()
}

// stopHandle terminates the backing process and removes the run directory.
// Shared by both backends; idempotent via the handle state.
func stopHandle(handle *VMHandle, logger *slog.Logger) error {
	if handle == nil || handle.State == StateStopped {
		return nil
	}
	handle.State = StateStopped

	if handle.PID > 0 {
		if proc, err := os.FindProcess(handle.PID); err == nil {
			_ = proc.Kill()
			// The spawn goroutine reaps the process; give it a moment so
			// the run directory can be removed cleanly.
			waitForExit(proc, 2*time.Second)
		}
	}

	dir := handle.RunDir
	if dir == "" && handle.SocketPath != "" {
		dir = filepath.Dir(handle.SocketPath)
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove vm run directory", "vm_id", handle.ID, "dir", dir, "error", err)
			return fmt.Errorf("remove run directory for %s: %w", handle.ID, err)
		}
	}
	return nil
}

// waitForExit polls signal 0 until the process is gone or the grace period
// elapses.
func waitForExit(proc *os.Process, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 probes liveness without delivering anything.
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
