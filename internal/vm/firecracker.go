package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/maxdollinger/ember.io/pkg/utils"
)

const socketPollInterval = 50 * time.Millisecond

// firecracker drives the KVM-based micro-VM engine: spawn the process with
// an API socket, then push configuration documents over the control
// protocol in a fixed order and issue InstanceStart.
type firecracker struct {
	binaryPath string
	runDir     string
	logger     *slog.Logger
}

// NewFirecracker creates the Firecracker backend. runDir holds one
// subdirectory per VM with its control socket, config log, and process log.
func NewFirecracker(binaryPath, runDir string, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &firecracker{binaryPath: binaryPath, runDir: runDir, logger: logger}
}

func (f *firecracker) Name() string { return "firecracker" }

func (f *firecracker) Spawn(ctx context.Context, cfg VMConfig) (*VMHandle, error) {
	start := time.Now()

	deadline := cfg.SpawnDeadline
	if deadline == 0 {
		deadline = DefaultSpawnDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if cfg.VsockPath == "" {
		// A VM without its host-guest socket device is unreachable, not
		// degraded.
		return nil, fmt.Errorf("%w: vsock device is required", ErrConfigRejected)
	}

	vmDir := filepath.Join(f.runDir, cfg.ID)
	if err := os.MkdirAll(vmDir, 0o700); err != nil {
		return nil, fmt.Errorf("create vm directory: %w", err)
	}

	lay, err := stageLayout(cfg.Isolation, f.binaryPath, vmDir, cfg)
	if err != nil {
		_ = os.RemoveAll(vmDir)
		return nil, err
	}
	_ = os.Remove(lay.hostAPISock)

	logFile, err := os.Create(filepath.Join(vmDir, "firecracker.log"))
	if err != nil {
		_ = os.RemoveAll(vmDir)
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	f.logger.InfoContext(ctx, "starting firecracker vm",
		"id", cfg.ID,
		"vcpu", cfg.VCPU,
		"memory_mb", cfg.MemoryMB)

	cmd := exec.Command(lay.binary, "--api-sock", lay.apiSock)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if cfg.Isolation != nil {
		if err := cfg.Isolation.Apply(cmd); err != nil {
			_ = os.RemoveAll(vmDir)
			return nil, fmt.Errorf("apply isolation: %w", err)
		}
	}

	if err := startProcess(cfg.Isolation, cmd); err != nil {
		_ = os.RemoveAll(vmDir)
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrBackendNotFound, f.binaryPath, err)
		}
		return nil, fmt.Errorf("start firecracker process: %w", err)
	}
	// Reap the process when it exits so stopped VMs do not linger as
	// zombies.
	go func() { _ = cmd.Wait() }()

	fail := func(err error) (*VMHandle, error) {
		_ = cmd.Process.Kill()
		_ = os.RemoveAll(vmDir)
		return nil, err
	}

	if err := utils.WaitForPath(ctx, lay.hostAPISock, socketPollInterval); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrSocketBind, err))
	}

	api := newAPIClient(lay.hostAPISock)
	if err := f.configure(ctx, api, cfg, lay); err != nil {
		return fail(err)
	}

	handle := &VMHandle{
		ID:           cfg.ID,
		PID:          cmd.Process.Pid,
		SocketPath:   lay.hostAPISock,
		VsockPath:    lay.hostVsock,
		RunDir:       vmDir,
		SpawnLatency: time.Since(start),
		State:        StateRunning,
	}

	f.logger.InfoContext(ctx, "firecracker vm started",
		"id", cfg.ID,
		"pid", handle.PID,
		"latency_ms", handle.SpawnLatency.Milliseconds())

	return handle, nil
}

// configure pushes the configuration over the control socket. Order
// matters: boot source, root drive, machine resources, vsock device, then
// start. The root drive is read-only so a guest can never corrupt the
// filesystem image across reuse.
func (f *firecracker) configure(ctx context.Context, api *apiClient, cfg VMConfig, lay layout) error {
	if err := api.put(ctx, "/boot-source", fcBootSource{
		KernelImagePath: lay.kernel,
		BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off",
	}); err != nil {
		return err
	}

	if err := api.put(ctx, "/drives/rootfs", fcDrive{
		DriveID:      "rootfs",
		PathOnHost:   lay.rootfs,
		IsRootDevice: true,
		IsReadOnly:   true,
	}); err != nil {
		return err
	}

	if err := api.put(ctx, "/machine-config", fcMachineConfig{
		VCPUCount:  cfg.VCPU,
		MemSizeMiB: cfg.MemoryMB,
		SMT:        false,
	}); err != nil {
		return err
	}

	cid := cfg.GuestCID
	if cid == 0 {
		cid = DefaultGuestCID
	}
	if err := api.put(ctx, "/vsock", fcVsock{
		GuestCID: cid,
		UDSPath:  lay.vsock,
	}); err != nil {
		return err
	}

	return api.put(ctx, "/actions", fcAction{ActionType: "InstanceStart"})
}

func (f *firecracker) Stop(ctx context.Context, handle *VMHandle) error {
	if handle == nil || handle.State == StateStopped {
		return nil
	}
	f.logger.InfoContext(ctx, "stopping firecracker vm", "id", handle.ID, "pid", handle.PID)
	return stopHandle(handle, f.logger)
}
