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

// cloudHypervisor drives the native hardware-virtualization engine through
// the same control-socket shape as Firecracker: process with an API socket,
// then a structurally serialized configuration document and a boot action.
type cloudHypervisor struct {
	binaryPath string
	runDir     string
	logger     *slog.Logger
}

// NewCloudHypervisor creates the Cloud Hypervisor backend.
func NewCloudHypervisor(binaryPath, runDir string, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &cloudHypervisor{binaryPath: binaryPath, runDir: runDir, logger: logger}
}

func (c *cloudHypervisor) Name() string { return "cloud-hypervisor" }

func (c *cloudHypervisor) Spawn(ctx context.Context, cfg VMConfig) (*VMHandle, error) {
	start := time.Now()

	deadline := cfg.SpawnDeadline
	if deadline == 0 {
		deadline = DefaultSpawnDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if cfg.VsockPath == "" {
		return nil, fmt.Errorf("%w: vsock device is required", ErrConfigRejected)
	}

	vmDir := filepath.Join(c.runDir, cfg.ID)
	if err := os.MkdirAll(vmDir, 0o700); err != nil {
		return nil, fmt.Errorf("create vm directory: %w", err)
	}

	lay, err := stageLayout(cfg.Isolation, c.binaryPath, vmDir, cfg)
	if err != nil {
		_ = os.RemoveAll(vmDir)
		return nil, err
	}
	_ = os.Remove(lay.hostAPISock)

	logFile, err := os.Create(filepath.Join(vmDir, "cloud-hypervisor.log"))
	if err != nil {
		_ = os.RemoveAll(vmDir)
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	c.logger.InfoContext(ctx, "starting cloud-hypervisor vm",
		"id", cfg.ID,
		"vcpu", cfg.VCPU,
		"memory_mb", cfg.MemoryMB)

	cmd := exec.Command(lay.binary, "--api-socket", lay.apiSock)
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
			return nil, fmt.Errorf("%w: %s: %v", ErrBackendNotFound, c.binaryPath, err)
		}
		return nil, fmt.Errorf("start cloud-hypervisor process: %w", err)
	}
	go func() { _ = cmd.Wait() }()

	fail := func(err error) (*VMHandle, error) {
		_ = cmd.Process.Kill()
		_ = os.RemoveAll(vmDir)
		return nil, err
	}

	if err := utils.WaitForPath(ctx, lay.hostAPISock, socketPollInterval); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrSocketBind, err))
	}

	cid := cfg.GuestCID
	if cid == 0 {
		cid = DefaultGuestCID
	}

	api := newAPIClient(lay.hostAPISock)
	doc := clhConfig{
		Payload: clhPayload{
			Kernel:  lay.kernel,
			CmdLine: "console=ttyS0 reboot=k panic=1 root=/dev/vda ro",
		},
		Cpus:   clhCpus{BootVcpus: cfg.VCPU, MaxVcpus: cfg.VCPU},
		Memory: clhMemory{Size: int64(cfg.MemoryMB) << 20},
		// Root disk stays read-only so reuse can never observe guest writes.
		Disks:   []clhDisk{{Path: lay.rootfs, Readonly: true}},
		Serial:  clhConsole{Mode: "File"},
		Console: clhConsole{Mode: "Null"},
		Vsock:   &clhVsock{Cid: uint64(cid), Socket: lay.vsock},
	}
	if err := api.put(ctx, "/api/v1/vm.create", doc); err != nil {
		return fail(err)
	}
	if err := api.put(ctx, "/api/v1/vm.boot", struct{}{}); err != nil {
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

	c.logger.InfoContext(ctx, "cloud-hypervisor vm started",
		"id", cfg.ID,
		"pid", handle.PID,
		"latency_ms", handle.SpawnLatency.Milliseconds())

	return handle, nil
}

func (c *cloudHypervisor) Stop(ctx context.Context, handle *VMHandle) error {
	if handle == nil || handle.State == StateStopped {
		return nil
	}
	c.logger.InfoContext(ctx, "stopping cloud-hypervisor vm", "id", handle.ID, "pid", handle.PID)
	return stopHandle(handle, c.logger)
}
