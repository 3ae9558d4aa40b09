// Command emberd runs the micro-VM execution substrate: it probes the
// hypervisor backend, warms the snapshot pool, and serves VM sessions until
// terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/maxdollinger/ember.io/internal/db"
	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/sandbox"
	"github.com/maxdollinger/ember.io/internal/session"
	"github.com/maxdollinger/ember.io/internal/vm"
	"github.com/maxdollinger/ember.io/pkg/lock"
	"github.com/maxdollinger/ember.io/pkg/network"
	"github.com/maxdollinger/ember.io/pkg/seccomp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		stateDir   = flag.String("state-dir", "/var/lib/emberio", "base directory for run state")
		kernelPath = flag.String("kernel", "/var/lib/emberio/base/vmlinux", "guest kernel image")
		rootfsPath = flag.String("rootfs", "/var/lib/emberio/base/rootfs.ext4", "read-only root filesystem image")
		poolSize   = flag.Int("pool-size", 2, "warm snapshot pool target size")
		vcpu       = flag.Int("vcpu", 1, "vCPUs per VM")
		memoryMB   = flag.Int("memory-mb", 512, "memory per VM in MB")
		fwMode     = flag.String("firewall", "enforce", "firewall mode: enforce, test, disabled")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDir := filepath.Join(*stateDir, "machines")
	vsockDir := filepath.Join(*stateDir, "vsock")
	for _, dir := range []string{runDir, vsockDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	sqlDB, err := db.NewDB(filepath.Join(*stateDir, "ember.db"))
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.InitSchema(ctx, sqlDB); err != nil {
		return err
	}

	backend, err := vm.Detect(runDir, logger)
	if err != nil {
		return err
	}
	logger.Info("hypervisor backend selected", "backend", backend.Name())

	mode := network.ModeEnforce
	switch *fwMode {
	case "enforce":
	case "test":
		mode = network.ModeTest
	case "disabled":
		mode = network.ModeDisabled
	default:
		return fmt.Errorf("unknown firewall mode %q", *fwMode)
	}

	firewall, err := network.NewController(mode, lock.NewKeyedLocker(), logger)
	if err != nil {
		return fmt.Errorf("firewall controller: %w", err)
	}

	enforcer := sandbox.NewEnforcer(filepath.Join(*stateDir, "sandbox"), logger)

	template := vm.VMConfig{
		VCPU:         *vcpu,
		MemoryMB:     *memoryMB,
		KernelPath:   *kernelPath,
		RootFsPath:   *rootfsPath,
		SeccompLevel: seccomp.LevelBasic,
	}
	vmPool := pool.New(pool.Config{
		Backend:   backend,
		Template:  template,
		VsockDir:  vsockDir,
		Provision: session.NewPoolProvisioner(session.EnforcerAdapter{Enforcer: enforcer}, firewall, template),
		Target:    *poolSize,
		Logger:    logger,
	})
	if err := vmPool.Warmup(ctx, *poolSize); err != nil {
		logger.Warn("pool warmup incomplete, capacity degraded", "error", err)
	}

	manager := session.NewManager(session.Config{
		Pool:     vmPool,
		Sandbox:  session.EnforcerAdapter{Enforcer: enforcer},
		Firewall: firewall,
		Recorder: &session.DBRecorder{DB: sqlDB, Logger: logger},
		Backend:  backend.Name(),
		Logger:   logger,
	})

	srv := &server{
		manager:  manager,
		pool:     vmPool,
		audit:    seccomp.NewAuditLog(seccomp.DefaultAuditCapacity),
		template: template,
		vsockDir: vsockDir,
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}

	stats := vmPool.Stats()
	logger.Info("emberd ready",
		"pool_size", stats.Size,
		"pool_target", stats.Target,
		"firewall_mode", mode.String())

	socketPath := filepath.Join(*stateDir, "emberd.sock")
	_ = os.Remove(socketPath)
	err = srv.serve(ctx, socketPath)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), vm.DefaultSpawnDeadline)
	defer cancel()
	srv.destroyAll(shutdownCtx)
	if poolErr := vmPool.Close(shutdownCtx); poolErr != nil {
		logger.Warn("pool shutdown incomplete", "error", poolErr)
	}
	return err
}
