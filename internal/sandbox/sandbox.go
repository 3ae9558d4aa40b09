// Package sandbox drops the hypervisor process into its isolation boundary
// before it runs: restricted filesystem root, cgroup resource limits,
// private namespaces, optional non-root credentials, and the seccomp policy
// document. The gap between process start and isolation application is an
// isolation bypass, so everything here happens before exec.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/maxdollinger/ember.io/pkg/network"
	"github.com/maxdollinger/ember.io/pkg/seccomp"
	"github.com/maxdollinger/ember.io/pkg/utils"
)

// Spec is what the enforcer needs to know about one VM. Kept free of the vm
// package's types so the dependency arrow points one way.
type Spec struct {
	VMID     string
	VCPU     int
	MemoryMB int
	Level    seccomp.Level
}

// cpuPeriodUS is the cgroup v2 cpu.max accounting period.
const cpuPeriodUS = 100000

// Enforcer prepares per-VM sandbox contexts.
type Enforcer struct {
	// BaseDir holds one chroot directory per VM.
	BaseDir string

	// CgroupRoot is the cgroup v2 mount point. Tests point this at a plain
	// temp directory.
	CgroupRoot string

	// EnableNetns creates an empty per-VM network namespace. Requires
	// CAP_NET_ADMIN; disabled in unprivileged tests.
	EnableNetns bool

	// EnableDeviceNodes creates the /dev nodes the hypervisor needs once
	// the host /dev is out of reach. Requires CAP_MKNOD; disabled in
	// unprivileged tests.
	EnableDeviceNodes bool

	// UID and GID run the hypervisor as a non-root user when both are
	// positive.
	UID, GID int

	Logger *slog.Logger
}

func NewEnforcer(baseDir string, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		BaseDir:           baseDir,
		CgroupRoot:        "/sys/fs/cgroup",
		EnableNetns:       true,
		EnableDeviceNodes: true,
		Logger:            logger,
	}
}

// Context is one VM's prepared sandbox. It implements the process isolator
// applied to the hypervisor command, and is released exactly once on any
// exit path.
type Context struct {
	VMID       string
	ChrootDir  string
	CgroupDir  string
	NetnsName  string
	PolicyPath string
	Level      seccomp.Level

	uid, gid int
	logger   *slog.Logger

	releaseOnce sync.Once
	releaseErr  error
}

// Prepare builds the sandbox for one VM. On failure everything already
// created is removed before the error returns.
func (e *Enforcer) Prepare(spec Spec) (*Context, error) {
	if spec.VMID == "" {
		return nil, fmt.Errorf("sandbox: missing vm identifier")
	}

	sctx := &Context{
		VMID:   spec.VMID,
		Level:  spec.Level,
		uid:    e.UID,
		gid:    e.GID,
		logger: e.logger(),
	}

	sctx.ChrootDir = filepath.Join(e.BaseDir, spec.VMID)
	if err := os.MkdirAll(sctx.ChrootDir, 0o700); err != nil {
		return nil, fmt.Errorf("create chroot dir: %w", err)
	}
	if e.UID > 0 && e.GID > 0 {
		// The hypervisor creates its sockets inside the restricted root.
		if err := os.Chown(sctx.ChrootDir, e.UID, e.GID); err != nil {
			_ = sctx.Release()
			return nil, fmt.Errorf("chown chroot dir: %w", err)
		}
	}

	if e.EnableDeviceNodes {
		if err := installDevices(sctx.ChrootDir); err != nil {
			_ = sctx.Release()
			return nil, err
		}
	}

	if err := e.writeCgroup(sctx, spec); err != nil {
		_ = sctx.Release()
		return nil, err
	}

	if err := e.writePolicy(sctx, spec); err != nil {
		_ = sctx.Release()
		return nil, err
	}

	if e.EnableNetns {
		name, err := network.CreateIsolatedNamespace(spec.VMID)
		if err != nil {
			_ = sctx.Release()
			return nil, fmt.Errorf("network namespace: %w", err)
		}
		sctx.NetnsName = name
	}

	e.logger().Debug("sandbox prepared",
		"vm_id", spec.VMID,
		"chroot", sctx.ChrootDir,
		"netns", sctx.NetnsName,
		"seccomp", spec.Level.String())

	return sctx, nil
}

// writeCgroup creates the VM's cgroup and pins cpu and memory to the
// configured resources.
func (e *Enforcer) writeCgroup(sctx *Context, spec Spec) error {
	dir := filepath.Join(e.CgroupRoot, "ember-"+spec.VMID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cgroup: %w", err)
	}
	sctx.CgroupDir = dir

	// vCPU count maps to a proportional cpu quota.
	cpuMax := fmt.Sprintf("%d %d", spec.VCPU*cpuPeriodUS, cpuPeriodUS)
	if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(cpuMax), 0o644); err != nil {
		return fmt.Errorf("write cpu.max: %w", err)
	}

	memMax := strconv.FormatInt(int64(spec.MemoryMB)<<20, 10)
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(memMax), 0o644); err != nil {
		return fmt.Errorf("write memory.max: %w", err)
	}
	return nil
}

// writePolicy renders the syscall allow-list into the chroot for the
// supervising filter to install. The document is policy data only; the
// filter itself is kernel-enforced.
func (e *Enforcer) writePolicy(sctx *Context, spec Spec) error {
	doc := struct {
		Level    string   `json:"level"`
		Default  string   `json:"default"`
		Syscalls []string `json:"allowed_syscalls"`
	}{
		Level:    spec.Level.String(),
		Default:  "deny",
		Syscalls: spec.Level.Syscalls(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seccomp policy: %w", err)
	}

	// Atomic so the supervising filter can never load a torn document.
	sctx.PolicyPath = filepath.Join(sctx.ChrootDir, "seccomp.json")
	if err := utils.WriteFileAtomic(sctx.PolicyPath, data, 0o600); err != nil {
		return fmt.Errorf("write seccomp policy: %w", err)
	}
	return nil
}

func (e *Enforcer) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Apply attaches the sandbox to the hypervisor command: private mount, pid,
// ipc, and uts namespaces, the restricted root, and non-root credentials
// where configured. The network namespace is joined at Start; cloning a
// fresh one here would bypass the prepared loopback-only namespace.
func (c *Context) Apply(cmd *exec.Cmd) error {
	if cmd.Process != nil {
		return fmt.Errorf("sandbox: process already started for %s", c.VMID)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = unix.CLONE_NEWNS | unix.CLONE_NEWPID |
		unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	cmd.SysProcAttr.Chroot = c.ChrootDir
	// The inherited working directory does not exist after chroot.
	cmd.Dir = "/"

	if c.uid > 0 && c.gid > 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(c.uid),
			Gid: uint32(c.gid),
		}
	}
	return nil
}

// Start launches the prepared command inside the network namespace and
// binds it to the cgroup. The fork happens on a thread switched into the
// namespace, so the process never exists outside it.
func (c *Context) Start(cmd *exec.Cmd) error {
	start := cmd.Start
	if c.NetnsName != "" {
		start = func() error {
			return network.RunInNamespace(c.NetnsName, cmd.Start)
		}
	}
	if err := start(); err != nil {
		return err
	}

	if err := c.attachCgroup(cmd.Process.Pid); err != nil {
		// A process outside its resource limits must not keep running.
		_ = cmd.Process.Kill()
		return err
	}
	return nil
}

func (c *Context) attachCgroup(pid int) error {
	if c.CgroupDir == "" {
		return nil
	}
	path := filepath.Join(c.CgroupDir, "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("attach pid %d to cgroup: %w", pid, err)
	}
	return nil
}

// Install stages a host file into the restricted root and returns the path
// the process sees after chroot. Hardlinked where possible; a file on a
// different filesystem is copied.
func (c *Context) Install(hostPath string) (string, error) {
	name := filepath.Base(hostPath)
	dst := filepath.Join(c.ChrootDir, name)

	err := os.Link(hostPath, dst)
	switch {
	case err == nil:
	case os.IsExist(err):
		src, serr := os.Stat(hostPath)
		cur, derr := os.Stat(dst)
		if serr != nil || derr != nil || !os.SameFile(src, cur) {
			return "", fmt.Errorf("install %s: %s already occupied in sandbox root", hostPath, name)
		}
	default:
		if cerr := copyFile(hostPath, dst); cerr != nil {
			return "", fmt.Errorf("install %s into sandbox root: %w", hostPath, errors.Join(err, cerr))
		}
	}
	return "/" + name, nil
}

// HostPath maps a path inside the restricted root to its host location.
func (c *Context) HostPath(rootPath string) string {
	return filepath.Join(c.ChrootDir, rootPath)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// installDevices creates the device nodes a hypervisor needs once the host
// /dev is out of reach.
func installDevices(chrootDir string) error {
	devDir := filepath.Join(chrootDir, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return fmt.Errorf("create dev dir: %w", err)
	}

	nodes := []struct {
		name         string
		mode         uint32
		major, minor uint32
	}{
		{"kvm", unix.S_IFCHR | 0o660, 10, 232},
		{"urandom", unix.S_IFCHR | 0o666, 1, 9},
		{"null", unix.S_IFCHR | 0o666, 1, 3},
	}
	for _, n := range nodes {
		path := filepath.Join(devDir, n.name)
		if err := unix.Mknod(path, n.mode, int(unix.Mkdev(n.major, n.minor))); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("mknod %s: %w", path, err)
		}
	}
	return nil
}

// Release tears the sandbox down: cgroup, network namespace, chroot.
// Idempotent; repeated calls return the first result. All steps run even
// when an earlier one fails.
func (c *Context) Release() error {
	c.releaseOnce.Do(func() {
		var errs []error
		if c.CgroupDir != "" {
			// cgroupfs only supports rmdir; control files vanish with the
			// directory. Outside cgroupfs (tests) fall back to RemoveAll.
			if err := os.Remove(c.CgroupDir); err != nil {
				if err = os.RemoveAll(c.CgroupDir); err != nil {
					errs = append(errs, fmt.Errorf("remove cgroup: %w", err))
				}
			}
		}
		if c.NetnsName != "" {
			if err := network.DeleteNamespace(c.NetnsName); err != nil {
				errs = append(errs, err)
			}
		}
		if c.ChrootDir != "" {
			if err := os.RemoveAll(c.ChrootDir); err != nil {
				errs = append(errs, fmt.Errorf("remove chroot: %w", err))
			}
		}
		c.releaseErr = errors.Join(errs...)
		if c.releaseErr == nil {
			c.logger.Debug("sandbox released", "vm_id", c.VMID)
		}
	})
	return c.releaseErr
}
