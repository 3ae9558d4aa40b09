package vm

import (
	"fmt"
	"path/filepath"
)

// Validate checks the configuration once, before any resource is acquired.
// Inconsistent combinations are rejected here rather than discovered as a
// runtime hang.
func (c *VMConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing vm identifier", ErrInvalidConfig)
	}
	// The identifier names run directories and sockets; anything that is
	// not a single path component could escape the state directory.
	if c.ID != filepath.Base(c.ID) || c.ID == "." || c.ID == ".." {
		return fmt.Errorf("%w: identifier %q must be a single path component", ErrInvalidConfig, c.ID)
	}
	if c.VCPU <= 0 {
		return fmt.Errorf("%w: vcpu count %d must be positive", ErrInvalidConfig, c.VCPU)
	}
	if c.MemoryMB < MinMemoryMB {
		return fmt.Errorf("%w: %w: %d MB < %d MB", ErrInvalidConfig, ErrMemoryTooSmall, c.MemoryMB, MinMemoryMB)
	}
	if c.KernelPath == "" {
		return fmt.Errorf("%w: missing kernel path", ErrInvalidConfig)
	}
	if c.RootFsPath == "" {
		return fmt.Errorf("%w: missing rootfs path", ErrInvalidConfig)
	}
	if c.NetworkEnabled {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNetworkForbidden)
	}
	if c.VsockPath == "" {
		return fmt.Errorf("%w: missing vsock socket path", ErrInvalidConfig)
	}
	if !c.SeccompLevel.AllowsVsock() {
		return fmt.Errorf("%w: %w: level %s", ErrInvalidConfig, ErrSeccompTooNarrow, c.SeccompLevel)
	}
	return nil
}
