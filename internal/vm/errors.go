package vm

import "errors"

var (
	// Configuration errors. All wrap ErrInvalidConfig so callers can reject
	// the whole class before touching any resource.
	ErrInvalidConfig    = errors.New("invalid vm configuration")
	ErrNetworkForbidden = errors.New("guest networking is not available and cannot be enabled")
	ErrMemoryTooSmall   = errors.New("memory size below minimum")
	ErrSeccompTooNarrow = errors.New("seccomp level does not permit vsock transport syscalls")

	// Backend errors.
	ErrBackendNotFound = errors.New("hypervisor binary not found")
	ErrKVMUnavailable  = errors.New("hardware virtualization unavailable")
	ErrConfigRejected  = errors.New("hypervisor rejected configuration")
	ErrSocketBind      = errors.New("hypervisor control socket did not bind")
)
