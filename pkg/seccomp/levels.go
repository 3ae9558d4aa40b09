// Package seccomp holds the declarative syscall policy applied to hypervisor
// processes before they run. Levels are explicit allow-lists over a
// default-deny base; anything not listed is denied and recorded in the
// denial audit log.
package seccomp

import "fmt"

// Level selects one of the named syscall allow-lists.
type Level int

const (
	// LevelStrict permits only process lifecycle, memory management, and
	// already-open file descriptor I/O. No sockets, no filesystem lifecycle.
	LevelStrict Level = iota

	// LevelBasic widens LevelStrict with filesystem lifecycle (open/stat/
	// unlink), read-only credential queries, synchronous I/O multiplexing,
	// and the socket calls required for the host-guest vsock channel.
	LevelBasic

	// LevelPermissive widens LevelBasic with process spawning and signal
	// management. Intended for debugging, not production.
	LevelPermissive
)

// strictSyscalls is the default-deny base: the minimum a booted hypervisor
// process needs to keep running and exit cleanly.
var strictSyscalls = []string{
	"read", "write", "readv", "writev", "close", "lseek",
	"mmap", "munmap", "mprotect", "mremap", "madvise", "brk",
	"rt_sigreturn", "rt_sigprocmask", "sigaltstack",
	"futex", "nanosleep", "clock_gettime", "clock_nanosleep",
	"sched_yield", "exit", "exit_group",
}

// basicExtras exist for documented needs: filesystem lifecycle for drive and
// socket files, read-only credential queries for privilege drop checks,
// synchronous I/O multiplexing for the event loop, and socket lifecycle for
// the host-guest transport.
var basicExtras = []string{
	// filesystem lifecycle
	"openat", "fstat", "newfstatat", "statx", "unlinkat", "fcntl",
	"ftruncate", "fallocate", "fsync", "fdatasync", "getdents64", "ioctl",
	// read-only credential queries
	"getuid", "geteuid", "getgid", "getegid", "getpid", "gettid",
	// synchronous I/O multiplexing
	"epoll_create1", "epoll_ctl", "epoll_pwait", "ppoll", "pselect6",
	"eventfd2", "timerfd_create", "timerfd_settime",
	// host-guest transport
	"socket", "connect", "bind", "listen", "accept4", "shutdown",
	"getsockopt", "setsockopt", "getsockname", "sendto", "recvfrom",
	"sendmsg", "recvmsg",
}

// permissiveExtras allow spawning helpers and richer signal handling.
var permissiveExtras = []string{
	"clone", "clone3", "execve", "wait4", "kill", "tgkill",
	"rt_sigaction", "prctl", "pipe2", "dup3",
}

// vsockSyscalls is the subset a level must contain before it can back a
// host-guest transport. A configuration pairing a narrower level with a
// vsock socket path is rejected at validation instead of hanging at runtime.
var vsockSyscalls = []string{
	"socket", "connect", "bind", "listen", "accept4", "shutdown",
}

func (l Level) String() string {
	switch l {
	case LevelStrict:
		return "strict"
	case LevelBasic:
		return "basic"
	case LevelPermissive:
		return "permissive"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "strict":
		return LevelStrict, nil
	case "basic":
		return LevelBasic, nil
	case "permissive":
		return LevelPermissive, nil
	default:
		return 0, fmt.Errorf("unknown seccomp level %q", s)
	}
}

// Syscalls returns the full allow-list for the level. The returned slice is
// a copy; mutating it does not alter the policy.
func (l Level) Syscalls() []string {
	var list []string
	list = append(list, strictSyscalls...)
	if l >= LevelBasic {
		list = append(list, basicExtras...)
	}
	if l >= LevelPermissive {
		list = append(list, permissiveExtras...)
	}
	return list
}

// Allows reports whether the level permits the named syscall.
func (l Level) Allows(name string) bool {
	for _, s := range l.Syscalls() {
		if s == name {
			return true
		}
	}
	return false
}

// AllowsVsock reports whether the level permits every syscall the host-guest
// vsock transport needs.
func (l Level) AllowsVsock() bool {
	for _, s := range vsockSyscalls {
		if !l.Allows(s) {
			return false
		}
	}
	return true
}
