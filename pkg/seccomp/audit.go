package seccomp

import (
	"sync"
	"time"
)

// DefaultAuditCapacity bounds the denial log. Denials under a misconfigured
// filter can arrive at syscall rate, so the log must never grow unbounded.
const DefaultAuditCapacity = 256

// Denial records one blocked syscall attempt.
type Denial struct {
	VMID    string
	Syscall string
	Time    time.Time
}

// AuditLog is a fixed-capacity ring of denial records. When full, the oldest
// entry is evicted. Safe for concurrent use.
type AuditLog struct {
	mu       sync.Mutex
	entries  []Denial
	capacity int
	// next is the write position within the ring (0 to capacity-1).
	next int
	// total counts every denial ever recorded, including evicted ones.
	total uint64
}

// NewAuditLog creates an audit log holding at most capacity entries. A
// capacity below 1 falls back to DefaultAuditCapacity.
func NewAuditLog(capacity int) *AuditLog {
	if capacity < 1 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{
		entries:  make([]Denial, 0, capacity),
		capacity: capacity,
	}
}

// Record appends a denial, evicting the oldest entry if the log is full.
func (a *AuditLog) Record(vmID, syscall string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := Denial{VMID: vmID, Syscall: syscall, Time: time.Now()}
	if len(a.entries) < a.capacity {
		a.entries = append(a.entries, d)
	} else {
		a.entries[a.next] = d
	}
	a.next = (a.next + 1) % a.capacity
	a.total++
}

// Snapshot returns the retained denials, oldest first. The result is a copy
// and never a partially-updated view.
func (a *AuditLog) Snapshot() []Denial {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Denial, 0, len(a.entries))
	if len(a.entries) < a.capacity {
		return append(out, a.entries...)
	}
	// Full ring: oldest entry sits at the next write position.
	out = append(out, a.entries[a.next:]...)
	out = append(out, a.entries[:a.next]...)
	return out
}

// Len returns the number of retained entries, never above capacity.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Total returns the count of all denials ever recorded, including those
// evicted from the ring.
func (a *AuditLog) Total() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
