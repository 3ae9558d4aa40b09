// Package network enforces the network-denial half of VM isolation: a
// default-deny per-VM firewall chain linked into the live traffic path, and
// empty network namespaces that deny connectivity structurally.
package network

// Mode selects how the firewall controller interacts with the host.
type Mode int

const (
	// ModeEnforce mutates the live iptables ruleset. Requires root.
	// Production default.
	ModeEnforce Mode = iota

	// ModeTest behaves like ModeEnforce but skips the privilege check, for
	// suites running against a fake table.
	ModeTest

	// ModeDisabled turns every operation into a no-op, for hosts without a
	// packet-filter subsystem.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeEnforce:
		return "enforce"
	case ModeTest:
		return "test"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

const (
	// filterTable is the iptables table holding per-VM chains.
	filterTable = "filter"

	// linkChain is the built-in chain each VM chain is spliced into. A chain
	// that exists but is not reachable from here filters nothing.
	linkChain = "FORWARD"
)

// Chain is a per-VM firewall ruleset. It is inert until Linked is true:
// existence without linkage into the traffic path is a defined defect, not a
// degraded mode.
type Chain struct {
	VMID   string
	Name   string
	Mode   Mode
	Linked bool

	// released guards against double cleanup.
	released bool
}
