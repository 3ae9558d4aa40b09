package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/coreos/go-iptables/iptables"

	"github.com/maxdollinger/ember.io/pkg/lock"
)

// tables is the iptables surface the controller uses. Production satisfies
// it with coreos/go-iptables; tests substitute an in-memory fake.
type tables interface {
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ChainExists(table, chain string) (bool, error)
}

// allowRules are the narrow accepts preceding the terminal drop. Only the
// derived chain name and these fixed templates ever reach iptables; no
// caller-controlled content is interpolated into rule specs.
var allowRules = [][]string{
	// Host-guest transport runs over a unix/vsock socket, which never
	// traverses the packet filter; loopback is the only permitted path.
	{"-o", "lo", "-j", "ACCEPT"},
	{"-i", "lo", "-j", "ACCEPT"},
}

var dropRule = []string{"-j", "DROP"}

// Controller creates and tears down per-VM default-deny firewall chains.
type Controller struct {
	mode   Mode
	ipt    tables
	locker lock.Locker
	logger *slog.Logger
}

// NewController builds a firewall controller for the given mode.
//
// ModeEnforce fails with ErrPrivilegeRequired unless running as root and
// with ErrIptablesUnavailable when the iptables binary cannot be driven.
// ModeDisabled never touches the host.
func NewController(mode Mode, locker lock.Locker, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}

	c := &Controller{mode: mode, locker: locker, logger: logger}
	if mode == ModeDisabled {
		return c, nil
	}

	if mode == ModeEnforce && os.Geteuid() != 0 {
		return nil, fmt.Errorf("%w: running as uid %d", ErrPrivilegeRequired, os.Geteuid())
	}

	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIptablesUnavailable, err)
	}
	c.ipt = ipt

	return c, nil
}

// newControllerWithTables wires a custom tables implementation, bypassing
// privilege and availability checks. Test constructor.
func newControllerWithTables(mode Mode, ipt tables, locker lock.Locker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewNoOpLocker()
	}
	return &Controller{mode: mode, ipt: ipt, locker: locker, logger: logger}
}

// ConfigureIsolation creates the VM's chain, populates it default-deny, and
// splices it into the live traffic path. On any failure the partial chain is
// removed before the error is returned; a chain that exists without linkage
// must never survive this call.
func (c *Controller) ConfigureIsolation(ctx context.Context, vmID string) (*Chain, error) {
	chain := &Chain{VMID: vmID, Name: ChainName(vmID), Mode: c.mode}
	if c.mode == ModeDisabled {
		chain.released = true
		return chain, nil
	}

	lk, err := c.locker.Acquire(ctx, ChainKey(vmID))
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring chain lock for %s: %v", ErrChainCreate, chain.Name, err)
	}
	defer lk.Release()

	if err := c.ipt.NewChain(filterTable, chain.Name); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChainCreate, chain.Name, err)
	}

	for _, rule := range allowRules {
		if err := c.ipt.AppendUnique(filterTable, chain.Name, rule...); err != nil {
			c.removePartial(chain)
			return nil, fmt.Errorf("%w: chain %s rule %v: %v", ErrRuleAdd, chain.Name, rule, err)
		}
	}
	// Terminal drop comes last so the narrow accepts above match first.
	if err := c.ipt.AppendUnique(filterTable, chain.Name, dropRule...); err != nil {
		c.removePartial(chain)
		return nil, fmt.Errorf("%w: chain %s drop rule: %v", ErrRuleAdd, chain.Name, err)
	}

	// Unconditional jump from the built-in chain. Without this the chain
	// exists but filters nothing.
	if err := c.ipt.AppendUnique(filterTable, linkChain, "-j", chain.Name); err != nil {
		c.removePartial(chain)
		return nil, fmt.Errorf("%w: %s -> %s: %v", ErrChainLink, linkChain, chain.Name, err)
	}
	chain.Linked = true

	c.logger.Debug("firewall chain configured",
		"vm_id", vmID,
		"chain", chain.Name,
		"mode", c.mode.String())

	return chain, nil
}

// Cleanup unlinks and deletes the chain. Best-effort: every step runs even
// when an earlier one fails, and all failures are collected into the
// returned error. Safe to call more than once.
func (c *Controller) Cleanup(chain *Chain) error {
	if chain == nil || chain.released || c.mode == ModeDisabled {
		return nil
	}
	chain.released = true

	lk, err := c.locker.Acquire(context.Background(), ChainKey(chain.VMID))
	if err != nil {
		return fmt.Errorf("%w: acquiring chain lock for %s: %v", ErrCleanup, chain.Name, err)
	}
	defer lk.Release()

	var errs []error
	if chain.Linked {
		if err := c.ipt.Delete(filterTable, linkChain, "-j", chain.Name); err != nil {
			errs = append(errs, fmt.Errorf("unlink %s from %s: %w", chain.Name, linkChain, err))
		}
	}
	if err := c.ipt.ClearChain(filterTable, chain.Name); err != nil {
		errs = append(errs, fmt.Errorf("flush %s: %w", chain.Name, err))
	}
	if err := c.ipt.DeleteChain(filterTable, chain.Name); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", chain.Name, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrCleanup, errors.Join(errs...))
	}

	c.logger.Debug("firewall chain removed", "vm_id", chain.VMID, "chain", chain.Name)
	return nil
}

// Linked reports whether the chain is reachable from the built-in traffic
// path, not merely whether it exists. Monitoring and tests must use this
// rather than ChainExists.
func (c *Controller) Linked(chain *Chain) (bool, error) {
	if c.mode == ModeDisabled {
		return false, nil
	}
	rules, err := c.ipt.List(filterTable, linkChain)
	if err != nil {
		return false, fmt.Errorf("%w: listing %s: %v", ErrIptablesUnavailable, linkChain, err)
	}
	for _, r := range rules {
		if r == fmt.Sprintf("-A %s -j %s", linkChain, chain.Name) {
			return true, nil
		}
	}
	return false, nil
}

// removePartial tears down a chain that failed mid-setup. Errors are logged,
// not returned: the caller is already surfacing the setup failure.
func (c *Controller) removePartial(chain *Chain) {
	_ = c.ipt.Delete(filterTable, linkChain, "-j", chain.Name)
	if err := c.ipt.ClearChain(filterTable, chain.Name); err != nil {
		c.logger.Warn("flush of partial chain failed", "chain", chain.Name, "error", err)
	}
	if err := c.ipt.DeleteChain(filterTable, chain.Name); err != nil {
		c.logger.Warn("delete of partial chain failed", "chain", chain.Name, "error", err)
	}
}
