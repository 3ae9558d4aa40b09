package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/sandbox"
	"github.com/maxdollinger/ember.io/internal/vm"
)

// NewPoolProvisioner returns the pool's warm-spawn provisioner. It acquires
// each instance's sandbox and firewall chain in the same fixed order Start
// uses, so a pooled hypervisor process never exists outside its boundary.
func NewPoolProvisioner(enforcer SandboxEnforcer, firewall Firewall, template vm.VMConfig) pool.ProvisionFunc {
	return func(ctx context.Context, vmID string) (*pool.Isolation, error) {
		sctx, err := enforcer.Prepare(sandbox.Spec{
			VMID:     vmID,
			VCPU:     template.VCPU,
			MemoryMB: template.MemoryMB,
			Level:    template.SeccompLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("sandbox: %w", err)
		}

		chain, err := firewall.ConfigureIsolation(ctx, vmID)
		if err != nil {
			err = fmt.Errorf("firewall: %w", err)
			if relErr := sctx.Release(); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return nil, err
		}

		return &pool.Isolation{
			Sandbox:      sctx,
			Chain:        chain,
			CleanupChain: firewall.Cleanup,
		}, nil
	}
}
