package network

import "errors"

var (
	// Firewall controller errors
	ErrPrivilegeRequired    = errors.New("firewall enforcement requires root privileges")
	ErrIptablesUnavailable  = errors.New("iptables subsystem is unavailable")
	ErrChainCreate          = errors.New("failed to create firewall chain")
	ErrRuleAdd              = errors.New("failed to add firewall rule")
	ErrChainLink            = errors.New("failed to link firewall chain into traffic path")
	ErrCleanup              = errors.New("firewall cleanup failed")

	// Namespace errors
	ErrNamespaceCreate = errors.New("failed to create network namespace")
	ErrNamespaceDirty  = errors.New("network namespace contains unexpected interfaces")
)
