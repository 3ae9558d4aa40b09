package network

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	chainPrefix = "EMBER-"

	// maxChainName is the xtables chain name limit (29 bytes including the
	// trailing NUL, so 28 usable characters).
	maxChainName = 28

	// suffixLen hex characters of the identifier digest keep collision odds
	// negligible while leaving room for the prefix.
	suffixLen = 12
)

// ChainName derives the firewall chain name for a VM identifier.
//
// The suffix is a truncated SHA-256 of the identifier, never a character
// substitution of it: naive sanitization maps distinct identifiers such as
// "vm-1" and "vm_1" to the same chain name. Truncation removes digest
// characters, so uniqueness survives the xtables length limit.
func ChainName(vmID string) string {
	d := digest.FromString(vmID)
	name := chainPrefix + strings.ToUpper(d.Encoded()[:suffixLen])
	if len(name) > maxChainName {
		// Trim the prefix, never the hash suffix.
		name = name[:maxChainName-suffixLen] + name[len(name)-suffixLen:]
	}
	return name
}

// ChainKey returns the lock key serializing all mutation of a chain name.
// Keyed by the derived name, two sessions racing on the same VM identifier
// are excluded structurally.
func ChainKey(vmID string) digest.Digest {
	return digest.FromString(ChainName(vmID))
}
