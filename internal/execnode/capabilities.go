// Package execnode describes what the node under test supports so the
// harness can adapt without string-matching node names at call sites.
package execnode

// Capabilities defines what features a node implementation supports.
type Capabilities struct {
	// Name is the canonical identifier (e.g. "geth", "cdk-erigon").
	Name string

	// RequiresLegacyTx forces type-0 transactions for nodes without EIP-1559.
	RequiresLegacyTx bool

	// VerifiedTag is the block tag that marks the verification stage
	// ("finalized" or "safe"). Empty means the node has no such stage and
	// verification targets degrade to commitment.
	VerifiedTag string

	// SupportsNewHeads indicates eth_subscribe("newHeads") over websocket.
	SupportsNewHeads bool
}

// HasVerification reports whether the node exposes a verification stage.
func (c *Capabilities) HasVerification() bool {
	return c != nil && c.VerifiedTag != ""
}

// String returns the canonical name of the node.
func (c *Capabilities) String() string {
	if c == nil {
		return "unknown"
	}
	return c.Name
}
