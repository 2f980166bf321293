package execnode

import (
	"slices"
	"sync"
)

// Registry holds registered node capability profiles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Capabilities
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Capabilities),
	}
}

// Register adds or updates a capability profile.
func (r *Registry) Register(caps *Capabilities) {
	if caps == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[caps.Name] = caps
}

// Get retrieves capabilities by name. Returns nil if not found.
func (r *Registry) Get(name string) *Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(GenericCapabilities())
	r.Register(GethCapabilities())
	r.Register(RethCapabilities())
	r.Register(CDKErigonCapabilities())
	r.Register(AnvilCapabilities())
	return r
}

// GenericCapabilities is the conservative profile used when the node kind is unset.
func GenericCapabilities() *Capabilities {
	return &Capabilities{
		Name: "generic",
	}
}

// GethCapabilities returns the profile for go-ethereum based nodes.
func GethCapabilities() *Capabilities {
	return &Capabilities{
		Name:             "geth",
		VerifiedTag:      "finalized",
		SupportsNewHeads: true,
	}
}

// RethCapabilities returns the profile for reth and op-reth.
func RethCapabilities() *Capabilities {
	return &Capabilities{
		Name:             "reth",
		VerifiedTag:      "finalized",
		SupportsNewHeads: true,
	}
}

// CDKErigonCapabilities returns the profile for cdk-erigon sequencers.
// Batches are verified on L1, which the node reports through the finalized tag.
func CDKErigonCapabilities() *Capabilities {
	return &Capabilities{
		Name:             "cdk-erigon",
		RequiresLegacyTx: true,
		VerifiedTag:      "finalized",
		SupportsNewHeads: true,
	}
}

// AnvilCapabilities returns the profile for local anvil/hardhat dev nodes.
func AnvilCapabilities() *Capabilities {
	return &Capabilities{
		Name:             "anvil",
		SupportsNewHeads: true,
	}
}
