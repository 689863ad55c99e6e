// Package scoring is the registry for the external scoring/heuristics
// subsystem (spec §9 "Scoring"): the Elector consumes only
// `get_score() -> (score, max)`, never the heuristics themselves. A
// scoring plugin registers itself in an init() function, following the
// same pattern as the teacher's contrib.AnomalyScorer registry.
package scoring

import (
	"fmt"
	"sync"
)

// Provider exposes the current and maximum heuristic score a node can
// contribute to quorum (spec §4.6 step 2, §4.3 step 1).
//
// Contract:
//   - Score() must be goroutine-safe; it may be called from the paceloop
//     while a provider's own background refresh goroutine runs concurrently.
//   - Score() must return quickly — it runs once per tick on the critical
//     path — and must not perform blocking I/O.
type Provider interface {
	// Name returns the unique identifier for this provider. Used as the
	// config key (scoring.provider).
	Name() string

	// Score returns (current, max). max is the provider's own ceiling. If
	// current >= max, the node contributes full confidence.
	Score() (current, max int)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Provider)
)

// Register registers a scoring provider. Panics if a provider with the
// same name is already registered. Call from init() functions.
func Register(p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[p.Name()]; exists {
		panic(fmt.Sprintf("scoring: provider %q already registered", p.Name()))
	}
	registry[p.Name()] = p
}

// Get returns the registered provider with the given name.
func Get(name string) (Provider, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("scoring: provider %q not registered (available: %v)", name, listNames())
	}
	return p, nil
}

// List returns the names of all registered providers.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// Static is the built-in provider used when no heuristics subsystem is
// configured (spec §4.6 step 2: "peg score at 1/1").
type Static struct{}

func init() {
	Register(Static{})
}

func (Static) Name() string      { return "static" }
func (Static) Score() (int, int) { return 1, 1 }
