package elevator

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh policy instance for one queue.
type Factory func() Policy

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a policy under name. Registering a duplicate name is a
// programming error.
func Register(name string, f Factory) error {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		return fmt.Errorf("elevator: policy %q already registered", name)
	}
	registry[name] = f
	return nil
}

// Unregister removes a policy by name. Queues already running it are
// unaffected.
func Unregister(name string) {
	regMu.Lock()
	defer regMu.Unlock()
	delete(registry, name)
}

// Get returns the factory for name, or nil.
func Get(name string) Factory {
	regMu.RLock()
	defer regMu.RUnlock()
	return registry[name]
}

// Names returns all registered policy names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	// Built-in policies. Callers may register their own on top.
	if err := Register(SectorName, NewSector); err != nil {
		panic(err)
	}
	if err := Register(FIFOName, NewFIFO); err != nil {
		panic(err)
	}
}
