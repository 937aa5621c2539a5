package core

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[string]EntityDefinition)
	registryMu sync.RWMutex
)

// Register adds an entity definition to the registry.
// Panics if an entity with the same name is already registered or the
// definition is incomplete.
func Register(def EntityDefinition) {
	if err := def.validate(); err != nil {
		panic(fmt.Sprintf("invalid entity definition %s: %v", def.Name, err))
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Name]; exists {
		panic(fmt.Sprintf("entity already registered: %s", def.Name))
	}

	if def.IDColumn == "" {
		def.IDColumn = "Id"
	}
	if def.SortColumn == "" {
		def.SortColumn = def.IDColumn
	}
	if def.APIEntity == "" {
		def.APIEntity = def.Name
	}

	registry[def.Name] = def
}

// Get returns an entity definition by name.
// Returns false if not found.
func Get(name string) (EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if def, ok := registry[name]; ok {
		return def, true
	}
	for key, def := range registry {
		if equalFold(key, name) {
			return def, true
		}
	}
	return EntityDefinition{}, false
}

// All returns all registered entity definitions in dependency order,
// then by name for a stable result.
func All() []EntityDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]EntityDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// Names returns registered entity names in dependency order.
func Names() []string {
	defs := All()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// EntityCount returns the number of registered entities.
func EntityCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered entities.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]EntityDefinition)
}
