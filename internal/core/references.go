package core

import (
	"context"
	"fmt"
	"sync"
)

// ReferenceResolver answers "which target does this source id map to" from
// caches loaded once per dependency entity. Each Preload is a single bulk
// read, so resolving N keys costs one round trip per entity type.
type ReferenceResolver struct {
	store MappingStore

	mu     sync.RWMutex
	caches map[string]map[string]TargetRef
}

// NewReferenceResolver creates a resolver backed by store.
func NewReferenceResolver(store MappingStore) *ReferenceResolver {
	return &ReferenceResolver{
		store:  store,
		caches: make(map[string]map[string]TargetRef),
	}
}

// Preload loads every entity not already cached.
func (r *ReferenceResolver) Preload(ctx context.Context, entities ...string) error {
	for _, entity := range entities {
		r.mu.RLock()
		_, loaded := r.caches[entity]
		r.mu.RUnlock()
		if loaded {
			continue
		}

		targets, err := r.store.LoadTargets(ctx, entity)
		if err != nil {
			return fmt.Errorf("load %s targets: %w", entity, err)
		}

		r.mu.Lock()
		r.caches[entity] = targets
		r.mu.Unlock()
	}
	return nil
}

// Resolve returns the target for a source id of entity.
// False means unmapped or not yet migrated.
func (r *ReferenceResolver) Resolve(entity, sourceID string) (TargetRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cache, ok := r.caches[entity]
	if !ok {
		return TargetRef{}, false
	}
	ref, ok := cache[sourceID]
	return ref, ok
}

// ResolveMany resolves many source ids of one entity; unmapped ids are absent.
func (r *ReferenceResolver) ResolveMany(entity string, sourceIDs []string) map[string]TargetRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]TargetRef, len(sourceIDs))
	cache := r.caches[entity]
	for _, id := range sourceIDs {
		if ref, ok := cache[id]; ok {
			out[id] = ref
		}
	}
	return out
}

// Forget drops cached entities so the next Preload rereads them.
// With no arguments every cache is dropped.
func (r *ReferenceResolver) Forget(entities ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(entities) == 0 {
		r.caches = make(map[string]map[string]TargetRef)
		return
	}
	for _, e := range entities {
		delete(r.caches, e)
	}
}

// annotate computes mapped_* values for a record's header references.
func (r *ReferenceResolver) annotate(def *EntityDefinition, src Row) map[string]*string {
	refs := make(map[string]*string, len(def.References))
	for _, ref := range def.References {
		col := RefColumn(ref.Name)
		sourceID, ok := src.String(ref.SourceField)
		if !ok {
			refs[col] = nil
			continue
		}
		if target, ok := r.Resolve(ref.Entity, sourceID); ok && !target.Inactive {
			refs[col] = strPtr(target.ID)
		} else {
			refs[col] = nil
		}
	}
	return refs
}
