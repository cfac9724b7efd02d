package policy

import (
	"sort"
	"strings"
	"sync/atomic"
)

// Registry holds the active policy packs as an immutable snapshot that is
// swapped atomically on reload. Concurrent evaluators never observe a
// half-updated pack set.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	// packs are sorted by scope length, longest first, so pack selection
	// is a linear scan that naturally prefers the most specific scope.
	packs []*Pack
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{})
	return r
}

// SetPacks replaces the active pack set. Packs registered under the same
// scope are rejected upstream by the loader; here last-writer-wins per scope
// keeps the snapshot consistent.
func (r *Registry) SetPacks(packs []*Pack) {
	byScope := make(map[string]*Pack, len(packs))
	for _, p := range packs {
		byScope[p.Scope] = p
	}
	next := make([]*Pack, 0, len(byScope))
	for _, p := range byScope {
		next = append(next, p)
	}
	sort.Slice(next, func(i, j int) bool {
		if len(next[i].Scope) != len(next[j].Scope) {
			return len(next[i].Scope) > len(next[j].Scope)
		}
		return next[i].Scope < next[j].Scope
	})
	r.snap.Store(&snapshot{packs: next})
}

// Select returns the pack governing the given action. When multiple pack
// scopes match (e.g. "mesh" and "mesh:connect"), the longest prefix wins.
// Returns false when no registered scope covers the action.
func (r *Registry) Select(action string) (*Pack, bool) {
	for _, p := range r.snap.Load().packs {
		if scopeMatches(p.Scope, action) {
			return p, true
		}
	}
	return nil, false
}

// Packs returns the current snapshot's packs, most specific scope first.
func (r *Registry) Packs() []*Pack {
	return r.snap.Load().packs
}

// Count returns the number of registered packs.
func (r *Registry) Count() int {
	return len(r.snap.Load().packs)
}

// scopeMatches reports whether the pack scope is a prefix of the action on a
// segment boundary: scope "mesh" covers "mesh:connect"; scope "mesh:connect"
// covers exactly that action.
func scopeMatches(scope, action string) bool {
	if scope == action {
		return true
	}
	return strings.HasPrefix(action, scope+":")
}
