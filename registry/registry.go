// Package registry is the durable catalog of items and the dependency
// graph over them. Items are registered once, classified once, and then
// mutated only through tier transitions; they are never deleted mid-run.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/tier"
)

var (
	// ErrUnknownItem is a lookup miss. Always recoverable, caller's fault.
	ErrUnknownItem = errors.New("unknown item")
	// ErrDependencyCycle rejects a registration whose edges would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrDuplicateItem rejects re-registration; items are created once.
	ErrDuplicateItem = errors.New("item already registered")
)

// Item is a catalog record. Exported fields are static after Register.
// Dynamic state is accessed through methods: tier and access counters are
// atomics so the read path never blocks on a move in progress, and moveMu
// serializes promotions/demotions of the same item.
type Item struct {
	ID        string
	Weight    tier.Weight
	Relevance float64
	Coverage  []string
	DependsOn []string

	moveMu    sync.Mutex
	current   atomic.Uint32
	access    atomic.Int64
	lastPhase atomic.Int64
	pinned    atomic.Bool
}

// LockMove serializes tier transitions of this item. The second waiter of
// two concurrent moves re-reads the tier after acquiring and no-ops if the
// first mover already reached the target.
func (i *Item) LockMove()   { i.moveMu.Lock() }
func (i *Item) UnlockMove() { i.moveMu.Unlock() }

// TryLockMove acquires the move lock without waiting. Used when locking a
// second item while one move lock is already held, where waiting could
// deadlock.
func (i *Item) TryLockMove() bool { return i.moveMu.TryLock() }

func (i *Item) CurrentTier() tier.Tier { return tier.Tier(i.current.Load()) }

// SetTier records the new tier. Callers must hold the item's move lock.
func (i *Item) SetTier(t tier.Tier) { i.current.Store(uint32(t)) }

// Touch records an access in the given phase and returns the access count
// within the current phase window.
func (i *Item) Touch(phase int) int64 {
	i.lastPhase.Store(int64(phase))
	return i.access.Add(1)
}

func (i *Item) AccessCount() int64         { return i.access.Load() }
func (i *Item) LastAccessedPhase() int     { return int(i.lastPhase.Load()) }
func (i *Item) SetLastAccessedPhase(p int) { i.lastPhase.Store(int64(p)) }

// ResetWindow zeroes the per-phase access count at a phase boundary.
func (i *Item) ResetWindow() { i.access.Store(0) }

func (i *Item) Pin()         { i.pinned.Store(true) }
func (i *Item) Unpin()       { i.pinned.Store(false) }
func (i *Item) Pinned() bool { return i.pinned.Load() }

// Registry holds all items and the reverse dependency edges.
type Registry struct {
	log log.Logger

	mu         sync.RWMutex
	items      map[string]*Item
	dependents map[string][]string
	order      []string // registration order, for deterministic iteration.
}

func New(l log.Logger) *Registry {
	return &Registry{
		log:        l,
		items:      make(map[string]*Item),
		dependents: make(map[string][]string),
	}
}

// Register adds the item with its dependency edges. Dependencies must be
// registered before dependents; a missing dependency fails with
// ErrUnknownItem and an edge that would close a cycle fails with
// ErrDependencyCycle. Nothing is committed on failure.
func (r *Registry) Register(it *Item, deps []string) error {
	if it.ID == "" {
		return errors.New("empty item id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.items[it.ID]; dup {
		return errors.Wrap(ErrDuplicateItem, it.ID)
	}
	for _, dep := range deps {
		if dep == it.ID {
			return errors.Wrapf(ErrDependencyCycle, "%s depends on itself", it.ID)
		}
		if _, ok := r.items[dep]; !ok {
			return errors.Wrapf(ErrUnknownItem, "dependency %s of %s", dep, it.ID)
		}
	}
	if r.wouldCycle(it.ID, deps) {
		return errors.Wrap(ErrDependencyCycle, it.ID)
	}
	it.DependsOn = append([]string(nil), deps...)
	r.items[it.ID] = it
	r.order = append(r.order, it.ID)
	for _, dep := range deps {
		r.dependents[dep] = append(r.dependents[dep], it.ID)
	}
	r.log.Debugf("Registered item %s with %d dependencies.", it.ID, len(deps))
	return nil
}

// wouldCycle walks existing edges from deps looking for id. With the
// register-dependencies-first ordering a fresh id is unreachable, so this
// is an exact check rather than a special case for self-edges.
func (r *Registry) wouldCycle(id string, deps []string) bool {
	seen := make(map[string]bool, len(deps))
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if it, ok := r.items[cur]; ok {
			stack = append(stack, it.DependsOn...)
		}
	}
	return false
}

// Deregister removes an item whose initial placement failed, before
// anything depends on it. Placed items are never deleted mid-run, so an
// item with dependents cannot be removed.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return errors.Wrap(ErrUnknownItem, id)
	}
	if len(r.dependents[id]) > 0 {
		return errors.Errorf("deregister %s: item has dependents", id)
	}
	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for _, dep := range it.DependsOn {
		back := r.dependents[dep]
		for i, d := range back {
			if d == id {
				r.dependents[dep] = append(back[:i], back[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (r *Registry) Resolve(id string) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownItem, id)
	}
	return it, nil
}

// Dependents returns the IDs of items that depend on id (reverse edges).
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.dependents[id]...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Items returns all items in registration order.
func (r *Registry) Items() []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Item, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, r.items[id])
	}
	return items
}

// ResetWindows zeroes all per-phase access counts at a phase boundary.
func (r *Registry) ResetWindows() {
	for _, it := range r.Items() {
		it.ResetWindow()
	}
}

// EvictionMeta implements tier.MetaSource.
func (r *Registry) EvictionMeta(id string) (relevance float64, lastAccessedPhase int, ok bool) {
	r.mu.RLock()
	it, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return it.Relevance, it.LastAccessedPhase(), true
}

var _ tier.MetaSource = (*Registry)(nil)
