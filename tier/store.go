package tier

import (
	"sync"
	"time"
)

// Store is one bounded tier container. It accounts occupancy in Units and
// rejects additions that would exceed the budget; it never evicts on its own.
//
// Invariants between completed operations:
// * occupied equals the sum of member costs.
// * occupied <= budget.
type Store struct {
	name   Tier
	budget Units
	sla    time.Duration

	mu       sync.RWMutex
	occupied Units
	members  map[string]member
	seq      uint64 // monotonic insertion counter, breaks eviction ties.
}

type member struct {
	cost Units
	seq  uint64
}

// Member is a read-only view of a store member used for eviction scoring.
type Member struct {
	ID   string
	Cost Units
	Seq  uint64
}

func NewStore(name Tier, budget Units, sla time.Duration) *Store {
	return &Store{
		name:    name,
		budget:  budget,
		sla:     sla,
		members: make(map[string]member),
	}
}

func (s *Store) Name() Tier         { return s.name }
func (s *Store) Budget() Units      { return s.budget }
func (s *Store) SLA() time.Duration { return s.sla }

// TryAdd adds the item charging cost units. ok is false if the addition
// would exceed the budget; the caller must make room first.
func (s *Store) TryAdd(id string, cost Units) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkInvariants()
	if _, dup := s.members[id]; dup {
		return false
	}
	if s.occupied+cost > s.budget {
		return false
	}
	s.seq++
	s.members[id] = member{cost: cost, seq: s.seq}
	s.occupied += cost
	return true
}

// Restore adds the item bypassing the budget check. Recovery only: the
// caller is responsible for fixing any resulting overflow before serving
// mutating operations.
func (s *Store) Restore(id string, cost Units) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.members[id]; dup {
		return
	}
	s.seq++
	s.members[id] = member{cost: cost, seq: s.seq}
	s.occupied += cost
}

// Remove removes the item and returns the units it was charged.
func (s *Store) Remove(id string) (cost Units, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkInvariants()
	m, ok := s.members[id]
	if !ok {
		return 0, false
	}
	delete(s.members, id)
	s.occupied -= m.cost
	return m.cost, true
}

func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[id]
	return ok
}

func (s *Store) OccupiedUnits() Units {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.occupied
}

func (s *Store) Free() Units {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budget - s.occupied
}

// Overflowed reports occupancy above budget. Only possible after Restore.
func (s *Store) Overflowed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.occupied > s.budget
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Members returns an unordered snapshot of current members.
func (s *Store) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms := make([]Member, 0, len(s.members))
	for id, m := range s.members {
		ms = append(ms, Member{ID: id, Cost: m.cost, Seq: m.seq})
	}
	return ms
}

// Set groups the three tier stores.
type Set struct {
	stores [NumTiers]*Store
}

// Limits are the per-tier budget caps.
type Limits struct {
	Hot  Units
	Warm Units
	Cold Units
}

func (l Limits) In(t Tier) Units {
	switch t {
	case Hot:
		return l.Hot
	case Warm:
		return l.Warm
	}
	return l.Cold
}

// SLAs are the per-tier retrieval latency targets.
type SLAs struct {
	Hot  time.Duration
	Warm time.Duration
	Cold time.Duration
}

func (s SLAs) In(t Tier) time.Duration {
	switch t {
	case Hot:
		return s.Hot
	case Warm:
		return s.Warm
	}
	return s.Cold
}

func NewSet(limits Limits, slas SLAs) *Set {
	set := &Set{}
	for _, t := range Tiers() {
		set.stores[t] = NewStore(t, limits.In(t), slas.In(t))
	}
	return set
}

func (s *Set) Store(t Tier) *Store { return s.stores[t] }

// Locate returns the store containing id, if any. Used by debug checks and
// recovery; the authoritative tier of an item is its registry record.
func (s *Set) Locate(id string) (Tier, bool) {
	for _, t := range Tiers() {
		if s.stores[t].Contains(id) {
			return t, true
		}
	}
	return 0, false
}

// Status is a per-tier occupancy report.
type Status struct {
	Tier          Tier
	OccupiedUnits Units
	BudgetUnits   Units
	ItemCount     int
}

func (s *Set) Status() [NumTiers]Status {
	var st [NumTiers]Status
	for _, t := range Tiers() {
		store := s.stores[t]
		st[t] = Status{
			Tier:          t,
			OccupiedUnits: store.OccupiedUnits(),
			BudgetUnits:   store.Budget(),
			ItemCount:     store.Len(),
		}
	}
	return st
}
