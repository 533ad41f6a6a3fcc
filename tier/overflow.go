package tier

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/skipor/tierset/log"
)

// MetaSource provides the item signals LRU-V scoring needs.
// Implemented by the registry.
type MetaSource interface {
	EvictionMeta(id string) (relevance float64, lastAccessedPhase int, ok bool)
}

// Overflow chooses which members of a full tier to evict.
//
// Policy is "LRU-V": least recently used adjusted by value.
// evictionScore = relevance - staleness*decayFactor, staleness measured in
// phases since last access. The lowest score goes first; ties break by
// oldest lastAccessedPhase, then by insertion order, so selection is
// deterministic.
type Overflow struct {
	meta  MetaSource
	decay float64
	log   log.Logger
}

func NewOverflow(l log.Logger, meta MetaSource, decayFactor float64) *Overflow {
	return &Overflow{
		meta:  meta,
		decay: decayFactor,
		log:   l,
	}
}

// Victim is a member selected for eviction. Cost is the units freed in the
// tier it is selected from.
type Victim struct {
	ID   string
	Cost Units
}

// MakeRoom selects members of s to evict so that needed units fit.
// Pinned members are never selected. MakeRoom only chooses; the engine
// commits the evictions one staged step at a time so the budget invariant
// holds at every committed step.
//
// Fails with ErrCapacityExceeded when no selection can free enough room.
func (o *Overflow) MakeRoom(s *Store, needed Units, phase int, pinned func(id string) bool) ([]Victim, error) {
	if needed > s.Budget() {
		return nil, errors.Wrapf(ErrCapacityExceeded, "%v units never fit in %s budget %v", needed, s.Name(), s.Budget())
	}
	toFree := needed - s.Free()
	if toFree <= 0 {
		return nil, nil
	}

	candidates := s.Members()
	scored := make([]scoredMember, 0, len(candidates))
	for _, m := range candidates {
		if pinned != nil && pinned(m.ID) {
			continue
		}
		relevance, lastPhase, ok := o.meta.EvictionMeta(m.ID)
		if !ok {
			// Store member missing from the registry is a bug, not a policy case.
			o.log.Panicf("store %s member %s has no registry record", s.Name(), m.ID)
		}
		staleness := float64(phase - lastPhase)
		scored = append(scored, scoredMember{
			Member:    m,
			score:     relevance - staleness*o.decay,
			lastPhase: lastPhase,
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.lastPhase != b.lastPhase {
			return a.lastPhase < b.lastPhase
		}
		return a.Seq < b.Seq
	})

	var victims []Victim
	var freed Units
	for _, m := range scored {
		if freed >= toFree {
			break
		}
		victims = append(victims, Victim{ID: m.ID, Cost: m.Cost})
		freed += m.Cost
	}
	if freed < toFree {
		return nil, errors.Wrapf(ErrCapacityExceeded,
			"%s: need %v units, evictable members free only %v", s.Name(), toFree, freed)
	}
	o.log.Debugf("Overflow on %s: evicting %d members to free %v units.", s.Name(), len(victims), freed)
	return victims, nil
}

type scoredMember struct {
	Member
	score     float64
	lastPhase int
}
