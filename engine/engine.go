// Package engine moves items between tiers: single promotions and
// demotions with dependency cascades, and bulk phase rebalancing through
// the planner. All cross-tier moves in the system go through it.
package engine

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

// Reason tags why a move happened. It travels into the journal and logs.
type Reason string

const (
	ReasonExplicit Reason = "explicit"
	ReasonAccess   Reason = "access-threshold"
	ReasonCascaded Reason = "cascaded"
	ReasonPlan     Reason = "plan"
	ReasonEviction Reason = "eviction"
	ReasonObsolete Reason = "obsolete"
	ReasonRevert   Reason = "revert"
	ReasonResync   Reason = "resync"
)

// Config holds the engine policy knobs. All thresholds are configuration,
// not constants.
type Config struct {
	// DecayFactor scales staleness in the LRU-V eviction score.
	DecayFactor float64
	// CascadeMinimum maps a tier to the minimum tier the direct
	// dependencies of an item in that tier must hold.
	CascadeMinimum map[tier.Tier]tier.Tier
	// RetryLimit bounds internal retries when concurrent movers race for
	// the same freed room, before surfacing CapacityExceeded.
	RetryLimit int
}

func (c Config) withDefaults() Config {
	if c.DecayFactor == 0 {
		c.DecayFactor = 0.25
	}
	if c.CascadeMinimum == nil {
		c.CascadeMinimum = map[tier.Tier]tier.Tier{tier.Hot: tier.Warm}
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
	return c
}

// Move is one committed tier transition.
type Move struct {
	ID     string
	From   tier.Tier
	To     tier.Tier
	Reason Reason
}

type Engine struct {
	log      log.Logger
	conf     Config
	reg      *registry.Registry
	stores   *tier.Set
	overflow *tier.Overflow
	phase    func() int
	onCommit func(Move)

	// rebalance is the global rebalancing lock: ad hoc moves share the
	// read side, plan application holds the write side, so no
	// trigger-driven move interleaves with a bulk phase transition.
	// The retrieval path never takes it.
	rebalance sync.RWMutex
}

func New(l log.Logger, conf Config, reg *registry.Registry, stores *tier.Set, phase func() int) *Engine {
	conf = conf.withDefaults()
	return &Engine{
		log:      l,
		conf:     conf,
		reg:      reg,
		stores:   stores,
		overflow: tier.NewOverflow(l, reg, conf.DecayFactor),
		phase:    phase,
	}
}

// OnCommit registers a hook called for every committed move, in commit
// order for any given item. Set it before the engine starts serving.
func (e *Engine) OnCommit(fn func(Move)) { e.onCommit = fn }

// Promote moves the item up to target. No-op if the item is already at or
// above target rank. All-or-nothing per item move; cascade failures after
// the committed move surface as a *PartialError warning.
func (e *Engine) Promote(id string, target tier.Tier, reason Reason) error {
	e.rebalance.RLock()
	defer e.rebalance.RUnlock()
	_, err := e.promote(id, target, reason, newOp())
	return err
}

// TryPromote is the best-effort entry for access-triggered promotions.
// It gives up instead of waiting when a bulk rebalance holds the lock;
// a missed promotion only costs cache warmth, not correctness.
func (e *Engine) TryPromote(id string, target tier.Tier, reason Reason) (dropped bool, err error) {
	if !e.rebalance.TryRLock() {
		return true, nil
	}
	defer e.rebalance.RUnlock()
	_, err = e.promote(id, target, reason, newOp())
	return false, err
}

// Demote moves the item down to target. No-op if already at or below.
// Cooling drops one level per phase; skipping levels needs an obsolete
// (or internal revert/resync) reason.
func (e *Engine) Demote(id string, target tier.Tier, reason Reason) error {
	e.rebalance.RLock()
	defer e.rebalance.RUnlock()
	_, err := e.demote(id, target, reason, newOp())
	return err
}

// Place performs initial placement after classification, degrading to the
// next lower tier when the target lacks budget. Classification never
// fails; placement fails with CapacityExceeded only when even Cold is
// full.
func (e *Engine) Place(it *registry.Item, target tier.Tier) (tier.Tier, error) {
	e.rebalance.RLock()
	defer e.rebalance.RUnlock()
	it.LockMove()
	defer it.UnlockMove()
	for t := target; ; t = t.NextBelow() {
		if e.stores.Store(t).TryAdd(it.ID, it.Weight.In(t)) {
			it.SetTier(t)
			it.SetLastAccessedPhase(e.phase())
			if t != target {
				e.log.Debugf("Placement of %s degraded %s -> %s.", it.ID, target, t)
			}
			return t, nil
		}
		if t == tier.Cold {
			return 0, errors.Wrapf(tier.ErrCapacityExceeded, "place %s: no tier has room", it.ID)
		}
	}
}

// FixOverflows restores the budget invariant after recovery loaded more
// into a tier than its budget holds. Over-budget tiers shed their
// lowest-value members one level down, hottest tier first. A Cold
// overflow has nowhere to shed and fails; items are never deleted.
func (e *Engine) FixOverflows() error {
	e.rebalance.Lock()
	defer e.rebalance.Unlock()
	if e.stores.Store(tier.Cold).Overflowed() {
		return errors.Wrap(tier.ErrCapacityExceeded, "resync: cold occupancy exceeds budget")
	}
	for _, t := range []tier.Tier{tier.Hot, tier.Warm} {
		s := e.stores.Store(t)
		for s.Overflowed() {
			o := newOp()
			victims, err := e.overflow.MakeRoom(s, 0, e.phase(), e.pinnedFn(o))
			if err != nil {
				return errors.Wrapf(err, "resync %s", t)
			}
			for _, v := range victims {
				if _, err := e.evict(v.ID, t, o); err != nil {
					return errors.Wrapf(err, "resync %s: shed %s", t, v.ID)
				}
			}
		}
	}
	return nil
}

// op tracks one logical engine operation. The moving item and its cascade
// targets are pinned for the operation's duration, so a cascade never
// evicts another cascade target of the same operation.
type op struct {
	pinnedIDs map[string]bool
}

func newOp() *op { return &op{pinnedIDs: make(map[string]bool)} }

func (o *op) pin(id string) { o.pinnedIDs[id] = true }

func (e *Engine) pinnedFn(o *op) func(string) bool {
	return func(id string) bool {
		if o.pinnedIDs[id] {
			return true
		}
		it, err := e.reg.Resolve(id)
		return err == nil && it.Pinned()
	}
}

func (e *Engine) promote(id string, target tier.Tier, reason Reason, o *op) (applied []Move, err error) {
	it, err := e.reg.Resolve(id)
	if err != nil {
		return nil, err
	}
	o.pin(id)
	it.LockMove()
	cur := it.CurrentTier()
	if !target.Above(cur) {
		// De-duplicated promotion: a concurrent mover already got here.
		it.UnlockMove()
		e.log.Debugf("Promote %s to %s: already %s, no-op.", id, target, cur)
		return nil, nil
	}
	applied, err = e.relocate(it, cur, target, reason, o)
	it.UnlockMove()
	if err != nil {
		return nil, err
	}

	// Cascade: direct dependencies of an item in target must hold at least
	// the configured minimum tier. Each cascade step is independently
	// atomic; a failed step does not roll back the committed parent move.
	min, ok := e.conf.CascadeMinimum[target]
	if !ok {
		return applied, nil
	}
	var failures []CascadeFailure
	for _, depID := range it.DependsOn {
		dep, rerr := e.reg.Resolve(depID)
		if rerr != nil {
			continue // Registration guarantees deps exist.
		}
		if !dep.CurrentTier().Below(min) {
			continue
		}
		sub, serr := e.promote(depID, min, ReasonCascaded, o)
		applied = append(applied, sub...)
		if serr != nil && !IsPartial(serr) {
			e.log.Warnf("Cascade promote %s to %s failed: %v", depID, min, serr)
			failures = append(failures, CascadeFailure{ID: depID, Err: serr})
		}
	}
	if len(failures) > 0 {
		return applied, &PartialError{ID: id, Failures: failures}
	}
	return applied, nil
}

func (e *Engine) demote(id string, target tier.Tier, reason Reason, o *op) (applied []Move, err error) {
	it, err := e.reg.Resolve(id)
	if err != nil {
		return nil, err
	}
	o.pin(id)
	it.LockMove()
	defer it.UnlockMove()
	cur := it.CurrentTier()
	if !target.Below(cur) {
		e.log.Debugf("Demote %s to %s: already %s, no-op.", id, target, cur)
		return nil, nil
	}
	if cur-target > 1 && !skipAllowed(reason) {
		return nil, errors.Wrapf(ErrInvalidTransition,
			"demote %s %s->%s: cooling drops one level per phase", id, cur, target)
	}
	return e.relocate(it, cur, target, reason, o)
}

func skipAllowed(r Reason) bool {
	return r == ReasonObsolete || r == ReasonRevert || r == ReasonResync
}

// relocate stages a single item move so the budget invariant holds at
// every committed step: room is made in the target (each eviction is
// itself a committed one-level demotion), then the item is added to the
// target, removed from the source and its tier record updated. On failure
// every eviction committed by this call is reverted and no state change
// remains. Caller must hold the item's move lock.
func (e *Engine) relocate(it *registry.Item, from, to tier.Tier, reason Reason, o *op) (applied []Move, err error) {
	needed := it.Weight.In(to)
	dst := e.stores.Store(to)
	for attempt := 0; ; attempt++ {
		victims, verr := e.overflow.MakeRoom(dst, needed, e.phase(), e.pinnedFn(o))
		if verr != nil {
			e.revert(applied)
			return nil, verr
		}
		evictionsOK := true
		for _, v := range victims {
			sub, serr := e.evict(v.ID, to, o)
			applied = append(applied, sub...)
			if serr != nil {
				evictionsOK = false
				break
			}
		}
		if evictionsOK && dst.TryAdd(it.ID, needed) {
			if from != to {
				e.stores.Store(from).Remove(it.ID)
			}
			it.SetTier(to)
			it.SetLastAccessedPhase(e.phase())
			mv := Move{ID: it.ID, From: from, To: to, Reason: reason}
			e.commit(mv)
			return append(applied, mv), nil
		}
		// A victim move failed, or a concurrent mover consumed the room we
		// made. Bounded internal retry before surfacing CapacityExceeded.
		if attempt >= e.conf.RetryLimit {
			e.revert(applied)
			return nil, errors.Wrapf(tier.ErrCapacityExceeded,
				"relocate %s to %s: retries exhausted", it.ID, to)
		}
	}
}

// evict demotes an overflow victim one tier down. Victim locks are taken
// with TryLock: a contended victim is already being moved, and waiting for
// it while holding other move locks could deadlock.
func (e *Engine) evict(id string, from tier.Tier, o *op) (applied []Move, err error) {
	it, err := e.reg.Resolve(id)
	if err != nil {
		return nil, err
	}
	if !it.TryLockMove() {
		return nil, errors.Wrapf(tier.ErrCapacityExceeded, "evict %s: concurrent move in progress", id)
	}
	defer it.UnlockMove()
	cur := it.CurrentTier()
	if cur != from {
		// The victim moved between selection and lock; room may exist now.
		return nil, nil
	}
	if from == tier.Cold {
		// Items are never deleted mid-run, so nothing leaves Cold.
		return nil, errors.Wrapf(tier.ErrCapacityExceeded, "evict %s: cold is the bottom tier", id)
	}
	return e.relocate(it, from, from.NextBelow(), ReasonEviction, o)
}

// revert undoes committed sub-moves in reverse order. Under the exclusive
// rebalance lock an inverse move always fits, because it re-adds exactly
// what the forward move removed. Under the shared lock a concurrent mover
// may have taken the space or hold the item's lock; the item is then left
// in the colder tier, which is a legal state — only warmth is lost.
func (e *Engine) revert(applied []Move) {
	for i := len(applied) - 1; i >= 0; i-- {
		mv := applied[i]
		it, err := e.reg.Resolve(mv.ID)
		if err != nil {
			e.log.Errorf("Revert %s: %v", mv.ID, err)
			continue
		}
		if !it.TryLockMove() {
			e.log.Warnf("Revert %s: concurrent move holds the lock, leaving in %s.", mv.ID, mv.To)
			continue
		}
		e.revertLocked(it, mv)
		it.UnlockMove()
	}
}

func (e *Engine) revertLocked(it *registry.Item, mv Move) {
	if it.CurrentTier() != mv.To {
		e.log.Warnf("Revert %s: tier changed since move, skipping.", mv.ID)
		return
	}
	if !e.stores.Store(mv.From).TryAdd(it.ID, it.Weight.In(mv.From)) {
		e.log.Errorf("Revert %s %s->%s: no room, leaving in %s.", mv.ID, mv.To, mv.From, mv.To)
		return
	}
	e.stores.Store(mv.To).Remove(it.ID)
	it.SetTier(mv.From)
	e.commit(Move{ID: mv.ID, From: mv.To, To: mv.From, Reason: ReasonRevert})
}

func (e *Engine) commit(mv Move) {
	if e.onCommit != nil {
		e.onCommit(mv)
	}
	e.log.Debugf("Move committed: %s %s->%s (%s).", mv.ID, mv.From, mv.To, mv.Reason)
}
