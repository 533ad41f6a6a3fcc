package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

// PhaseRequirements is the working set an upcoming phase needs. The
// planner consumes phase semantics, it does not author them: requirement
// sets are supplied by upstream business logic.
type PhaseRequirements struct {
	RequiredHot  []string
	RequiredWarm []string
	// Obsolete marks items allowed to cool straight to Cold instead of one
	// level per phase.
	Obsolete []string
}

// Plan is a computed move list. Applying it twice is idempotent: already
// satisfied moves are no-ops.
type Plan struct {
	Moves []Move
}

func (p Plan) Empty() bool { return len(p.Moves) == 0 }

type PlannerConfig struct {
	// LookAhead is how many upcoming phase windows keep an unrequired Hot
	// item from cooling.
	LookAhead int
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.LookAhead == 0 {
		c.LookAhead = 1
	}
	return c
}

// Planner computes and applies bulk rebalances at phase boundaries.
type Planner struct {
	log  log.Logger
	conf PlannerConfig
	reg  *registry.Registry
	eng  *Engine
}

func NewPlanner(l log.Logger, conf PlannerConfig, reg *registry.Registry, eng *Engine) *Planner {
	return &Planner{
		log:  l,
		conf: conf.withDefaults(),
		reg:  reg,
		eng:  eng,
	}
}

// PlanPhase computes the rebalance for the phase being entered. window[0]
// holds its requirements; later entries are look-ahead windows that defer
// cooling. Demotions are planned before promotions so their freed budget
// is available; within each group order is deterministic (registration
// order for demotions, requirement order for promotions).
func (p *Planner) PlanPhase(window ...PhaseRequirements) Plan {
	if len(window) == 0 {
		return Plan{}
	}
	cur := window[0]
	ahead := window[1:]
	if len(ahead) > p.conf.LookAhead {
		ahead = ahead[:p.conf.LookAhead]
	}

	hotSet := toSet(cur.RequiredHot)
	warmSet := toSet(cur.RequiredWarm)
	obsolete := toSet(cur.Obsolete)
	future := make(map[string]bool)
	for _, w := range ahead {
		for _, id := range w.RequiredHot {
			future[id] = true
		}
		for _, id := range w.RequiredWarm {
			future[id] = true
		}
	}

	var demotions, promotions []Move
	for _, it := range p.reg.Items() {
		id := it.ID
		t := it.CurrentTier()
		switch {
		case obsolete[id] && t != tier.Cold:
			demotions = append(demotions, Move{ID: id, From: t, To: tier.Cold, Reason: ReasonObsolete})
		case t == tier.Hot && !hotSet[id]:
			// Required warm cools to Warm now; unneeded cools one level
			// unless a look-ahead window still wants it.
			if warmSet[id] || !future[id] {
				demotions = append(demotions, Move{ID: id, From: t, To: tier.Warm, Reason: ReasonPlan})
			}
		case t == tier.Warm && !hotSet[id] && !warmSet[id] && !future[id]:
			demotions = append(demotions, Move{ID: id, From: t, To: tier.Cold, Reason: ReasonPlan})
		}
	}

	seen := make(map[string]bool)
	for _, id := range cur.RequiredHot {
		if seen[id] {
			continue
		}
		seen[id] = true
		it, err := p.reg.Resolve(id)
		if err != nil {
			p.log.Warnf("PlanPhase: required hot item %s is not registered.", id)
			continue
		}
		if t := it.CurrentTier(); t != tier.Hot {
			promotions = append(promotions, Move{ID: id, From: t, To: tier.Hot, Reason: ReasonPlan})
		}
	}
	for _, id := range cur.RequiredWarm {
		if seen[id] {
			continue
		}
		seen[id] = true
		it, err := p.reg.Resolve(id)
		if err != nil {
			p.log.Warnf("PlanPhase: required warm item %s is not registered.", id)
			continue
		}
		if t := it.CurrentTier(); t.Below(tier.Warm) {
			promotions = append(promotions, Move{ID: id, From: t, To: tier.Warm, Reason: ReasonPlan})
		}
	}
	return Plan{Moves: append(demotions, promotions...)}
}

// ApplyPlan executes the move list as one staged transaction under the
// exclusive rebalance lock. CapacityExceeded or cancellation aborts the
// whole application: every sub-move committed within this call, evictions
// and cascades included, is reverted in reverse order, leaving tier state
// identical to pre-plan. Cascade partial failures are warnings and do not
// abort. An empty plan succeeds trivially.
func (p *Planner) ApplyPlan(ctx context.Context, plan Plan) error {
	if plan.Empty() {
		return nil
	}
	e := p.eng
	e.rebalance.Lock()
	defer e.rebalance.Unlock()
	var undo []Move
	for _, mv := range plan.Moves {
		if cerr := ctx.Err(); cerr != nil {
			e.revert(undo)
			return errors.Wrap(cerr, "plan application cancelled")
		}
		applied, err := e.applyPlanned(mv, newOp())
		undo = append(undo, applied...)
		if err == nil {
			continue
		}
		if IsPartial(err) {
			p.log.Warnf("ApplyPlan: %v", err)
			continue
		}
		e.revert(undo)
		return errors.Wrapf(err, "plan aborted at %s %s->%s", mv.ID, mv.From, mv.To)
	}
	return nil
}

// applyPlanned replays one planned move against the current state. State
// may have drifted since planning, so the planned direction decides the
// handling: a promotion entry no-ops once the item is at or above its
// target, a demotion entry no-ops at or below it, and a cooling demotion
// whose item warmed up in the meantime drops one level from the current
// tier instead of skipping levels.
func (e *Engine) applyPlanned(mv Move, o *op) ([]Move, error) {
	it, err := e.reg.Resolve(mv.ID)
	if err != nil {
		return nil, err
	}
	cur := it.CurrentTier()
	if mv.To.Above(mv.From) {
		if !mv.To.Above(cur) {
			return nil, nil
		}
		return e.promote(mv.ID, mv.To, mv.Reason, o)
	}
	if !mv.To.Below(cur) {
		return nil, nil
	}
	target := mv.To
	if mv.Reason == ReasonPlan && cur-target > 1 {
		target = cur.NextBelow()
	}
	return e.demote(mv.ID, target, mv.Reason, o)
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
