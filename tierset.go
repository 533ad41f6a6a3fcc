// Package tierset is a tiered working-set cache: items live in one of
// three bounded tiers (Hot, Warm, Cold) and move between them by access
// pressure, explicit requests, dependency cascades and bulk phase plans.
// Retrieval is tier-transparent; per-tier latency SLAs are soft telemetry.
// State survives restarts through an append-only manifest journal.
package tierset

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/tierset/engine"
	"github.com/skipor/tierset/internal/tag"
	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/manifest"
	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

// ErrDegraded rejects mutating operations after recovery found a manifest
// occupancy mismatch. Reads still work; Resync clears the condition.
var ErrDegraded = errors.New("degraded mode: manifest occupancy mismatch, resync required")

// ItemSpec describes an item to register. Dependencies must already be
// registered.
type ItemSpec struct {
	ID        string
	Weight    tier.Weight
	Relevance float64
	Coverage  []string
	DependsOn []string
}

// Retrieval is a successful Get: the content ref, the tier it was served
// from and the observed latency.
type Retrieval struct {
	Ref        ContentRef
	ServedFrom tier.Tier
	Latency    time.Duration
}

// Status is a point-in-time report of phase, mode and tier occupancy.
type Status struct {
	Phase    int
	Degraded bool
	Tiers    [tier.NumTiers]tier.Status
}

type asyncPromote struct {
	id     string
	target tier.Tier
}

// System ties the registry, tier stores, move engine and planner together
// behind the retrieval gateway, and journals committed state when a
// manifest is configured.
type System struct {
	log        log.Logger
	conf       Config
	reg        *registry.Registry
	stores     *tier.Set
	classifier *engine.Classifier
	eng        *engine.Engine
	planner    *engine.Planner
	resolver   ContentResolver
	metrics    *systemMetrics
	journal    *manifest.Journal

	phase    atomic.Int64
	degraded atomic.Bool

	promoteCh chan asyncPromote
	done      chan struct{}
	closeOnce sync.Once
}

// New builds an in-memory system. Use Open for a journal-backed one.
func New(l log.Logger, conf Config) *System {
	s := newSystem(l, conf.withDefaults())
	go s.promoteLoop()
	return s
}

// Open builds a journal-backed system, recovering state from an existing
// journal first. An occupancy mismatch between replayed state and the
// configured budgets puts the system into degraded read-only mode; call
// Resync to shed the overflow and re-enable mutation.
func Open(l log.Logger, conf Config) (*System, error) {
	conf = conf.withDefaults()
	if conf.Journal == nil {
		return nil, errors.New("journal config required; use New for in-memory operation")
	}
	s := newSystem(l, conf)
	fresh := true
	if info, err := os.Stat(conf.Journal.Name); err == nil && info.Size() > 0 {
		fresh = false
		st, lerr := manifest.Load(conf.Journal.Name)
		if lerr != nil {
			return nil, lerr
		}
		if rerr := s.restore(st); rerr != nil {
			return nil, rerr
		}
		if verr := manifest.Verify(st, conf.Limits); verr != nil {
			s.degraded.Store(true)
			s.log.Errorf("Recovery: %v. Mutating operations disabled until Resync.", verr)
		}
		s.log.Infof("Recovered %v items at phase %v.", s.reg.Len(), s.Phase())
	} else if err != nil && !os.IsNotExist(err) {
		return nil, stackerr.Wrap(err)
	}
	j, err := manifest.Open(l, s, *conf.Journal)
	if err != nil {
		return nil, err
	}
	s.journal = j
	if fresh {
		s.journalAppend(manifest.NewConfigRecord(conf.configRecord()))
		s.journalAppend(manifest.NewPhaseRecord(0))
	}
	go s.promoteLoop()
	return s, nil
}

func newSystem(l log.Logger, conf Config) *System {
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large performance overhead.")
	}
	resolver := conf.Resolver
	if resolver == nil {
		resolver = idResolver{}
	}
	s := &System{
		log:       l,
		conf:      conf,
		resolver:  resolver,
		metrics:   newSystemMetrics(),
		promoteCh: make(chan asyncPromote, conf.Gateway.AsyncQueue),
		done:      make(chan struct{}),
	}
	s.reg = registry.New(l)
	s.stores = tier.NewSet(conf.Limits, conf.SLAs)
	s.classifier = engine.NewClassifier(conf.Classifier)
	s.eng = engine.New(l, conf.Engine, s.reg, s.stores, func() int { return s.Phase() })
	s.eng.OnCommit(s.onCommit)
	s.planner = engine.NewPlanner(l, conf.Planner, s.reg, s.eng)
	return s
}

func (s *System) Phase() int     { return int(s.phase.Load()) }
func (s *System) Degraded() bool { return s.degraded.Load() }

// RegisterItem registers, classifies and places the item, returning the
// tier it landed in. Placement degrades below the classified target when
// budgets are tight and fails only when even Cold has no room.
func (s *System) RegisterItem(spec ItemSpec) (tier.Tier, error) {
	if s.degraded.Load() {
		return 0, ErrDegraded
	}
	it := &registry.Item{
		ID:        spec.ID,
		Weight:    spec.Weight,
		Relevance: spec.Relevance,
		Coverage:  spec.Coverage,
	}
	if err := s.reg.Register(it, spec.DependsOn); err != nil {
		return 0, err
	}
	target := s.classifier.Classify(it, s.Phase())
	placed, err := s.eng.Place(it, target)
	if err != nil {
		if derr := s.reg.Deregister(spec.ID); derr != nil {
			s.log.Errorf("Rollback of unplaced item %s failed: %v", spec.ID, derr)
		}
		return 0, err
	}
	s.journalAppend(manifest.NewItemRecord(s.itemRecord(it)))
	s.log.Infof("Item %s classified %s, placed in %s.", spec.ID, target, placed)
	return placed, nil
}

// Get retrieves the item's content ref from whatever tier currently holds
// it. The tier never changes the result, only the latency. Crossing the
// tier's access threshold within the current phase window queues an async
// one-level promotion. An SLA breach is recorded and logged, never failed.
func (s *System) Get(id string) (Retrieval, error) {
	start := time.Now()
	it, err := s.reg.Resolve(id)
	if err != nil {
		return Retrieval{}, err
	}
	t := it.CurrentTier()
	ref, err := s.resolver.Resolve(id)
	if err != nil {
		return Retrieval{}, errors.Wrapf(err, "resolve content of %s", id)
	}
	count := it.Touch(s.Phase())
	if target, ok := s.promoteTarget(t, count); ok {
		s.enqueuePromote(id, target)
	}
	elapsed := time.Since(start)
	s.metrics.latency[t].Update(elapsed)
	if sla := s.stores.Store(t).SLA(); sla > 0 && elapsed > sla {
		s.metrics.slaBreaches[t].Inc(1)
		s.log.Warnf("Retrieval of %s from %s took %v, SLA %v.", id, t, elapsed, sla)
	}
	return Retrieval{Ref: ref, ServedFrom: t, Latency: elapsed}, nil
}

func (s *System) promoteTarget(t tier.Tier, count int64) (tier.Tier, bool) {
	if t == tier.Hot {
		return 0, false
	}
	// Fire exactly on the crossing access, not on every access past it.
	if count != s.conf.Gateway.threshold(t) {
		return 0, false
	}
	return t.NextAbove(), true
}

func (s *System) enqueuePromote(id string, target tier.Tier) {
	if s.degraded.Load() {
		return
	}
	select {
	case s.promoteCh <- asyncPromote{id: id, target: target}:
	default:
		s.metrics.droppedAsync.Inc(1)
		s.log.Debugf("Async promotion of %s dropped: queue full.", id)
	}
}

func (s *System) promoteLoop() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.promoteCh:
			dropped, err := s.eng.TryPromote(req.id, req.target, engine.ReasonAccess)
			if dropped {
				s.metrics.droppedAsync.Inc(1)
				continue
			}
			switch {
			case err == nil:
			case tier.IsCapacityExceeded(err):
				s.log.Debugf("Async promotion of %s to %s: no room.", req.id, req.target)
			case engine.IsPartial(err):
				s.log.Warnf("Async promotion of %s: %v", req.id, err)
			default:
				s.log.Warnf("Async promotion of %s to %s failed: %v", req.id, req.target, err)
			}
		}
	}
}

// RequestPromotion moves the item one tier up. The caller's reason tags
// the committed move in logs and the journal; empty records as explicit.
// No-op at Hot.
func (s *System) RequestPromotion(id, reason string) error {
	if s.degraded.Load() {
		return ErrDegraded
	}
	it, err := s.reg.Resolve(id)
	if err != nil {
		return err
	}
	t := it.CurrentTier()
	if t == tier.Hot {
		return nil
	}
	return s.eng.Promote(id, t.NextAbove(), moveReason(reason))
}

// RequestDemotion moves the item one tier down with the caller's reason.
// No-op at Cold.
func (s *System) RequestDemotion(id, reason string) error {
	if s.degraded.Load() {
		return ErrDegraded
	}
	it, err := s.reg.Resolve(id)
	if err != nil {
		return err
	}
	t := it.CurrentTier()
	if t == tier.Cold {
		return nil
	}
	return s.eng.Demote(id, t.NextBelow(), moveReason(reason))
}

func moveReason(reason string) engine.Reason {
	if reason == "" {
		return engine.ReasonExplicit
	}
	return engine.Reason(reason)
}

// PlanPhase computes the rebalance for the phase being entered; window[0]
// holds its requirements, later entries are look-ahead windows.
func (s *System) PlanPhase(window ...engine.PhaseRequirements) engine.Plan {
	return s.planner.PlanPhase(window...)
}

// ApplyPlan executes the plan as one all-or-nothing transaction.
func (s *System) ApplyPlan(ctx context.Context, plan engine.Plan) error {
	if s.degraded.Load() {
		return ErrDegraded
	}
	return s.planner.ApplyPlan(ctx, plan)
}

// AdvancePhase enters the next phase window: per-window access counts
// reset, and the boundary is journaled.
func (s *System) AdvancePhase() (int, error) {
	if s.degraded.Load() {
		return 0, ErrDegraded
	}
	p := int(s.phase.Add(1))
	s.reg.ResetWindows()
	s.journalAppend(manifest.NewPhaseRecord(p))
	s.log.Infof("Phase advanced to %v.", p)
	return p, nil
}

// Pin excludes the item from overflow eviction until Unpin.
func (s *System) Pin(id string) error {
	it, err := s.reg.Resolve(id)
	if err != nil {
		return err
	}
	it.Pin()
	return nil
}

func (s *System) Unpin(id string) error {
	it, err := s.reg.Resolve(id)
	if err != nil {
		return err
	}
	it.Unpin()
	return nil
}

// Locate reports the tier currently holding the item.
func (s *System) Locate(id string) (tier.Tier, error) {
	it, err := s.reg.Resolve(id)
	if err != nil {
		return 0, err
	}
	return it.CurrentTier(), nil
}

func (s *System) QueryStatus() Status {
	return Status{
		Phase:    s.Phase(),
		Degraded: s.degraded.Load(),
		Tiers:    s.stores.Status(),
	}
}

// Resync clears degraded mode by shedding recovered overflow down the
// tiers, then compacts the journal to persist the consistent state.
func (s *System) Resync() error {
	if !s.degraded.Load() {
		return nil
	}
	if err := s.eng.FixOverflows(); err != nil {
		return err
	}
	s.degraded.Store(false)
	s.log.Info("Resync complete; mutating operations re-enabled.")
	if s.journal != nil {
		return s.journal.Compact()
	}
	return nil
}

func (s *System) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.journal != nil {
			err = s.journal.Close()
		}
		s.log.Info("Tierset closed.")
	})
	return err
}

// restore rebuilds registry and stores from recovered manifest state.
// Stores are filled with Restore, which skips the budget gate; Verify
// decides separately whether the result is within budgets.
func (s *System) restore(st *manifest.State) error {
	for _, rec := range st.Items {
		it := &registry.Item{
			ID:        rec.ID,
			Weight:    rec.Weight(),
			Relevance: rec.Relevance,
			Coverage:  rec.Coverage,
		}
		if err := s.reg.Register(it, rec.DependsOn); err != nil {
			return errors.Wrapf(err, "restore %s", rec.ID)
		}
		t := tier.Tier(rec.Tier)
		it.SetTier(t)
		it.SetLastAccessedPhase(rec.LastAccessedPhase)
		s.stores.Store(t).Restore(it.ID, it.Weight.In(t))
	}
	s.phase.Store(int64(st.Phase))
	return nil
}

// onCommit runs for every committed move, under the moved item's lock, so
// journal order matches commit order per item.
func (s *System) onCommit(mv engine.Move) {
	switch {
	case mv.Reason == engine.ReasonEviction:
		s.metrics.evictions.Inc(1)
	case mv.Reason == engine.ReasonRevert:
		s.metrics.reverts.Inc(1)
	case mv.To.Above(mv.From):
		s.metrics.promotions.Inc(1)
	default:
		s.metrics.demotions.Inc(1)
	}
	s.journalAppend(manifest.NewMoveRecord(manifest.MoveRecord{
		ID:     mv.ID,
		From:   uint8(mv.From),
		To:     uint8(mv.To),
		Phase:  s.Phase(),
		Reason: string(mv.Reason),
	}))
}

// journalAppend panics on journal failure: continuing without durability
// would silently diverge persisted state from memory.
func (s *System) journalAppend(rec manifest.Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(rec); err != nil {
		s.log.Panicf("manifest append failed: %v", err)
	}
}

func (s *System) itemRecord(it *registry.Item) manifest.ItemRecord {
	return manifest.ItemRecord{
		ID:                it.ID,
		WeightHot:         it.Weight.Hot,
		WeightWarm:        it.Weight.Warm,
		WeightCold:        it.Weight.Cold,
		Relevance:         it.Relevance,
		Coverage:          it.Coverage,
		DependsOn:         it.DependsOn,
		Tier:              uint8(it.CurrentTier()),
		LastAccessedPhase: it.LastAccessedPhase(),
	}
}

// ManifestState implements manifest.StateSource for compaction.
func (s *System) ManifestState() manifest.State {
	st := manifest.State{Config: s.conf.configRecord(), Phase: s.Phase()}
	for _, it := range s.reg.Items() {
		st.Items = append(st.Items, s.itemRecord(it))
	}
	return st
}

var _ manifest.StateSource = (*System)(nil)
