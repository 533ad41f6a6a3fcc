package engine

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

var _ = Describe("planner", func() {
	var (
		l       log.Logger
		reg     *registry.Registry
		stores  *tier.Set
		eng     *Engine
		planner *Planner
		phase   int
	)
	setup := func(limits tier.Limits, conf PlannerConfig) {
		l = log.NewLogger(log.DebugLevel, GinkgoWriter)
		reg = registry.New(l)
		stores = tier.NewSet(limits, tier.SLAs{})
		eng = New(l, Config{}, reg, stores, func() int { return phase })
		planner = NewPlanner(l, conf, reg, eng)
	}
	register := func(id string, weight float64, at tier.Tier) *registry.Item {
		w := tier.UnitsOf(weight)
		it := &registry.Item{ID: id, Weight: tier.Weight{Hot: w, Warm: w, Cold: w}, Relevance: 1}
		ExpectWithOffset(1, reg.Register(it, nil)).To(BeNil())
		ExpectWithOffset(1, stores.Store(at).TryAdd(id, w)).To(BeTrue())
		it.SetTier(at)
		return it
	}
	locate := func(id string) tier.Tier {
		it, err := reg.Resolve(id)
		ExpectWithOffset(1, err).To(BeNil())
		return it.CurrentTier()
	}
	snapshot := func() map[string]tier.Tier {
		tiers := map[string]tier.Tier{}
		for _, it := range reg.Items() {
			tiers[it.ID] = it.CurrentTier()
		}
		return tiers
	}

	Describe("plan computation", func() {
		BeforeEach(func() {
			setup(tier.Limits{Hot: tier.UnitsOf(10), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, PlannerConfig{})
		})

		It("returns an empty plan for an empty window", func() {
			Expect(planner.PlanPhase().Empty()).To(BeTrue())
		})

		It("orders demotions before promotions", func() {
			register("stale", 2, tier.Hot)
			register("next", 2, tier.Cold)
			plan := planner.PlanPhase(PhaseRequirements{RequiredHot: []string{"next"}})
			Expect(plan.Moves).To(Equal([]Move{
				{ID: "stale", From: tier.Hot, To: tier.Warm, Reason: ReasonPlan},
				{ID: "next", From: tier.Cold, To: tier.Hot, Reason: ReasonPlan},
			}))
		})

		It("drops obsolete items straight to cold", func() {
			register("done", 2, tier.Hot)
			plan := planner.PlanPhase(PhaseRequirements{Obsolete: []string{"done"}})
			Expect(plan.Moves).To(Equal([]Move{
				{ID: "done", From: tier.Hot, To: tier.Cold, Reason: ReasonObsolete},
			}))
		})

		It("keeps hot items a look-ahead window still needs", func() {
			register("soon", 2, tier.Hot)
			plan := planner.PlanPhase(
				PhaseRequirements{},
				PhaseRequirements{RequiredHot: []string{"soon"}},
			)
			Expect(plan.Empty()).To(BeTrue())
		})

		It("plans required-warm items from either direction", func() {
			register("down", 2, tier.Hot)
			register("up", 2, tier.Cold)
			plan := planner.PlanPhase(PhaseRequirements{RequiredWarm: []string{"down", "up"}})
			Expect(plan.Moves).To(Equal([]Move{
				{ID: "down", From: tier.Hot, To: tier.Warm, Reason: ReasonPlan},
				{ID: "up", From: tier.Cold, To: tier.Warm, Reason: ReasonPlan},
			}))
		})

		It("skips unknown required items with a warning", func() {
			plan := planner.PlanPhase(PhaseRequirements{RequiredHot: []string{"ghost"}})
			Expect(plan.Empty()).To(BeTrue())
		})
	})

	Describe("plan application", func() {
		BeforeEach(func() {
			setup(tier.Limits{Hot: tier.UnitsOf(4), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, PlannerConfig{})
		})

		It("applies the whole plan", func() {
			register("stale", 3, tier.Hot)
			register("next", 3, tier.Cold)
			plan := planner.PlanPhase(PhaseRequirements{RequiredHot: []string{"next"}})
			Expect(planner.ApplyPlan(context.Background(), plan)).To(BeNil())
			Expect(locate("stale")).To(Equal(tier.Warm))
			Expect(locate("next")).To(Equal(tier.Hot))
		})

		It("is idempotent: re-applying a satisfied plan changes nothing", func() {
			register("next", 3, tier.Cold)
			plan := planner.PlanPhase(PhaseRequirements{RequiredHot: []string{"next"}})
			Expect(planner.ApplyPlan(context.Background(), plan)).To(BeNil())
			before := snapshot()
			Expect(planner.ApplyPlan(context.Background(), plan)).To(BeNil())
			Expect(snapshot()).To(Equal(before))
		})

		It("rolls the whole plan back when a move cannot fit", func() {
			register("stale", 3, tier.Hot)
			register("huge", 5, tier.Cold) // Never fits Hot budget 4.
			before := snapshot()
			plan := Plan{Moves: []Move{
				{ID: "stale", From: tier.Hot, To: tier.Warm, Reason: ReasonPlan},
				{ID: "huge", From: tier.Cold, To: tier.Hot, Reason: ReasonPlan},
			}}
			err := planner.ApplyPlan(context.Background(), plan)
			Expect(err).NotTo(BeNil())
			Expect(tier.IsCapacityExceeded(err)).To(BeTrue())
			Expect(snapshot()).To(Equal(before))
			Expect(stores.Store(tier.Hot).OccupiedUnits()).To(Equal(tier.UnitsOf(3)))
		})

		It("aborts and rolls back on cancellation", func() {
			register("stale", 3, tier.Hot)
			before := snapshot()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			plan := planner.PlanPhase(PhaseRequirements{})
			Expect(plan.Empty()).To(BeFalse())
			Expect(planner.ApplyPlan(ctx, plan)).NotTo(BeNil())
			Expect(snapshot()).To(Equal(before))
		})

		It("clamps a planned cooling that drifted to one level", func() {
			it := register("drift", 3, tier.Warm)
			plan := planner.PlanPhase(PhaseRequirements{})
			Expect(plan.Moves).To(Equal([]Move{
				{ID: "drift", From: tier.Warm, To: tier.Cold, Reason: ReasonPlan},
			}))
			// The item warms up between planning and application.
			Expect(eng.Promote("drift", tier.Hot, ReasonExplicit)).To(BeNil())
			Expect(planner.ApplyPlan(context.Background(), plan)).To(BeNil())
			Expect(it.CurrentTier()).To(Equal(tier.Warm))
		})

		It("never promotes an item that cooled past its planned demotion target", func() {
			it := register("sink", 3, tier.Hot)
			plan := planner.PlanPhase(PhaseRequirements{})
			Expect(plan.Moves).To(Equal([]Move{
				{ID: "sink", From: tier.Hot, To: tier.Warm, Reason: ReasonPlan},
			}))
			// The item drops all the way to cold between planning and
			// application; the stale cooling entry must not warm it back up.
			Expect(eng.Demote("sink", tier.Cold, ReasonObsolete)).To(BeNil())
			Expect(planner.ApplyPlan(context.Background(), plan)).To(BeNil())
			Expect(it.CurrentTier()).To(Equal(tier.Cold))
		})

		It("treats an empty plan as success", func() {
			Expect(planner.ApplyPlan(context.Background(), Plan{})).To(BeNil())
		})
	})
})
