package engine

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/skipor/tierset/log"
	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

var _ = Describe("engine", func() {
	var (
		l        log.Logger
		reg      *registry.Registry
		stores   *tier.Set
		eng      *Engine
		phase    int
		commitMu sync.Mutex
		commits  []Move
	)
	BeforeEach(func() {
		l = log.NewLogger(log.DebugLevel, GinkgoWriter)
		phase = 0
		commits = nil
	})
	newEngine := func(limits tier.Limits, conf Config) {
		reg = registry.New(l)
		stores = tier.NewSet(limits, tier.SLAs{})
		eng = New(l, conf, reg, stores, func() int { return phase })
		eng.OnCommit(func(mv Move) {
			commitMu.Lock()
			commits = append(commits, mv)
			commitMu.Unlock()
		})
	}
	register := func(id string, weight, relevance float64, at tier.Tier, deps ...string) *registry.Item {
		w := tier.UnitsOf(weight)
		it := &registry.Item{
			ID:        id,
			Weight:    tier.Weight{Hot: w, Warm: w, Cold: w},
			Relevance: relevance,
		}
		ExpectWithOffset(1, reg.Register(it, deps)).To(BeNil())
		ExpectWithOffset(1, stores.Store(at).TryAdd(id, w)).To(BeTrue())
		it.SetTier(at)
		return it
	}
	// locate checks that store membership agrees with the registry record.
	locate := func(id string) tier.Tier {
		it, err := reg.Resolve(id)
		ExpectWithOffset(1, err).To(BeNil())
		t := it.CurrentTier()
		st, ok := stores.Locate(id)
		ExpectWithOffset(1, ok).To(BeTrue())
		ExpectWithOffset(1, st).To(Equal(t))
		return t
	}

	Describe("promote", func() {
		BeforeEach(func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(4), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, Config{})
		})

		It("moves up into free capacity", func() {
			register("a", 3, 1, tier.Cold)
			Expect(eng.Promote("a", tier.Hot, ReasonExplicit)).To(BeNil())
			Expect(locate("a")).To(Equal(tier.Hot))
			Expect(commits).To(Equal([]Move{{ID: "a", From: tier.Cold, To: tier.Hot, Reason: ReasonExplicit}}))
		})

		It("no-ops when the item is already at or above target", func() {
			register("a", 3, 1, tier.Hot)
			Expect(eng.Promote("a", tier.Warm, ReasonExplicit)).To(BeNil())
			Expect(locate("a")).To(Equal(tier.Hot))
			Expect(commits).To(BeEmpty())
		})

		It("demotes the lowest value member to make room", func() {
			phase = 5
			register("old", 3, 0.5, tier.Hot).SetLastAccessedPhase(1)
			register("new", 3, 5, tier.Warm)
			Expect(eng.Promote("new", tier.Hot, ReasonExplicit)).To(BeNil())
			Expect(locate("new")).To(Equal(tier.Hot))
			Expect(locate("old")).To(Equal(tier.Warm))
			Expect(commits).To(Equal([]Move{
				{ID: "old", From: tier.Hot, To: tier.Warm, Reason: ReasonEviction},
				{ID: "new", From: tier.Warm, To: tier.Hot, Reason: ReasonExplicit},
			}))
		})

		It("evicts only the lowest score member among several", func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(10), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, Config{})
			register("a", 4, 9, tier.Hot)
			register("b", 4, 5, tier.Hot)
			register("c", 4, 8, tier.Warm)
			Expect(eng.Promote("c", tier.Hot, ReasonExplicit)).To(BeNil())
			Expect(locate("a")).To(Equal(tier.Hot))
			Expect(locate("b")).To(Equal(tier.Warm))
			Expect(locate("c")).To(Equal(tier.Hot))
		})

		It("fails without touching state when the item can never fit", func() {
			register("big", 5, 1, tier.Cold)
			err := eng.Promote("big", tier.Hot, ReasonExplicit)
			Expect(tier.IsCapacityExceeded(err)).To(BeTrue())
			Expect(locate("big")).To(Equal(tier.Cold))
			Expect(commits).To(BeEmpty())
		})

		It("never evicts pinned members", func() {
			it := register("pinned", 3, 0, tier.Hot)
			it.Pin()
			register("new", 3, 5, tier.Warm)
			err := eng.Promote("new", tier.Hot, ReasonExplicit)
			Expect(tier.IsCapacityExceeded(err)).To(BeTrue())
			Expect(locate("pinned")).To(Equal(tier.Hot))
			Expect(locate("new")).To(Equal(tier.Warm))
		})

		It("commits exactly one move under concurrent duplicate requests", func() {
			register("a", 3, 1, tier.Warm)
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(eng.Promote("a", tier.Hot, ReasonExplicit)).To(BeNil())
				}()
			}
			wg.Wait()
			Expect(locate("a")).To(Equal(tier.Hot))
			Expect(commits).To(HaveLen(1))
		})
	})

	Describe("cascade", func() {
		BeforeEach(func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(4), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, Config{})
		})

		It("pulls direct dependencies up to the cascade minimum", func() {
			register("base", 2, 1, tier.Cold)
			register("parent", 3, 5, tier.Cold, "base")
			Expect(eng.Promote("parent", tier.Hot, ReasonExplicit)).To(BeNil())
			Expect(locate("parent")).To(Equal(tier.Hot))
			Expect(locate("base")).To(Equal(tier.Warm))
		})

		It("leaves dependencies already at the minimum alone", func() {
			register("base", 2, 1, tier.Warm)
			register("parent", 3, 5, tier.Cold, "base")
			Expect(eng.Promote("parent", tier.Hot, ReasonExplicit)).To(BeNil())
			Expect(commits).To(HaveLen(1))
		})

		It("keeps the parent move when a cascade step fails", func() {
			register("huge", 20, 1, tier.Cold)
			register("parent", 3, 5, tier.Cold, "huge")
			err := eng.Promote("parent", tier.Hot, ReasonExplicit)
			Expect(IsPartial(err)).To(BeTrue())
			partial := errors.Cause(err).(*PartialError)
			Expect(partial.Failures).To(HaveLen(1))
			Expect(partial.Failures[0].ID).To(Equal("huge"))
			Expect(locate("parent")).To(Equal(tier.Hot))
			Expect(locate("huge")).To(Equal(tier.Cold))
		})
	})

	Describe("demote", func() {
		BeforeEach(func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(10), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, Config{})
		})

		It("cools one level", func() {
			register("a", 3, 1, tier.Hot)
			Expect(eng.Demote("a", tier.Warm, ReasonExplicit)).To(BeNil())
			Expect(locate("a")).To(Equal(tier.Warm))
		})

		It("refuses to skip levels without an obsolete reason", func() {
			register("a", 3, 1, tier.Hot)
			err := eng.Demote("a", tier.Cold, ReasonExplicit)
			Expect(errors.Cause(err)).To(Equal(ErrInvalidTransition))
			Expect(locate("a")).To(Equal(tier.Hot))
		})

		It("drops obsolete items straight to cold", func() {
			register("a", 3, 1, tier.Hot)
			Expect(eng.Demote("a", tier.Cold, ReasonObsolete)).To(BeNil())
			Expect(locate("a")).To(Equal(tier.Cold))
		})

		It("no-ops at or below target", func() {
			register("a", 3, 1, tier.Cold)
			Expect(eng.Demote("a", tier.Cold, ReasonExplicit)).To(BeNil())
			Expect(commits).To(BeEmpty())
		})
	})

	Describe("place", func() {
		It("degrades below a full target tier", func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(2), Warm: tier.UnitsOf(10), Cold: tier.UnitsOf(100)}, Config{})
			it := &registry.Item{ID: "a", Weight: tier.Weight{Hot: tier.UnitsOf(3), Warm: tier.UnitsOf(3), Cold: tier.UnitsOf(3)}}
			Expect(reg.Register(it, nil)).To(BeNil())
			placed, err := eng.Place(it, tier.Hot)
			Expect(err).To(BeNil())
			Expect(placed).To(Equal(tier.Warm))
			Expect(locate("a")).To(Equal(tier.Warm))
		})

		It("fails only when even cold has no room", func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(1), Warm: tier.UnitsOf(1), Cold: tier.UnitsOf(1)}, Config{})
			it := &registry.Item{ID: "a", Weight: tier.Weight{Hot: tier.UnitsOf(3), Warm: tier.UnitsOf(3), Cold: tier.UnitsOf(3)}}
			Expect(reg.Register(it, nil)).To(BeNil())
			_, err := eng.Place(it, tier.Hot)
			Expect(tier.IsCapacityExceeded(err)).To(BeTrue())
		})
	})

	Describe("fix overflows", func() {
		It("sheds recovered overflow down the tiers until budgets hold", func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(4), Warm: tier.UnitsOf(6), Cold: tier.UnitsOf(100)}, Config{})
			register("keep", 3, 9, tier.Hot)
			for _, id := range []string{"x", "y"} {
				w := tier.UnitsOf(3)
				it := &registry.Item{ID: id, Weight: tier.Weight{Hot: w, Warm: w, Cold: w}}
				Expect(reg.Register(it, nil)).To(BeNil())
				stores.Store(tier.Hot).Restore(id, w)
				it.SetTier(tier.Hot)
			}
			Expect(stores.Store(tier.Hot).Overflowed()).To(BeTrue())
			Expect(eng.FixOverflows()).To(BeNil())
			for _, t := range tier.Tiers() {
				Expect(stores.Store(t).Overflowed()).To(BeFalse())
			}
			Expect(locate("keep")).To(Equal(tier.Hot))
		})

		It("cannot shed a cold overflow", func() {
			newEngine(tier.Limits{Hot: tier.UnitsOf(4), Warm: tier.UnitsOf(6), Cold: tier.UnitsOf(2)}, Config{})
			it := &registry.Item{ID: "a", Weight: tier.Weight{Cold: tier.UnitsOf(3)}}
			Expect(reg.Register(it, nil)).To(BeNil())
			stores.Store(tier.Cold).Restore("a", tier.UnitsOf(3))
			err := eng.FixOverflows()
			Expect(tier.IsCapacityExceeded(err)).To(BeTrue())
		})
	})
})
