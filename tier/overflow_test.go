package tier

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/tierset/log"
)

type metaStub map[string]metaEntry

type metaEntry struct {
	relevance float64
	lastPhase int
}

func (m metaStub) EvictionMeta(id string) (float64, int, bool) {
	e, ok := m[id]
	return e.relevance, e.lastPhase, ok
}

var _ = Describe("overflow", func() {
	const phase = 10
	var (
		s    *Store
		meta metaStub
		o    *Overflow
	)
	BeforeEach(func() {
		s = NewStore(Warm, UnitsOf(10), 0)
		meta = metaStub{}
		o = NewOverflow(log.NewLogger(log.DebugLevel, GinkgoWriter), meta, 0.5)
	})
	add := func(id string, cost Units, relevance float64, lastPhase int) {
		ExpectWithOffset(1, s.TryAdd(id, cost)).To(BeTrue())
		meta[id] = metaEntry{relevance: relevance, lastPhase: lastPhase}
	}
	victimIDs := func(vs []Victim) []string {
		ids := make([]string, len(vs))
		for i, v := range vs {
			ids[i] = v.ID
		}
		return ids
	}

	It("selects nothing when the need already fits", func() {
		add("a", UnitsOf(4), 1, phase)
		Expect(o.MakeRoom(s, UnitsOf(6), phase, nil)).To(BeEmpty())
	})

	It("fails fast when the need exceeds the whole budget", func() {
		_, err := o.MakeRoom(s, UnitsOf(11), phase, nil)
		Expect(IsCapacityExceeded(err)).To(BeTrue())
	})

	It("evicts lowest score first: relevance minus decayed staleness", func() {
		// Scores at phase 10 with decay 0.5:
		// a: 5 - 0.5*1 = 4.5, b: 1 - 0.5*1 = 0.5, c: 3 - 0.5*8 = -1.
		add("a", UnitsOf(4), 5, 9)
		add("b", UnitsOf(3), 1, 9)
		add("c", UnitsOf(3), 3, 2)
		vs, err := o.MakeRoom(s, UnitsOf(5), phase, nil)
		Expect(err).To(BeNil())
		Expect(victimIDs(vs)).To(Equal([]string{"c", "b"}))
	})

	It("breaks score ties by oldest access, then insertion order", func() {
		add("first", UnitsOf(3), 2, 9)
		add("older", UnitsOf(3), 1.5, 8)
		add("later", UnitsOf(3), 2, 9)
		vs, err := o.MakeRoom(s, UnitsOf(10), phase, nil)
		Expect(err).To(BeNil())
		// older: score 1.5-1=0.5; first and later tie at 1.5, insertion breaks.
		Expect(victimIDs(vs)).To(Equal([]string{"older", "first", "later"}))
	})

	It("never selects pinned members", func() {
		add("pinned", UnitsOf(5), 0, 0)
		add("loose", UnitsOf(5), 100, phase)
		vs, err := o.MakeRoom(s, UnitsOf(5), phase, func(id string) bool { return id == "pinned" })
		Expect(err).To(BeNil())
		Expect(victimIDs(vs)).To(Equal([]string{"loose"}))
	})

	It("fails when evictable members cannot free enough", func() {
		add("pinned", UnitsOf(8), 0, 0)
		add("loose", UnitsOf(2), 0, 0)
		_, err := o.MakeRoom(s, UnitsOf(6), phase, func(id string) bool { return id == "pinned" })
		Expect(IsCapacityExceeded(err)).To(BeTrue())
	})
})
