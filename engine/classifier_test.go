package engine

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

var _ = Describe("classifier", func() {
	conf := ClassifierConfig{
		RelevanceWeight: 1,
		CoverageWeight:  0.5,
		RecencyWeight:   0.25,
		HotThreshold:    8,
		WarmThreshold:   4,
	}
	var c *Classifier
	BeforeEach(func() {
		c = NewClassifier(conf)
	})

	It("scores relevance plus coverage breadth minus staleness", func() {
		it := &registry.Item{ID: "a", Relevance: 5, Coverage: []string{"x", "y"}}
		it.SetLastAccessedPhase(2)
		// 1*5 + 0.5*2 - 0.25*(10-2) = 4.
		Expect(c.Score(it, 10)).To(Equal(4.0))
	})

	It("maps score bands to tiers", func() {
		hot := &registry.Item{ID: "hot", Relevance: 9}
		warm := &registry.Item{ID: "warm", Relevance: 5}
		cold := &registry.Item{ID: "cold", Relevance: 1}
		Expect(c.Classify(hot, 0)).To(Equal(tier.Hot))
		Expect(c.Classify(warm, 0)).To(Equal(tier.Warm))
		Expect(c.Classify(cold, 0)).To(Equal(tier.Cold))
	})

	It("places the exact threshold score in the higher band", func() {
		boundary := &registry.Item{ID: "b", Relevance: 8}
		Expect(c.Classify(boundary, 0)).To(Equal(tier.Hot))
	})

	It("fills zero knobs with defaults", func() {
		def := ClassifierConfig{}.withDefaults()
		Expect(def.RelevanceWeight).To(Equal(1.0))
		Expect(def.HotThreshold).To(Equal(8.0))
		Expect(def.WarmThreshold).To(Equal(4.0))
	})
})
