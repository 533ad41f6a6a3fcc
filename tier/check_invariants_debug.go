//go:build debug
// +build debug

// Gomega should not be dependency in non-debug build.

package tier

import (
	"errors"
	"log"

	"github.com/facebookgo/stackerr"
	. "github.com/onsi/gomega"
)

var _ = func() (_ struct{}) {
	RegisterFailHandler(GomegaFailHandler)
	return
}()

func GomegaFailHandler(message string, callerSkip ...int) {
	skip := callerSkip[0] + 1
	log.Fatal("FATAL: invariants are broken:", stackerr.WrapSkip(errors.New(message), skip))
}

// checkInvariants must be called with s.mu held.
// It verifies bookkeeping only; the budget bound is allowed to be broken
// between Restore and resync, so TryAdd is the sole budget gate.
func (s *Store) checkInvariants() {
	var occupied Units
	for id, m := range s.members {
		Expect(id).NotTo(BeEmpty())
		Expect(m.cost).To(BeNumerically(">=", 0))
		Expect(m.seq).To(BeNumerically("<=", s.seq))
		occupied += m.cost
	}
	Expect(occupied).To(Equal(s.occupied), "occupied differs from sum of member costs")
}
