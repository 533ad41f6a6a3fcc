// Package tier implements the three bounded tier stores and the overflow
// eviction policy. Cross-tier moves are orchestrated by the engine package;
// stores never call each other.
package tier

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier identifies one of the three bounded containers.
// Numeric order is rank order: Hot > Warm > Cold.
type Tier uint8

const (
	Cold Tier = iota
	Warm
	Hot
	NumTiers = 3
)

func (t Tier) String() string {
	switch t {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	case Hot:
		return "hot"
	}
	panic("unexpected tier: " + strconv.Itoa(int(t)))
}

func FromString(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "cold":
		return Cold, nil
	case "warm":
		return Warm, nil
	case "hot":
		return Hot, nil
	}
	return 0, fmt.Errorf("invalid tier %q", s)
}

// Above reports whether t ranks strictly above o.
func (t Tier) Above(o Tier) bool { return t > o }

// Below reports whether t ranks strictly below o.
func (t Tier) Below(o Tier) bool { return t < o }

// NextBelow returns the next lower tier. Calling it on Cold panics;
// Cold is the bottom and nothing demotes out of it.
func (t Tier) NextBelow() Tier {
	if t == Cold {
		panic("no tier below cold")
	}
	return t - 1
}

// NextAbove returns the next higher tier. Calling it on Hot panics.
func (t Tier) NextAbove() Tier {
	if t == Hot {
		panic("no tier above hot")
	}
	return t + 1
}

// Tiers lists all tiers bottom-up: Cold, Warm, Hot.
func Tiers() [NumTiers]Tier { return [NumTiers]Tier{Cold, Warm, Hot} }

// Units is the budget currency. Stored in thousandths of a unit so that
// fractional weight classes (e.g. 3.75u) stay exact.
type Units int64

const unitScale = 1000

func UnitsOf(f float64) Units {
	return Units(f*unitScale + 0.5)
}

func (u Units) Float() float64 { return float64(u) / unitScale }

func (u Units) String() string {
	s := strconv.FormatFloat(u.Float(), 'f', -1, 64)
	return s + "u"
}

// ParseUnits parses "3.75" or "3.75u" into Units.
func ParseUnits(s string) (Units, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "u")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid units %q", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative units %q", s)
	}
	return UnitsOf(f), nil
}

// Weight is an item's storage cost per tier. The same logical item costs
// more to keep in a faster tier.
type Weight struct {
	Hot  Units
	Warm Units
	Cold Units
}

func (w Weight) In(t Tier) Units {
	switch t {
	case Hot:
		return w.Hot
	case Warm:
		return w.Warm
	case Cold:
		return w.Cold
	}
	panic("unexpected tier: " + strconv.Itoa(int(t)))
}
