package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/tierset/tier"
)

// State is a manifest's authoritative view: the config header plus every
// item with its final (post-replay) tier.
type State struct {
	Config ConfigRecord
	Phase  int
	Items  []ItemRecord
}

// MismatchError is the fatal recovery condition: recomputed occupancy of
// a tier exceeds its budget. The system must refuse mutating operations
// until a resync pass.
type MismatchError struct {
	Tier     tier.Tier
	Occupied tier.Units
	Budget   tier.Units
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("manifest occupancy mismatch: %s holds %v over budget %v",
		e.Tier, e.Occupied, e.Budget)
}

// Load reads a journal and replays it into a State. Item records register
// or overwrite items (compaction rewrites them in place); move records
// update tiers. A move may land in the journal before the record of the
// item it moves: commits append at commit time, while the item record is
// appended after placement finishes. Such moves are buffered and replayed
// once the item record arrives; a move whose item never arrives is an
// error.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

func Read(r byteReader) (*State, error) {
	st := &State{}
	index := make(map[string]int)
	pending := make(map[string][]MoveRecord)
	sawConfig := false
	applyMove := func(mv MoveRecord) {
		i := index[mv.ID]
		st.Items[i].Tier = mv.To
		st.Items[i].LastAccessedPhase = mv.Phase
	}
	for {
		rec, err := decodeFrame(r)
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, err
		}
		switch rec.Type {
		case recordConfig:
			if rec.Config == nil {
				return nil, stackerr.New("config record without payload")
			}
			st.Config = *rec.Config
			sawConfig = true
		case recordItem:
			if rec.Item == nil {
				return nil, stackerr.New("item record without payload")
			}
			if i, ok := index[rec.Item.ID]; ok {
				st.Items[i] = *rec.Item
			} else {
				index[rec.Item.ID] = len(st.Items)
				st.Items = append(st.Items, *rec.Item)
			}
			// Buffered moves are never staler than the item record: the
			// record snapshots the tier at append time, after those commits.
			for _, mv := range pending[rec.Item.ID] {
				applyMove(mv)
			}
			delete(pending, rec.Item.ID)
		case recordMove:
			if rec.Move == nil {
				return nil, stackerr.New("move record without payload")
			}
			if _, ok := index[rec.Move.ID]; !ok {
				pending[rec.Move.ID] = append(pending[rec.Move.ID], *rec.Move)
				continue
			}
			applyMove(*rec.Move)
		case recordPhase:
			st.Phase = rec.Phase
		default:
			return nil, stackerr.Newf("unknown record type %d", rec.Type)
		}
	}
	if !sawConfig {
		return nil, stackerr.New("journal has no config record")
	}
	for id := range pending {
		return nil, stackerr.Newf("move of unregistered item %s", id)
	}
	return st, nil
}

func isEOF(err error) bool { return err == io.EOF }

// Verify recomputes each tier's occupancy from the state's item records
// and checks it against the budgets. The first over-budget tier is
// returned as a *MismatchError.
func Verify(st *State, limits tier.Limits) error {
	var occupied [tier.NumTiers]tier.Units
	for _, it := range st.Items {
		t := tier.Tier(it.Tier)
		occupied[t] += it.Weight().In(t)
	}
	for _, t := range tier.Tiers() {
		if occupied[t] > limits.In(t) {
			return &MismatchError{Tier: t, Occupied: occupied[t], Budget: limits.In(t)}
		}
	}
	return nil
}
