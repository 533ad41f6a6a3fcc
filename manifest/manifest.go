// Package manifest persists the cache state as an append-only journal of
// gob-framed records: a config header, item registrations, and committed
// moves. Compaction rewrites the journal as a snapshot of current state.
// Recovery replays the journal and verifies recomputed occupancy against
// the tier budgets; a mismatch is fatal for mutating operations until a
// resync pass.
package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/tierset/tier"
)

type recordType uint8

const (
	recordConfig recordType = iota
	recordItem
	recordMove
	recordPhase
)

// Record is one journal entry. Exactly one payload field is set,
// according to Type. Fields are exported for gob.
type Record struct {
	Type   recordType
	Config *ConfigRecord
	Item   *ItemRecord
	Move   *MoveRecord
	Phase  int
}

// ConfigRecord is the journal header: tier budgets, SLA targets and
// classifier weights at the time the journal was started.
type ConfigRecord struct {
	BudgetHot  tier.Units
	BudgetWarm tier.Units
	BudgetCold tier.Units

	SLAHot  time.Duration
	SLAWarm time.Duration
	SLACold time.Duration

	RelevanceWeight float64
	CoverageWeight  float64
	RecencyWeight   float64
}

// ItemRecord is the manifest record of one item with its current tier.
type ItemRecord struct {
	ID                string
	WeightHot         tier.Units
	WeightWarm        tier.Units
	WeightCold        tier.Units
	Relevance         float64
	Coverage          []string
	DependsOn         []string
	Tier              uint8
	LastAccessedPhase int
}

func (r ItemRecord) Weight() tier.Weight {
	return tier.Weight{Hot: r.WeightHot, Warm: r.WeightWarm, Cold: r.WeightCold}
}

// MoveRecord is one committed tier transition.
type MoveRecord struct {
	ID     string
	From   uint8
	To     uint8
	Phase  int
	Reason string
}

// Record constructors for journal appends.

func NewConfigRecord(c ConfigRecord) Record { return Record{Type: recordConfig, Config: &c} }
func NewItemRecord(i ItemRecord) Record     { return Record{Type: recordItem, Item: &i} }
func NewMoveRecord(m MoveRecord) Record     { return Record{Type: recordMove, Move: &m} }
func NewPhaseRecord(phase int) Record       { return Record{Type: recordPhase, Phase: phase} }

// Records are framed as uvarint length + independent gob stream, so a
// journal reopened across process runs stays decodable: a shared gob
// stream cannot be appended to by a fresh encoder.
func encodeFrame(rec Record) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(rec); err != nil {
		return nil, stackerr.Wrap(err)
	}
	var head [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(head[:], uint64(body.Len()))
	return append(head[:n], body.Bytes()...), nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// decodeFrame reads one framed record. io.EOF before the length prefix
// means a clean end of journal.
func decodeFrame(r byteReader) (rec Record, err error) {
	size, err := binary.ReadUvarint(r)
	if err == io.EOF {
		return rec, io.EOF
	}
	if err != nil {
		return rec, stackerr.Wrap(err)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return rec, stackerr.Wrap(err)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
		return rec, stackerr.Wrap(err)
	}
	return rec, nil
}
