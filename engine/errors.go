package engine

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidTransition rejects a move that skips or inverts tier ordering
// outside policy, e.g. a cooling demotion of more than one level.
var ErrInvalidTransition = errors.New("invalid tier transition")

// CascadeFailure records one dependency promotion that failed after its
// parent move had already committed.
type CascadeFailure struct {
	ID  string
	Err error
}

// PartialError reports a committed parent move whose cascaded dependency
// promotions partially failed. It is a warning, not a failure: the parent
// move stands and must not be rolled back.
type PartialError struct {
	ID       string
	Failures []CascadeFailure
}

func (e *PartialError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.ID
	}
	return fmt.Sprintf("promotion of %s committed, but cascades failed for: %s",
		e.ID, strings.Join(ids, ", "))
}

// IsPartial reports whether err is a cascade partial-success warning.
func IsPartial(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*PartialError); ok {
		return true
	}
	_, ok := errors.Cause(err).(*PartialError)
	return ok
}
