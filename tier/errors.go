package tier

import "github.com/pkg/errors"

// ErrCapacityExceeded means room could not be made in the target tier:
// the promotion or plan step cannot fit. Recoverable; the caller may retry
// after other demotions or accept the rejection.
var ErrCapacityExceeded = errors.New("tier capacity exceeded")

// IsCapacityExceeded reports whether err is ErrCapacityExceeded under any wrapping.
func IsCapacityExceeded(err error) bool {
	return errors.Cause(err) == ErrCapacityExceeded
}
