package enroll

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("child not found")
	ErrSiteNotFound      = errors.New("site not found")
	ErrClassroomNotFound = errors.New("classroom not found")

	// ErrStaleChild signals that the child row changed under a concurrent
	// transition; the caller must re-read and retry.
	ErrStaleChild = errors.New("child was modified concurrently")

	// ErrSlotNoLongerAvailable signals a lost occupancy race; the caller must
	// re-resolve slots and retry.
	ErrSlotNoLongerAvailable = errors.New("classroom has no open slot left")

	// classification errors; see Classifier.Classify
	ErrBirthDateInvalid = errors.New("birth date is missing, unparsable or after the cutoff date")
	ErrAgedOut          = errors.New("age exceeds the highest configured age band")
	ErrNoMatchingBand   = errors.New("no age band configured for this age")
	ErrAmbiguousBands   = errors.New("more than one age band matches this age")
)

// IsClassificationError reports whether err blocks convocation/transition
// because the child could not be mapped to exactly one age band.
func IsClassificationError(err error) bool {
	switch pkgerrors.Cause(err) {
	case ErrBirthDateInvalid, ErrAgedOut, ErrNoMatchingBand, ErrAmbiguousBands:
		return true
	}
	return false
}

// IllegalTransitionError is returned when an event is attempted from a state
// it is not defined for. No partial mutation occurs.
type IllegalTransitionError struct {
	From  Status
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s not allowed from status %q", e.Event, e.From)
}

func newIllegalTransition(from Status, event string) error {
	return &IllegalTransitionError{From: from, Event: event}
}

// IsIllegalTransition reports whether err (or its cause) is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(pkgerrors.Cause(err), &ite)
}
