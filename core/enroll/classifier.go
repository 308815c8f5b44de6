package enroll

import (
	"fmt"
	"sort"
	"time"
)

// AgeInMonthsAt returns the whole number of months between birth and at.
// Negative results mean birth is after at.
func AgeInMonthsAt(birth, at time.Time) int {
	birth, at = dateOf(birth), dateOf(at)
	months := (at.Year()-birth.Year())*12 + int(at.Month()) - int(birth.Month())
	if at.Day() < birth.Day() {
		months--
	}
	return months
}

// AgeInYearsAt returns the whole number of years between birth and at.
func AgeInYearsAt(birth, at time.Time) int {
	return AgeInMonthsAt(birth, at) / 12
}

// Classifier maps a (birth date, cutoff date) pair to the single eligible
// AgeBand. It is pure: identical inputs always give identical outputs,
// regardless of the calendar date at call time.
type Classifier struct {
	bands []AgeBand // sorted by Ordinal
}

// NewClassifier validates the configured bands (at least one, positive range,
// no overlaps) and returns a Classifier over them.
func NewClassifier(bands []AgeBand) (*Classifier, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("no age bands configured")
	}
	sorted := make([]AgeBand, len(bands))
	copy(sorted, bands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	for i, b := range sorted {
		if b.MinMonths < 0 || b.MaxMonths < b.MinMonths {
			return nil, fmt.Errorf("age band %q has an invalid range [%d, %d]", b.Name, b.MinMonths, b.MaxMonths)
		}
		if i > 0 {
			prev := sorted[i-1]
			if b.MinMonths <= prev.MaxMonths {
				return nil, fmt.Errorf("age bands %q and %q overlap", prev.Name, b.Name)
			}
		}
	}
	return &Classifier{bands: sorted}, nil
}

// Bands returns the configured bands in canonical order.
func (c *Classifier) Bands() []AgeBand {
	out := make([]AgeBand, len(c.bands))
	copy(out, c.bands)
	return out
}

// Classify returns the single AgeBand eligible for a child born on `birth`
// as of `cutoff`. It returns ErrBirthDateInvalid for a zero birth date or one
// after the cutoff, ErrAgedOut past the highest band, ErrNoMatchingBand for a
// configuration gap, and ErrAmbiguousBands if more than one band matches.
func (c *Classifier) Classify(birth, cutoff time.Time) (AgeBand, error) {
	if birth.IsZero() || cutoff.IsZero() || dateOf(birth).After(dateOf(cutoff)) {
		return AgeBand{}, ErrBirthDateInvalid
	}

	months := AgeInMonthsAt(birth, cutoff)
	var matches []AgeBand
	for _, b := range c.bands {
		if b.Contains(months) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		if months > c.bands[len(c.bands)-1].MaxMonths {
			return AgeBand{}, ErrAgedOut
		}
		return AgeBand{}, ErrNoMatchingBand
	default:
		// NewClassifier rejects overlapping config, but bands may have been
		// loaded straight from the store
		return AgeBand{}, ErrAmbiguousBands
	}
}

// NextBand returns the band following b in canonical order, if any.
func (c *Classifier) NextBand(b AgeBand) (AgeBand, bool) {
	for i, band := range c.bands {
		if band.ID == b.ID && i+1 < len(c.bands) {
			return c.bands[i+1], true
		}
	}
	return AgeBand{}, false
}
