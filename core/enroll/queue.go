package enroll

import "sort"

// QueueEntry pairs a waitlisted child with its effective (externally visible)
// position, computed lazily at read time.
type QueueEntry struct {
	Child             Child `json:"child"`
	EffectivePosition int   `json:"effective_position"`
}

// RankWaitlist sorts waitlisted children into their externally visible order:
//
//  1. non-penalized social-program beneficiaries, by stored position ascending
//  2. non-penalized others, by stored position ascending
//  3. penalized children, by penalty date ascending — regardless of tier
//
// Ties break on registration time then id, keeping the order total and stable
// across concurrent registrations.
func RankWaitlist(children []Child) []QueueEntry {
	sorted := make([]Child, len(children))
	copy(sorted, children)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]

		if a.Penalized() != b.Penalized() {
			return !a.Penalized()
		}
		if a.Penalized() { // both penalized
			if !a.PenaltyDate.Equal(b.PenaltyDate) {
				return a.PenaltyDate.Before(b.PenaltyDate)
			}
			return tieBreak(a, b)
		}

		// neither penalized: beneficiaries first
		if a.SocialProgram != b.SocialProgram {
			return a.SocialProgram
		}
		if a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		return tieBreak(a, b)
	})

	entries := make([]QueueEntry, 0, len(sorted))
	for i, ch := range sorted {
		entries = append(entries, QueueEntry{Child: ch, EffectivePosition: i + 1})
	}
	return entries
}

func tieBreak(a, b Child) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// NextQueuePosition returns the stored position a newly registered child
// receives: the worst existing position + 1.
func NextQueuePosition(children []Child) int {
	max := 0
	for _, ch := range children {
		if ch.Status == StatusWaitlisted && ch.QueuePosition > max {
			max = ch.QueuePosition
		}
	}
	return max + 1
}
