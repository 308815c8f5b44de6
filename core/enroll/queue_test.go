package enroll

import (
	"testing"
	"time"
)

func TestRankWaitlist(t *testing.T) {
	reg := date(2025, time.January, 1)
	wl := func(id string, pos int, beneficiary bool, penalty time.Time) Child {
		return Child{
			ID:            id,
			Status:        StatusWaitlisted,
			QueuePosition: pos,
			SocialProgram: beneficiary,
			PenaltyDate:   penalty,
			CreatedAt:     reg,
		}
	}

	t.Run("tiers", func(t *testing.T) {
		children := []Child{
			wl("regular-2", 4, false, time.Time{}),
			wl("penalized-late", 1, false, date(2025, time.June, 2)),
			wl("beneficiary", 5, true, time.Time{}),
			wl("penalized-early", 2, false, date(2025, time.June, 1)),
			wl("penalized-beneficiary", 6, true, date(2025, time.June, 3)),
			wl("regular-1", 3, false, time.Time{}),
		}
		entries := RankWaitlist(children)

		wantOrder := []string{
			"beneficiary",           // non-penalized beneficiaries first
			"regular-1", "regular-2", // then non-penalized by stored position
			"penalized-early", "penalized-late", "penalized-beneficiary", // penalized last, by penalty date
		}
		if len(entries) != len(wantOrder) {
			t.Fatalf("RankWaitlist() returned %d entries, want %d", len(entries), len(wantOrder))
		}
		for i, want := range wantOrder {
			if entries[i].Child.ID != want {
				t.Errorf("entry %d = %s, want %s", i, entries[i].Child.ID, want)
			}
			if entries[i].EffectivePosition != i+1 {
				t.Errorf("entry %d effective position = %d, want %d", i, entries[i].EffectivePosition, i+1)
			}
		}
	})

	t.Run("penalty outranks beneficiary status", func(t *testing.T) {
		children := []Child{
			wl("penalized-beneficiary", 1, true, date(2025, time.June, 1)),
			wl("regular", 2, false, time.Time{}),
		}
		entries := RankWaitlist(children)
		if entries[0].Child.ID != "regular" {
			t.Errorf("first entry = %s, want regular", entries[0].Child.ID)
		}
	})

	t.Run("ties break on registration time then id", func(t *testing.T) {
		a := wl("a", 1, false, time.Time{})
		b := wl("b", 1, false, time.Time{})
		b.CreatedAt = reg.Add(-time.Hour)
		entries := RankWaitlist([]Child{a, b})
		if entries[0].Child.ID != "b" {
			t.Errorf("first entry = %s, want b (earlier registration)", entries[0].Child.ID)
		}

		b.CreatedAt = reg
		entries = RankWaitlist([]Child{b, a})
		if entries[0].Child.ID != "a" {
			t.Errorf("first entry = %s, want a (lower id)", entries[0].Child.ID)
		}
	})

	t.Run("input slice untouched", func(t *testing.T) {
		children := []Child{
			wl("z", 2, false, time.Time{}),
			wl("a", 1, false, time.Time{}),
		}
		RankWaitlist(children)
		if children[0].ID != "z" {
			t.Error("RankWaitlist() mutated its input")
		}
	})
}

func TestNextQueuePosition(t *testing.T) {
	tests := []struct {
		name     string
		children []Child
		want     int
	}{
		{name: "empty waitlist", want: 1},
		{
			name: "after worst position",
			children: []Child{
				{Status: StatusWaitlisted, QueuePosition: 3},
				{Status: StatusWaitlisted, QueuePosition: 7},
			},
			want: 8,
		},
		{
			name: "ignores non-waitlisted",
			children: []Child{
				{Status: StatusWaitlisted, QueuePosition: 2},
				{Status: StatusEnrolled, QueuePosition: 9},
			},
			want: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextQueuePosition(tt.children); got != tt.want {
				t.Errorf("NextQueuePosition() = %d, want %d", got, tt.want)
			}
		})
	}
}
