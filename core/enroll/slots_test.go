package enroll

import "testing"

func TestResolveSlots(t *testing.T) {
	siteA := Site{ID: "site-a", Name: "Northside"}
	siteB := Site{ID: "site-b", Name: "Riverside"}
	siteC := Site{ID: "site-c", Name: "Southside"}
	sites := []Site{siteA, siteB, siteC}

	full := Classroom{ID: "room-full", SiteID: siteA.ID, Name: "Toddler A", AgeBandID: bandToddler.ID, Capacity: 20, Occupancy: 20}
	oneLeft := Classroom{ID: "room-one", SiteID: siteA.ID, Name: "Toddler B", AgeBandID: bandToddler.ID, Capacity: 20, Occupancy: 19}
	otherBand := Classroom{ID: "room-band", SiteID: siteA.ID, Name: "Infant A", AgeBandID: bandInfantI.ID, Capacity: 10, Occupancy: 0}
	atB := Classroom{ID: "room-b", SiteID: siteB.ID, Name: "Toddler C", AgeBandID: bandToddler.ID, Capacity: 15, Occupancy: 5}
	atC := Classroom{ID: "room-c", SiteID: siteC.ID, Name: "Toddler D", AgeBandID: bandToddler.ID, Capacity: 15, Occupancy: 5}
	rooms := []Classroom{full, oneLeft, otherBand, atB, atC}

	t.Run("normal mode honors band, capacity and preferences", func(t *testing.T) {
		child := Child{ID: "ch", Status: StatusWaitlisted, PreferredSiteIDs: []string{siteA.ID}}
		slots := ResolveSlots(child, sites, rooms, bandToddler, ModeNormal)

		if len(slots) != 1 {
			t.Fatalf("ResolveSlots() returned %d slots, want 1", len(slots))
		}
		if slots[0].Classroom.ID != oneLeft.ID {
			t.Errorf("slot = %s, want %s (full and off-band rooms excluded)", slots[0].Classroom.ID, oneLeft.ID)
		}
		if slots[0].OpenCount != 1 {
			t.Errorf("OpenCount = %d, want 1", slots[0].OpenCount)
		}
	})

	t.Run("any-site child ranks preferred sites first", func(t *testing.T) {
		child := Child{ID: "ch", Status: StatusWaitlisted, AcceptsAnySite: true, PreferredSiteIDs: []string{siteC.ID}}
		slots := ResolveSlots(child, sites, rooms, bandToddler, ModeNormal)

		if len(slots) != 3 {
			t.Fatalf("ResolveSlots() returned %d slots, want 3", len(slots))
		}
		if slots[0].Site.ID != siteC.ID {
			t.Errorf("first slot at %s, want preferred site %s", slots[0].Site.ID, siteC.ID)
		}
		// remaining slots ordered by site name
		if slots[1].Site.Name > slots[2].Site.Name {
			t.Error("non-preferred slots not ordered by site name")
		}
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		child := Child{ID: "ch", Status: StatusWaitlisted, PreferredSiteIDs: []string{siteB.ID}}
		slots := ResolveSlots(child, sites, rooms, bandInfantII, ModeNormal)
		if len(slots) != 0 {
			t.Errorf("ResolveSlots() returned %d slots, want 0", len(slots))
		}
	})

	t.Run("reassignment mode ignores band and preferences", func(t *testing.T) {
		child := Child{
			ID:                       "ch",
			Status:                   StatusReassignmentRequested,
			CurrentSiteID:            siteB.ID,
			CurrentClassroomID:       atB.ID,
			PreferredSiteIDs:         []string{siteB.ID},
			ReassignmentTargetSiteID: siteA.ID,
		}
		slots := ResolveSlots(child, sites, rooms, AgeBand{}, ModeReassignment)

		want := map[string]bool{oneLeft.ID: true, otherBand.ID: true}
		if len(slots) != len(want) {
			t.Fatalf("ResolveSlots() returned %d slots, want %d", len(slots), len(want))
		}
		for _, s := range slots {
			if !want[s.Classroom.ID] {
				t.Errorf("unexpected slot %s outside target site", s.Classroom.ID)
			}
		}
	})

	t.Run("intra-site mode restricts to current site", func(t *testing.T) {
		child := Child{ID: "ch", Status: StatusEnrolled, CurrentSiteID: siteA.ID, CurrentClassroomID: oneLeft.ID}
		slots := ResolveSlots(child, sites, rooms, AgeBand{}, ModeIntraSite)

		for _, s := range slots {
			if s.Site.ID != siteA.ID {
				t.Errorf("slot %s outside current site", s.Classroom.ID)
			}
		}
	})

	t.Run("unrestricted mode only excludes full rooms", func(t *testing.T) {
		child := Child{ID: "ch", Status: StatusWaitlisted}
		slots := ResolveSlots(child, sites, rooms, AgeBand{}, ModeUnrestricted)
		if len(slots) != 4 {
			t.Errorf("ResolveSlots() returned %d slots, want 4", len(slots))
		}
	})
}
