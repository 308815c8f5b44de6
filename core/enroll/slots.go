package enroll

import "sort"

// SlotMode selects the filtering rules ResolveSlots applies.
type SlotMode string

const (
	// ModeNormal restricts to classrooms matching the child's current age band
	// and honors site preferences (waitlist convocation).
	ModeNormal SlotMode = "normal"
	// ModeReassignment restricts to the child's reassignment target site, with
	// no age-band or preference filter.
	ModeReassignment SlotMode = "reassignment"
	// ModeIntraSite restricts to the child's current site only.
	ModeIntraSite SlotMode = "intra_site"
	// ModeUnrestricted applies no site or age filter (mass reallocation).
	ModeUnrestricted SlotMode = "unrestricted"
)

func (m SlotMode) Valid() bool {
	switch m {
	case ModeNormal, ModeReassignment, ModeIntraSite, ModeUnrestricted:
		return true
	}
	return false
}

// Slot is one open classroom a child could be placed into.
type Slot struct {
	Site      Site      `json:"site"`
	Classroom Classroom `json:"classroom"`
	OpenCount int       `json:"open_count"`
}

// ResolveSlots ranks the open slots compatible with the child under the given
// mode. band is only consulted in ModeNormal (the child's eligible band as of
// today); pass the zero AgeBand otherwise. An empty result is a valid outcome,
// not an error — classification failures are surfaced by the caller before
// this is reached.
//
// Ordering is deterministic and stable: preferred sites first (ModeNormal with
// AcceptsAnySite), then site name, then classroom name.
func ResolveSlots(child Child, sites []Site, rooms []Classroom, band AgeBand, mode SlotMode) []Slot {
	siteByID := make(map[string]Site, len(sites))
	for _, s := range sites {
		siteByID[s.ID] = s
	}

	var slots []Slot
	for _, room := range rooms {
		if !room.Open() {
			continue
		}
		site, ok := siteByID[room.SiteID]
		if !ok {
			continue
		}
		if !admits(child, room, band, mode) {
			continue
		}
		slots = append(slots, Slot{Site: site, Classroom: room, OpenCount: room.OpenCount()})
	}

	preferFirst := mode == ModeNormal && child.AcceptsAnySite
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if preferFirst {
			ap, bp := child.PrefersSite(a.Site.ID), child.PrefersSite(b.Site.ID)
			if ap != bp {
				return ap
			}
		}
		if a.Site.Name != b.Site.Name {
			return a.Site.Name < b.Site.Name
		}
		return a.Classroom.Name < b.Classroom.Name
	})
	return slots
}

func admits(child Child, room Classroom, band AgeBand, mode SlotMode) bool {
	switch mode {
	case ModeNormal:
		if room.AgeBandID != band.ID {
			return false
		}
		if !child.AcceptsAnySite && !child.PrefersSite(room.SiteID) {
			return false
		}
		return true
	case ModeReassignment:
		// the receiving site's internal structure is authoritative
		return room.SiteID == child.ReassignmentTargetSiteID
	case ModeIntraSite:
		return room.SiteID == child.CurrentSiteID
	case ModeUnrestricted:
		return true
	}
	return false
}
