package enroll

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

// PlanGroup buckets a plan entry by the kind of year-rollover move it needs.
type PlanGroup string

const (
	// GroupInternalReassignment holds enrolled children whose eligible band
	// changes at the cutoff; they need a new classroom assignment.
	GroupInternalReassignment PlanGroup = "internal_reassignment"
	// GroupQueueReclassified holds waitlisted children whose eligible band
	// changes; their queue standing is untouched, only the band shifts.
	GroupQueueReclassified PlanGroup = "queue_reclassified"
	// GroupConcluding holds children who age out past the highest band.
	GroupConcluding PlanGroup = "concluding"
	// GroupUnchanged holds children whose band is the same at the cutoff, plus
	// convoked children with a pending offer (never moved by a plan).
	GroupUnchanged PlanGroup = "unchanged"
)

type (
	// PlanEntry is one child's proposed year-rollover move. PlannedStatus and
	// PlannedSiteID/PlannedClassroomID start equal to the child's current
	// values; the Group label only advises what kind of edit is needed.
	PlanEntry struct {
		Child    Child     `json:"child"`
		Band     AgeBand   `json:"band"`      // eligible band today; zero if none
		NextBand AgeBand   `json:"next_band"` // eligible band at the cutoff; zero when concluding
		Group    PlanGroup `json:"group"`

		PlannedStatus      Status `json:"planned_status"`
		PlannedSiteID      string `json:"planned_site_id,omitempty"`
		PlannedClassroomID string `json:"planned_classroom_id,omitempty"`
		Note               string `json:"note,omitempty"`
	}

	// Plan is a reviewable two-phase transition proposal. Building a plan
	// mutates nothing; only CommitTransitionPlan applies it, entry by entry.
	Plan struct {
		ID        string      `json:"id"`
		Cutoff    time.Time   `json:"cutoff"`
		CreatedAt time.Time   `json:"created_at"`
		Entries   []PlanEntry `json:"entries"`
	}

	// CommitFailure records one entry the commit could not apply.
	CommitFailure struct {
		ChildID string `json:"child_id"`
		Error   string `json:"error"`
	}

	// CommitResult reports the full outcome of a plan commit. Every changed
	// entry ends up in exactly one of the two lists.
	CommitResult struct {
		Applied []string        `json:"applied"` // child IDs, in commit order
		Failed  []CommitFailure `json:"failed"`
	}
)

// Entry returns the entry for the given child, or nil.
func (p *Plan) Entry(childID string) *PlanEntry {
	for i := range p.Entries {
		if p.Entries[i].Child.ID == childID {
			return &p.Entries[i]
		}
	}
	return nil
}

// Group returns the entries in the given group, preserving plan order.
func (p *Plan) Group(g PlanGroup) []PlanEntry {
	var out []PlanEntry
	for _, e := range p.Entries {
		if e.Group == g {
			out = append(out, e)
		}
	}
	return out
}

// SetPlannedStatus overrides the proposed status for a child. Setting a status
// that holds no slot clears any planned placement.
func (p *Plan) SetPlannedStatus(childID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	e := p.Entry(childID)
	if e == nil {
		return errors.Wrapf(ErrNotFound, "plan has no entry for child %s", childID)
	}
	e.PlannedStatus = status
	if !status.Placed() {
		e.PlannedSiteID = ""
		e.PlannedClassroomID = ""
	}
	return nil
}

// SetPlannedPlacement assigns a slot to a child; the planned status becomes
// Enrolled.
func (p *Plan) SetPlannedPlacement(childID, siteID, classroomID string) error {
	e := p.Entry(childID)
	if e == nil {
		return errors.Wrapf(ErrNotFound, "plan has no entry for child %s", childID)
	}
	e.PlannedStatus = StatusEnrolled
	e.PlannedSiteID = siteID
	e.PlannedClassroomID = classroomID
	return nil
}

// SetGroupStatus overrides the proposed status for every entry in a group.
func (p *Plan) SetGroupStatus(g PlanGroup, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	for i := range p.Entries {
		if p.Entries[i].Group != g {
			continue
		}
		if err := p.SetPlannedStatus(p.Entries[i].Child.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// changed reports whether committing e would mutate the child at all.
func (e PlanEntry) changed() bool {
	return e.PlannedStatus != e.Child.Status ||
		e.PlannedSiteID != e.Child.CurrentSiteID ||
		e.PlannedClassroomID != e.Child.CurrentClassroomID
}

// Changed reports whether the plan proposes any mutation. Committing an
// unchanged plan is a no-op.
func (p *Plan) Changed() bool {
	for _, e := range p.Entries {
		if e.changed() {
			return true
		}
	}
	return false
}

func (e PlanEntry) renderCurrent() string {
	return fmt.Sprintf("%s (%s): %s site=%s classroom=%s",
		e.Child.Name, e.Child.ID, e.Child.Status, orDash(e.Child.CurrentSiteID), orDash(e.Child.CurrentClassroomID))
}

func (e PlanEntry) renderPlanned() string {
	return fmt.Sprintf("%s (%s): %s site=%s classroom=%s",
		e.Child.Name, e.Child.ID, e.PlannedStatus, orDash(e.PlannedSiteID), orDash(e.PlannedClassroomID))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Diff renders a unified diff of current vs planned state for review.
func (p *Plan) Diff() (string, error) {
	current := make([]string, 0, len(p.Entries))
	planned := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		current = append(current, e.renderCurrent()+"\n")
		planned = append(planned, e.renderPlanned()+"\n")
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        current,
		B:        planned,
		FromFile: "current",
		ToFile:   "planned",
		Context:  3,
	})
}

// BuildTransitionPlan classifies every active child as of cutoff and buckets
// each into a group describing the year-rollover move it needs. Classification
// never pre-mutates: every entry's planned fields start equal to the child's
// current values, so committing an unedited plan changes nothing. Reviewers
// act on the groups explicitly (SetPlannedPlacement for reassignments,
// SetGroupStatus for concluding children) before committing.
func (svc *service) BuildTransitionPlan(ctx context.Context, cutoff time.Time) (*Plan, error) {
	if cutoff.IsZero() {
		settings, err := svc.repo.GetSettings(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "reading settings")
		}
		cutoff = settings.CutoffDate(nowFunc().Year() + 1)
	}

	classifier, err := svc.classifier(ctx, svc.repo)
	if err != nil {
		return nil, err
	}
	children, err := svc.repo.QueryChildren(ctx, &QueryFilter{
		Statuses: []Status{StatusWaitlisted, StatusConvoked, StatusEnrolled, StatusReassignmentRequested},
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying active children")
	}
	// stable entry order keeps plan diffs reviewable
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].Name != children[j].Name {
			return children[i].Name < children[j].Name
		}
		return children[i].ID < children[j].ID
	})
	rooms, err := svc.repo.QueryClassrooms(ctx, ClassroomFilter{})
	if err != nil {
		return nil, errors.Wrap(err, "querying classrooms")
	}
	roomByID := make(map[string]Classroom, len(rooms))
	for _, r := range rooms {
		roomByID[r.ID] = r
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		Cutoff:    dateOf(cutoff),
		CreatedAt: nowFunc().UTC(),
		Entries:   make([]PlanEntry, 0, len(children)),
	}
	for _, ch := range children {
		plan.Entries = append(plan.Entries, buildEntry(ch, classifier, roomByID, cutoff))
	}
	return plan, nil
}

func buildEntry(ch Child, classifier *Classifier, roomByID map[string]Classroom, cutoff time.Time) PlanEntry {
	e := PlanEntry{
		Child:              ch,
		PlannedStatus:      ch.Status,
		PlannedSiteID:      ch.CurrentSiteID,
		PlannedClassroomID: ch.CurrentClassroomID,
	}
	if band, err := classifier.Classify(ch.BirthDate, nowFunc()); err == nil {
		e.Band = band
	}

	next, err := classifier.Classify(ch.BirthDate, cutoff)
	switch {
	case err == nil:
		e.NextBand = next
	case errors.Cause(err) == ErrAgedOut:
		e.Group = GroupConcluding
		e.Note = "ages out past the highest band at the cutoff"
		return e
	default:
		e.Group = GroupUnchanged
		e.Note = fmt.Sprintf("not classifiable at the cutoff: %v; left untouched", err)
		return e
	}

	// a pending offer is resolved through its own deadline, never by a plan
	if ch.Status == StatusConvoked {
		e.Group = GroupUnchanged
		e.Note = "pending convocation; resolve the offer first"
		return e
	}

	switch ch.Status {
	case StatusWaitlisted:
		if e.Band.ID != next.ID {
			e.Group = GroupQueueReclassified
			e.Note = fmt.Sprintf("waitlist band becomes %s", next.Name)
		} else {
			e.Group = GroupUnchanged
		}
	default: // Enrolled, ReassignmentRequested
		room, ok := roomByID[ch.CurrentClassroomID]
		if ok && room.AgeBandID == next.ID {
			e.Group = GroupUnchanged
			return e
		}
		e.Group = GroupInternalReassignment
		e.Note = fmt.Sprintf("needs a %s classroom; placement pending review", next.Name)
	}
	return e
}

// CommitTransitionPlan applies every changed entry through the regular
// transition events, one child at a time. A failed entry (lost slot race,
// stale child, missing placement) is reported in the result and never blocks
// the rest; unchanged entries are not touched.
func (svc *service) CommitTransitionPlan(ctx context.Context, plan *Plan, actor string) (CommitResult, error) {
	res := CommitResult{Applied: []string{}, Failed: []CommitFailure{}}
	if plan == nil {
		return res, fmt.Errorf("no plan given")
	}
	for _, e := range plan.Entries {
		if !e.changed() {
			continue
		}
		if err := svc.commitEntry(ctx, e, actor); err != nil {
			res.Failed = append(res.Failed, CommitFailure{ChildID: e.Child.ID, Error: err.Error()})
			continue
		}
		res.Applied = append(res.Applied, e.Child.ID)
	}
	return res, nil
}

func (svc *service) commitEntry(ctx context.Context, e PlanEntry, actor string) error {
	ch := e.Child
	if e.PlannedStatus.Placed() && (e.PlannedSiteID == "" || e.PlannedClassroomID == "") {
		return fmt.Errorf("status %q needs a planned placement", e.PlannedStatus)
	}

	switch e.PlannedStatus {
	case StatusWithdrawn:
		justification := e.Note
		if justification == "" {
			justification = "Removed by transition plan."
		}
		_, err := svc.MarkWithdrawn(ctx, ch.ID, justification, actor)
		return err

	case StatusEnrolled:
		switch {
		case ch.Status == StatusWaitlisted:
			// placement from the waitlist goes through the offer events
			if _, err := svc.Convoke(ctx, ch.ID, e.PlannedSiteID, e.PlannedClassroomID, actor); err != nil {
				return err
			}
			_, err := svc.ConfirmEnrollment(ctx, ch.ID, actor)
			return err
		case ch.Status == StatusEnrolled && e.PlannedSiteID == ch.CurrentSiteID:
			_, err := svc.Reallocate(ctx, ch.ID, e.PlannedClassroomID, actor)
			return err
		case ch.Status == StatusEnrolled:
			// cross-site moves go through the reassignment events
			justification := e.Note
			if justification == "" {
				justification = "Moved by transition plan."
			}
			if _, err := svc.RequestReassignment(ctx, ch.ID, e.PlannedSiteID, justification, actor); err != nil {
				return err
			}
			_, err := svc.ApproveReassignment(ctx, ch.ID, e.PlannedSiteID, e.PlannedClassroomID, actor)
			return err
		case ch.Status == StatusReassignmentRequested:
			if e.PlannedSiteID != ch.ReassignmentTargetSiteID {
				return fmt.Errorf("planned site does not match the requested reassignment target")
			}
			_, err := svc.ApproveReassignment(ctx, ch.ID, e.PlannedSiteID, e.PlannedClassroomID, actor)
			return err
		}
		return fmt.Errorf("no transition from %q to %q", ch.Status, e.PlannedStatus)

	case StatusWaitlisted:
		if ch.Status == StatusWaitlisted {
			return nil // band reclassification only; nothing stored changes
		}
		return fmt.Errorf("no transition from %q to %q", ch.Status, e.PlannedStatus)

	default:
		return fmt.Errorf("no transition from %q to %q", ch.Status, e.PlannedStatus)
	}
}
