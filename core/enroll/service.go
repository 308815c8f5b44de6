package enroll

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/chekechea/core"
)

var nowFunc = time.Now // mockable

type (
	// ClassroomFilter applies AND operation on available fields.
	ClassroomFilter struct {
		SiteIDs   []string
		AgeBandID string
		OpenOnly  bool
	}

	// Repository is the persistence contract of the enrollment engine.
	//
	// Atomic runs fn against a transactional view of the repository: either
	// every mutation inside fn is applied, or none is. Implementations must
	// guarantee at least per-row atomicity for UpdateChild (version CAS) and
	// Increment/DecrementOccupancy (occupancy CAS).
	Repository interface {
		Atomic(ctx context.Context, fn func(tx Repository) error) error

		CreateChild(ctx context.Context, child Child) (Child, error)
		GetChild(ctx context.Context, id string) (Child, error)
		// QueryChildren applies AND operation on available QueryFilter fields.
		QueryChildren(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]Child, error)
		// UpdateChild persists the child iff its Version still matches the
		// stored row, then bumps the version; ErrStaleChild otherwise.
		UpdateChild(ctx context.Context, child Child) (Child, error)
		DeleteChild(ctx context.Context, id string) error

		GetSite(ctx context.Context, id string) (Site, error)
		QuerySites(ctx context.Context) ([]Site, error)

		GetClassroom(ctx context.Context, id string) (Classroom, error)
		QueryClassrooms(ctx context.Context, filter ClassroomFilter) ([]Classroom, error)
		// IncrementOccupancy atomically takes one seat; it fails with
		// ErrSlotNoLongerAvailable when the classroom is full.
		IncrementOccupancy(ctx context.Context, classroomID string) error
		DecrementOccupancy(ctx context.Context, classroomID string) error

		QueryAgeBands(ctx context.Context) ([]AgeBand, error)
		GetSettings(ctx context.Context) (Settings, error)

		AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
		QueryHistory(ctx context.Context, childID string) ([]HistoryEntry, error)
	}

	// SiteUsage aggregates a site's classroom occupancy. Derived, never stored.
	SiteUsage struct {
		Site       Site `json:"site"`
		Classrooms int  `json:"classrooms"`
		Capacity   int  `json:"capacity"`
		Occupancy  int  `json:"occupancy"`
	}

	Service interface {
		Register(ctx context.Context, nc NewChild, actor string) (Child, error)
		Update(ctx context.Context, id string, uc UpdateChild, actor string) (Child, error)
		Get(ctx context.Context, id string) (Child, error)
		Query(ctx context.Context, filter *QueryFilter) ([]Child, error)
		Delete(ctx context.Context, id, justification, actor string) error
		History(ctx context.Context, childID string) ([]HistoryEntry, error)

		Waitlist(ctx context.Context) ([]QueueEntry, error)
		ClassifyChild(ctx context.Context, childID string, cutoff time.Time) (AgeBand, error)
		FindSlots(ctx context.Context, childID string, mode SlotMode) ([]Slot, error)
		SiteUtilization(ctx context.Context) ([]SiteUsage, error)

		Convoke(ctx context.Context, childID, siteID, classroomID, actor string) (Child, error)
		ConfirmEnrollment(ctx context.Context, childID, actor string) (Child, error)
		Decline(ctx context.Context, childID, justification, actor string) (Child, error)
		ExpireToBackOfQueue(ctx context.Context, childID, justification, actor string) (Child, error)
		RequestReassignment(ctx context.Context, childID, targetSiteID, justification, actor string) (Child, error)
		ApproveReassignment(ctx context.Context, childID, newSiteID, newClassroomID, actor string) (Child, error)
		MarkWithdrawn(ctx context.Context, childID, justification, actor string) (Child, error)
		MarkTransferredOutOfCity(ctx context.Context, childID, justification, actor string) (Child, error)
		Reactivate(ctx context.Context, childID, actor string) (Child, error)
		Reallocate(ctx context.Context, childID, newClassroomID, actor string) (Child, error)

		FindExpiredConvocations(ctx context.Context, asOf time.Time) ([]Child, error)
		SweepExpiredConvocations(ctx context.Context, asOf time.Time, actor string) ([]Child, error)

		BuildTransitionPlan(ctx context.Context, cutoff time.Time) (*Plan, error)
		CommitTransitionPlan(ctx context.Context, plan *Plan, actor string) (CommitResult, error)
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
		logger  core.Logger
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, mailSvc core.EmailService, logger core.Logger) Service {
	return &service{repo: repo, mailSvc: mailSvc, logger: logger}
}

// history action labels
const (
	actionRegistration     = "Registration"
	actionProfileUpdated   = "Profile Updated"
	actionConvocationSent  = "Convocation Sent"
	actionEnrollConfirmed  = "Enrollment Confirmed"
	actionConvocationDecl  = "Convocation Declined"
	actionBackOfQueue      = "Back of Queue"
	actionReassignRequest  = "Reassignment Requested"
	actionReassignApproved = "Reassignment Approved"
	actionWithdrawal       = "Withdrawal Registered"
	actionTransferOut      = "Transfer Out of City"
	actionReactivation     = "Queue Reactivation"
	actionReallocation     = "Classroom Reallocation"
	actionRecordDeleted    = "Record Deleted"
)

func requireJustification(justification string) error {
	if core.CleanString(justification) == "" {
		return core.NewValidationError(nil, core.FieldError{
			Field: "justification",
			Error: "a justification is required for this action",
		})
	}
	return nil
}

func (svc *service) appendHistory(ctx context.Context, tx Repository, childID, action, detail, actor string) error {
	_, err := tx.AppendHistory(ctx, HistoryEntry{
		ChildID:   childID,
		Action:    action,
		Detail:    detail,
		Actor:     actor,
		CreatedAt: nowFunc().UTC(),
	})
	return errors.Wrap(err, "appending history")
}

// Register creates the child at the back of the waitlist.
func (svc *service) Register(ctx context.Context, nc NewChild, actor string) (Child, error) {
	now := nowFunc().UTC()
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		waitlisted, err := tx.QueryChildren(ctx, &QueryFilter{Statuses: []Status{StatusWaitlisted}})
		if err != nil {
			return errors.Wrap(err, "querying waitlist")
		}

		ch := Child{
			Name:             nc.Name,
			BirthDate:        nc.birthDate(),
			Sex:              nc.Sex,
			SocialProgram:    nc.SocialProgram,
			AcceptsAnySite:   nc.AcceptsAnySite,
			PreferredSiteIDs: nc.PreferredSiteIDs,
			Guardian: Guardian{
				Name:         nc.GuardianName,
				NationalID:   nc.GuardianNationalID,
				Phone:        nc.GuardianPhone,
				Phone2:       nc.GuardianPhone2,
				Email:        nc.GuardianEmail,
				Address:      nc.GuardianAddress,
				Neighborhood: nc.GuardianNeighborhood,
				Notes:        nc.GuardianNotes,
			},
			Status:        StatusWaitlisted,
			QueuePosition: NextQueuePosition(waitlisted),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if ch, err = tx.CreateChild(ctx, ch); err != nil {
			return errors.Wrap(err, "creating child")
		}
		detail := fmt.Sprintf("%s registered on the waitlist at position %d.", ch.Name, ch.QueuePosition)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionRegistration, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// Update modifies profile fields only; lifecycle fields change through transitions.
func (svc *service) Update(ctx context.Context, id string, uc UpdateChild, actor string) (Child, error) {
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, id)
		if err != nil {
			return err
		}
		if uc.Name != "" {
			ch.Name = uc.Name
		}
		if uc.Sex != "" {
			ch.Sex = uc.Sex
		}
		if uc.SocialProgram != nil {
			ch.SocialProgram = *uc.SocialProgram
		}
		if uc.AcceptsAnySite != nil {
			ch.AcceptsAnySite = *uc.AcceptsAnySite
		}
		if uc.PreferredSiteIDs != nil {
			ch.PreferredSiteIDs = uc.PreferredSiteIDs
		}
		if uc.GuardianName != "" {
			ch.Guardian.Name = uc.GuardianName
		}
		if uc.GuardianNationalID != "" {
			ch.Guardian.NationalID = uc.GuardianNationalID
		}
		if uc.GuardianPhone != "" {
			ch.Guardian.Phone = uc.GuardianPhone
		}
		if uc.GuardianPhone2 != "" {
			ch.Guardian.Phone2 = uc.GuardianPhone2
		}
		if uc.GuardianEmail != "" {
			ch.Guardian.Email = uc.GuardianEmail
		}
		if uc.GuardianAddress != "" {
			ch.Guardian.Address = uc.GuardianAddress
		}
		if uc.GuardianNeighborhood != "" {
			ch.Guardian.Neighborhood = uc.GuardianNeighborhood
		}
		if uc.GuardianNotes != "" {
			ch.Guardian.Notes = uc.GuardianNotes
		}
		ch.UpdatedAt = nowFunc().UTC()

		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}
		if err = svc.appendHistory(ctx, tx, ch.ID, actionProfileUpdated, "Profile data updated.", actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

func (svc *service) Get(ctx context.Context, id string) (Child, error) {
	return svc.repo.GetChild(ctx, id)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter) ([]Child, error) {
	if filter != nil {
		filter.Clean()
	}
	return svc.repo.QueryChildren(ctx, filter)
}

// Delete hard-deletes the child after writing a final ledger entry.
func (svc *service) Delete(ctx context.Context, id, justification, actor string) error {
	if err := requireJustification(justification); err != nil {
		return err
	}
	return svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, id)
		if err != nil {
			return err
		}
		if ch.HasSlot() {
			if err = tx.DecrementOccupancy(ctx, ch.CurrentClassroomID); err != nil {
				return err
			}
		}
		detail := fmt.Sprintf("Record of %s permanently deleted. Justification: %s", ch.Name, justification)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionRecordDeleted, detail, actor); err != nil {
			return err
		}
		return tx.DeleteChild(ctx, id)
	})
}

func (svc *service) History(ctx context.Context, childID string) ([]HistoryEntry, error) {
	return svc.repo.QueryHistory(ctx, childID)
}

// Waitlist returns the waitlisted children in effective order, positions
// computed lazily from the queue policy.
func (svc *service) Waitlist(ctx context.Context) ([]QueueEntry, error) {
	children, err := svc.repo.QueryChildren(ctx, &QueryFilter{Statuses: []Status{StatusWaitlisted}})
	if err != nil {
		return nil, errors.Wrap(err, "querying waitlist")
	}
	return RankWaitlist(children), nil
}

func (svc *service) classifier(ctx context.Context, repo Repository) (*Classifier, error) {
	bands, err := repo.QueryAgeBands(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying age bands")
	}
	return NewClassifier(bands)
}

// ClassifyChild returns the child's eligible age band as of cutoff.
// A zero cutoff means today.
func (svc *service) ClassifyChild(ctx context.Context, childID string, cutoff time.Time) (AgeBand, error) {
	ch, err := svc.repo.GetChild(ctx, childID)
	if err != nil {
		return AgeBand{}, err
	}
	classifier, err := svc.classifier(ctx, svc.repo)
	if err != nil {
		return AgeBand{}, err
	}
	if cutoff.IsZero() {
		cutoff = nowFunc()
	}
	return classifier.Classify(ch.BirthDate, cutoff)
}

// FindSlots returns the ranked open slots compatible with the child under mode.
func (svc *service) FindSlots(ctx context.Context, childID string, mode SlotMode) ([]Slot, error) {
	if !mode.Valid() {
		return nil, core.NewValidationError(nil, core.FieldError{Field: "mode", Error: "unknown slot mode"})
	}
	ch, err := svc.repo.GetChild(ctx, childID)
	if err != nil {
		return nil, err
	}

	var band AgeBand
	if mode == ModeNormal {
		classifier, err := svc.classifier(ctx, svc.repo)
		if err != nil {
			return nil, err
		}
		if band, err = classifier.Classify(ch.BirthDate, nowFunc()); err != nil {
			return nil, err
		}
	}
	if mode == ModeReassignment && ch.ReassignmentTargetSiteID == "" {
		return nil, newIllegalTransition(ch.Status, "FindSlots(reassignment)")
	}

	sites, err := svc.repo.QuerySites(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying sites")
	}
	rooms, err := svc.repo.QueryClassrooms(ctx, ClassroomFilter{OpenOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "querying classrooms")
	}
	return ResolveSlots(ch, sites, rooms, band, mode), nil
}

// SiteUtilization sums classroom occupancy per site.
func (svc *service) SiteUtilization(ctx context.Context) ([]SiteUsage, error) {
	sites, err := svc.repo.QuerySites(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying sites")
	}
	rooms, err := svc.repo.QueryClassrooms(ctx, ClassroomFilter{})
	if err != nil {
		return nil, errors.Wrap(err, "querying classrooms")
	}
	usageBySite := make(map[string]*SiteUsage, len(sites))
	usages := make([]SiteUsage, len(sites))
	for i, s := range sites {
		usages[i] = SiteUsage{Site: s}
		usageBySite[s.ID] = &usages[i]
	}
	for _, room := range rooms {
		if u, ok := usageBySite[room.SiteID]; ok {
			u.Classrooms++
			u.Capacity += room.Capacity
			u.Occupancy += room.Occupancy
		}
	}
	return usages, nil
}

// Convoke offers the child a specific slot with a response deadline.
// Waitlisted -> Convoked.
func (svc *service) Convoke(ctx context.Context, childID, siteID, classroomID, actor string) (Child, error) {
	var out Child
	var site Site
	var room Classroom
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusWaitlisted {
			return newIllegalTransition(ch.Status, "Convoke")
		}

		if site, err = tx.GetSite(ctx, siteID); err != nil {
			return err
		}
		if room, err = tx.GetClassroom(ctx, classroomID); err != nil {
			return err
		}
		if room.SiteID != site.ID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "classroom_id",
				Error: "classroom does not belong to the given site",
			})
		}

		// a convocation must target the child's current eligible band
		classifier, err := svc.classifier(ctx, tx)
		if err != nil {
			return err
		}
		band, err := classifier.Classify(ch.BirthDate, nowFunc())
		if err != nil {
			return err
		}
		if room.AgeBandID != band.ID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "classroom_id",
				Error: fmt.Sprintf("classroom is not in the child's eligible age band (%s)", band.Name),
			})
		}

		settings, err := tx.GetSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "reading settings")
		}

		if err = tx.IncrementOccupancy(ctx, room.ID); err != nil {
			return err
		}

		ch.Status = StatusConvoked
		ch.CurrentSiteID = site.ID
		ch.CurrentClassroomID = room.ID
		ch.QueuePosition = 0
		ch.OfferDeadline = dateOf(nowFunc()).AddDate(0, 0, settings.OfferResponseDays)
		ch.PenaltyDate = time.Time{} // a granted offer clears any pending penalty
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Convoked to %s - %s. Response due by %s.",
			site.Name, room.Name, ch.OfferDeadline.Format(dateLayout))
		if err = svc.appendHistory(ctx, tx, ch.ID, actionConvocationSent, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return Child{}, err
	}
	svc.sendConvocationMail(out, site, room)
	return out, nil
}

// ConfirmEnrollment accepts the offer. Convoked -> Enrolled.
func (svc *service) ConfirmEnrollment(ctx context.Context, childID, actor string) (Child, error) {
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusConvoked {
			return newIllegalTransition(ch.Status, "ConfirmEnrollment")
		}
		site, err := tx.GetSite(ctx, ch.CurrentSiteID)
		if err != nil {
			return err
		}
		room, err := tx.GetClassroom(ctx, ch.CurrentClassroomID)
		if err != nil {
			return err
		}

		ch.Status = StatusEnrolled
		ch.OfferDeadline = time.Time{}
		ch.PenaltyDate = time.Time{}
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Enrollment confirmed at %s - %s.", site.Name, room.Name)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionEnrollConfirmed, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// Decline refuses the offer and releases the slot. Convoked -> Declined (terminal).
func (svc *service) Decline(ctx context.Context, childID, justification, actor string) (Child, error) {
	if err := requireJustification(justification); err != nil {
		return Child{}, err
	}
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusConvoked {
			return newIllegalTransition(ch.Status, "Decline")
		}
		if err = tx.DecrementOccupancy(ctx, ch.CurrentClassroomID); err != nil {
			return err
		}

		ch.Status = StatusDeclined
		ch.CurrentSiteID = ""
		ch.CurrentClassroomID = ""
		ch.OfferDeadline = time.Time{}
		ch.PenaltyDate = time.Time{}
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Convocation declined. Justification: %s", justification)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionConvocationDecl, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// ExpireToBackOfQueue sends a non-responding child back to the waitlist with a
// penalty. Convoked -> Waitlisted (forced reset).
func (svc *service) ExpireToBackOfQueue(ctx context.Context, childID, justification, actor string) (Child, error) {
	if err := requireJustification(justification); err != nil {
		return Child{}, err
	}
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusConvoked {
			return newIllegalTransition(ch.Status, "ExpireToBackOfQueue")
		}
		if err = tx.DecrementOccupancy(ctx, ch.CurrentClassroomID); err != nil {
			return err
		}
		waitlisted, err := tx.QueryChildren(ctx, &QueryFilter{Statuses: []Status{StatusWaitlisted}})
		if err != nil {
			return errors.Wrap(err, "querying waitlist")
		}

		ch.Status = StatusWaitlisted
		ch.CurrentSiteID = ""
		ch.CurrentClassroomID = ""
		ch.OfferDeadline = time.Time{}
		ch.QueuePosition = NextQueuePosition(waitlisted)
		ch.PenaltyDate = nowFunc().UTC() // forced reset always penalizes
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Moved to the back of the queue. Justification: %s", justification)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionBackOfQueue, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// RequestReassignment asks to move an enrolled child to a different site.
// Enrolled -> ReassignmentRequested; the current slot is retained.
func (svc *service) RequestReassignment(ctx context.Context, childID, targetSiteID, justification, actor string) (Child, error) {
	if err := requireJustification(justification); err != nil {
		return Child{}, err
	}
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusEnrolled {
			return newIllegalTransition(ch.Status, "RequestReassignment")
		}
		target, err := tx.GetSite(ctx, targetSiteID)
		if err != nil {
			return err
		}
		if target.ID == ch.CurrentSiteID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "target_site_id",
				Error: "target site is the child's current site",
			})
		}

		ch.Status = StatusReassignmentRequested
		ch.ReassignmentTargetSiteID = target.ID
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Reassignment to %s requested. Justification: %s", target.Name, justification)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionReassignRequest, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// ApproveReassignment moves the child to a classroom at the requested site.
// ReassignmentRequested -> Enrolled.
func (svc *service) ApproveReassignment(ctx context.Context, childID, newSiteID, newClassroomID, actor string) (Child, error) {
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusReassignmentRequested {
			return newIllegalTransition(ch.Status, "ApproveReassignment")
		}
		if newSiteID != ch.ReassignmentTargetSiteID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "site_id",
				Error: "site does not match the requested reassignment target",
			})
		}
		site, err := tx.GetSite(ctx, newSiteID)
		if err != nil {
			return err
		}
		room, err := tx.GetClassroom(ctx, newClassroomID)
		if err != nil {
			return err
		}
		if room.SiteID != site.ID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "classroom_id",
				Error: "classroom does not belong to the given site",
			})
		}

		oldClassroomID := ch.CurrentClassroomID
		if err = tx.IncrementOccupancy(ctx, room.ID); err != nil {
			return err
		}
		if err = tx.DecrementOccupancy(ctx, oldClassroomID); err != nil {
			return err
		}

		ch.Status = StatusEnrolled
		ch.CurrentSiteID = site.ID
		ch.CurrentClassroomID = room.ID
		ch.ReassignmentTargetSiteID = ""
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Reassignment approved; moved to %s - %s.", site.Name, room.Name)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionReassignApproved, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

func (svc *service) markExited(ctx context.Context, childID, justification, actor, event, action, detailFmt string) (Child, error) {
	if err := requireJustification(justification); err != nil {
		return Child{}, err
	}
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		switch ch.Status {
		case StatusWaitlisted, StatusEnrolled, StatusConvoked, StatusReassignmentRequested:
		default:
			return newIllegalTransition(ch.Status, event)
		}
		if event == "MarkTransferredOutOfCity" && ch.Status == StatusReassignmentRequested {
			return newIllegalTransition(ch.Status, event)
		}
		if ch.HasSlot() {
			if err = tx.DecrementOccupancy(ctx, ch.CurrentClassroomID); err != nil {
				return err
			}
		}

		ch.Status = StatusWithdrawn
		ch.CurrentSiteID = ""
		ch.CurrentClassroomID = ""
		ch.OfferDeadline = time.Time{}
		ch.QueuePosition = 0
		ch.PenaltyDate = time.Time{}
		ch.ReassignmentTargetSiteID = ""
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		if err = svc.appendHistory(ctx, tx, ch.ID, action, fmt.Sprintf(detailFmt, justification), actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// MarkWithdrawn ends the lifecycle from any active status. -> Withdrawn.
func (svc *service) MarkWithdrawn(ctx context.Context, childID, justification, actor string) (Child, error) {
	return svc.markExited(ctx, childID, justification, actor,
		"MarkWithdrawn", actionWithdrawal, "Child marked as withdrawn. Justification: %s")
}

// MarkTransferredOutOfCity ends the lifecycle with a distinct audit label.
// Any active status except ReassignmentRequested -> Withdrawn.
func (svc *service) MarkTransferredOutOfCity(ctx context.Context, childID, justification, actor string) (Child, error) {
	return svc.markExited(ctx, childID, justification, actor,
		"MarkTransferredOutOfCity", actionTransferOut, "Enrollment ended by transfer out of the city. Justification: %s")
}

// Reactivate puts a Declined/Withdrawn child back on the waitlist, applying
// the queue policy: a penalty timestamp unless the child is a social-program
// beneficiary and the no-fault rule is enabled.
func (svc *service) Reactivate(ctx context.Context, childID, actor string) (Child, error) {
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusWithdrawn && ch.Status != StatusDeclined {
			return newIllegalTransition(ch.Status, "Reactivate")
		}
		settings, err := tx.GetSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "reading settings")
		}
		waitlisted, err := tx.QueryChildren(ctx, &QueryFilter{Statuses: []Status{StatusWaitlisted}})
		if err != nil {
			return errors.Wrap(err, "querying waitlist")
		}

		ch.Status = StatusWaitlisted
		ch.CurrentSiteID = ""
		ch.CurrentClassroomID = ""
		ch.OfferDeadline = time.Time{}
		ch.QueuePosition = NextQueuePosition(waitlisted)
		if ch.SocialProgram && settings.BeneficiaryKeepsPosition {
			ch.PenaltyDate = time.Time{} // no-fault path preserves the beneficiary's relative order
		} else {
			ch.PenaltyDate = nowFunc().UTC()
		}
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("%s reactivated on the waitlist", ch.Name)
		if ch.Penalized() {
			detail += " (moved to the back of the queue)."
		} else {
			detail += " (priority preserved)."
		}
		if err = svc.appendHistory(ctx, tx, ch.ID, actionReactivation, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// Reallocate moves an enrolled child to another classroom at the same site.
func (svc *service) Reallocate(ctx context.Context, childID, newClassroomID, actor string) (Child, error) {
	var out Child
	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		ch, err := tx.GetChild(ctx, childID)
		if err != nil {
			return err
		}
		if ch.Status != StatusEnrolled {
			return newIllegalTransition(ch.Status, "Reallocate")
		}
		room, err := tx.GetClassroom(ctx, newClassroomID)
		if err != nil {
			return err
		}
		if room.SiteID != ch.CurrentSiteID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "classroom_id",
				Error: "classroom is not at the child's current site",
			})
		}
		if room.ID == ch.CurrentClassroomID {
			return core.NewValidationError(nil, core.FieldError{
				Field: "classroom_id",
				Error: "child is already in this classroom",
			})
		}
		site, err := tx.GetSite(ctx, ch.CurrentSiteID)
		if err != nil {
			return err
		}

		oldClassroomID := ch.CurrentClassroomID
		if err = tx.IncrementOccupancy(ctx, room.ID); err != nil {
			return err
		}
		if err = tx.DecrementOccupancy(ctx, oldClassroomID); err != nil {
			return err
		}

		ch.CurrentClassroomID = room.ID
		ch.UpdatedAt = nowFunc().UTC()
		if ch, err = tx.UpdateChild(ctx, ch); err != nil {
			return err
		}

		detail := fmt.Sprintf("Reallocated to %s - %s.", site.Name, room.Name)
		if err = svc.appendHistory(ctx, tx, ch.ID, actionReallocation, detail, actor); err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// FindExpiredConvocations lists convoked children whose deadline lapsed as of
// asOf. Expiry is evaluated lazily; nothing is mutated here.
func (svc *service) FindExpiredConvocations(ctx context.Context, asOf time.Time) ([]Child, error) {
	convoked, err := svc.repo.QueryChildren(ctx, &QueryFilter{Statuses: []Status{StatusConvoked}})
	if err != nil {
		return nil, errors.Wrap(err, "querying convocations")
	}
	expired := make([]Child, 0)
	for _, ch := range convoked {
		if ch.OfferExpired(asOf) {
			expired = append(expired, ch)
		}
	}
	return expired, nil
}

// SweepExpiredConvocations applies ExpireToBackOfQueue to every lapsed offer.
// Individual failures (e.g. a concurrent confirm) are logged and skipped; the
// sweep never blocks other operations.
func (svc *service) SweepExpiredConvocations(ctx context.Context, asOf time.Time, actor string) ([]Child, error) {
	expired, err := svc.FindExpiredConvocations(ctx, asOf)
	if err != nil {
		return nil, err
	}
	swept := make([]Child, 0, len(expired))
	for _, ch := range expired {
		justification := fmt.Sprintf("Offer deadline (%s) elapsed with no response.", ch.OfferDeadline.Format(dateLayout))
		updated, err := svc.ExpireToBackOfQueue(ctx, ch.ID, justification, actor)
		if err != nil {
			if svc.logger != nil {
				svc.logger.Warn(fmt.Sprintf("sweep: skipping child %s: %v", ch.ID, err), err)
			}
			continue
		}
		swept = append(swept, updated)
	}
	return swept, nil
}

// sendConvocationMail notifies the guardian of the offer. Best effort; the
// transition is already committed.
func (svc *service) sendConvocationMail(ch Child, site Site, room Classroom) {
	if svc.mailSvc == nil || ch.Guardian.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: ch.Guardian.Name, Address: ch.Guardian.Email}},
		Subject:      "Daycare slot offered for " + ch.Name,
		TemplateName: "convocation-notice",
		TemplateData: struct {
			ChildName string
			SiteName  string
			Classroom string
			Deadline  string
		}{ch.Name, site.Name, room.Name, ch.OfferDeadline.Format(dateLayout)},
	})
}
