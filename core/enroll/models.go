package enroll

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/chekechea/core"
)

// Status is a child's position in the enrollment lifecycle.
// All mutations go through Service; see the transition table there.
type Status string

const (
	StatusWaitlisted            Status = "waitlisted"
	StatusConvoked              Status = "convoked"
	StatusEnrolled              Status = "enrolled"
	StatusDeclined              Status = "declined"
	StatusWithdrawn             Status = "withdrawn"
	StatusReassignmentRequested Status = "reassignment_requested"
)

var AllStatuses = []Status{
	StatusWaitlisted,
	StatusConvoked,
	StatusEnrolled,
	StatusDeclined,
	StatusWithdrawn,
	StatusReassignmentRequested,
}

// Active reports whether the child still takes part in the enrollment cycle.
func (s Status) Active() bool {
	switch s {
	case StatusWaitlisted, StatusConvoked, StatusEnrolled, StatusReassignmentRequested:
		return true
	}
	return false
}

// Placed reports whether the status implies a held site/classroom slot.
func (s Status) Placed() bool {
	switch s {
	case StatusConvoked, StatusEnrolled, StatusReassignmentRequested:
		return true
	}
	return false
}

// Terminal reports whether the status ends the lifecycle (until a manual Reactivate).
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusWithdrawn
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

type (
	// Guardian is the child's responsible adult contact.
	Guardian struct {
		Name         string `json:"name"`
		NationalID   string `json:"national_id"`
		Phone        string `json:"phone"`
		Phone2       string `json:"phone2,omitempty"`
		Email        string `json:"email,omitempty"`
		Address      string `json:"address,omitempty"`
		Neighborhood string `json:"neighborhood,omitempty"`
		Notes        string `json:"notes,omitempty"`
	}

	// Child is the central entity of the engine.
	//
	// Invariants (enforced by Service, checked by CheckInvariants):
	//   - CurrentSiteID/CurrentClassroomID set iff Status.Placed()
	//   - OfferDeadline set iff Status == StatusConvoked
	//   - QueuePosition set only while Status == StatusWaitlisted
	//
	// Zero values stand in for SQL NULLs on the lifecycle fields.
	Child struct {
		ID               string    `json:"id"`
		Name             string    `json:"name"`
		BirthDate        time.Time `json:"birth_date"` // date only, UTC
		Sex              string    `json:"sex"`
		SocialProgram    bool      `json:"social_program"` // social-program beneficiary
		AcceptsAnySite   bool      `json:"accepts_any_site"`
		PreferredSiteIDs []string  `json:"preferred_site_ids,omitempty"` // up to two
		Guardian         Guardian  `json:"guardian"`

		Status                   Status    `json:"status"`
		CurrentSiteID            string    `json:"current_site_id,omitempty"`
		CurrentClassroomID       string    `json:"current_classroom_id,omitempty"`
		QueuePosition            int       `json:"queue_position,omitempty"` // stored counter; 0 = none
		OfferDeadline            time.Time `json:"offer_deadline,omitempty"` // date; zero = none
		PenaltyDate              time.Time `json:"penalty_date,omitempty"`   // zero = no penalty
		ReassignmentTargetSiteID string    `json:"reassignment_target_site_id,omitempty"`

		Version   int       `json:"-"` // optimistic concurrency token
		CreatedAt time.Time `json:"created_at"` // UTC
		UpdatedAt time.Time `json:"updated_at"` // UTC
	}

	// Site is a physical daycare facility.
	Site struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		Neighborhood string    `json:"neighborhood,omitempty"`
		CreatedAt    time.Time `json:"created_at"`
	}

	// Classroom is a capacity-bounded group within a Site, tied to one AgeBand.
	Classroom struct {
		ID        string    `json:"id"`
		SiteID    string    `json:"site_id"`
		Name      string    `json:"name"`
		AgeBandID string    `json:"age_band_id"`
		Capacity  int       `json:"capacity"`
		Occupancy int       `json:"occupancy"`
		CreatedAt time.Time `json:"created_at"`
	}

	// AgeBand is a named age range in whole months, inclusive on both ends.
	// Ordinal gives the canonical progression used for next-year assignment.
	AgeBand struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		MinMonths int    `json:"min_months"`
		MaxMonths int    `json:"max_months"`
		Ordinal   int    `json:"ordinal"`
	}

	// HistoryEntry is one immutable line of the audit ledger.
	HistoryEntry struct {
		ID        string    `json:"id"`
		ChildID   string    `json:"child_id"`
		Action    string    `json:"action"`
		Detail    string    `json:"detail"`
		Actor     string    `json:"actor"`
		CreatedAt time.Time `json:"created_at"` // UTC
	}

	// Settings is the municipal policy configuration, read from the store at
	// invocation time (never cached across calls).
	Settings struct {
		OfferResponseDays        int  `json:"offer_response_days"`
		CutoffMonth              int  `json:"cutoff_month"` // annual cutoff, e.g. March
		CutoffDay                int  `json:"cutoff_day"`   // e.g. 31
		BeneficiaryKeepsPosition bool `json:"beneficiary_keeps_position"`
	}
)

// CutoffDate returns the annual cutoff date for the given year.
func (s Settings) CutoffDate(year int) time.Time {
	return time.Date(year, time.Month(s.CutoffMonth), s.CutoffDay, 0, 0, 0, 0, time.UTC)
}

// HasSlot reports whether the child currently holds a site/classroom slot.
func (c Child) HasSlot() bool {
	return c.CurrentSiteID != "" && c.CurrentClassroomID != ""
}

// Penalized reports whether the child carries a queue penalty.
func (c Child) Penalized() bool {
	return !c.PenaltyDate.IsZero()
}

// OfferExpired reports whether a convocation deadline has lapsed as of `asOf`.
func (c Child) OfferExpired(asOf time.Time) bool {
	return c.Status == StatusConvoked && !c.OfferDeadline.IsZero() && c.OfferDeadline.Before(dateOf(asOf))
}

// PrefersSite reports whether siteID is one of the child's preferred sites.
func (c Child) PrefersSite(siteID string) bool {
	for _, id := range c.PreferredSiteIDs {
		if id == siteID {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the lifecycle field invariants and returns a
// descriptive error on the first violation.
func (c Child) CheckInvariants() error {
	if c.Status.Placed() != c.HasSlot() {
		return fmt.Errorf("child %s: status %q inconsistent with slot fields (site=%q classroom=%q)",
			c.ID, c.Status, c.CurrentSiteID, c.CurrentClassroomID)
	}
	if (c.Status == StatusConvoked) != !c.OfferDeadline.IsZero() {
		return fmt.Errorf("child %s: status %q inconsistent with offer deadline %v", c.ID, c.Status, c.OfferDeadline)
	}
	if c.Status != StatusWaitlisted && c.QueuePosition != 0 {
		return fmt.Errorf("child %s: queue position %d set while status %q", c.ID, c.QueuePosition, c.Status)
	}
	return nil
}

// Open reports whether the classroom still has room.
func (cr Classroom) Open() bool { return cr.Occupancy < cr.Capacity }

// OpenCount returns the number of free seats.
func (cr Classroom) OpenCount() int {
	if n := cr.Capacity - cr.Occupancy; n > 0 {
		return n
	}
	return 0
}

// Contains reports whether the given age in months falls within the band.
func (b AgeBand) Contains(ageMonths int) bool {
	return ageMonths >= b.MinMonths && ageMonths <= b.MaxMonths
}

// NewChild contains the information needed to register a child.
type NewChild struct {
	Name             string   `json:"name" validate:"required"`
	BirthDate        string   `json:"birth_date" validate:"required,dateonly"`
	Sex              string   `json:"sex" validate:"required,oneof=female male"`
	SocialProgram    bool     `json:"social_program"`
	AcceptsAnySite   bool     `json:"accepts_any_site"`
	PreferredSiteIDs []string `json:"preferred_site_ids" validate:"max=2,dive,uuid4"`

	GuardianName         string `json:"guardian_name" validate:"required"`
	GuardianNationalID   string `json:"guardian_national_id" validate:"required"`
	GuardianPhone        string `json:"guardian_phone" validate:"required"`
	GuardianPhone2       string `json:"guardian_phone2"`
	GuardianEmail        string `json:"guardian_email" validate:"omitempty,email"`
	GuardianAddress      string `json:"guardian_address"`
	GuardianNeighborhood string `json:"guardian_neighborhood"`
	GuardianNotes        string `json:"guardian_notes"`
}

func (nc *NewChild) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	nc.GuardianName = core.CleanString(nc.GuardianName)
	nc.GuardianEmail = core.CleanString(nc.GuardianEmail, true /* lower */)
	if err := validate.Struct(nc); err != nil {
		return err
	}
	if !nc.AcceptsAnySite && len(nc.PreferredSiteIDs) == 0 {
		return core.NewValidationError(nil, core.FieldError{
			Field: "preferred_site_ids",
			Error: "at least one preferred site is required unless any site is accepted",
		})
	}
	return nil
}

func (nc NewChild) birthDate() time.Time {
	d, _ := time.Parse(dateLayout, nc.BirthDate) // already validated
	return d
}

// UpdateChild defines what profile information may be modified on an existing
// Child. Lifecycle fields are off-limits; those change through transitions only.
type UpdateChild struct {
	Name             string   `json:"name"`
	Sex              string   `json:"sex" validate:"omitempty,oneof=female male"`
	SocialProgram    *bool    `json:"social_program"`
	AcceptsAnySite   *bool    `json:"accepts_any_site"`
	PreferredSiteIDs []string `json:"preferred_site_ids" validate:"omitempty,max=2,dive,uuid4"`

	GuardianName         string `json:"guardian_name"`
	GuardianNationalID   string `json:"guardian_national_id"`
	GuardianPhone        string `json:"guardian_phone"`
	GuardianPhone2       string `json:"guardian_phone2"`
	GuardianEmail        string `json:"guardian_email" validate:"omitempty,email"`
	GuardianAddress      string `json:"guardian_address"`
	GuardianNeighborhood string `json:"guardian_neighborhood"`
	GuardianNotes        string `json:"guardian_notes"`
}

func (uc *UpdateChild) Validate(validate *validator.Validate) error {
	uc.Name = core.CleanString(uc.Name)
	uc.GuardianEmail = core.CleanString(uc.GuardianEmail, true /* lower */)
	return validate.Struct(uc)
}

// QueryFilter applies AND operation on available fields.
// Search does a case-insensitive match on Child.Name or Guardian.Name.
type QueryFilter struct {
	Search   string    `query:"search"`
	Statuses []Status  `query:"status"`
	SiteID   string    `query:"site_id"`
	From     time.Time `query:"created_from"`
	To       time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Statuses == nil && qf.SiteID == "" && qf.From.IsZero() && qf.To.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

const dateLayout = "2006-01-02"

// dateOf truncates a timestamp to its UTC date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
