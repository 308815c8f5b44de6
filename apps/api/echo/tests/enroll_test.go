package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/trezcool/chekechea/core/enroll"
	"github.com/trezcool/chekechea/core/staff"
)

const dateLayout = "2006-01-02"

// world is the minimal municipal setup most enrollment tests need: one site
// with an infants classroom and a toddlers classroom, one band apart.
type world struct {
	infants     enroll.AgeBand
	toddlers    enroll.AgeBand
	site        enroll.Site
	infantRoom  enroll.Classroom
	toddlerRoom enroll.Classroom
}

func seedWorld(f *fixture, infantCapacity int) *world {
	w := &world{}
	w.infants = f.db.AddAgeBand(enroll.AgeBand{Name: "Infants", MinMonths: 0, MaxMonths: 23, Ordinal: 1})
	w.toddlers = f.db.AddAgeBand(enroll.AgeBand{Name: "Toddlers", MinMonths: 24, MaxMonths: 47, Ordinal: 2})
	w.site = f.db.AddSite(enroll.Site{Name: "Kimbanseke Daycare", Neighborhood: "Kimbanseke"})
	w.infantRoom = f.db.AddClassroom(enroll.Classroom{
		SiteID: w.site.ID, Name: "Infants A", AgeBandID: w.infants.ID, Capacity: infantCapacity,
	})
	w.toddlerRoom = f.db.AddClassroom(enroll.Classroom{
		SiteID: w.site.ID, Name: "Toddlers A", AgeBandID: w.toddlers.ID, Capacity: 10,
	})
	return w
}

// registerChild registers a child through the API and returns the created record.
func registerChild(t *testing.T, f *fixture, token, name string, birth time.Time, social bool) enroll.Child {
	t.Helper()

	body := marchallObj(t, enroll.NewChild{
		Name:               name,
		BirthDate:          birth.Format(dateLayout),
		Sex:                "female",
		SocialProgram:      social,
		AcceptsAnySite:     true,
		GuardianName:       "Guardian of " + name,
		GuardianNationalID: "1-2345-678901-23",
		GuardianPhone:      "+243810000000",
	})
	req, rec := newAuthRequest(http.MethodPost, "/v1/children", token, body)
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("registerChild(%s): code = %v; body %s", name, rec.Code, rec.Body.String())
	}
	var ch enroll.Child
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatalf("registerChild(%s): %v", name, err)
	}
	return ch
}

// do performs an authenticated JSON request and decodes the response into out
// when the status code matches.
func do(t *testing.T, f *fixture, method, path, token string, body []byte, wantCode int, out interface{}) {
	t.Helper()

	req, rec := newAuthRequest(method, path, token, body)
	f.app.ServeHTTP(rec, req)
	if rec.Code != wantCode {
		t.Fatalf("%s %s: code = %v; wantCode %v; body %s", method, path, rec.Code, wantCode, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: unmarshalling response: %v", method, path, err)
		}
	}
}

func Test_enrollApi_authorization(t *testing.T) {
	f := setup(t)
	seedWorld(f, 10)

	operator := createStaff(t, f.staffRepo, "Operator", "operator1", "op@test.cd", []string{staff.RoleOperator}, true)
	plain := createStaff(t, f.staffRepo, "Plain", "plain1", "plain@test.cd", nil, true)

	forbidden := marchallObj(t, httpErr{Error: "permission denied"})

	tests := []httpTest{
		{name: "auth required", method: http.MethodGet, path: "/v1/children", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "operator role required", method: http.MethodGet, path: "/v1/children", token: getToken(t, plain),
			wantCode: http.StatusForbidden, wantData: forbidden,
		},
		{
			name: "operator can list", method: http.MethodGet, path: "/v1/children", token: getToken(t, operator),
			wantCode: http.StatusOK, wantData: marchallList(t),
		},
		{
			name: "operator can read the waitlist", method: http.MethodGet, path: "/v1/waitlist", token: getToken(t, operator),
			wantCode: http.StatusOK, wantData: marchallList(t),
		},
		{
			name: "deletion needs admin", method: http.MethodDelete, path: "/v1/children/nope", token: getToken(t, operator),
			wantCode: http.StatusForbidden, wantData: forbidden,
		},
		{
			name: "sweep needs admin", method: http.MethodPost, path: "/v1/convocations/sweep", token: getToken(t, operator),
			wantCode: http.StatusForbidden, wantData: forbidden,
		},
		{
			name: "transition plans need admin", method: http.MethodPost, path: "/v1/transition-plans", token: getToken(t, operator),
			wantCode: http.StatusForbidden, wantData: forbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token)
			f.app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_enrollApi_register(t *testing.T) {
	f := setup(t)
	w := seedWorld(f, 10)

	operator := createStaff(t, f.staffRepo, "Operator", "operator1", "op@test.cd", []string{staff.RoleOperator}, true)
	token := getToken(t, operator)

	birth := time.Now().UTC().AddDate(-1, -6, 0).Format(dateLayout)

	tests := []httpTest{
		{name: "empty body", body: marchallObj(t, enroll.NewChild{}), wantCode: http.StatusBadRequest},
		{
			name: "bad birth date",
			body: marchallObj(t, enroll.NewChild{
				Name: "Nadia", BirthDate: "not-a-date", Sex: "female", AcceptsAnySite: true,
				GuardianName: "G", GuardianNationalID: "1", GuardianPhone: "+243810000000",
			}),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "no site preference and any site refused",
			body: marchallObj(t, enroll.NewChild{
				Name: "Nadia", BirthDate: birth, Sex: "female",
				GuardianName: "G", GuardianNationalID: "1", GuardianPhone: "+243810000000",
			}),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "with preferred site",
			body: marchallObj(t, enroll.NewChild{
				Name: "Nadia", BirthDate: birth, Sex: "female",
				PreferredSiteIDs: []string{w.site.ID},
				GuardianName:     "G", GuardianNationalID: "1", GuardianPhone: "+243810000000",
			}),
			wantCode: http.StatusCreated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/v1/children", token, tt.body)
			f.app.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("code = %v; wantCode %v; body %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}

	t.Run("registered child starts on the waitlist", func(t *testing.T) {
		var children []enroll.Child
		do(t, f, http.MethodGet, "/v1/children?search=nadia", token, nil, http.StatusOK, &children)
		if len(children) != 1 {
			t.Fatalf("len(children) = %d; want 1", len(children))
		}
		if children[0].Status != enroll.StatusWaitlisted {
			t.Errorf("Status = %v; want %v", children[0].Status, enroll.StatusWaitlisted)
		}
		if children[0].QueuePosition != 1 {
			t.Errorf("QueuePosition = %d; want 1", children[0].QueuePosition)
		}
	})

	t.Run("unknown child is a 404", func(t *testing.T) {
		do(t, f, http.MethodGet, "/v1/children/nope", token, nil, http.StatusNotFound, nil)
	})
}

func Test_enrollApi_lifecycle(t *testing.T) {
	f := setup(t)
	w := seedWorld(f, 1) // one infant seat forces the slot race below

	operator := createStaff(t, f.staffRepo, "Operator", "operator1", "op@test.cd", []string{staff.RoleOperator}, true)
	token := getToken(t, operator)

	birth := time.Now().UTC().AddDate(-1, -6, 0) // 18 months old
	amani := registerChild(t, f, token, "Amani", birth, false)
	bahati := registerChild(t, f, token, "Bahati", birth, false)

	convokeBody := marchallObj(t, map[string]string{"site_id": w.site.ID, "classroom_id": w.infantRoom.ID})

	t.Run("age band", func(t *testing.T) {
		var band enroll.AgeBand
		do(t, f, http.MethodGet, "/v1/children/"+amani.ID+"/age-band", token, nil, http.StatusOK, &band)
		if band.ID != w.infants.ID {
			t.Errorf("band = %v; want %v", band.Name, w.infants.Name)
		}
	})

	t.Run("open slots", func(t *testing.T) {
		var slots []enroll.Slot
		do(t, f, http.MethodGet, "/v1/children/"+amani.ID+"/slots", token, nil, http.StatusOK, &slots)
		if len(slots) != 1 {
			t.Fatalf("len(slots) = %d; want 1; %+v", len(slots), slots)
		}
		if slots[0].Classroom.ID != w.infantRoom.ID {
			t.Errorf("slot classroom = %v; want %v", slots[0].Classroom.ID, w.infantRoom.ID)
		}
	})

	t.Run("confirm before convocation is illegal", func(t *testing.T) {
		do(t, f, http.MethodPost, "/v1/children/"+amani.ID+"/confirm", token, nil, http.StatusConflict, nil)
	})

	t.Run("convoke", func(t *testing.T) {
		var ch enroll.Child
		do(t, f, http.MethodPost, "/v1/children/"+amani.ID+"/convoke", token, convokeBody, http.StatusOK, &ch)
		if ch.Status != enroll.StatusConvoked {
			t.Errorf("Status = %v; want %v", ch.Status, enroll.StatusConvoked)
		}
		if ch.OfferDeadline.IsZero() {
			t.Error("expected an offer deadline")
		}
		if ch.CurrentClassroomID != w.infantRoom.ID {
			t.Errorf("CurrentClassroomID = %v; want %v", ch.CurrentClassroomID, w.infantRoom.ID)
		}
	})

	t.Run("double convocation is illegal", func(t *testing.T) {
		do(t, f, http.MethodPost, "/v1/children/"+amani.ID+"/convoke", token, convokeBody, http.StatusConflict, nil)
	})

	t.Run("full classroom loses the slot race", func(t *testing.T) {
		do(t, f, http.MethodPost, "/v1/children/"+bahati.ID+"/convoke", token, convokeBody, http.StatusConflict, nil)
	})

	t.Run("confirm", func(t *testing.T) {
		var ch enroll.Child
		do(t, f, http.MethodPost, "/v1/children/"+amani.ID+"/confirm", token, nil, http.StatusOK, &ch)
		if ch.Status != enroll.StatusEnrolled {
			t.Errorf("Status = %v; want %v", ch.Status, enroll.StatusEnrolled)
		}
		if !ch.OfferDeadline.IsZero() {
			t.Errorf("OfferDeadline = %v; want zero", ch.OfferDeadline)
		}
	})

	t.Run("history ledger", func(t *testing.T) {
		var entries []enroll.HistoryEntry
		do(t, f, http.MethodGet, "/v1/children/"+amani.ID+"/history", token, nil, http.StatusOK, &entries)
		if len(entries) != 3 {
			t.Fatalf("len(entries) = %d; want 3", len(entries))
		}
		wantActions := []string{"Registration", "Convocation Sent", "Enrollment Confirmed"}
		for i, want := range wantActions {
			if entries[i].Action != want {
				t.Errorf("entries[%d].Action = %v; want %v", i, entries[i].Action, want)
			}
			if entries[i].Actor != "operator1" {
				t.Errorf("entries[%d].Actor = %v; want operator1", i, entries[i].Actor)
			}
		}
	})

	t.Run("site utilization", func(t *testing.T) {
		var usages []enroll.SiteUsage
		do(t, f, http.MethodGet, "/v1/sites/utilization", token, nil, http.StatusOK, &usages)
		if len(usages) != 1 {
			t.Fatalf("len(usages) = %d; want 1", len(usages))
		}
		u := usages[0]
		if u.Classrooms != 2 || u.Capacity != 11 || u.Occupancy != 1 {
			t.Errorf("usage = %+v; want 2 classrooms, capacity 11, occupancy 1", u)
		}
	})

	t.Run("waitlist only holds Bahati", func(t *testing.T) {
		var entries []enroll.QueueEntry
		do(t, f, http.MethodGet, "/v1/waitlist", token, nil, http.StatusOK, &entries)
		if len(entries) != 1 {
			t.Fatalf("len(entries) = %d; want 1", len(entries))
		}
		if entries[0].Child.ID != bahati.ID {
			t.Errorf("waitlisted child = %v; want %v", entries[0].Child.Name, "Bahati")
		}
	})
}

func Test_enrollApi_declineAndReactivate(t *testing.T) {
	f := setup(t)
	w := seedWorld(f, 10)

	operator := createStaff(t, f.staffRepo, "Operator", "operator1", "op@test.cd", []string{staff.RoleOperator}, true)
	token := getToken(t, operator)

	birth := time.Now().UTC().AddDate(-1, -6, 0)
	child := registerChild(t, f, token, "Chiku", birth, false)

	convokeBody := marchallObj(t, map[string]string{"site_id": w.site.ID, "classroom_id": w.infantRoom.ID})
	do(t, f, http.MethodPost, "/v1/children/"+child.ID+"/convoke", token, convokeBody, http.StatusOK, nil)

	t.Run("decline needs a justification", func(t *testing.T) {
		do(t, f, http.MethodPost, "/v1/children/"+child.ID+"/decline", token, nil, http.StatusBadRequest, nil)
	})

	t.Run("decline releases the slot", func(t *testing.T) {
		body := marchallObj(t, map[string]string{"justification": "Family relocated within the province."})
		var ch enroll.Child
		do(t, f, http.MethodPost, "/v1/children/"+child.ID+"/decline", token, body, http.StatusOK, &ch)
		if ch.Status != enroll.StatusDeclined {
			t.Errorf("Status = %v; want %v", ch.Status, enroll.StatusDeclined)
		}
		if ch.HasSlot() {
			t.Errorf("slot not released: site=%v classroom=%v", ch.CurrentSiteID, ch.CurrentClassroomID)
		}

		var usages []enroll.SiteUsage
		do(t, f, http.MethodGet, "/v1/sites/utilization", token, nil, http.StatusOK, &usages)
		if usages[0].Occupancy != 0 {
			t.Errorf("Occupancy = %d; want 0", usages[0].Occupancy)
		}
	})

	t.Run("reactivate penalizes a non-beneficiary", func(t *testing.T) {
		var ch enroll.Child
		do(t, f, http.MethodPost, "/v1/children/"+child.ID+"/reactivate", token, nil, http.StatusOK, &ch)
		if ch.Status != enroll.StatusWaitlisted {
			t.Errorf("Status = %v; want %v", ch.Status, enroll.StatusWaitlisted)
		}
		if !ch.Penalized() {
			t.Error("expected a penalty date")
		}
	})
}

func Test_enrollApi_expireToBackOfQueue(t *testing.T) {
	f := setup(t)
	w := seedWorld(f, 10)

	operator := createStaff(t, f.staffRepo, "Operator", "operator1", "op@test.cd", []string{staff.RoleOperator}, true)
	token := getToken(t, operator)

	birth := time.Now().UTC().AddDate(-1, -6, 0)
	dada := registerChild(t, f, token, "Dada", birth, false)
	eshe := registerChild(t, f, token, "Eshe", birth, true) // beneficiary

	convokeBody := marchallObj(t, map[string]string{"site_id": w.site.ID, "classroom_id": w.infantRoom.ID})
	do(t, f, http.MethodPost, "/v1/children/"+dada.ID+"/convoke", token, convokeBody, http.StatusOK, nil)

	t.Run("expire needs a justification", func(t *testing.T) {
		do(t, f, http.MethodPost, "/v1/children/"+dada.ID+"/expire", token, nil, http.StatusBadRequest, nil)
	})

	t.Run("expire resets to the back with a penalty", func(t *testing.T) {
		body := marchallObj(t, map[string]string{"justification": "No response before the deadline."})
		var ch enroll.Child
		do(t, f, http.MethodPost, "/v1/children/"+dada.ID+"/expire", token, body, http.StatusOK, &ch)
		if ch.Status != enroll.StatusWaitlisted {
			t.Errorf("Status = %v; want %v", ch.Status, enroll.StatusWaitlisted)
		}
		if !ch.Penalized() {
			t.Error("expected a penalty date")
		}
		if ch.HasSlot() {
			t.Error("slot not released")
		}
	})

	t.Run("penalized child ranks last despite registering first", func(t *testing.T) {
		var entries []enroll.QueueEntry
		do(t, f, http.MethodGet, "/v1/waitlist", token, nil, http.StatusOK, &entries)
		if len(entries) != 2 {
			t.Fatalf("len(entries) = %d; want 2", len(entries))
		}
		if entries[0].Child.ID != eshe.ID || entries[1].Child.ID != dada.ID {
			t.Errorf("order = [%v, %v]; want [Eshe, Dada]", entries[0].Child.Name, entries[1].Child.Name)
		}
	})
}

func Test_enrollApi_transitionPlan(t *testing.T) {
	f := setup(t)
	w := seedWorld(f, 10)

	admin := createStaff(t, f.staffRepo, "Admin", "admin1", "admin@test.cd", []string{staff.RoleAdmin}, true)
	token := getToken(t, admin)

	// Faraji ends up enrolled in the infants room; one year from now he is a
	// toddler and needs a new classroom.
	birth := time.Now().UTC().AddDate(-1, -6, 0)
	faraji := registerChild(t, f, token, "Faraji", birth, false)
	convokeBody := marchallObj(t, map[string]string{"site_id": w.site.ID, "classroom_id": w.infantRoom.ID})
	do(t, f, http.MethodPost, "/v1/children/"+faraji.ID+"/convoke", token, convokeBody, http.StatusOK, nil)
	do(t, f, http.MethodPost, "/v1/children/"+faraji.ID+"/confirm", token, nil, http.StatusOK, nil)

	cutoff := time.Now().UTC().AddDate(1, 0, 0).Format(dateLayout)

	var plan enroll.Plan
	t.Run("build", func(t *testing.T) {
		body := marchallObj(t, map[string]string{"cutoff": cutoff})
		do(t, f, http.MethodPost, "/v1/transition-plans", token, body, http.StatusCreated, &plan)
		if len(plan.Entries) != 1 {
			t.Fatalf("len(plan.Entries) = %d; want 1", len(plan.Entries))
		}
		e := plan.Entries[0]
		if e.Group != enroll.GroupInternalReassignment {
			t.Errorf("Group = %v; want %v", e.Group, enroll.GroupInternalReassignment)
		}
		if e.NextBand.ID != w.toddlers.ID {
			t.Errorf("NextBand = %v; want %v", e.NextBand.Name, w.toddlers.Name)
		}
		if e.PlannedStatus != enroll.StatusEnrolled || e.PlannedClassroomID != w.infantRoom.ID {
			t.Errorf("planned = %v/%v; want the current %v/%v",
				e.PlannedStatus, e.PlannedClassroomID, enroll.StatusEnrolled, w.infantRoom.ID)
		}
	})

	t.Run("retrieve and diff", func(t *testing.T) {
		do(t, f, http.MethodGet, "/v1/transition-plans/"+plan.ID, token, nil, http.StatusOK, nil)
		do(t, f, http.MethodGet, "/v1/transition-plans/nope", token, nil, http.StatusNotFound, nil)

		var resp struct {
			Diff string `json:"diff"`
		}
		do(t, f, http.MethodGet, "/v1/transition-plans/"+plan.ID+"/diff", token, nil, http.StatusOK, &resp)
		if resp.Diff != "" {
			t.Errorf("Diff = %q; want empty before any edit", resp.Diff)
		}
	})

	t.Run("unedited plan commits as a no-op", func(t *testing.T) {
		// build a throwaway plan; committing it must not touch the child
		var p enroll.Plan
		body := marchallObj(t, map[string]string{"cutoff": cutoff})
		do(t, f, http.MethodPost, "/v1/transition-plans", token, body, http.StatusCreated, &p)

		var res enroll.CommitResult
		do(t, f, http.MethodPost, "/v1/transition-plans/"+p.ID+"/commit", token, nil, http.StatusOK, &res)
		if len(res.Failed) != 0 || len(res.Applied) != 0 {
			t.Fatalf("result = %+v; want nothing applied or failed", res)
		}

		var ch enroll.Child
		do(t, f, http.MethodGet, "/v1/children/"+faraji.ID, token, nil, http.StatusOK, &ch)
		if ch.Status != enroll.StatusEnrolled || ch.CurrentClassroomID != w.infantRoom.ID {
			t.Errorf("child = %v in %v; want untouched %v in %v",
				ch.Status, ch.CurrentClassroomID, enroll.StatusEnrolled, w.infantRoom.ID)
		}
	})

	t.Run("edit then commit", func(t *testing.T) {
		body := marchallObj(t, map[string]string{
			"child_id":             faraji.ID,
			"planned_site_id":      w.site.ID,
			"planned_classroom_id": w.toddlerRoom.ID,
		})
		var edited enroll.Plan
		do(t, f, http.MethodPatch, fmt.Sprintf("/v1/transition-plans/%s", plan.ID), token, body, http.StatusOK, &edited)
		if e := edited.Entry(faraji.ID); e == nil || e.PlannedClassroomID != w.toddlerRoom.ID {
			t.Fatalf("edited entry = %+v; want planned classroom %v", e, w.toddlerRoom.ID)
		}

		var resp struct {
			Diff string `json:"diff"`
		}
		do(t, f, http.MethodGet, "/v1/transition-plans/"+plan.ID+"/diff", token, nil, http.StatusOK, &resp)
		if resp.Diff == "" {
			t.Error("expected a non-empty diff after the edit")
		}

		var res enroll.CommitResult
		do(t, f, http.MethodPost, "/v1/transition-plans/"+plan.ID+"/commit", token, nil, http.StatusOK, &res)
		if len(res.Applied) != 1 || res.Applied[0] != faraji.ID {
			t.Fatalf("Applied = %v; want [%v]", res.Applied, faraji.ID)
		}
		if len(res.Failed) != 0 {
			t.Fatalf("Failed = %+v; want none", res.Failed)
		}

		var ch enroll.Child
		do(t, f, http.MethodGet, "/v1/children/"+faraji.ID, token, nil, http.StatusOK, &ch)
		if ch.CurrentClassroomID != w.toddlerRoom.ID {
			t.Errorf("CurrentClassroomID = %v; want %v", ch.CurrentClassroomID, w.toddlerRoom.ID)
		}
		if ch.Status != enroll.StatusEnrolled {
			t.Errorf("Status = %v; want %v", ch.Status, enroll.StatusEnrolled)
		}
	})

	t.Run("committed plan is discarded", func(t *testing.T) {
		do(t, f, http.MethodGet, "/v1/transition-plans/"+plan.ID, token, nil, http.StatusNotFound, nil)
	})
}

func Test_enrollApi_agedOutClassification(t *testing.T) {
	f := setup(t)
	seedWorld(f, 10)

	operator := createStaff(t, f.staffRepo, "Operator", "operator1", "op@test.cd", []string{staff.RoleOperator}, true)
	token := getToken(t, operator)

	// ten years old; far past the highest configured band
	child := registerChild(t, f, token, "Goma", time.Now().UTC().AddDate(-10, 0, 0), false)

	do(t, f, http.MethodGet, "/v1/children/"+child.ID+"/age-band", token, nil, http.StatusUnprocessableEntity, nil)
	do(t, f, http.MethodGet, "/v1/children/"+child.ID+"/slots", token, nil, http.StatusUnprocessableEntity, nil)
}
