package enroll

import (
	"context"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *fakeRepo
	svc     Service
	siteA   Site
	siteB   Site
	toddler Classroom // at siteA
	infant  Classroom // at siteA
	atB     Classroom // toddler room at siteB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nowFunc = func() time.Time { return testNow }
	t.Cleanup(func() { nowFunc = time.Now })

	repo := newFakeRepo()
	repo.bands = allBands
	f := &fixture{repo: repo, svc: NewServiceMock(repo, nil)}
	f.siteA = repo.addSite("Northside")
	f.siteB = repo.addSite("Riverside")
	f.toddler = repo.addClassroom(f.siteA, "Toddler A", bandToddler.ID, 20, 0)
	f.infant = repo.addClassroom(f.siteA, "Infant A", bandInfantI.ID, 10, 0)
	f.atB = repo.addClassroom(f.siteB, "Toddler B", bandToddler.ID, 15, 0)
	return f
}

// waitlisted adds a 2-year-old on the waitlist.
func (f *fixture) waitlisted(t *testing.T) Child {
	t.Helper()
	ch := f.repo.addChild(Child{
		Name:          "Ada",
		BirthDate:     date(2023, time.March, 1),
		Status:        StatusWaitlisted,
		QueuePosition: 1,
		Guardian:      Guardian{Name: "Grace", Phone: "555-0100"},
		CreatedAt:     testNow,
		Version:       1,
	})
	return ch
}

func (f *fixture) convoked(t *testing.T) Child {
	t.Helper()
	ch := f.waitlisted(t)
	ch, err := f.svc.Convoke(context.Background(), ch.ID, f.siteA.ID, f.toddler.ID, "op")
	if err != nil {
		t.Fatalf("Convoke() error = %v", err)
	}
	return ch
}

func (f *fixture) enrolled(t *testing.T) Child {
	t.Helper()
	ch := f.convoked(t)
	ch, err := f.svc.ConfirmEnrollment(context.Background(), ch.ID, "op")
	if err != nil {
		t.Fatalf("ConfirmEnrollment() error = %v", err)
	}
	return ch
}

func (f *fixture) occupancy(t *testing.T, roomID string) int {
	t.Helper()
	room, err := f.repo.GetClassroom(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	return room.Occupancy
}

func (f *fixture) lastHistory(t *testing.T, childID string) HistoryEntry {
	t.Helper()
	entries, err := f.repo.QueryHistory(context.Background(), childID)
	if err != nil || len(entries) == 0 {
		t.Fatalf("no history for child %s (err=%v)", childID, err)
	}
	return entries[len(entries)-1]
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.addChild(Child{Name: "First", Status: StatusWaitlisted, QueuePosition: 4})

	ch, err := f.svc.Register(ctx, NewChild{
		Name:             "Ada",
		BirthDate:        "2023-03-01",
		Sex:              "female",
		PreferredSiteIDs: []string{f.siteA.ID},
		GuardianName:     "Grace",
	}, "op")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if ch.Status != StatusWaitlisted {
		t.Errorf("status = %s, want %s", ch.Status, StatusWaitlisted)
	}
	if ch.QueuePosition != 5 {
		t.Errorf("queue position = %d, want 5", ch.QueuePosition)
	}
	if got := f.lastHistory(t, ch.ID); got.Action != actionRegistration {
		t.Errorf("history action = %s, want %s", got.Action, actionRegistration)
	}
	if err = ch.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestConvoke(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		f := newFixture(t)
		ch := f.waitlisted(t)

		got, err := f.svc.Convoke(context.Background(), ch.ID, f.siteA.ID, f.toddler.ID, "op")
		if err != nil {
			t.Fatalf("Convoke() error = %v", err)
		}
		if got.Status != StatusConvoked {
			t.Errorf("status = %s, want %s", got.Status, StatusConvoked)
		}
		if got.CurrentSiteID != f.siteA.ID || got.CurrentClassroomID != f.toddler.ID {
			t.Error("slot fields not set")
		}
		if wantDeadline := date(2025, time.June, 20); !got.OfferDeadline.Equal(wantDeadline) {
			t.Errorf("offer deadline = %v, want %v", got.OfferDeadline, wantDeadline)
		}
		if got.QueuePosition != 0 {
			t.Errorf("queue position = %d, want 0", got.QueuePosition)
		}
		if f.occupancy(t, f.toddler.ID) != 1 {
			t.Error("occupancy not incremented")
		}
		if entry := f.lastHistory(t, got.ID); entry.Action != actionConvocationSent {
			t.Errorf("history action = %s, want %s", entry.Action, actionConvocationSent)
		}
		if err = got.CheckInvariants(); err != nil {
			t.Error(err)
		}
	})

	t.Run("band mismatch rejected", func(t *testing.T) {
		f := newFixture(t)
		ch := f.waitlisted(t)
		if _, err := f.svc.Convoke(context.Background(), ch.ID, f.siteA.ID, f.infant.ID, "op"); err == nil {
			t.Fatal("Convoke() into an off-band classroom should fail")
		}
		if f.occupancy(t, f.infant.ID) != 0 {
			t.Error("failed convocation must not take a seat")
		}
	})

	t.Run("full classroom", func(t *testing.T) {
		f := newFixture(t)
		ch := f.waitlisted(t)
		full := f.repo.addClassroom(f.siteA, "Toddler Full", bandToddler.ID, 2, 2)

		_, err := f.svc.Convoke(context.Background(), ch.ID, f.siteA.ID, full.ID, "op")
		if err != ErrSlotNoLongerAvailable {
			t.Fatalf("Convoke() error = %v, want ErrSlotNoLongerAvailable", err)
		}
		got, _ := f.repo.GetChild(context.Background(), ch.ID)
		if got.Status != StatusWaitlisted {
			t.Error("failed convocation must leave the child untouched")
		}
	})

	t.Run("illegal from enrolled", func(t *testing.T) {
		f := newFixture(t)
		ch := f.enrolled(t)
		_, err := f.svc.Convoke(context.Background(), ch.ID, f.siteA.ID, f.toddler.ID, "op")
		if !IsIllegalTransition(err) {
			t.Errorf("Convoke() error = %v, want IllegalTransitionError", err)
		}
	})

	t.Run("last slot race admits exactly one", func(t *testing.T) {
		f := newFixture(t)
		oneLeft := f.repo.addClassroom(f.siteA, "Toddler Last", bandToddler.ID, 1, 0)
		a := f.waitlisted(t)
		b := f.repo.addChild(Child{
			Name: "Ben", BirthDate: date(2023, time.March, 1),
			Status: StatusWaitlisted, QueuePosition: 2, CreatedAt: testNow, Version: 1,
		})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, id := range []string{a.ID, b.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, errs[i] = f.svc.Convoke(context.Background(), id, f.siteA.ID, oneLeft.ID, "op")
			}(i, id)
		}
		wg.Wait()

		var won, lost int
		for _, err := range errs {
			switch err {
			case nil:
				won++
			case ErrSlotNoLongerAvailable:
				lost++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if won != 1 || lost != 1 {
			t.Errorf("race outcome: %d won, %d lost; want 1 and 1", won, lost)
		}
		if f.occupancy(t, oneLeft.ID) != 1 {
			t.Errorf("occupancy = %d, want 1", f.occupancy(t, oneLeft.ID))
		}
	})
}

func TestConfirmEnrollment(t *testing.T) {
	f := newFixture(t)
	ch := f.convoked(t)

	got, err := f.svc.ConfirmEnrollment(context.Background(), ch.ID, "op")
	if err != nil {
		t.Fatalf("ConfirmEnrollment() error = %v", err)
	}
	if got.Status != StatusEnrolled {
		t.Errorf("status = %s, want %s", got.Status, StatusEnrolled)
	}
	if !got.OfferDeadline.IsZero() {
		t.Error("offer deadline not cleared")
	}
	if got.CurrentClassroomID != f.toddler.ID {
		t.Error("slot must be retained")
	}
	if err = got.CheckInvariants(); err != nil {
		t.Error(err)
	}

	if _, err = f.svc.ConfirmEnrollment(context.Background(), got.ID, "op"); !IsIllegalTransition(err) {
		t.Errorf("second confirm error = %v, want IllegalTransitionError", err)
	}
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ch := f.convoked(t)

	if _, err := f.svc.Decline(context.Background(), ch.ID, "", "op"); err == nil {
		t.Fatal("Decline() without justification should fail")
	}

	got, err := f.svc.Decline(context.Background(), ch.ID, "family moved", "op")
	if err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if got.Status != StatusDeclined {
		t.Errorf("status = %s, want %s", got.Status, StatusDeclined)
	}
	if got.HasSlot() {
		t.Error("slot fields not cleared")
	}
	if f.occupancy(t, f.toddler.ID) != 0 {
		t.Error("seat not released")
	}
	if err = got.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestExpireToBackOfQueue(t *testing.T) {
	f := newFixture(t)
	ch := f.convoked(t)
	f.repo.addChild(Child{Name: "Other", Status: StatusWaitlisted, QueuePosition: 9, Version: 1})

	got, err := f.svc.ExpireToBackOfQueue(context.Background(), ch.ID, "no response", "op")
	if err != nil {
		t.Fatalf("ExpireToBackOfQueue() error = %v", err)
	}
	if got.Status != StatusWaitlisted {
		t.Errorf("status = %s, want %s", got.Status, StatusWaitlisted)
	}
	if got.HasSlot() || !got.OfferDeadline.IsZero() {
		t.Error("slot/deadline fields not cleared")
	}
	if !got.Penalized() {
		t.Error("penalty date not set")
	}
	if got.QueuePosition != 10 {
		t.Errorf("queue position = %d, want 10 (back of queue)", got.QueuePosition)
	}
	if f.occupancy(t, f.toddler.ID) != 0 {
		t.Error("seat not released")
	}
	if entry := f.lastHistory(t, got.ID); entry.Action != actionBackOfQueue {
		t.Errorf("history action = %s, want %s", entry.Action, actionBackOfQueue)
	}
}

func TestReassignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.enrolled(t)

	t.Run("request", func(t *testing.T) {
		if _, err := f.svc.RequestReassignment(ctx, ch.ID, f.siteA.ID, "closer to work", "op"); err == nil {
			t.Error("request targeting the current site should fail")
		}

		got, err := f.svc.RequestReassignment(ctx, ch.ID, f.siteB.ID, "closer to work", "op")
		if err != nil {
			t.Fatalf("RequestReassignment() error = %v", err)
		}
		if got.Status != StatusReassignmentRequested {
			t.Errorf("status = %s, want %s", got.Status, StatusReassignmentRequested)
		}
		if got.ReassignmentTargetSiteID != f.siteB.ID {
			t.Error("target site not recorded")
		}
		if got.CurrentClassroomID != f.toddler.ID || f.occupancy(t, f.toddler.ID) != 1 {
			t.Error("current slot must be retained while the request is pending")
		}
		ch = got
	})

	t.Run("approve", func(t *testing.T) {
		if _, err := f.svc.ApproveReassignment(ctx, ch.ID, f.siteA.ID, f.toddler.ID, "op"); err == nil {
			t.Error("approval at a non-target site should fail")
		}

		got, err := f.svc.ApproveReassignment(ctx, ch.ID, f.siteB.ID, f.atB.ID, "op")
		if err != nil {
			t.Fatalf("ApproveReassignment() error = %v", err)
		}
		if got.Status != StatusEnrolled {
			t.Errorf("status = %s, want %s", got.Status, StatusEnrolled)
		}
		if got.CurrentSiteID != f.siteB.ID || got.CurrentClassroomID != f.atB.ID {
			t.Error("slot fields not moved")
		}
		if got.ReassignmentTargetSiteID != "" {
			t.Error("target site not cleared")
		}
		if f.occupancy(t, f.toddler.ID) != 0 || f.occupancy(t, f.atB.ID) != 1 {
			t.Error("occupancy not moved between classrooms")
		}
		if err = got.CheckInvariants(); err != nil {
			t.Error(err)
		}
	})
}

func TestMarkWithdrawn(t *testing.T) {
	t.Run("from enrolled releases the seat", func(t *testing.T) {
		f := newFixture(t)
		ch := f.enrolled(t)

		got, err := f.svc.MarkWithdrawn(context.Background(), ch.ID, "family request", "op")
		if err != nil {
			t.Fatalf("MarkWithdrawn() error = %v", err)
		}
		if got.Status != StatusWithdrawn {
			t.Errorf("status = %s, want %s", got.Status, StatusWithdrawn)
		}
		if got.HasSlot() || f.occupancy(t, f.toddler.ID) != 0 {
			t.Error("seat not released")
		}
		if err = got.CheckInvariants(); err != nil {
			t.Error(err)
		}
	})

	t.Run("from waitlisted", func(t *testing.T) {
		f := newFixture(t)
		ch := f.waitlisted(t)
		got, err := f.svc.MarkWithdrawn(context.Background(), ch.ID, "left the city queue", "op")
		if err != nil {
			t.Fatalf("MarkWithdrawn() error = %v", err)
		}
		if got.QueuePosition != 0 {
			t.Error("queue position not cleared")
		}
	})

	t.Run("transfer out illegal while reassignment pending", func(t *testing.T) {
		f := newFixture(t)
		ch := f.enrolled(t)
		if _, err := f.svc.RequestReassignment(context.Background(), ch.ID, f.siteB.ID, "moving", "op"); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.MarkTransferredOutOfCity(context.Background(), ch.ID, "moved away", "op")
		if !IsIllegalTransition(err) {
			t.Errorf("MarkTransferredOutOfCity() error = %v, want IllegalTransitionError", err)
		}
	})
}

func TestReactivate(t *testing.T) {
	t.Run("regular child is penalized", func(t *testing.T) {
		f := newFixture(t)
		ch := f.convoked(t)
		if _, err := f.svc.Decline(context.Background(), ch.ID, "changed plans", "op"); err != nil {
			t.Fatal(err)
		}

		got, err := f.svc.Reactivate(context.Background(), ch.ID, "op")
		if err != nil {
			t.Fatalf("Reactivate() error = %v", err)
		}
		if got.Status != StatusWaitlisted {
			t.Errorf("status = %s, want %s", got.Status, StatusWaitlisted)
		}
		if !got.Penalized() {
			t.Error("reactivated child should carry a penalty")
		}
	})

	t.Run("beneficiary keeps priority when enabled", func(t *testing.T) {
		f := newFixture(t)
		ch := f.repo.addChild(Child{
			Name: "Ben", BirthDate: date(2023, time.March, 1), SocialProgram: true,
			Status: StatusWithdrawn, CreatedAt: testNow, Version: 1,
		})

		got, err := f.svc.Reactivate(context.Background(), ch.ID, "op")
		if err != nil {
			t.Fatalf("Reactivate() error = %v", err)
		}
		if got.Penalized() {
			t.Error("beneficiary should keep priority with the no-fault rule enabled")
		}
	})

	t.Run("beneficiary penalized when disabled", func(t *testing.T) {
		f := newFixture(t)
		f.repo.settings.BeneficiaryKeepsPosition = false
		ch := f.repo.addChild(Child{
			Name: "Ben", BirthDate: date(2023, time.March, 1), SocialProgram: true,
			Status: StatusWithdrawn, CreatedAt: testNow, Version: 1,
		})

		got, err := f.svc.Reactivate(context.Background(), ch.ID, "op")
		if err != nil {
			t.Fatalf("Reactivate() error = %v", err)
		}
		if !got.Penalized() {
			t.Error("beneficiary should be penalized with the no-fault rule disabled")
		}
	})
}

func TestReallocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.enrolled(t)
	other := f.repo.addClassroom(f.siteA, "Toddler C", bandToddler.ID, 20, 0)

	if _, err := f.svc.Reallocate(ctx, ch.ID, f.atB.ID, "op"); err == nil {
		t.Error("reallocation across sites should fail")
	}
	if _, err := f.svc.Reallocate(ctx, ch.ID, f.toddler.ID, "op"); err == nil {
		t.Error("reallocation into the current classroom should fail")
	}

	got, err := f.svc.Reallocate(ctx, ch.ID, other.ID, "op")
	if err != nil {
		t.Fatalf("Reallocate() error = %v", err)
	}
	if got.CurrentClassroomID != other.ID {
		t.Error("classroom not moved")
	}
	if f.occupancy(t, f.toddler.ID) != 0 || f.occupancy(t, other.ID) != 1 {
		t.Error("occupancy not moved")
	}
}

func TestSweepExpiredConvocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expired := f.convoked(t) // deadline 2025-06-20

	// a longer response window keeps the second offer alive past the first
	// deadline
	f.repo.settings.OfferResponseDays = 30
	fresh := f.repo.addChild(Child{
		Name: "Ben", BirthDate: date(2023, time.March, 1),
		Status: StatusWaitlisted, QueuePosition: 2, CreatedAt: testNow, Version: 1,
	})
	if _, err := f.svc.Convoke(ctx, fresh.ID, f.siteA.ID, f.toddler.ID, "op"); err != nil {
		t.Fatal(err)
	}

	// the day after the first deadline, before any sweep runs, the offer
	// already reads as expired
	dayAfter := date(2025, time.June, 21)
	found, err := f.svc.FindExpiredConvocations(ctx, dayAfter)
	if err != nil {
		t.Fatalf("FindExpiredConvocations() error = %v", err)
	}
	if len(found) != 1 || found[0].ID != expired.ID {
		t.Fatalf("FindExpiredConvocations() = %v, want just %s", found, expired.ID)
	}

	swept, err := f.svc.SweepExpiredConvocations(ctx, dayAfter, "system")
	if err != nil {
		t.Fatalf("SweepExpiredConvocations() error = %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("swept %d children, want 1", len(swept))
	}
	if swept[0].Status != StatusWaitlisted || !swept[0].Penalized() {
		t.Error("swept child should be back on the waitlist with a penalty")
	}

	still, _ := f.repo.GetChild(ctx, fresh.ID)
	if still.Status != StatusConvoked {
		t.Error("unexpired convocation must not be swept")
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.enrolled(t)

	if err := f.svc.Delete(ctx, ch.ID, "", "op"); err == nil {
		t.Fatal("Delete() without justification should fail")
	}

	if err := f.svc.Delete(ctx, ch.ID, "registered twice", "admin"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.repo.GetChild(ctx, ch.ID); err != ErrNotFound {
		t.Errorf("GetChild() after delete error = %v, want ErrNotFound", err)
	}
	if f.occupancy(t, f.toddler.ID) != 0 {
		t.Error("seat not released on delete")
	}
	// the ledger outlives the record
	if entry := f.lastHistory(t, ch.ID); entry.Action != actionRecordDeleted {
		t.Errorf("history action = %s, want %s", entry.Action, actionRecordDeleted)
	}
}

func TestWaitlist(t *testing.T) {
	f := newFixture(t)
	f.repo.addChild(Child{ID: "b", Status: StatusWaitlisted, QueuePosition: 2, CreatedAt: testNow})
	f.repo.addChild(Child{ID: "a", Status: StatusWaitlisted, QueuePosition: 1, CreatedAt: testNow})
	f.repo.addChild(Child{ID: "x", Status: StatusEnrolled, CreatedAt: testNow})

	entries, err := f.svc.Waitlist(context.Background())
	if err != nil {
		t.Fatalf("Waitlist() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Waitlist() returned %d entries, want 2", len(entries))
	}
	if entries[0].Child.ID != "a" || entries[1].Child.ID != "b" {
		t.Errorf("order = %s, %s; want a, b", entries[0].Child.ID, entries[1].Child.ID)
	}
}

func TestSiteUtilization(t *testing.T) {
	f := newFixture(t)
	f.enrolled(t) // one toddler seat at siteA

	usages, err := f.svc.SiteUtilization(context.Background())
	if err != nil {
		t.Fatalf("SiteUtilization() error = %v", err)
	}
	byID := make(map[string]SiteUsage, len(usages))
	for _, u := range usages {
		byID[u.Site.ID] = u
	}
	a := byID[f.siteA.ID]
	if a.Classrooms != 2 || a.Capacity != 30 || a.Occupancy != 1 {
		t.Errorf("siteA usage = %+v, want 2 classrooms, capacity 30, occupancy 1", a)
	}
	if b := byID[f.siteB.ID]; b.Occupancy != 0 {
		t.Errorf("siteB occupancy = %d, want 0", b.Occupancy)
	}
}
