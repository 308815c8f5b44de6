package enroll

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/chekechea/core"
)

func NewServiceMock(repo Repository, mailSvc core.EmailService) Service {
	return &service{repo: repo, mailSvc: mailSvc, logger: core.NopLogger{}}
}

// fakeRepo is an in-memory Repository for service tests. Atomic serializes on
// a mutex and rolls the whole state back when fn fails.
type fakeRepo struct {
	mu       sync.Mutex
	children map[string]Child
	sites    map[string]Site
	rooms    map[string]Classroom
	bands    []AgeBand
	settings Settings
	history  []HistoryEntry
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		children: make(map[string]Child),
		sites:    make(map[string]Site),
		rooms:    make(map[string]Classroom),
		settings: Settings{OfferResponseDays: 5, CutoffMonth: 3, CutoffDay: 31, BeneficiaryKeepsPosition: true},
	}
}

func (r *fakeRepo) addSite(name string) Site {
	s := Site{ID: uuid.New().String(), Name: name}
	r.sites[s.ID] = s
	return s
}

func (r *fakeRepo) addClassroom(site Site, name, bandID string, capacity, occupancy int) Classroom {
	room := Classroom{ID: uuid.New().String(), SiteID: site.ID, Name: name, AgeBandID: bandID, Capacity: capacity, Occupancy: occupancy}
	r.rooms[room.ID] = room
	return room
}

func (r *fakeRepo) addChild(ch Child) Child {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	r.children[ch.ID] = ch
	return ch
}

func (r *fakeRepo) snapshot() *fakeRepo {
	snap := &fakeRepo{
		children: make(map[string]Child, len(r.children)),
		sites:    make(map[string]Site, len(r.sites)),
		rooms:    make(map[string]Classroom, len(r.rooms)),
		bands:    append([]AgeBand(nil), r.bands...),
		settings: r.settings,
		history:  append([]HistoryEntry(nil), r.history...),
	}
	for k, v := range r.children {
		snap.children[k] = v
	}
	for k, v := range r.sites {
		snap.sites[k] = v
	}
	for k, v := range r.rooms {
		snap.rooms[k] = v
	}
	return snap
}

func (r *fakeRepo) restore(snap *fakeRepo) {
	r.children, r.sites, r.rooms = snap.children, snap.sites, snap.rooms
	r.bands, r.settings, r.history = snap.bands, snap.settings, snap.history
}

func (r *fakeRepo) Atomic(ctx context.Context, fn func(tx Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(&fakeTx{r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *fakeRepo) CreateChild(ctx context.Context, ch Child) (Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createChild(ch)
}

func (r *fakeRepo) createChild(ch Child) (Child, error) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	ch.Version = 1
	r.children[ch.ID] = ch
	return ch, nil
}

func (r *fakeRepo) GetChild(ctx context.Context, id string) (Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getChild(id)
}

func (r *fakeRepo) getChild(id string) (Child, error) {
	ch, ok := r.children[id]
	if !ok {
		return Child{}, ErrNotFound
	}
	return ch, nil
}

func (r *fakeRepo) QueryChildren(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryChildren(filter)
}

func (r *fakeRepo) queryChildren(filter *QueryFilter) ([]Child, error) {
	out := make([]Child, 0, len(r.children))
	for _, ch := range r.children {
		if filter != nil && len(filter.Statuses) > 0 && !statusIn(ch.Status, filter.Statuses) {
			continue
		}
		if filter != nil && filter.SiteID != "" && ch.CurrentSiteID != filter.SiteID {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func statusIn(s Status, statuses []Status) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (r *fakeRepo) UpdateChild(ctx context.Context, ch Child) (Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateChild(ch)
}

func (r *fakeRepo) updateChild(ch Child) (Child, error) {
	cur, ok := r.children[ch.ID]
	if !ok {
		return Child{}, ErrNotFound
	}
	if cur.Version != ch.Version {
		return Child{}, ErrStaleChild
	}
	ch.Version++
	r.children[ch.ID] = ch
	return ch, nil
}

func (r *fakeRepo) DeleteChild(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteChild(id)
}

func (r *fakeRepo) deleteChild(id string) error {
	if _, ok := r.children[id]; !ok {
		return ErrNotFound
	}
	delete(r.children, id)
	return nil
}

func (r *fakeRepo) GetSite(ctx context.Context, id string) (Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getSite(id)
}

func (r *fakeRepo) getSite(id string) (Site, error) {
	s, ok := r.sites[id]
	if !ok {
		return Site{}, ErrSiteNotFound
	}
	return s, nil
}

func (r *fakeRepo) QuerySites(ctx context.Context) ([]Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.querySites()
}

func (r *fakeRepo) querySites() ([]Site, error) {
	out := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRepo) GetClassroom(ctx context.Context, id string) (Classroom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getClassroom(id)
}

func (r *fakeRepo) getClassroom(id string) (Classroom, error) {
	room, ok := r.rooms[id]
	if !ok {
		return Classroom{}, ErrClassroomNotFound
	}
	return room, nil
}

func (r *fakeRepo) QueryClassrooms(ctx context.Context, filter ClassroomFilter) ([]Classroom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryClassrooms(filter)
}

func (r *fakeRepo) queryClassrooms(filter ClassroomFilter) ([]Classroom, error) {
	out := make([]Classroom, 0, len(r.rooms))
	for _, room := range r.rooms {
		if filter.AgeBandID != "" && room.AgeBandID != filter.AgeBandID {
			continue
		}
		if filter.OpenOnly && !room.Open() {
			continue
		}
		if len(filter.SiteIDs) > 0 {
			found := false
			for _, id := range filter.SiteIDs {
				if room.SiteID == id {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, room)
	}
	return out, nil
}

func (r *fakeRepo) IncrementOccupancy(ctx context.Context, classroomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incrementOccupancy(classroomID)
}

func (r *fakeRepo) incrementOccupancy(classroomID string) error {
	room, ok := r.rooms[classroomID]
	if !ok {
		return ErrClassroomNotFound
	}
	if !room.Open() {
		return ErrSlotNoLongerAvailable
	}
	room.Occupancy++
	r.rooms[classroomID] = room
	return nil
}

func (r *fakeRepo) DecrementOccupancy(ctx context.Context, classroomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decrementOccupancy(classroomID)
}

func (r *fakeRepo) decrementOccupancy(classroomID string) error {
	room, ok := r.rooms[classroomID]
	if !ok {
		return ErrClassroomNotFound
	}
	if room.Occupancy > 0 {
		room.Occupancy--
	}
	r.rooms[classroomID] = room
	return nil
}

func (r *fakeRepo) QueryAgeBands(ctx context.Context) ([]AgeBand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryAgeBands()
}

func (r *fakeRepo) queryAgeBands() ([]AgeBand, error) {
	return append([]AgeBand(nil), r.bands...), nil
}

func (r *fakeRepo) GetSettings(ctx context.Context) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings, nil
}

func (r *fakeRepo) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendHistory(entry)
}

func (r *fakeRepo) appendHistory(entry HistoryEntry) (HistoryEntry, error) {
	entry.ID = uuid.New().String()
	r.history = append(r.history, entry)
	return entry, nil
}

func (r *fakeRepo) QueryHistory(ctx context.Context, childID string) ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryHistory(childID)
}

func (r *fakeRepo) queryHistory(childID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for _, e := range r.history {
		if e.ChildID == childID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeTx exposes the unlocked methods; the enclosing Atomic holds the lock.
type fakeTx struct {
	r *fakeRepo
}

var _ Repository = (*fakeTx)(nil)

func (t *fakeTx) Atomic(ctx context.Context, fn func(tx Repository) error) error { return fn(t) }

func (t *fakeTx) CreateChild(ctx context.Context, ch Child) (Child, error) { return t.r.createChild(ch) }
func (t *fakeTx) GetChild(ctx context.Context, id string) (Child, error)  { return t.r.getChild(id) }
func (t *fakeTx) QueryChildren(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]Child, error) {
	return t.r.queryChildren(filter)
}
func (t *fakeTx) UpdateChild(ctx context.Context, ch Child) (Child, error) { return t.r.updateChild(ch) }
func (t *fakeTx) DeleteChild(ctx context.Context, id string) error         { return t.r.deleteChild(id) }
func (t *fakeTx) GetSite(ctx context.Context, id string) (Site, error)     { return t.r.getSite(id) }
func (t *fakeTx) QuerySites(ctx context.Context) ([]Site, error)           { return t.r.querySites() }
func (t *fakeTx) GetClassroom(ctx context.Context, id string) (Classroom, error) {
	return t.r.getClassroom(id)
}
func (t *fakeTx) QueryClassrooms(ctx context.Context, filter ClassroomFilter) ([]Classroom, error) {
	return t.r.queryClassrooms(filter)
}
func (t *fakeTx) IncrementOccupancy(ctx context.Context, classroomID string) error {
	return t.r.incrementOccupancy(classroomID)
}
func (t *fakeTx) DecrementOccupancy(ctx context.Context, classroomID string) error {
	return t.r.decrementOccupancy(classroomID)
}
func (t *fakeTx) QueryAgeBands(ctx context.Context) ([]AgeBand, error) { return t.r.queryAgeBands() }
func (t *fakeTx) GetSettings(ctx context.Context) (Settings, error)    { return t.r.settings, nil }
func (t *fakeTx) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	return t.r.appendHistory(entry)
}
func (t *fakeTx) QueryHistory(ctx context.Context, childID string) ([]HistoryEntry, error) {
	return t.r.queryHistory(childID)
}

// shared band fixture

var (
	bandInfantI    = AgeBand{ID: "band-0", Name: "Infant I", MinMonths: 0, MaxMonths: 11, Ordinal: 1}
	bandInfantII   = AgeBand{ID: "band-1", Name: "Infant II", MinMonths: 12, MaxMonths: 23, Ordinal: 2}
	bandToddler    = AgeBand{ID: "band-2", Name: "Toddler", MinMonths: 24, MaxMonths: 35, Ordinal: 3}
	bandPreschool  = AgeBand{ID: "band-3", Name: "Preschool I", MinMonths: 36, MaxMonths: 47, Ordinal: 4}
	bandPreschool2 = AgeBand{ID: "band-4", Name: "Preschool II", MinMonths: 48, MaxMonths: 59, Ordinal: 5}

	allBands = []AgeBand{bandInfantI, bandInfantII, bandToddler, bandPreschool, bandPreschool2}
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
