package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/enroll"
)

type EnrollRepository struct {
	db *DB
}

var _ enroll.Repository = (*EnrollRepository)(nil)

func NewEnrollRepository(db *DB) *EnrollRepository {
	return &EnrollRepository{db: db}
}

// Atomic serializes transactions behind the store mutex and rolls the state
// back when fn fails. Nested calls reuse the enclosing transaction.
func (repo *EnrollRepository) Atomic(ctx context.Context, fn func(tx enroll.Repository) error) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	snap := repo.db.snapshot()
	if err := fn(&enrollTx{repo}); err != nil {
		repo.db.restore(snap)
		return err
	}
	return nil
}

// enrollTx runs inside Atomic, where the mutex is already held.
type enrollTx struct {
	repo *EnrollRepository
}

var _ enroll.Repository = (*enrollTx)(nil)

func (t *enrollTx) Atomic(ctx context.Context, fn func(tx enroll.Repository) error) error {
	return fn(t)
}

func (t *enrollTx) CreateChild(ctx context.Context, ch enroll.Child) (enroll.Child, error) {
	return t.repo.createChild(ch)
}
func (t *enrollTx) GetChild(ctx context.Context, id string) (enroll.Child, error) {
	return t.repo.getChild(id)
}
func (t *enrollTx) QueryChildren(ctx context.Context, filter *enroll.QueryFilter, ordering ...core.DBOrdering) ([]enroll.Child, error) {
	return t.repo.queryChildren(filter, ordering...)
}
func (t *enrollTx) UpdateChild(ctx context.Context, ch enroll.Child) (enroll.Child, error) {
	return t.repo.updateChild(ch)
}
func (t *enrollTx) DeleteChild(ctx context.Context, id string) error { return t.repo.deleteChild(id) }
func (t *enrollTx) GetSite(ctx context.Context, id string) (enroll.Site, error) {
	return t.repo.getSite(id)
}
func (t *enrollTx) QuerySites(ctx context.Context) ([]enroll.Site, error) {
	return t.repo.querySites(), nil
}
func (t *enrollTx) GetClassroom(ctx context.Context, id string) (enroll.Classroom, error) {
	return t.repo.getClassroom(id)
}
func (t *enrollTx) QueryClassrooms(ctx context.Context, filter enroll.ClassroomFilter) ([]enroll.Classroom, error) {
	return t.repo.queryClassrooms(filter), nil
}
func (t *enrollTx) IncrementOccupancy(ctx context.Context, classroomID string) error {
	return t.repo.incrementOccupancy(classroomID)
}
func (t *enrollTx) DecrementOccupancy(ctx context.Context, classroomID string) error {
	return t.repo.decrementOccupancy(classroomID)
}
func (t *enrollTx) QueryAgeBands(ctx context.Context) ([]enroll.AgeBand, error) {
	return t.repo.queryAgeBands(), nil
}
func (t *enrollTx) GetSettings(ctx context.Context) (enroll.Settings, error) {
	return t.repo.db.settings, nil
}
func (t *enrollTx) AppendHistory(ctx context.Context, entry enroll.HistoryEntry) (enroll.HistoryEntry, error) {
	return t.repo.appendHistory(entry)
}
func (t *enrollTx) QueryHistory(ctx context.Context, childID string) ([]enroll.HistoryEntry, error) {
	return t.repo.queryHistory(childID), nil
}

func (repo *EnrollRepository) CreateChild(ctx context.Context, ch enroll.Child) (enroll.Child, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.createChild(ch)
}

func (repo *EnrollRepository) createChild(ch enroll.Child) (enroll.Child, error) {
	ch.ID = uuid.New().String()
	ch.Version = 1
	repo.db.children[ch.ID] = &ch
	return ch, nil
}

func (repo *EnrollRepository) GetChild(ctx context.Context, id string) (enroll.Child, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.getChild(id)
}

func (repo *EnrollRepository) getChild(id string) (enroll.Child, error) {
	if ch, ok := repo.db.children[id]; ok {
		return *ch, nil
	}
	return enroll.Child{}, enroll.ErrNotFound
}

func (repo *EnrollRepository) QueryChildren(ctx context.Context, filter *enroll.QueryFilter, ordering ...core.DBOrdering) ([]enroll.Child, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.queryChildren(filter, ordering...)
}

func (repo *EnrollRepository) queryChildren(filter *enroll.QueryFilter, ordering ...core.DBOrdering) ([]enroll.Child, error) {
	children := make([]enroll.Child, 0, len(repo.db.children))
	for _, ch := range repo.db.children {
		if matchesFilter(*ch, filter) {
			children = append(children, *ch)
		}
	}
	sortChildren(children, ordering)
	return children, nil
}

func matchesFilter(ch enroll.Child, filter *enroll.QueryFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(ch.Name), needle) &&
			!strings.Contains(strings.ToLower(ch.Guardian.Name), needle) {
			return false
		}
	}
	if len(filter.Statuses) > 0 {
		var found bool
		for _, st := range filter.Statuses {
			if ch.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.SiteID != "" && ch.CurrentSiteID != filter.SiteID {
		return false
	}
	if !filter.From.IsZero() && ch.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && ch.CreatedAt.After(filter.To) {
		return false
	}
	return true
}

func sortChildren(children []enroll.Child, ordering []core.DBOrdering) {
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at", Ascending: true}}
	}
	ord := ordering[0]
	sort.SliceStable(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if !ord.Ascending {
			a, b = b, a
		}
		switch ord.Field {
		case "name":
			return a.Name < b.Name
		case "status":
			return a.Status < b.Status
		case "queue_position":
			return a.QueuePosition < b.QueuePosition
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}

func (repo *EnrollRepository) UpdateChild(ctx context.Context, ch enroll.Child) (enroll.Child, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.updateChild(ch)
}

func (repo *EnrollRepository) updateChild(ch enroll.Child) (enroll.Child, error) {
	orig, ok := repo.db.children[ch.ID]
	if !ok {
		return enroll.Child{}, enroll.ErrNotFound
	}
	if orig.Version != ch.Version {
		return enroll.Child{}, enroll.ErrStaleChild
	}
	ch.Version++
	repo.db.children[ch.ID] = &ch
	return ch, nil
}

func (repo *EnrollRepository) DeleteChild(ctx context.Context, id string) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.deleteChild(id)
}

func (repo *EnrollRepository) deleteChild(id string) error {
	if _, ok := repo.db.children[id]; !ok {
		return enroll.ErrNotFound
	}
	delete(repo.db.children, id)
	return nil
}

func (repo *EnrollRepository) GetSite(ctx context.Context, id string) (enroll.Site, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.getSite(id)
}

func (repo *EnrollRepository) getSite(id string) (enroll.Site, error) {
	if s, ok := repo.db.sites[id]; ok {
		return *s, nil
	}
	return enroll.Site{}, enroll.ErrSiteNotFound
}

func (repo *EnrollRepository) QuerySites(ctx context.Context) ([]enroll.Site, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.querySites(), nil
}

func (repo *EnrollRepository) querySites() []enroll.Site {
	sites := make([]enroll.Site, 0, len(repo.db.sites))
	for _, s := range repo.db.sites {
		sites = append(sites, *s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	return sites
}

func (repo *EnrollRepository) GetClassroom(ctx context.Context, id string) (enroll.Classroom, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.getClassroom(id)
}

func (repo *EnrollRepository) getClassroom(id string) (enroll.Classroom, error) {
	if cr, ok := repo.db.rooms[id]; ok {
		return *cr, nil
	}
	return enroll.Classroom{}, enroll.ErrClassroomNotFound
}

func (repo *EnrollRepository) QueryClassrooms(ctx context.Context, filter enroll.ClassroomFilter) ([]enroll.Classroom, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.queryClassrooms(filter), nil
}

func (repo *EnrollRepository) queryClassrooms(filter enroll.ClassroomFilter) []enroll.Classroom {
	rooms := make([]enroll.Classroom, 0, len(repo.db.rooms))
	for _, cr := range repo.db.rooms {
		if len(filter.SiteIDs) > 0 {
			var found bool
			for _, id := range filter.SiteIDs {
				if cr.SiteID == id {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if filter.AgeBandID != "" && cr.AgeBandID != filter.AgeBandID {
			continue
		}
		if filter.OpenOnly && !cr.Open() {
			continue
		}
		rooms = append(rooms, *cr)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].SiteID != rooms[j].SiteID {
			return rooms[i].SiteID < rooms[j].SiteID
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms
}

func (repo *EnrollRepository) IncrementOccupancy(ctx context.Context, classroomID string) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.incrementOccupancy(classroomID)
}

func (repo *EnrollRepository) incrementOccupancy(classroomID string) error {
	cr, ok := repo.db.rooms[classroomID]
	if !ok {
		return enroll.ErrClassroomNotFound
	}
	if !cr.Open() {
		return enroll.ErrSlotNoLongerAvailable
	}
	cr.Occupancy++
	return nil
}

func (repo *EnrollRepository) DecrementOccupancy(ctx context.Context, classroomID string) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.decrementOccupancy(classroomID)
}

func (repo *EnrollRepository) decrementOccupancy(classroomID string) error {
	cr, ok := repo.db.rooms[classroomID]
	if !ok {
		return enroll.ErrClassroomNotFound
	}
	if cr.Occupancy > 0 {
		cr.Occupancy--
	}
	return nil
}

func (repo *EnrollRepository) QueryAgeBands(ctx context.Context) ([]enroll.AgeBand, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.queryAgeBands(), nil
}

func (repo *EnrollRepository) queryAgeBands() []enroll.AgeBand {
	bands := append([]enroll.AgeBand(nil), repo.db.bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Ordinal < bands[j].Ordinal })
	return bands
}

func (repo *EnrollRepository) GetSettings(ctx context.Context) (enroll.Settings, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.db.settings, nil
}

func (repo *EnrollRepository) AppendHistory(ctx context.Context, entry enroll.HistoryEntry) (enroll.HistoryEntry, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.appendHistory(entry)
}

func (repo *EnrollRepository) appendHistory(entry enroll.HistoryEntry) (enroll.HistoryEntry, error) {
	entry.ID = uuid.New().String()
	repo.db.history = append(repo.db.history, entry)
	return entry, nil
}

func (repo *EnrollRepository) QueryHistory(ctx context.Context, childID string) ([]enroll.HistoryEntry, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return repo.queryHistory(childID), nil
}

func (repo *EnrollRepository) queryHistory(childID string) []enroll.HistoryEntry {
	var entries []enroll.HistoryEntry
	for _, e := range repo.db.history {
		if e.ChildID == childID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries
}

// Seed helpers; used by local development and the API test suite.

func (db *DB) AddSite(s enroll.Site) enroll.Site {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	db.sites[s.ID] = &s
	return s
}

func (db *DB) AddClassroom(cr enroll.Classroom) enroll.Classroom {
	db.mu.Lock()
	defer db.mu.Unlock()
	if cr.ID == "" {
		cr.ID = uuid.New().String()
	}
	db.rooms[cr.ID] = &cr
	return cr
}

func (db *DB) AddAgeBand(b enroll.AgeBand) enroll.AgeBand {
	db.mu.Lock()
	defer db.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	db.bands = append(db.bands, b)
	return b
}

func (db *DB) SetSettings(s enroll.Settings) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.settings = s
}
