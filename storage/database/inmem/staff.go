package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/staff"
)

type StaffRepository struct {
	db *DB
}

var _ staff.Repository = (*StaffRepository)(nil)

func NewStaffRepository(db *DB) *StaffRepository {
	return &StaffRepository{db: db}
}

func (repo *StaffRepository) query() []staff.Staff {
	members := make([]staff.Staff, 0, len(repo.db.staff))
	for _, s := range repo.db.staff {
		members = append(members, *s)
	}
	return members
}

func (repo *StaffRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excluded ...staff.Staff) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, s := range repo.query() {
		if isExcluded(s, excluded) {
			continue
		}
		if username != "" && s.Username == username {
			return staff.ErrUsernameExists
		}
		if email != "" && s.Email == email {
			return staff.ErrEmailExists
		}
	}
	return nil
}

func isExcluded(s staff.Staff, excluded []staff.Staff) bool {
	for _, e := range excluded {
		if e.ID == s.ID {
			return true
		}
	}
	return false
}

func (repo *StaffRepository) CreateStaff(ctx context.Context, s staff.Staff) (staff.Staff, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	s.ID = uuid.New().String()
	repo.db.staff[s.ID] = &s
	return s, nil
}

func (repo *StaffRepository) QueryStaff(ctx context.Context, filter *staff.QueryFilter, ordering ...core.DBOrdering) ([]staff.Staff, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	members := make([]staff.Staff, 0, len(repo.db.staff))
	for _, s := range repo.query() {
		if matchesStaffFilter(s, filter) {
			members = append(members, s)
		}
	}
	sortStaff(members, ordering)
	return members, nil
}

func matchesStaffFilter(s staff.Staff, filter *staff.QueryFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(s.Name), needle) &&
			!strings.Contains(strings.ToLower(s.Username), needle) &&
			!strings.Contains(strings.ToLower(s.Email), needle) {
			return false
		}
	}
	if len(filter.Roles) > 0 {
		var found bool
	roles:
		for _, want := range filter.Roles {
			for _, r := range s.Roles {
				if r == want {
					found = true
					break roles
				}
			}
		}
		if !found {
			return false
		}
	}
	if filter.IsActive != nil && s.IsActive != *filter.IsActive {
		return false
	}
	if !filter.CreatedFrom.IsZero() && s.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && s.CreatedAt.After(filter.CreatedTo) {
		return false
	}
	return true
}

func sortStaff(members []staff.Staff, ordering []core.DBOrdering) {
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at", Ascending: true}}
	}
	ord := ordering[0]
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !ord.Ascending {
			a, b = b, a
		}
		switch ord.Field {
		case "name":
			return a.Name < b.Name
		case "username":
			return a.Username < b.Username
		case "email":
			return a.Email < b.Email
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}

func (repo *StaffRepository) GetStaffByID(ctx context.Context, id string) (staff.Staff, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if s, ok := repo.db.staff[id]; ok {
		return *s, nil
	}
	return staff.Staff{}, staff.ErrNotFound
}

func (repo *StaffRepository) GetStaffByEmail(ctx context.Context, email string) (staff.Staff, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, s := range repo.query() {
		if s.Email == email {
			return s, nil
		}
	}
	return staff.Staff{}, staff.ErrNotFound
}

func (repo *StaffRepository) GetStaffByUsernameOrEmail(ctx context.Context, username string) (staff.Staff, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, s := range repo.query() {
		if s.Username == username || s.Email == username {
			return s, nil
		}
	}
	return staff.Staff{}, staff.ErrNotFound
}

// UpdateStaff only saves set fields.
func (repo *StaffRepository) UpdateStaff(ctx context.Context, s staff.Staff, isActive *bool) (staff.Staff, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	orig, ok := repo.db.staff[s.ID]
	if !ok {
		return staff.Staff{}, staff.ErrNotFound
	}
	if s.Name != "" {
		orig.Name = s.Name
	}
	if s.Username != "" {
		orig.Username = s.Username
	}
	if s.Email != "" {
		orig.Email = s.Email
	}
	if s.Roles != nil {
		orig.Roles = s.Roles
	}
	if s.PasswordHash != nil {
		orig.PasswordHash = s.PasswordHash
	}
	if isActive != nil {
		orig.IsActive = *isActive
	}
	if !s.LastLogin.IsZero() {
		orig.LastLogin = s.LastLogin
	}
	orig.UpdatedAt = s.UpdatedAt
	return *orig, nil
}

func (repo *StaffRepository) DeleteStaffByID(ctx context.Context, ids ...string) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, id := range ids {
		delete(repo.db.staff, id)
	}
	return nil
}
