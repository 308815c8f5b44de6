package sqlxrepos

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/staff"
)

type StaffRepository struct {
	db *sqlx.DB
}

var _ staff.Repository = (*StaffRepository)(nil) // interface compliance check

func NewStaffRepository(db *sqlx.DB) *StaffRepository {
	return &StaffRepository{db: db}
}

type staffRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Username     string         `db:"username"`
	Email        string         `db:"email"`
	IsActive     bool           `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	PasswordHash []byte         `db:"password_hash"`
	CreatedAt    null.Time      `db:"created_at"`
	UpdatedAt    null.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
}

const staffCols = `id, name, username, email, is_active, roles, password_hash, created_at, updated_at, last_login`

func (repo *StaffRepository) pack(s staff.Staff) staffRow {
	return staffRow{
		ID:           s.ID,
		Name:         s.Name,
		Username:     s.Username,
		Email:        s.Email,
		IsActive:     s.IsActive,
		Roles:        s.Roles,
		PasswordHash: s.PasswordHash,
		CreatedAt:    null.NewTime(s.CreatedAt.UTC(), !s.CreatedAt.IsZero()),
		UpdatedAt:    null.NewTime(s.UpdatedAt.UTC(), !s.UpdatedAt.IsZero()),
		LastLogin:    null.NewTime(s.LastLogin.UTC(), !s.LastLogin.IsZero()),
	}
}

func (repo *StaffRepository) unpack(row staffRow) staff.Staff {
	return staff.Staff{
		ID:           row.ID,
		Name:         row.Name,
		Username:     row.Username,
		Email:        row.Email,
		IsActive:     row.IsActive,
		Roles:        row.Roles,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.Time,
		UpdatedAt:    row.UpdatedAt.Time,
		LastLogin:    row.LastLogin.Time,
	}
}

func (repo *StaffRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excluded ...staff.Staff) error {
	exclIDs := make([]string, 0, len(excluded))
	for _, s := range excluded {
		exclIDs = append(exclIDs, s.ID)
	}

	check := func(col, val string, sentinel error) error {
		query := `SELECT EXISTS (SELECT 1 FROM staff WHERE ` + col + ` = ?`
		args := []interface{}{val}
		if len(exclIDs) > 0 {
			query += ` AND id NOT IN (?)`
			args = append(args, exclIDs)
		}
		query += `)`
		query, expanded, err := sqlx.In(query, args...)
		if err != nil {
			return errors.Wrap(err, "building uniqueness query")
		}
		var exists bool
		if err = repo.db.GetContext(ctx, &exists, repo.db.Rebind(query), expanded...); err != nil {
			return errors.Wrap(err, "checking "+col+" uniqueness")
		}
		if exists {
			return sentinel
		}
		return nil
	}

	if username != "" {
		if err := check("username", username, staff.ErrUsernameExists); err != nil {
			return err
		}
	}
	if email != "" {
		if err := check("email", email, staff.ErrEmailExists); err != nil {
			return err
		}
	}
	return nil
}

func (repo *StaffRepository) CreateStaff(ctx context.Context, s staff.Staff) (staff.Staff, error) {
	s.ID = uuid.New().String()
	row := repo.pack(s)
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO staff (`+staffCols+`)
		VALUES (:id, :name, :username, :email, :is_active, :roles, :password_hash,
			:created_at, :updated_at, :last_login)`, row)
	if err != nil {
		return staff.Staff{}, errors.Wrap(err, "inserting staff member")
	}
	return s, nil
}

func (repo *StaffRepository) QueryStaff(ctx context.Context, filter *staff.QueryFilter, ordering ...core.DBOrdering) ([]staff.Staff, error) {
	query := `SELECT ` + staffCols + ` FROM staff`
	var conds []string
	var args []interface{}

	if filter != nil {
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			conds = append(conds, "(name ILIKE ? OR username ILIKE ? OR email ILIKE ?)")
			args = append(args, val, val, val)
		}
		if len(filter.Roles) > 0 {
			conds = append(conds, "EXISTS (SELECT 1 FROM UNNEST(roles) AS r WHERE r IN (?))")
			args = append(args, filter.Roles)
		}
		if filter.IsActive != nil {
			conds = append(conds, "is_active = ?")
			args = append(args, *filter.IsActive)
		}
		if !filter.CreatedFrom.IsZero() {
			conds = append(conds, "created_at >= ?")
			args = append(args, filter.CreatedFrom.UTC())
		}
		if !filter.CreatedTo.IsZero() {
			conds = append(conds, "created_at <= ?")
			args = append(args, filter.CreatedTo.UTC())
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	if len(ordering) > 0 {
		orderList := make([]string, 0, len(ordering))
		for _, ord := range ordering {
			orderList = append(orderList, ord.String())
		}
		query += " ORDER BY " + strings.Join(orderList, ", ")
	} else {
		query += " ORDER BY created_at ASC"
	}

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building staff query")
	}
	var rows []staffRow
	if err = repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), expanded...); err != nil {
		return nil, errors.Wrap(err, "querying staff")
	}
	members := make([]staff.Staff, 0, len(rows))
	for _, row := range rows {
		members = append(members, repo.unpack(row))
	}
	return members, nil
}

func (repo *StaffRepository) get(ctx context.Context, cond string, args ...interface{}) (staff.Staff, error) {
	var row staffRow
	err := repo.db.GetContext(ctx, &row, repo.db.Rebind(
		`SELECT `+staffCols+` FROM staff WHERE `+cond), args...)
	if err != nil {
		return staff.Staff{}, trapNoRowsErr(err, staff.ErrNotFound, "finding staff member")
	}
	return repo.unpack(row), nil
}

func (repo *StaffRepository) GetStaffByID(ctx context.Context, id string) (staff.Staff, error) {
	if _, err := uuid.Parse(id); err != nil {
		return staff.Staff{}, staff.ErrNotFound
	}
	return repo.get(ctx, "id = ?", id)
}

func (repo *StaffRepository) GetStaffByEmail(ctx context.Context, email string) (staff.Staff, error) {
	return repo.get(ctx, "email = ?", email)
}

func (repo *StaffRepository) GetStaffByUsernameOrEmail(ctx context.Context, username string) (staff.Staff, error) {
	return repo.get(ctx, "username = ? OR email = ?", username, username)
}

// UpdateStaff only saves set fields; zero-valued Roles/PasswordHash and a nil
// isActive leave the stored values untouched.
func (repo *StaffRepository) UpdateStaff(ctx context.Context, s staff.Staff, isActive *bool) (staff.Staff, error) {
	orig, err := repo.GetStaffByID(ctx, s.ID)
	if err != nil {
		return staff.Staff{}, err
	}
	if s.Roles == nil {
		s.Roles = orig.Roles
	}
	if s.PasswordHash == nil {
		s.PasswordHash = orig.PasswordHash
	}
	if isActive != nil {
		s.IsActive = *isActive
	} else {
		s.IsActive = orig.IsActive
	}
	if s.Name == "" {
		s.Name = orig.Name
	}
	if s.Username == "" {
		s.Username = orig.Username
	}
	if s.Email == "" {
		s.Email = orig.Email
	}
	if s.LastLogin.IsZero() {
		s.LastLogin = orig.LastLogin
	}
	s.CreatedAt = orig.CreatedAt

	row := repo.pack(s)
	_, err = repo.db.NamedExecContext(ctx, `
		UPDATE staff
		SET name          = :name,
			username      = :username,
			email         = :email,
			is_active     = :is_active,
			roles         = :roles,
			password_hash = :password_hash,
			updated_at    = :updated_at,
			last_login    = :last_login
		WHERE id = :id`, row)
	if err != nil {
		return staff.Staff{}, errors.Wrap(err, "updating staff member")
	}
	return s, nil
}

func (repo *StaffRepository) DeleteStaffByID(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM staff WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "building staff delete query")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "deleting staff members")
	}
	return nil
}
