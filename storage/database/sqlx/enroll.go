package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/enroll"
)

type EnrollRepository struct {
	db  *sqlx.DB
	ext sqlx.ExtContext // db, or tx inside Atomic
}

var _ enroll.Repository = (*EnrollRepository)(nil) // interface compliance check

func NewEnrollRepository(db *sqlx.DB) *EnrollRepository {
	return &EnrollRepository{db: db, ext: db}
}

// Atomic runs fn inside a single database transaction. Nested calls reuse the
// enclosing transaction.
func (repo *EnrollRepository) Atomic(ctx context.Context, fn func(tx enroll.Repository) error) error {
	if _, ok := repo.ext.(*sqlx.Tx); ok {
		return fn(repo)
	}
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(&EnrollRepository{db: repo.db, ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

type childRow struct {
	ID                       string      `db:"id"`
	Name                     string      `db:"name"`
	BirthDate                null.Time   `db:"birth_date"`
	Sex                      null.String `db:"sex"`
	SocialProgram            bool        `db:"social_program"`
	AcceptsAnySite           bool        `db:"accepts_any_site"`
	PreferredSite1ID         null.String `db:"preferred_site1_id"`
	PreferredSite2ID         null.String `db:"preferred_site2_id"`
	GuardianName             string      `db:"guardian_name"`
	GuardianNationalID       null.String `db:"guardian_national_id"`
	GuardianPhone            null.String `db:"guardian_phone"`
	GuardianPhone2           null.String `db:"guardian_phone2"`
	GuardianEmail            null.String `db:"guardian_email"`
	GuardianAddress          null.String `db:"guardian_address"`
	GuardianNeighborhood     null.String `db:"guardian_neighborhood"`
	GuardianNotes            null.String `db:"guardian_notes"`
	Status                   string      `db:"status"`
	CurrentSiteID            null.String `db:"current_site_id"`
	CurrentClassroomID       null.String `db:"current_classroom_id"`
	QueuePosition            null.Int    `db:"queue_position"`
	OfferDeadline            null.Time   `db:"offer_deadline"`
	PenaltyDate              null.Time   `db:"penalty_date"`
	ReassignmentTargetSiteID null.String `db:"reassignment_target_site_id"`
	Version                  int         `db:"version"`
	CreatedAt                null.Time   `db:"created_at"`
	UpdatedAt                null.Time   `db:"updated_at"`
}

const childCols = `id, name, birth_date, sex, social_program, accepts_any_site,
	preferred_site1_id, preferred_site2_id,
	guardian_name, guardian_national_id, guardian_phone, guardian_phone2,
	guardian_email, guardian_address, guardian_neighborhood, guardian_notes,
	status, current_site_id, current_classroom_id, queue_position,
	offer_deadline, penalty_date, reassignment_target_site_id,
	version, created_at, updated_at`

func (repo *EnrollRepository) pack(ch enroll.Child) childRow {
	row := childRow{
		ID:                       ch.ID,
		Name:                     ch.Name,
		BirthDate:                null.NewTime(ch.BirthDate, !ch.BirthDate.IsZero()),
		Sex:                      null.NewString(ch.Sex, ch.Sex != ""),
		SocialProgram:            ch.SocialProgram,
		AcceptsAnySite:           ch.AcceptsAnySite,
		GuardianName:             ch.Guardian.Name,
		GuardianNationalID:       null.NewString(ch.Guardian.NationalID, ch.Guardian.NationalID != ""),
		GuardianPhone:            null.NewString(ch.Guardian.Phone, ch.Guardian.Phone != ""),
		GuardianPhone2:           null.NewString(ch.Guardian.Phone2, ch.Guardian.Phone2 != ""),
		GuardianEmail:            null.NewString(ch.Guardian.Email, ch.Guardian.Email != ""),
		GuardianAddress:          null.NewString(ch.Guardian.Address, ch.Guardian.Address != ""),
		GuardianNeighborhood:     null.NewString(ch.Guardian.Neighborhood, ch.Guardian.Neighborhood != ""),
		GuardianNotes:            null.NewString(ch.Guardian.Notes, ch.Guardian.Notes != ""),
		Status:                   string(ch.Status),
		CurrentSiteID:            null.NewString(ch.CurrentSiteID, ch.CurrentSiteID != ""),
		CurrentClassroomID:       null.NewString(ch.CurrentClassroomID, ch.CurrentClassroomID != ""),
		QueuePosition:            null.NewInt(ch.QueuePosition, ch.QueuePosition != 0),
		OfferDeadline:            null.NewTime(ch.OfferDeadline, !ch.OfferDeadline.IsZero()),
		PenaltyDate:              null.NewTime(ch.PenaltyDate, !ch.PenaltyDate.IsZero()),
		ReassignmentTargetSiteID: null.NewString(ch.ReassignmentTargetSiteID, ch.ReassignmentTargetSiteID != ""),
		Version:                  ch.Version,
		CreatedAt:                null.NewTime(ch.CreatedAt.UTC(), !ch.CreatedAt.IsZero()),
		UpdatedAt:                null.NewTime(ch.UpdatedAt.UTC(), !ch.UpdatedAt.IsZero()),
	}
	if len(ch.PreferredSiteIDs) > 0 {
		row.PreferredSite1ID = null.StringFrom(ch.PreferredSiteIDs[0])
	}
	if len(ch.PreferredSiteIDs) > 1 {
		row.PreferredSite2ID = null.StringFrom(ch.PreferredSiteIDs[1])
	}
	return row
}

func (repo *EnrollRepository) unpack(row childRow) enroll.Child {
	ch := enroll.Child{
		ID:             row.ID,
		Name:           row.Name,
		BirthDate:      row.BirthDate.Time,
		Sex:            row.Sex.String,
		SocialProgram:  row.SocialProgram,
		AcceptsAnySite: row.AcceptsAnySite,
		Guardian: enroll.Guardian{
			Name:         row.GuardianName,
			NationalID:   row.GuardianNationalID.String,
			Phone:        row.GuardianPhone.String,
			Phone2:       row.GuardianPhone2.String,
			Email:        row.GuardianEmail.String,
			Address:      row.GuardianAddress.String,
			Neighborhood: row.GuardianNeighborhood.String,
			Notes:        row.GuardianNotes.String,
		},
		Status:                   enroll.Status(row.Status),
		CurrentSiteID:            row.CurrentSiteID.String,
		CurrentClassroomID:       row.CurrentClassroomID.String,
		QueuePosition:            row.QueuePosition.Int,
		OfferDeadline:            row.OfferDeadline.Time,
		PenaltyDate:              row.PenaltyDate.Time,
		ReassignmentTargetSiteID: row.ReassignmentTargetSiteID.String,
		Version:                  row.Version,
		CreatedAt:                row.CreatedAt.Time,
		UpdatedAt:                row.UpdatedAt.Time,
	}
	if row.PreferredSite1ID.Valid {
		ch.PreferredSiteIDs = append(ch.PreferredSiteIDs, row.PreferredSite1ID.String)
	}
	if row.PreferredSite2ID.Valid {
		ch.PreferredSiteIDs = append(ch.PreferredSiteIDs, row.PreferredSite2ID.String)
	}
	return ch
}

func (repo *EnrollRepository) unpackSlice(rows []childRow) []enroll.Child {
	children := make([]enroll.Child, 0, len(rows))
	for _, row := range rows {
		children = append(children, repo.unpack(row))
	}
	return children
}

// trapNoRowsErr maps psql "no rows" err to the given sentinel.
func trapNoRowsErr(err, sentinel error, msg string) error {
	if err == sql.ErrNoRows {
		return sentinel
	}
	return errors.Wrap(err, msg)
}

func (repo *EnrollRepository) CreateChild(ctx context.Context, ch enroll.Child) (enroll.Child, error) {
	ch.ID = uuid.New().String()
	ch.Version = 1
	row := repo.pack(ch)
	_, err := sqlx.NamedExecContext(ctx, repo.ext, `
		INSERT INTO child (`+childCols+`)
		VALUES (:id, :name, :birth_date, :sex, :social_program, :accepts_any_site,
			:preferred_site1_id, :preferred_site2_id,
			:guardian_name, :guardian_national_id, :guardian_phone, :guardian_phone2,
			:guardian_email, :guardian_address, :guardian_neighborhood, :guardian_notes,
			:status, :current_site_id, :current_classroom_id, :queue_position,
			:offer_deadline, :penalty_date, :reassignment_target_site_id,
			:version, :created_at, :updated_at)`, row)
	if err != nil {
		return enroll.Child{}, errors.Wrap(err, "inserting child")
	}
	return ch, nil
}

func (repo *EnrollRepository) GetChild(ctx context.Context, id string) (enroll.Child, error) {
	if _, err := uuid.Parse(id); err != nil {
		return enroll.Child{}, enroll.ErrNotFound
	}
	var row childRow
	err := sqlx.GetContext(ctx, repo.ext, &row, repo.ext.Rebind(
		`SELECT `+childCols+` FROM child WHERE id = ?`), id)
	if err != nil {
		return enroll.Child{}, trapNoRowsErr(err, enroll.ErrNotFound, "finding child by ID")
	}
	return repo.unpack(row), nil
}

func (repo *EnrollRepository) QueryChildren(ctx context.Context, filter *enroll.QueryFilter, ordering ...core.DBOrdering) ([]enroll.Child, error) {
	query := `SELECT ` + childCols + ` FROM child`
	var conds []string
	var args []interface{}

	if filter != nil {
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			conds = append(conds, "(name ILIKE ? OR guardian_name ILIKE ?)")
			args = append(args, val, val)
		}
		if len(filter.Statuses) > 0 {
			statuses := make([]string, 0, len(filter.Statuses))
			for _, s := range filter.Statuses {
				statuses = append(statuses, string(s))
			}
			conds = append(conds, "status IN (?)")
			args = append(args, statuses)
		}
		if filter.SiteID != "" {
			conds = append(conds, "current_site_id = ?")
			args = append(args, filter.SiteID)
		}
		if !filter.From.IsZero() {
			conds = append(conds, "created_at >= ?")
			args = append(args, filter.From.UTC())
		}
		if !filter.To.IsZero() {
			conds = append(conds, "created_at <= ?")
			args = append(args, filter.To.UTC())
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
		return nil, errors.Wrap(err, "building children query")
	}
	var rows []childRow
	if err = sqlx.SelectContext(ctx, repo.ext, &rows, repo.ext.Rebind(query), expanded...); err != nil {
		return nil, errors.Wrap(err, "querying children")
	}
	return repo.unpackSlice(rows), nil
}

func (repo *EnrollRepository) UpdateChild(ctx context.Context, ch enroll.Child) (enroll.Child, error) {
	row := repo.pack(ch)
	res, err := sqlx.NamedExecContext(ctx, repo.ext, `
		UPDATE child
		SET name                        = :name,
			birth_date                  = :birth_date,
			sex                         = :sex,
			social_program              = :social_program,
			accepts_any_site            = :accepts_any_site,
			preferred_site1_id          = :preferred_site1_id,
			preferred_site2_id          = :preferred_site2_id,
			guardian_name               = :guardian_name,
			guardian_national_id        = :guardian_national_id,
			guardian_phone              = :guardian_phone,
			guardian_phone2             = :guardian_phone2,
			guardian_email              = :guardian_email,
			guardian_address            = :guardian_address,
			guardian_neighborhood       = :guardian_neighborhood,
			guardian_notes              = :guardian_notes,
			status                      = :status,
			current_site_id             = :current_site_id,
			current_classroom_id        = :current_classroom_id,
			queue_position              = :queue_position,
			offer_deadline              = :offer_deadline,
			penalty_date                = :penalty_date,
			reassignment_target_site_id = :reassignment_target_site_id,
			version                     = version + 1,
			updated_at                  = :updated_at
		WHERE id = :id AND version = :version`, row)
	if err != nil {
		return enroll.Child{}, errors.Wrap(err, "updating child")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return enroll.Child{}, errors.Wrap(err, "updating child")
	}
	if affected == 0 {
		if _, err = repo.GetChild(ctx, ch.ID); err != nil {
			return enroll.Child{}, err
		}
		return enroll.Child{}, enroll.ErrStaleChild
	}
	ch.Version++
	return ch, nil
}

func (repo *EnrollRepository) DeleteChild(ctx context.Context, id string) error {
	res, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(`DELETE FROM child WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "deleting child")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return enroll.ErrNotFound
	}
	return nil
}

type siteRow struct {
	ID           string      `db:"id"`
	Name         string      `db:"name"`
	Neighborhood null.String `db:"neighborhood"`
	CreatedAt    null.Time   `db:"created_at"`
}

func (repo *EnrollRepository) unpackSite(row siteRow) enroll.Site {
	return enroll.Site{
		ID:           row.ID,
		Name:         row.Name,
		Neighborhood: row.Neighborhood.String,
		CreatedAt:    row.CreatedAt.Time,
	}
}

func (repo *EnrollRepository) GetSite(ctx context.Context, id string) (enroll.Site, error) {
	if _, err := uuid.Parse(id); err != nil {
		return enroll.Site{}, enroll.ErrSiteNotFound
	}
	var row siteRow
	err := sqlx.GetContext(ctx, repo.ext, &row, repo.ext.Rebind(
		`SELECT id, name, neighborhood, created_at FROM site WHERE id = ?`), id)
	if err != nil {
		return enroll.Site{}, trapNoRowsErr(err, enroll.ErrSiteNotFound, "finding site by ID")
	}
	return repo.unpackSite(row), nil
}

func (repo *EnrollRepository) QuerySites(ctx context.Context) ([]enroll.Site, error) {
	var rows []siteRow
	err := sqlx.SelectContext(ctx, repo.ext, &rows,
		`SELECT id, name, neighborhood, created_at FROM site ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "querying sites")
	}
	sites := make([]enroll.Site, 0, len(rows))
	for _, row := range rows {
		sites = append(sites, repo.unpackSite(row))
	}
	return sites, nil
}

// CreateSite is used by the admin tooling; the API only reads sites.
func (repo *EnrollRepository) CreateSite(ctx context.Context, s enroll.Site) (enroll.Site, error) {
	s.ID = uuid.New().String()
	_, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(
		`INSERT INTO site (id, name, neighborhood) VALUES (?, ?, ?)`),
		s.ID, s.Name, null.NewString(s.Neighborhood, s.Neighborhood != ""))
	if err != nil {
		return enroll.Site{}, errors.Wrap(err, "inserting site")
	}
	return s, nil
}

type classroomRow struct {
	ID        string    `db:"id"`
	SiteID    string    `db:"site_id"`
	Name      string    `db:"name"`
	AgeBandID string    `db:"age_band_id"`
	Capacity  int       `db:"capacity"`
	Occupancy int       `db:"occupancy"`
	CreatedAt null.Time `db:"created_at"`
}

func (repo *EnrollRepository) unpackClassroom(row classroomRow) enroll.Classroom {
	return enroll.Classroom{
		ID:        row.ID,
		SiteID:    row.SiteID,
		Name:      row.Name,
		AgeBandID: row.AgeBandID,
		Capacity:  row.Capacity,
		Occupancy: row.Occupancy,
		CreatedAt: row.CreatedAt.Time,
	}
}

const classroomCols = `id, site_id, name, age_band_id, capacity, occupancy, created_at`

func (repo *EnrollRepository) GetClassroom(ctx context.Context, id string) (enroll.Classroom, error) {
	if _, err := uuid.Parse(id); err != nil {
		return enroll.Classroom{}, enroll.ErrClassroomNotFound
	}
	var row classroomRow
	err := sqlx.GetContext(ctx, repo.ext, &row, repo.ext.Rebind(
		`SELECT `+classroomCols+` FROM classroom WHERE id = ?`), id)
	if err != nil {
		return enroll.Classroom{}, trapNoRowsErr(err, enroll.ErrClassroomNotFound, "finding classroom by ID")
	}
	return repo.unpackClassroom(row), nil
}

func (repo *EnrollRepository) QueryClassrooms(ctx context.Context, filter enroll.ClassroomFilter) ([]enroll.Classroom, error) {
	query := `SELECT ` + classroomCols + ` FROM classroom`
	var conds []string
	var args []interface{}

	if len(filter.SiteIDs) > 0 {
		conds = append(conds, "site_id IN (?)")
		args = append(args, filter.SiteIDs)
	}
	if filter.AgeBandID != "" {
		conds = append(conds, "age_band_id = ?")
		args = append(args, filter.AgeBandID)
	}
	if filter.OpenOnly {
		conds = append(conds, "occupancy < capacity")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY site_id, name"

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building classrooms query")
	}
	var rows []classroomRow
	if err = sqlx.SelectContext(ctx, repo.ext, &rows, repo.ext.Rebind(query), expanded...); err != nil {
		return nil, errors.Wrap(err, "querying classrooms")
	}
	classrooms := make([]enroll.Classroom, 0, len(rows))
	for _, row := range rows {
		classrooms = append(classrooms, repo.unpackClassroom(row))
	}
	return classrooms, nil
}

// CreateClassroom is used by the admin tooling; the API only reads classrooms.
func (repo *EnrollRepository) CreateClassroom(ctx context.Context, cr enroll.Classroom) (enroll.Classroom, error) {
	cr.ID = uuid.New().String()
	_, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(
		`INSERT INTO classroom (id, site_id, name, age_band_id, capacity, occupancy)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		cr.ID, cr.SiteID, cr.Name, cr.AgeBandID, cr.Capacity, cr.Occupancy)
	if err != nil {
		return enroll.Classroom{}, errors.Wrap(err, "inserting classroom")
	}
	return cr, nil
}

// IncrementOccupancy takes one seat with a capacity guard in the same
// statement; losing the race surfaces as ErrSlotNoLongerAvailable.
func (repo *EnrollRepository) IncrementOccupancy(ctx context.Context, classroomID string) error {
	res, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(
		`UPDATE classroom SET occupancy = occupancy + 1 WHERE id = ? AND occupancy < capacity`), classroomID)
	if err != nil {
		return errors.Wrap(err, "incrementing occupancy")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, err = repo.GetClassroom(ctx, classroomID); err != nil {
			return err
		}
		return enroll.ErrSlotNoLongerAvailable
	}
	return nil
}

func (repo *EnrollRepository) DecrementOccupancy(ctx context.Context, classroomID string) error {
	res, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(
		`UPDATE classroom SET occupancy = occupancy - 1 WHERE id = ? AND occupancy > 0`), classroomID)
	if err != nil {
		return errors.Wrap(err, "decrementing occupancy")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// already at zero is not an error; a missing classroom is
		if _, err = repo.GetClassroom(ctx, classroomID); err != nil {
			return err
		}
	}
	return nil
}

type ageBandRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	MinMonths int    `db:"min_months"`
	MaxMonths int    `db:"max_months"`
	Ordinal   int    `db:"ordinal"`
}

func (repo *EnrollRepository) QueryAgeBands(ctx context.Context) ([]enroll.AgeBand, error) {
	var rows []ageBandRow
	err := sqlx.SelectContext(ctx, repo.ext, &rows,
		`SELECT id, name, min_months, max_months, ordinal FROM age_band ORDER BY ordinal`)
	if err != nil {
		return nil, errors.Wrap(err, "querying age bands")
	}
	bands := make([]enroll.AgeBand, 0, len(rows))
	for _, row := range rows {
		bands = append(bands, enroll.AgeBand{
			ID:        row.ID,
			Name:      row.Name,
			MinMonths: row.MinMonths,
			MaxMonths: row.MaxMonths,
			Ordinal:   row.Ordinal,
		})
	}
	return bands, nil
}

// CreateAgeBand is used by the admin tooling.
func (repo *EnrollRepository) CreateAgeBand(ctx context.Context, b enroll.AgeBand) (enroll.AgeBand, error) {
	b.ID = uuid.New().String()
	_, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(
		`INSERT INTO age_band (id, name, min_months, max_months, ordinal) VALUES (?, ?, ?, ?, ?)`),
		b.ID, b.Name, b.MinMonths, b.MaxMonths, b.Ordinal)
	if err != nil {
		return enroll.AgeBand{}, errors.Wrap(err, "inserting age band")
	}
	return b, nil
}

type settingsRow struct {
	OfferResponseDays        int  `db:"offer_response_days"`
	CutoffMonth              int  `db:"cutoff_month"`
	CutoffDay                int  `db:"cutoff_day"`
	BeneficiaryKeepsPosition bool `db:"beneficiary_keeps_position"`
}

func (repo *EnrollRepository) GetSettings(ctx context.Context) (enroll.Settings, error) {
	var row settingsRow
	err := sqlx.GetContext(ctx, repo.ext, &row,
		`SELECT offer_response_days, cutoff_month, cutoff_day, beneficiary_keeps_position FROM settings`)
	if err != nil {
		return enroll.Settings{}, errors.Wrap(err, "reading settings")
	}
	return enroll.Settings{
		OfferResponseDays:        row.OfferResponseDays,
		CutoffMonth:              row.CutoffMonth,
		CutoffDay:                row.CutoffDay,
		BeneficiaryKeepsPosition: row.BeneficiaryKeepsPosition,
	}, nil
}

// UpdateSettings replaces the single policy row.
func (repo *EnrollRepository) UpdateSettings(ctx context.Context, s enroll.Settings) error {
	_, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(`
		UPDATE settings
		SET offer_response_days        = ?,
			cutoff_month               = ?,
			cutoff_day                 = ?,
			beneficiary_keeps_position = ?`),
		s.OfferResponseDays, s.CutoffMonth, s.CutoffDay, s.BeneficiaryKeepsPosition)
	return errors.Wrap(err, "updating settings")
}

type historyRow struct {
	ID        string      `db:"id"`
	ChildID   string      `db:"child_id"`
	Action    string      `db:"action"`
	Detail    string      `db:"detail"`
	Actor     null.String `db:"actor"`
	CreatedAt null.Time   `db:"created_at"`
}

func (repo *EnrollRepository) AppendHistory(ctx context.Context, entry enroll.HistoryEntry) (enroll.HistoryEntry, error) {
	entry.ID = uuid.New().String()
	_, err := repo.ext.ExecContext(ctx, repo.ext.Rebind(
		`INSERT INTO child_history (id, child_id, action, detail, actor, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.ChildID, entry.Action, entry.Detail,
		null.NewString(entry.Actor, entry.Actor != ""), entry.CreatedAt.UTC())
	if err != nil {
		return enroll.HistoryEntry{}, errors.Wrap(err, "inserting history entry")
	}
	return entry, nil
}

func (repo *EnrollRepository) QueryHistory(ctx context.Context, childID string) ([]enroll.HistoryEntry, error) {
	var rows []historyRow
	err := sqlx.SelectContext(ctx, repo.ext, &rows, repo.ext.Rebind(
		`SELECT id, child_id, action, detail, actor, created_at
		 FROM child_history WHERE child_id = ? ORDER BY created_at`), childID)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	entries := make([]enroll.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, enroll.HistoryEntry{
			ID:        row.ID,
			ChildID:   row.ChildID,
			Action:    row.Action,
			Detail:    row.Detail,
			Actor:     row.Actor.String,
			CreatedAt: row.CreatedAt.Time,
		})
	}
	return entries, nil
}
