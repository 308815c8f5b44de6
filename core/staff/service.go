package staff

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/trezcool/chekechea/core"
)

var (
	ErrNotFound       = errors.New("staff member not found")
	ErrEmailExists    = errors.New("a staff member with this email already exists")
	ErrUsernameExists = errors.New("a staff member with this username already exists")
)

type (
	Repository interface {
		CheckUsernameUniqueness(ctx context.Context, username, email string, excluded ...Staff) error
		CreateStaff(ctx context.Context, s Staff) (Staff, error)
		// QueryStaff applies AND operation on available QueryFilter fields.
		QueryStaff(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]Staff, error)
		GetStaffByID(ctx context.Context, id string) (Staff, error)
		GetStaffByEmail(ctx context.Context, email string) (Staff, error)
		GetStaffByUsernameOrEmail(ctx context.Context, username string) (Staff, error)
		UpdateStaff(ctx context.Context, s Staff, isActive *bool) (Staff, error)
		DeleteStaffByID(ctx context.Context, ids ...string) error
	}

	// UniquenessChecker is the slice of Service that model validation needs.
	UniquenessChecker interface {
		CheckUniqueness(ctx context.Context, uname, email string, excluded ...Staff) error
	}

	Service interface {
		UniquenessChecker

		Create(ctx context.Context, ns NewStaff) (Staff, error)
		Query(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]Staff, error)
		GetByID(ctx context.Context, id string) (Staff, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (Staff, error)
		Update(ctx context.Context, id string, us UpdateStaff) (Staff, error)
		Delete(ctx context.Context, ids ...string) error
		Authenticate(ctx context.Context, uname, pwd string) (Staff, error)
		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, rp ResetStaffPassword) error
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, mailSvc core.EmailService) Service {
	return &service{repo: repo, mailSvc: mailSvc}
}

func (svc *service) CheckUniqueness(ctx context.Context, uname, email string, excluded ...Staff) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, excluded...); err != nil {
		var field string
		switch err {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) Create(ctx context.Context, ns NewStaff) (Staff, error) {
	now := time.Now().UTC()
	s := Staff{
		Name:      ns.Name,
		Username:  ns.Username,
		Email:     ns.Email,
		IsActive:  true,
		Roles:     ns.Roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SetPassword(ns.Password); err != nil {
		return Staff{}, err
	}
	return svc.repo.CreateStaff(ctx, s)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]Staff, error) {
	if filter != nil {
		filter.Clean()
	}
	return svc.repo.QueryStaff(ctx, filter, ordering...)
}

func (svc *service) GetByID(ctx context.Context, id string) (Staff, error) {
	return svc.repo.GetStaffByID(ctx, id)
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (Staff, error) {
	return svc.repo.GetStaffByUsernameOrEmail(ctx, core.CleanString(uname, true /* lower */))
}

func (svc *service) Update(ctx context.Context, id string, us UpdateStaff) (Staff, error) {
	s := Staff{
		ID:        id,
		Name:      us.Name,
		Username:  us.Username,
		Email:     us.Email,
		Roles:     us.Roles,
		UpdatedAt: time.Now().UTC(),
	}
	if us.Password != "" {
		if err := s.SetPassword(us.Password); err != nil {
			return Staff{}, err
		}
	}
	return svc.repo.UpdateStaff(ctx, s, us.IsActive)
}

func (svc *service) Delete(ctx context.Context, ids ...string) error {
	return svc.repo.DeleteStaffByID(ctx, ids...)
}

// Authenticate verifies the credentials against an active account and stamps
// the last login. ErrNotFound is returned for a bad password as well, so
// callers cannot probe for existing usernames.
func (svc *service) Authenticate(ctx context.Context, uname, pwd string) (Staff, error) {
	s, err := svc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return Staff{}, err
	}
	if !s.IsActive {
		return Staff{}, ErrNotFound
	}
	if err = s.CheckPassword(pwd); err != nil {
		return Staff{}, ErrNotFound
	}
	s.LastLogin = time.Now().UTC()
	return svc.repo.UpdateStaff(ctx, s, nil)
}

func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	s, err := svc.repo.GetStaffByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}
	svc.sendPasswordResetMail(s)
	return nil
}

func (svc *service) ResetPassword(ctx context.Context, rp ResetStaffPassword) error {
	id, err := decodeUID(rp.UID)
	if err != nil {
		return errInvalidToken
	}
	s, err := svc.repo.GetStaffByID(ctx, id)
	if err != nil {
		return err
	}
	if err = verifyToken(s, rp.Token); err != nil {
		return err
	}
	if err = s.SetPassword(rp.Password); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	_, err = svc.repo.UpdateStaff(ctx, s, nil)
	return err
}

func (svc *service) sendPasswordResetMail(s Staff) {
	if svc.mailSvc == nil || s.Email == "" {
		return
	}
	token, err := MakeToken(s)
	if err != nil {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: s.Name, Address: s.Email}},
		Subject:      "Password reset",
		TemplateName: "password-reset",
		TemplateData: struct {
			Name string
			URL  string
		}{s.Name, core.Conf.FrontendBaseURL + "/password-reset/" + EncodeUID(s) + "/" + token},
	})
}
