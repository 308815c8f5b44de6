package staff

import (
	"context"

	"github.com/trezcool/chekechea/core"
)

type serviceMock struct {
	service
}

func NewServiceMock(repo Repository, mailSvc core.EmailService) Service {
	return &serviceMock{
		service: service{
			repo:    repo,
			mailSvc: mailSvc,
		},
	}
}

func (svc *serviceMock) RequestPasswordReset(ctx context.Context, email string) error {
	s, err := svc.repo.GetStaffByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}
	// run synchronously
	svc.sendPasswordResetMail(s)
	return nil
}
