package main

import (
	"context"
	"time"
)

func (cli *commandLine) resetPassword(uname, pwd string) error {
	ctx := context.Background()
	s, err := cli.staffRepo.GetStaffByUsernameOrEmail(ctx, uname)
	if err != nil {
		return err
	}
	if err := s.SetPassword(pwd); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	_, err = cli.staffRepo.UpdateStaff(ctx, s, nil)
	return err
}
