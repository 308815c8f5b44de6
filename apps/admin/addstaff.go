package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/staff"
)

// addStaff updates or creates a staff.Staff account.
func (cli *commandLine) addStaff(name, uname, email, pwd string, isAdmin bool) error {
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	roles := staff.OperatorRoles
	if isAdmin {
		roles = staff.AllRoles
	}

	s, err := cli.staffRepo.GetStaffByUsernameOrEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) != staff.ErrNotFound {
			return err
		}
		now := time.Now().UTC()
		s = staff.Staff{
			Name:      name,
			Username:  uname,
			Email:     email,
			Roles:     roles,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err = s.SetPassword(pwd); err != nil {
			return err
		}
		_, err = cli.staffRepo.CreateStaff(ctx, s)
		return err
	}

	s.Name = name
	s.Roles = roles
	s.UpdatedAt = time.Now().UTC()
	if err = s.SetPassword(pwd); err != nil {
		return err
	}
	active := true
	_, err = cli.staffRepo.UpdateStaff(ctx, s, &active)
	return err
}
