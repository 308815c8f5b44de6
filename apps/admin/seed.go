package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/trezcool/chekechea/core/enroll"
)

func (cli *commandLine) addSite(name, neighborhood string) error {
	s, err := cli.enrollRepo.CreateSite(context.Background(), enroll.Site{
		Name:         name,
		Neighborhood: neighborhood,
	})
	if err != nil {
		return err
	}
	fmt.Printf("site %q created: %s\n", s.Name, s.ID)
	return nil
}

func (cli *commandLine) addBand(name string, minMonths, maxMonths, ordinal int) error {
	b, err := cli.enrollRepo.CreateAgeBand(context.Background(), enroll.AgeBand{
		Name:      name,
		MinMonths: minMonths,
		MaxMonths: maxMonths,
		Ordinal:   ordinal,
	})
	if err != nil {
		return err
	}
	fmt.Printf("age band %q created: %s\n", b.Name, b.ID)
	return nil
}

func (cli *commandLine) addClassroom(siteID, bandID, name string, capacity int) error {
	ctx := context.Background()

	// fail early with the proper sentinel when the refs are bogus
	if _, err := cli.enrollRepo.GetSite(ctx, siteID); err != nil {
		return err
	}
	cr, err := cli.enrollRepo.CreateClassroom(ctx, enroll.Classroom{
		SiteID:    siteID,
		Name:      name,
		AgeBandID: bandID,
		Capacity:  capacity,
	})
	if err != nil {
		return err
	}
	fmt.Printf("classroom %q created: %s\n", cr.Name, cr.ID)
	return nil
}

// setPolicy merges the given knobs into the stored policy row; zero values
// keep the stored ones.
func (cli *commandLine) setPolicy(offerDays, cutoffMonth, cutoffDay int, beneficiary string) error {
	ctx := context.Background()
	settings, err := cli.enrollRepo.GetSettings(ctx)
	if err != nil {
		return err
	}

	if offerDays > 0 {
		settings.OfferResponseDays = offerDays
	}
	if cutoffMonth > 0 {
		settings.CutoffMonth = cutoffMonth
	}
	if cutoffDay > 0 {
		settings.CutoffDay = cutoffDay
	}
	if beneficiary != "" {
		keeps, err := strconv.ParseBool(beneficiary)
		if err != nil {
			return fmt.Errorf("beneficiary-keeps-position must be true or false (got %q)", beneficiary)
		}
		settings.BeneficiaryKeepsPosition = keeps
	}

	if err := cli.enrollRepo.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	fmt.Printf("policy updated: %+v\n", settings)
	return nil
}
