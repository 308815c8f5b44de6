package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"syscall"

	"golang.org/x/term"

	sqlxrepos "github.com/trezcool/chekechea/storage/database/sqlx"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db         *sql.DB
	staffRepo  *sqlxrepos.StaffRepository
	enrollRepo *sqlxrepos.EnrollRepository
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [args] - run a database migration command (up, down, status...)")
	fmt.Println("  addstaff -name NAME -username USERNAME -email EMAIL [-admin] - create or update a staff account; the password is prompted next")
	fmt.Println("  resetpassword -username USERNAME|EMAIL - reset a staff member's password")
	fmt.Println("  addsite -name NAME [-neighborhood NEIGHBORHOOD] - register a daycare site")
	fmt.Println("  addband -name NAME -min MONTHS -max MONTHS -ordinal N - register an age band")
	fmt.Println("  addclassroom -site SITE_ID -band BAND_ID -name NAME -capacity N - register a classroom")
	fmt.Println("  setpolicy [-offer-days N] [-cutoff-month N] [-cutoff-day N] [-beneficiary-keeps-position=BOOL] - update the enrollment policy")
	fmt.Println("  sweepoffers [-dry-run] - expire every lapsed convocation, back of queue")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addStaffCmd := flag.NewFlagSet("addstaff", flag.ExitOnError)
	addStaffName := addStaffCmd.String("name", "", "The staff member's full name.")
	addStaffUname := addStaffCmd.String("username", "", "The staff member's username.")
	addStaffEmail := addStaffCmd.String("email", "", "The staff member's email.")
	addStaffAdmin := addStaffCmd.Bool("admin", false, "Grant all roles instead of the operator role.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The staff member's username or email. The password will be prompted next.")

	addSiteCmd := flag.NewFlagSet("addsite", flag.ExitOnError)
	addSiteName := addSiteCmd.String("name", "", "The site's name.")
	addSiteHood := addSiteCmd.String("neighborhood", "", "The site's neighborhood.")

	addBandCmd := flag.NewFlagSet("addband", flag.ExitOnError)
	addBandName := addBandCmd.String("name", "", "The band's name.")
	addBandMin := addBandCmd.Int("min", -1, "Minimum age in whole months, inclusive.")
	addBandMax := addBandCmd.Int("max", -1, "Maximum age in whole months, inclusive.")
	addBandOrdinal := addBandCmd.Int("ordinal", 0, "Position in the canonical band progression.")

	addClassroomCmd := flag.NewFlagSet("addclassroom", flag.ExitOnError)
	addClassroomSite := addClassroomCmd.String("site", "", "The site's ID.")
	addClassroomBand := addClassroomCmd.String("band", "", "The age band's ID.")
	addClassroomName := addClassroomCmd.String("name", "", "The classroom's name.")
	addClassroomCap := addClassroomCmd.Int("capacity", 0, "The classroom's capacity.")

	sweepOffersCmd := flag.NewFlagSet("sweepoffers", flag.ExitOnError)
	sweepOffersDryRun := sweepOffersCmd.Bool("dry-run", false, "Only list the lapsed convocations.")

	setPolicyCmd := flag.NewFlagSet("setpolicy", flag.ExitOnError)
	setPolicyOfferDays := setPolicyCmd.Int("offer-days", 0, "Days a convoked family has to respond. 0 keeps the stored value.")
	setPolicyCutoffMonth := setPolicyCmd.Int("cutoff-month", 0, "Month of the annual classification cutoff. 0 keeps the stored value.")
	setPolicyCutoffDay := setPolicyCmd.Int("cutoff-day", 0, "Day of the annual classification cutoff. 0 keeps the stored value.")
	setPolicyBeneficiary := setPolicyCmd.String("beneficiary-keeps-position", "", "true/false; whether a social-program beneficiary keeps their queue position on reactivation.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "addstaff":
		if err := addStaffCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addStaffName == "" || *addStaffUname == "" || *addStaffEmail == "" {
			addStaffCmd.Usage()
			return errHelp
		}
		pwd, err := promptPassword()
		if err != nil {
			return err
		}
		if len(pwd) == 0 {
			addStaffCmd.Usage()
			return errHelp
		}
		return cli.addStaff(*addStaffName, *addStaffUname, *addStaffEmail, string(pwd), *addStaffAdmin)
	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := promptPassword()
		if err != nil {
			return err
		}
		if len(pwd) == 0 {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*resetPasswordUname, string(pwd))
	case "addsite":
		if err := addSiteCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addSiteName == "" {
			addSiteCmd.Usage()
			return errHelp
		}
		return cli.addSite(*addSiteName, *addSiteHood)
	case "addband":
		if err := addBandCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addBandName == "" || *addBandMin < 0 || *addBandMax < *addBandMin || *addBandOrdinal <= 0 {
			addBandCmd.Usage()
			return errHelp
		}
		return cli.addBand(*addBandName, *addBandMin, *addBandMax, *addBandOrdinal)
	case "addclassroom":
		if err := addClassroomCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addClassroomSite == "" || *addClassroomBand == "" || *addClassroomName == "" || *addClassroomCap <= 0 {
			addClassroomCmd.Usage()
			return errHelp
		}
		return cli.addClassroom(*addClassroomSite, *addClassroomBand, *addClassroomName, *addClassroomCap)
	case "setpolicy":
		if err := setPolicyCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.setPolicy(*setPolicyOfferDays, *setPolicyCutoffMonth, *setPolicyCutoffDay, *setPolicyBeneficiary)
	case "sweepoffers":
		if err := sweepOffersCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.sweepOffers(*sweepOffersDryRun)
	default:
		cli.printUsage()
		return errHelp
	}
}

func promptPassword() ([]byte, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(syscall.Stdin)
	fmt.Println()
	return pwd, err
}
