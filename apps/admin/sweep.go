package main

import (
	"context"
	"fmt"
	"time"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/enroll"
	emailsvc "github.com/trezcool/chekechea/services/email"
)

const sweepActor = "admin"

// sweepOffers expires every lapsed convocation, sending the children back of
// queue. With dryRun it only lists them.
func (cli *commandLine) sweepOffers(dryRun bool) error {
	ctx := context.Background()
	now := time.Now().UTC()

	if dryRun {
		expired, err := cli.enrollSvc().FindExpiredConvocations(ctx, now)
		if err != nil {
			return err
		}
		for _, ch := range expired {
			fmt.Printf("%s\t%s\tdeadline %s\n", ch.ID, ch.Name, ch.OfferDeadline.Format("2006-01-02"))
		}
		fmt.Printf("%d lapsed offer(s)\n", len(expired))
		return nil
	}

	swept, err := cli.enrollSvc().SweepExpiredConvocations(ctx, now, sweepActor)
	if err != nil {
		return err
	}
	fmt.Printf("%d offer(s) expired\n", len(swept))
	return nil
}

func (cli *commandLine) enrollSvc() enroll.Service {
	return enroll.NewService(cli.enrollRepo, emailsvc.NewConsoleService(), core.NopLogger{})
}
