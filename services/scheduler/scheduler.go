// Package schedulersvc runs the periodic background jobs of the engine.
package schedulersvc

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/enroll"
)

const sweepActor = "scheduler"

type Scheduler struct {
	cron      *cron.Cron
	enrollSvc enroll.Service
	logger    core.Logger
}

func New(enrollSvc enroll.Service, logger core.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		enrollSvc: enrollSvc,
		logger:    logger,
	}
}

// Start registers the enabled jobs and launches the cron loop.
func (s *Scheduler) Start(conf *core.Config) error {
	if conf.Enrollment.SweepEnabled {
		if _, err := s.cron.AddFunc(conf.Enrollment.SweepSchedule, s.sweepExpiredConvocations); err != nil {
			return errors.Wrap(err, "scheduling convocation sweep")
		}
		s.logger.Info("convocation sweep scheduled: " + conf.Enrollment.SweepSchedule)
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweepExpiredConvocations() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := s.enrollSvc.SweepExpiredConvocations(ctx, time.Now().UTC(), sweepActor)
	if err != nil {
		s.logger.Error(fmt.Sprintf("convocation sweep failed: %v", err), err)
		return
	}
	if len(swept) > 0 {
		s.logger.Info(fmt.Sprintf("convocation sweep: %d offers expired", len(swept)))
	}
}
