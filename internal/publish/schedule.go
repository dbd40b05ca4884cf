// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"context"
	"fmt"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// ParseCron validates a quartz cron expression (seconds field first)
func ParseCron(expr string) (*quartz.CronTrigger, error) {
	trigger, err := quartz.NewCronTrigger(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return trigger, nil
}

// Schedule runs fn on every cron tick until ctx is cancelled
func Schedule(ctx context.Context, expr string, fn func(ctx context.Context) error, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	trigger, err := ParseCron(expr)
	if err != nil {
		return err
	}

	sched := quartz.NewStdScheduler()
	sched.Start(ctx)

	pollJob := job.NewFunctionJob(func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err := sched.ScheduleJob(quartz.NewJobDetail(pollJob, quartz.NewJobKey("poll")), trigger); err != nil {
		sched.Stop()
		return fmt.Errorf("schedule poll job: %w", err)
	}
	log.Info("poll scheduled", zap.String("cron", expr))

	<-ctx.Done()
	sched.Stop()
	sched.Wait(context.Background())
	return nil
}
