package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "freetime/internal/log"
)

// Scheduler starts repeating jobs for auto-sync.
type Scheduler interface {
	// Schedule runs job immediately and then every interval until the
	// returned Task is cancelled. job receives a context that is cancelled
	// when the task is.
	Schedule(interval time.Duration, job func(ctx context.Context)) Task
}

// Task is the handle of a running schedule.
type Task interface {
	// Cancel stops the schedule and waits for a running job to return.
	// Calling it again is a no-op.
	Cancel()
}

// CronScheduler runs each schedule on its own robfig/cron instance.
type CronScheduler struct{}

func NewCronScheduler() *CronScheduler {
	return &CronScheduler{}
}

func (CronScheduler) Schedule(interval time.Duration, job func(ctx context.Context)) Task {
	ctx, cancel := context.WithCancel(context.Background())

	logger := appLog.CronLogger()
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	t := &cronTask{cron: c, cancel: cancel}

	run := func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	}

	// cron.Every rounds sub-second delays up to one second.
	c.Schedule(cron.Every(interval), cron.FuncJob(run))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		run()
	}()

	c.Start()
	return t
}

type cronTask struct {
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (t *cronTask) Cancel() {
	t.once.Do(func() {
		t.cancel()
		<-t.cron.Stop().Done()
		t.wg.Wait()
	})
}
