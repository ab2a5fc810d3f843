package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules задаёт расписания задач в стандартном формате cron из пяти полей.
type Schedules struct {
	Billing string
	Expiry  string
}

// Scheduler управляет cron-задачами.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	// ctx передаётся задачам; устанавливается в Run до запуска cron.
	ctx context.Context
}

// New создаёт планировщик и регистрирует задачи. Пустое расписание отключает задачу.
func New(jobs *Jobs, logger *zap.Logger, schedules Schedules) (*Scheduler, error) {
	cronLogger := zapCronLogger{logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger: logger,
		ctx:    context.Background(),
	}

	entries := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{name: "invoice generation", schedule: schedules.Billing, run: jobs.GenerateInvoices},
		{name: "instrument expiry", schedule: schedules.Expiry, run: jobs.ExpireInstruments},
	}

	for _, e := range entries {
		if e.schedule == "" {
			logger.Info("job disabled", zap.String("job", e.name))
			continue
		}
		run := e.run
		if _, err := s.cron.AddFunc(e.schedule, func() { run(s.ctx) }); err != nil {
			return nil, fmt.Errorf("schedule %s job: %w", e.name, err)
		}
		logger.Info("scheduled job", zap.String("job", e.name), zap.String("schedule", e.schedule))
	}

	return s, nil
}

// Run запускает планировщик и блокируется до отмены ctx, после чего
// дожидается завершения выполняющихся задач.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// zapCronLogger реализует cron.Logger поверх zap.
type zapCronLogger struct {
	l *zap.Logger
}

func (z zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Sugar().Debugw(msg, keysAndValues...)
}

func (z zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
