// Package recurring injects scheduled maintenance tasks (backups, retention
// pruning) into the task queue on cron schedules driven by the backup config
// row.
package recurring

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/partshive/partshive/taskplane/observability"
	"github.com/partshive/partshive/taskplane/store"
	"github.com/partshive/partshive/taskplane/task"
)

const (
	cronNightly   = "0 2 * * *"
	cronWeekly    = "0 2 * * 0"
	cronRetention = "0 3 * * *"

	// SystemUserID owns rows created by the scheduler rather than a person.
	SystemUserID = "system"
)

// SubmitFunc inserts a task on behalf of the system user. Bound by the
// service so scheduler-created rows go through the same submission path as
// user requests (minus user-facing policy).
type SubmitFunc func(ctx context.Context, req task.SubmitRequest) (*task.Task, error)

// Scheduler wraps a cron runner whose entries derive from the backup config.
// Reload rebuilds the entries after a config change.
type Scheduler struct {
	store  store.TaskStore
	submit SubmitFunc

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler builds a stopped scheduler. Call Start to load the config and
// begin firing.
func NewScheduler(st store.TaskStore, submit SubmitFunc) *Scheduler {
	return &Scheduler{store: st, submit: submit}
}

// Start loads the backup config and installs the cron entries. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.Reload(ctx)
}

// Stop halts the cron runner, waiting for an in-progress fire to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Reload atomically swaps the cron entries for the current config. The old
// runner keeps firing until the new one is ready.
func (s *Scheduler) Reload(ctx context.Context) error {
	cfg, err := s.store.GetBackupConfig(ctx)
	if err != nil {
		return fmt.Errorf("load backup config: %w", err)
	}

	next := cron.New()

	// Retention pruning runs regardless of whether scheduled backups are
	// enabled: manual backups accumulate archives too.
	keep := 0
	if cfg != nil {
		keep = cfg.RetentionCount
	}
	if _, err := next.AddFunc(cronRetention, func() { s.fireRetention(keep) }); err != nil {
		return fmt.Errorf("install retention schedule: %w", err)
	}

	var backupID cron.EntryID
	haveBackup := false
	if cfg != nil && cfg.ScheduleEnabled {
		expr, err := scheduleExpr(cfg)
		if err != nil {
			return err
		}
		id, err := next.AddFunc(expr, func() { s.fireBackup(cfg.Clone()) })
		if err != nil {
			return fmt.Errorf("install backup schedule %q: %w", expr, err)
		}
		backupID = id
		haveBackup = true
		log.Printf("[RECURRING] schedule installed: backup %q, retention %q", expr, cronRetention)
	} else {
		log.Printf("[RECURRING] backup schedule disabled, retention %q only", cronRetention)
	}

	s.mu.Lock()
	old := s.cron
	s.cron = next
	s.mu.Unlock()
	next.Start()
	if old != nil {
		old.Stop()
	}

	if haveBackup {
		s.updateNextFire(ctx, next.Entry(backupID))
	}
	return nil
}

func scheduleExpr(cfg *task.BackupConfig) (string, error) {
	switch cfg.ScheduleType {
	case task.ScheduleNightly, "":
		return cronNightly, nil
	case task.ScheduleWeekly:
		return cronWeekly, nil
	case task.ScheduleCustom:
		if cfg.CronExpression == "" {
			return "", fmt.Errorf("custom schedule with empty cron expression")
		}
		if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpression, err)
		}
		return cfg.CronExpression, nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", cfg.ScheduleType)
	}
}

// fireBackup submits one scheduled backup task.
func (s *Scheduler) fireBackup(cfg *task.BackupConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	input := task.JSONMap{"scheduled": true}
	if cfg.EncryptionRequired {
		if cfg.EncryptionPassword == "" {
			log.Printf("[RECURRING] encryption required but no password configured, creating unencrypted backup")
		} else {
			input["encryption_password"] = cfg.EncryptionPassword
		}
	}

	t, err := s.submit(ctx, task.SubmitRequest{
		Type:     task.TypeBackupScheduled,
		Name:     "Scheduled backup " + time.Now().UTC().Format("2006-01-02"),
		Priority: task.PriorityNormal,
		Input:    input,
	})
	if err != nil {
		log.Printf("[RECURRING] scheduled backup submit failed: %v", err)
		return
	}
	observability.RecurringFires.WithLabelValues("backup").Inc()
	log.Printf("[RECURRING] scheduled backup task %s created", t.ID)

	now := time.Now().UTC()
	if cfg, err := s.store.GetBackupConfig(ctx); err == nil && cfg != nil {
		cfg.LastBackupAt = &now
		if err := s.store.UpdateBackupConfig(ctx, cfg); err != nil {
			log.Printf("[RECURRING] record last backup time: %v", err)
		}
	}
}

// fireRetention submits the nightly archive pruning task.
func (s *Scheduler) fireRetention(keep int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if keep < 1 {
		keep = 7
	}
	t, err := s.submit(ctx, task.SubmitRequest{
		Type:     task.TypeBackupRetention,
		Name:     "Backup retention pruning",
		Priority: task.PriorityLow,
		Input:    task.JSONMap{"retention_count": keep},
	})
	if err != nil {
		log.Printf("[RECURRING] retention submit failed: %v", err)
		return
	}
	observability.RecurringFires.WithLabelValues("retention").Inc()
	log.Printf("[RECURRING] retention task %s created", t.ID)
}

// updateNextFire records the next backup time on the config row so the UI
// can show it without cron knowledge.
func (s *Scheduler) updateNextFire(ctx context.Context, entry cron.Entry) {
	if entry.Schedule == nil {
		return
	}
	next := entry.Schedule.Next(time.Now())
	cfg, err := s.store.GetBackupConfig(ctx)
	if err != nil || cfg == nil {
		return
	}
	cfg.NextBackupAt = &next
	if err := s.store.UpdateBackupConfig(ctx, cfg); err != nil {
		log.Printf("[RECURRING] record next backup time: %v", err)
	}
}
