// Package monitor watches running jobs for stalls and drives recovery. A job
// with no heartbeat, no checkpoint progress, and no row activity inside the
// staleness threshold is marked failed; recovery flips a failed job back to
// pending so the poller re-claims it from its last checkpoint.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/config"
	"github.com/draftworks/listing-api/internal/models"
	"github.com/draftworks/listing-api/internal/repository"
	"github.com/draftworks/listing-api/internal/sanitize"
)

// stuckError is the job error recorded when a stall is detected.
const stuckError = "stuck"

// exhaustedError is the permanent job error once the recovery budget is spent.
const exhaustedError = "Maximum recovery attempts exceeded"

type Monitor struct {
	store  repository.JobStore
	cfg    config.BatchConfig
	logger zerolog.Logger
	now    func() time.Time
}

// Report summarizes one scan pass.
type Report struct {
	StuckJobIDs     []string `json:"stuck_job_ids"`
	Recovered       []string `json:"recovered"`
	FailedToRecover []string `json:"failed_to_recover"`
}

func New(store repository.JobStore, cfg config.BatchConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the monitor clock; tests only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Start runs periodic scans until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.MonitorInterval).Msg("health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
			report, err := m.Scan(ctx)
			if err != nil {
				m.logger.Error().Str("error", sanitize.Error(err)).Msg("scan failed")
				continue
			}
			if len(report.StuckJobIDs) > 0 {
				m.logger.Warn().
					Strs("stuck", report.StuckJobIDs).
					Strs("recovered", report.Recovered).
					Strs("failed_to_recover", report.FailedToRecover).
					Msg("stuck jobs detected")
			}
		}
	}
}

// Scan inspects every running job and marks the stale ones failed. With
// auto-recover enabled, each newly stuck job gets an immediate recovery
// attempt.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	report := Report{StuckJobIDs: []string{}, Recovered: []string{}, FailedToRecover: []string{}}

	jobs, err := m.store.ListJobs(ctx, models.StatusRunning, 0)
	if err != nil {
		return report, err
	}

	for i := range jobs {
		job := &jobs[i]
		stale, err := m.isStale(ctx, job)
		if err != nil {
			m.logger.Warn().Str("job_id", job.ID).Str("error", sanitize.Error(err)).Msg("staleness check failed")
			continue
		}
		if !stale {
			continue
		}

		// Re-evaluate under the row lock: the driver may have made progress
		// between the staleness check and the transition.
		ok, err := m.store.AtomicTransition(ctx, job.ID,
			func(j *models.Job) bool {
				return j.Status == models.StatusRunning && !m.activeWithin(j, m.cfg.StalenessThreshold)
			},
			func(j *models.Job) {
				j.Status = models.StatusFailed
				msg := stuckError
				j.Error = &msg
			},
		)
		if err != nil {
			m.logger.Error().Str("job_id", job.ID).Str("error", sanitize.Error(err)).Msg("could not mark job stuck")
			continue
		}
		if !ok {
			continue
		}
		m.logger.Warn().Str("job_id", job.ID).Msg("job marked stuck")
		report.StuckJobIDs = append(report.StuckJobIDs, job.ID)

		if !m.cfg.AutoRecover {
			continue
		}
		if _, err := m.Recover(ctx, job.ID); err != nil {
			m.logger.Warn().Str("job_id", job.ID).Str("error", sanitize.Error(err)).Msg("auto-recovery failed")
			report.FailedToRecover = append(report.FailedToRecover, job.ID)
			continue
		}
		m.logger.Info().Str("job_id", job.ID).Msg("job auto-recovered")
		report.Recovered = append(report.Recovered, job.ID)
	}
	return report, nil
}

// isStale applies the detection order: a fresh heartbeat clears the job
// outright; with the heartbeat absent or stale, checkpoint recency counts as
// progress; updated_at is the last resort signal.
func (m *Monitor) isStale(ctx context.Context, job *models.Job) (bool, error) {
	now := m.now()
	if job.LastHeartbeat != nil && now.Sub(*job.LastHeartbeat) < m.cfg.StalenessThreshold {
		return false, nil
	}
	latest, err := m.store.LatestCheckpointAt(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if latest != nil {
		return now.Sub(*latest) >= m.cfg.StalenessThreshold, nil
	}
	return now.Sub(job.UpdatedAt) >= m.cfg.StalenessThreshold, nil
}

// activeWithin reports whether the row shows any activity inside window,
// judging by the freshest of last_heartbeat and updated_at.
func (m *Monitor) activeWithin(job *models.Job, window time.Duration) bool {
	latest := job.UpdatedAt
	if job.LastHeartbeat != nil && job.LastHeartbeat.After(latest) {
		latest = *job.LastHeartbeat
	}
	return m.now().Sub(latest) < window
}

// Recover transitions a failed (or stalled) job back to pending so it resumes
// from its last checkpoint. Completed jobs and jobs with recent activity are
// rejected with a conflict; a job past its recovery budget is failed
// permanently.
func (m *Monitor) Recover(ctx context.Context, jobID string) (*models.Job, error) {
	now := m.now()
	var denied *apperror.AppError

	ok, err := m.store.AtomicTransition(ctx, jobID,
		func(j *models.Job) bool {
			switch {
			case j.Status == models.StatusCompleted:
				denied = apperror.New(apperror.Conflict, fmt.Sprintf("job %s already completed", jobID))
				return false
			case j.Status == models.StatusRunning && m.activeWithin(j, m.cfg.StillRunningWindow):
				denied = apperror.New(apperror.Conflict, fmt.Sprintf("job %s appears to be actively running", jobID))
				return false
			case j.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts:
				denied = apperror.New(apperror.RecoveryExhausted, exhaustedError)
				return false
			}
			return true
		},
		func(j *models.Job) {
			entry := models.RecoveryEntry{
				Attempt:        j.RecoveryAttempts + 1,
				Timestamp:      now,
				PreviousStatus: j.Status,
			}
			if j.Error != nil {
				entry.PreviousError = *j.Error
			}
			j.RecoveryHistory = append(j.RecoveryHistory, entry)
			j.RecoveryAttempts++
			j.Status = models.StatusPending
			j.Error = nil
			j.LastHeartbeat = nil
		},
	)
	if err != nil {
		return nil, err
	}
	if !ok {
		if denied != nil && denied.Code() == apperror.RecoveryExhausted {
			m.failPermanently(ctx, jobID)
		}
		if denied == nil {
			denied = apperror.New(apperror.Conflict, fmt.Sprintf("job %s cannot be recovered", jobID))
		}
		return nil, denied
	}

	m.logger.Info().Str("job_id", jobID).Msg("job queued for recovery")
	return m.store.GetJob(ctx, jobID)
}

// failPermanently pins the exhausted job in failed state with the terminal
// error so later inspections see why it will never run again.
func (m *Monitor) failPermanently(ctx context.Context, jobID string) {
	_, err := m.store.AtomicTransition(ctx, jobID,
		func(j *models.Job) bool {
			return j.Status != models.StatusCompleted && j.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts
		},
		func(j *models.Job) {
			j.Status = models.StatusFailed
			msg := exhaustedError
			j.Error = &msg
		},
	)
	if err != nil {
		m.logger.Error().Str("job_id", jobID).Str("error", sanitize.Error(err)).Msg("could not record exhausted recovery")
	}
}
