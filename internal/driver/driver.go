// Package driver executes batch runs: it claims pending jobs, walks the item
// list sequentially, and checkpoints every item so an interrupted run resumes
// exactly after the last recorded index.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/config"
	"github.com/draftworks/listing-api/internal/models"
	"github.com/draftworks/listing-api/internal/pipeline"
	"github.com/draftworks/listing-api/internal/repository"
	"github.com/draftworks/listing-api/internal/sanitize"
	"github.com/draftworks/listing-api/internal/source"
)

// ItemProcessor runs one item key through the enrichment pipeline.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, itemKey string, publish bool) pipeline.Result
}

// ProcessorFactory builds a fresh processor per run; publish sequence
// numbering is run-local.
type ProcessorFactory func() ItemProcessor

type Driver struct {
	store   repository.JobStore
	reader  source.Reader
	newProc ProcessorFactory
	cfg     config.BatchConfig
	logger  zerolog.Logger
	now     func() time.Time
}

func New(store repository.JobStore, reader source.Reader, factory ProcessorFactory, cfg config.BatchConfig, logger zerolog.Logger) *Driver {
	return &Driver{
		store:   store,
		reader:  reader,
		newProc: factory,
		cfg:     cfg,
		logger:  logger.With().Str("component", "driver").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the driver's clock; tests only.
func (d *Driver) SetClock(now func() time.Time) { d.now = now }

// Run executes the job from its resume point through completion. Returning a
// nil error means the run reached a terminal state or was legitimately a
// no-op; a context error means the run stopped at an item boundary and the
// job stays running for the health monitor to pick up.
func (d *Driver) Run(ctx context.Context, jobID string) error {
	log := d.logger.With().Str("job_id", jobID).Logger()

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusCompleted {
		log.Info().Msg("job already completed, nothing to do")
		return nil
	}

	keys, err := d.reader.Read(ctx, job.ItemSource)
	if err != nil {
		msg := fmt.Sprintf("failed to load item source %s: %s", source.Describe(job.ItemSource), sanitize.Error(err))
		if markErr := d.markFailed(ctx, jobID, msg); markErr != nil {
			log.Error().Str("error", sanitize.Error(markErr)).Msg("could not mark job failed after source error")
		}
		return errors.Wrap(err, "load item source")
	}

	total := len(keys)
	startedAt := d.now()
	ok, err := d.store.AtomicTransition(ctx, jobID,
		func(j *models.Job) bool {
			return j.Status == models.StatusPending || j.Status == models.StatusRunning
		},
		func(j *models.Job) {
			j.Status = models.StatusRunning
			j.TotalItems = total
			if j.StartedAt == nil {
				j.StartedAt = &startedAt
			}
			hb := startedAt
			j.LastHeartbeat = &hb
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Msg("job no longer runnable, skipping")
		return nil
	}

	resume, err := d.store.ResumeIndex(ctx, jobID)
	if err != nil {
		return err
	}
	if resume > 0 {
		log.Info().Int("resume_index", resume).Int("total", total).Msg("resuming run from checkpoint")
	} else {
		log.Info().Int("total", total).Msg("starting run")
	}

	proc := d.newProc()
	lastBeat := startedAt
	for i := resume; i < total; i++ {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("item_index", i).Msg("run interrupted at item boundary")
			return err
		}

		if now := d.now(); now.Sub(lastBeat) >= d.cfg.HeartbeatInterval {
			if err := d.store.Heartbeat(ctx, jobID, now); err != nil {
				log.Warn().Str("error", sanitize.Error(err)).Msg("heartbeat update failed")
			} else {
				lastBeat = now
			}
		}

		result := d.processSafely(ctx, proc, keys[i], job.PublishDrafts)
		cp := models.Checkpoint{
			JobID:     jobID,
			ItemIndex: i,
			ItemKey:   keys[i],
			Success:   result.Success,
			Result:    result.Snapshot(),
		}
		if err := d.store.AppendCheckpoint(ctx, cp); err != nil {
			msg := fmt.Sprintf("checkpoint persistence failed at index %d: %s", i, sanitize.Error(err))
			if markErr := d.markFailed(ctx, jobID, msg); markErr != nil {
				log.Error().Str("error", sanitize.Error(markErr)).Msg("could not mark job failed after checkpoint error")
			}
			return errors.Wrap(err, "append checkpoint")
		}

		if i < total-1 && d.cfg.ItemDelay > 0 {
			select {
			case <-ctx.Done():
				log.Warn().Int("item_index", i+1).Msg("run interrupted at item boundary")
				return ctx.Err()
			case <-time.After(d.cfg.ItemDelay):
			}
		}
	}

	return d.complete(ctx, jobID, log)
}

// processSafely converts an item-level panic into a failed result so one bad
// item never takes the whole run down.
func (d *Driver) processSafely(ctx context.Context, proc ItemProcessor, itemKey string, publish bool) (result pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("item", itemKey).Interface("panic", r).Msg("item processing panicked")
			result = pipeline.Result{
				ItemKey:   itemKey,
				Success:   false,
				Error:     fmt.Sprintf("item processing panicked: %v", r),
				ErrorCode: string(apperror.Internal),
				Timestamp: d.now(),
			}
		}
	}()
	return proc.ProcessItem(ctx, itemKey, publish)
}

// complete recomputes the summary from the store, not from in-memory tallies,
// so a resumed run reports counts across all of its segments.
func (d *Driver) complete(ctx context.Context, jobID string, log zerolog.Logger) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	completedAt := d.now()
	startedAt := completedAt
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	summary := models.RunSummary{
		ItemSource:     job.ItemSource,
		TotalItems:     job.TotalItems,
		Successful:     job.SuccessfulItems,
		Failed:         job.FailedItems,
		ProcessingSecs: completedAt.Sub(startedAt).Seconds(),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}
	if job.TotalItems > 0 {
		summary.SuccessRate = float64(job.SuccessfulItems) / float64(job.TotalItems)
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "encode run summary")
	}

	ok, err := d.store.AtomicTransition(ctx, jobID,
		func(j *models.Job) bool { return j.Status == models.StatusRunning },
		func(j *models.Job) {
			j.Status = models.StatusCompleted
			j.CompletedAt = &completedAt
			j.Error = nil
			j.Summary = encoded
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Msg("job left running state before completion could be recorded")
		return nil
	}
	log.Info().
		Int("total", summary.TotalItems).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Msg("run completed")
	return nil
}

func (d *Driver) markFailed(ctx context.Context, jobID, msg string) error {
	_, err := d.store.AtomicTransition(ctx, jobID,
		func(j *models.Job) bool { return !j.Status.Terminal() },
		func(j *models.Job) {
			j.Status = models.StatusFailed
			j.Error = &msg
		},
	)
	return err
}
