package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/models"
)

// JobUpdate is a partial update; nil fields are left untouched. The store
// bumps updated_at on every successful update.
type JobUpdate struct {
	Status        *models.JobStatus
	TotalItems    *int
	Error         *string
	ClearError    bool
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	Summary       json.RawMessage
}

// JobStore owns Job and Checkpoint persistence. AtomicTransition and
// AppendCheckpoint are the only primitives drivers and the health monitor may
// use to race against each other.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, jobID string, upd JobUpdate) error
	AppendCheckpoint(ctx context.Context, cp models.Checkpoint) error
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error)
	Checkpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error)
	FailedItems(ctx context.Context, jobID string) ([]models.FailedItem, error)
	LatestCheckpointAt(ctx context.Context, jobID string) (*time.Time, error)

	// ResumeIndex is the first item index a new run segment must process.
	ResumeIndex(ctx context.Context, jobID string) (int, error)

	// AtomicTransition runs predicate against the current row under a lock;
	// when it holds, mutate is applied and persisted in the same transaction.
	// A false return with nil error means the predicate did not hold.
	AtomicTransition(ctx context.Context, jobID string, predicate func(*models.Job) bool, mutate func(*models.Job)) (bool, error)

	// ClaimPending flips the oldest pending job to running and returns it, or
	// (nil, nil) when no pending job exists. Safe under concurrent claimers.
	ClaimPending(ctx context.Context) (*models.Job, error)

	Heartbeat(ctx context.Context, jobID string, at time.Time) error
}

type jobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) JobStore {
	return &jobStore{db: db}
}

const jobColumns = `
	job_id, status, item_source, publish_drafts,
	total_items, processed_items, successful_items, failed_items,
	last_processed_index, recovery_attempts,
	last_heartbeat, created_at, updated_at, started_at, completed_at,
	error, summary, recovery_history`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j         models.Job
		heartbeat sql.NullTime
		started   sql.NullTime
		completed sql.NullTime
		errMsg    sql.NullString
		summary   []byte
		history   []byte
	)
	if err := row.Scan(
		&j.ID, &j.Status, &j.ItemSource, &j.PublishDrafts,
		&j.TotalItems, &j.ProcessedItems, &j.SuccessfulItems, &j.FailedItems,
		&j.LastProcessedIndex, &j.RecoveryAttempts,
		&heartbeat, &j.CreatedAt, &j.UpdatedAt, &started, &completed,
		&errMsg, &summary, &history,
	); err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		j.LastHeartbeat = &heartbeat.Time
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	if len(summary) > 0 {
		j.Summary = json.RawMessage(summary)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.RecoveryHistory); err != nil {
			return nil, errors.Wrap(err, "decode recovery history")
		}
	}
	return &j, nil
}

func (s *jobStore) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (job_id, status, item_source, publish_drafts, total_items, last_processed_index)
		VALUES ($1, $2, $3, $4, $5, -1)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		job.ID, models.StatusPending, job.ItemSource, job.PublishDrafts, job.TotalItems,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperror.New(apperror.AlreadyExists, fmt.Sprintf("job %s already exists", job.ID))
		}
		return errors.Wrap(err, "create job")
	}
	job.Status = models.StatusPending
	job.LastProcessedIndex = -1
	return nil
}

func (s *jobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
		}
		return nil, errors.Wrap(err, "get job")
	}
	return job, nil
}

func (s *jobStore) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) error {
	set := []string{"updated_at = now()"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		set = append(set, "status = "+arg(*upd.Status))
	}
	if upd.TotalItems != nil {
		set = append(set, "total_items = "+arg(*upd.TotalItems))
	}
	if upd.ClearError {
		set = append(set, "error = NULL")
	} else if upd.Error != nil {
		set = append(set, "error = "+arg(*upd.Error))
	}
	if upd.StartedAt != nil {
		set = append(set, "started_at = COALESCE(started_at, "+arg(*upd.StartedAt)+")")
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at = "+arg(*upd.CompletedAt))
	}
	if upd.LastHeartbeat != nil {
		set = append(set, "last_heartbeat = "+arg(*upd.LastHeartbeat))
	}
	if len(upd.Summary) > 0 {
		set = append(set, "summary = "+arg([]byte(upd.Summary)))
	}

	query := "UPDATE jobs SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE job_id = " + arg(jobID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update job rows affected")
	}
	if n == 0 {
		return apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return nil
}

// AppendCheckpoint inserts the checkpoint row and advances the job counters in
// one transaction so the counter/log invariants hold after every append.
func (s *jobStore) AppendCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin checkpoint tx")
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE job_id = $1 FOR UPDATE`, cp.JobID,
	).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", cp.JobID))
		}
		return errors.Wrap(err, "lock job for checkpoint")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_checkpoints (job_id, item_index, item_key, success, result)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.JobID, cp.ItemIndex, cp.ItemKey, cp.Success, []byte(cp.Result)); err != nil {
		return errors.Wrap(err, "insert checkpoint")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			processed_items      = processed_items + 1,
			successful_items     = successful_items + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_items         = failed_items + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_processed_index = GREATEST(last_processed_index, $3),
			updated_at           = now()
		WHERE job_id = $1
	`, cp.JobID, cp.Success, cp.ItemIndex); err != nil {
		return errors.Wrap(err, "advance job counters")
	}

	return errors.Wrap(tx.Commit(), "commit checkpoint")
}

func (s *jobStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if status != "" {
		args = append(args, status)
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *jobStore) Checkpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, item_index, item_key, success, result, created_at
		FROM job_checkpoints
		WHERE job_id = $1
		ORDER BY item_index ASC
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}
	defer rows.Close()

	cps := []models.Checkpoint{}
	for rows.Next() {
		var (
			cp     models.Checkpoint
			result []byte
		)
		if err := rows.Scan(&cp.JobID, &cp.ItemIndex, &cp.ItemKey, &cp.Success, &result, &cp.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan checkpoint")
		}
		cp.Result = json.RawMessage(result)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *jobStore) FailedItems(ctx context.Context, jobID string) ([]models.FailedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_index, item_key, COALESCE(result->>'error', ''), created_at
		FROM job_checkpoints
		WHERE job_id = $1 AND success = false
		ORDER BY item_index ASC
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list failed items")
	}
	defer rows.Close()

	items := []models.FailedItem{}
	for rows.Next() {
		var fi models.FailedItem
		if err := rows.Scan(&fi.ItemIndex, &fi.ItemKey, &fi.Error, &fi.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan failed item")
		}
		items = append(items, fi)
	}
	return items, rows.Err()
}

func (s *jobStore) LatestCheckpointAt(ctx context.Context, jobID string) (*time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM job_checkpoints WHERE job_id = $1`, jobID,
	).Scan(&at)
	if err != nil {
		return nil, errors.Wrap(err, "latest checkpoint")
	}
	if !at.Valid {
		return nil, nil
	}
	return &at.Time, nil
}

func (s *jobStore) ResumeIndex(ctx context.Context, jobID string) (int, error) {
	var idx int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_index + 1 FROM jobs WHERE job_id = $1`, jobID,
	).Scan(&idx)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
		}
		return 0, errors.Wrap(err, "resume index")
	}
	return idx, nil
}

func (s *jobStore) AtomicTransition(ctx context.Context, jobID string, predicate func(*models.Job) bool, mutate func(*models.Job)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin transition tx")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
		}
		return false, errors.Wrap(err, "lock job for transition")
	}

	if !predicate(job) {
		return false, nil
	}
	mutate(job)

	history, err := json.Marshal(job.RecoveryHistory)
	if err != nil {
		return false, errors.Wrap(err, "encode recovery history")
	}
	var summary interface{}
	if len(job.Summary) > 0 {
		summary = []byte(job.Summary)
	}
	var errMsg interface{}
	if job.Error != nil {
		errMsg = *job.Error
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status               = $2,
			total_items          = $3,
			recovery_attempts    = $4,
			last_heartbeat       = $5,
			started_at           = $6,
			completed_at         = $7,
			error                = $8,
			summary              = $9,
			recovery_history     = $10,
			updated_at           = now()
		WHERE job_id = $1
	`, job.ID, job.Status, job.TotalItems, job.RecoveryAttempts, job.LastHeartbeat,
		job.StartedAt, job.CompletedAt, errMsg, summary, history,
	); err != nil {
		return false, errors.Wrap(err, "apply transition")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit transition")
	}
	return true, nil
}

func (s *jobStore) ClaimPending(ctx context.Context) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim tx")
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT job_id
		FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no pending jobs
		}
		return nil, errors.Wrap(err, "fetch next pending job")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status         = 'running',
			started_at     = COALESCE(started_at, now()),
			last_heartbeat = now(),
			updated_at     = now()
		WHERE job_id = $1
	`, jobID); err != nil {
		return nil, errors.Wrap(err, "mark claimed job running")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return s.GetJob(ctx, jobID)
}

func (s *jobStore) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	hb := at
	return s.UpdateJob(ctx, jobID, JobUpdate{LastHeartbeat: &hb})
}
