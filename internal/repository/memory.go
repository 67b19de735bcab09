package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/models"
)

// MemoryJobStore implements JobStore with the same atomic semantics as the
// Postgres store. It backs the driver, monitor, and handler unit tests.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
	now  func() time.Time
}

type memoryJob struct {
	job         models.Job
	checkpoints []models.Checkpoint
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*memoryJob),
		now:  time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *MemoryJobStore) SetClock(now func() time.Time) { s.now = now }

func cloneJob(j models.Job) models.Job {
	cp := j
	if j.LastHeartbeat != nil {
		t := *j.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Summary != nil {
		cp.Summary = append(json.RawMessage(nil), j.Summary...)
	}
	if j.RecoveryHistory != nil {
		cp.RecoveryHistory = append([]models.RecoveryEntry(nil), j.RecoveryHistory...)
	}
	return cp
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return apperror.New(apperror.AlreadyExists, fmt.Sprintf("job %s already exists", job.ID))
	}
	now := s.now()
	job.Status = models.StatusPending
	job.LastProcessedIndex = -1
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = &memoryJob{job: cloneJob(*job)}
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	j := cloneJob(rec.job)
	return &j, nil
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, jobID string, upd JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	j := &rec.job
	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.TotalItems != nil {
		j.TotalItems = *upd.TotalItems
	}
	if upd.ClearError {
		j.Error = nil
	} else if upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	if upd.StartedAt != nil && j.StartedAt == nil {
		t := *upd.StartedAt
		j.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		j.CompletedAt = &t
	}
	if upd.LastHeartbeat != nil {
		t := *upd.LastHeartbeat
		j.LastHeartbeat = &t
	}
	if len(upd.Summary) > 0 {
		j.Summary = append(json.RawMessage(nil), upd.Summary...)
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryJobStore) AppendCheckpoint(_ context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[cp.JobID]
	if !ok {
		return apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", cp.JobID))
	}
	now := s.now()
	cp.CreatedAt = now
	if cp.Result != nil {
		cp.Result = append(json.RawMessage(nil), cp.Result...)
	}
	rec.checkpoints = append(rec.checkpoints, cp)

	j := &rec.job
	j.ProcessedItems++
	if cp.Success {
		j.SuccessfulItems++
	} else {
		j.FailedItems++
	}
	if cp.ItemIndex > j.LastProcessedIndex {
		j.LastProcessedIndex = cp.ItemIndex
	}
	j.UpdatedAt = now
	return nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []models.Job{}
	for _, rec := range s.jobs {
		if status != "" && rec.job.Status != status {
			continue
		}
		jobs = append(jobs, cloneJob(rec.job))
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryJobStore) Checkpoints(_ context.Context, jobID string) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return append([]models.Checkpoint(nil), rec.checkpoints...), nil
}

func (s *MemoryJobStore) FailedItems(_ context.Context, jobID string) ([]models.FailedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	items := []models.FailedItem{}
	for _, cp := range rec.checkpoints {
		if cp.Success {
			continue
		}
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(cp.Result, &payload)
		items = append(items, models.FailedItem{
			ItemIndex: cp.ItemIndex,
			ItemKey:   cp.ItemKey,
			Error:     payload.Error,
			Timestamp: cp.CreatedAt,
		})
	}
	return items, nil
}

func (s *MemoryJobStore) LatestCheckpointAt(_ context.Context, jobID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok || len(rec.checkpoints) == 0 {
		return nil, nil
	}
	latest := rec.checkpoints[len(rec.checkpoints)-1].CreatedAt
	return &latest, nil
}

func (s *MemoryJobStore) ResumeIndex(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return 0, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return rec.job.LastProcessedIndex + 1, nil
}

func (s *MemoryJobStore) AtomicTransition(_ context.Context, jobID string, predicate func(*models.Job) bool, mutate func(*models.Job)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return false, apperror.New(apperror.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	working := cloneJob(rec.job)
	if !predicate(&working) {
		return false, nil
	}
	mutate(&working)
	working.UpdatedAt = s.now()
	rec.job = working
	return true, nil
}

func (s *MemoryJobStore) ClaimPending(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *memoryJob
	for _, rec := range s.jobs {
		if rec.job.Status != models.StatusPending {
			continue
		}
		if oldest == nil || rec.job.CreatedAt.Before(oldest.job.CreatedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := s.now()
	oldest.job.Status = models.StatusRunning
	if oldest.job.StartedAt == nil {
		t := now
		oldest.job.StartedAt = &t
	}
	hb := now
	oldest.job.LastHeartbeat = &hb
	oldest.job.UpdatedAt = now
	j := cloneJob(oldest.job)
	return &j, nil
}

func (s *MemoryJobStore) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	hb := at
	return s.UpdateJob(ctx, jobID, JobUpdate{LastHeartbeat: &hb})
}
