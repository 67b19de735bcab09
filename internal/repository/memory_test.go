package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/models"
)

func newJob(t *testing.T, store *MemoryJobStore, id string) *models.Job {
	t.Helper()
	job := &models.Job{ID: id, ItemSource: "file:///tmp/items.txt"}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateJobInitialState(t *testing.T) {
	store := NewMemoryJobStore()
	job := newJob(t, store, "job-1")

	if job.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.LastProcessedIndex != -1 {
		t.Fatalf("last index = %d, want -1", job.LastProcessedIndex)
	}
	if err := store.CreateJob(context.Background(), &models.Job{ID: "job-1"}); !apperror.Is(err, apperror.AlreadyExists) {
		t.Fatalf("duplicate create err = %v", err)
	}
}

func TestAppendCheckpointAdvancesCounters(t *testing.T) {
	store := NewMemoryJobStore()
	newJob(t, store, "job-1")

	outcomes := []bool{true, false, true, true}
	for i, ok := range outcomes {
		cp := models.Checkpoint{
			JobID:     "job-1",
			ItemIndex: i,
			ItemKey:   fmt.Sprintf("03600029145%d", i),
			Success:   ok,
			Result:    json.RawMessage(`{}`),
		}
		if err := store.AppendCheckpoint(context.Background(), cp); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	job, _ := store.GetJob(context.Background(), "job-1")
	if job.ProcessedItems != 4 || job.SuccessfulItems != 3 || job.FailedItems != 1 {
		t.Fatalf("counters = %d/%d/%d", job.ProcessedItems, job.SuccessfulItems, job.FailedItems)
	}
	if job.ProcessedItems != job.SuccessfulItems+job.FailedItems {
		t.Fatal("counter invariant broken")
	}
	if job.LastProcessedIndex != 3 {
		t.Fatalf("last index = %d, want 3", job.LastProcessedIndex)
	}

	failed, _ := store.FailedItems(context.Background(), "job-1")
	if len(failed) != 1 || failed[0].ItemIndex != 1 {
		t.Fatalf("failed items = %v", failed)
	}
}

func TestAtomicTransitionPredicateGate(t *testing.T) {
	store := NewMemoryJobStore()
	newJob(t, store, "job-1")

	ok, err := store.AtomicTransition(context.Background(), "job-1",
		func(j *models.Job) bool { return j.Status == models.StatusRunning },
		func(j *models.Job) { j.Status = models.StatusCompleted },
	)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("predicate on a pending job should not pass a running check")
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusPending {
		t.Fatalf("rejected transition mutated the job: %s", job.Status)
	}
}

// Concurrent claimers must hand out each pending job exactly once.
func TestClaimPendingIsExclusive(t *testing.T) {
	store := NewMemoryJobStore()
	for i := 0; i < 5; i++ {
		newJob(t, store, fmt.Sprintf("job-%d", i))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimPending(context.Background())
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 5 {
		t.Fatalf("claimed %d distinct jobs, want 5", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

// Two predicated transitions racing on the same row must not both apply.
func TestAtomicTransitionMutualExclusion(t *testing.T) {
	for i := 0; i < 50; i++ {
		store := NewMemoryJobStore()
		newJob(t, store, "job-1")
		if _, err := store.ClaimPending(context.Background()); err != nil {
			t.Fatalf("claim: %v", err)
		}

		results := make(chan models.JobStatus, 2)
		var wg sync.WaitGroup
		for _, target := range []models.JobStatus{models.StatusCompleted, models.StatusFailed} {
			wg.Add(1)
			go func(status models.JobStatus) {
				defer wg.Done()
				ok, err := store.AtomicTransition(context.Background(), "job-1",
					func(j *models.Job) bool { return j.Status == models.StatusRunning },
					func(j *models.Job) { j.Status = status },
				)
				if err != nil {
					t.Errorf("transition: %v", err)
					return
				}
				if ok {
					results <- status
				}
			}(target)
		}
		wg.Wait()
		close(results)

		applied := []models.JobStatus{}
		for status := range results {
			applied = append(applied, status)
		}
		if len(applied) != 1 {
			t.Fatalf("applied transitions = %v, want exactly one", applied)
		}
		job, _ := store.GetJob(context.Background(), "job-1")
		if job.Status != applied[0] {
			t.Fatalf("status = %s, winner was %s", job.Status, applied[0])
		}
	}
}

func TestUpdateJobStartedAtSetOnce(t *testing.T) {
	store := NewMemoryJobStore()
	newJob(t, store, "job-1")

	first, err := store.ClaimPending(context.Background())
	if err != nil || first.StartedAt == nil {
		t.Fatalf("claim: %v started=%v", err, first)
	}
	started := *first.StartedAt

	// Recovery flips the job back to pending; a later claim must keep the
	// original start time.
	ok, err := store.AtomicTransition(context.Background(), "job-1",
		func(*models.Job) bool { return true },
		func(j *models.Job) { j.Status = models.StatusPending },
	)
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	second, err := store.ClaimPending(context.Background())
	if err != nil || second == nil {
		t.Fatalf("reclaim: %v", err)
	}
	if second.StartedAt == nil || !second.StartedAt.Equal(started) {
		t.Fatalf("started_at = %v, want original %v", second.StartedAt, started)
	}
}
