package driver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/config"
	"github.com/draftworks/listing-api/internal/models"
	"github.com/draftworks/listing-api/internal/pipeline"
	"github.com/draftworks/listing-api/internal/repository"
)

type stubReader struct {
	keys []string
	err  error
}

func (r *stubReader) Read(context.Context, string) ([]string, error) {
	return r.keys, r.err
}

type stubProcessor struct {
	mu        sync.Mutex
	seen      []string
	failKeys  map[string]string
	panicKeys map[string]bool
	onProcess func(itemKey string)
}

func (p *stubProcessor) ProcessItem(_ context.Context, itemKey string, _ bool) pipeline.Result {
	p.mu.Lock()
	p.seen = append(p.seen, itemKey)
	p.mu.Unlock()
	if p.onProcess != nil {
		p.onProcess(itemKey)
	}
	if p.panicKeys[itemKey] {
		panic("catalog client state corrupted")
	}
	if msg, ok := p.failKeys[itemKey]; ok {
		return pipeline.Result{ItemKey: itemKey, Success: false, Error: msg, Timestamp: time.Now()}
	}
	return pipeline.Result{ItemKey: itemKey, Success: true, Timestamp: time.Now()}
}

func (p *stubProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func testConfig() config.BatchConfig {
	return config.BatchConfig{
		HeartbeatInterval:   time.Hour,
		MaxRecoveryAttempts: 3,
	}
}

func newTestDriver(t *testing.T, store repository.JobStore, reader *stubReader, proc *stubProcessor) *Driver {
	t.Helper()
	factory := func() ItemProcessor { return proc }
	return New(store, reader, factory, testConfig(), zerolog.Nop())
}

func createJob(t *testing.T, store repository.JobStore, id string) *models.Job {
	t.Helper()
	job := &models.Job{ID: id, ItemSource: "file:///tmp/items.txt", PublishDrafts: true}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestRunProcessesAllItemsAndRecordsOutcomes(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{keys: []string{"036000291452", "012345678905", "4006381333931"}}
	proc := &stubProcessor{failKeys: map[string]string{"012345678905": "no metadata found or incomplete"}}
	d := newTestDriver(t, store, reader, proc)
	createJob(t, store, "job-1")

	if err := d.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.TotalItems != 3 || job.ProcessedItems != 3 || job.SuccessfulItems != 2 || job.FailedItems != 1 {
		t.Fatalf("counters = total %d processed %d ok %d failed %d",
			job.TotalItems, job.ProcessedItems, job.SuccessfulItems, job.FailedItems)
	}
	if job.CompletedAt == nil || job.StartedAt == nil {
		t.Fatal("expected started_at and completed_at to be set")
	}

	cps, err := store.Checkpoints(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("checkpoint count = %d, want 3", len(cps))
	}
	wantSuccess := []bool{true, false, true}
	for i, cp := range cps {
		if cp.ItemIndex != i || cp.ItemKey != reader.keys[i] || cp.Success != wantSuccess[i] {
			t.Errorf("checkpoint %d = (%d, %s, %v)", i, cp.ItemIndex, cp.ItemKey, cp.Success)
		}
	}

	var summary models.RunSummary
	if err := json.Unmarshal(job.Summary, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.SuccessRate < 0.66 || summary.SuccessRate > 0.67 {
		t.Fatalf("success rate = %v", summary.SuccessRate)
	}
}

func TestRunResumesAfterLastCheckpoint(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{keys: []string{"036000291452", "012345678905", "4006381333931"}}
	proc := &stubProcessor{}
	d := newTestDriver(t, store, reader, proc)
	createJob(t, store, "job-1")

	// Simulate a prior run segment that checkpointed indexes 0 and 1.
	for i := 0; i < 2; i++ {
		cp := models.Checkpoint{JobID: "job-1", ItemIndex: i, ItemKey: reader.keys[i], Success: true, Result: json.RawMessage(`{}`)}
		if err := store.AppendCheckpoint(context.Background(), cp); err != nil {
			t.Fatalf("seed checkpoint: %v", err)
		}
	}

	if err := d.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := proc.processed(); len(got) != 1 || got[0] != "4006381333931" {
		t.Fatalf("processed = %v, want only the third key", got)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted || job.ProcessedItems != 3 {
		t.Fatalf("status %s processed %d", job.Status, job.ProcessedItems)
	}
}

func TestRunCompletedJobIsNoOp(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{keys: []string{"036000291452"}}
	proc := &stubProcessor{}
	d := newTestDriver(t, store, reader, proc)
	createJob(t, store, "job-1")

	ok, err := store.AtomicTransition(context.Background(), "job-1",
		func(*models.Job) bool { return true },
		func(j *models.Job) { j.Status = models.StatusCompleted },
	)
	if err != nil || !ok {
		t.Fatalf("seed completed state: ok=%v err=%v", ok, err)
	}

	if err := d.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := proc.processed(); len(got) != 0 {
		t.Fatalf("processed = %v, want none", got)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestRunSourceFailureMarksJobFailed(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{err: errors.New("open item source /tmp/items.txt: no such file")}
	d := newTestDriver(t, store, reader, &stubProcessor{})
	createJob(t, store, "job-1")

	if err := d.Run(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error from unreadable source")
	}

	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "failed to load item source") {
		t.Fatalf("error = %v", job.Error)
	}
	cps, _ := store.Checkpoints(context.Background(), "job-1")
	if len(cps) != 0 {
		t.Fatalf("checkpoints = %d, want 0", len(cps))
	}
}

func TestRunStopsAtItemBoundaryOnCancel(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{keys: []string{"036000291452", "012345678905", "4006381333931"}}
	ctx, cancel := context.WithCancel(context.Background())
	proc := &stubProcessor{onProcess: func(string) { cancel() }}
	d := newTestDriver(t, store, reader, proc)
	createJob(t, store, "job-1")

	err := d.Run(ctx, "job-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The in-flight item is checkpointed; the job stays running so the
	// health monitor can detect the stall and recover it.
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if job.ProcessedItems != 1 || job.LastProcessedIndex != 0 {
		t.Fatalf("processed %d last index %d", job.ProcessedItems, job.LastProcessedIndex)
	}
}

func TestRunConvertsItemPanicToFailedCheckpoint(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{keys: []string{"036000291452", "012345678905"}}
	proc := &stubProcessor{panicKeys: map[string]bool{"036000291452": true}}
	d := newTestDriver(t, store, reader, proc)
	createJob(t, store, "job-1")

	if err := d.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.SuccessfulItems != 1 || job.FailedItems != 1 {
		t.Fatalf("ok %d failed %d", job.SuccessfulItems, job.FailedItems)
	}

	cps, _ := store.Checkpoints(context.Background(), "job-1")
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(cps[0].Result, &payload); err != nil {
		t.Fatalf("decode checkpoint result: %v", err)
	}
	if !strings.Contains(payload.Error, "panicked") {
		t.Fatalf("checkpoint error = %q", payload.Error)
	}
}

func TestRunSetsTotalItemsFromSource(t *testing.T) {
	store := repository.NewMemoryJobStore()
	reader := &stubReader{keys: []string{"036000291452", "4006381333931"}}
	d := newTestDriver(t, store, reader, &stubProcessor{})
	createJob(t, store, "job-1")

	if err := d.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.TotalItems != 2 {
		t.Fatalf("total = %d, want 2", job.TotalItems)
	}
	if job.ProcessedItems != job.SuccessfulItems+job.FailedItems {
		t.Fatalf("counter invariant broken: %d != %d + %d",
			job.ProcessedItems, job.SuccessfulItems, job.FailedItems)
	}
}
