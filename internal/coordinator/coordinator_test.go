package coordinator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/storage"
)

// gateProcessor blocks each job until the gate opens, recording completion
// order and the context error observed per job.
type gateProcessor struct {
	gate chan struct{}

	mu      sync.Mutex
	order   []uuid.UUID
	ctxErrs map[uuid.UUID]error
}

func newGateProcessor() *gateProcessor {
	return &gateProcessor{gate: make(chan struct{}), ctxErrs: make(map[uuid.UUID]error)}
}

func (p *gateProcessor) Process(ctx context.Context, jobID uuid.UUID) error {
	select {
	case <-p.gate:
	case <-ctx.Done():
	}
	p.mu.Lock()
	p.order = append(p.order, jobID)
	p.ctxErrs[jobID] = ctx.Err()
	p.mu.Unlock()
	return ctx.Err()
}

func (p *gateProcessor) processed() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.order...)
}

func newStores(t *testing.T) (*storage.JobIndex, *storage.ArtifactStore) {
	t.Helper()
	root := t.TempDir()
	index, err := storage.OpenJobIndex(filepath.Join(root, "jobs.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = index.Close() })
	artifacts, err := storage.NewArtifactStore(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return index, artifacts
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCoordinator_QueueFullBackpressure(t *testing.T) {
	index, artifacts := newStores(t)
	proc := newGateProcessor()
	c := New(nil, index, artifacts, proc, WithQueueCapacity(2), WithWorkers(1))
	defer c.Shutdown(context.Background())

	ctx := context.Background()

	// First job is picked up by the worker and blocks on the gate.
	first, err := c.Submit(ctx, "a.bin", strings.NewReader("a"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		rec, err := index.Get(ctx, first)
		return err == nil && rec.Status == constants.JobStatusRunning ||
			c.QueueDepth() == 0
	})

	// Fill the queue.
	var queued []uuid.UUID
	for i := 0; i < 2; i++ {
		id, err := c.Submit(ctx, "q.bin", strings.NewReader(fmt.Sprintf("q%d", i)))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		queued = append(queued, id)
	}

	// Next submission must fail fast.
	_, err = c.Submit(ctx, "overflow.bin", strings.NewReader("overflow"))
	if common.KindOf(err) != common.KindQueueFull {
		t.Fatalf("overflow submit error kind = %v, want QUEUE_FULL", common.KindOf(err))
	}

	// The rejected job left no row behind.
	jobs, err := index.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("index has %d rows, want 3", len(jobs))
	}

	// Drain: FIFO order, first submitted processed first.
	close(proc.gate)
	waitFor(t, 2*time.Second, func() bool { return len(proc.processed()) == 3 })
	got := proc.processed()
	want := append([]uuid.UUID{first}, queued...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FIFO violated at %d: got %v want %v", i, got, want)
		}
	}
}

func TestCoordinator_DistinctJobIDsSingleArtifact(t *testing.T) {
	index, artifacts := newStores(t)
	proc := newGateProcessor()
	close(proc.gate)
	c := New(nil, index, artifacts, proc, WithQueueCapacity(8))
	defer c.Shutdown(context.Background())

	ctx := context.Background()
	id1, err := c.Submit(ctx, "x.bin", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := c.Submit(ctx, "x.bin", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("job ids must be distinct")
	}
	r1, _ := index.Get(ctx, id1)
	r2, _ := index.Get(ctx, id2)
	if r1.ArtifactRef != r2.ArtifactRef {
		t.Error("identical bytes should share one stored artifact")
	}
}

func TestCoordinator_TimeoutReleasesWorkerSlot(t *testing.T) {
	index, artifacts := newStores(t)
	proc := newGateProcessor() // gate never opens; jobs end via ctx
	c := New(nil, index, artifacts, proc, WithQueueCapacity(4), WithJobTimeout(50*time.Millisecond))
	defer c.Shutdown(context.Background())

	ctx := context.Background()
	first, err := c.Submit(ctx, "slow1.bin", strings.NewReader("s1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Submit(ctx, "slow2.bin", strings.NewReader("s2"))
	if err != nil {
		t.Fatal(err)
	}

	// Both jobs run and end despite neither ever finishing its work: the
	// timeout must free the slot for the next queued job.
	waitFor(t, 2*time.Second, func() bool { return len(proc.processed()) == 2 })

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.ctxErrs[first] != context.DeadlineExceeded {
		t.Errorf("first job ctx err = %v, want deadline exceeded", proc.ctxErrs[first])
	}
	if proc.ctxErrs[second] != context.DeadlineExceeded {
		t.Errorf("second job ctx err = %v, want deadline exceeded", proc.ctxErrs[second])
	}
}

func TestCoordinator_CancelQueuedJob(t *testing.T) {
	index, artifacts := newStores(t)
	proc := newGateProcessor()
	c := New(nil, index, artifacts, proc, WithQueueCapacity(4))
	defer func() {
		close(proc.gate)
		c.Shutdown(context.Background())
	}()

	ctx := context.Background()
	// Occupy the worker.
	if _, err := c.Submit(ctx, "busy.bin", strings.NewReader("busy")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return c.QueueDepth() == 0 })

	victim, err := c.Submit(ctx, "victim.bin", strings.NewReader("victim"))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := c.Cancel(ctx, victim)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	rec, err := index.Get(ctx, victim)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != constants.JobStatusFailed || rec.ErrorKind != string(common.KindCancelled) {
		t.Errorf("cancelled job row: status=%s kind=%s", rec.Status, rec.ErrorKind)
	}

	// Cancelling a terminal job reports false.
	ok, err = c.Cancel(ctx, victim)
	if err != nil || ok {
		t.Errorf("second cancel = %v, %v; want false, nil", ok, err)
	}
}

// gatedReader parks the first Read until released, so a Submit can be held
// mid-upload while the test drives the coordinator from another goroutine.
type gatedReader struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedReader) Read(p []byte) (int, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return 0, io.EOF
}

func TestCoordinator_SubmitDuringShutdownLeavesNoJob(t *testing.T) {
	index, artifacts := newStores(t)
	proc := newGateProcessor()
	close(proc.gate)
	c := New(nil, index, artifacts, proc, WithQueueCapacity(4))

	r := &gatedReader{entered: make(chan struct{}), release: make(chan struct{})}
	type result struct {
		id  uuid.UUID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.Submit(context.Background(), "late.bin", r)
		done <- result{id, err}
	}()

	// Submit is parked inside the artifact write while the coordinator shuts
	// down; releasing it afterwards must reject cleanly instead of sending on
	// the closed queue.
	<-r.entered
	c.Shutdown(context.Background())
	close(r.release)

	res := <-done
	if common.KindOf(res.err) != common.KindQueueFull {
		t.Fatalf("late submit error kind = %v, want QUEUE_FULL", common.KindOf(res.err))
	}
	jobs, err := index.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("index has %d rows after rejected submit, want 0", len(jobs))
	}
}

func TestCoordinator_CancelUnknownJob(t *testing.T) {
	index, artifacts := newStores(t)
	proc := newGateProcessor()
	close(proc.gate)
	c := New(nil, index, artifacts, proc)
	defer c.Shutdown(context.Background())

	_, err := c.Cancel(context.Background(), uuid.New())
	if common.KindOf(err) != common.KindNotFound {
		t.Fatalf("err kind = %v, want NOT_FOUND", common.KindOf(err))
	}
}
