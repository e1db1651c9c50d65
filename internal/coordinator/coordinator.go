package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/storage"
)

// Processor executes one job to a terminal state. Implemented by the
// extraction pipeline; stubbed in tests.
type Processor interface {
	Process(ctx context.Context, jobID uuid.UUID) error
}

// Coordinator serializes extraction work. Submissions enter a bounded FIFO
// queue; a fixed number of execution slots (one, by deployment constraint)
// drain it in order. The slot is an owned semaphore rather than a property
// of the process, so raising the worker count stays a config change.
type Coordinator struct {
	logger    *slog.Logger
	index     *storage.JobIndex
	artifacts *storage.ArtifactStore
	proc      Processor

	workers int
	timeout time.Duration
	ch      chan uuid.UUID
	slot    *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc

	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]context.CancelFunc
}

type Option func(*Coordinator)

func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithQueueCapacity(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.ch = make(chan uuid.UUID, n)
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(logger *slog.Logger, index *storage.JobIndex, artifacts *storage.ArtifactStore, proc Processor, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:     logger,
		index:      index,
		artifacts:  artifacts,
		proc:       proc,
		workers:    1,
		timeout:    3 * time.Minute,
		ch:         make(chan uuid.UUID, 64),
		baseCtx:    ctx,
		baseCancel: cancel,
		running:    make(map[uuid.UUID]context.CancelFunc),
	}
	for _, o := range opts {
		o(c)
	}
	c.slot = semaphore.NewWeighted(int64(c.workers))
	c.start()
	return c
}

func (c *Coordinator) start() {
	c.once.Do(func() {
		for i := 0; i < c.workers; i++ {
			c.wg.Add(1)
			go func(workerID int) {
				defer c.wg.Done()
				c.logger.Info("worker started", "worker_id", workerID)
				for jobID := range c.ch {
					c.runOne(workerID, jobID)
				}
				c.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (c *Coordinator) runOne(workerID int, jobID uuid.UUID) {
	if err := c.slot.Acquire(c.baseCtx, 1); err != nil {
		return
	}
	defer c.slot.Release(1)

	jctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
	c.mu.Lock()
	c.running[jobID] = cancel
	c.mu.Unlock()

	err := c.proc.Process(jctx, jobID)

	c.mu.Lock()
	delete(c.running, jobID)
	c.mu.Unlock()
	cancel()

	if err != nil {
		c.logger.Error("job processing failed", "worker_id", workerID, "job_id", jobID, "error", err)
	}
}

// Submit stores the upload and enqueues a new job for it. Identical bytes
// dedup in the artifact store but always get a fresh job id. When the queue
// is at capacity Submit fails fast with QueueFull and leaves no job behind.
func (c *Coordinator) Submit(ctx context.Context, filename string, r io.Reader) (uuid.UUID, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, common.E(common.KindQueueFull, "coordinator is shutting down", nil)
	}
	c.mu.Unlock()

	ref, dedup, err := c.artifacts.Put(r)
	if err != nil {
		return uuid.Nil, err
	}

	jobID := uuid.New()
	rec := &storage.JobRecord{
		ID:          jobID,
		ArtifactRef: ref,
		Filename:    filename,
		Format:      constants.UNKNOWN,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := c.index.Insert(ctx, rec); err != nil {
		return uuid.Nil, err
	}

	// Shutdown closes the channel under c.mu, so the closed re-check and the
	// send must share one critical section. The send never blocks.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.rollback(ctx, jobID)
		return uuid.Nil, common.E(common.KindQueueFull, "coordinator is shutting down", nil)
	}
	select {
	case c.ch <- jobID:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		// Backpressure: reject rather than queue unbounded. The job row is
		// rolled back; the deduped artifact stays, which is harmless.
		c.rollback(ctx, jobID)
		c.logger.Warn("queue full, rejecting submission", "filename", filename)
		return uuid.Nil, common.E(common.KindQueueFull, "extraction queue is full", nil)
	}

	c.logger.Info("job submitted", "job_id", jobID, "artifact", ref, "dedup", dedup)
	return jobID, nil
}

// rollback removes the row of a submission that never made it onto the queue.
func (c *Coordinator) rollback(ctx context.Context, jobID uuid.UUID) {
	if err := c.index.Delete(ctx, jobID); err != nil {
		c.logger.Error("rollback of rejected job failed", "job_id", jobID, "error", err)
	}
}

// Status returns the job row, or NotFound.
func (c *Coordinator) Status(ctx context.Context, jobID uuid.UUID) (*storage.JobRecord, error) {
	return c.index.Get(ctx, jobID)
}

// Cancel attempts to cancel a job. Queued jobs are marked terminal without
// their artifact ever being read; running jobs get a best-effort context
// cancellation. Returns false for jobs already terminal.
func (c *Coordinator) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	rec, err := c.index.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case constants.JobStatusQueued:
		return c.index.CancelQueued(ctx, jobID)
	case constants.JobStatusRunning:
		c.mu.Lock()
		cancel, ok := c.running[jobID]
		c.mu.Unlock()
		if ok {
			cancel()
		}
		return ok, nil
	default:
		return false, nil
	}
}

// QueueDepth reports how many jobs are waiting, for health reporting.
func (c *Coordinator) QueueDepth() int { return len(c.ch) }

// QueueCapacity reports the configured bound.
func (c *Coordinator) QueueCapacity() int { return cap(c.ch) }

// Shutdown stops intake and drains in-flight work until ctx expires, then
// hard-cancels whatever is left.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.ch)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); c.wg.Wait() }()

	select {
	case <-ctx.Done():
		c.logger.Warn("shutdown deadline reached, cancelling remaining work")
		c.baseCancel()
		<-done
	case <-done:
		c.logger.Info("queue drained, shutdown complete")
	}
	c.baseCancel()
}
