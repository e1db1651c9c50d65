package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

func newTestIndex(t *testing.T) *JobIndex {
	t.Helper()
	x, err := OpenJobIndex(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func enqueue(t *testing.T, x *JobIndex) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := x.Insert(context.Background(), &JobRecord{
		ID:          id,
		ArtifactRef: ArtifactRef("deadbeef"),
		Filename:    "doc.pdf",
		Format:      constants.UNKNOWN,
		EnqueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestJobIndex_Lifecycle(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	id := enqueue(t, x)

	rec, err := x.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != constants.JobStatusQueued {
		t.Fatalf("fresh job status = %s", rec.Status)
	}

	ok, err := x.MarkRunning(ctx, id)
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}
	if err := x.MarkSucceeded(ctx, id, constants.PDF); err != nil {
		t.Fatal(err)
	}

	rec, err = x.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != constants.JobStatusSucceeded || rec.Format != constants.PDF {
		t.Errorf("terminal row: status=%s format=%s", rec.Status, rec.Format)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Error("expected started/finished timestamps")
	}
}

func TestJobIndex_StatusOnlyMovesForward(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	id := enqueue(t, x)

	if ok, _ := x.MarkRunning(ctx, id); !ok {
		t.Fatal("first MarkRunning should succeed")
	}
	// Second transition attempt finds no QUEUED row.
	if ok, _ := x.MarkRunning(ctx, id); ok {
		t.Fatal("MarkRunning must not re-apply")
	}

	if err := x.MarkSucceeded(ctx, id, constants.XML); err != nil {
		t.Fatal(err)
	}
	// A terminal job cannot fail afterwards.
	if err := x.MarkFailed(ctx, id, constants.XML, common.KindInternal, "late"); err == nil {
		t.Fatal("MarkFailed on terminal job should error")
	}
}

func TestJobIndex_CancelQueuedOnly(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	id := enqueue(t, x)
	ok, err := x.CancelQueued(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelQueued = %v, %v", ok, err)
	}
	rec, _ := x.Get(ctx, id)
	if rec.Status != constants.JobStatusFailed || rec.ErrorKind != string(common.KindCancelled) {
		t.Errorf("cancelled row: status=%s kind=%s", rec.Status, rec.ErrorKind)
	}

	running := enqueue(t, x)
	if ok, _ := x.MarkRunning(ctx, running); !ok {
		t.Fatal(err)
	}
	if ok, _ := x.CancelQueued(ctx, running); ok {
		t.Fatal("CancelQueued must not touch a RUNNING job")
	}
}

func TestJobIndex_SweepStale(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	queued := enqueue(t, x)
	running := enqueue(t, x)
	if ok, _ := x.MarkRunning(ctx, running); !ok {
		t.Fatal("MarkRunning failed")
	}
	done := enqueue(t, x)
	if ok, _ := x.MarkRunning(ctx, done); !ok {
		t.Fatal("MarkRunning failed")
	}
	if err := x.MarkSucceeded(ctx, done, constants.IMAGE); err != nil {
		t.Fatal(err)
	}

	n, err := x.SweepStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept %d rows, want 2", n)
	}
	for _, id := range []uuid.UUID{queued, running} {
		rec, _ := x.Get(ctx, id)
		if rec.Status != constants.JobStatusFailed || rec.ErrorKind != string(common.KindInternal) {
			t.Errorf("swept row %s: status=%s kind=%s", id, rec.Status, rec.ErrorKind)
		}
	}
	rec, _ := x.Get(ctx, done)
	if rec.Status != constants.JobStatusSucceeded {
		t.Error("sweep must not touch terminal jobs")
	}
}

func TestJobIndex_GetUnknown(t *testing.T) {
	x := newTestIndex(t)
	_, err := x.Get(context.Background(), uuid.New())
	if common.KindOf(err) != common.KindNotFound {
		t.Fatalf("err kind = %v, want NOT_FOUND", common.KindOf(err))
	}
}

func TestJobIndex_ListNewestFirst(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	old := uuid.New()
	if err := x.Insert(ctx, &JobRecord{ID: old, ArtifactRef: "a", EnqueuedAt: time.Now().UTC().Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	recent := uuid.New()
	if err := x.Insert(ctx, &JobRecord{ID: recent, ArtifactRef: "b", EnqueuedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	jobs, err := x.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != recent || jobs[1].ID != old {
		t.Fatalf("unexpected order: %+v", jobs)
	}
}
