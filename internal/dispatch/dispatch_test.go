package dispatch

import (
	"context"
	"testing"
	"time"

	"aeternitas/internal/pollable"
	"aeternitas/internal/queue"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

type captureQueue struct {
	jobs []queue.Job
	// errs maps meta ids to the error Submit should return.
	errs map[int64]error
}

func (c *captureQueue) Submit(ctx context.Context, j queue.Job) error {
	if err := c.errs[j.MetaID]; err != nil {
		return err
	}
	c.jobs = append(c.jobs, j)
	return nil
}

func setup(t *testing.T, cfg Config, q queue.Queue) (*Dispatcher, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	registry := pollable.NewRegistry()
	_ = registry.Register("feed",
		pollable.NewConfiguration(pollable.WithQueue("feeds")),
		func(ctx context.Context, ref pollable.Ref) (pollable.Pollable, error) { return nil, nil })

	d, err := New(cfg, store, q, registry, logx.Nop())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, store
}

func TestEnqueueDuePollables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &captureQueue{}
	d, store := setup(t, Config{}, q)

	due := make([]*pollable.MetaData, 3)
	for i, id := range []string{"a", "b", "c"} {
		m, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: id})
		due[i] = m
	}
	// One future record and one already enqueued: both out of scope.
	future, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "future"})
	_ = store.Apply(ctx, future.ID, pollable.EventPoll)
	_ = store.CompletePoll(ctx, future.ID, time.Now(), time.Now().Add(time.Hour))
	enq, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "enq"})
	_ = store.Apply(ctx, enq.ID, pollable.EventEnqueue)

	n, err := d.EnqueueDuePollables(ctx)
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}
	if n != 3 || len(q.jobs) != 3 {
		t.Fatalf("submitted = %d, jobs = %d", n, len(q.jobs))
	}
	for _, j := range q.jobs {
		if j.Kind != "feed" || j.Queue != "feeds" {
			t.Fatalf("job = %+v", j)
		}
	}
	// Submitted records are marked enqueued so the next scan skips them.
	for _, m := range due {
		cur, _ := store.Meta(ctx, m.ID)
		if cur.State != pollable.StateEnqueued {
			t.Fatalf("record %d state = %s", m.ID, cur.State)
		}
	}

	// Second scan finds nothing.
	n, err = d.EnqueueDuePollables(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second scan = %d, %v", n, err)
	}
}

func TestEnqueueStopsOnFullQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := &captureQueue{errs: map[int64]error{}}
	d, store := setup(t, Config{}, q)

	m1, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "a"})
	m2, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "b"})
	// Order the scan: m1 (epoch) sorts before m2 (one minute ago).
	_ = store.Apply(ctx, m2.ID, pollable.EventPoll)
	_ = store.CompletePoll(ctx, m2.ID, time.Now(), time.Now().Add(-time.Minute))
	q.errs[m2.ID] = queue.ErrQueueFull

	n, err := d.EnqueueDuePollables(ctx)
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}
	if n != 1 {
		t.Fatalf("submitted = %d", n)
	}
	// The refused record stays waiting for the next scan.
	cur, _ := store.Meta(ctx, m2.ID)
	if cur.State != pollable.StateWaiting {
		t.Fatalf("refused record state = %s", cur.State)
	}
	cur, _ = store.Meta(ctx, m1.ID)
	if cur.State != pollable.StateEnqueued {
		t.Fatalf("accepted record state = %s", cur.State)
	}
}

func TestEnqueueSkipsInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &captureQueue{errs: map[int64]error{}}
	d, store := setup(t, Config{}, q)

	m, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "a"})
	q.errs[m.ID] = queue.ErrInFlight

	n, err := d.EnqueueDuePollables(ctx)
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}
	if n != 0 {
		t.Fatalf("submitted = %d for in-flight record", n)
	}
	cur, _ := store.Meta(ctx, m.ID)
	if cur.State != pollable.StateWaiting {
		t.Fatalf("state = %s", cur.State)
	}
}

func TestRecoverEnqueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &captureQueue{}
	d, store := setup(t, Config{}, q)

	stranded, _ := store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "stranded"})
	_ = store.Apply(ctx, stranded.ID, pollable.EventEnqueue)
	_, _ = store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: "waiting"})

	n, err := d.RecoverEnqueued(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 || len(q.jobs) != 1 || q.jobs[0].MetaID != stranded.ID {
		t.Fatalf("recovered = %d, jobs = %v", n, q.jobs)
	}
	// Recovery resubmits without touching state.
	cur, _ := store.Meta(ctx, stranded.ID)
	if cur.State != pollable.StateEnqueued {
		t.Fatalf("state = %s", cur.State)
	}
}

func TestBatchLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := &captureQueue{}
	d, store := setup(t, Config{BatchLimit: 2}, q)

	for _, id := range []string{"a", "b", "c", "d"} {
		_, _ = store.EnsureMeta(ctx, pollable.Ref{Kind: "feed", EntityID: id})
	}
	n, err := d.EnqueueDuePollables(ctx)
	if err != nil || n != 2 {
		t.Fatalf("limited scan = %d, %v", n, err)
	}
}

func TestBadCronSpec(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{CronSpec: "nope"}, storage.NewMemory(), &captureQueue{}, nil, logx.Nop()); err == nil {
		t.Fatalf("bad cron spec accepted")
	}
}
