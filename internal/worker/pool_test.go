package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-worker/internal/entity"
	"ai-worker/internal/repository/jobapi"
	"ai-worker/internal/service"
	"ai-worker/internal/worker"
)

const goodBody = `{"job_id":"j1","source_file":"uploads/a.mp3","source_lang":"en","target_lang":"es"}`

func TestPool_Handle_UnparseableBodyIsDroppedAndAcked(t *testing.T) {
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error {
		runs.Add(1)
		return nil
	})
	poison := &fakePoison{}
	stats := worker.NewStats()
	acks := newAckCounter()

	p := worker.NewPool(runner, 1, "ai_jobs", stats, poison)
	p.Handle(context.Background(), 1, acks.delivery("m1", "not json"))

	if runs.Load() != 0 {
		t.Fatalf("runner must not be called")
	}
	if acks.Count("m1") != 1 {
		t.Fatalf("expected exactly one ack, got %d", acks.Count("m1"))
	}
	if got := stats.Snapshot().Dropped; got != 1 {
		t.Fatalf("expected 1 dropped, got %d", got)
	}
	if len(poison.msgs) != 1 {
		t.Fatalf("expected poison record, got %d", len(poison.msgs))
	}
	msg := poison.msgs[0]
	if msg.Queue != "ai_jobs" || msg.MessageID != "m1" || string(msg.Body) != "not json" {
		t.Fatalf("unexpected poison message: %+v", msg)
	}
}

func TestPool_Handle_MissingJobIDIsDropped(t *testing.T) {
	repo := &fakeRepo{}
	tr, tl, sy := stubStages()
	proc := worker.NewProcessor(repo, tr, tl, sy, t.TempDir())
	acks := newAckCounter()

	p := worker.NewPool(proc, 1, "ai_jobs", nil, nil)
	p.Handle(context.Background(), 1, acks.delivery("m2", `{"source_file":"a.mp3","source_lang":"en","target_lang":"es"}`))

	if n := len(repo.Calls()); n != 0 {
		t.Fatalf("expected no status reports, got %d", n)
	}
	if acks.Count("m2") != 1 {
		t.Fatalf("expected ack")
	}
}

func TestPool_Handle_AcksAfterJobConcludes(t *testing.T) {
	var mu sync.Mutex
	var order []string

	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error {
		mu.Lock()
		order = append(order, "process:"+job.JobID)
		mu.Unlock()
		return errors.New("job failed")
	})
	d := service.NewDelivery([]byte(goodBody), "m3", func() error {
		mu.Lock()
		order = append(order, "ack")
		mu.Unlock()
		return nil
	})

	worker.NewPool(runner, 1, "ai_jobs", nil, nil).Handle(context.Background(), 1, d)

	if len(order) != 2 || order[0] != "process:j1" || order[1] != "ack" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestPool_Handle_PanickingRunnerIsAcked(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error {
		panic("boom")
	})
	stats := worker.NewStats()
	acks := newAckCounter()

	worker.NewPool(runner, 1, "ai_jobs", stats, nil).Handle(context.Background(), 1, acks.delivery("m4", goodBody))

	if acks.Count("m4") != 1 {
		t.Fatalf("expected ack after panic")
	}
	snap := stats.Snapshot()
	if snap.Panics != 1 {
		t.Fatalf("expected 1 panic, got %d", snap.Panics)
	}
	if snap.InFlight != 0 {
		t.Fatalf("in-flight should be back to 0, got %d", snap.InFlight)
	}
}

func TestPool_Handle_AckErrorCounted(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error { return nil })
	stats := worker.NewStats()
	d := service.NewDelivery([]byte(goodBody), "m5", func() error { return errors.New("channel closed") })

	worker.NewPool(runner, 1, "ai_jobs", stats, nil).Handle(context.Background(), 1, d)

	if got := stats.Snapshot().AckErrors; got != 1 {
		t.Fatalf("expected 1 ack error, got %d", got)
	}
}

func TestPool_Run_ClosedChannelIsFatal(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error { return nil })
	acks := newAckCounter()

	ch := make(chan service.Delivery, 3)
	ch <- acks.delivery("a", goodBody)
	ch <- acks.delivery("b", goodBody)
	ch <- acks.delivery("c", "garbage")
	close(ch)

	err := worker.NewPool(runner, 2, "ai_jobs", nil, nil).Run(context.Background(), ch)
	if !errors.Is(err, worker.ErrDeliveriesClosed) {
		t.Fatalf("expected ErrDeliveriesClosed, got %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if acks.Count(id) != 1 {
			t.Fatalf("message %s acked %d times", id, acks.Count(id))
		}
	}
}

func TestPool_Run_CancelWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var jobCtxErr error

	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error {
		close(started)
		<-release
		jobCtxErr = ctx.Err()
		return nil
	})
	acks := newAckCounter()

	ch := make(chan service.Delivery, 1)
	ch <- acks.delivery("slow", goodBody)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- worker.NewPool(runner, 1, "ai_jobs", nil, nil).Run(ctx, ch) }()

	<-started
	cancel()

	select {
	case err := <-errCh:
		t.Fatalf("Run returned before the job finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}

	if jobCtxErr != nil {
		t.Fatalf("job context must not be cancelled by shutdown: %v", jobCtxErr)
	}
	if acks.Count("slow") != 1 {
		t.Fatalf("expected in-flight job to be acked")
	}
}

func TestPool_Run_StoppedPoolStartsNoNewJob(t *testing.T) {
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error {
		runs.Add(1)
		return nil
	})
	acks := newAckCounter()
	p := worker.NewPool(runner, 1, "ai_jobs", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// both select cases are ready; repeat so a random pick of the delivery shows up
	for i := 0; i < 100; i++ {
		ch := make(chan service.Delivery, 1)
		ch <- acks.delivery("late", goodBody)
		if err := p.Run(ctx, ch); err != nil {
			t.Fatalf("expected nil after stop, got %v", err)
		}
	}

	if runs.Load() != 0 {
		t.Fatalf("no job may start after stop, %d did", runs.Load())
	}
	if acks.Count("late") != 0 {
		t.Fatalf("delivery taken after stop must stay unacked, got %d acks", acks.Count("late"))
	}
}

func TestPool_Run_ConcurrencyBoundedByWorkers(t *testing.T) {
	const workers = 3
	var cur, peak atomic.Int32
	var wg sync.WaitGroup

	runner := runnerFunc(func(ctx context.Context, job entity.JobDescriptor) error {
		defer wg.Done()
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	})

	ch := make(chan service.Delivery, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ch <- service.NewDelivery([]byte(goodBody), "", func() error { return nil })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.NewPool(runner, workers, "ai_jobs", nil, nil).Run(ctx, ch) }()

	wg.Wait()
	cancel()
	<-done

	if got := peak.Load(); got > workers {
		t.Fatalf("expected at most %d concurrent jobs, saw %d", workers, got)
	}
}

// Pool, Processor and the HTTP status client together against a fake
// tracking API.
func TestPipeline_EndToEndReportsToTrackingAPI(t *testing.T) {
	type patch struct {
		Path string
		Key  string
		Body entity.JobUpdate
	}
	var mu sync.Mutex
	var patches []patch

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var u entity.JobUpdate
		_ = json.Unmarshal(raw, &u)
		mu.Lock()
		patches = append(patches, patch{Path: r.Method + " " + r.URL.Path, Key: r.Header.Get("X-Internal-API-Key"), Body: u})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	repo := jobapi.NewJobRepository(api.Client(), api.URL, "secret")
	tr, tl, sy := stubStages()
	proc := worker.NewProcessor(repo, tr, tl, sy, t.TempDir())
	acks := newAckCounter()

	ch := make(chan service.Delivery, 1)
	ch <- acks.delivery("m1", goodBody)
	close(ch)

	err := worker.NewPool(proc, 1, "ai_jobs", nil, nil).Run(context.Background(), ch)
	if !errors.Is(err, worker.ErrDeliveriesClosed) {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(patches) != 2 {
		t.Fatalf("expected 2 PATCH calls, got %d", len(patches))
	}
	for _, p := range patches {
		if p.Path != "PATCH /api/internal/jobs/j1" || p.Key != "secret" {
			t.Fatalf("unexpected request: %+v", p)
		}
	}
	if patches[0].Body.Status != entity.StatusProcessing {
		t.Fatalf("first update should be processing, got %+v", patches[0].Body)
	}
	if patches[1].Body.Status != entity.StatusSucceeded || patches[1].Body.ResultURL != "/results/j1.wav" {
		t.Fatalf("unexpected terminal update: %+v", patches[1].Body)
	}
	if acks.Count("m1") != 1 {
		t.Fatalf("expected ack")
	}
}

func TestPipeline_TrackingAPIDownStillAcks(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer api.Close()

	repo := jobapi.NewJobRepository(api.Client(), api.URL, "secret")
	tr, tl, sy := stubStages()
	stats := worker.NewStats()
	proc := worker.NewProcessor(repo, tr, tl, sy, t.TempDir(), worker.WithStats(stats))
	acks := newAckCounter()

	worker.NewPool(proc, 1, "ai_jobs", stats, nil).Handle(context.Background(), 1, acks.delivery("m1", goodBody))

	if acks.Count("m1") != 1 {
		t.Fatalf("expected ack")
	}
	snap := stats.Snapshot()
	if snap.ReportErrors != 2 || snap.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestPipeline_InvalidLanguageFailsJob(t *testing.T) {
	repo := &fakeRepo{}
	tr, tl, sy := stubStages()
	proc := worker.NewProcessor(repo, tr, tl, sy, t.TempDir())
	acks := newAckCounter()

	body := strings.Replace(goodBody, `"target_lang":"es"`, `"target_lang":"not a tag!"`, 1)
	worker.NewPool(proc, 1, "ai_jobs", nil, nil).Handle(context.Background(), 1, acks.delivery("m1", body))

	calls := repo.Calls()
	assertReports(t, calls, entity.StatusProcessing, entity.StatusFailed)
	if !strings.Contains(calls[1].Error, "target_lang") {
		t.Fatalf("unexpected error: %q", calls[1].Error)
	}
}

func TestPipeline_NumericJobIDIsReported(t *testing.T) {
	repo := &fakeRepo{}
	tr, tl, sy := stubStages()
	proc := worker.NewProcessor(repo, tr, tl, sy, t.TempDir())
	acks := newAckCounter()

	body := `{"job_id":123,"source_file":"uploads/a.mp3","source_lang":"en","target_lang":"zz-!"}`
	worker.NewPool(proc, 1, "ai_jobs", nil, nil).Handle(context.Background(), 1, acks.delivery("m1", body))

	calls := repo.Calls()
	assertReports(t, calls, entity.StatusProcessing, entity.StatusFailed)
	for _, c := range calls {
		if c.JobID != "123" {
			t.Fatalf("expected reports for job 123, got %+v", c)
		}
	}
	if acks.Count("m1") != 1 {
		t.Fatalf("expected ack")
	}
}
