package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ai-worker/internal/entity"
	"ai-worker/internal/service"
)

var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

type JobRunner interface {
	Process(ctx context.Context, job entity.JobDescriptor) error
}

// PoisonSink records deliveries that are acked without running a job.
type PoisonSink interface {
	Record(ctx context.Context, msg entity.PoisonMessage) error
}

type Pool struct {
	runner    JobRunner
	poison    PoisonSink
	stats     *Stats
	workers   int
	queueName string
}

func NewPool(runner JobRunner, workers int, queueName string, stats *Stats, poison PoisonSink) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Pool{
		runner:    runner,
		poison:    poison,
		stats:     stats,
		workers:   workers,
		queueName: queueName,
	}
}

// Run handles deliveries on p.workers goroutines until ctx is done or the
// channel closes. Jobs already running are never interrupted: they run on a
// context detached from ctx and Run waits for them. A channel closed while
// ctx is still live yields ErrDeliveriesClosed.
func (p *Pool) Run(ctx context.Context, deliveries <-chan service.Delivery) error {
	slog.Info("worker pool started", slog.Int("workers", p.workers))

	jobCtx := context.WithoutCancel(ctx)
	var (
		wg     sync.WaitGroup
		closed bool
		mu     sync.Mutex
	)

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						mu.Lock()
						closed = true
						mu.Unlock()
						return
					}
					if ctx.Err() != nil {
						// stopped while this one was ready: leave it unacked so
						// the broker redelivers it
						return
					}
					p.Handle(jobCtx, n, d)
				}
			}
		}(i + 1)
	}

	wg.Wait()
	slog.Info("worker pool stopped")

	if ctx.Err() == nil && closed {
		return ErrDeliveriesClosed
	}
	return nil
}

// Handle processes one delivery and always acks it: the ack means the worker
// concluded the message, not that the job succeeded.
func (p *Pool) Handle(ctx context.Context, n int, d service.Delivery) {
	p.stats.received.Add(1)
	log := slog.With(slog.Int("worker", n), slog.String("message_id", d.MessageID))

	defer func() {
		if err := d.Ack(); err != nil {
			p.stats.ackErrors.Add(1)
			log.Error("ack failed", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			log.Error("message handler panicked", slog.Any("panic", r))
		}
	}()

	job, err := entity.ParseJobDescriptor(d.Body)
	if err != nil {
		p.drop(ctx, log, d, err)
		return
	}

	p.stats.inFlight.Add(1)
	defer p.stats.inFlight.Add(-1)

	if err := p.runner.Process(ctx, job); err != nil {
		log.Debug("job concluded with failure", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
	}
}

func (p *Pool) drop(ctx context.Context, log *slog.Logger, d service.Delivery, reason error) {
	p.stats.dropped.Add(1)
	log.Warn("dropping message", slog.String("reason", reason.Error()), slog.Int("bytes", len(d.Body)))

	if p.poison == nil {
		return
	}
	err := p.poison.Record(ctx, entity.PoisonMessage{
		Queue:      p.queueName,
		MessageID:  d.MessageID,
		Reason:     reason.Error(),
		Body:       d.Body,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error("poison audit failed", slog.String("error", err.Error()))
	}
}
