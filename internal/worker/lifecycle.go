package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ai-worker/internal/service"
)

type Lifecycle struct {
	queue           service.Queue
	pool            *Pool
	reporter        io.Closer
	closers         []io.Closer
	admin           *http.Server
	shutdownTimeout time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type LifecycleOption func(*Lifecycle)

// WithAdminServer runs srv next to the consumer and shuts it down on stop.
func WithAdminServer(srv *http.Server) LifecycleOption {
	return func(l *Lifecycle) { l.admin = srv }
}

// WithClosers registers extra resources released after the status client.
func WithClosers(c ...io.Closer) LifecycleOption {
	return func(l *Lifecycle) { l.closers = append(l.closers, c...) }
}

func WithShutdownTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.shutdownTimeout = d }
}

func NewLifecycle(queue service.Queue, pool *Pool, reporter io.Closer, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		queue:           queue,
		pool:            pool,
		reporter:        reporter,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start connects, consumes and blocks until ctx is done, Stop is called or
// a fatal error occurs. Resources are always released before it returns.
// Connection and consumption errors are returned; a normal stop returns nil.
func (l *Lifecycle) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	defer l.Stop()
	defer close(done)
	defer cancel()

	if err := l.queue.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	deliveries, err := l.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	slog.Info("worker started consuming messages")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.pool.Run(gctx, deliveries)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := l.queue.Cancel(); err != nil {
			slog.Warn("cancel consumer", slog.String("error", err.Error()))
		}
		return nil
	})

	if l.admin != nil {
		g.Go(func() error {
			slog.Info("admin http listening", slog.String("addr", l.admin.Addr))
			if err := l.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return l.admin.Shutdown(shutdownCtx)
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-gctx.Done():
	}

	slog.Info("worker stopping, waiting for in-flight jobs", slog.Duration("timeout", l.shutdownTimeout))
	timer := time.NewTimer(l.shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		return err
	case <-timer.C:
		slog.Warn("shutdown timeout, abandoning in-flight jobs")
		if ctx.Err() != nil {
			return nil
		}
		return context.Cause(gctx)
	}
}

// Stop requests shutdown, waits for Start to wind down (bounded by the
// shutdown timeout) and releases the broker channel and connection, the
// status client and any extra closers in that order. Safe to call more than
// once, concurrently, and before Start.
func (l *Lifecycle) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		cancel, done := l.cancel, l.done
		l.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(l.shutdownTimeout):
				slog.Warn("stop: run loop did not finish in time")
			}
		}

		l.release()
		slog.Info("worker stopped")
	})
}

func (l *Lifecycle) release() {
	closers := make([]io.Closer, 0, 2+len(l.closers))
	if l.queue != nil {
		closers = append(closers, l.queue)
	}
	if l.reporter != nil {
		closers = append(closers, l.reporter)
	}
	closers = append(closers, l.closers...)

	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			slog.Warn("release resource", slog.String("error", err.Error()))
		}
	}
}
