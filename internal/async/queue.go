// Package async runs document processing off the request path on a bounded
// in-process queue.
package async

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

// Job is one document-processing request with the caller's field selection.
type Job struct {
	DocumentID uuid.UUID
	Fields     []string
}

type processor interface {
	ProcessDocument(ctx context.Context, documentID uuid.UUID, fields []string) error
}

// DocumentQueue fans jobs out to a fixed worker pool. Each job runs under
// its own timeout so one stuck document cannot wedge a worker forever.
type DocumentQueue struct {
	proc    processor
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch      chan Job
	wg      sync.WaitGroup
	senders sync.WaitGroup
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*DocumentQueue)

func WithWorkers(n int) Option {
	return func(q *DocumentQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *DocumentQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *DocumentQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewDocumentQueue(proc processor, logger *slog.Logger, opts ...Option) *DocumentQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &DocumentQueue{
		proc:    proc,
		logger:  logger,
		workers: 2,
		timeout: time.Hour,
		ch:      make(chan Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *DocumentQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("queue worker started", "worker_id", workerID)

				for job := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.proc.ProcessDocument(ctx, job.DocumentID, job.Fields)
					cancel()

					if err != nil {
						q.logger.Error("document processing failed", "worker_id", workerID, "document_id", job.DocumentID, "error", err)
					} else {
						q.logger.Info("document processed", "worker_id", workerID, "document_id", job.DocumentID)
					}
				}

				q.logger.Info("queue worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue hands off a job. A full channel blocks the caller rather than
// dropping work; after Shutdown the job is discarded with a warning. The
// blocking send happens outside the mutex so a backed-up queue cannot stall
// Shutdown; the senders group keeps Shutdown from closing the channel under
// an in-flight send.
func (q *DocumentQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "document_id", job.DocumentID)
		return nil
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.ch <- job:
		q.logger.Info("queued document for processing", "document_id", job.DocumentID)
	default:
		q.logger.Warn("queue full, applying backpressure", "document_id", job.DocumentID)
		q.ch <- job
	}
	return nil
}

// Shutdown stops intake and waits for in-flight jobs until ctx expires.
func (q *DocumentQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.senders.Wait()
	close(q.ch)

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-done:
		q.logger.Info("queue drained")
	case <-ctx.Done():
		q.logger.Warn("queue shutdown timed out before draining", "error", ctx.Err())
	}
}
