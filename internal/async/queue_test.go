package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProcessor struct {
	mu        sync.Mutex
	processed map[uuid.UUID][]string
	done      chan struct{}
}

func newCountingProcessor(expected int) *countingProcessor {
	return &countingProcessor{
		processed: make(map[uuid.UUID][]string),
		done:      make(chan struct{}, expected),
	}
}

func (p *countingProcessor) ProcessDocument(ctx context.Context, documentID uuid.UUID, fields []string) error {
	p.mu.Lock()
	p.processed[documentID] = fields
	p.mu.Unlock()
	p.done <- struct{}{}
	return nil
}

func waitForJobs(t *testing.T, p *countingProcessor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestQueueProcessesJobs(t *testing.T) {
	proc := newCountingProcessor(3)
	q := NewDocumentQueue(proc, nil, WithWorkers(2), WithQueueSize(8))
	defer q.Shutdown(context.Background())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: id, Fields: []string{"vendor"}}))
	}
	waitForJobs(t, proc, 3)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, []string{"vendor"}, proc.processed[id])
	}
}

// A blocked Enqueue on a full queue must not hold the lock Shutdown needs.
func TestQueueShutdownNotBlockedByFullQueue(t *testing.T) {
	release := make(chan struct{})
	proc := newCountingProcessor(3)
	slow := &gatedProcessor{inner: proc, release: release}
	q := NewDocumentQueue(slow, nil, WithWorkers(1), WithQueueSize(1))

	// First job occupies the worker, second fills the channel, third blocks
	// inside Enqueue on the send.
	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New(), Fields: []string{"vendor"}}))
	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New(), Fields: []string{"vendor"}}))
	enqueued := make(chan struct{})
	go func() {
		defer close(enqueued)
		_ = q.Enqueue(context.Background(), Job{DocumentID: uuid.New(), Fields: []string{"vendor"}})
	}()
	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		q.Shutdown(context.Background())
	}()

	close(release)

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked behind a pending enqueue")
	}
	<-enqueued
	waitForJobs(t, proc, 3)
}

type gatedProcessor struct {
	inner   *countingProcessor
	release chan struct{}
}

func (p *gatedProcessor) ProcessDocument(ctx context.Context, documentID uuid.UUID, fields []string) error {
	<-p.release
	return p.inner.ProcessDocument(ctx, documentID, fields)
}

func TestQueueShutdownDrains(t *testing.T) {
	proc := newCountingProcessor(2)
	q := NewDocumentQueue(proc, nil, WithWorkers(1), WithQueueSize(8))

	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New(), Fields: []string{"vendor"}}))
	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New(), Fields: []string{"vendor"}}))

	q.Shutdown(context.Background())
	waitForJobs(t, proc, 2)

	// Enqueue after shutdown is a logged no-op, not a panic.
	require.NoError(t, q.Enqueue(context.Background(), Job{DocumentID: uuid.New()}))
	// Repeated shutdown is safe.
	q.Shutdown(context.Background())
}
