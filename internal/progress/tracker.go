// Package progress answers point-in-time queries about a document's
// processing state without touching the processing pipeline itself.
package progress

import (
	"context"
	"time"

	"github.com/google/uuid"

	"docflow/internal/models"
)

type documentStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

type metricsStore interface {
	Get(ctx context.Context, documentID uuid.UUID) (*models.ProcessingMetrics, error)
}

type logStore interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID, minLevel string) ([]*models.ProcessingLogEntry, error)
}

// Snapshot is one consistent view of a document's progress, safe to serve
// while processing is still running.
type Snapshot struct {
	DocumentID        uuid.UUID             `json:"document_id"`
	Status            models.DocumentStatus `json:"status"`
	TotalSegments     int                   `json:"total_segments"`
	CompletedSegments int                   `json:"completed_segments"`
	FailedSegments    int                   `json:"failed_segments"`
	PercentComplete   float64               `json:"percent_complete"`
	AvgSegmentMS      float64               `json:"avg_segment_ms"`
	EstimatedDone     *time.Time            `json:"estimated_done,omitempty"`
	ActualDone        *time.Time            `json:"actual_done,omitempty"`
	HasFailures       bool                  `json:"has_failures"`
	IsComplete        bool                  `json:"is_complete"`
	ErrorMessage      string                `json:"error_message,omitempty"`
}

// Tracker reads documents, metrics, and logs for progress queries.
type Tracker struct {
	docs       documentStore
	metrics    metricsStore
	logs       logStore
	maxWorkers int
	now        func() time.Time
}

func NewTracker(docs documentStore, metrics metricsStore, logs logStore, maxWorkers int) *Tracker {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Tracker{docs: docs, metrics: metrics, logs: logs, maxWorkers: maxWorkers, now: time.Now}
}

// Snapshot builds the current progress view. A document without a metrics
// row yet (not segmented) reports zero counts rather than an error.
func (t *Tracker) Snapshot(ctx context.Context, documentID uuid.UUID) (*Snapshot, error) {
	doc, err := t.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		DocumentID:   doc.ID,
		Status:       doc.Status,
		ErrorMessage: doc.ErrorMessage,
	}

	m, err := t.metrics.Get(ctx, documentID)
	if err != nil || m == nil {
		return snap, nil
	}

	snap.TotalSegments = m.TotalSegments
	snap.CompletedSegments = m.CompletedSegments
	snap.FailedSegments = m.FailedSegments
	snap.AvgSegmentMS = m.AvgSegmentMS
	snap.HasFailures = m.HasFailures
	snap.IsComplete = m.IsComplete
	snap.ActualDone = m.ActualDone
	if m.TotalSegments > 0 {
		terminal := m.CompletedSegments + m.FailedSegments
		snap.PercentComplete = 100 * float64(terminal) / float64(m.TotalSegments)
	}
	snap.EstimatedDone = t.estimate(m)
	return snap, nil
}

// estimate projects completion from the remaining segment count and the
// observed average latency, assuming full worker occupancy. Nil when the
// run is done or no latency history exists yet.
func (t *Tracker) estimate(m *models.ProcessingMetrics) *time.Time {
	if m.IsComplete || m.AvgSegmentMS <= 0 {
		return nil
	}
	remaining := m.TotalSegments - m.CompletedSegments - m.FailedSegments
	if remaining <= 0 {
		return nil
	}
	waves := (remaining + t.maxWorkers - 1) / t.maxWorkers
	eta := t.now().Add(time.Duration(float64(waves)*m.AvgSegmentMS) * time.Millisecond)
	return &eta
}

// Logs returns the document's audit trail filtered to minLevel and above.
func (t *Tracker) Logs(ctx context.Context, documentID uuid.UUID, minLevel string) ([]*models.ProcessingLogEntry, error) {
	return t.logs.ListByDocument(ctx, documentID, minLevel)
}
