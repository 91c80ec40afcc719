package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"docflow/internal/models"
)

type MetricsRepo struct {
	db *DB
}

func NewMetricsRepo(db *DB) *MetricsRepo {
	return &MetricsRepo{db: db}
}

// Upsert writes the whole metrics row. Exactly one row exists per document;
// the orchestrator is the only writer and updates it once per batch.
func (r *MetricsRepo) Upsert(ctx context.Context, m *models.ProcessingMetrics) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO processing_metrics (document_id, total_pages, total_segments, processed_pages,
    completed_segments, failed_segments, library_count, remote_api_count, fallback_count,
    avg_segment_ms, total_processing_ms, is_complete, has_failures, estimated_done, actual_done)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (document_id)
DO UPDATE SET
  total_pages = EXCLUDED.total_pages,
  total_segments = EXCLUDED.total_segments,
  processed_pages = EXCLUDED.processed_pages,
  completed_segments = EXCLUDED.completed_segments,
  failed_segments = EXCLUDED.failed_segments,
  library_count = EXCLUDED.library_count,
  remote_api_count = EXCLUDED.remote_api_count,
  fallback_count = EXCLUDED.fallback_count,
  avg_segment_ms = EXCLUDED.avg_segment_ms,
  total_processing_ms = EXCLUDED.total_processing_ms,
  is_complete = EXCLUDED.is_complete,
  has_failures = EXCLUDED.has_failures,
  estimated_done = EXCLUDED.estimated_done,
  actual_done = EXCLUDED.actual_done,
  updated_at = now()`,
		m.DocumentID, m.TotalPages, m.TotalSegments, m.ProcessedPages,
		m.CompletedSegments, m.FailedSegments, m.LibraryCount, m.RemoteAPICount, m.FallbackCount,
		m.AvgSegmentMS, m.TotalProcessingMS, m.IsComplete, m.HasFailures, m.EstimatedDone, m.ActualDone,
	)
	if err != nil {
		return fmt.Errorf("upsert metrics for %s: %w", m.DocumentID, err)
	}
	return nil
}

func (r *MetricsRepo) Get(ctx context.Context, documentID uuid.UUID) (*models.ProcessingMetrics, error) {
	row := r.db.Pool.QueryRow(ctx, `
SELECT document_id, total_pages, total_segments, processed_pages, completed_segments, failed_segments,
       library_count, remote_api_count, fallback_count, avg_segment_ms, total_processing_ms,
       is_complete, has_failures, estimated_done, actual_done, created_at, updated_at
FROM processing_metrics WHERE document_id = $1`, documentID)

	var m models.ProcessingMetrics
	if err := row.Scan(&m.DocumentID, &m.TotalPages, &m.TotalSegments, &m.ProcessedPages,
		&m.CompletedSegments, &m.FailedSegments, &m.LibraryCount, &m.RemoteAPICount, &m.FallbackCount,
		&m.AvgSegmentMS, &m.TotalProcessingMS, &m.IsComplete, &m.HasFailures,
		&m.EstimatedDone, &m.ActualDone, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get metrics for %s: %w", documentID, err)
	}
	return &m, nil
}
