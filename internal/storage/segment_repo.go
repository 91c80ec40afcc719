package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docflow/internal/models"
)

type SegmentRepo struct {
	db *DB
}

func NewSegmentRepo(db *DB) *SegmentRepo {
	return &SegmentRepo{db: db}
}

// CreateBatch inserts all segments for a document in one transaction, so a
// partially-segmented document is never visible.
func (r *SegmentRepo) CreateBatch(ctx context.Context, segments []*models.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx create segments: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, s := range segments {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.Status == "" {
			s.Status = models.SegmentPending
		}
		_, err := tx.Exec(ctx, `
INSERT INTO document_segments (id, document_id, sequence_number, start_page, end_page, page_count, filepath, file_size_mb, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID, s.DocumentID, s.SequenceNumber, s.StartPage, s.EndPage, s.PageCount,
			s.Filepath, s.FileSizeMB, s.Status,
		)
		if err != nil {
			return fmt.Errorf("insert segment %d of %s: %w", s.SequenceNumber, s.DocumentID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit segments tx: %w", err)
	}
	return nil
}

func (r *SegmentRepo) Get(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	row := r.db.Pool.QueryRow(ctx, segmentSelect+` WHERE id = $1`, id)
	return scanSegment(row)
}

// ListByDocument returns all segments for a document ordered by sequence
// number, which is the only ordering key the merge relies on.
func (r *SegmentRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Segment, error) {
	rows, err := r.db.Pool.Query(ctx, segmentSelect+`
 WHERE document_id = $1 ORDER BY sequence_number ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", documentID, err)
	}
	defer rows.Close()

	out := make([]*models.Segment, 0, 16)
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments for %s: %w", documentID, err)
	}
	return out, nil
}

// MarkProcessing transitions a PENDING or RETRYING segment to PROCESSING and
// persists the requested field list so a later explicit retry is
// self-contained. Every status write below guards on the transition table, so
// a stale worker can never clobber a row that already moved on.
func (r *SegmentRepo) MarkProcessing(ctx context.Context, id uuid.UUID, fields []string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode requested fields: %w", err)
	}
	now := time.Now().UTC()
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE document_segments
SET status = $2, requested_fields = $3, started_at = $4, error_message = ''
WHERE id = $1 AND status = ANY($5)`,
		id, models.SegmentProcessing, payload, now, transitionSources(models.SegmentProcessing))
	if err != nil {
		return fmt.Errorf("mark segment processing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark segment processing %s: illegal transition", id)
	}
	return nil
}

func (r *SegmentRepo) MarkCompleted(ctx context.Context, id uuid.UUID, data map[string]any, tier models.ExtractionTier, elapsedMS int64) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode extracted data: %w", err)
	}
	now := time.Now().UTC()
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE document_segments
SET status = $2, extracted_data = $3, extraction_tier = $4, processing_ms = $5, completed_at = $6
WHERE id = $1 AND status = ANY($7)`,
		id, models.SegmentCompleted, payload, tier, elapsedMS, now, transitionSources(models.SegmentCompleted))
	if err != nil {
		return fmt.Errorf("mark segment completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark segment completed %s: illegal transition", id)
	}
	return nil
}

func (r *SegmentRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsedMS int64) error {
	now := time.Now().UTC()
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE document_segments
SET status = $2, error_message = $3, extraction_tier = $4, processing_ms = $5, completed_at = $6
WHERE id = $1 AND status = ANY($7)`,
		id, models.SegmentFailed, errMsg, models.TierFailed, elapsedMS, now, transitionSources(models.SegmentFailed))
	if err != nil {
		return fmt.Errorf("mark segment failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark segment failed %s: illegal transition", id)
	}
	return nil
}

// ResetForRetry moves a FAILED segment to RETRYING. Only reachable via an
// explicit retry request; the worker then takes it RETRYING → PROCESSING.
func (r *SegmentRepo) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE document_segments
SET status = $2, error_message = '', extraction_tier = NULL, retry_count = retry_count + 1,
    started_at = NULL, completed_at = NULL
WHERE id = $1 AND status = $3`,
		id, models.SegmentRetrying, models.SegmentFailed)
	if err != nil {
		return fmt.Errorf("reset segment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reset segment %s: not in FAILED state", id)
	}
	return nil
}

func transitionSources(to models.SegmentStatus) []string {
	sources := models.SegmentTransitionSources(to)
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}

const segmentSelect = `
SELECT id, document_id, sequence_number, start_page, end_page, page_count, filepath, file_size_mb,
       status, extraction_tier, extracted_data, requested_fields, error_message, retry_count,
       processing_ms, created_at, started_at, completed_at
FROM document_segments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*models.Segment, error) {
	var s models.Segment
	var tier *string
	var data, fields []byte
	if err := row.Scan(&s.ID, &s.DocumentID, &s.SequenceNumber, &s.StartPage, &s.EndPage,
		&s.PageCount, &s.Filepath, &s.FileSizeMB, &s.Status, &tier, &data, &fields,
		&s.ErrorMessage, &s.RetryCount, &s.ProcessingMS, &s.CreatedAt, &s.StartedAt, &s.CompletedAt); err != nil {
		return nil, fmt.Errorf("scan segment: %w", err)
	}
	if tier != nil {
		s.ExtractionTier = models.ExtractionTier(*tier)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.ExtractedData); err != nil {
			return nil, fmt.Errorf("decode segment data %s: %w", s.ID, err)
		}
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &s.RequestedFields); err != nil {
			return nil, fmt.Errorf("decode segment fields %s: %w", s.ID, err)
		}
	}
	return &s, nil
}
