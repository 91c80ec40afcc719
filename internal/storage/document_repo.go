package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docflow/internal/models"
)

type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentPending
	}
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO documents (id, filename, filepath, status, page_count, file_size_mb, segmented, segment_size, total_segments, done_segments)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.Filename, doc.Filepath, doc.Status, doc.PageCount, doc.FileSizeMB,
		doc.Segmented, doc.SegmentSize, doc.TotalSegments, doc.DoneSegments,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepo) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	row := r.db.Pool.QueryRow(ctx, `
SELECT id, filename, filepath, status, page_count, file_size_mb, segmented, segment_size,
       total_segments, done_segments, extracted_data, error_message, uploaded_at, processed_at, updated_at
FROM documents WHERE id = $1`, id)

	var doc models.Document
	var extracted []byte
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.Filepath, &doc.Status, &doc.PageCount,
		&doc.FileSizeMB, &doc.Segmented, &doc.SegmentSize, &doc.TotalSegments, &doc.DoneSegments,
		&extracted, &doc.ErrorMessage, &doc.UploadedAt, &doc.ProcessedAt, &doc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if len(extracted) > 0 {
		if err := json.Unmarshal(extracted, &doc.ExtractedData); err != nil {
			return nil, fmt.Errorf("decode extracted data for %s: %w", id, err)
		}
	}
	return &doc, nil
}

// UpdateStatus moves the document to a new status, validating the transition
// table. The error message column is only written when errMsg is non-empty.
func (r *DocumentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, errMsg string) error {
	doc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != status && !doc.Status.CanTransition(status) {
		return fmt.Errorf("document %s: illegal transition %s -> %s", id, doc.Status, status)
	}
	if errMsg != "" {
		_, err = r.db.Pool.Exec(ctx,
			`UPDATE documents SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
			id, status, errMsg)
	} else {
		_, err = r.db.Pool.Exec(ctx,
			`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`,
			id, status)
	}
	if err != nil {
		return fmt.Errorf("update document status %s: %w", id, err)
	}
	return nil
}

// UpdateSegmentation records the Segmenter's decisions on the master row.
func (r *DocumentRepo) UpdateSegmentation(ctx context.Context, id uuid.UUID, pageCount int, sizeMB float64, segmented bool, segmentSize, totalSegments int) error {
	_, err := r.db.Pool.Exec(ctx, `
UPDATE documents
SET page_count = $2, file_size_mb = $3, segmented = $4, segment_size = $5, total_segments = $6, updated_at = now()
WHERE id = $1`,
		id, pageCount, sizeMB, segmented, segmentSize, totalSegments)
	if err != nil {
		return fmt.Errorf("update document segmentation %s: %w", id, err)
	}
	return nil
}

// SaveResult stores the merged extraction result and marks the document done.
func (r *DocumentRepo) SaveResult(ctx context.Context, id uuid.UUID, merged map[string]any, doneSegments int) error {
	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode merged result for %s: %w", id, err)
	}
	now := time.Now().UTC()
	_, err = r.db.Pool.Exec(ctx, `
UPDATE documents
SET extracted_data = $2, done_segments = $3, status = $4, processed_at = $5, updated_at = now()
WHERE id = $1`,
		id, payload, doneSegments, models.DocumentExtracted, now)
	if err != nil {
		return fmt.Errorf("save document result %s: %w", id, err)
	}
	return nil
}
