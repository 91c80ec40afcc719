package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"docflow/internal/models"
)

type LogRepo struct {
	db *DB
}

func NewLogRepo(db *DB) *LogRepo {
	return &LogRepo{db: db}
}

// Append inserts one immutable processing-log entry.
func (r *LogRepo) Append(ctx context.Context, entry *models.ProcessingLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Level == "" {
		entry.Level = models.LevelInfo
	}
	var meta []byte
	if entry.Metadata != nil {
		var err error
		meta, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode log metadata: %w", err)
		}
	}
	var tier *string
	if entry.Tier != "" {
		t := string(entry.Tier)
		tier = &t
	}
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO processing_logs (id, document_id, segment_id, action, level, message, extraction_tier, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.DocumentID, entry.SegmentID, entry.Action, entry.Level, entry.Message, tier, meta,
	)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

// ListByDocument returns log entries for a document in insertion order,
// optionally filtered to a minimum severity.
func (r *LogRepo) ListByDocument(ctx context.Context, documentID uuid.UUID, minLevel string) ([]*models.ProcessingLogEntry, error) {
	query := `
SELECT id, document_id, segment_id, action, level, message, extraction_tier, metadata, created_at
FROM processing_logs WHERE document_id = $1`
	args := []any{documentID}
	switch minLevel {
	case models.LevelWarning:
		query += ` AND level IN ('WARNING', 'ERROR')`
	case models.LevelError:
		query += ` AND level = 'ERROR'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", documentID, err)
	}
	defer rows.Close()

	out := make([]*models.ProcessingLogEntry, 0, 32)
	for rows.Next() {
		var e models.ProcessingLogEntry
		var tier *string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.SegmentID, &e.Action, &e.Level,
			&e.Message, &tier, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if tier != nil {
			e.Tier = models.ExtractionTier(*tier)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs for %s: %w", documentID, err)
	}
	return out, nil
}
