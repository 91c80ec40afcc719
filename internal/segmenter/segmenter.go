package segmenter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docflow/internal/models"
)

type documentStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, errMsg string) error
	UpdateSegmentation(ctx context.Context, id uuid.UUID, pageCount int, sizeMB float64, segmented bool, segmentSize, totalSegments int) error
}

type segmentStore interface {
	CreateBatch(ctx context.Context, segments []*models.Segment) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Segment, error)
}

type metricsStore interface {
	Upsert(ctx context.Context, m *models.ProcessingMetrics) error
}

type logStore interface {
	Append(ctx context.Context, entry *models.ProcessingLogEntry) error
}

// Segmenter writes page-range sub-documents for large PDFs and records the
// matching segment rows. One instance per process.
type Segmenter struct {
	docs       documentStore
	segments   segmentStore
	metrics    metricsStore
	logs       logStore
	dir        string
	thresholds Thresholds
	logger     *slog.Logger
}

func New(docs documentStore, segments segmentStore, metrics metricsStore, logs logStore, dir string, thresholds Thresholds, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		docs:       docs,
		segments:   segments,
		metrics:    metrics,
		logs:       logs,
		dir:        dir,
		thresholds: thresholds.withDefaults(),
		logger:     logger,
	}
}

// ShouldSegment reads the document's byte size and page count and reports
// whether it crosses either large-document threshold.
func (s *Segmenter) ShouldSegment(path string) (bool, int, float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to open document: %w", err)
	}
	sizeMB := float64(info.Size()) / (1 << 20)

	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to read page count: %w", err)
	}
	return s.thresholds.NeedsSegmentation(sizeMB, pageCount), pageCount, sizeMB, nil
}

// CreateSegments partitions the document into PENDING segment rows with one
// written PDF per range, initializes the document's metrics row, and flips
// the segmented flag. Documents under both thresholds get a single
// passthrough segment pointing at the original file, so downstream
// processing is uniform. Idempotent: a document already flagged as
// segmented returns its existing segment list untouched.
//
// avgSegmentSeconds is recent per-segment wall time used to shrink the
// segment size; pass 0 when no history exists.
func (s *Segmenter) CreateSegments(ctx context.Context, doc *models.Document, avgSegmentSeconds float64) ([]*models.Segment, error) {
	logCtx := s.logger.With("documentId", doc.ID)

	if doc.Segmented {
		logCtx.Info("Document already segmented. Reusing existing segments.")
		return s.segments.ListByDocument(ctx, doc.ID)
	}

	if err := s.docs.UpdateStatus(ctx, doc.ID, models.DocumentSegmenting, ""); err != nil {
		return nil, err
	}

	needs, pageCount, sizeMB, err := s.ShouldSegment(doc.Filepath)
	if err != nil {
		logCtx.Error("Failed to inspect document", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("pageCount", pageCount, "sizeMB", fmt.Sprintf("%.2f", sizeMB))

	s.appendLog(ctx, doc.ID, nil, models.ActionSegmentationStart, models.LevelInfo,
		fmt.Sprintf("Segmenting %d pages (%.2f MB)", pageCount, sizeMB),
		map[string]any{"pageCount": pageCount, "sizeMB": sizeMB, "needsSegmentation": needs})

	var (
		created     []*models.Segment
		segmentSize int
	)
	if needs {
		segmentSize = s.thresholds.SegmentSize(pageCount, sizeMB, avgSegmentSeconds)
		created, err = s.writeSegments(ctx, doc, pageCount, segmentSize)
		if err != nil {
			logCtx.Error("Failed to write segment files", "error", err)
			return nil, err
		}
	} else {
		// Small document: one passthrough segment over the original file.
		segmentSize = pageCount
		created = []*models.Segment{{
			ID:             uuid.New(),
			DocumentID:     doc.ID,
			SequenceNumber: 1,
			StartPage:      1,
			EndPage:        pageCount,
			PageCount:      pageCount,
			Filepath:       doc.Filepath,
			FileSizeMB:     sizeMB,
			Status:         models.SegmentPending,
		}}
	}

	if err := s.segments.CreateBatch(ctx, created); err != nil {
		logCtx.Error("Failed to persist segment records", "error", err)
		return nil, fmt.Errorf("failed to persist segments: %w", err)
	}
	for _, seg := range created {
		segID := seg.ID
		s.appendLog(ctx, doc.ID, &segID, models.ActionSegmentCreated, models.LevelInfo,
			fmt.Sprintf("Segment %d covers pages %d-%d", seg.SequenceNumber, seg.StartPage, seg.EndPage),
			map[string]any{"sequenceNumber": seg.SequenceNumber, "pages": seg.PageCount})
	}

	if err := s.docs.UpdateSegmentation(ctx, doc.ID, pageCount, sizeMB, true, segmentSize, len(created)); err != nil {
		return nil, err
	}
	if err := s.metrics.Upsert(ctx, &models.ProcessingMetrics{
		DocumentID:    doc.ID,
		TotalPages:    pageCount,
		TotalSegments: len(created),
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	s.appendLog(ctx, doc.ID, nil, models.ActionSegmentationComplete, models.LevelInfo,
		fmt.Sprintf("Created %d segments of up to %d pages", len(created), segmentSize),
		map[string]any{"totalSegments": len(created), "segmentSize": segmentSize})
	logCtx.Info("Segmentation complete.", "totalSegments", len(created), "segmentSize", segmentSize)
	return created, nil
}

// writeSegments optimizes the source once, then trims one PDF per page
// range into the segments directory.
func (s *Segmenter) writeSegments(ctx context.Context, doc *models.Document, pageCount, segmentSize int) ([]*models.Segment, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segments directory: %w", err)
	}

	optimized := filepath.Join(s.dir, fmt.Sprintf("doc_%s_optimized.pdf", doc.ID))
	if err := optimizePDF(doc.Filepath, optimized); err != nil {
		return nil, fmt.Errorf("failed to optimize PDF: %w", err)
	}
	defer os.Remove(optimized)

	ranges := Partition(pageCount, segmentSize)
	segments := make([]*models.Segment, 0, len(ranges))
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outPath := filepath.Join(s.dir, fmt.Sprintf("doc_%s_seg_%03d.pdf", doc.ID, i+1))
		if err := trimPDF(optimized, outPath, r); err != nil {
			return nil, fmt.Errorf("failed to write segment %d (%s): %w", i+1, r, err)
		}
		info, err := os.Stat(outPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %d: %w", i+1, err)
		}
		segments = append(segments, &models.Segment{
			ID:             uuid.New(),
			DocumentID:     doc.ID,
			SequenceNumber: i + 1,
			StartPage:      r.Start,
			EndPage:        r.End,
			PageCount:      r.Pages(),
			Filepath:       outPath,
			FileSizeMB:     float64(info.Size()) / (1 << 20),
			Status:         models.SegmentPending,
		})
	}
	return segments, nil
}

// Cleanup deletes the physical segment files written for a document.
// Segment rows are kept; passthrough segments pointing at the original
// upload are never deleted. Safe to call repeatedly.
func (s *Segmenter) Cleanup(ctx context.Context, documentID uuid.UUID) error {
	segments, err := s.segments.ListByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	prefix := filepath.Clean(s.dir) + string(filepath.Separator)
	removed := 0
	for _, seg := range segments {
		if !strings.HasPrefix(filepath.Clean(seg.Filepath), prefix) {
			continue
		}
		if err := os.Remove(seg.Filepath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to remove segment file %s: %w", seg.Filepath, err)
		}
		removed++
	}
	s.logger.Info("Cleaned up segment files.", "documentId", documentID, "removed", removed)
	return nil
}

// appendLog records an audit entry; persistence failures are logged but do
// not abort the segmentation.
func (s *Segmenter) appendLog(ctx context.Context, documentID uuid.UUID, segmentID *uuid.UUID, action, level, message string, metadata map[string]any) {
	entry := &models.ProcessingLogEntry{
		DocumentID: documentID,
		SegmentID:  segmentID,
		Action:     action,
		Level:      level,
		Message:    message,
		Metadata:   metadata,
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Warn("Failed to append processing log entry", "documentId", documentID, "action", action, "error", err)
	}
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

func trimPDF(inPath, outPath string, r PageRange) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.TrimFile(inPath, outPath, []string{r.String()}, cfg)
}
