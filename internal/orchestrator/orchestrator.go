// Package orchestrator drives segments through extraction in bounded
// concurrent batches and folds the per-segment results into the document
// record.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docflow/internal/extract"
	"docflow/internal/models"
)

type documentStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, errMsg string) error
	SaveResult(ctx context.Context, id uuid.UUID, merged map[string]any, doneSegments int) error
}

type segmentStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Segment, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, fields []string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, data map[string]any, tier models.ExtractionTier, elapsedMS int64) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsedMS int64) error
	ResetForRetry(ctx context.Context, id uuid.UUID) error
}

type metricsStore interface {
	Upsert(ctx context.Context, m *models.ProcessingMetrics) error
	Get(ctx context.Context, documentID uuid.UUID) (*models.ProcessingMetrics, error)
}

type logStore interface {
	Append(ctx context.Context, entry *models.ProcessingLogEntry) error
}

type gateway interface {
	Extract(ctx context.Context, req extract.Request) (extract.Result, error)
}

type segmentCreator interface {
	CreateSegments(ctx context.Context, doc *models.Document, avgSegmentSeconds float64) ([]*models.Segment, error)
	Cleanup(ctx context.Context, documentID uuid.UUID) error
}

type Config struct {
	MaxWorkers  int
	MaxAttempts int
}

// Orchestrator processes documents segment by segment: segments are grouped
// into batches of at most MaxWorkers, a batch runs concurrently, and the
// next batch starts only after every segment of the previous one reached a
// terminal status.
type Orchestrator struct {
	docs      documentStore
	segments  segmentStore
	metrics   metricsStore
	logs      logStore
	gateway   gateway
	segmenter segmentCreator

	maxWorkers  int
	maxAttempts int

	// Overridable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	logger *slog.Logger
}

func New(docs documentStore, segments segmentStore, metrics metricsStore, logs logStore, gw gateway, segmenter segmentCreator, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		docs:        docs,
		segments:    segments,
		metrics:     metrics,
		logs:        logs,
		gateway:     gw,
		segmenter:   segmenter,
		maxWorkers:  cfg.MaxWorkers,
		maxAttempts: cfg.MaxAttempts,
		sleep:       sleepCtx,
		now:         time.Now,
		logger:      logger,
	}
}

// ProcessDocument segments the document if needed, runs every pending
// segment through the extraction gateway in batches, and saves the merged
// result. Already COMPLETED segments are left alone, so reprocessing after
// a partial run only touches the remainder. The document ends EXTRACTED
// when at least one segment completed, FAILED when none did.
func (o *Orchestrator) ProcessDocument(ctx context.Context, documentID uuid.UUID, fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("process document %s: requested field list is empty", documentID)
	}
	logCtx := o.logger.With("documentId", documentID)
	started := o.now()

	doc, err := o.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}

	segments, err := o.segmenter.CreateSegments(ctx, doc, o.recentSegmentSeconds(ctx, documentID))
	if err != nil {
		o.failDocument(ctx, logCtx, documentID, "segmentation failed", err)
		return err
	}

	if err := o.docs.UpdateStatus(ctx, documentID, models.DocumentProcessing, ""); err != nil {
		return err
	}
	o.appendLog(ctx, documentID, nil, models.ActionProcessingStart, models.LevelInfo,
		fmt.Sprintf("Processing %d segments with %d workers", len(segments), o.maxWorkers),
		map[string]any{"totalSegments": len(segments), "maxWorkers": o.maxWorkers, "fields": fields})

	work := pendingSegments(segments)
	logCtx.Info("Dispatching segments.", "total", len(segments), "pending", len(work))

	for start := 0; start < len(work); start += o.maxWorkers {
		end := start + o.maxWorkers
		if end > len(work) {
			end = len(work)
		}
		batch := work[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, seg := range batch {
			seg := seg
			g.Go(func() error {
				// A segment failure is recorded, never propagated: siblings
				// in the batch keep running.
				o.processSegment(gctx, seg, fields)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			o.failDocument(ctx, logCtx, documentID, "processing aborted", err)
			return err
		}

		if err := o.updateMetrics(ctx, documentID, started, false); err != nil {
			logCtx.Warn("Failed to update metrics after batch", "error", err)
		}
	}

	return o.finalize(ctx, logCtx, documentID, fields, started)
}

// finalize reloads the terminal segment states, merges, and settles the
// document status.
func (o *Orchestrator) finalize(ctx context.Context, logCtx *slog.Logger, documentID uuid.UUID, fields []string, started time.Time) error {
	segments, err := o.segments.ListByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	completed, failed := 0, 0
	for _, seg := range segments {
		switch seg.Status {
		case models.SegmentCompleted:
			completed++
		case models.SegmentFailed:
			failed++
		}
	}

	if err := o.updateMetrics(ctx, documentID, started, true); err != nil {
		logCtx.Warn("Failed to write final metrics", "error", err)
	}

	if completed == 0 {
		msg := fmt.Sprintf("no segments completed (%d failed)", failed)
		o.failDocument(ctx, logCtx, documentID, msg, nil)
		o.appendLog(ctx, documentID, nil, models.ActionProcessingComplete, models.LevelError, msg,
			map[string]any{"completed": completed, "failed": failed})
		return fmt.Errorf("process document %s: %s", documentID, msg)
	}

	merged := MergeSegmentResults(segments, fields)
	if err := o.docs.SaveResult(ctx, documentID, merged, completed); err != nil {
		return err
	}

	// Segment files are only disposable once nothing is left to retry.
	if failed == 0 {
		if err := o.segmenter.Cleanup(ctx, documentID); err != nil {
			logCtx.Warn("Failed to clean up segment files", "error", err)
		}
	}

	level := models.LevelInfo
	if failed > 0 {
		level = models.LevelWarning
	}
	o.appendLog(ctx, documentID, nil, models.ActionProcessingComplete, level,
		fmt.Sprintf("Extraction finished: %d completed, %d failed", completed, failed),
		map[string]any{"completed": completed, "failed": failed})
	logCtx.Info("Document processing complete.", "completed", completed, "failed", failed,
		"elapsed", o.now().Sub(started).String())
	return nil
}

// processSegment runs one segment through the gateway with bounded retries.
// All outcomes are persisted on the segment row.
func (o *Orchestrator) processSegment(ctx context.Context, seg *models.Segment, fields []string) {
	logCtx := o.logger.With("documentId", seg.DocumentID, "segmentId", seg.ID, "sequence", seg.SequenceNumber)
	segStart := o.now()

	if err := o.segments.MarkProcessing(ctx, seg.ID, fields); err != nil {
		logCtx.Error("Failed to mark segment processing", "error", err)
		return
	}

	var res extract.Result
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		o.appendLog(ctx, seg.DocumentID, &seg.ID, models.ActionExtractionAttempt, models.LevelInfo,
			fmt.Sprintf("Attempt %d/%d for segment %d", attempt, o.maxAttempts, seg.SequenceNumber),
			map[string]any{"attempt": attempt})

		var err error
		res, err = o.gateway.Extract(ctx, extract.Request{
			FilePath:  seg.Filepath,
			PageCount: seg.PageCount,
			Fields:    fields,
		})
		if err != nil {
			// Misuse of the gateway, not a backend failure. Not retried.
			o.recordFailure(ctx, logCtx, seg, err.Error(), segStart)
			return
		}
		if res.Tier != models.TierFailed {
			break
		}
		if attempt == o.maxAttempts {
			break
		}

		backoff := time.Duration(1<<attempt) * time.Second
		logCtx.Warn("All tiers failed, retrying segment", "attempt", attempt, "backoff", backoff.String(), "error", res.Err)
		if err := o.sleep(ctx, backoff); err != nil {
			o.recordFailure(ctx, logCtx, seg, err.Error(), segStart)
			return
		}
	}

	if res.Tier == models.TierFailed {
		msg := "extraction failed on all tiers"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		o.recordFailure(ctx, logCtx, seg, msg, segStart)
		return
	}

	elapsed := o.now().Sub(segStart).Milliseconds()
	if err := o.segments.MarkCompleted(ctx, seg.ID, res.Fields, res.Tier, elapsed); err != nil {
		logCtx.Error("Failed to mark segment completed", "error", err)
		return
	}
	if res.Tier == models.TierLLMFallback {
		o.appendLogTier(ctx, seg.DocumentID, &seg.ID, models.ActionFallbackUsed, models.LevelWarning,
			fmt.Sprintf("Segment %d extracted via language-model fallback", seg.SequenceNumber), res.Tier, nil)
	}
	o.appendLogTier(ctx, seg.DocumentID, &seg.ID, models.ActionExtractionSuccess, models.LevelInfo,
		fmt.Sprintf("Segment %d extracted in %dms", seg.SequenceNumber, elapsed), res.Tier,
		map[string]any{"elapsedMs": elapsed})
	logCtx.Info("Segment extracted.", "tier", res.Tier, "elapsedMs", elapsed)
}

func (o *Orchestrator) recordFailure(ctx context.Context, logCtx *slog.Logger, seg *models.Segment, msg string, segStart time.Time) {
	elapsed := o.now().Sub(segStart).Milliseconds()
	if err := o.segments.MarkFailed(ctx, seg.ID, msg, elapsed); err != nil {
		logCtx.Error("Failed to mark segment failed", "error", err)
	}
	o.appendLog(ctx, seg.DocumentID, &seg.ID, models.ActionExtractionFailed, models.LevelError,
		fmt.Sprintf("Segment %d failed: %s", seg.SequenceNumber, msg), map[string]any{"elapsedMs": elapsed})
	logCtx.Error("Segment failed.", "error", msg, "elapsedMs", elapsed)
}

// updateMetrics recomputes the document's metrics row from segment state.
// Called once per batch, and once more with final=true after the last one.
func (o *Orchestrator) updateMetrics(ctx context.Context, documentID uuid.UUID, started time.Time, final bool) error {
	segments, err := o.segments.ListByDocument(ctx, documentID)
	if err != nil {
		return err
	}

	m := &models.ProcessingMetrics{DocumentID: documentID}
	var completedMS int64
	for _, seg := range segments {
		m.TotalSegments++
		m.TotalPages += seg.PageCount
		switch seg.Status {
		case models.SegmentCompleted:
			m.CompletedSegments++
			m.ProcessedPages += seg.PageCount
			m.AddTierUse(seg.ExtractionTier)
			completedMS += seg.ProcessingMS
		case models.SegmentFailed:
			m.FailedSegments++
		}
	}
	if m.CompletedSegments > 0 {
		m.AvgSegmentMS = float64(completedMS) / float64(m.CompletedSegments)
	}
	now := o.now()
	m.TotalProcessingMS = now.Sub(started).Milliseconds()
	m.HasFailures = m.FailedSegments > 0

	remaining := m.TotalSegments - m.CompletedSegments - m.FailedSegments
	if remaining > 0 && m.AvgSegmentMS > 0 {
		waves := (remaining + o.maxWorkers - 1) / o.maxWorkers
		eta := now.Add(time.Duration(float64(waves)*m.AvgSegmentMS) * time.Millisecond)
		m.EstimatedDone = &eta
	}
	if final {
		m.IsComplete = true
		m.ActualDone = &now
	}
	return o.metrics.Upsert(ctx, m)
}

// recentSegmentSeconds reads the last recorded average segment latency for
// sizing. Zero when no metrics row exists yet.
func (o *Orchestrator) recentSegmentSeconds(ctx context.Context, documentID uuid.UUID) float64 {
	m, err := o.metrics.Get(ctx, documentID)
	if err != nil || m == nil {
		return 0
	}
	return m.AvgSegmentMS / 1000
}

func (o *Orchestrator) failDocument(ctx context.Context, logCtx *slog.Logger, documentID uuid.UUID, message string, cause error) {
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	if err := o.docs.UpdateStatus(ctx, documentID, models.DocumentFailed, message); err != nil {
		logCtx.Error("Failed to update document status to FAILED", "error", err)
	}
	logCtx.Error("Document processing failed.", "error", message)
}

func (o *Orchestrator) appendLog(ctx context.Context, documentID uuid.UUID, segmentID *uuid.UUID, action, level, message string, metadata map[string]any) {
	o.appendLogTier(ctx, documentID, segmentID, action, level, message, "", metadata)
}

func (o *Orchestrator) appendLogTier(ctx context.Context, documentID uuid.UUID, segmentID *uuid.UUID, action, level, message string, tier models.ExtractionTier, metadata map[string]any) {
	entry := &models.ProcessingLogEntry{
		DocumentID: documentID,
		SegmentID:  segmentID,
		Action:     action,
		Level:      level,
		Message:    message,
		Tier:       tier,
		Metadata:   metadata,
	}
	if err := o.logs.Append(ctx, entry); err != nil {
		o.logger.Warn("Failed to append processing log entry", "documentId", documentID, "action", action, "error", err)
	}
}

// pendingSegments filters to segments that still need work, preserving
// sequence order.
func pendingSegments(segments []*models.Segment) []*models.Segment {
	out := make([]*models.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Status == models.SegmentPending || seg.Status == models.SegmentRetrying {
			out = append(out, seg)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
