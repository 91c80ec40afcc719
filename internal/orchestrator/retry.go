package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docflow/internal/models"
)

// RetrySegment reprocesses one FAILED segment on explicit request. The
// original field selection is read back from the segment row, so the caller
// does not have to re-supply it. After the segment settles, the document's
// merged result and metrics are recomputed.
func (o *Orchestrator) RetrySegment(ctx context.Context, segmentID uuid.UUID) error {
	seg, err := o.segments.Get(ctx, segmentID)
	if err != nil {
		return err
	}
	logCtx := o.logger.With("documentId", seg.DocumentID, "segmentId", seg.ID)

	if seg.Status != models.SegmentFailed {
		return fmt.Errorf("retry segment %s: status is %s, only FAILED segments can be retried", segmentID, seg.Status)
	}
	if len(seg.RequestedFields) == 0 {
		return fmt.Errorf("retry segment %s: no recorded field selection", segmentID)
	}

	if err := o.segments.ResetForRetry(ctx, segmentID); err != nil {
		return err
	}
	o.appendLog(ctx, seg.DocumentID, &seg.ID, models.ActionSegmentRetry, models.LevelInfo,
		fmt.Sprintf("Retrying segment %d (retry #%d)", seg.SequenceNumber, seg.RetryCount+1),
		map[string]any{"retryCount": seg.RetryCount + 1})

	if err := o.docs.UpdateStatus(ctx, seg.DocumentID, models.DocumentProcessing, ""); err != nil {
		return err
	}

	// Back-date the reference point by the time already spent, so the
	// recomputed total accumulates across retries instead of resetting to
	// just the retry's wall time.
	started := o.now()
	if m, err := o.metrics.Get(ctx, seg.DocumentID); err == nil && m != nil {
		started = started.Add(-time.Duration(m.TotalProcessingMS) * time.Millisecond)
	}
	o.processSegment(ctx, seg, seg.RequestedFields)
	logCtx.Info("Segment retry finished.")

	return o.finalize(ctx, logCtx, seg.DocumentID, seg.RequestedFields, started)
}
