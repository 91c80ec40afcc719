package models

import (
	"time"

	"github.com/google/uuid"
)

// SegmentStatus is the per-segment state machine:
// PENDING → PROCESSING → {COMPLETED | FAILED}; FAILED → RETRYING only via an
// explicit retry request, never automatically.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "PENDING"
	SegmentProcessing SegmentStatus = "PROCESSING"
	SegmentCompleted  SegmentStatus = "COMPLETED"
	SegmentFailed     SegmentStatus = "FAILED"
	SegmentRetrying   SegmentStatus = "RETRYING"
)

// ExtractionTier identifies which capability produced a segment's data.
type ExtractionTier string

const (
	TierLibrary     ExtractionTier = "LIBRARY"
	TierRemoteAPI   ExtractionTier = "REMOTE_API"
	TierLLMFallback ExtractionTier = "LLM_FALLBACK"
	TierFailed      ExtractionTier = "FAILED"
)

// Segment is one contiguous page range of a document, written out as an
// independent PDF and processed on its own.
type Segment struct {
	ID              uuid.UUID
	DocumentID      uuid.UUID
	SequenceNumber  int // 1-based, strictly increasing
	StartPage       int
	EndPage         int
	PageCount       int
	Filepath        string
	FileSizeMB      float64
	Status          SegmentStatus
	ExtractionTier  ExtractionTier
	ExtractedData   map[string]any
	RequestedFields []string
	ErrorMessage    string
	RetryCount      int
	ProcessingMS    int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

var segmentTransitions = map[SegmentStatus][]SegmentStatus{
	SegmentPending:    {SegmentProcessing},
	SegmentProcessing: {SegmentCompleted, SegmentFailed},
	SegmentFailed:     {SegmentRetrying, SegmentPending},
	SegmentRetrying:   {SegmentPending, SegmentProcessing},
}

func (s SegmentStatus) CanTransition(to SegmentStatus) bool {
	for _, allowed := range segmentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SegmentTransitionSources returns every status allowed to move to target.
// Status writes use it as a guard so a stale caller can never overwrite a
// row that already moved on.
func SegmentTransitionSources(to SegmentStatus) []SegmentStatus {
	out := make([]SegmentStatus, 0, 2)
	for _, from := range []SegmentStatus{SegmentPending, SegmentProcessing, SegmentCompleted, SegmentFailed, SegmentRetrying} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether the segment needs no further work in the current
// processing run.
func (s SegmentStatus) Terminal() bool {
	return s == SegmentCompleted || s == SegmentFailed
}
