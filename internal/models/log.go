package models

import (
	"time"

	"github.com/google/uuid"
)

// Log severity levels for processing events.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Actions recorded in the processing log.
const (
	ActionSegmentationStart    = "SEGMENTATION_START"
	ActionSegmentationComplete = "SEGMENTATION_COMPLETE"
	ActionSegmentCreated       = "SEGMENT_CREATED"
	ActionExtractionAttempt    = "EXTRACTION_ATTEMPT"
	ActionExtractionSuccess    = "EXTRACTION_SUCCESS"
	ActionExtractionFailed     = "EXTRACTION_FAILED"
	ActionFallbackUsed         = "FALLBACK_USED"
	ActionSegmentRetry         = "SEGMENT_RETRY"
	ActionProcessingStart      = "PROCESSING_START"
	ActionProcessingComplete   = "PROCESSING_COMPLETE"
)

// ProcessingLogEntry is an append-only audit record of one processing event.
// Entries are written once and never mutated.
type ProcessingLogEntry struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	SegmentID  *uuid.UUID
	Action     string
	Level      string
	Message    string
	Tier       ExtractionTier
	Metadata   map[string]any
	CreatedAt  time.Time
}
