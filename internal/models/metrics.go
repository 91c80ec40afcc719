package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingMetrics is the single per-document progress row. The orchestrator
// recomputes and upserts it once per batch, never per segment.
type ProcessingMetrics struct {
	DocumentID        uuid.UUID
	TotalPages        int
	TotalSegments     int
	ProcessedPages    int
	CompletedSegments int
	FailedSegments    int
	LibraryCount      int
	RemoteAPICount    int
	FallbackCount     int
	AvgSegmentMS      float64
	TotalProcessingMS int64
	IsComplete        bool
	HasFailures       bool
	EstimatedDone     *time.Time
	ActualDone        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AddTierUse bumps the usage counter for the tier that produced a segment.
func (m *ProcessingMetrics) AddTierUse(tier ExtractionTier) {
	switch tier {
	case TierLibrary:
		m.LibraryCount++
	case TierRemoteAPI:
		m.RemoteAPICount++
	case TierLLMFallback:
		m.FallbackCount++
	}
}
