package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document through the processing lifecycle.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentSegmenting DocumentStatus = "SEGMENTING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentExtracted  DocumentStatus = "EXTRACTED"
	DocumentFailed     DocumentStatus = "FAILED"
)

// Document is the master record for one uploaded PDF.
type Document struct {
	ID            uuid.UUID
	Filename      string
	Filepath      string
	Status        DocumentStatus
	PageCount     int
	FileSizeMB    float64
	Segmented     bool
	SegmentSize   int
	TotalSegments int
	DoneSegments  int
	ExtractedData map[string]any
	ErrorMessage  string
	UploadedAt    time.Time
	ProcessedAt   *time.Time
	UpdatedAt     time.Time
}

var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentPending:    {DocumentSegmenting, DocumentProcessing, DocumentFailed},
	DocumentSegmenting: {DocumentProcessing, DocumentFailed},
	DocumentProcessing: {DocumentExtracted, DocumentFailed},
	DocumentExtracted:  {DocumentProcessing},
	DocumentFailed:     {DocumentProcessing},
}

// CanTransition reports whether moving a document from one status to another
// is allowed. All status writes go through this table rather than ad hoc
// string comparisons at call sites.
func (s DocumentStatus) CanTransition(to DocumentStatus) bool {
	for _, allowed := range documentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
