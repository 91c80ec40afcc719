// Package segmenter partitions large PDFs into contiguous page-range
// sub-documents sized to stay under the extraction backends' page caps.
package segmenter

import "fmt"

// Thresholds controls when a document is segmented and how large each
// segment may be.
type Thresholds struct {
	LargeFileMB    float64 // segment when byte size exceeds this
	LargePageCount int     // or when page count exceeds this
	DefaultPages   int
	MinPages       int
	MaxPages       int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.LargeFileMB <= 0 {
		t.LargeFileMB = 50
	}
	if t.LargePageCount <= 0 {
		t.LargePageCount = 100
	}
	if t.DefaultPages <= 0 {
		t.DefaultPages = 40
	}
	if t.MinPages <= 0 {
		t.MinPages = 10
	}
	if t.MaxPages <= 0 {
		t.MaxPages = 45
	}
	return t
}

// NeedsSegmentation reports whether a document is large enough to split:
// either threshold alone is sufficient.
func (t Thresholds) NeedsSegmentation(sizeMB float64, pageCount int) bool {
	t = t.withDefaults()
	return sizeMB > t.LargeFileMB || pageCount > t.LargePageCount
}

// SegmentSize picks the page count per segment. It starts from the default
// and shrinks for page density (image-heavy documents carry more bytes per
// page, and the backends slow down accordingly) and for observed backend
// latency, then clamps to the [MinPages, MaxPages] safety band.
// avgSegmentSeconds is the recent mean wall time per segment; pass 0 when
// no history exists.
func (t Thresholds) SegmentSize(pageCount int, sizeMB float64, avgSegmentSeconds float64) int {
	t = t.withDefaults()
	size := t.DefaultPages

	if pageCount > 0 {
		density := sizeMB / float64(pageCount)
		switch {
		case density > 1.0:
			size = minInt(size, 15)
		case density > 0.5:
			size = minInt(size, 25)
		}
	}

	switch {
	case avgSegmentSeconds > 30:
		size = minInt(size, 15)
	case avgSegmentSeconds > 15:
		size = minInt(size, 25)
	}

	if size < t.MinPages {
		size = t.MinPages
	}
	if size > t.MaxPages {
		size = t.MaxPages
	}
	return size
}

// PageRange is one contiguous, inclusive page span.
type PageRange struct {
	Start int
	End   int
}

func (r PageRange) Pages() int { return r.End - r.Start + 1 }

// String renders the range in pdfcpu page-selection syntax.
func (r PageRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// Partition splits [1, totalPages] into consecutive ranges of pagesPer
// pages; the last range may be shorter. The union of the result always
// covers every page exactly once.
func Partition(totalPages, pagesPer int) []PageRange {
	if totalPages <= 0 {
		return nil
	}
	if pagesPer <= 0 {
		pagesPer = totalPages
	}
	ranges := make([]PageRange, 0, (totalPages+pagesPer-1)/pagesPer)
	for start := 1; start <= totalPages; start += pagesPer {
		end := start + pagesPer - 1
		if end > totalPages {
			end = totalPages
		}
		ranges = append(ranges, PageRange{Start: start, End: end})
	}
	return ranges
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
