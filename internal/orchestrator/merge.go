package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"docflow/internal/models"
)

// MergeSegmentResults folds the extracted data of COMPLETED segments into
// one document-level map. Each requested field becomes an ordered list of
// its distinct values: segments contribute in sequence-number order, and
// within the same field the first occurrence of a value wins. Scalars and
// arrays merge the same way, so a field seen once per segment still
// de-duplicates across segments. Merging is deterministic for a given
// segment set regardless of which segment finished first in wall time.
func MergeSegmentResults(segments []*models.Segment, fields []string) map[string]any {
	ordered := make([]*models.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SequenceNumber < ordered[j].SequenceNumber
	})

	merged := make(map[string]any, len(fields))
	for _, field := range fields {
		values := []any{}
		seen := make(map[string]struct{})
		for _, seg := range ordered {
			if seg.Status != models.SegmentCompleted || seg.ExtractedData == nil {
				continue
			}
			appendDistinct(&values, seen, seg.ExtractedData[field])
		}
		merged[field] = values
	}
	return merged
}

// CollectRecords flattens structured record lists held under one field into
// a single sequence-ordered list. Unlike MergeSegmentResults it never
// de-duplicates: two identical line items on different pages are two
// records. Returns the flat list and its count.
func CollectRecords(segments []*models.Segment, field string) ([]any, int) {
	ordered := make([]*models.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SequenceNumber < ordered[j].SequenceNumber
	})

	records := []any{}
	for _, seg := range ordered {
		if seg.Status != models.SegmentCompleted || seg.ExtractedData == nil {
			continue
		}
		switch v := seg.ExtractedData[field].(type) {
		case nil:
		case []any:
			records = append(records, v...)
		default:
			records = append(records, v)
		}
	}
	return records, len(records)
}

// appendDistinct flattens one segment's value for a field into the merged
// list, skipping nulls, blank strings, and values already present.
func appendDistinct(values *[]any, seen map[string]struct{}, v any) {
	switch val := v.(type) {
	case nil:
	case []any:
		for _, item := range val {
			appendDistinct(values, seen, item)
		}
	case []string:
		for _, item := range val {
			appendDistinct(values, seen, item)
		}
	case string:
		if strings.TrimSpace(val) == "" {
			return
		}
		addIfNew(values, seen, val, val)
	default:
		addIfNew(values, seen, fmt.Sprintf("%v", val), val)
	}
}

func addIfNew(values *[]any, seen map[string]struct{}, key string, v any) {
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}
	*values = append(*values, v)
}
