package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/extract"
	"docflow/internal/models"
)

// memStore is a shared in-memory backing for all store interfaces, safe for
// the concurrent batch workers.
type memStore struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]*models.Document
	segments map[uuid.UUID]*models.Segment
	metrics  map[uuid.UUID]*models.ProcessingMetrics
	logs     []*models.ProcessingLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		docs:     make(map[uuid.UUID]*models.Document),
		segments: make(map[uuid.UUID]*models.Segment),
		metrics:  make(map[uuid.UUID]*models.ProcessingMetrics),
	}
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	cp := *doc
	return &cp, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id].Status = status
	m.docs[id].ErrorMessage = errMsg
	return nil
}

func (m *memStore) SaveResult(ctx context.Context, id uuid.UUID, merged map[string]any, doneSegments int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[id]
	doc.Status = models.DocumentExtracted
	doc.ExtractedData = merged
	doc.DoneSegments = doneSegments
	return nil
}

type segmentStoreAdapter struct{ *memStore }

func (m segmentStoreAdapter) Get(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	if !ok {
		return nil, fmt.Errorf("segment %s not found", id)
	}
	cp := *seg
	return &cp, nil
}

func (m segmentStoreAdapter) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Segment
	for _, seg := range m.segments {
		if seg.DocumentID == documentID {
			cp := *seg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// transition mirrors the repo's status-guarded writes: an update whose source
// status is not allowed to move to the target is rejected.
func (m segmentStoreAdapter) transition(seg *models.Segment, to models.SegmentStatus) error {
	if !seg.Status.CanTransition(to) {
		return fmt.Errorf("segment %s: illegal transition %s -> %s", seg.ID, seg.Status, to)
	}
	seg.Status = to
	return nil
}

func (m segmentStoreAdapter) MarkProcessing(ctx context.Context, id uuid.UUID, fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segments[id]
	if err := m.transition(seg, models.SegmentProcessing); err != nil {
		return err
	}
	seg.RequestedFields = fields
	return nil
}

func (m segmentStoreAdapter) MarkCompleted(ctx context.Context, id uuid.UUID, data map[string]any, tier models.ExtractionTier, elapsedMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segments[id]
	if err := m.transition(seg, models.SegmentCompleted); err != nil {
		return err
	}
	seg.ExtractedData = data
	seg.ExtractionTier = tier
	seg.ProcessingMS = elapsedMS
	return nil
}

func (m segmentStoreAdapter) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, elapsedMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segments[id]
	if err := m.transition(seg, models.SegmentFailed); err != nil {
		return err
	}
	seg.ErrorMessage = errMsg
	seg.ExtractionTier = models.TierFailed
	seg.ProcessingMS = elapsedMS
	return nil
}

func (m segmentStoreAdapter) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segments[id]
	if seg.Status != models.SegmentFailed {
		return fmt.Errorf("segment %s is not FAILED", id)
	}
	seg.Status = models.SegmentRetrying
	seg.ErrorMessage = ""
	seg.RetryCount++
	return nil
}

func (m *memStore) Upsert(ctx context.Context, metrics *models.ProcessingMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *metrics
	m.metrics[metrics.DocumentID] = &cp
	return nil
}

func (m *memStore) GetMetrics(ctx context.Context, documentID uuid.UUID) (*models.ProcessingMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[documentID]
	if !ok {
		return nil, errors.New("no metrics row")
	}
	cp := *metrics
	return &cp, nil
}

type metricsStoreAdapter struct{ *memStore }

func (m metricsStoreAdapter) Get(ctx context.Context, documentID uuid.UUID) (*models.ProcessingMetrics, error) {
	return m.GetMetrics(ctx, documentID)
}

func (m *memStore) Append(ctx context.Context, entry *models.ProcessingLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

// stubGateway maps sequence-keyed file paths to canned results.
type stubGateway struct {
	mu      sync.Mutex
	results map[string]extract.Result
	calls   map[string]int
}

func (g *stubGateway) Extract(ctx context.Context, req extract.Request) (extract.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[req.FilePath]++
	res, ok := g.results[req.FilePath]
	if !ok {
		return extract.Result{Tier: models.TierFailed, Fields: extract.EmptyResult(req.Fields), Err: errors.New("no canned result")}, nil
	}
	return res, nil
}

// stubSegmenter returns the document's pre-seeded segments.
type stubSegmenter struct{ store segmentStoreAdapter }

func (s stubSegmenter) CreateSegments(ctx context.Context, doc *models.Document, avgSegmentSeconds float64) ([]*models.Segment, error) {
	return s.store.ListByDocument(ctx, doc.ID)
}

func (s stubSegmenter) Cleanup(ctx context.Context, documentID uuid.UUID) error { return nil }

func seedDocument(store *memStore, segmentCount int) (*models.Document, []*models.Segment) {
	doc := &models.Document{ID: uuid.New(), Status: models.DocumentPending, Segmented: true}
	store.docs[doc.ID] = doc
	segments := make([]*models.Segment, 0, segmentCount)
	for i := 1; i <= segmentCount; i++ {
		seg := &models.Segment{
			ID:             uuid.New(),
			DocumentID:     doc.ID,
			SequenceNumber: i,
			StartPage:      (i-1)*40 + 1,
			EndPage:        i * 40,
			PageCount:      40,
			Filepath:       fmt.Sprintf("seg_%03d.pdf", i),
			Status:         models.SegmentPending,
		}
		store.segments[seg.ID] = seg
		segments = append(segments, seg)
	}
	return doc, segments
}

func newTestOrchestrator(store *memStore, gw *stubGateway) *Orchestrator {
	segs := segmentStoreAdapter{store}
	o := New(store, segs, metricsStoreAdapter{store}, store, gw, stubSegmenter{segs}, Config{MaxWorkers: 2, MaxAttempts: 2}, nil)
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

func TestProcessDocumentAllSegmentsSucceed(t *testing.T) {
	store := newMemStore()
	doc, _ := seedDocument(store, 3)
	gw := &stubGateway{results: map[string]extract.Result{
		"seg_001.pdf": {Tier: models.TierLibrary, Fields: map[string]any{"vendor": "Acme"}},
		"seg_002.pdf": {Tier: models.TierRemoteAPI, Fields: map[string]any{"vendor": "Acme"}},
		"seg_003.pdf": {Tier: models.TierLibrary, Fields: map[string]any{"vendor": "Beta"}},
	}}
	o := newTestOrchestrator(store, gw)

	require.NoError(t, o.ProcessDocument(context.Background(), doc.ID, []string{"vendor"}))

	got := store.docs[doc.ID]
	assert.Equal(t, models.DocumentExtracted, got.Status)
	assert.Equal(t, 3, got.DoneSegments)
	assert.Equal(t, []any{"Acme", "Beta"}, got.ExtractedData["vendor"])

	m := store.metrics[doc.ID]
	require.NotNil(t, m)
	assert.True(t, m.IsComplete)
	assert.False(t, m.HasFailures)
	assert.Equal(t, 2, m.LibraryCount)
	assert.Equal(t, 1, m.RemoteAPICount)
	assert.NotNil(t, m.ActualDone)
}

func TestProcessDocumentFailedSegmentIsolated(t *testing.T) {
	store := newMemStore()
	doc, segments := seedDocument(store, 3)
	gw := &stubGateway{results: map[string]extract.Result{
		"seg_001.pdf": {Tier: models.TierLibrary, Fields: map[string]any{"vendor": "Acme"}},
		// seg_002 has no canned result: fails on every attempt.
		"seg_003.pdf": {Tier: models.TierLibrary, Fields: map[string]any{"vendor": "Beta"}},
	}}
	o := newTestOrchestrator(store, gw)

	require.NoError(t, o.ProcessDocument(context.Background(), doc.ID, []string{"vendor"}))

	assert.Equal(t, models.SegmentCompleted, store.segments[segments[0].ID].Status)
	assert.Equal(t, models.SegmentFailed, store.segments[segments[1].ID].Status)
	assert.NotEmpty(t, store.segments[segments[1].ID].ErrorMessage)
	assert.Equal(t, models.SegmentCompleted, store.segments[segments[2].ID].Status)

	got := store.docs[doc.ID]
	assert.Equal(t, models.DocumentExtracted, got.Status, "partial results still extract the document")
	assert.Equal(t, 2, got.DoneSegments)
	assert.True(t, store.metrics[doc.ID].HasFailures)
}

func TestProcessDocumentRetriesBeforeFailing(t *testing.T) {
	store := newMemStore()
	doc, _ := seedDocument(store, 1)
	gw := &stubGateway{results: map[string]extract.Result{}}
	o := newTestOrchestrator(store, gw)

	err := o.ProcessDocument(context.Background(), doc.ID, []string{"vendor"})
	require.Error(t, err)
	assert.Equal(t, 2, gw.calls["seg_001.pdf"], "tier-exhausted segments get MaxAttempts tries")
}

func TestProcessDocumentZeroSuccessesFailsDocument(t *testing.T) {
	store := newMemStore()
	doc, _ := seedDocument(store, 2)
	gw := &stubGateway{results: map[string]extract.Result{}}
	o := newTestOrchestrator(store, gw)

	err := o.ProcessDocument(context.Background(), doc.ID, []string{"vendor"})
	require.Error(t, err)

	got := store.docs[doc.ID]
	assert.Equal(t, models.DocumentFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Nil(t, got.ExtractedData)
}

func TestProcessDocumentEmptyFieldList(t *testing.T) {
	store := newMemStore()
	doc, _ := seedDocument(store, 1)
	o := newTestOrchestrator(store, &stubGateway{})

	require.Error(t, o.ProcessDocument(context.Background(), doc.ID, nil))
}

func TestProcessDocumentSkipsCompletedSegments(t *testing.T) {
	store := newMemStore()
	doc, segments := seedDocument(store, 2)
	store.segments[segments[0].ID].Status = models.SegmentCompleted
	store.segments[segments[0].ID].ExtractedData = map[string]any{"vendor": "Acme"}
	store.segments[segments[0].ID].ExtractionTier = models.TierLibrary

	gw := &stubGateway{results: map[string]extract.Result{
		"seg_002.pdf": {Tier: models.TierLibrary, Fields: map[string]any{"vendor": "Beta"}},
	}}
	o := newTestOrchestrator(store, gw)

	require.NoError(t, o.ProcessDocument(context.Background(), doc.ID, []string{"vendor"}))
	assert.Zero(t, gw.calls["seg_001.pdf"], "terminal segments are not reprocessed")
	assert.Equal(t, 1, gw.calls["seg_002.pdf"])
}

func TestRetrySegment(t *testing.T) {
	store := newMemStore()
	doc, segments := seedDocument(store, 2)
	failed := store.segments[segments[0].ID]
	failed.Status = models.SegmentFailed
	failed.ErrorMessage = "all tiers exhausted"
	failed.RequestedFields = []string{"vendor"}
	other := store.segments[segments[1].ID]
	other.Status = models.SegmentCompleted
	other.ExtractedData = map[string]any{"vendor": "Beta"}
	other.ExtractionTier = models.TierLibrary
	store.docs[doc.ID].Status = models.DocumentExtracted

	gw := &stubGateway{results: map[string]extract.Result{
		"seg_001.pdf": {Tier: models.TierRemoteAPI, Fields: map[string]any{"vendor": "Acme"}},
	}}
	o := newTestOrchestrator(store, gw)

	require.NoError(t, o.RetrySegment(context.Background(), failed.ID))

	got := store.segments[failed.ID]
	assert.Equal(t, models.SegmentCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.TierRemoteAPI, got.ExtractionTier)

	docRow := store.docs[doc.ID]
	assert.Equal(t, models.DocumentExtracted, docRow.Status)
	assert.Equal(t, []any{"Acme", "Beta"}, docRow.ExtractedData["vendor"])
}

func TestMarkCompletedRejectsCompletedSegment(t *testing.T) {
	store := newMemStore()
	_, segments := seedDocument(store, 1)
	seg := store.segments[segments[0].ID]
	seg.Status = models.SegmentCompleted
	seg.ExtractedData = map[string]any{"vendor": "Acme"}
	seg.ExtractionTier = models.TierLibrary

	segs := segmentStoreAdapter{store}
	err := segs.MarkCompleted(context.Background(), seg.ID, map[string]any{"vendor": "Stale"}, models.TierRemoteAPI, 1)
	require.Error(t, err, "a settled segment keeps its result")
	assert.Equal(t, map[string]any{"vendor": "Acme"}, store.segments[seg.ID].ExtractedData)
	assert.Equal(t, models.TierLibrary, store.segments[seg.ID].ExtractionTier)
}

func TestRetrySegmentAccumulatesProcessingTime(t *testing.T) {
	store := newMemStore()
	doc, segments := seedDocument(store, 1)
	failed := store.segments[segments[0].ID]
	failed.Status = models.SegmentFailed
	failed.RequestedFields = []string{"vendor"}
	store.docs[doc.ID].Status = models.DocumentFailed
	store.metrics[doc.ID] = &models.ProcessingMetrics{DocumentID: doc.ID, TotalProcessingMS: 5000}

	gw := &stubGateway{results: map[string]extract.Result{
		"seg_001.pdf": {Tier: models.TierLibrary, Fields: map[string]any{"vendor": "Acme"}},
	}}
	o := newTestOrchestrator(store, gw)
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return frozen }

	require.NoError(t, o.RetrySegment(context.Background(), failed.ID))

	m := store.metrics[doc.ID]
	require.NotNil(t, m)
	assert.Equal(t, int64(5000), m.TotalProcessingMS, "retry extends the total, never resets it")
}

func TestRetrySegmentRejectsNonFailed(t *testing.T) {
	store := newMemStore()
	_, segments := seedDocument(store, 1)
	o := newTestOrchestrator(store, &stubGateway{})

	err := o.RetrySegment(context.Background(), segments[0].ID)
	require.Error(t, err)
}

func TestRetrySegmentRequiresRecordedFields(t *testing.T) {
	store := newMemStore()
	_, segments := seedDocument(store, 1)
	seg := store.segments[segments[0].ID]
	seg.Status = models.SegmentFailed
	o := newTestOrchestrator(store, &stubGateway{})

	err := o.RetrySegment(context.Background(), segments[0].ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field selection")
}
