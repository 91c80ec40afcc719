// Package api exposes the minimal JSON surface for uploading documents,
// driving extraction, and querying progress.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"docflow/internal/async"
	"docflow/internal/models"
	"docflow/internal/progress"
	"docflow/internal/storage"
)

type retrier interface {
	RetrySegment(ctx context.Context, segmentID uuid.UUID) error
}

type Server struct {
	docs       *storage.DocumentRepo
	queue      *async.DocumentQueue
	retrier    retrier
	tracker    *progress.Tracker
	uploadsDir string
	logger     *slog.Logger
}

func NewServer(docs *storage.DocumentRepo, queue *async.DocumentQueue, retrier retrier, tracker *progress.Tracker, uploadsDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		docs:       docs,
		queue:      queue,
		retrier:    retrier,
		tracker:    tracker,
		uploadsDir: uploadsDir,
		logger:     logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /documents", s.handleUpload)
	mux.HandleFunc("POST /documents/{id}/process", s.handleProcess)
	mux.HandleFunc("GET /documents/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /documents/{id}/logs", s.handleLogs)
	mux.HandleFunc("POST /segments/{id}/retry", s.handleRetry)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUpload stores the PDF on disk and creates the PENDING document row.
// Processing starts only on an explicit process request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()
	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("only PDF uploads are accepted"))
		return
	}

	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	doc := &models.Document{
		ID:       uuid.New(),
		Filename: header.Filename,
		Status:   models.DocumentPending,
	}
	doc.Filepath = filepath.Join(s.uploadsDir, fmt.Sprintf("%s_%s", doc.ID, filepath.Base(header.Filename)))

	out, err := os.Create(doc.Filepath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	written, err := io.Copy(out, file)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(doc.Filepath)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	doc.FileSizeMB = float64(written) / (1 << 20)

	if err := s.docs.Create(r.Context(), doc); err != nil {
		os.Remove(doc.Filepath)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("Document uploaded.", "documentId", doc.ID, "filename", doc.Filename, "sizeMB", doc.FileSizeMB)
	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"status":      doc.Status,
	})
}

type processRequest struct {
	Fields []string `json:"fields"`
}

// handleProcess enqueues the document for background extraction of the
// requested fields.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req processRequest
	if ok := decodeJSON(w, r, &req); !ok {
		return
	}
	if len(req.Fields) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("fields must not be empty"))
		return
	}

	if _, err := s.docs.Get(r.Context(), id); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), async.Job{DocumentID: id, Fields: req.Fields}); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "fields": req.Fields})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	snap, err := s.tracker.Snapshot(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	minLevel := r.URL.Query().Get("min_level")
	entries, err := s.tracker.Logs(r.Context(), id, minLevel)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// handleRetry reprocesses one FAILED segment synchronously using its
// recorded field selection.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.retrier.RetrySegment(r.Context(), id); err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		writeErr(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segment_id": id, "retried": true})
}
