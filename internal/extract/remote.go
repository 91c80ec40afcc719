package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// RemoteClient is the remote-API tier: a rate-limited HTTP document-analysis
// endpoint that accepts a segment file plus a field schema and returns the
// extracted values. Transient failures are retried here, inside the tier,
// before the Gateway falls through the chain.
type RemoteClient struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

func NewRemoteClient(endpoint, apiKey string, logger *slog.Logger) *RemoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 90 * time.Second},
		maxRetries: 4,
		logger:     logger,
	}
}

func (r *RemoteClient) Extract(ctx context.Context, path string, fields []string) (map[string]any, error) {
	if r.apiKey == "" {
		return nil, fmt.Errorf("remote api key not configured")
	}

	var backoff = 1 * time.Second
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		raw, err := r.post(ctx, path, fields)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !Classify(err).Retryable() {
			return nil, err
		}

		r.logger.Warn("remote extraction failed, will retry",
			"segmentFile", filepath.Base(path),
			"attempt", attempt,
			"maxRetries", r.maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("remote extraction failed after %d attempts: %w", r.maxRetries, lastErr)
}

func (r *RemoteClient) post(ctx context.Context, path string, fields []string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("pdf", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create multipart file field: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy segment into request: %w", err)
	}

	schema, err := json.Marshal(BuildFieldSchema(fields, nil))
	if err != nil {
		return nil, fmt.Errorf("encode field schema: %w", err)
	}
	if err := writer.WriteField("fields_schema", string(schema)); err != nil {
		return nil, fmt.Errorf("write schema field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+r.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote extraction request: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote extraction status %d: %s", resp.StatusCode, truncate(string(payload), 300))
	}

	var parsed struct {
		Data struct {
			ExtractedSchema map[string]any `json:"extracted_schema"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode remote response: %w", err)
	}
	if parsed.Data.ExtractedSchema == nil {
		return nil, ErrEmptyResult
	}
	return parsed.Data.ExtractedSchema, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
