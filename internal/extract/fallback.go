package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const fallbackMaxChars = 20000

// FallbackClient is the language-model fallback tier. It never sees the raw
// file; it extracts the requested fields from previously-produced plain text
// via an OpenAI-compatible chat endpoint. Output consistency is lower than
// the structured tiers, so the Gateway logs every use at WARNING.
type FallbackClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   *slog.Logger
}

func NewFallbackClient(endpoint, apiKey, model string, logger *slog.Logger) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

func (f *FallbackClient) Extract(ctx context.Context, text string, fields []string) (map[string]any, error) {
	if f.apiKey == "" {
		return nil, fmt.Errorf("fallback api key not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("fallback tier requires previously-extracted text")
	}
	text = truncateRunes(text, fallbackMaxChars)

	specs := make([]string, 0, len(fields))
	for _, field := range fields {
		if IsMultiValue(field) {
			specs = append(specs, fmt.Sprintf("- %s: extract ALL occurrences as an array of strings", field))
		} else {
			specs = append(specs, fmt.Sprintf("- %s: extract a single value, or null if absent", field))
		}
	}

	prompt := fmt.Sprintf(`Extract these specific fields from the document. Return ONLY a JSON object.

Fields to extract:
%s

Document content:
%s

Return a JSON object with exactly the requested fields. Use arrays for multi-value fields, single values otherwise. For fields not found, use null (single) or an empty array (multi-value).`,
		strings.Join(specs, "\n"), text)

	payload, err := json.Marshal(map[string]any{
		"model": f.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You extract structured fields from document text. You respond with a single JSON object and nothing else."},
			{"role": "user", "content": prompt},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode fallback request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build fallback request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode fallback response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResult
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	content = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```"))

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode fallback extraction JSON: %w", err)
	}

	if err := f.validate(raw, fields); err != nil {
		f.logger.Warn("fallback output failed schema validation, normalizing anyway", "error", err)
	}
	return NormalizeFields(raw, fields), nil
}

// validate checks the model's output against the same field schema submitted
// to the remote tier. Validation failures are logged, not fatal: the map is
// normalized down to the requested keys either way.
func (f *FallbackClient) validate(raw map[string]any, fields []string) error {
	schemaDoc, err := json.Marshal(BuildFieldSchema(fields, nil))
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fields.json", bytes.NewReader(schemaDoc)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("fields.json")
	if err != nil {
		return fmt.Errorf("compile field schema: %w", err)
	}
	// Round-trip so validation sees plain JSON types.
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return schema.Validate(v)
}

// truncateRunes cuts s to at most n bytes without splitting a multi-byte
// rune, so the prompt stays valid UTF-8.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
