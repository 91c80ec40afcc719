package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const extractorSystemPrompt = "You are a document field extractor. You are given a PDF document and a JSON Schema describing the fields to extract. You must output a single valid JSON object matching that schema, with every requested key present."

const extractorUserPrompt = `Extract the requested fields from the attached PDF document.

Follow these rules precisely:
1. Return ONLY a JSON object with exactly the keys described by the schema below. No prose, no code fences.
2. For array fields, collect every distinct occurrence across all pages, in document order.
3. For scalar fields, return the single best value, or null if the field is not present.
4. Do not invent values. A field that does not appear in the document is null (scalar) or an empty array.

Field schema:
%s`

const parserSystemPrompt = "You are a document parser. Your task is to parse the content of a PDF document and render it as plain markdown text. Accuracy, detail, and information preservation are of utmost importance."

const parserUserPrompt = `Parse the attached PDF document into markdown.

Text: parse all text content directly into markdown text.
Tables: parse all tables into markdown tables, preserving as much information as possible.
Images: replace each image with a short descriptive text.
Headers and footers: ignore page numbers and repeated boilerplate; keep the core content.

Return ONLY the markdown content.`

// VertexExtractor is the library tier: an embedded extraction capability with
// no per-minute request cap but a hard page ceiling enforced by the Gateway.
type VertexExtractor struct {
	extractModel *genai.GenerativeModel
	parseModel   *genai.GenerativeModel
	baseClient   *genai.Client
	logger       *slog.Logger
}

func NewVertexExtractor(ctx context.Context, projectID, region, modelName string, logger *slog.Logger) (*VertexExtractor, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexExtractor: projectID and region cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractModel := baseClient.GenerativeModel(modelName)
	extractModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(extractorSystemPrompt)},
	}
	extractModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output; fallthrough logic depends on parseable responses.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	extractModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	parseModel := baseClient.GenerativeModel(modelName)
	parseModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(parserSystemPrompt)},
	}

	return &VertexExtractor{
		extractModel: extractModel,
		parseModel:   parseModel,
		baseClient:   baseClient,
		logger:       logger,
	}, nil
}

func (v *VertexExtractor) Close() error {
	if v.baseClient != nil {
		return v.baseClient.Close()
	}
	return nil
}

// Extract runs structured field extraction over the segment file and returns
// the raw field map.
func (v *VertexExtractor) Extract(ctx context.Context, path string, fields []string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read segment file: %w", err)
	}
	schema, err := json.Marshal(BuildFieldSchema(fields, nil))
	if err != nil {
		return nil, fmt.Errorf("encode field schema: %w", err)
	}

	filePart := genai.Blob{MIMEType: "application/pdf", Data: data}
	prompt := genai.Text(fmt.Sprintf(extractorUserPrompt, string(schema)))

	resp, err := v.extractModel.GenerateContent(ctx, filePart, prompt)
	if err != nil {
		return nil, fmt.Errorf("library extraction call: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return nil, ErrEmptyResult
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		v.logger.Warn("library tier returned non-JSON payload", "error", err)
		return nil, fmt.Errorf("decode library extraction response: %w", err)
	}
	return raw, nil
}

// Parse renders the segment as markdown without structured extraction. Used
// to feed the language-model fallback tier.
func (v *VertexExtractor) Parse(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read segment file: %w", err)
	}
	filePart := genai.Blob{MIMEType: "application/pdf", Data: data}

	resp, err := v.parseModel.GenerateContent(ctx, filePart, genai.Text(parserUserPrompt))
	if err != nil {
		return "", fmt.Errorf("library parse call: %w", err)
	}
	markdown := collectText(resp)
	markdown = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(markdown, "```markdown"), "```"))
	if markdown == "" {
		return "", ErrEmptyResult
	}
	return markdown, nil
}

// collectText concatenates all text parts of the first candidate.
func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}
