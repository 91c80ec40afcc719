// segment is a one-shot extraction tool: it runs a single PDF through the
// tiered gateway and prints the field values as JSON, without touching the
// database. Useful for smoke-testing credentials and field selections.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"docflow/internal/config"
	"docflow/internal/extract"
)

func main() {
	filePath := flag.String("file", "", "path to the PDF to extract from")
	fieldsArg := flag.String("fields", "", "comma-separated field names to extract")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *filePath == "" || *fieldsArg == "" {
		fmt.Fprintln(os.Stderr, "usage: segment -file <pdf> -fields <f1,f2,...>")
		os.Exit(2)
	}
	fields := splitFields(*fieldsArg)

	_ = godotenv.Load(".env")
	cfg := config.Load()

	if err := run(context.Background(), cfg, logger, *filePath, fields); err != nil {
		logger.Error("Extraction failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, filePath string, fields []string) error {
	pageCount, err := api.PageCountFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read page count: %w", err)
	}

	library, err := extract.NewVertexExtractor(ctx, cfg.VertexProjectID, cfg.VertexRegion, cfg.VertexModel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize library tier: %w", err)
	}
	defer library.Close()

	gw := extract.NewGateway(
		library,
		extract.NewRemoteClient(cfg.RemoteEndpoint, cfg.RemoteAPIKey, logger),
		extract.NewFallbackClient(cfg.FallbackEndpoint, cfg.FallbackAPIKey, cfg.FallbackModel, logger),
		extract.GatewayConfig{
			LibraryPageCap: cfg.LibraryPageCap,
			RemotePageCap:  cfg.RemotePageCap,
			RemoteRPM:      cfg.RemoteRPM,
			FallbackRPM:    cfg.FallbackRPM,
		},
		logger,
	)

	res, err := gw.Extract(ctx, extract.Request{FilePath: filePath, PageCount: pageCount, Fields: fields})
	if err != nil {
		return err
	}
	if res.Err != nil {
		logger.Warn("All tiers exhausted; printing empty result", "error", res.Err)
	}

	out := map[string]any{
		"tier":   res.Tier,
		"fields": res.Fields,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func splitFields(arg string) []string {
	parts := strings.Split(arg, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
