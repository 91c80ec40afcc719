// Package extract drives field extraction through a ranked chain of
// capability tiers: an embedded library call, a rate-limited remote API, and
// a language-model fallback over previously-parsed text.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"docflow/internal/models"
	"docflow/internal/ratelimit"
)

// LibraryTier is the embedded extraction capability (tier 1): no request
// cap, hard page ceiling.
type LibraryTier interface {
	Extract(ctx context.Context, path string, fields []string) (map[string]any, error)
	Parse(ctx context.Context, path string) (string, error)
}

// RemoteTier is the rate-limited HTTP capability (tier 2). Its
// implementation retries its own transient failures before returning.
type RemoteTier interface {
	Extract(ctx context.Context, path string, fields []string) (map[string]any, error)
}

// FallbackTier extracts fields from plain text (tier 3).
type FallbackTier interface {
	Extract(ctx context.Context, text string, fields []string) (map[string]any, error)
}

// Request identifies one segment extraction call.
type Request struct {
	FilePath  string
	PageCount int
	Fields    []string
}

// Result is the uniform tagged outcome of a Gateway call. The fallthrough
// logic never inspects backend-specific shapes; every tier adapter reports
// through this type.
type Result struct {
	Tier     models.ExtractionTier
	Fields   map[string]any
	Markdown string
	// Err carries the joined tier errors when Tier is FAILED. It is part of
	// the result, not a call failure: Extract itself errors only on misuse.
	Err error
}

// Gateway owns the tier chain and the per-backend rate limiters. One
// instance per (backend, quota) configuration; injected into the
// orchestrator so tests can substitute deterministic tiers.
type Gateway struct {
	library  LibraryTier
	remote   RemoteTier
	fallback FallbackTier

	remoteLimiter   *ratelimit.Limiter
	fallbackLimiter *ratelimit.Limiter

	libraryPageCap int
	remotePageCap  int

	logger *slog.Logger
}

type GatewayConfig struct {
	LibraryPageCap int
	RemotePageCap  int
	RemoteRPM      int
	FallbackRPM    int
}

func NewGateway(library LibraryTier, remote RemoteTier, fallback FallbackTier, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LibraryPageCap <= 0 {
		cfg.LibraryPageCap = 50
	}
	if cfg.RemotePageCap <= 0 {
		cfg.RemotePageCap = 50
	}
	if cfg.RemoteRPM <= 0 {
		cfg.RemoteRPM = 25
	}
	if cfg.FallbackRPM <= 0 {
		cfg.FallbackRPM = 50
	}
	return &Gateway{
		library:         library,
		remote:          remote,
		fallback:        fallback,
		remoteLimiter:   ratelimit.New("remote-api", cfg.RemoteRPM),
		fallbackLimiter: ratelimit.New("llm-fallback", cfg.FallbackRPM),
		libraryPageCap:  cfg.LibraryPageCap,
		remotePageCap:   cfg.RemotePageCap,
		logger:          logger,
	}
}

// Extract drives one segment through the tier chain. It returns an error
// only for programmer misuse (no requested fields); extraction failures are
// reported through the Result's FAILED tier.
func (g *Gateway) Extract(ctx context.Context, req Request) (Result, error) {
	if len(req.Fields) == 0 {
		return Result{}, fmt.Errorf("extract: requested field list is empty")
	}

	logCtx := g.logger.With("segmentFile", req.FilePath, "pages", req.PageCount)
	var tierErrs []string

	// Tier 1: library.
	raw, err := g.tryLibrary(ctx, req)
	if err == nil {
		return Result{Tier: models.TierLibrary, Fields: NormalizeFields(raw, req.Fields)}, nil
	}
	tierErrs = append(tierErrs, fmt.Sprintf("library: %v", err))
	logCtx.Info("library tier unavailable, falling through", "error", err)

	// Tier 2: remote API, behind its rate limiter.
	raw, err = g.tryRemote(ctx, req)
	if err == nil {
		return Result{Tier: models.TierRemoteAPI, Fields: NormalizeFields(raw, req.Fields)}, nil
	}
	tierErrs = append(tierErrs, fmt.Sprintf("remote: %v", err))
	logCtx.Info("remote tier unavailable, falling through", "error", err)

	// Tier 3: language-model fallback over parsed text.
	raw, markdown, err := g.tryFallback(ctx, req)
	if err == nil {
		logCtx.Warn("language-model fallback produced the result; output consistency is lower than the structured tiers")
		return Result{Tier: models.TierLLMFallback, Fields: NormalizeFields(raw, req.Fields), Markdown: markdown}, nil
	}
	tierErrs = append(tierErrs, fmt.Sprintf("fallback: %v", err))

	joined := fmt.Errorf("all extraction tiers exhausted: %s", strings.Join(tierErrs, "; "))
	logCtx.Error("extraction failed on every tier", "error", joined)
	return Result{Tier: models.TierFailed, Fields: EmptyResult(req.Fields), Err: joined}, nil
}

func (g *Gateway) tryLibrary(ctx context.Context, req Request) (map[string]any, error) {
	if req.PageCount > g.libraryPageCap {
		return nil, fmt.Errorf("%w: %d > %d", ErrPageLimit, req.PageCount, g.libraryPageCap)
	}
	raw, err := g.library.Extract(ctx, req.FilePath, req.Fields)
	if err != nil {
		return nil, err
	}
	if !HasValues(NormalizeFields(raw, req.Fields), req.Fields) {
		return nil, ErrEmptyResult
	}
	return raw, nil
}

func (g *Gateway) tryRemote(ctx context.Context, req Request) (map[string]any, error) {
	if req.PageCount > g.remotePageCap {
		return nil, fmt.Errorf("%w: %d > %d", ErrPageLimit, req.PageCount, g.remotePageCap)
	}
	if err := g.remoteLimiter.Acquire(ctx); err != nil {
		return nil, err
	}
	raw, err := g.remote.Extract(ctx, req.FilePath, req.Fields)
	if err != nil {
		return nil, err
	}
	if !HasValues(NormalizeFields(raw, req.Fields), req.Fields) {
		return nil, ErrEmptyResult
	}
	return raw, nil
}

func (g *Gateway) tryFallback(ctx context.Context, req Request) (map[string]any, string, error) {
	// The fallback operates on text, not the raw file. The library tier can
	// parse page counts above its extraction cap.
	markdown, err := g.library.Parse(ctx, req.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("parse for fallback: %w", err)
	}
	if err := g.fallbackLimiter.Acquire(ctx); err != nil {
		return nil, "", err
	}
	raw, err := g.fallback.Extract(ctx, markdown, req.Fields)
	if err != nil {
		return nil, "", err
	}
	if !HasValues(NormalizeFields(raw, req.Fields), req.Fields) {
		return nil, "", ErrEmptyResult
	}
	return raw, markdown, nil
}
