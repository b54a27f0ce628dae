package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/episodic-memory/pkg/memory"
)

const maxSearchLimit = 50

// MemoryStore is the store surface exposed as memory.* methods.
type MemoryStore interface {
	Search(ctx context.Context, query string, opts memory.SearchOptions) []memory.SearchResult
	SearchMultiConcept(ctx context.Context, concepts []string, opts memory.SearchOptions) []memory.SearchResult
	GetExchange(ctx context.Context, id string) (*memory.Exchange, error)
	ListSessionExchanges(ctx context.Context, sessionID string) ([]memory.Exchange, error)
	GetStats(ctx context.Context) (*memory.Stats, error)
	CreateTimestampedBackup(ctx context.Context) (string, error)
	Export(ctx context.Context, path string) (*memory.ExportResult, error)
	CreateTimestampedExport(ctx context.Context) (*memory.ExportResult, error)
	Repair(ctx context.Context, opts memory.RepairOptions) (*memory.RepairReport, error)
}

// SearchResponse is returned by memory.search and memory.search_multi.
type SearchResponse struct {
	Query    string                `json:"query,omitempty"`
	Concepts []string              `json:"concepts,omitempty"`
	Count    int                   `json:"count"`
	Results  []memory.SearchResult `json:"results"`
}

// SessionResponse is returned by memory.session.
type SessionResponse struct {
	SessionID string            `json:"session_id"`
	Count     int               `json:"count"`
	Exchanges []memory.Exchange `json:"exchanges"`
}

func (s *Server) registerMemoryMethods() error {
	return s.registerMethods(map[string]RequestHandler{
		"memory.search":       s.handleMemorySearch,
		"memory.search_multi": s.handleMemorySearchMulti,
		"memory.show":         s.handleMemoryShow,
		"memory.session":      s.handleMemorySession,
		"memory.stats":        s.handleMemoryStats,
		"memory.backup":       s.handleMemoryBackup,
		"memory.export":       s.handleMemoryExport,
		"memory.repair":       s.handleMemoryRepair,
	})
}

func (s *Server) registerMethods(methods map[string]RequestHandler) error {
	for name, handler := range methods {
		if err := s.RegisterMethod(name, handler); err != nil {
			return fmt.Errorf("failed to register method %s: %w", name, err)
		}
	}
	return nil
}

func (s *Server) handleMemorySearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(stringParam(params, "query"))
	if query == "" {
		return nil, invalidParams("query parameter is required and must be a string")
	}
	opts, err := searchOptions(params)
	if err != nil {
		return nil, err
	}

	results := s.store.Search(ctx, query, opts)
	s.logger.Debug().
		Str("clientId", ClientIDFromContext(ctx)).
		Str("mode", string(opts.Mode)).
		Int("results", len(results)).
		Msg("memory.search served")

	return SearchResponse{Query: query, Count: len(results), Results: results}, nil
}

func (s *Server) handleMemorySearchMulti(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	concepts, err := stringsParam(params, "concepts")
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return nil, invalidParams("concepts parameter must list at least one concept")
	}
	opts, err := searchOptions(params)
	if err != nil {
		return nil, err
	}

	results := s.store.SearchMultiConcept(ctx, concepts, opts)
	return SearchResponse{Concepts: concepts, Count: len(results), Results: results}, nil
}

func (s *Server) handleMemoryShow(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	if id == "" {
		return nil, invalidParams("id parameter is required and must be a string")
	}
	ex, err := s.store.GetExchange(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("exchange not found: %s", id)}
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Server) handleMemorySession(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID := stringParam(params, "session_id")
	if sessionID == "" {
		return nil, invalidParams("session_id parameter is required and must be a string")
	}
	exchanges, err := s.store.ListSessionExchanges(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(exchanges) == 0 {
		return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("session not found: %s", sessionID)}
	}
	return SessionResponse{SessionID: sessionID, Count: len(exchanges), Exchanges: exchanges}, nil
}

func (s *Server) handleMemoryStats(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"stats":   stats,
		"vectors": stats.Vectors.String(),
		"clients": s.clients.Count(),
	}, nil
}

func (s *Server) handleMemoryBackup(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	path, err := s.store.CreateTimestampedBackup(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}
	return map[string]interface{}{"path": path}, nil
}

func (s *Server) handleMemoryExport(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var (
		result *memory.ExportResult
		err    error
	)
	if path := stringParam(params, "path"); path != "" {
		result, err = s.store.Export(ctx, path)
	} else {
		result, err = s.store.CreateTimestampedExport(ctx)
	}
	if errors.Is(err, memory.ErrPathTraversal) {
		return nil, invalidParams(err.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}
	return result, nil
}

// handleMemoryRepair never applies fixes; that stays a local CLI decision.
func (s *Server) handleMemoryRepair(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.store.Repair(ctx, memory.RepairOptions{Fix: false})
}

func searchOptions(params map[string]interface{}) (memory.SearchOptions, error) {
	opts := memory.SearchOptions{Limit: memory.DefaultSearchLimit}

	if raw, ok := params["limit"]; ok {
		limit, ok := raw.(float64)
		if !ok || limit < 1 || limit != float64(int(limit)) {
			return opts, invalidParams("limit must be a positive integer")
		}
		opts.Limit = int(limit)
		if opts.Limit > maxSearchLimit {
			opts.Limit = maxSearchLimit
		}
	}

	switch mode := memory.SearchMode(stringParam(params, "mode")); mode {
	case "", "auto":
		opts.Mode = memory.SearchModeAuto
	case memory.SearchModeVector, memory.SearchModeText, memory.SearchModeBoth:
		opts.Mode = mode
	default:
		return opts, invalidParams(fmt.Sprintf("unknown search mode: %s", mode))
	}

	var err error
	if opts.Filters.After, err = timeParam(params, "after"); err != nil {
		return opts, err
	}
	if opts.Filters.Before, err = timeParam(params, "before"); err != nil {
		return opts, err
	}
	opts.Filters.ProjectPath = stringParam(params, "project")
	return opts, nil
}

func stringParam(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return value
}

func stringsParam(params map[string]interface{}, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, invalidParams(fmt.Sprintf("%s must be an array of strings", key))
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		value, ok := item.(string)
		if !ok {
			return nil, invalidParams(fmt.Sprintf("%s must be an array of strings", key))
		}
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values, nil
}

// timeParam accepts RFC 3339 timestamps or bare YYYY-MM-DD dates.
func timeParam(params map[string]interface{}, key string) (time.Time, error) {
	value := stringParam(params, key)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalidParams(fmt.Sprintf("%s must be an RFC 3339 timestamp or YYYY-MM-DD date", key))
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}
