package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/episodic-memory/internal/observability"
)

const (
	// DefaultSearchLimit applies when SearchOptions.Limit is unset.
	DefaultSearchLimit = 10
	// TextSearchScore is assigned to every substring match; text search has
	// no ranking signal.
	TextSearchScore = 0.5

	vectorOverfetch  = 3
	conceptOverfetch = 5

	// maxVectorK is the largest k a vec0 KNN query accepts.
	maxVectorK = 4096
)

// SearchMode selects the retrieval path.
type SearchMode string

const (
	// SearchModeAuto tries vector search and falls back to text search.
	SearchModeAuto   SearchMode = ""
	SearchModeVector SearchMode = "vector"
	SearchModeText   SearchMode = "text"
	// SearchModeBoth returns vector results followed by unseen text matches.
	SearchModeBoth SearchMode = "both"
)

// SearchFilters restricts results by time range and project.
type SearchFilters struct {
	After       time.Time
	Before      time.Time
	ProjectPath string
}

// where renders the filters as a parameterized clause over the exchanges
// table, without the leading WHERE/AND.
func (f SearchFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if !f.After.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, formatTime(f.After))
	}
	if !f.Before.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, formatTime(f.Before))
	}
	if f.ProjectPath != "" {
		clauses = append(clauses, "project_path = ?")
		args = append(args, f.ProjectPath)
	}
	return strings.Join(clauses, " AND "), args
}

// SearchOptions configures Search and SearchMultiConcept.
type SearchOptions struct {
	Limit   int
	Mode    SearchMode
	Filters SearchFilters
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultSearchLimit
	}
	return o
}

// SearchResult is one ranked exchange.
type SearchResult struct {
	Exchange Exchange `json:"exchange"`
	Score    float64  `json:"score"`
}

// Search embeds query and runs a vector search, falling back to text search
// when embeddings are unavailable or the vector search finds nothing.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) []SearchResult {
	opts = opts.withDefaults()

	switch opts.Mode {
	case SearchModeText:
		return s.TextSearch(ctx, query, opts.Limit, opts.Filters)
	case SearchModeVector:
		return s.semanticSearch(ctx, query, opts)
	case SearchModeBoth:
		return mergeResults(
			s.semanticSearch(ctx, query, opts),
			s.TextSearch(ctx, query, opts.Limit, opts.Filters),
			opts.Limit,
		)
	}

	results := s.semanticSearch(ctx, query, opts)
	if len(results) > 0 {
		return results
	}
	return s.TextSearch(ctx, query, opts.Limit, opts.Filters)
}

func (s *Store) semanticSearch(ctx context.Context, query string, opts SearchOptions) []SearchResult {
	if s.embedder == nil || query == "" || !s.vectorsReady(ctx) {
		return []SearchResult{}
	}

	embedding, err := s.generateEmbedding(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Query embedding failed, falling back to text search")
		return []SearchResult{}
	}
	return s.VectorSearch(ctx, embedding, opts.Limit, opts.Filters)
}

// VectorSearch returns the limit nearest exchanges to queryEmbedding that
// pass filters. Failures are logged and yield an empty result so the caller
// can fall back to text search.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, limit int, filters SearchFilters) []SearchResult {
	start := time.Now()
	defer func() { observability.RecordSearch("vector", time.Since(start)) }()

	if limit <= 0 || len(queryEmbedding) == 0 || !s.vectorsReady(ctx) {
		return []SearchResult{}
	}

	results, err := s.vectorSearch(ctx, queryEmbedding, limit, filters)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Vector search failed")
		return []SearchResult{}
	}
	return results
}

func (s *Store) vectorSearch(ctx context.Context, queryEmbedding []float32, limit int, filters SearchFilters) ([]SearchResult, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, distance
		FROM vec_exchanges
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, knnLimit(limit))
	if err != nil {
		return nil, err
	}

	distances := make(map[string]float64)
	var ids []string
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			rows.Close()
			return nil, err
		}
		distances[id] = distance
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return []SearchResult{}, nil
	}
	if err := ValidateIDs(ids); err != nil {
		s.logger.Warn().Err(err).Msg("Rejected vector candidate ids")
		return []SearchResult{}, nil
	}

	query := "SELECT " + exchangeColumns + " FROM exchanges WHERE id IN (" + placeholders(len(ids)) + ")"
	args := idArgs(ids)
	if clause, filterArgs := filters.where(); clause != "" {
		query += " AND " + clause
		args = append(args, filterArgs...)
	}

	exRows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer exRows.Close()

	results := []SearchResult{}
	for exRows.Next() {
		ex, err := s.scanExchange(exRows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{
			Exchange: ex,
			Score:    distanceToSimilarity(distances[ex.ID]),
		})
	}
	if err := exRows.Err(); err != nil {
		return nil, err
	}

	sortByScore(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// knnLimit is the over-fetched candidate count, bounded by what vec0 accepts.
func knnLimit(limit int) int {
	return min(limit*vectorOverfetch, maxVectorK)
}

// distanceToSimilarity converts an L2 distance between unit vectors to cosine
// similarity.
func distanceToSimilarity(distance float64) float64 {
	return 1 - (distance*distance)/2
}

// TextSearch matches query as a substring of either message, newest first.
func (s *Store) TextSearch(ctx context.Context, query string, limit int, filters SearchFilters) []SearchResult {
	start := time.Now()
	defer func() { observability.RecordSearch("text", time.Since(start)) }()

	if query == "" || limit <= 0 {
		return []SearchResult{}
	}

	results, err := s.textSearch(ctx, query, limit, filters)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("Text search failed")
		return []SearchResult{}
	}
	return results
}

func (s *Store) textSearch(ctx context.Context, query string, limit int, filters SearchFilters) ([]SearchResult, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	sqlQuery := "SELECT " + exchangeColumns + " FROM exchanges WHERE (instr(user_message, ?) > 0 OR instr(assistant_message, ?) > 0)"
	args := []any{query, query}
	if clause, filterArgs := filters.where(); clause != "" {
		sqlQuery += " AND " + clause
		args = append(args, filterArgs...)
	}
	sqlQuery += " ORDER BY timestamp DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		ex, err := s.scanExchange(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Exchange: ex, Score: TextSearchScore})
	}
	return results, rows.Err()
}

// SearchMultiConcept returns exchanges matching every concept, scored by the
// mean of their per-concept scores.
func (s *Store) SearchMultiConcept(ctx context.Context, concepts []string, opts SearchOptions) []SearchResult {
	opts = opts.withDefaults()
	if len(concepts) == 0 {
		return []SearchResult{}
	}

	perConcept := make([][]SearchResult, 0, len(concepts))
	conceptOpts := opts
	conceptOpts.Limit = opts.Limit * conceptOverfetch
	for _, concept := range concepts {
		results := s.Search(ctx, concept, conceptOpts)
		if len(results) == 0 {
			return []SearchResult{}
		}
		perConcept = append(perConcept, results)
	}

	return intersectConceptResults(perConcept, opts.Limit)
}

// intersectConceptResults keeps exchanges present in every result set.
func intersectConceptResults(perConcept [][]SearchResult, limit int) []SearchResult {
	if len(perConcept) == 0 {
		return []SearchResult{}
	}

	type accumulator struct {
		result SearchResult
		total  float64
		hits   int
	}

	acc := make(map[string]*accumulator)
	order := []string{}
	for i, results := range perConcept {
		seen := make(map[string]bool)
		for _, r := range results {
			id := r.Exchange.ID
			if seen[id] {
				continue
			}
			seen[id] = true

			a, ok := acc[id]
			if !ok {
				if i > 0 {
					continue
				}
				a = &accumulator{result: r}
				acc[id] = a
				order = append(order, id)
			}
			a.total += r.Score
			a.hits++
		}
	}

	combined := []SearchResult{}
	for _, id := range order {
		a := acc[id]
		if a.hits != len(perConcept) {
			continue
		}
		r := a.result
		r.Score = a.total / float64(len(perConcept))
		combined = append(combined, r)
	}

	sortByScore(combined)
	if limit > 0 && len(combined) > limit {
		combined = combined[:limit]
	}
	return combined
}

// mergeResults appends secondary results not already present in primary.
func mergeResults(primary, secondary []SearchResult, limit int) []SearchResult {
	seen := make(map[string]bool, len(primary))
	merged := make([]SearchResult, 0, len(primary)+len(secondary))
	for _, r := range primary {
		seen[r.Exchange.ID] = true
		merged = append(merged, r)
	}
	for _, r := range secondary {
		if seen[r.Exchange.ID] {
			continue
		}
		seen[r.Exchange.ID] = true
		merged = append(merged, r)
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func sortByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
