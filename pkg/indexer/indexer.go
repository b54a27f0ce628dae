// Package indexer turns conversation logs into stored exchanges.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/harun/episodic-memory/internal/observability"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/rs/zerolog"
)

// exchangeNamespace seeds deterministic exchange ids.
var exchangeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("episodic-memory/exchange"))

// Store is the subset of *memory.Store the indexer writes through.
type Store interface {
	Insert(ctx context.Context, ex memory.Exchange) error
	Embed(ctx context.Context, text string) ([]float32, error)
	HasEmbeddingProvider() bool
	PruneToCapacity(ctx context.Context, capBytes int64) (int, error)
	GetImportState(ctx context.Context, key string) (string, bool, error)
	SetImportState(ctx context.Context, key, value string) error
	MarkHistoricalImportComplete(ctx context.Context) error
}

// Redactor scrubs text before it is stored.
type Redactor interface {
	Redact(text string) string
}

// Config configures an Indexer
type Config struct {
	Store    Store
	Redactor Redactor
	// MaxStorageBytes is enforced after every batch. Zero disables pruning.
	MaxStorageBytes int64
	// Exclude holds glob patterns matched against project directory names.
	Exclude []string
	Logger  zerolog.Logger
}

// Result summarizes one indexing run.
type Result struct {
	Files        int `json:"files"`
	SkippedFiles int `json:"skipped_files"`
	Exchanges    int `json:"exchanges"`
	Embedded     int `json:"embedded"`
	Pruned       int `json:"pruned"`
}

func (r *Result) add(o *Result) {
	r.Files += o.Files
	r.SkippedFiles += o.SkippedFiles
	r.Exchanges += o.Exchanges
	r.Embedded += o.Embedded
	r.Pruned += o.Pruned
}

// Indexer parses, redacts, embeds and stores conversation exchanges.
type Indexer struct {
	store    Store
	redactor Redactor
	capBytes int64
	exclude  []glob.Glob
	logger   zerolog.Logger
}

// New creates an indexer.
func New(cfg Config) (*Indexer, error) {
	if cfg.Store == nil {
		return nil, errors.New("indexer requires a store")
	}

	ix := &Indexer{
		store:    cfg.Store,
		redactor: cfg.Redactor,
		capBytes: cfg.MaxStorageBytes,
		logger:   cfg.Logger.With().Str("component", "indexer").Logger(),
	}
	for _, pattern := range cfg.Exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		ix.exclude = append(ix.exclude, g)
	}
	return ix, nil
}

// ExchangeID derives the stable id of the exchange at the given lines of a
// source. Re-indexing the same source yields the same ids.
func ExchangeID(source string, lineStart, lineEnd int) string {
	key := source + "|" + strconv.Itoa(lineStart) + "|" + strconv.Itoa(lineEnd)
	return uuid.NewSHA1(exchangeNamespace, []byte(key)).String()
}

// Excluded reports whether a project directory name matches an exclude pattern.
func (ix *Indexer) Excluded(project string) bool {
	for _, g := range ix.exclude {
		if g.Match(project) {
			return true
		}
	}
	return false
}

func fileStateKey(path string) string {
	return "file:" + path
}

func fileFingerprint(info os.FileInfo) string {
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}

// IndexFile indexes one JSONL log. Files unchanged since their last
// successful import are skipped.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (*Result, error) {
	result, err := ix.indexFile(ctx, path, false)
	if err != nil {
		return result, err
	}
	pruned, err := ix.prune(ctx)
	result.Pruned = pruned
	return result, err
}

// Reindex indexes path even if its fingerprint is unchanged.
func (ix *Indexer) Reindex(ctx context.Context, path string) (*Result, error) {
	result, err := ix.indexFile(ctx, path, true)
	if err != nil {
		return result, err
	}
	pruned, err := ix.prune(ctx)
	result.Pruned = pruned
	return result, err
}

func (ix *Indexer) indexFile(ctx context.Context, path string, force bool) (result *Result, err error) {
	result = &Result{}
	defer func() { observability.RecordIndexedFile(err == nil) }()

	info, err := os.Stat(path)
	if err != nil {
		return result, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	fingerprint := fileFingerprint(info)
	if !force {
		if prev, ok, err := ix.store.GetImportState(ctx, fileStateKey(path)); err == nil && ok && prev == fingerprint {
			result.SkippedFiles = 1
			return result, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("failed to open %s: %w", path, err)
	}
	parsed, err := ParseConversation(f, ix.logger.With().Str("file", path).Logger())
	f.Close()
	if err != nil {
		return result, err
	}

	project := filepath.Base(filepath.Dir(path))
	sessionFallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for i := range parsed {
		p := &parsed[i]
		if p.SessionID == "" {
			p.SessionID = sessionFallback
		}
		if p.ProjectPath == "" {
			p.ProjectPath = project
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = info.ModTime().UTC()
		}
	}

	stored, embedded, err := ix.storeBatch(ctx, path, parsed)
	result.Files = 1
	result.Exchanges = stored
	result.Embedded = embedded
	if err != nil {
		return result, err
	}

	if err := ix.store.SetImportState(ctx, fileStateKey(path), fingerprint); err != nil {
		ix.logger.Warn().Err(err).Str("file", path).Msg("Failed to record file import state")
	}

	ix.logger.Debug().
		Str("file", path).
		Int("exchanges", stored).
		Int("embedded", embedded).
		Msg("Indexed conversation")
	return result, nil
}

// IndexDirectory indexes every <project>/*.jsonl under root, skipping
// excluded projects, and enforces the storage cap once for the whole pass.
// After a clean pass the historical import marker is set.
func (ix *Indexer) IndexDirectory(ctx context.Context, root string) (*Result, error) {
	total := &Result{}

	projects, err := os.ReadDir(root)
	if err != nil {
		return total, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var files []string
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		if ix.Excluded(project.Name()) {
			ix.logger.Debug().Str("project", project.Name()).Msg("Skipping excluded project")
			continue
		}
		err := filepath.WalkDir(filepath.Join(root, project.Name()), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to scan project %s: %w", project.Name(), err)
		}
	}
	sort.Strings(files)

	var failed int
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := ix.indexFile(ctx, path, false)
		total.add(res)
		if err != nil {
			failed++
			ix.logger.Warn().Err(err).Str("file", path).Msg("Failed to index conversation")
		}
	}

	if total.Exchanges > 0 {
		pruned, err := ix.prune(ctx)
		total.Pruned = pruned
		if err != nil {
			return total, err
		}
	}

	if failed == 0 {
		if err := ix.store.MarkHistoricalImportComplete(ctx); err != nil {
			return total, err
		}
	}

	ix.logger.Info().
		Int("files", total.Files).
		Int("skipped", total.SkippedFiles).
		Int("exchanges", total.Exchanges).
		Int("failed", failed).
		Msg("Archive indexed")

	if failed > 0 {
		return total, fmt.Errorf("%d of %d files failed to index", failed, len(files))
	}
	return total, nil
}

// IndexLiveExchanges stores exchanges captured from a running session. They
// are marked with a session:<id> source so repair does not look for a file.
func (ix *Indexer) IndexLiveExchanges(ctx context.Context, sessionID string, exchanges []ParsedExchange) (*Result, error) {
	if sessionID == "" {
		return &Result{}, errors.New("session id is required")
	}

	now := time.Now().UTC()
	for i := range exchanges {
		p := &exchanges[i]
		p.SessionID = sessionID
		if p.LineStart == 0 {
			p.LineStart = i + 1
		}
		if p.LineEnd == 0 {
			p.LineEnd = p.LineStart
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
	}

	stored, embedded, err := ix.storeBatch(ctx, memory.SessionSourcePrefix+sessionID, exchanges)
	result := &Result{Exchanges: stored, Embedded: embedded}
	if err != nil {
		return result, err
	}
	result.Pruned, err = ix.prune(ctx)
	return result, err
}

// storeBatch redacts, embeds and inserts parsed exchanges from one source.
// Embedding failures leave the embedding empty for repair to fill in.
func (ix *Indexer) storeBatch(ctx context.Context, source string, parsed []ParsedExchange) (stored, embedded int, err error) {
	canEmbed := ix.store.HasEmbeddingProvider()

	for _, p := range parsed {
		ex := memory.Exchange{
			ID:               ExchangeID(source, p.LineStart, p.LineEnd),
			SessionID:        p.SessionID,
			ProjectPath:      p.ProjectPath,
			UserMessage:      ix.redact(p.UserMessage),
			AssistantMessage: ix.redact(p.AssistantMessage),
			ToolNames:        p.ToolNames,
			Timestamp:        p.Timestamp,
			GitBranch:        p.GitBranch,
			SourceFile:       source,
			LineStart:        p.LineStart,
			LineEnd:          p.LineEnd,
		}

		if canEmbed {
			vec, err := ix.store.Embed(ctx, memory.EmbeddingText(ex))
			if err != nil {
				ix.logger.Warn().Err(err).Str("exchange_id", ex.ID).Msg("Embedding failed, storing without vector")
			} else {
				ex.Embedding = vec
				embedded++
			}
		}

		if err := ix.store.Insert(ctx, ex); err != nil {
			return stored, embedded, fmt.Errorf("failed to store exchange from %s line %d: %w", source, p.LineStart, err)
		}
		stored++
	}
	return stored, embedded, nil
}

func (ix *Indexer) redact(text string) string {
	if ix.redactor == nil {
		return text
	}
	return ix.redactor.Redact(text)
}

func (ix *Indexer) prune(ctx context.Context) (int, error) {
	if ix.capBytes <= 0 {
		return 0, nil
	}
	n, err := ix.store.PruneToCapacity(ctx, ix.capBytes)
	if err != nil {
		return n, fmt.Errorf("failed to enforce storage cap: %w", err)
	}
	return n, nil
}
