package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SessionSourcePrefix marks exchanges inserted from a live session rather
// than read from a log file.
const SessionSourcePrefix = "session:"

// Exchange is one user/assistant message pair plus metadata.
type Exchange struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	ProjectPath      string    `json:"project_path,omitempty"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	ToolNames        []string  `json:"tool_names"`
	Timestamp        time.Time `json:"timestamp"`
	GitBranch        string    `json:"git_branch,omitempty"`
	SourceFile       string    `json:"source_file"`
	LineStart        int       `json:"line_start"`
	LineEnd          int       `json:"line_end"`
	Embedding        []float32 `json:"-"`
	IndexedAt        time.Time `json:"indexed_at"`
}

// Session aggregates exchanges belonging to one conversation.
type Session struct {
	ID            string    `json:"id"`
	ProjectPath   string    `json:"project_path,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	ExchangeCount int       `json:"exchange_count"`
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const exchangeColumns = `id, session_id, project_path, user_message, assistant_message, tool_names,
	timestamp, git_branch, source_file, line_start, line_end, embedding, indexed_at`

// scanExchange is the only place that maps exchange columns to fields.
func (s *Store) scanExchange(row rowScanner) (Exchange, error) {
	var (
		ex          Exchange
		projectPath sql.NullString
		toolNames   sql.NullString
		timestamp   string
		gitBranch   sql.NullString
		embedding   []byte
		indexedAt   string
	)

	err := row.Scan(
		&ex.ID, &ex.SessionID, &projectPath, &ex.UserMessage, &ex.AssistantMessage, &toolNames,
		&timestamp, &gitBranch, &ex.SourceFile, &ex.LineStart, &ex.LineEnd, &embedding, &indexedAt,
	)
	if err != nil {
		return Exchange{}, err
	}

	ex.ProjectPath = projectPath.String
	ex.GitBranch = gitBranch.String
	ex.ToolNames = ParseToolNames(s.logger, ex.ID, toolNames.String)
	ex.Timestamp = parseTime(timestamp)
	ex.IndexedAt = parseTime(indexedAt)
	if len(embedding) > 0 {
		vec, err := deserializeEmbedding(embedding)
		if err != nil {
			s.logger.Warn().Err(err).Str("exchange_id", ex.ID).Msg("Ignoring undecodable embedding")
		} else {
			ex.Embedding = vec
		}
	}
	return ex, nil
}

const sessionColumns = `id, project_path, started_at, exchange_count`

// scanSession is the only place that maps session columns to fields.
func scanSession(row rowScanner) (Session, error) {
	var (
		sess        Session
		projectPath sql.NullString
		startedAt   string
	)
	if err := row.Scan(&sess.ID, &projectPath, &startedAt, &sess.ExchangeCount); err != nil {
		return Session{}, err
	}
	sess.ProjectPath = projectPath.String
	sess.StartedAt = parseTime(startedAt)
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeToolNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool names: %w", err)
	}
	return string(data), nil
}

// serializeEmbedding produces the little-endian float32 blob vec0 expects.
func serializeEmbedding(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	return sqlite_vec.SerializeFloat32(vec)
}

func deserializeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
