package indexer

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// maxLineSize bounds a single log line. Tool outputs can be large.
const maxLineSize = 32 * 1024 * 1024

// ParsedExchange is one user prompt plus the assistant turns answering it.
type ParsedExchange struct {
	UserMessage      string
	AssistantMessage string
	ToolNames        []string
	Timestamp        time.Time
	SessionID        string
	ProjectPath      string
	GitBranch        string
	ParentRef        string
	LineStart        int
	LineEnd          int
}

// ParseConversation reads a JSONL conversation log. A user line with text
// opens an exchange; assistant lines that follow are appended to it. User
// lines carrying only tool results continue the open exchange. Lines that
// are not valid JSON are skipped with a warning.
func ParseConversation(r io.Reader, logger zerolog.Logger) ([]ParsedExchange, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		exchanges []ParsedExchange
		current   *ParsedExchange
		assistant []string
		seenTools map[string]bool
		lineNo    int
	)

	flush := func() {
		if current == nil {
			return
		}
		current.AssistantMessage = strings.Join(assistant, "\n\n")
		if current.AssistantMessage != "" {
			exchanges = append(exchanges, *current)
		}
		current, assistant, seenTools = nil, nil, nil
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			logger.Warn().Int("line", lineNo).Msg("Skipping malformed conversation line")
			continue
		}

		entry := gjson.ParseBytes(line)
		if entry.Get("isMeta").Bool() {
			continue
		}

		switch entry.Get("type").String() {
		case "user":
			text, toolResultsOnly := userText(entry.Get("message.content"))
			if text == "" || toolResultsOnly {
				if current != nil {
					current.LineEnd = lineNo
				}
				continue
			}
			flush()
			current = &ParsedExchange{
				UserMessage: text,
				ToolNames:   []string{},
				Timestamp:   parseTimestamp(entry.Get("timestamp").String()),
				SessionID:   entry.Get("sessionId").String(),
				ProjectPath: entry.Get("cwd").String(),
				GitBranch:   entry.Get("gitBranch").String(),
				ParentRef:   entry.Get("parentUuid").String(),
				LineStart:   lineNo,
				LineEnd:     lineNo,
			}
			seenTools = map[string]bool{}

		case "assistant":
			if current == nil {
				continue
			}
			text, tools := assistantContent(entry.Get("message.content"))
			if text != "" {
				assistant = append(assistant, text)
			}
			for _, name := range tools {
				if !seenTools[name] {
					seenTools[name] = true
					current.ToolNames = append(current.ToolNames, name)
				}
			}
			current.LineEnd = lineNo
		}
	}
	if err := scanner.Err(); err != nil {
		return exchanges, fmt.Errorf("failed to read conversation at line %d: %w", lineNo+1, err)
	}

	flush()
	return exchanges, nil
}

// userText extracts prompt text. The second result is true when the content
// holds tool results and nothing else.
func userText(content gjson.Result) (string, bool) {
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String()), false
	}
	if !content.IsArray() {
		return "", false
	}

	var parts []string
	sawToolResult := false
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			if t := strings.TrimSpace(block.Get("text").String()); t != "" {
				parts = append(parts, t)
			}
		case "tool_result":
			sawToolResult = true
		}
	}
	return strings.Join(parts, "\n"), sawToolResult && len(parts) == 0
}

func assistantContent(content gjson.Result) (string, []string) {
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String()), nil
	}

	var parts, tools []string
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			if t := strings.TrimSpace(block.Get("text").String()); t != "" {
				parts = append(parts, t)
			}
		case "tool_use":
			if name := block.Get("name").String(); name != "" {
				tools = append(tools, name)
			}
		}
	}
	return strings.Join(parts, "\n"), tools
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
