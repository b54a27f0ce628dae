// Package scrubber removes secrets from conversation text before it is
// stored or logged.
package scrubber

import (
	"fmt"
	"io"
	"regexp"
	"sync"
)

// Rule replaces every match of Pattern with Replacement. Replacement may
// reference capture groups with ${n}.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

func redacted(name string) string {
	return "[REDACTED:" + name + "]"
}

// DefaultRules is the built-in table, applied in order. More specific
// patterns come before the generic ones that would otherwise eat them.
func DefaultRules() []Rule {
	return []Rule{
		{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), redacted("private_key")},
		{"anthropic_key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted("anthropic_key")},
		{"openai_key", regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), redacted("openai_key")},
		{"github_token", regexp.MustCompile(`(?:gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,})`), redacted("github_token")},
		{"slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), redacted("slack_token")},
		{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted("aws_access_key")},
		{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), redacted("jwt")},
		{"bearer_token", regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9._~+/=-]{8,}`), "${1}" + redacted("bearer_token")},
		{"url_credentials", regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^\s:/@\[]+:)[^\s@/]+@`), "${1}" + redacted("password") + "@"},
		{"bot_token", regexp.MustCompile(`\b\d{8,10}:[a-zA-Z0-9_-]{30,}`), redacted("bot_token")},
		{"credential", regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|client[_-]?secret|api[_-]?key|access[_-]?token|auth[_-]?token)(["']?\s*[:=]\s*["']?)([^\s"',;\[][^\s"',;]*)`), "${1}${2}" + redacted("credential")},
	}
}

// Scrubber applies a rule table. It is safe for concurrent use.
type Scrubber struct {
	mu    sync.RWMutex
	rules []Rule
}

// New returns a scrubber loaded with DefaultRules.
func New() *Scrubber {
	return &Scrubber{rules: DefaultRules()}
}

// AddPattern appends a custom rule.
func (s *Scrubber) AddPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", name, err)
	}

	s.mu.Lock()
	s.rules = append(s.rules, Rule{Name: name, Pattern: re, Replacement: redacted(name)})
	s.mu.Unlock()
	return nil
}

// Redact returns text with every rule applied.
func (s *Scrubber) Redact(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return text
}

// Wrap returns a writer that redacts each write before passing it on.
func (s *Scrubber) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, scrubber: s}
}

type redactingWriter struct {
	writer   io.Writer
	scrubber *Scrubber
}

// Write reports len(p) on success even when redaction changed the length,
// so callers like zerolog do not treat it as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.scrubber.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
