package observability

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one destructive or data-moving store operation.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"` // e.g. "prune", "repair_fix", "export"
	Status    string                 `json:"status"` // "success" or "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger. Until InitAuditLogger is
// called events are discarded.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.Nop()}
	}
	return auditInst
}

// InitAuditLogger directs audit events to path, replacing any previous sink.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	prev := auditInst
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Record writes one event.
func (a *AuditLogger) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status).
		Time("event_time", event.Timestamp)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		a.logger = zerolog.Nop()
		return err
	}
	return nil
}

// RecordStoreAudit records a store maintenance action.
func RecordStoreAudit(action string, success bool, metadata map[string]interface{}) {
	status := "failure"
	if success {
		status = "success"
	}
	GetAuditLogger().Record(AuditEvent{
		Type:     "store",
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
