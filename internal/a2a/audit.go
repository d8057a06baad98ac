package a2a

import "github.com/rs/zerolog"

// LogAudit writes the envelope audit trail to the structured log, one entry
// per inbound or outbound message.
type LogAudit struct {
	log zerolog.Logger
}

// NewLogAudit creates a log-backed audit sink.
func NewLogAudit(log zerolog.Logger) *LogAudit {
	return &LogAudit{log: log.With().Str("component", "a2a_audit").Logger()}
}

// RecordAudit implements AuditSink.
func (a *LogAudit) RecordAudit(entry AuditEntry) {
	a.log.Info().
		Str("message_id", entry.MessageID).
		Str("sender", entry.Sender).
		Str("recipient", entry.Recipient).
		Time("timestamp", entry.Timestamp).
		Str("type", entry.Type).
		Str("direction", entry.Direction).
		Str("summary", entry.Summary).
		Msg("envelope")
}
