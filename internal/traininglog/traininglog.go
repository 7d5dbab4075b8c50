// Package traininglog appends one JSON line per classified reply to a
// write-only file, mirroring the original's flat-file training data
// capture. It is a dedicated slog.Logger instance, kept separate from
// the process's operational logger so training data and ops logs never
// interleave in the same stream.
package traininglog

import (
	"log/slog"
	"os"

	"github.com/flowcatalyst/followup-engine/internal/decision"
)

// Logger appends one record per classified reply.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// Open creates or appends to the JSONL file at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{})
	return &Logger{slog: slog.New(handler), file: f}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// Record appends one line capturing the reply body, the classifier's
// verdict, and the routing outcome - training signal for a future
// classifier fine-tune, independent of what the pipeline decided to do
// about the reply operationally.
func (l *Logger) Record(messageID, body string, analysis decision.Analysis, action decision.Action) {
	l.slog.Info("classified_reply",
		"message_id", messageID,
		"body", body,
		"intent", string(analysis.Intent),
		"has_phone", analysis.HasPhone,
		"has_address", analysis.HasAddress,
		"action", string(action),
	)
}
