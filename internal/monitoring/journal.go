// Package monitoring - journal.go records per-completion metadata in SQLite.
//
// The journal stores only what the upstream API reported: model, latency,
// token usage, finish reason. No conversation content is written and no
// token counting happens here, so the in-memory-only contract of the
// conversation cache is untouched.
package monitoring

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/parley-ai/parley/internal/conversation"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS completions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    model TEXT NOT NULL,
    streamed INTEGER NOT NULL,
    finish_reason TEXT,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_completions_conversation
    ON completions(conversation_id);`

// Journal is a SQLite-backed completion journal. It implements
// conversation.Recorder.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record writes one completion record. Failures are logged, never
// surfaced: the journal is observability, not part of the conversation
// contract.
func (j *Journal) Record(rec conversation.Record) {
	_, err := j.db.Exec(
		`INSERT INTO completions
		    (conversation_id, model, streamed, finish_reason, input_tokens, output_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID,
		rec.Model,
		rec.Streamed,
		rec.FinishReason,
		rec.Usage.InputTokens,
		rec.Usage.OutputTokens,
		rec.Latency.Milliseconds(),
		rec.CreatedAt,
	)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", rec.ConversationID).Msg("journal write failed")
	}
}

// CompletionCount returns the number of journaled completions for a
// conversation. Used by the CLI's /stats command and by tests.
func (j *Journal) CompletionCount(conversationID string) (int, error) {
	var n int
	err := j.db.QueryRow(
		`SELECT COUNT(*) FROM completions WHERE conversation_id = ?`,
		conversationID,
	).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Ensure Journal implements conversation.Recorder.
var _ conversation.Recorder = (*Journal)(nil)
