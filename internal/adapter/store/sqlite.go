package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_requests (
	request_id       TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL DEFAULT '',
	key_id           TEXT NOT NULL DEFAULT '',
	user_id          TEXT NOT NULL DEFAULT '',
	model            TEXT NOT NULL DEFAULT '',
	status_code      INTEGER NOT NULL,
	error_message    TEXT NOT NULL DEFAULT '',
	duration_ms      INTEGER NOT NULL,
	provider_chain   TEXT NOT NULL DEFAULT '[]',
	special_settings TEXT NOT NULL DEFAULT '[]',
	request_headers  TEXT NOT NULL DEFAULT '{}',
	response_headers TEXT NOT NULL DEFAULT '{}',
	upstream_status  INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_requests_session ON message_requests(session_id);
CREATE INDEX IF NOT EXISTS idx_message_requests_key ON message_requests(key_id, created_at);

CREATE TABLE IF NOT EXISTS session_audits (
	session_id  TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	key_id      TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL
);
`

// SQLite persists request audits to a local database file. Writes happen on
// the request path after the response is settled, so they are best-effort:
// callers log failures and move on.
type SQLite struct {
	db  *sql.DB
	log logger.StyledLogger
}

var _ ports.AuditStore = (*SQLite)(nil)

// NewSQLite opens (and migrates) the audit database at path. ":memory:" is
// accepted for tests.
func NewSQLite(path string, log logger.StyledLogger) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		// single writer; WAL keeps readers out of the writer's way
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &SQLite{db: db, log: log}, nil
}

func (s *SQLite) SaveMessageRequest(ctx context.Context, rec *ports.MessageRequestRecord) error {
	chain, err := json.Marshal(rec.ProviderChain)
	if err != nil {
		return fmt.Errorf("encode provider chain: %w", err)
	}
	settings, err := json.Marshal(rec.SpecialSettings)
	if err != nil {
		return fmt.Errorf("encode special settings: %w", err)
	}
	reqHeaders, _ := json.Marshal(rec.RequestHeaders)
	respHeaders, _ := json.Marshal(rec.ResponseHeaders)

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_requests (
			request_id, session_id, key_id, user_id, model,
			status_code, error_message, duration_ms,
			provider_chain, special_settings,
			request_headers, response_headers, upstream_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status_code = excluded.status_code,
			error_message = excluded.error_message,
			duration_ms = excluded.duration_ms,
			provider_chain = excluded.provider_chain,
			special_settings = excluded.special_settings,
			response_headers = excluded.response_headers,
			upstream_status = excluded.upstream_status`,
		rec.RequestID, rec.SessionID, rec.KeyID, rec.UserID, rec.Model,
		rec.StatusCode, rec.ErrorMessage, rec.DurationMs,
		string(chain), string(settings),
		string(reqHeaders), string(respHeaders), rec.UpstreamStatus, createdAt,
	)
	if err != nil {
		return fmt.Errorf("save message request: %w", err)
	}
	return nil
}

func (s *SQLite) SaveSessionAudit(ctx context.Context, rec *ports.SessionAuditRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_audits (session_id, provider_id, key_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			provider_id = excluded.provider_id,
			key_id = excluded.key_id,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.ProviderID, rec.KeyID, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session audit: %w", err)
	}
	return nil
}

// LastProvider reads back the sticky provider for a session, if recorded
func (s *SQLite) LastProvider(ctx context.Context, sessionID string) (string, error) {
	var providerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id FROM session_audits WHERE session_id = ?`, sessionID,
	).Scan(&providerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session audit: %w", err)
	}
	return providerID, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
