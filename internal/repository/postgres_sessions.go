package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"runboard/pkg/models"
)

// CreateSession inserts a new sync session audit record.
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.SyncSession) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return storeErr("create session: encode", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO sync_sessions (id, organization, status, started_at, completed_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.Organization, string(session.Status),
		session.StartedAt, session.CompletedAt, doc,
	)
	if err != nil {
		return storeErr("create session", err)
	}
	return nil
}

// UpdateSession overwrites a session record. Only the owning orchestrator
// run mutates a session, so a plain overwrite is safe.
func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.SyncSession) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return storeErr("update session: encode", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE sync_sessions
		SET status = $2, completed_at = $3, doc = $4
		WHERE id = $1`,
		session.ID, string(session.Status), session.CompletedAt, doc,
	)
	if err != nil {
		return storeErr("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.SyncSession, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM sync_sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	var session models.SyncSession
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, storeErr("get session: decode", err)
	}
	return &session, nil
}

// ListSessions returns sessions newest-started first.
func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]*models.SyncSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT doc FROM sync_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	var sessions []*models.SyncSession
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, storeErr("list sessions", err)
		}
		var session models.SyncSession
		if err := json.Unmarshal(doc, &session); err != nil {
			return nil, storeErr("list sessions: decode", err)
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}
