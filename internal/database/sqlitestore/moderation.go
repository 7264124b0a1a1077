package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"verdict/internal/moderation"
)

// ModerationStore implements moderation.AuditLog using SQLite.
// It shares the database connection with CacheStore.
type ModerationStore struct {
	db *sql.DB
}

// NewModerationStore creates a ModerationStore backed by the given database.
func NewModerationStore(db *sql.DB) *ModerationStore {
	return &ModerationStore{db: db}
}

// Ensure ModerationStore implements the interface at compile time.
var _ moderation.AuditLog = (*ModerationStore)(nil)

func (s *ModerationStore) LogAction(ctx context.Context, entry moderation.AuditEntry) error {
	details := "{}"
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_audit_log (id, action, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Action), entry.TargetID, details, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

func (s *ModerationStore) ListAuditLog(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, target_id, details, timestamp
		FROM moderation_audit_log ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []moderation.AuditEntry
	for rows.Next() {
		var e moderation.AuditEntry
		var action, details string
		var ts int64
		if err := rows.Scan(&e.ID, &action, &e.TargetID, &details, &ts); err != nil {
			continue
		}
		e.Action = moderation.AuditAction(action)
		e.Timestamp = time.Unix(0, ts).UTC()
		if details != "{}" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
