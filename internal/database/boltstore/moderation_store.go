package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"verdict/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// ModerationStore provides the persistent audit trail for subscription changes.
type ModerationStore struct {
	db *bolt.DB
}

var _ moderation.AuditLog = (*ModerationStore)(nil)

// LogAction stores an entry in the audit log.
func (s *ModerationStore) LogAction(ctx context.Context, entry moderation.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAuditLog)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketAuditLog)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}

		// Zero-padded timestamp keeps keys in chronological order
		key := fmt.Sprintf("%020d:%s", entry.Timestamp.UnixNano(), entry.ID)

		return bucket.Put([]byte(key), data)
	})
}

// ListAuditLog returns up to limit entries, newest first.
func (s *ModerationStore) ListAuditLog(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	var entries []moderation.AuditEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAuditLog)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry moderation.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip malformed entries
			}
			entries = append(entries, entry)
		}
		return nil
	})

	return entries, err
}
