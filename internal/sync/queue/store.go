package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/storage"
)

// Store persists the whole queue as one ordered sequence.
//
// Load returns an empty sequence when nothing was saved yet or the saved
// content cannot be decoded. Save replaces the previous sequence atomically.
type Store interface {
	Load(ctx context.Context) ([]models.SyncOperation, error)
	Save(ctx context.Context, ops []models.SyncOperation) error
}

// KVStore keeps the queue as a JSON array under storage.KeySyncQueue.
type KVStore struct {
	kv storage.KV
}

func NewKVStore(kv storage.KV) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Load(ctx context.Context) ([]models.SyncOperation, error) {
	raw, err := s.kv.Get(ctx, storage.KeySyncQueue)
	if errors.Is(err, storage.ErrNotFound) {
		return []models.SyncOperation{}, nil
	}
	if errors.Is(err, storage.ErrCorrupt) {
		logging.Warn("Discarding unreadable sync queue", map[string]interface{}{"error": err.Error()})
		return []models.SyncOperation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}

	var ops []models.SyncOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		logging.Warn("Discarding corrupt sync queue", map[string]interface{}{"error": err.Error()})
		return []models.SyncOperation{}, nil
	}
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	return ops, nil
}

func (s *KVStore) Save(ctx context.Context, ops []models.SyncOperation) error {
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode sync queue: %w", err)
	}
	if err := s.kv.Set(ctx, storage.KeySyncQueue, raw); err != nil {
		return fmt.Errorf("save sync queue: %w", err)
	}
	return nil
}

// SQLiteStore keeps the queue in the sync_queue table, one row per operation,
// ordered by the seq column.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(ctx context.Context) ([]models.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, operation_type, entity_id, data, timestamp,
		       priority, retry_count, max_retries, status, error, school_id
		FROM sync_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	defer rows.Close()

	ops := []models.SyncOperation{}
	for rows.Next() {
		var (
			op       models.SyncOperation
			data     string
			errMsg   sql.NullString
			schoolID sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.EntityType, &op.OperationType, &op.EntityID, &data, &op.Timestamp,
			&op.Priority, &op.RetryCount, &op.MaxRetries, &op.Status, &errMsg, &schoolID); err != nil {
			return nil, fmt.Errorf("scan sync queue row: %w", err)
		}
		if !json.Valid([]byte(data)) {
			logging.Warn("Dropping sync operation with corrupt payload", map[string]interface{}{"operation_id": op.ID})
			continue
		}
		op.Data = json.RawMessage(data)
		if errMsg.Valid {
			op.Error = &errMsg.String
		}
		if schoolID.Valid {
			op.SchoolID = &schoolID.String
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) Save(ctx context.Context, ops []models.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync queue save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue"); err != nil {
		return fmt.Errorf("clear sync queue: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_queue (id, seq, entity_type, operation_type, entity_id, data, timestamp,
		                        priority, retry_count, max_retries, status, error, school_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sync queue insert: %w", err)
	}
	defer stmt.Close()

	for i, op := range ops {
		if _, err := stmt.ExecContext(ctx, op.ID, i, op.EntityType, op.OperationType, op.EntityID,
			string(op.Data), op.Timestamp, op.Priority, op.RetryCount, op.MaxRetries, op.Status,
			op.Error, op.SchoolID); err != nil {
			return fmt.Errorf("insert sync operation %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync queue: %w", err)
	}
	return nil
}
