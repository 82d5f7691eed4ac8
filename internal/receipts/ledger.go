package receipts

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
)

// IssuedLedger remembers every receipt number handed out.
type IssuedLedger interface {
	Exists(ctx context.Context, schoolID string, kind Kind, number string) (bool, error)
	// Record stores numbers atomically. Recording a number that already
	// exists fails with code RECEIPT_DUPLICATE and stores none of them.
	Record(ctx context.Context, schoolID string, kind Kind, numbers []string, issuedAt time.Time) error
}

// SQLiteLedger stores issued numbers in the issued_receipts table.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) Exists(ctx context.Context, schoolID string, kind Kind, number string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM issued_receipts WHERE school_id = ? AND kind = ? AND number = ?",
		schoolID, string(kind), number).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "query issued receipts", err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) Record(ctx context.Context, schoolID string, kind Kind, numbers []string, issuedAt time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO issued_receipts (school_id, kind, number, issued_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare insert", err)
	}
	defer stmt.Close()

	for _, number := range numbers {
		res, err := stmt.ExecContext(ctx, schoolID, string(kind), number, issuedAt.UnixMilli())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "record receipt "+number, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.New(apperrors.ErrReceiptDuplicate, fmt.Sprintf("receipt %s already issued", number))
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit transaction", err)
	}
	return nil
}

// MemoryLedger is a process-local ledger for the memory store driver and tests.
type MemoryLedger struct {
	mu     sync.Mutex
	issued map[string]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{issued: make(map[string]time.Time)}
}

func ledgerKey(schoolID string, kind Kind, number string) string {
	return schoolID + "\x00" + string(kind) + "\x00" + number
}

func (m *MemoryLedger) Exists(_ context.Context, schoolID string, kind Kind, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.issued[ledgerKey(schoolID, kind, number)]
	return ok, nil
}

func (m *MemoryLedger) Record(_ context.Context, schoolID string, kind Kind, numbers []string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(numbers))
	for _, number := range numbers {
		k := ledgerKey(schoolID, kind, number)
		if _, ok := m.issued[k]; ok || seen[k] {
			return apperrors.New(apperrors.ErrReceiptDuplicate, fmt.Sprintf("receipt %s already issued", number))
		}
		seen[k] = true
	}
	for k := range seen {
		m.issued[k] = issuedAt
	}
	return nil
}
