package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresClient upserts records into one JSONB table per collection.
type PostgresClient struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

func NewPostgresClient(dsn string) (*PostgresClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &PostgresClient{
		dsn:    dsn,
		openDB: sql.Open,
		tables: make(map[string]bool),
	}, nil
}

func (c *PostgresClient) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		c.db = db
	})
	if c.initErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, c.initErr)
	}
	return nil
}

func (c *PostgresClient) ensureTable(ctx context.Context, collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[collection] {
		return nil
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, quoteIdentifier(collection))
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return classify(err)
	}
	c.tables[collection] = true
	return nil
}

func (c *PostgresClient) Upsert(ctx context.Context, collection, id string, data json.RawMessage) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if err := c.ensureTable(ctx, collection); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, quoteIdentifier(collection))
	if _, err := c.db.ExecContext(ctx, query, id, string(data)); err != nil {
		return classify(err)
	}
	return nil
}

func (c *PostgresClient) Delete(ctx context.Context, collection, id string) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if err := c.ensureTable(ctx, collection); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(collection))
	if _, err := c.db.ExecContext(ctx, query, id); err != nil {
		return classify(err)
	}
	return nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *PostgresClient) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// classify maps server-side refusals onto ErrRejected and keeps the SQLSTATE
// in the message. Anything else is returned as is.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w: %s (%s)", ErrRejected, pqErr.Message, pqErr.Code)
	}
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
