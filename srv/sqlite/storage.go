package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow/common"
	"agentflow/domain"
)

type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) CheckConnection(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MGet returns the raw JSON stored for keys in namespace, in key order. A
// missing key yields a nil entry.
func (s *Storage) MGet(ctx context.Context, namespace string, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, namespace)
	for i, key := range keys {
		placeholders[i] = "?"
		args = append(args, key)
	}

	query := fmt.Sprintf("SELECT key, value FROM kv WHERE namespace = ? AND key IN (%s)", strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query kv store: %w", err)
	}
	defer rows.Close()

	results := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	orderedResults := make([][]byte, len(keys))
	for i, key := range keys {
		orderedResults[i] = results[key]
	}

	return orderedResults, nil
}

// MSet stores the JSON encoding of each value in namespace.
func (s *Storage) MSet(ctx context.Context, namespace string, values map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO kv (namespace, key, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, value := range values {
		jsonValue, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}

		_, err = stmt.ExecContext(ctx, namespace, key, jsonValue)
		if err != nil {
			return fmt.Errorf("failed to insert/update key %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

var (
	_ domain.FlowDefinitionStorage    = (*Storage)(nil)
	_ domain.FlowSessionStorage       = (*Storage)(nil)
	_ domain.FlowStepExecutionStorage = (*Storage)(nil)
	_ domain.FlowJobQueue             = (*Storage)(nil)
	_ domain.FlowEventStorage         = (*Storage)(nil)
	_ domain.FlowMemoryStorage        = (*Storage)(nil)
	_ domain.FlowInteractionStorage   = (*Storage)(nil)
	_ common.KeyValueStorage          = (*Storage)(nil)
)
