package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// DefaultTable is the table used by PostgresStore when none is configured.
const DefaultTable = "connections"

// PostgresStore keeps connection rows in a single table keyed by token.
// floor_code is deliberately not indexed: ScanByFloor is a predicate scan over
// a table bounded by the number of open sessions.
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewPostgresStore wraps db. An empty table selects DefaultTable.
func NewPostgresStore(db *sql.DB, table string, logger *zap.Logger) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table), logger: logger}
}

// EnsureSchema creates the connections table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		token      TEXT PRIMARY KEY,
		user_name  TEXT NOT NULL,
		floor_code TEXT NOT NULL,
		color      TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return presence.StorageError("create schema", err)
	}
	return nil
}

// Put implements presence.ConnectionStore as an upsert.
func (s *PostgresStore) Put(ctx context.Context, c presence.Connection) error {
	query := fmt.Sprintf(`INSERT INTO %s (token, user_name, floor_code, color)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET user_name = EXCLUDED.user_name,
			floor_code = EXCLUDED.floor_code,
			color = EXCLUDED.color`, s.table)
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.DisplayName, c.Floor, c.Color); err != nil {
		return presence.StorageError("put", err)
	}
	return nil
}

// Get implements presence.ConnectionStore.
func (s *PostgresStore) Get(ctx context.Context, id string) (presence.Connection, error) {
	query := fmt.Sprintf(`SELECT user_name, floor_code, color FROM %s WHERE token = $1`, s.table)

	c := presence.Connection{ID: id}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.DisplayName, &c.Floor, &c.Color)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.Connection{}, presence.ErrNotFound
	}
	if err != nil {
		return presence.Connection{}, presence.StorageError("get", err)
	}
	return c, nil
}

// Delete implements presence.ConnectionStore.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE token = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return presence.StorageError("delete", err)
	}
	return nil
}

// UpdateFloor implements presence.ConnectionStore. The previous floor is read
// under a row lock in the same statement that writes the new one.
func (s *PostgresStore) UpdateFloor(ctx context.Context, id, newFloor string) (string, error) {
	query := fmt.Sprintf(`UPDATE %[1]s AS c
		SET floor_code = $2
		FROM (SELECT token, floor_code FROM %[1]s WHERE token = $1 FOR UPDATE) AS prev
		WHERE c.token = prev.token
		RETURNING prev.floor_code`, s.table)

	var old string
	err := s.db.QueryRowContext(ctx, query, id, newFloor).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return "", presence.ErrNotFound
	}
	if err != nil {
		return "", presence.StorageError("update floor", err)
	}
	return old, nil
}

// ScanByFloor implements presence.ConnectionStore.
func (s *PostgresStore) ScanByFloor(ctx context.Context, floor string) ([]presence.Connection, error) {
	query := fmt.Sprintf(`SELECT token, user_name, floor_code, color FROM %s WHERE floor_code = $1`, s.table)

	rows, err := s.db.QueryContext(ctx, query, floor)
	if err != nil {
		return nil, presence.StorageError("scan", err)
	}
	defer rows.Close()

	var members []presence.Connection
	for rows.Next() {
		var c presence.Connection
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.Floor, &c.Color); err != nil {
			return nil, presence.StorageError("scan", err)
		}
		members = append(members, c)
	}
	if err := rows.Err(); err != nil {
		return nil, presence.StorageError("scan", err)
	}

	s.logger.Debug("Scanned floor",
		zap.String("floor", floor),
		zap.Int("member_count", len(members)),
	)
	return members, nil
}
