package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Session scopes the data-store contract to a single pooled session.
// No two goroutines may use the same Session concurrently; the caller
// holds the underlying connection on loan for the Session's lifetime.
type Session struct {
	conn   *sql.Conn
	logger *zap.Logger
}

// NewSession wraps a loaned connection.
func NewSession(conn *sql.Conn, logger *zap.Logger) *Session {
	return &Session{conn: conn, logger: logger}
}

// Execute runs one statement. Statements are never retried: a failed
// statement is the caller's error to handle.
func (s *Session) Execute(ctx context.Context, stmt string, args ...any) error {
	s.logger.Debug("Executing statement", zap.String("stmt", stmt))
	if _, err := s.conn.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("statement execution failed: %w", err)
	}
	return nil
}

// ExecuteAffected runs one statement and reports how many rows changed.
func (s *Session) ExecuteAffected(ctx context.Context, stmt string, args ...any) (int64, error) {
	s.logger.Debug("Executing statement", zap.String("stmt", stmt))
	res, err := s.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("statement execution failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected, nil
}

// Query runs one query and returns its rows with column-indexed access.
func (s *Session) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	s.logger.Debug("Running query", zap.String("stmt", stmt))
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

// QueryRow runs a query expected to return at most one row.
func (s *Session) QueryRow(ctx context.Context, stmt string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, stmt, args...)
}

// BulkLoad inserts records into table inside one transaction with a
// prepared statement. Either every record lands or none does.
func (s *Session) BulkLoad(ctx context.Context, table string, columns []string, records [][]any) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders,
	))
	if err != nil {
		return fmt.Errorf("failed to prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, record...); err != nil {
			return fmt.Errorf("bulk insert failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk insert: %w", err)
	}

	s.logger.Debug("Bulk load committed",
		zap.String("table", table),
		zap.Int("records", len(records)),
	)
	return nil
}

// EscapeLiteral quotes a user-controlled value as a SQL string literal.
// Statement text built here uses placeholders instead wherever the
// engine allows; this exists for the dump files and for callers that
// must interpolate.
func EscapeLiteral(raw string) string {
	return "'" + strings.ReplaceAll(raw, "'", "''") + "'"
}
