package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/ottohome/ottoengine/internal/rule"
)

// SQLiteStore keeps rule descriptors in a single-table SQLite
// database. The cgo-free driver keeps the binary self-contained.
type SQLiteStore struct {
	db     *sql.DB
	codec  rule.Codec
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rules (
	id         TEXT PRIMARY KEY,
	descriptor TEXT NOT NULL
);
`

// OpenSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func OpenSQLiteStore(ctx context.Context, path string, codec rule.Codec, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rules database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize rules schema: %w", err)
	}
	return &SQLiteStore{db: db, codec: codec, logger: logger}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]*rule.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, descriptor FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*rule.AutomationRule
	for rows.Next() {
		var id, descriptor string
		if err := rows.Scan(&id, &descriptor); err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		r, err := s.codec.DecodeRule([]byte(descriptor))
		if err != nil {
			s.logger.Error("failed to parse stored rule", "rule_id", id, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) LoadRule(ctx context.Context, id string) (*rule.AutomationRule, error) {
	var descriptor string
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM rules WHERE id = ?`, id).Scan(&descriptor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule %s: %w", id, err)
	}
	return s.codec.DecodeRule([]byte(descriptor))
}

func (s *SQLiteStore) SaveRule(ctx context.Context, r *rule.AutomationRule) error {
	data, err := s.codec.EncodeRule(r)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules (id, descriptor) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET descriptor = excluded.descriptor`,
		r.ID, string(data))
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rule %s: %w", id, err)
	}
	return n > 0, nil
}
