package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps the ledger in a single SQLite table. The table is the
// source of truth: there is no side file to fall out of sync with it.
//
// WAL mode lets the admin API and CLI read while the server appends.
type SQLiteStore struct {
	db *sql.DB
}

const entryColumns = `id, created_at, user_id, user_email, user_role, ip_address, action,
	entity_type, entity_id, old_value, new_value, details, prev_hash, hash`

// OpenSQLite opens (or creates) the ledger database at path and ensures
// the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger %s: %w", path, err)
	}

	// prev_hash is UNIQUE: two rows linking to the same predecessor would
	// be a fork, so storage refuses it even if a writer misbehaves.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at  TEXT NOT NULL,
			user_id     TEXT,
			user_email  TEXT,
			user_role   TEXT,
			ip_address  TEXT,
			action      TEXT NOT NULL,
			entity_type TEXT,
			entity_id   TEXT,
			old_value   TEXT,
			new_value   TEXT,
			details     TEXT,
			prev_hash   TEXT NOT NULL UNIQUE,
			hash        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
		CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_log(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_user_email ON audit_log(user_email);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Tip returns the hash of the newest row, or "" for an empty ledger.
func (s *SQLiteStore) Tip(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading chain tip: %w", err)
	}
	return hash, nil
}

// Append inserts e in a single statement that only fires when e.PrevHash
// is still the newest hash. SQLite runs the statement atomically, so the
// tip check and the insert cannot interleave with another writer.
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	var userID, email, role *string
	if e.Actor != nil {
		userID, email, role = optional(e.Actor.UserID), optional(e.Actor.Email), optional(e.Actor.Role)
	}
	var entityType, entityID *string
	if e.Entity != nil {
		entityType, entityID = optional(e.Entity.Type), optional(e.Entity.ID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (created_at, user_id, user_email, user_role, ip_address, action,
			entity_type, entity_id, old_value, new_value, details, prev_hash, hash)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE((SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1), '') = ?`,
		FormatTime(e.CreatedAt), userID, email, role, optional(e.SourceAddress), e.Action,
		entityType, entityID, e.OldValue.nullable(), e.NewValue.nullable(), e.Details.nullable(),
		e.PrevHash, e.Hash,
		e.PrevHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrTipMoved
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	if n == 0 {
		return ErrTipMoved
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading ledger entry id: %w", err)
	}
	e.ID = id
	return nil
}

// Scan streams entries with id > afterID in ascending order.
func (s *SQLiteStore) Scan(ctx context.Context, afterID int64, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM audit_log WHERE id > ? ORDER BY id ASC", afterID)
	if err != nil {
		return fmt.Errorf("scanning ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// Find returns matching entries newest first.
func (s *SQLiteStore) Find(ctx context.Context, c Criteria, limit, offset int) ([]Entry, error) {
	where, args := buildWhere(c)
	query := "SELECT " + entryColumns + " FROM audit_log" + where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries matching c.
func (s *SQLiteStore) Count(ctx context.Context, c Criteria) (int, error) {
	where, args := buildWhere(c)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting ledger entries: %w", err)
	}
	return n, nil
}

// Actions returns the distinct action values in lexical order.
func (s *SQLiteStore) Actions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT action FROM audit_log ORDER BY action")
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	actions := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// buildWhere turns criteria into a WHERE clause and its arguments.
func buildWhere(c Criteria) (string, []any) {
	var clauses []string
	var args []any

	if len(c.Actions) > 0 {
		clauses = append(clauses, "action IN (?"+strings.Repeat(", ?", len(c.Actions)-1)+")")
		for _, a := range c.Actions {
			args = append(args, a)
		}
	}
	if c.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, c.EntityType)
	}
	if c.Actor != "" {
		clauses = append(clauses, "(user_email = ? OR user_id = ?)")
		args = append(args, c.Actor, c.Actor)
	}
	if !c.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, FormatTime(c.Since))
	}
	if !c.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, FormatTime(c.Until))
	}
	if c.MaxID > 0 {
		clauses = append(clauses, "id <= ?")
		args = append(args, c.MaxID)
	}
	if c.Search != "" {
		like := "%" + escapeLike(c.Search) + "%"
		clauses = append(clauses, `(action LIKE ? ESCAPE '\' OR details LIKE ? ESCAPE '\'`+
			` OR old_value LIKE ? ESCAPE '\' OR new_value LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one row in entryColumns order.
func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                           Entry
		createdAt                   string
		userID, email, role, ip     sql.NullString
		entityType, entityID        sql.NullString
		oldValue, newValue, details sql.NullString
	)
	err := row.Scan(&e.ID, &createdAt, &userID, &email, &role, &ip, &e.Action,
		&entityType, &entityID, &oldValue, &newValue, &details, &e.PrevHash, &e.Hash)
	if err != nil {
		return Entry{}, fmt.Errorf("scanning ledger row: %w", err)
	}

	if t, err := ParseTime(createdAt); err == nil {
		e.CreatedAt = t
	}
	if userID.Valid || email.Valid || role.Valid {
		e.Actor = &Actor{UserID: userID.String, Email: email.String, Role: role.String}
	}
	e.SourceAddress = ip.String
	if entityType.Valid || entityID.Valid {
		e.Entity = &EntityRef{Type: entityType.String, ID: entityID.String}
	}
	e.OldValue = ParsePayload(oldValue.String)
	e.NewValue = ParsePayload(newValue.String)
	e.Details = ParsePayload(details.String)
	return e, nil
}
