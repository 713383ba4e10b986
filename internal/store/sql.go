package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/internal/metrics"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

// Dialect adapts the shared queries to one SQL engine.
type Dialect struct {
	Name string
	// Rebind rewrites ? placeholders for the engine.
	Rebind func(query string) string
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(err error) bool
}

// SQL implements Store on database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	q       map[string]string
}

var queries = map[string]string{
	"user_by_name": `SELECT id, username, password_hash FROM users WHERE LOWER(username) = LOWER(?)`,
	"user_by_id":   `SELECT id, username, password_hash FROM users WHERE id = ?`,
	"insert_user":  `INSERT INTO users (username, password_hash) VALUES (?, ?) RETURNING id`,
	"list_files":   `SELECT id, title, source_code FROM files WHERE owner_id = ? ORDER BY id`,
	"insert_file":  `INSERT INTO files (owner_id, title, source_code) VALUES (?, ?, ?) RETURNING id`,
	"get_file":     `SELECT id, title, source_code FROM files WHERE owner_id = ? AND id = ?`,
	"update_file":  `UPDATE files SET source_code = ?, updated_at = CURRENT_TIMESTAMP WHERE owner_id = ? AND id = ?`,
	"delete_file":  `DELETE FROM files WHERE owner_id = ? AND id = ?`,
	"prev_file":    `SELECT id FROM files WHERE owner_id = ? AND id < ? ORDER BY id DESC LIMIT 1`,
	"next_file":    `SELECT id FROM files WHERE owner_id = ? AND id > ? ORDER BY id LIMIT 1`,
}

// NewSQL wraps an open database.
func NewSQL(db *sql.DB, d Dialect) *SQL {
	q := make(map[string]string, len(queries))
	for name, query := range queries {
		if d.Rebind != nil {
			query = d.Rebind(query)
		}
		q[name] = query
	}
	return &SQL{db: db, dialect: d, q: q}
}

// DB returns the underlying database connection.
func (s *SQL) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQL) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate runs every *.up.sql file in dir of fsys, in name order. The
// migrations must be idempotent.
func (s *SQL) Migrate(ctx context.Context, fsys fs.FS, dir string) error {
	files, err := fs.Glob(fsys, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		logging.Info("running migration", zap.String("dialect", s.dialect.Name), zap.String("file", path.Base(f)))
		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func observe(query string, start time.Time) {
	metrics.RecordDBQuery(query, time.Since(start))
}

// parseID rejects ids that cannot name a row, so they read as not found.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *SQL) scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *SQL) GetUser(ctx context.Context, username string) (User, error) {
	defer observe("get_user", time.Now())
	return s.scanUser(s.db.QueryRowContext(ctx, s.q["user_by_name"], username))
}

func (s *SQL) GetUserByID(ctx context.Context, id int64) (User, error) {
	defer observe("get_user", time.Now())
	return s.scanUser(s.db.QueryRowContext(ctx, s.q["user_by_id"], id))
}

func (s *SQL) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	defer observe("create_user", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, s.q["user_by_name"], username).Scan(&existing, new(string), new(string))
	switch {
	case err == nil:
		return User{}, ErrUserExists
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	u := User{Username: username, PasswordHash: passwordHash}
	if err := tx.QueryRowContext(ctx, s.q["insert_user"], username, passwordHash).Scan(&u.ID); err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

func (s *SQL) ListFiles(ctx context.Context, ownerID int64) ([]models.FileRecord, error) {
	defer observe("list_files", time.Now())
	rows, err := s.db.QueryContext(ctx, s.q["list_files"], ownerID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	files := []models.FileRecord{}
	for rows.Next() {
		var id int64
		var f models.FileRecord
		if err := rows.Scan(&id, &f.Title, &f.SourceCode); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.ID = strconv.FormatInt(id, 10)
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQL) CreateFile(ctx context.Context, ownerID int64, title, source string) (models.FileRecord, error) {
	defer observe("create_file", time.Now())
	var id int64
	if err := s.db.QueryRowContext(ctx, s.q["insert_file"], ownerID, title, source).Scan(&id); err != nil {
		return models.FileRecord{}, fmt.Errorf("insert file: %w", err)
	}
	return models.FileRecord{ID: strconv.FormatInt(id, 10), Title: title, SourceCode: source}, nil
}

func (s *SQL) GetFile(ctx context.Context, ownerID int64, id string) (models.FileRecord, error) {
	defer observe("get_file", time.Now())
	n, err := parseID(id)
	if err != nil {
		return models.FileRecord{}, err
	}
	var f models.FileRecord
	err = s.db.QueryRowContext(ctx, s.q["get_file"], ownerID, n).Scan(&n, &f.Title, &f.SourceCode)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FileRecord{}, ErrNotFound
	}
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("get file: %w", err)
	}
	f.ID = strconv.FormatInt(n, 10)
	return f, nil
}

func (s *SQL) UpdateFile(ctx context.Context, ownerID int64, id, source string) error {
	defer observe("update_file", time.Now())
	n, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q["update_file"], source, ownerID, n)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) DeleteFile(ctx context.Context, ownerID int64, id string) (string, error) {
	defer observe("delete_file", time.Now())
	n, err := parseID(id)
	if err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q["delete_file"], ownerID, n)
	if err != nil {
		return "", fmt.Errorf("delete file: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return "", ErrNotFound
	}

	next, err := s.neighbour(ctx, tx, "prev_file", ownerID, n)
	if err == nil && next == "" {
		next, err = s.neighbour(ctx, tx, "next_file", ownerID, n)
	}
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQL) neighbour(ctx context.Context, tx *sql.Tx, query string, ownerID, id int64) (string, error) {
	var n int64
	err := tx.QueryRowContext(ctx, s.q[query], ownerID, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", query, err)
	}
	return strconv.FormatInt(n, 10), nil
}
