package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Store struct {
	db     *sql.DB
	driver string
}

// New opens the database and applies the schema.
// For sqlite, dsn is a file path or ":memory:"; for pgx it is a connection string.
func New(driver, dsn string) (*Store, error) {
	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	types := strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{time}}", "DATETIME",
		"{{float}}", "REAL",
	)
	if s.driver == DriverPostgres {
		types = strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{time}}", "TIMESTAMPTZ",
			"{{float}}", "DOUBLE PRECISION",
		)
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(types.Replace(stmt)); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS exams (
		id {{pk}},
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subjects (
		id {{pk}},
		exam_id BIGINT NOT NULL REFERENCES exams(id),
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (exam_id, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS topics (
		id {{pk}},
		subject_id BIGINT NOT NULL REFERENCES subjects(id),
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (subject_id, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id {{pk}},
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id {{pk}},
		exam_id BIGINT NOT NULL REFERENCES exams(id),
		subject_id BIGINT REFERENCES subjects(id),
		year INTEGER NOT NULL,
		shift TEXT,
		marks INTEGER NOT NULL CHECK (marks > 0),
		type TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		is_formula_based BOOLEAN NOT NULL DEFAULT FALSE,
		has_solution BOOLEAN NOT NULL DEFAULT FALSE,
		body TEXT NOT NULL,
		created_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions (exam_id, year, created_at)`,
	`CREATE TABLE IF NOT EXISTS question_topics (
		question_id BIGINT NOT NULL REFERENCES questions(id),
		topic_id BIGINT NOT NULL REFERENCES topics(id),
		PRIMARY KEY (question_id, topic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS question_tags (
		question_id BIGINT NOT NULL REFERENCES questions(id),
		tag_id BIGINT NOT NULL REFERENCES tags(id),
		PRIMARY KEY (question_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS options (
		id {{pk}},
		question_id BIGINT NOT NULL REFERENCES questions(id),
		label TEXT NOT NULL,
		text TEXT NOT NULL,
		is_correct BOOLEAN NOT NULL DEFAULT FALSE,
		position INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS solutions (
		id {{pk}},
		question_id BIGINT NOT NULL UNIQUE REFERENCES questions(id),
		answer_text TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id {{pk}},
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		created_at {{time}} NOT NULL,
		expires_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mocks (
		id {{pk}},
		user_id BIGINT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		time_limit INTEGER,
		created_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mock_questions (
		mock_id BIGINT NOT NULL REFERENCES mocks(id),
		question_id BIGINT NOT NULL REFERENCES questions(id),
		ord INTEGER NOT NULL CHECK (ord > 0),
		UNIQUE (mock_id, question_id),
		UNIQUE (mock_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS mock_submissions (
		id {{pk}},
		mock_id BIGINT NOT NULL REFERENCES mocks(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		total_score INTEGER NOT NULL DEFAULT 0,
		created_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_mock ON mock_submissions (mock_id, user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS mock_question_responses (
		id {{pk}},
		submission_id BIGINT NOT NULL REFERENCES mock_submissions(id),
		question_id BIGINT NOT NULL REFERENCES questions(id),
		selected_option_id BIGINT REFERENCES options(id),
		numeric_answer {{float}},
		is_correct BOOLEAN NOT NULL,
		time_taken_seconds INTEGER NOT NULL DEFAULT 0 CHECK (time_taken_seconds >= 0),
		UNIQUE (submission_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS question_attempts (
		id {{pk}},
		user_id BIGINT NOT NULL REFERENCES users(id),
		question_id BIGINT NOT NULL REFERENCES questions(id),
		mode TEXT NOT NULL CHECK (mode IN ('practice', 'mock')),
		selected_option_id BIGINT REFERENCES options(id),
		numeric_answer {{float}},
		is_correct BOOLEAN NOT NULL,
		time_taken_seconds INTEGER NOT NULL DEFAULT 0,
		created_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_user ON question_attempts (user_id, question_id)`,
	`CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at {{time}} NOT NULL
	)`,
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a unit of work. All writes made through it commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction and commits if fn returns nil.
// fn must not use the Store directly: an in-memory database has one connection.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// args accumulates positional parameters and renders $n placeholders,
// which both drivers accept.
type args struct {
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return "$" + strconv.Itoa(len(a.vals))
}

func addList[T any](a *args, vs []T) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = a.add(v)
	}
	return strings.Join(ph, ", ")
}

func now() time.Time {
	return time.Now().UTC()
}
