package sql

import (
	"database/sql"
	"fmt"
	"log/slog"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/lib/pq"

	"github.com/dexidp/extauth/storage"
)

// SSL represents SSL options for network databases.
type SSL struct {
	Mode     string
	CAFile   string
	KeyFile  string
	CertFile string
}

// Postgres options for creating a SQL storage backend.
type Postgres struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	SSL SSL `json:"ssl" yaml:"ssl"`

	ConnectionTimeout int // seconds
}

// Open creates a new storage.Storage backed by Postgres.
func (p *Postgres) Open(logger *slog.Logger) (storage.Storage, error) {
	return p.open(logger)
}

func (p *Postgres) open(logger *slog.Logger) (*conn, error) {
	values := url(map[string]string{
		"dbname":          p.Database,
		"user":            p.User,
		"password":        p.Password,
		"host":            p.Host,
		"port":            fmt.Sprintf("%d", p.Port),
		"connect_timeout": fmt.Sprintf("%d", p.ConnectionTimeout),
		"sslmode":         p.SSL.Mode,
		"sslrootcert":     p.SSL.CAFile,
		"sslkey":          p.SSL.KeyFile,
		"sslcert":         p.SSL.CertFile,
	})

	db, err := sql.Open("postgres", values)
	if err != nil {
		return nil, err
	}

	errCheck := func(err error) bool {
		sqlErr, ok := err.(*pq.Error)
		return ok && sqlErr.Code.Name() == "unique_violation"
	}

	c := &conn{db, flavorPostgres, logger, errCheck}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}

func url(values map[string]string) string {
	out := ""
	for k, v := range values {
		if v == "" {
			continue
		}
		out += fmt.Sprintf("%s='%s' ", k, escapeSingleQuotes(v))
	}
	return out
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// SQLite3 options for creating a SQL storage backend.
type SQLite3 struct {
	// File is the path to the sqlite3 database file, or ":memory:".
	File string `json:"file"`
}

// Open creates a new storage.Storage backed by SQLite3.
func (s *SQLite3) Open(logger *slog.Logger) (storage.Storage, error) {
	return s.open(logger)
}

func (s *SQLite3) open(logger *slog.Logger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// Only one connection may write to a sqlite3 file at a time; any other
	// goroutine attempting concurrent access waits.
	db.SetMaxOpenConns(1)

	errCheck := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		return ok && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	c := &conn{db, flavorSQLite3, logger, errCheck}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}
