package dump

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Backend identifies the kind of database behind a connection URL.
type Backend string

const (
	BackendPostgres Backend = "postgresql"
	BackendSQLite   Backend = "sqlite"
	BackendUnknown  Backend = "unknown"
)

// DetectBackend classifies a database URL by its scheme.
func DetectBackend(databaseURL string) Backend {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return BackendPostgres
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return BackendSQLite
	default:
		return BackendUnknown
	}
}

// ArtifactName is the object name of a dump artifact, e.g. backup.postgresql.gz.
func (b Backend) ArtifactName() string {
	return "backup." + string(b) + ".gz"
}

// PostgresConn holds the connection parameters passed to pg_dump and pg_restore.
type PostgresConn struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ParsePostgresURL extracts connection parameters, defaulting to localhost:5432.
func ParsePostgresURL(databaseURL string) (PostgresConn, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return PostgresConn{}, fmt.Errorf("invalid database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return PostgresConn{}, fmt.Errorf("invalid database url: unexpected scheme %q", u.Scheme)
	}

	conn := PostgresConn{
		Host:     u.Hostname(),
		Port:     5432,
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if conn.Host == "" {
		conn.Host = "localhost"
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return PostgresConn{}, fmt.Errorf("invalid database url port %q: %w", p, err)
		}
		conn.Port = port
	}
	if u.User != nil {
		conn.User = u.User.Username()
		conn.Password, _ = u.User.Password()
	}
	return conn, nil
}

// args renders the shared --host/--port/--username/--dbname flags.
func (c PostgresConn) args() []string {
	return []string{
		"--host", c.Host,
		"--port", strconv.Itoa(c.Port),
		"--username", c.User,
		"--dbname", c.Database,
	}
}

const memoryPath = ":memory:"

// SQLitePath derives the database file path from sqlite://path or sqlite:path.
// Query parameters are dropped.
func SQLitePath(databaseURL string) (string, error) {
	var path string
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path = strings.TrimPrefix(databaseURL, "sqlite://")
	case strings.HasPrefix(databaseURL, "sqlite:"):
		path = strings.TrimPrefix(databaseURL, "sqlite:")
	default:
		return "", fmt.Errorf("%w: not a sqlite url", ErrUnsupported)
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "", fmt.Errorf("invalid database url: empty sqlite path")
	}
	return path, nil
}
