package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/db"
)

// SQLiteDumper checkpoints the WAL and compresses a copy of the database file.
type SQLiteDumper struct {
	databaseURL string
	logger      zerolog.Logger
}

func NewSQLiteDumper(databaseURL string, logger zerolog.Logger) *SQLiteDumper {
	return &SQLiteDumper{
		databaseURL: databaseURL,
		logger:      logger.With().Str("component", "sqlite-dump").Logger(),
	}
}

func (d *SQLiteDumper) Backend() Backend { return BackendSQLite }

func (d *SQLiteDumper) Dump(ctx context.Context, dst io.Writer) error {
	path, err := SQLitePath(d.databaseURL)
	if err != nil {
		return &Error{Op: "parse database url", Err: err}
	}
	if path == memoryPath {
		return &Error{Op: "dump sqlite", Err: fmt.Errorf("%w: in-memory database has no file", ErrUnsupported)}
	}

	live, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return &Error{Op: "open sqlite", Err: err}
	}
	defer live.Close()

	if _, err := live.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return &Error{Op: "wal checkpoint", Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return &Error{Op: "open sqlite file", Err: err}
	}
	defer f.Close()

	if err := gzipTo(dst, f); err != nil {
		return &Error{Op: "compress dump", Err: err}
	}

	d.logger.Info().Str("path", path).Msg("sqlite dump complete")
	return nil
}

// SQLiteRestorer replaces the live database file with a restored copy,
// keeping a safety copy of the previous file next to it.
type SQLiteRestorer struct {
	databaseURL string
	logger      zerolog.Logger
}

func NewSQLiteRestorer(databaseURL string, logger zerolog.Logger) *SQLiteRestorer {
	return &SQLiteRestorer{
		databaseURL: databaseURL,
		logger:      logger.With().Str("component", "sqlite-restore").Logger(),
	}
}

func (r *SQLiteRestorer) Backend() Backend { return BackendSQLite }

// Preflight rejects in-memory targets.
func (r *SQLiteRestorer) Preflight() error {
	path, err := SQLitePath(r.databaseURL)
	if err != nil {
		return &Error{Op: "parse database url", Err: err}
	}
	if path == memoryPath {
		return &Error{Op: "restore sqlite", Err: ErrInMemory}
	}
	return nil
}

func (r *SQLiteRestorer) Restore(ctx context.Context, artifactPath string) error {
	if err := r.Preflight(); err != nil {
		return err
	}
	path, _ := SQLitePath(r.databaseURL)

	exists := true
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		exists = false
	} else if err != nil {
		return &Error{Op: "stat sqlite file", Err: err}
	}

	if exists {
		r.checkpoint(ctx, path)

		safety, err := safetyCopyPath(path)
		if err != nil {
			return &Error{Op: "find safety copy name", Err: err}
		}
		if err := copyFile(path, safety); err != nil {
			return &Error{Op: "write safety copy", Err: err}
		}
		r.logger.Info().Str("path", path).Str("safety_copy", safety).Msg("saved current database")

		if err := os.Remove(path); err != nil {
			return &Error{Op: "remove live database", Err: err}
		}
	}
	// A stale WAL would be replayed over the restored file.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn().Err(err).Str("path", path+suffix).Msg("failed to remove sqlite sidecar file")
		}
	}

	if err := copyFile(artifactPath, path); err != nil {
		return &Error{Op: "replace live database", Err: err}
	}

	r.integrityCheck(ctx, path)
	r.logger.Info().Str("path", path).Msg("sqlite restore complete")
	return nil
}

// checkpoint flushes the WAL into the main file. Best-effort.
func (r *SQLiteRestorer) checkpoint(ctx context.Context, path string) {
	live, err := db.OpenSQLite(ctx, path)
	if err != nil {
		r.logger.Warn().Err(err).Msg("open live database for checkpoint")
		return
	}
	defer live.Close()
	if _, err := live.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		r.logger.Warn().Err(err).Msg("wal checkpoint failed")
	}
}

// integrityCheck logs the result of PRAGMA integrity_check. The result is
// not enforced.
func (r *SQLiteRestorer) integrityCheck(ctx context.Context, path string) {
	restored, err := db.OpenSQLite(ctx, path)
	if err != nil {
		r.logger.Warn().Err(err).Msg("open restored database for integrity check")
		return
	}
	defer restored.Close()

	var result string
	if err := restored.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		r.logger.Warn().Err(err).Msg("integrity check failed to run")
		return
	}
	if result != "ok" {
		r.logger.Warn().Str("result", result).Msg("restored database failed integrity check")
	}
}

// safetyCopyPath returns the first unused name of the form <stem>.bak,
// <stem>.bak.1, <stem>.bak.2 and so on, where stem is path without its extension.
func safetyCopyPath(path string) (string, error) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	for i := 0; ; i++ {
		candidate := stem + ".bak"
		if i > 0 {
			candidate = fmt.Sprintf("%s.bak.%d", stem, i)
		}
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
