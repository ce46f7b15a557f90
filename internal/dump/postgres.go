package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/deployer"
	"github.com/edvin/backupd/internal/platform"
)

// PostgresDumper runs pg_dump inside a short-lived container on the host network.
type PostgresDumper struct {
	runtime     ContainerRuntime
	databaseURL string
	image       string
	logger      zerolog.Logger
}

func NewPostgresDumper(runtime ContainerRuntime, databaseURL, image string, logger zerolog.Logger) *PostgresDumper {
	if image == "" {
		image = "postgres:latest"
	}
	return &PostgresDumper{
		runtime:     runtime,
		databaseURL: databaseURL,
		image:       image,
		logger:      logger.With().Str("component", "pg-dump").Logger(),
	}
}

func (d *PostgresDumper) Backend() Backend { return BackendPostgres }

// Dump writes a gzip-compressed pg_dump custom-format archive to dst.
func (d *PostgresDumper) Dump(ctx context.Context, dst io.Writer) error {
	conn, err := ParsePostgresURL(d.databaseURL)
	if err != nil {
		return &Error{Op: "parse database url", Err: err}
	}

	if _, err := d.runtime.PullImage(ctx, d.image); err != nil {
		// A locally cached image still works when the registry is unreachable.
		d.logger.Warn().Err(err).Str("image", d.image).Msg("failed to pull dump image, using local copy")
	}

	name := platform.NewName("backup-pg-dump-")
	res, err := d.runtime.CreateContainer(ctx, deployer.ContainerOpts{
		Name:        name,
		Image:       d.image,
		Cmd:         []string{"sleep", "300"},
		NetworkMode: "host",
		AutoRemove:  true,
		Labels:      map[string]string{"backupd.role": "pg-dump"},
	})
	if res != nil && res.ContainerID != "" {
		defer d.remove(ctx, res.ContainerID)
	}
	if err != nil {
		return &Error{Op: "start dump container", Err: err}
	}
	d.logger.Debug().Str("container", name).Str("host", conn.Host).Int("port", conn.Port).Msg("dump container started")

	cmd := append([]string{"pg_dump", "--format=custom", "--compress=0", "--no-password"}, conn.args()...)
	out, err := d.runtime.ExecInContainer(ctx, res.ContainerID, cmd, map[string]string{
		"PGPASSWORD": conn.Password,
	})
	if err != nil {
		return &Error{Op: "exec pg_dump", Err: err}
	}
	if out.ExitCode != 0 {
		return &Error{Op: "pg_dump", Err: fmt.Errorf("exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))}
	}

	if err := gzipTo(dst, bytes.NewReader(out.Stdout)); err != nil {
		return &Error{Op: "compress dump", Err: err}
	}

	d.logger.Info().Int("bytes", len(out.Stdout)).Str("database", conn.Database).Msg("postgres dump complete")
	return nil
}

// remove force-removes the dump container, ignoring ctx cancellation.
func (d *PostgresDumper) remove(ctx context.Context, containerID string) {
	if err := d.runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); err != nil {
		d.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove dump container")
	}
}

func gzipTo(dst io.Writer, src io.Reader) error {
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// CommandRunner runs a local program and returns its captured stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args, env []string) (stderr []byte, err error)
}

// ExecRunner runs commands with os/exec, appending env to the process environment.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// PostgresRestorer replays a custom-format archive with the local pg_restore.
type PostgresRestorer struct {
	runner      CommandRunner
	databaseURL string
	binary      string
	logger      zerolog.Logger
}

func NewPostgresRestorer(runner CommandRunner, databaseURL, binary string, logger zerolog.Logger) *PostgresRestorer {
	if binary == "" {
		binary = "pg_restore"
	}
	return &PostgresRestorer{
		runner:      runner,
		databaseURL: databaseURL,
		binary:      binary,
		logger:      logger.With().Str("component", "pg-restore").Logger(),
	}
}

func (r *PostgresRestorer) Backend() Backend { return BackendPostgres }

func (r *PostgresRestorer) Preflight() error {
	if _, err := ParsePostgresURL(r.databaseURL); err != nil {
		return &Error{Op: "parse database url", Err: err}
	}
	return nil
}

// Restore runs pg_restore with --clean --if-exists against the live database.
func (r *PostgresRestorer) Restore(ctx context.Context, artifactPath string) error {
	conn, err := ParsePostgresURL(r.databaseURL)
	if err != nil {
		return &Error{Op: "parse database url", Err: err}
	}

	args := append([]string{"--verbose", "--clean", "--if-exists", "--no-password"}, conn.args()...)
	args = append(args, artifactPath)

	var env []string
	if conn.Password != "" {
		env = append(env, "PGPASSWORD="+conn.Password)
	}

	r.logger.Info().Str("host", conn.Host).Str("database", conn.Database).Msg("running pg_restore")
	stderr, err := r.runner.Run(ctx, r.binary, args, env)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Error{Op: "pg_restore", Err: fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(stderr)))}
		}
		return &Error{Op: "pg_restore", Err: fmt.Errorf("run %s: %w", r.binary, err)}
	}

	r.logger.Info().Str("database", conn.Database).Msg("postgres restore complete")
	return nil
}
