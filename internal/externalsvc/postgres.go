package externalsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/deployer"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/storage"
)

// TypePostgres is the service type handled by PostgresPlugin.
const TypePostgres = "postgres"

// ErrServiceNotRunning is returned when a service's container is missing
// or stopped, so there is nothing to dump.
var ErrServiceNotRunning = errors.New("service container not running")

// Containers inspects and runs commands in existing service containers.
// *deployer.DockerDeployer implements it.
type Containers interface {
	InspectContainer(ctx context.Context, containerNameOrID string) (*deployer.ContainerStatus, error)
	ExecInContainer(ctx context.Context, containerNameOrID string, cmd []string, env map[string]string) (*deployer.ExecResult, error)
}

// PostgresPlugin dumps a managed Postgres service with pg_dumpall run
// inside the service's own container.
//
// Config keys: container (default "postgres-<name>"), username (default
// "postgres"), password.
type PostgresPlugin struct {
	containers Containers
	tempDir    string
	logger     zerolog.Logger
}

func NewPostgresPlugin(containers Containers, tempDir string, logger zerolog.Logger) *PostgresPlugin {
	return &PostgresPlugin{
		containers: containers,
		tempDir:    tempDir,
		logger:     logger.With().Str("component", "postgres-plugin").Logger(),
	}
}

func (p *PostgresPlugin) Type() string { return TypePostgres }

func (p *PostgresPlugin) BackupToS3(ctx context.Context, req BackupRequest) (string, error) {
	meta, err := json.Marshal(map[string]string{
		"service_type": req.Service.ServiceType,
		"service_name": req.Service.Name,
	})
	if err != nil {
		return "", fmt.Errorf("marshal service backup metadata: %w", err)
	}

	rec := &model.ExternalServiceBackup{
		ServiceID:       req.Service.ID,
		BackupID:        req.Parent.ID,
		BackupType:      model.BackupTypeFull,
		State:           model.BackupStateRunning,
		CompressionType: model.CompressionGzip,
		Metadata:        meta,
		StartedAt:       time.Now().UTC(),
	}
	if err := req.Recorder.CreateExternalServiceBackup(ctx, rec); err != nil {
		return "", fmt.Errorf("record service backup: %w", err)
	}

	location, err := p.backup(ctx, req, rec)
	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	if err != nil {
		msg := err.Error()
		rec.State = model.BackupStateFailed
		rec.ErrorMessage = &msg
		if ferr := req.Recorder.FinishExternalServiceBackup(ctx, rec); ferr != nil {
			p.logger.Error().Err(ferr).Int64("service_backup_id", rec.ID).Msg("failed to record service backup failure")
		}
		return "", err
	}

	rec.State = model.BackupStateCompleted
	rec.Location = location
	if err := req.Recorder.FinishExternalServiceBackup(ctx, rec); err != nil {
		return "", fmt.Errorf("record service backup completion: %w", err)
	}
	return location, nil
}

func (p *PostgresPlugin) backup(ctx context.Context, req BackupRequest, rec *model.ExternalServiceBackup) (string, error) {
	container := req.Config["container"]
	if container == "" {
		container = "postgres-" + req.Service.Name
	}
	user := req.Config["username"]
	if user == "" {
		user = "postgres"
	}

	status, err := p.containers.InspectContainer(ctx, container)
	if err != nil {
		if errors.Is(err, deployer.ErrContainerNotFound) {
			return "", fmt.Errorf("%w: %s does not exist", ErrServiceNotRunning, container)
		}
		return "", fmt.Errorf("inspect service container %s: %w", container, err)
	}
	if !status.Running {
		return "", fmt.Errorf("%w: %s is %s", ErrServiceNotRunning, container, status.State)
	}

	out, err := p.containers.ExecInContainer(ctx, container,
		[]string{"pg_dumpall", "-U", user, "-w", "--clean", "--if-exists"},
		map[string]string{"PGPASSWORD": req.Config["password"]},
	)
	if err != nil {
		return "", fmt.Errorf("exec pg_dumpall in %s: %w", container, err)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("pg_dumpall exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if len(out.Stdout) == 0 {
		return "", fmt.Errorf("pg_dumpall produced an empty dump")
	}

	f, err := os.CreateTemp(p.tempDir, "pg-service-*.sql.gz")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	h := sha256.New()
	zw := gzip.NewWriter(io.MultiWriter(f, h))
	if _, err := zw.Write(out.Stdout); err != nil {
		f.Close()
		return "", fmt.Errorf("compress dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("compress dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	key := fmt.Sprintf("%s/postgres_backup_%s.sql.gz", req.Subpath, req.Parent.StartedAt.UTC().Format("20060102_150405"))
	res, err := req.Transfer.Upload(ctx, req.Bucket, key, f.Name(), storage.ContentTypeGzip)
	if err != nil {
		return "", err
	}

	size := res.Size
	sum := hex.EncodeToString(h.Sum(nil))
	rec.SizeBytes = &size
	rec.Checksum = &sum

	p.logger.Info().Str("service", req.Service.Name).Str("key", key).Int64("size_bytes", size).Msg("service backup uploaded")
	return key, nil
}
