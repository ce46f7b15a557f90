// Package externalsvc backs up registered external stateful services
// alongside the platform database.
package externalsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/storage"
)

// Recorder persists the per-service backup rows a plugin produces.
type Recorder interface {
	CreateExternalServiceBackup(ctx context.Context, b *model.ExternalServiceBackup) error
	FinishExternalServiceBackup(ctx context.Context, b *model.ExternalServiceBackup) error
}

// BackupRequest is everything a plugin gets for one service backup. Parent
// is the envelope Backup row created for this service; Subpath is the dated
// key prefix and Root the undated one.
type BackupRequest struct {
	Transfer *storage.Transfer
	Bucket   string
	Parent   *model.Backup
	Source   *model.BackupSource
	Subpath  string
	Root     string
	Recorder Recorder
	Service  *model.ExternalService
	Config   map[string]string
}

// Plugin captures one kind of external service into object storage and
// returns the location of the stored artifact.
type Plugin interface {
	Type() string
	BackupToS3(ctx context.Context, req BackupRequest) (string, error)
}

// Subpath returns the dated key prefix for a service backup.
func Subpath(serviceType, serviceName string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("external_services/%s/%s/%04d/%02d/%02d", serviceType, serviceName, at.Year(), int(at.Month()), at.Day())
}

// Root returns the undated key prefix for a service.
func Root(serviceType, serviceName string) string {
	return fmt.Sprintf("external_services/%s/%s", serviceType, serviceName)
}
