package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BackupMetadata is the metadata.json object stored next to every artifact.
type BackupMetadata struct {
	BackupID               string                  `json:"backup_id"`
	Name                   string                  `json:"name"`
	Type                   string                  `json:"type"`
	CreatedAt              time.Time               `json:"created_at"`
	CreatedBy              int64                   `json:"created_by"`
	SizeBytes              *int64                  `json:"size_bytes"`
	CompressionType        string                  `json:"compression_type"`
	Source                 MetadataSource          `json:"source"`
	ScheduleID             *int64                  `json:"schedule_id"`
	State                  string                  `json:"state"`
	Tags                   []string                `json:"tags"`
	Checksum               *string                 `json:"checksum"`
	ServerConfig           string                  `json:"server_config"`
	ExternalServiceBackups []ExternalServiceRecord `json:"external_service_backups"`
	Metadata               json.RawMessage         `json:"metadata"`
}

// MetadataSource summarizes the backup source. It never carries credentials.
type MetadataSource struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
}

// ExternalServiceRecord summarizes one external service backup.
type ExternalServiceRecord struct {
	BackupID   string            `json:"backup_id"`
	ServiceID  int64             `json:"service_id"`
	S3Location string            `json:"s3_location"`
	State      string            `json:"state"`
	SizeBytes  *int64            `json:"size_bytes"`
	Type       string            `json:"type"`
	Metadata   map[string]string `json:"metadata"`
}

// BackupIndex is the per-source index.json object.
type BackupIndex struct {
	Backups     []IndexEntry `json:"backups"`
	LastUpdated time.Time    `json:"last_updated"`
}

// IndexEntry is one backup listed in index.json.
type IndexEntry struct {
	ID               int64     `json:"id"`
	BackupID         string    `json:"backup_id"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	CreatedAt        time.Time `json:"created_at"`
	SizeBytes        *int64    `json:"size_bytes"`
	Location         string    `json:"location"`
	MetadataLocation string    `json:"metadata_location"`
}

// objectKey joins the non-empty parts with slashes.
func objectKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// datePath returns the UTC YYYY/MM/DD key segment.
func datePath(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d/%02d/%02d", t.Year(), int(t.Month()), t.Day())
}

func indexKey(prefix string) string {
	return objectKey(prefix, "backups", "index.json")
}
