package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// DatabaseURL is the Postgres database holding sources, schedules and backup records.
	DatabaseURL string
	// TargetDatabaseURL is the database that gets dumped and restored, either
	// postgres:// or sqlite:. Defaults to DatabaseURL.
	TargetDatabaseURL string
	// MigrationsDir is the goose migrations directory applied with -migrate.
	MigrationsDir string
	LogLevel      string
	ServiceName   string
	NodeID        string
	MetricsAddr   string

	DockerHost     string
	DockerCertPath string
	DumpImage      string
	PgRestorePath  string
	TempDir        string

	// EncryptionKey is the base64 AES-256 key protecting stored source credentials.
	EncryptionKey string

	DefaultRetentionDays int

	// NotifyWebhookURL receives backup failure notifications. Empty logs them only.
	NotifyWebhookURL      string
	NotifyWebhookTemplate string
}

func Load() (*Config, error) {
	retention, err := strconv.Atoi(getEnv("BACKUP_DEFAULT_RETENTION_DAYS", "30"))
	if err != nil {
		return nil, fmt.Errorf("parse BACKUP_DEFAULT_RETENTION_DAYS: %w", err)
	}

	databaseURL := getEnv("DATABASE_URL", "")
	cfg := &Config{
		DatabaseURL:          databaseURL,
		TargetDatabaseURL:    getEnv("BACKUP_TARGET_URL", databaseURL),
		MigrationsDir:        getEnv("MIGRATIONS_DIR", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		ServiceName:          getEnv("SERVICE_NAME", "backupd"),
		NodeID:               getEnv("NODE_ID", ""),
		MetricsAddr:          getEnv("METRICS_ADDR", ":9090"),
		DockerHost:           getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerCertPath:       getEnv("DOCKER_CERT_PATH", ""),
		DumpImage:            getEnv("BACKUP_DUMP_IMAGE", "postgres:latest"),
		PgRestorePath:        getEnv("PG_RESTORE_PATH", "pg_restore"),
		TempDir:              getEnv("BACKUP_TEMP_DIR", os.TempDir()),
		EncryptionKey:        getEnv("BACKUP_ENCRYPTION_KEY", ""),
		DefaultRetentionDays: retention,

		NotifyWebhookURL:      getEnv("BACKUP_NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookTemplate: getEnv("BACKUP_NOTIFY_WEBHOOK_TEMPLATE", "generic"),
	}

	return cfg, nil
}

// Validate reports required settings that are missing for the given binary.
func (c *Config) Validate(binary string) error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "BACKUP_ENCRYPTION_KEY")
	}
	if binary == "backupd" && c.MetricsAddr == "" {
		missing = append(missing, "METRICS_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing required environment variables: %s", binary, strings.Join(missing, ", "))
	}
	if c.DefaultRetentionDays < 0 {
		return fmt.Errorf("%s: BACKUP_DEFAULT_RETENTION_DAYS must not be negative", binary)
	}
	if c.NotifyWebhookTemplate != "" && c.NotifyWebhookTemplate != "generic" && c.NotifyWebhookTemplate != "slack" {
		return fmt.Errorf("%s: BACKUP_NOTIFY_WEBHOOK_TEMPLATE must be generic or slack", binary)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
