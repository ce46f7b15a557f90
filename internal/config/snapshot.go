package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/yaml.v3"
)

// snapshot is the subset of Config recorded in every backup's metadata
// object. Secrets are left out and the database password is masked.
type snapshot struct {
	DatabaseURL          string `yaml:"database_url"`
	TargetDatabaseURL    string `yaml:"target_database_url"`
	ServiceName          string `yaml:"service_name"`
	NodeID               string `yaml:"node_id,omitempty"`
	DockerHost           string `yaml:"docker_host"`
	DumpImage            string `yaml:"dump_image"`
	PgRestorePath        string `yaml:"pg_restore_path"`
	DefaultRetentionDays int    `yaml:"default_retention_days"`
}

// Snapshot serializes the redacted platform configuration as YAML.
func (c *Config) Snapshot() (string, error) {
	s := snapshot{
		DatabaseURL:          redactURL(c.DatabaseURL),
		TargetDatabaseURL:    redactURL(c.TargetDatabaseURL),
		ServiceName:          c.ServiceName,
		NodeID:               c.NodeID,
		DockerHost:           c.DockerHost,
		DumpImage:            c.DumpImage,
		PgRestorePath:        c.PgRestorePath,
		DefaultRetentionDays: c.DefaultRetentionDays,
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	return string(out), nil
}

// redacted replaces connection strings that cannot be parsed.
const redacted = "[redacted]"

// redactURL masks the password of a database connection string. URLs keep
// their shape with the password replaced; keyword/value DSNs are rebuilt
// from the parsed host, port, database and user. Anything unparseable is
// dropped entirely.
func redactURL(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "sqlite:") {
		return raw
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return redacted
		}
		if u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
			}
		}
		if q := u.Query(); q.Has("password") {
			q.Set("password", "xxxxx")
			u.RawQuery = q.Encode()
		}
		return u.String()
	}

	cfg, err := pgconn.ParseConfig(raw)
	if err != nil {
		return redacted
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s", cfg.Host, cfg.Port, cfg.Database, cfg.User)
}
