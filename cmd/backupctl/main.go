package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/app"
	"github.com/edvin/backupd/internal/config"
	"github.com/edvin/backupd/internal/core"
	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/logging"
	"github.com/edvin/backupd/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		cmdMigrate()
	case "run":
		cmdRun(os.Args[2:])
	case "restore":
		cmdRestore(os.Args[2:])
	case "delete":
		cmdDelete(os.Args[2:])
	case "cleanup":
		cmdCleanup(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "index":
		cmdIndex(os.Args[2:])
	case "source":
		cmdSource(os.Args[2:])
	case "schedule":
		cmdSchedule(os.Args[2:])
	case "service":
		cmdService(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: backupctl <command> [flags]

Commands:
  migrate                               Apply database migrations
  run -source ID [-type full]           Run a backup now
  restore BACKUP_ID                     Restore the target database from a backup
  delete BACKUP_ID                      Delete a backup and its artifact
  cleanup [-days N] [-expired]          Delete backups older than N days, or past their expiry
  list (-source ID | -schedule ID)      List backup records
  index -source ID                      Show the source's index.json
  source create|list|get|delete         Manage backup sources
  schedule create|list|enable|disable|delete
                                        Manage backup schedules
  service create|list|delete            Manage external services`)
}

func loadConfig() (*config.Config, zerolog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate("backupctl"); err != nil {
		fatalf("invalid config: %v", err)
	}
	return cfg, logging.NewLogger(cfg)
}

// withApp builds the services, runs fn and exits non-zero on error.
// SIGINT cancels the context passed to fn.
func withApp(fn func(ctx context.Context, a *app.App, cfg *config.Config) error) {
	cfg, logger := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	if err := fn(ctx, a, cfg); err != nil {
		a.Close()
		fatalf("%v", err)
	}
}

func cmdMigrate() {
	cfg, logger := loadConfig()
	logger.Info().Str("dir", cfg.MigrationsDir).Msg("running database migrations")
	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		fatalf("migration failed: %v", err)
	}
	fmt.Println("Migrations applied")
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	sourceID := fs.Int64("source", 0, "Backup source ID (required)")
	backupType := fs.String("type", model.BackupTypeFull, "Backup type")
	fs.Parse(args)
	if *sourceID <= 0 {
		fatalf("usage: backupctl run -source ID [-type full]")
	}

	withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
		b, err := a.Backups.RunBackupForSource(ctx, *sourceID, *backupType, model.SystemUserID)
		if err != nil {
			return err
		}
		return printJSON(b)
	})
}

func cmdRestore(args []string) {
	backupID := requireArg("restore", args, "BACKUP_ID")
	withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
		if err := a.Backups.RestoreBackup(ctx, backupID); err != nil {
			return err
		}
		fmt.Printf("Restored backup %s\n", backupID)
		return nil
	})
}

func cmdDelete(args []string) {
	backupID := requireArg("delete", args, "BACKUP_ID")
	withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
		if err := a.Backups.DeleteBackup(ctx, backupID); err != nil {
			return err
		}
		fmt.Printf("Deleted backup %s\n", backupID)
		return nil
	})
}

func cmdCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	days := fs.Int("days", 0, "Retention in days (default BACKUP_DEFAULT_RETENTION_DAYS)")
	expired := fs.Bool("expired", false, "Delete backups past their expiry instead of by age")
	fs.Parse(args)

	withApp(func(ctx context.Context, a *app.App, cfg *config.Config) error {
		var (
			res core.CleanupResult
			err error
		)
		if *expired {
			res, err = a.Backups.CleanupExpiredBackups(ctx)
		} else {
			retention := *days
			if retention <= 0 {
				retention = cfg.DefaultRetentionDays
			}
			res, err = a.Backups.CleanupOldBackups(ctx, retention)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d backups, %d failed\n", res.Deleted, res.Failed)
		return nil
	})
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	sourceID := fs.Int64("source", 0, "List backups stored in this source")
	scheduleID := fs.Int64("schedule", 0, "List backups created by this schedule")
	fs.Parse(args)
	if (*sourceID > 0) == (*scheduleID > 0) {
		fatalf("usage: backupctl list (-source ID | -schedule ID)")
	}

	withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
		var (
			backups []model.Backup
			err     error
		)
		if *sourceID > 0 {
			backups, err = a.Backups.ListBackups(ctx, *sourceID)
		} else {
			backups, err = a.Backups.ListBackupsForSchedule(ctx, *scheduleID)
		}
		if err != nil {
			return err
		}
		return printJSON(backups)
	})
}

func cmdIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	sourceID := fs.Int64("source", 0, "Backup source ID (required)")
	fs.Parse(args)
	if *sourceID <= 0 {
		fatalf("usage: backupctl index -source ID")
	}

	withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
		idx, err := a.Backups.ListSourceIndex(ctx, *sourceID)
		if err != nil {
			return err
		}
		return printJSON(idx)
	})
}

func cmdSource(args []string) {
	if len(args) < 1 {
		fatalf("usage: backupctl source create|list|get|delete")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("source create", flag.ExitOnError)
		var req core.CreateSourceRequest
		var endpoint string
		var pathStyle bool
		fs.StringVar(&req.Name, "name", "", "Source name")
		fs.StringVar(&req.BucketName, "bucket", "", "Bucket name")
		fs.StringVar(&req.BucketPath, "path", "", "Key prefix inside the bucket")
		fs.StringVar(&req.Region, "region", "", "Region (default us-east-1)")
		fs.StringVar(&endpoint, "endpoint", "", "S3-compatible endpoint URL")
		fs.BoolVar(&pathStyle, "path-style", true, "Use path-style addressing")
		fs.StringVar(&req.AccessKeyID, "access-key", os.Getenv("BACKUP_S3_ACCESS_KEY"), "Access key ID")
		fs.StringVar(&req.SecretKey, "secret-key", os.Getenv("BACKUP_S3_SECRET_KEY"), "Secret key")
		fs.Parse(args[1:])
		if endpoint != "" {
			req.Endpoint = &endpoint
		}
		req.ForcePathStyle = &pathStyle

		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			src, err := a.Sources.Create(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(src)
		})
	case "list":
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			sources, err := a.Sources.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(sources)
		})
	case "get":
		id := requireID("source get", args[1:])
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			src, err := a.Sources.Get(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(src)
		})
	case "delete":
		id := requireID("source delete", args[1:])
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			if err := a.Sources.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Deleted source %d\n", id)
			return nil
		})
	default:
		fatalf("unknown source command: %s", args[0])
	}
}

func cmdSchedule(args []string) {
	if len(args) < 1 {
		fatalf("usage: backupctl schedule create|list|enable|disable|delete")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("schedule create", flag.ExitOnError)
		var req core.CreateScheduleRequest
		var tags, description string
		var disabled bool
		fs.StringVar(&req.Name, "name", "", "Schedule name")
		fs.Int64Var(&req.SourceID, "source", 0, "Backup source ID")
		fs.StringVar(&req.ScheduleExpression, "cron", "", "Cron expression, evaluated in UTC")
		fs.IntVar(&req.RetentionPeriod, "retention", 0, "Retention in days (0 uses the default)")
		fs.StringVar(&description, "description", "", "Description")
		fs.StringVar(&tags, "tags", "", "Comma separated tags")
		fs.BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
		fs.Parse(args[1:])
		if description != "" {
			req.Description = &description
		}
		if tags != "" {
			req.Tags = strings.Split(tags, ",")
		}
		enabled := !disabled
		req.Enabled = &enabled

		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			sch, err := a.Schedules.Create(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(sch)
		})
	case "list":
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			schedules, err := a.Schedules.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(schedules)
		})
	case "enable", "disable", "delete":
		action := args[0]
		id := requireID("schedule "+action, args[1:])
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			var err error
			switch action {
			case "enable":
				err = a.Schedules.Enable(ctx, id)
			case "disable":
				err = a.Schedules.Disable(ctx, id)
			default:
				err = a.Schedules.Delete(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Schedule %d: %sd\n", id, strings.TrimSuffix(action, "e"))
			return nil
		})
	default:
		fatalf("unknown schedule command: %s", args[0])
	}
}

func cmdService(args []string) {
	if len(args) < 1 {
		fatalf("usage: backupctl service create|list|delete")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("service create", flag.ExitOnError)
		var req core.CreateExternalServiceRequest
		var settings string
		fs.StringVar(&req.Name, "name", "", "Service name")
		fs.StringVar(&req.ServiceType, "type", "postgres", "Service type")
		fs.StringVar(&req.Version, "version", "", "Service version")
		fs.StringVar(&settings, "config", "", "Comma separated key=value settings (container, username, password)")
		fs.Parse(args[1:])
		cfg, err := parseSettings(settings)
		if err != nil {
			fatalf("%v", err)
		}
		req.Config = cfg

		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			svc, err := a.ExternalServices.Create(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(svc)
		})
	case "list":
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			services, err := a.ExternalServices.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(services)
		})
	case "delete":
		id := requireID("service delete", args[1:])
		withApp(func(ctx context.Context, a *app.App, _ *config.Config) error {
			if err := a.ExternalServices.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Deleted external service %d\n", id)
			return nil
		})
	default:
		fatalf("unknown service command: %s", args[0])
	}
}

func parseSettings(s string) (map[string]string, error) {
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid setting %q, expected key=value", pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func requireArg(cmd string, args []string, name string) string {
	if len(args) < 1 || args[0] == "" {
		fatalf("usage: backupctl %s %s", cmd, name)
	}
	return args[0]
}

func requireID(cmd string, args []string) int64 {
	id, err := strconv.ParseInt(requireArg(cmd, args, "ID"), 10, 64)
	if err != nil || id <= 0 {
		fatalf("usage: backupctl %s ID", cmd)
	}
	return id
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
