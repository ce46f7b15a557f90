package dump

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/deployer"
)

// DumpExecutor writes a gzip-compressed logical dump of one database.
type DumpExecutor interface {
	Backend() Backend
	Dump(ctx context.Context, dst io.Writer) error
}

// RestoreExecutor replays a decompressed dump into the live database.
// Preflight reports configuration problems before anything is downloaded.
type RestoreExecutor interface {
	Backend() Backend
	Preflight() error
	Restore(ctx context.Context, artifactPath string) error
}

// ContainerRuntime is the container API the Postgres dumper needs.
// *deployer.DockerDeployer implements it.
type ContainerRuntime interface {
	PullImage(ctx context.Context, image string) (string, error)
	CreateContainer(ctx context.Context, opts deployer.ContainerOpts) (*deployer.CreateResult, error)
	RemoveContainer(ctx context.Context, containerID string) error
	ExecInContainer(ctx context.Context, containerNameOrID string, cmd []string, env map[string]string) (*deployer.ExecResult, error)
}

// Options configures the executors for one target database.
type Options struct {
	DatabaseURL   string
	DumpImage     string
	PgRestorePath string
	Runtime       ContainerRuntime
	Runner        CommandRunner
	Logger        zerolog.Logger
}

// NewExecutors selects the dump and restore strategy for the backend behind
// opts.DatabaseURL. An unknown backend is a configuration error.
func NewExecutors(opts Options) (DumpExecutor, RestoreExecutor, error) {
	switch backend := DetectBackend(opts.DatabaseURL); backend {
	case BackendPostgres:
		if opts.Runtime == nil {
			return nil, nil, fmt.Errorf("postgres dump requires a container runtime")
		}
		runner := opts.Runner
		if runner == nil {
			runner = ExecRunner{}
		}
		return NewPostgresDumper(opts.Runtime, opts.DatabaseURL, opts.DumpImage, opts.Logger),
			NewPostgresRestorer(runner, opts.DatabaseURL, opts.PgRestorePath, opts.Logger),
			nil
	case BackendSQLite:
		return NewSQLiteDumper(opts.DatabaseURL, opts.Logger),
			NewSQLiteRestorer(opts.DatabaseURL, opts.Logger),
			nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupported, redactScheme(opts.DatabaseURL))
	}
}

// redactScheme keeps only the scheme of a URL for error messages.
func redactScheme(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, ":")
	if !found {
		return "no scheme"
	}
	return scheme
}
