package mount

import (
	"context"
	"io"
	"os"

	"github.com/beam-cloud/gvfs/pkg/lock"
	"github.com/beam-cloud/gvfs/pkg/metadata"
	"github.com/beam-cloud/gvfs/pkg/objects"
	"github.com/beam-cloud/gvfs/pkg/projection"
	"github.com/beam-cloud/gvfs/pkg/types"
)

// Engine is the projection engine driven by the supervisor.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	Dispose()
	IsReadyForExternalLockRequests() bool
	BackgroundOperationCount() int
	TryReleaseExternalLock(pid int) bool
}

// ObjectStore fetches objects on demand.
type ObjectStore interface {
	TryDownloadAndSave(ctx context.Context, prefix, suffix string) bool
	RefreshCredentials(ctx context.Context) error
	Endpoint() string
}

// Metadata is the enlistment's persistent metadata.
type Metadata interface {
	CurrentLayoutVersion() (types.LayoutVersion, error)
	PersistCurrentLayoutVersion() error
	EnlistmentID(newID func() string) (string, error)
	Close() error
}

// Deps are the collaborators the supervisor builds during startup.
type Deps struct {
	Chdir                func(dir string) error
	OpenMetadata         func(enl *types.Enlistment) (Metadata, error)
	InstallHooks         func(enl *types.Enlistment, cfg types.AppConfig) error
	IntegrateEnvironment func(enl *types.Enlistment) error
	NewObjectStore       func(ctx context.Context, enl *types.Enlistment, cfg types.AppConfig) (ObjectStore, error)
	NewEngine            func(enl *types.Enlistment, cfg types.AppConfig, registry *lock.Registry, md Metadata) (Engine, error)

	// Liveness checks external lock holders. Nil uses lock.ProcessAlive.
	Liveness lock.LivenessFunc
	// Stdin is read for the acknowledgement when pausing after a failed mount.
	Stdin io.Reader
}

func DefaultDeps() Deps {
	return Deps{
		Chdir:                os.Chdir,
		OpenMetadata:         openMetadata,
		InstallHooks:         InstallHooks,
		IntegrateEnvironment: IntegrateEnvironment,
		NewObjectStore:       newObjectStore,
		NewEngine:            newEngine,
		Stdin:                os.Stdin,
	}
}

func openMetadata(enl *types.Enlistment) (Metadata, error) {
	return metadata.Open(enl.DatabasesRoot())
}

func newObjectStore(ctx context.Context, enl *types.Enlistment, cfg types.AppConfig) (ObjectStore, error) {
	remote, err := objects.NewS3Store(ctx, cfg.Objects.S3)
	if err != nil {
		return nil, err
	}
	return objects.NewStore(remote, enl.ObjectsRoot(),
		objects.WithKeyPrefix(cfg.Objects.Prefix),
		objects.WithCache(cfg.Objects.CacheSize, cfg.Objects.CacheTTL),
	), nil
}

func newEngine(enl *types.Enlistment, cfg types.AppConfig, registry *lock.Registry, md Metadata) (Engine, error) {
	journal, _ := md.(projection.Journal)
	return projection.NewEngine(projection.Config{
		LowerRoot:  enl.LowerRoot(),
		MountPoint: enl.WorkingDirRoot(),
		Workers:    cfg.Projection.BackgroundWorkers,
		AllowOther: cfg.Projection.AllowOther,
		Debug:      cfg.Projection.Debug,
	}, registry, journal)
}
