package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/events"
	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/httpapi"
	sqliteadapter "github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/accessor"
	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/config"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/usecase"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/id"
	"github.com/atvirokodosprendimai/dbaspect/migrations"
)

// App holds the wired services of one process.
type App struct {
	Config   config.Config
	DB       *gormsqlite.DB
	Bus      *events.Bus
	Pipeline *aspect.Pipeline
	Accessor *accessor.Accessor

	KV        *usecase.KVService
	Audit     *usecase.AuditService
	Catalog   *usecase.CatalogService
	Snapshots *usecase.SnapshotService

	logger *zap.Logger
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New opens the database, applies ledger migrations and registers the
// accessor models. The model migration runs through the pipeline, so the
// catalog and the first snapshot are written before New returns.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gormsqlite.Open(cfg.DBPath, gormsqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{Config: cfg, DB: db, logger: logger}
	a.Bus = events.NewBus(logger.Named("bus"))
	a.Bus.Subscribe("log", events.NewLogPublisher(logger.Named("events")))
	if cfg.WebhookURL != "" {
		a.Bus.Subscribe("webhook", events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, 5*time.Second,
			events.WithWebhookLogger(logger.Named("webhook"))))
	}

	var ids ports.IDGenerator = id.NewUUIDGenerator()
	if cfg.Aspects.IDStrategy == "sequence" {
		ids = sqliteadapter.NewSequenceGenerator(db)
	}
	sysClock := clock.System{}

	a.Pipeline = aspect.NewPipeline(
		aspect.WithPublisher(a.Bus),
		aspect.WithIDGenerator(ids),
		aspect.WithClock(sysClock),
		aspect.WithLogger(logger.Named("pipeline")),
		aspect.WithConflictRetries(cfg.Aspects.ConflictRetries, 10*time.Millisecond),
	)
	if err := registerAspects(a.Pipeline, db, cfg.Aspects, ids, sysClock, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	a.Accessor, err = accessor.New(cfg.AccessorName, db,
		accessor.WithModels(&sqliteadapter.Entry{}),
		accessor.WithPipeline(a.Pipeline),
		accessor.WithLedger(sqliteadapter.LedgerWriterFor),
		accessor.WithLogger(logger.Named("accessor")),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create accessor: %w", err)
	}
	if err := a.Accessor.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate accessor %s: %w", cfg.AccessorName, err)
	}

	a.KV = usecase.NewKVService(sqliteadapter.NewRepository(a.Accessor, sysClock))
	a.Audit = usecase.NewAuditService(sqliteadapter.NewAuditRepository(db))
	a.Catalog = usecase.NewCatalogService(sqliteadapter.NewCatalogRepository(db))
	a.Snapshots = usecase.NewSnapshotService(sqliteadapter.NewSnapshotRepository(db), usecase.DefaultSnapshotCodec())
	return a, nil
}

func registerAspects(p *aspect.Pipeline, db *gormsqlite.DB, cfg config.Aspects, ids ports.IDGenerator, c ports.Clock, logger *zap.Logger) error {
	locks := aspect.NewKeyedLocker()

	p.Register(aspect.NewAuditAspect(ids, c, logger.Named("audit")), aspect.PriorityAudit,
		aspect.WithEnabled(func() bool { return cfg.AuditEnabled }))

	p.Register(aspect.NewCatalogAspect(aspect.CatalogAspectConfig{
		Repository:    sqliteadapter.NewCatalogRepository(db),
		Locks:         locks,
		IDs:           ids,
		Clock:         c,
		DefaultSchema: cfg.DefaultSchema,
		Logger:        logger.Named("catalog"),
	}), aspect.PriorityCatalog, aspect.WithEnabled(func() bool { return cfg.CatalogEnabled }))

	snapshots, err := aspect.NewSnapshotAspect(aspect.SnapshotAspectConfig{
		Repository:    sqliteadapter.NewSnapshotRepository(db),
		Locks:         locks,
		IDs:           ids,
		Clock:         c,
		DefaultSchema: cfg.DefaultSchema,
		ExportPath:    cfg.SnapshotExportPath,
		Logger:        logger.Named("snapshot"),
	})
	if err != nil {
		return fmt.Errorf("create snapshot aspect: %w", err)
	}
	p.Register(snapshots, aspect.PriorityMigration, aspect.WithEnabled(func() bool { return cfg.SnapshotEnabled }))
	return nil
}

func (a *App) Close() error {
	return resourceCloser{closers: []io.Closer{a.DB}}.Close()
}

func (a *App) Handler() *httpapi.Handler {
	return httpapi.NewHandler(a.KV, a.Audit, a.Catalog, a.Snapshots, a.Config.AccessorName, a.logger.Named("http"))
}

func NewServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*http.Server, io.Closer, error) {
	a, err := New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Handler().Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, a, nil
}
