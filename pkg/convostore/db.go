// Package convostore is the entry point that owns one store and everything
// built on it: the change notifier, connection manager, record stores,
// relationship rules, legacy migration and the compatibility shim.
//
// Example:
//
//	cfg, _ := config.Load("convostore.yaml")
//	db, err := convostore.Open(ctx, cfg, convostore.Options{Logger: log})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	topic, err := db.Relations.EnsureAssistantHasTopic(ctx, assistantID)
package convostore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/compat"
	"github.com/orneryd/convostore/pkg/config"
	"github.com/orneryd/convostore/pkg/events"
	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/migration"
	"github.com/orneryd/convostore/pkg/migration/kvsource"
	"github.com/orneryd/convostore/pkg/migration/sqlitesource"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/presentation"
	"github.com/orneryd/convostore/pkg/relations"
	"github.com/orneryd/convostore/pkg/storage"
)

// Options carries collaborators that do not belong in config files.
type Options struct {
	Logger *zap.Logger
	// Coordinator is shared by every DB over the same directory in one
	// process. Nil disables in-process takeover.
	Coordinator *storage.Coordinator
	// Sources replaces the sources built from config when non-nil.
	Sources []migration.DataSource
}

// DB is an open convostore.
type DB struct {
	cfg *config.Config
	log *zap.Logger

	Events    *events.Bus
	Conn      *storage.ConnectionManager
	Store     *storage.Database
	Relations *relations.Manager
	Migration *migration.Orchestrator
	Compat    *compat.Shim

	closers []func() error

	mu     sync.Mutex
	closed bool
}

// Open builds the stack, opens the connection and performs startup work:
// the persisted compat mode is restored, pending migration runs when
// configured, defaults are seeded on an empty store and topic references
// are reconciled. Startup migration and reconciliation problems are logged;
// only connection failures are returned.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.OrNop(opts.Logger)

	bus := events.NewBus(log)
	conn := storage.NewConnectionManager(storage.Options{
		Dir:                 cfg.Storage.DataDir,
		InMemory:            cfg.Storage.InMemory,
		SyncWrites:          cfg.Storage.SyncWrites,
		LowMemory:           cfg.Storage.LowMemory,
		OpenTimeout:         cfg.Storage.OpenTimeout,
		MinReopenInterval:   cfg.Storage.MinReopenInterval,
		HoldOnVersionChange: cfg.Storage.HoldOnVersionChange,
		Coordinator:         opts.Coordinator,
		Events:              bus,
		Logger:              log,
	})
	if _, err := conn.Open(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	store := storage.NewDatabase(conn, storage.DatabaseOptions{Events: bus, Logger: log})
	db := &DB{
		cfg:    cfg,
		log:    log,
		Events: bus,
		Conn:   conn,
		Store:  store,
		Relations: relations.NewManager(store, relations.Options{
			DefaultPrompt:     cfg.Relations.DefaultPrompt,
			DefaultTopicTitle: cfg.Relations.DefaultTopicTitle,
			Logger:            log,
		}),
	}

	sources := opts.Sources
	if sources == nil {
		sources = db.configuredSources()
	}
	db.Migration = migration.New(store, migration.Options{Logger: log}, sources...)

	// rollback falls back to the newest legacy generation
	var legacy migration.DataSource
	if len(sources) > 0 {
		legacy = sources[len(sources)-1]
	}
	db.Compat = compat.New(store, db.Relations, compat.Options{Legacy: legacy, Logger: log})

	if err := db.startup(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// configuredSources registers the legacy generations oldest first so the
// newer one wins id collisions.
func (db *DB) configuredSources() []migration.DataSource {
	var out []migration.DataSource
	if p := db.cfg.Migration.SQLitePath; p != "" {
		src := sqlitesource.New(p, sqlitesource.Options{Logger: db.log})
		db.closers = append(db.closers, src.Close)
		out = append(out, src)
	}
	if p := db.cfg.Migration.KVPath; p != "" {
		out = append(out, kvsource.New(p, kvsource.Options{Events: db.Events, Logger: db.log}))
	}
	return out
}

func (db *DB) startup(ctx context.Context) error {
	def, err := compat.ParseMode(db.cfg.Compat.Mode)
	if err != nil {
		return err
	}
	if _, err := db.Compat.Restore(ctx, def); err != nil {
		return fmt.Errorf("restore compat mode: %w", err)
	}

	if db.cfg.Migration.AutoRun {
		db.autoMigrate(ctx)
	}

	if db.cfg.Relations.SeedDefaults {
		if _, err := db.Relations.SeedDefaults(ctx); err != nil {
			if storage.IsFatal(err) {
				return err
			}
			db.log.Warn("seeding defaults failed", zap.Error(err))
		}
	}

	res, err := db.Relations.ValidateAndFixAllAssistantsTopicReferences(ctx)
	if err != nil {
		if storage.IsFatal(err) {
			return err
		}
		db.log.Warn("startup reconciliation failed", zap.Error(err))
	} else if res.Fixed > 0 {
		db.log.Info("startup reconciliation",
			zap.Int("fixed", res.Fixed),
			zap.Int("removed", res.Removed))
	}
	return nil
}

// autoMigrate runs a pending or interrupted migration. A completed
// migration is not repeated automatically.
func (db *DB) autoMigrate(ctx context.Context) {
	st, err := db.Migration.Status(ctx)
	if err != nil {
		db.log.Warn("reading migration status", zap.Error(err))
		return
	}
	if st.Completed && !st.InProgress {
		return
	}
	if !st.InProgress && len(db.Migration.DetectSources(ctx)) == 0 {
		return
	}
	if _, err := db.Migration.StartMigration(ctx, db.cfg.Migration.Sources...); err != nil {
		db.log.Error("startup migration failed", zap.Error(err))
	}
}

// Assistant returns an assistant with its runtime presentation attached.
func (db *DB) Assistant(ctx context.Context, id string) (*models.Assistant, error) {
	a, err := db.Store.Assistants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Icon = presentation.ForName(a.Name)
	return a, nil
}

// Assistants returns every assistant with its runtime presentation attached.
func (db *DB) Assistants(ctx context.Context) ([]*models.Assistant, error) {
	all, err := db.Store.Assistants.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		a.Icon = presentation.ForName(a.Name)
	}
	return all, nil
}

// Close releases the connection and any open legacy sources.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	for _, c := range db.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.Conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("connection close: %w", err))
	}
	return errors.Join(errs...)
}
