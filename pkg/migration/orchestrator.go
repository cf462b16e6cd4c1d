// Package migration imports records from legacy storage generations into the
// current store.
//
// The Orchestrator walks registered DataSources in registration order and
// upserts what they return, so re-running is harmless and, when two sources
// carry the same id, the later source wins. Progress is persisted as a
// MigrationStatus setting after every state transition and after every
// finished source, which lets a run interrupted by a crash resume where it
// stopped.
//
// State machine:
//
//	not_started --start--> in_progress --complete--> completed
//	                            |
//	                            +--fail--> failed
//	completed, failed --restart--> in_progress
package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/metrics"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/storage"
	"github.com/orneryd/convostore/pkg/validate"
)

// StatusKey is the reserved setting holding the migration status.
const StatusKey = "__migration_status__"

// Migration states.
const (
	StateNotStarted = "not_started"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Migration events.
const (
	EventStart    = "start"
	EventComplete = "complete"
	EventFail     = "fail"
	EventRestart  = "restart"
)

// ErrNotMigrated is returned by CleanupSource for a source whose data has
// not been migrated yet.
var ErrNotMigrated = errors.New("source has not been migrated")

// Options configures an Orchestrator.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Orchestrator runs migrations. It is safe for concurrent use; only one run
// is active at a time.
type Orchestrator struct {
	db      *storage.Database
	log     *zap.Logger
	now     func() time.Time
	sources []DataSource

	mu      sync.Mutex
	running bool
	current models.MigrationStatus
}

// New creates an Orchestrator over db with sources in registration order.
func New(db *storage.Database, opts Options, sources ...DataSource) *Orchestrator {
	o := &Orchestrator{
		db:      db,
		log:     logger.OrNop(opts.Logger).Named(logger.ComponentMigration),
		now:     opts.Now,
		sources: sources,
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Register appends a source. Sources registered later win id collisions.
func (o *Orchestrator) Register(src DataSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources = append(o.sources, src)
}

// Sources returns the ids of every registered source in registration order.
func (o *Orchestrator) Sources() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.sources))
	for i, s := range o.sources {
		ids[i] = s.SourceID()
	}
	return ids
}

// DetectSources returns the ids of the registered sources that are available.
func (o *Orchestrator) DetectSources(ctx context.Context) []string {
	var ids []string
	for _, s := range o.registered() {
		if s.CheckAvailability(ctx) {
			ids = append(ids, s.SourceID())
		}
	}
	return ids
}

func (o *Orchestrator) registered() []DataSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.sources)
}

// Status returns the live status during a run, otherwise the persisted one.
func (o *Orchestrator) Status(ctx context.Context) (models.MigrationStatus, error) {
	o.mu.Lock()
	if o.running {
		st := cloneStatus(o.current)
		o.mu.Unlock()
		return st, nil
	}
	o.mu.Unlock()
	return o.load(ctx)
}

func (o *Orchestrator) load(ctx context.Context) (models.MigrationStatus, error) {
	var st models.MigrationStatus
	ok, err := o.db.LoadSetting(ctx, StatusKey, &st)
	if err != nil {
		return st, fmt.Errorf("load migration status: %w", err)
	}
	if !ok || st.State == "" {
		st.State = StateNotStarted
	}
	return st, nil
}

func (o *Orchestrator) save(ctx context.Context, st models.MigrationStatus) error {
	o.mu.Lock()
	o.current = cloneStatus(st)
	o.mu.Unlock()
	if err := o.db.SaveSetting(ctx, StatusKey, st); err != nil {
		return fmt.Errorf("save migration status: %w", err)
	}
	return nil
}

func newMachine(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventStart, Src: []string{StateNotStarted}, Dst: StateInProgress},
			{Name: EventComplete, Src: []string{StateInProgress}, Dst: StateCompleted},
			{Name: EventFail, Src: []string{StateInProgress}, Dst: StateFailed},
			{Name: EventRestart, Src: []string{StateCompleted, StateFailed}, Dst: StateInProgress},
		},
		fsm.Callbacks{},
	)
}

// StartMigration migrates the given sources, or every detected source when
// none are named. A persisted run that was interrupted is resumed instead,
// skipping the sources it already finished. If a run is already active its
// status is returned immediately.
//
// An adapter error aborts the run: the status records the error and moves
// to failed, and the error is returned. Records committed before the error
// are kept. Per-record validation failures are counted and skipped.
func (o *Orchestrator) StartMigration(ctx context.Context, sourceIDs ...string) (models.MigrationStatus, error) {
	o.mu.Lock()
	if o.running {
		st := cloneStatus(o.current)
		o.mu.Unlock()
		return st, nil
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	st, err := o.load(ctx)
	if err != nil {
		return st, err
	}
	machine := newMachine(st.State)

	resume := st.InProgress
	if resume {
		machine.SetState(StateInProgress)
		o.log.Info("resuming interrupted migration",
			zap.Strings("sources", st.Sources),
			zap.Strings("completed", st.CompletedSources))
	} else {
		ids := sourceIDs
		if len(ids) == 0 {
			ids = o.DetectSources(ctx)
		}
		event := EventStart
		if machine.Current() != StateNotStarted {
			event = EventRestart
		}
		if err := machine.Event(ctx, event); err != nil {
			return st, fmt.Errorf("migration %s: %w", event, err)
		}
		st = models.MigrationStatus{
			Started:          true,
			InProgress:       true,
			LastRun:          o.now(),
			Sources:          ids,
			CompletedSources: []string{},
			State:            machine.Current(),
		}
	}
	if err := o.save(ctx, st); err != nil {
		return st, err
	}

	for _, src := range o.selected(st.Sources) {
		id := src.SourceID()
		if slices.Contains(st.CompletedSources, id) {
			o.log.Debug("source already migrated", zap.String("source", id))
			continue
		}
		if !src.CheckAvailability(ctx) {
			o.log.Warn("skipping source", zap.String("source", id), zap.Error(ErrMigrationSourceUnavailable))
			continue
		}

		o.log.Info("migrating source", zap.String("source", id))
		if err := o.migrateSource(ctx, src, &st.Stats); err != nil {
			return o.abort(ctx, machine, st, fmt.Errorf("migrate %s: %w", id, err))
		}
		st.CompletedSources = append(st.CompletedSources, id)
		if err := o.save(ctx, st); err != nil {
			return st, err
		}
	}

	if err := machine.Event(ctx, EventComplete); err != nil {
		return st, fmt.Errorf("migration complete: %w", err)
	}
	st.State = machine.Current()
	st.InProgress = false
	st.Completed = true
	st.Error = ""
	if err := o.save(ctx, st); err != nil {
		return st, err
	}
	o.log.Info("migration completed",
		zap.Int("assistants", st.Stats.Assistants),
		zap.Int("topics", st.Stats.Topics),
		zap.Int("messages", st.Stats.Messages),
		zap.Int("images", st.Stats.Images),
		zap.Int("settings", st.Stats.Settings),
		zap.Int("rejected", st.Stats.Rejected))
	return st, nil
}

// selected returns the registered sources named in ids, in registration
// order. Names with no registered source are logged and dropped.
func (o *Orchestrator) selected(ids []string) []DataSource {
	var out []DataSource
	found := make(map[string]bool, len(ids))
	for _, s := range o.registered() {
		if slices.Contains(ids, s.SourceID()) {
			out = append(out, s)
			found[s.SourceID()] = true
		}
	}
	for _, id := range ids {
		if !found[id] {
			o.log.Warn("skipping source", zap.String("source", id),
				zap.Error(fmt.Errorf("%w: not registered", ErrMigrationSourceUnavailable)))
		}
	}
	return out
}

func (o *Orchestrator) abort(ctx context.Context, machine *fsm.FSM, st models.MigrationStatus, cause error) (models.MigrationStatus, error) {
	o.log.Error("migration failed", zap.Error(cause))
	if err := machine.Event(ctx, EventFail); err != nil {
		o.log.Warn("fail transition", zap.Error(err))
	}
	st.State = machine.Current()
	st.InProgress = false
	st.Error = cause.Error()
	if err := o.save(ctx, st); err != nil {
		return st, errors.Join(cause, err)
	}
	return st, cause
}

func (o *Orchestrator) migrateSource(ctx context.Context, src DataSource, stats *models.MigrationStats) error {
	id := src.SourceID()

	assistants, err := src.Assistants(ctx)
	if err != nil {
		return fmt.Errorf("read assistants: %w", err)
	}
	imported, rejected := 0, 0
	for _, a := range assistants {
		ok, err := o.upsert(id, "assistant", validate.Assistant(a), func() error {
			return o.db.Assistants.Put(ctx, a)
		})
		if err != nil {
			return err
		}
		if ok {
			imported++
		} else {
			rejected++
		}
	}
	stats.Assistants += imported
	stats.Rejected += rejected
	metrics.AddMigrated(id, "assistants", "imported", imported)
	metrics.AddMigrated(id, "assistants", "rejected", rejected)

	topics, err := src.Topics(ctx)
	if err != nil {
		return fmt.Errorf("read topics: %w", err)
	}
	imported, rejected = 0, 0
	for _, t := range topics {
		ok, err := o.upsert(id, "topic", validate.Topic(t), func() error {
			return o.db.Topics.Put(ctx, t)
		})
		if err != nil {
			return err
		}
		if ok {
			imported++
			stats.Messages += len(t.Messages)
		} else {
			rejected++
		}
	}
	stats.Topics += imported
	stats.Rejected += rejected
	metrics.AddMigrated(id, "topics", "imported", imported)
	metrics.AddMigrated(id, "topics", "rejected", rejected)

	images, err := src.Images(ctx)
	if err != nil {
		return fmt.Errorf("read images: %w", err)
	}
	imported, rejected = 0, 0
	for _, imageID := range sortedKeys(images) {
		rec := images[imageID]
		rec.Meta.ID = imageID
		ok, err := o.upsert(id, "image", nil, func() error {
			_, err := o.db.Images.Put(ctx, rec.Meta, rec.Blob)
			return err
		})
		if err != nil {
			return err
		}
		if ok {
			imported++
		} else {
			rejected++
		}
	}
	stats.Images += imported
	stats.Rejected += rejected
	metrics.AddMigrated(id, "images", "imported", imported)
	metrics.AddMigrated(id, "images", "rejected", rejected)

	settings, err := src.Settings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	imported, rejected = 0, 0
	for _, key := range sortedKeys(settings) {
		if key == StatusKey {
			continue
		}
		value := settings[key]
		ok, err := o.upsert(id, "setting", nil, func() error {
			return o.db.SaveSetting(ctx, key, value)
		})
		if err != nil {
			return err
		}
		if ok {
			imported++
		} else {
			rejected++
		}
	}
	stats.Settings += imported
	stats.Rejected += rejected
	metrics.AddMigrated(id, "settings", "imported", imported)
	metrics.AddMigrated(id, "settings", "rejected", rejected)
	return nil
}

// upsert writes one record unless reasons reject it. Record-level failures
// (validation, serialization) are logged and reported as not ok; anything
// else is returned and aborts the source.
func (o *Orchestrator) upsert(source, kind string, reasons []string, write func() error) (bool, error) {
	if len(reasons) > 0 {
		o.log.Warn("rejected record",
			zap.String("source", source),
			zap.String("kind", kind),
			zap.Strings("reasons", reasons))
		return false, nil
	}
	err := write()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrValidationFailed) || errors.Is(err, storage.ErrSerialization) {
		o.log.Warn("rejected record",
			zap.String("source", source),
			zap.String("kind", kind),
			zap.Error(err))
		return false, nil
	}
	return false, err
}

// ValidateMigratedData checks the whole dataset for integrity problems. The
// result is informational; nothing is changed.
func (o *Orchestrator) ValidateMigratedData(ctx context.Context) (bool, error) {
	report, err := o.IntegrityReport(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range report.Reasons() {
		o.log.Warn("integrity problem", zap.String("detail", r))
	}
	return report.OK(), nil
}

// IntegrityReport returns the detailed integrity check behind ValidateMigratedData.
func (o *Orchestrator) IntegrityReport(ctx context.Context) (validate.IntegrityReport, error) {
	assistants, err := o.db.Assistants.GetAll(ctx)
	if err != nil {
		return validate.IntegrityReport{}, err
	}
	topics, err := o.db.Topics.GetAll(ctx)
	if err != nil {
		return validate.IntegrityReport{}, err
	}
	return validate.DataIntegrity(assistants, topics), nil
}

// CleanupSource deletes the legacy data of a source that has been migrated.
func (o *Orchestrator) CleanupSource(ctx context.Context, sourceID string) error {
	var src DataSource
	for _, s := range o.registered() {
		if s.SourceID() == sourceID {
			src = s
			break
		}
	}
	if src == nil {
		return fmt.Errorf("%w: %s not registered", ErrMigrationSourceUnavailable, sourceID)
	}
	clearable, ok := src.(Clearable)
	if !ok {
		return fmt.Errorf("source %s cannot be cleared", sourceID)
	}

	st, err := o.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Completed || !slices.Contains(st.CompletedSources, sourceID) {
		return fmt.Errorf("%w: %s", ErrNotMigrated, sourceID)
	}

	if err := clearable.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", sourceID, err)
	}
	o.log.Info("legacy source cleared", zap.String("source", sourceID))
	return nil
}

func cloneStatus(st models.MigrationStatus) models.MigrationStatus {
	st.Sources = slices.Clone(st.Sources)
	st.CompletedSources = slices.Clone(st.CompletedSources)
	return st
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
