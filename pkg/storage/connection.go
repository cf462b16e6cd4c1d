package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/convostore/pkg/events"
	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/metrics"
)

const (
	DefaultOpenTimeout       = 8 * time.Second
	DefaultMinReopenInterval = time.Second
)

// Options configures a ConnectionManager.
type Options struct {
	// Dir is the BadgerDB directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps all data in RAM. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// LowMemory shrinks badger's tables and caches.
	LowMemory bool

	// OpenTimeout bounds a single open (including recovery and upgrade).
	OpenTimeout time.Duration

	// MinReopenInterval is the minimum gap between a failed attempt and the next.
	MinReopenInterval time.Duration

	// HoldOnVersionChange keeps this handle open when another manager in the
	// process asks it to yield. The other manager then fails as blocked.
	HoldOnVersionChange bool

	// Coordinator arbitrates takeover between managers sharing a directory.
	// Nil disables in-process takeover.
	Coordinator *Coordinator

	// Events receives connection lifecycle events.
	Events events.Publisher

	Logger *zap.Logger
}

// Handle is an open, upgraded store.
type Handle struct {
	db       *badger.DB
	version  int
	upgraded int
	mgr      *ConnectionManager
}

// Version returns the schema version of the open store.
func (h *Handle) Version() int { return h.version }

// UpgradedFrom returns the version found on disk before this open upgraded it.
// Zero means the store was created fresh.
func (h *Handle) UpgradedFrom() int { return h.upgraded }

func (h *Handle) alive() bool { return h != nil && !h.db.IsClosed() }

func (h *Handle) update(fn func(*badger.Txn) error) error {
	return h.check(h.db.Update(fn))
}

func (h *Handle) view(fn func(*badger.Txn) error) error {
	return h.check(h.db.View(fn))
}

// check turns a closed-database failure into a terminated connection.
func (h *Handle) check(err error) error {
	if err != nil && errors.Is(err, badger.ErrDBClosed) {
		h.mgr.terminated(h)
		return fmt.Errorf("%w: %w", ErrConnectionTerminated, err)
	}
	return err
}

// ConnectionManager owns the single handle to the store. It serializes opens,
// spaces out retries after failures, upgrades the schema, and recovers from a
// store that cannot be opened by deleting it and retrying once.
//
// Example:
//
//	conn := storage.NewConnectionManager(storage.Options{Dir: dir, Events: bus})
//	defer conn.Close()
//
//	h, err := conn.Open(ctx)
//	if storage.IsFatal(err) {
//		// show a retry prompt
//	}
type ConnectionManager struct {
	opts   Options
	log    *zap.Logger
	events events.Publisher

	group singleflight.Group
	done  chan struct{}

	mu          sync.Mutex
	handle      *Handle
	lastFailure time.Time
	closed      bool

	// Overridable for tests.
	targetVersion int
	openDB        func(Options) (*badger.DB, error)
	removeDB      func(dir string) error
	now           func() time.Time
}

// NewConnectionManager creates a manager. Nothing is opened until Open.
func NewConnectionManager(opts Options) *ConnectionManager {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.MinReopenInterval <= 0 {
		opts.MinReopenInterval = DefaultMinReopenInterval
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Dir != "" {
		opts.Dir = filepath.Clean(opts.Dir)
	}
	return &ConnectionManager{
		opts:          opts,
		log:           logger.OrNop(opts.Logger).Named(logger.ComponentConnection),
		events:        opts.Events,
		done:          make(chan struct{}),
		targetVersion: SchemaVersion,
		openDB:        openBadger,
		removeDB:      os.RemoveAll,
		now:           time.Now,
	}
}

// Open returns the live handle, opening the store if needed. Concurrent
// callers share a single attempt. The caller waits at most OpenTimeout.
func (m *ConnectionManager) Open(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStorageClosed
	}
	if h := m.handle; h != nil {
		if h.alive() {
			m.mu.Unlock()
			return h, nil
		}
		m.handle = nil
		m.mu.Unlock()
		m.log.Warn("cached handle was closed underneath us")
		m.events.Publish(events.Event{Kind: events.ConnectionTerminated, Reason: "handle closed"})
	} else {
		m.mu.Unlock()
	}

	ch := m.group.DoChan("open", func() (any, error) {
		return m.openOnce()
	})

	timer := time.NewTimer(m.opts.OpenTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, m.opts.OpenTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// openOnce is the shared body of a single-flight open.
func (m *ConnectionManager) openOnce() (*Handle, error) {
	if err := m.waitReopenInterval(); err != nil {
		return nil, err
	}

	if refused, holder := m.takeover(); refused {
		m.fail()
		metrics.ObserveOpen(metrics.OpenBlocked, 0)
		m.events.Publish(events.Event{Kind: events.ConnectionBlocked, Reason: "close other sessions"})
		if holder < m.targetVersion {
			return nil, fmt.Errorf("%w: holder at v%d", ErrSchemaUpgradeBlocked, holder)
		}
		return nil, ErrConnectionBlocked
	}

	start := m.now()
	h, err := m.openAndUpgrade()
	if err != nil {
		h, err = m.recover(err)
		if err != nil {
			m.fail()
			return nil, err
		}
	}

	if elapsed := m.now().Sub(start); elapsed > m.opts.OpenTimeout {
		// Every waiter has already given up.
		_ = h.db.Close()
		m.fail()
		metrics.ObserveOpen(metrics.OpenTimeout, elapsed)
		return nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, elapsed)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = h.db.Close()
		return nil, ErrStorageClosed
	}
	m.handle = h
	m.lastFailure = time.Time{}
	m.mu.Unlock()

	if m.opts.Coordinator != nil && !m.opts.InMemory {
		m.opts.Coordinator.register(m.opts.Dir, m)
	}
	metrics.ObserveOpen(metrics.OpenOK, m.now().Sub(start))
	m.log.Info("store opened",
		zap.String("dir", m.opts.Dir),
		zap.Bool("inMemory", m.opts.InMemory),
		zap.Int("version", h.version))
	return h, nil
}

// recover handles a failed first open. Lock contention and downgrades are
// returned as-is; anything else deletes the store and retries exactly once.
func (m *ConnectionManager) recover(cause error) (*Handle, error) {
	if isLockError(cause) {
		metrics.ObserveOpen(metrics.OpenBlocked, 0)
		m.events.Publish(events.Event{Kind: events.ConnectionBlocked, Reason: "close other sessions"})
		return nil, fmt.Errorf("%w: %w", ErrConnectionBlocked, cause)
	}
	if errors.Is(cause, ErrSchemaDowngrade) {
		metrics.ObserveOpen(metrics.OpenFailed, 0)
		return nil, cause
	}

	m.log.Warn("open failed, deleting store and retrying once",
		zap.String("dir", m.opts.Dir),
		zap.Error(cause))
	metrics.IncRecovery()

	if !m.opts.InMemory && m.opts.Dir != "" {
		if err := m.removeDB(m.opts.Dir); err != nil {
			metrics.ObserveOpen(metrics.OpenFailed, 0)
			return nil, fmt.Errorf("%w: delete store: %w", ErrStorageUnavailable, err)
		}
	}

	h, err := m.openAndUpgrade()
	if err != nil {
		m.log.Error("open failed after recovery", zap.Error(err))
		metrics.ObserveOpen(metrics.OpenFailed, 0)
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	metrics.ObserveOpen(metrics.OpenRecovered, 0)
	return h, nil
}

func (m *ConnectionManager) openAndUpgrade() (*Handle, error) {
	db, err := m.openDB(m.opts)
	if err != nil {
		return nil, err
	}
	stored, err := upgradeSchema(db, m.targetVersion, m.log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Handle{db: db, version: m.targetVersion, upgraded: stored, mgr: m}, nil
}

// waitReopenInterval sleeps out the rest of the minimum interval since the
// last failed attempt.
func (m *ConnectionManager) waitReopenInterval() error {
	m.mu.Lock()
	last := m.lastFailure
	m.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	wait := m.opts.MinReopenInterval - m.now().Sub(last)
	if wait <= 0 {
		return nil
	}
	m.log.Debug("delaying reopen", zap.Duration("wait", wait))

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-m.done:
		return ErrStorageClosed
	}
}

func (m *ConnectionManager) fail() {
	m.mu.Lock()
	m.lastFailure = m.now()
	m.mu.Unlock()
}

// takeover asks other in-process holders of the directory to yield. It
// reports whether one refused and, if so, that holder's schema version.
func (m *ConnectionManager) takeover() (bool, int) {
	if m.opts.Coordinator == nil || m.opts.InMemory {
		return false, 0
	}
	return m.opts.Coordinator.acquire(m.opts.Dir, m)
}

// yield is called by the coordinator when another manager wants the store.
func (m *ConnectionManager) yield() (bool, int) {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return true, 0
	}

	m.events.Publish(events.Event{Kind: events.ConnectionBlocking, Reason: "another session is opening the store"})
	if m.opts.HoldOnVersionChange {
		m.log.Warn("holding store open against another session")
		return false, h.version
	}

	m.log.Info("closing handle for another session")
	m.dropHandle(h)
	return true, 0
}

// terminated clears h if it is still the cached handle.
func (m *ConnectionManager) terminated(h *Handle) {
	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.mu.Unlock()

	m.log.Warn("connection terminated")
	m.events.Publish(events.Event{Kind: events.ConnectionTerminated, Reason: "database closed"})
}

func (m *ConnectionManager) dropHandle(h *Handle) {
	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.mu.Unlock()

	if h != nil {
		if err := h.db.Close(); err != nil {
			m.log.Warn("close handle", zap.Error(err))
		}
	}
	if m.opts.Coordinator != nil {
		m.opts.Coordinator.release(m.opts.Dir, m)
	}
}

// Close closes the handle. The manager cannot be reopened.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.handle
	m.handle = nil
	close(m.done)
	m.mu.Unlock()

	if m.opts.Coordinator != nil {
		m.opts.Coordinator.release(m.opts.Dir, m)
	}
	if h != nil {
		return h.db.Close()
	}
	return nil
}

// DeleteAndReopen discards the store and opens a fresh, empty one.
func (m *ConnectionManager) DeleteAndReopen(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStorageClosed
	}
	h := m.handle
	m.mu.Unlock()

	m.dropHandle(h)
	if !m.opts.InMemory && m.opts.Dir != "" {
		if err := m.removeDB(m.opts.Dir); err != nil {
			return nil, fmt.Errorf("%w: delete store: %w", ErrStorageUnavailable, err)
		}
	}
	m.log.Warn("store deleted", zap.String("dir", m.opts.Dir))
	return m.Open(ctx)
}

// Schema reports the catalog of the open store.
func (m *ConnectionManager) Schema(ctx context.Context) (SchemaInfo, error) {
	h, err := m.Open(ctx)
	if err != nil {
		return SchemaInfo{}, err
	}
	var info SchemaInfo
	err = h.view(func(txn *badger.Txn) error {
		var err error
		info, err = readSchemaInfo(txn)
		return err
	})
	return info, err
}

func isLockError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Cannot acquire directory lock")
}

func openBadger(opts Options) (*badger.DB, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(logger.NewBadgerLogger(opts.Logger))
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// Chat data is small; keep the footprint modest.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(4 << 20).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	}

	return badger.Open(badgerOpts)
}

// Coordinator arbitrates in-process takeover between managers that share a
// directory. Create one per process and pass it to every manager.
type Coordinator struct {
	mu      sync.Mutex
	holders map[string]map[*ConnectionManager]struct{}
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{holders: make(map[string]map[*ConnectionManager]struct{})}
}

func (c *Coordinator) register(dir string, m *ConnectionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.holders[dir]
	if !ok {
		set = make(map[*ConnectionManager]struct{})
		c.holders[dir] = set
	}
	set[m] = struct{}{}
}

func (c *Coordinator) release(dir string, m *ConnectionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.holders[dir]; ok {
		delete(set, m)
		if len(set) == 0 {
			delete(c.holders, dir)
		}
	}
}

// acquire asks every other holder of dir to yield.
func (c *Coordinator) acquire(dir string, requester *ConnectionManager) (bool, int) {
	c.mu.Lock()
	var others []*ConnectionManager
	for m := range c.holders[dir] {
		if m != requester {
			others = append(others, m)
		}
	}
	c.mu.Unlock()

	for _, m := range others {
		if ok, version := m.yield(); !ok {
			return true, version
		}
	}
	return false, 0
}
