// Package compat routes legacy call shapes to the current store.
//
// The Shim holds one Strategy per Mode and swaps between them on SetMode:
//
//	disabled  plain pass-through to the record stores
//	enabled   legacy calls go through the relationship rules
//	rollback  as enabled, but a miss falls back to a legacy DataSource
//
// Rollback is an escape hatch while a migration is suspect, not a steady state.
package compat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/migration"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/relations"
	"github.com/orneryd/convostore/pkg/storage"
)

// ModeSettingKey is the setting that persists the active mode.
const ModeSettingKey = "compat.mode"

// Mode selects a routing strategy.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeEnabled  Mode = "enabled"
	ModeRollback Mode = "rollback"
)

// ErrUnknownMode is returned for a mode name that is not one of the three modes.
var ErrUnknownMode = errors.New("unknown compat mode")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDisabled, ModeEnabled, ModeRollback:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Strategy is the set of legacy call shapes.
type Strategy interface {
	GetMessages(ctx context.Context, topicID string) ([]models.Message, error)
	SaveMessages(ctx context.Context, topicID string, msgs []models.Message) error
	GetAssistant(ctx context.Context, id string) (*models.Assistant, error)
	SaveAssistant(ctx context.Context, a *models.Assistant) error
	ListTopics(ctx context.Context, assistantID string) ([]*models.Topic, error)
}

// Options configures a Shim.
type Options struct {
	// Legacy is consulted on misses in rollback mode. Without it rollback
	// behaves like enabled.
	Legacy migration.DataSource
	Logger *zap.Logger
}

// Shim dispatches legacy calls to the strategy of the active mode.
type Shim struct {
	db  *storage.Database
	log *zap.Logger

	strategies map[Mode]Strategy

	mu   sync.RWMutex
	mode Mode
}

var _ Strategy = (*Shim)(nil)

// New creates a Shim in disabled mode. Call Restore to load a persisted mode.
func New(db *storage.Database, rel *relations.Manager, opts Options) *Shim {
	log := logger.OrNop(opts.Logger).Named(logger.ComponentCompat)
	enabled := &enabledStrategy{db: db, rel: rel}
	return &Shim{
		db:  db,
		log: log,
		strategies: map[Mode]Strategy{
			ModeDisabled: &disabledStrategy{db: db},
			ModeEnabled:  enabled,
			ModeRollback: &rollbackStrategy{enabledStrategy: enabled, legacy: opts.Legacy, log: log},
		},
		mode: ModeDisabled,
	}
}

// Mode returns the active mode.
func (s *Shim) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches and persists the active mode.
func (s *Shim) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if err := s.db.SaveSetting(ctx, ModeSettingKey, string(mode)); err != nil {
		return fmt.Errorf("persist compat mode: %w", err)
	}

	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	s.mu.Unlock()

	s.logTransition("compat mode changed", prev, mode)
	return nil
}

// logTransition logs a mode change. Entering rollback is a warning.
func (s *Shim) logTransition(msg string, from, to Mode) {
	if from == to {
		return
	}
	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if to == ModeRollback {
		s.log.Warn(msg, fields...)
	} else {
		s.log.Info(msg, fields...)
	}
}

// Restore loads the persisted mode, falling back to def when none is stored
// or the stored value is unknown.
func (s *Shim) Restore(ctx context.Context, def Mode) (Mode, error) {
	var stored string
	ok, err := s.db.LoadSetting(ctx, ModeSettingKey, &stored)
	if err != nil {
		return "", err
	}
	mode := def
	if ok {
		if m, err := ParseMode(stored); err == nil {
			mode = m
		} else {
			s.log.Warn("ignoring stored compat mode", zap.Error(err))
		}
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return "", err
	}
	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	s.mu.Unlock()
	s.logTransition("compat mode restored", prev, mode)
	return mode, nil
}

func (s *Shim) current() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategies[s.mode]
}

func (s *Shim) GetMessages(ctx context.Context, topicID string) ([]models.Message, error) {
	return s.current().GetMessages(ctx, topicID)
}

func (s *Shim) SaveMessages(ctx context.Context, topicID string, msgs []models.Message) error {
	return s.current().SaveMessages(ctx, topicID, msgs)
}

func (s *Shim) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	return s.current().GetAssistant(ctx, id)
}

func (s *Shim) SaveAssistant(ctx context.Context, a *models.Assistant) error {
	return s.current().SaveAssistant(ctx, a)
}

func (s *Shim) ListTopics(ctx context.Context, assistantID string) ([]*models.Topic, error) {
	return s.current().ListTopics(ctx, assistantID)
}
