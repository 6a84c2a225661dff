// Package store owns the reminder collection: in-memory copy plus a durable
// serialized snapshot written through a Backend after every mutation.
//
// Several gateways may share one backend. Each mutation reloads the snapshot
// before applying the change and Refresh pulls in changes made elsewhere, so
// one replica's writes are not dropped by another's. Two mutations racing
// between load and save on different replicas still resolve last writer wins.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/metrics"
	"github.com/zy0x1337/aquaguide-sub003/internal/reminder"
)

// ErrPersist wraps any failure to write the collection to its backend.
// The in-memory change has already been applied when it is returned.
var ErrPersist = errors.New("reminder store: persist failed")

// ErrNotFound is returned by the backends when no snapshot exists yet.
var ErrNotFound = errors.New("reminder store: snapshot not found")

// Backend holds the serialized reminder array under a single key.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Fields are the caller-supplied attributes of a new reminder.
type Fields struct {
	TankID     string
	TankName   string
	Kind       reminder.Kind
	Title      string
	Message    string
	Frequency  reminder.Frequency
	CustomDays *int
	NextDueAt  time.Time
	Enabled    bool
}

// Patch carries the fields to merge in Update. Nil means unchanged.
type Patch struct {
	Title       *string
	Message     *string
	Frequency   *reminder.Frequency
	CustomDays  *int
	NextDueAt   *time.Time
	Enabled     *bool
	LastFiredAt *time.Time

	// ExpectNextDueAt makes the NextDueAt change conditional: it is applied
	// only while the stored value still equals this time.
	ExpectNextDueAt *time.Time
}

// Config controls store behaviour.
type Config struct {
	// Location is the local zone used for zone-less timestamps and seeding.
	Location *time.Location
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Store is the reminder repository.
type Store struct {
	mu        sync.Mutex
	reminders []reminder.Reminder
	dirty     bool // last save failed; memory is ahead of the backend
	backend   Backend
	config    Config
	logger    *zap.Logger
}

// New creates a store and loads the persisted snapshot. Load failures never
// surface: the store starts empty and the failure is logged.
func New(ctx context.Context, backend Backend, cfg Config, logger *zap.Logger) *Store {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		backend: backend,
		config:  cfg,
		logger:  logger,
	}
	s.reminders = s.load(ctx)
	metrics.SetRemindersStored(len(s.reminders))
	return s
}

func (s *Store) load(ctx context.Context) []reminder.Reminder {
	data, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("no persisted reminders, starting empty")
		return []reminder.Reminder{}
	}
	if err != nil {
		metrics.RecordPersistFailure("load")
		s.logger.Warn("failed to load reminders, starting empty", zap.Error(err))
		return []reminder.Reminder{}
	}

	list, err := reminder.UnmarshalList(data, s.config.Location)
	if err != nil {
		metrics.RecordPersistFailure("load")
		s.logger.Warn("corrupt reminder snapshot, starting empty", zap.Error(err))
		return []reminder.Reminder{}
	}

	s.logger.Info("reminders loaded", zap.Int("count", len(list)))
	return list
}

// syncLocked replaces the in-memory collection with the backend snapshot.
// It keeps memory when the backend has nothing usable or when memory holds
// changes that failed to save. Must be called with the lock held.
func (s *Store) syncLocked(ctx context.Context) error {
	if s.dirty {
		return nil
	}

	data, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.RecordPersistFailure("load")
		return fmt.Errorf("reload reminders: %w", err)
	}

	list, err := reminder.UnmarshalList(data, s.config.Location)
	if err != nil {
		metrics.RecordPersistFailure("load")
		return fmt.Errorf("decode reminders: %w", err)
	}
	s.reminders = list
	metrics.SetRemindersStored(len(list))
	return nil
}

// sync is syncLocked for mutations: failures are logged and the change is
// applied to the in-memory copy.
func (s *Store) sync(ctx context.Context) {
	if err := s.syncLocked(ctx); err != nil {
		s.logger.Warn("using in-memory reminders", zap.Error(err))
	}
}

// Refresh pulls in changes other writers saved to the shared backend. On
// failure the in-memory collection stays as it was.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

// persist must be called with the lock held.
func (s *Store) persist(ctx context.Context) error {
	metrics.SetRemindersStored(len(s.reminders))

	data, err := reminder.MarshalList(s.reminders)
	if err == nil {
		err = s.backend.Save(ctx, data)
	}
	if err != nil {
		s.dirty = true
		metrics.RecordPersistFailure("save")
		s.logger.Warn("failed to persist reminders", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.dirty = false
	return nil
}

// List returns a copy of every reminder. Order is unspecified.
func (s *Store) List() []reminder.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]reminder.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, r.Clone())
	}
	return out
}

// ListByTank returns the reminders of one tank.
func (s *Store) ListByTank(tankID string) []reminder.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []reminder.Reminder{}
	for _, r := range s.reminders {
		if r.TankID == tankID {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Get returns a reminder by id.
func (s *Store) Get(id string) (reminder.Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(id); i >= 0 {
		return s.reminders[i].Clone(), true
	}
	return reminder.Reminder{}, false
}

func (s *Store) indexOf(id string) int {
	for i := range s.reminders {
		if s.reminders[i].ID == id {
			return i
		}
	}
	return -1
}

// Add stores a new reminder under a fresh id.
func (s *Store) Add(ctx context.Context, f Fields) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync(ctx)

	r := s.addLocked(f)
	err := s.persist(ctx)

	s.logger.Info("reminder added",
		zap.String("reminder_id", r.ID),
		zap.String("tank_id", r.TankID),
		zap.String("kind", string(r.Kind)),
	)
	return r.Clone(), err
}

func (s *Store) addLocked(f Fields) reminder.Reminder {
	id := reminder.NewID()
	for s.indexOf(id) >= 0 {
		id = reminder.NewID()
	}

	r := reminder.Reminder{
		ID:         id,
		TankID:     f.TankID,
		TankName:   f.TankName,
		Kind:       f.Kind,
		Title:      f.Title,
		Message:    f.Message,
		Frequency:  f.Frequency,
		CustomDays: f.CustomDays,
		NextDueAt:  f.NextDueAt,
		Enabled:    f.Enabled,
	}
	r.Normalize()
	r = r.Clone()
	s.reminders = append(s.reminders, r)
	return r
}

// Update merges patch into the reminder with the given id. A missing id is a no-op.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync(ctx)

	i := s.indexOf(id)
	if i < 0 {
		s.logger.Debug("update of unknown reminder ignored", zap.String("reminder_id", id))
		return nil
	}

	r := &s.reminders[i]
	if patch.Title != nil {
		r.Title = *patch.Title
	}
	if patch.Message != nil {
		r.Message = *patch.Message
	}
	if patch.Frequency != nil {
		r.Frequency = *patch.Frequency
	}
	if patch.CustomDays != nil {
		d := *patch.CustomDays
		r.CustomDays = &d
	}
	if patch.NextDueAt != nil {
		if patch.ExpectNextDueAt == nil || r.NextDueAt.Equal(*patch.ExpectNextDueAt) {
			r.NextDueAt = *patch.NextDueAt
		} else {
			s.logger.Debug("next due time changed concurrently, keeping it",
				zap.String("reminder_id", id),
				zap.Time("next_due_at", r.NextDueAt),
			)
		}
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.LastFiredAt != nil {
		t := *patch.LastFiredAt
		r.LastFiredAt = &t
	}
	r.Normalize()

	return s.persist(ctx)
}

// Remove deletes a reminder. A missing id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync(ctx)

	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	s.reminders = append(s.reminders[:i], s.reminders[i+1:]...)

	s.logger.Info("reminder removed", zap.String("reminder_id", id))
	return s.persist(ctx)
}

// SetEnabled toggles a reminder on or off.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.Update(ctx, id, Patch{Enabled: &enabled})
}

// SeedDefaults inserts the default disabled reminders for a tank that has none.
// It returns how many reminders were inserted (0 or 3).
func (s *Store) SeedDefaults(ctx context.Context, tankID, tankName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync(ctx)

	for _, r := range s.reminders {
		if r.TankID == tankID {
			return 0, nil
		}
	}

	defaults := reminder.Defaults(tankID, tankName, s.config.Now(), s.config.Location)
	for _, d := range defaults {
		s.addLocked(Fields{
			TankID:    d.TankID,
			TankName:  d.TankName,
			Kind:      d.Kind,
			Title:     d.Title,
			Message:   d.Message,
			Frequency: d.Frequency,
			NextDueAt: d.NextDueAt,
			Enabled:   d.Enabled,
		})
	}

	s.logger.Info("default reminders seeded",
		zap.String("tank_id", tankID),
		zap.Int("count", len(defaults)),
	)
	return len(defaults), s.persist(ctx)
}
