package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/tomacheese/watch-vrchat-user/pkg/persistence"
)

// DefaultPersistDelay is the debounce window for snapshot writes.
// Bursts of updates within the window collapse into one write.
const DefaultPersistDelay = 1 * time.Second

// Record is the last known state of one watched entity.
type Record struct {
	// ID is the unique entity identifier.
	ID string

	// DisplayName is the entity's last known display name.
	DisplayName string

	// State is the opaque location token. Nil means the entity
	// currently has no location.
	State *string

	// UpdatedAt is when the record was last mutated.
	UpdatedAt time.Time
}

// Transition is the result of applying one observation.
type Transition struct {
	// Changed reports whether the observation differed from the
	// stored state.
	Changed bool

	// Previous is the stored state before the observation. Nil for a
	// previously unseen entity or one with no location.
	Previous *string

	// Current is the state after the observation.
	Current *string
}

// Store owns the mapping from entity ID to last known state. It
// computes transitions on update and persists the mapping with a
// debounced write-behind strategy. Records are created on first
// observation and mutated in place afterwards, never deleted.
type Store struct {
	mu sync.Mutex

	// records holds the last known state keyed by entity ID.
	records map[string]*Record

	// snapshots is the durable storage (optional).
	snapshots persistence.Store

	// persistDelay is the debounce window for snapshot writes.
	persistDelay time.Duration

	// persistTimer is the pending debounced write; nil when none.
	persistTimer *time.Timer

	// Clock, overridable in tests
	now func() time.Time

	// onPersistError receives failures of background writes.
	onPersistError func(err error)
}

// StoreConfig allows customizing store behavior.
type StoreConfig struct {
	// PersistDelay is the debounce window for snapshot writes.
	PersistDelay time.Duration

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// NewStore creates a store writing through the given snapshot
// storage. A nil snapshots keeps the store purely in-memory.
func NewStore(snapshots persistence.Store) *Store {
	return NewStoreWithConfig(snapshots, StoreConfig{})
}

// NewStoreWithConfig creates a store with custom settings.
func NewStoreWithConfig(snapshots persistence.Store, cfg StoreConfig) *Store {
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = DefaultPersistDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		records:      make(map[string]*Record),
		snapshots:    snapshots,
		persistDelay: cfg.PersistDelay,
		now:          cfg.Now,
	}
}

// OnPersistError sets a callback for background write failures.
// Persistence is best-effort: the in-memory mapping keeps serving
// regardless.
func (s *Store) OnPersistError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPersistError = fn
}

// Load seeds the store from the durable snapshot and returns the
// number of entities loaded. A missing, malformed or structurally
// invalid document yields an empty store; load failures never block
// startup.
func (s *Store) Load() int {
	if s.snapshots == nil {
		return 0
	}

	snap, err := s.snapshots.Load()
	if err != nil {
		s.reportPersistError(err)
		return 0
	}
	if snap == nil || snap.Entities == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Record, len(snap.Entities))
	for id, rec := range snap.Entities {
		if id == "" {
			continue
		}
		s.records[id] = &Record{
			ID:          id,
			DisplayName: rec.DisplayName,
			State:       rec.State,
			UpdatedAt:   rec.UpdatedAt,
		}
	}
	return len(s.records)
}

// Update applies one observation and reports whether it changed the
// stored state. Equal states (including both nil) mutate nothing and
// schedule no write. An empty displayName keeps the existing name,
// since offline observations carry no name.
func (s *Store) Update(id, displayName string, state *string) Transition {
	s.mu.Lock()

	existing := s.records[id]
	var previous *string
	if existing != nil {
		previous = existing.State
	}

	if sameState(previous, state) {
		s.mu.Unlock()
		return Transition{Changed: false, Previous: previous, Current: previous}
	}

	if displayName == "" && existing != nil {
		displayName = existing.DisplayName
	}

	s.records[id] = &Record{
		ID:          id,
		DisplayName: displayName,
		State:       state,
		UpdatedAt:   s.now(),
	}
	s.schedulePersistLocked()
	s.mu.Unlock()

	return Transition{Changed: true, Previous: previous, Current: state}
}

// SetInitial seeds the record for id unconditionally, without
// computing or reporting a transition. Used during startup
// reconciliation; a caller that wants to notify compares against
// Record before seeding.
func (s *Store) SetInitial(id, displayName string, state *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[id] = &Record{
		ID:          id,
		DisplayName: displayName,
		State:       state,
		UpdatedAt:   s.now(),
	}
	s.schedulePersistLocked()
}

// UpdateDisplayName patches only the display name on an existing
// record. Display names drift independently of state transitions.
// Returns false for unknown entities, empty or unchanged names.
func (s *Store) UpdateDisplayName(id, displayName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || displayName == "" || rec.DisplayName == displayName {
		return false
	}

	rec.DisplayName = displayName
	rec.UpdatedAt = s.now()
	s.schedulePersistLocked()
	return true
}

// Record returns a copy of the record for id.
func (s *Store) Record(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all records, sorted by entity ID.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of tracked entities.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Flush cancels any pending debounced write and persists immediately.
// Called at shutdown so the last debounce window is not lost.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	s.mu.Unlock()

	return s.persist()
}

// schedulePersistLocked (re)starts the debounce timer. The previous
// timer is cancelled first so at most one write is ever pending.
// Caller holds mu.
func (s *Store) schedulePersistLocked() {
	if s.snapshots == nil {
		return
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(s.persistDelay, s.persistQuiet)
}

// persistQuiet runs a debounced write and routes failures to the
// error callback.
func (s *Store) persistQuiet() {
	if err := s.persist(); err != nil {
		s.reportPersistError(err)
	}
}

// persist serializes the mapping and writes it through the snapshot
// storage.
func (s *Store) persist() error {
	if s.snapshots == nil {
		return nil
	}

	s.mu.Lock()
	entities := make(map[string]persistence.EntityRecord, len(s.records))
	for id, rec := range s.records {
		entities[id] = persistence.EntityRecord{
			ID:          rec.ID,
			DisplayName: rec.DisplayName,
			State:       rec.State,
			UpdatedAt:   rec.UpdatedAt,
		}
	}
	now := s.now()
	s.mu.Unlock()

	return s.snapshots.Save(&persistence.Snapshot{
		SavedAt:  now,
		Entities: entities,
	})
}

// reportPersistError forwards a write failure to the callback.
func (s *Store) reportPersistError(err error) {
	s.mu.Lock()
	cb := s.onPersistError
	s.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// sameState reports whether two optional states are equal. Two nils
// are equal; a nil never equals a value.
func sameState(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
