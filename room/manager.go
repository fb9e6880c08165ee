package room

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Manager is the process-wide registry of live Rooms, one per board that
// currently has at least one connection. Rooms are created lazily on first
// join and torn down once their last member disconnects.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]*Room
	logger *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{rooms: make(map[uuid.UUID]*Room), logger: logger}
}

// Get returns the live Room for boardID, if one exists.
func (m *Manager) Get(boardID uuid.UUID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[boardID]
	return r, ok
}

// GetOrCreate returns the live Room for boardID, creating it if necessary.
// load is invoked exactly once, only when a new Room is created, and should
// return a persisted snapshot to replay into the new Room's Document (nil
// is a valid "no prior snapshot" result). load runs while the manager lock
// is held, so it must not block on the bus or do unbounded work — callers
// pass a thin closure over the persistence adapter's Load call.
//
// The lookup is double-checked: a cheap shared-lock read happens before
// taking the exclusive lock, so the common case (room already live) does not
// contend with other lookups; it waits only while some Room is being created
// or removed.
func (m *Manager) GetOrCreate(boardID uuid.UUID, load func(*Room) error) (*Room, error) {
	if r, ok := m.Get(boardID); ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[boardID]; ok {
		return r, nil
	}

	r := New(boardID, m.logger)
	if load != nil {
		if err := load(r); err != nil {
			return nil, err
		}
	}
	m.rooms[boardID] = r
	return r, nil
}

// Rooms returns a snapshot of every currently live Room. Used at shutdown
// to flush final snapshots before the process exits.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// RemoveIfEmpty removes boardID's Room from the registry if it currently has
// no members. The check-and-remove is serialized under the manager lock so
// a join racing a departing-last-member teardown can never observe a
// removed-but-still-referenced Room.
func (m *Manager) RemoveIfEmpty(boardID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[boardID]
	if !ok {
		return false
	}
	if r.MemberCount() > 0 {
		return false
	}
	delete(m.rooms, boardID)
	return true
}
