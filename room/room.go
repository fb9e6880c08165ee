// Package room multiplexes connections onto per-board CRDT documents and
// fans out sync/awareness frames between them.
package room

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/collabhq/whiteboard/crdt"
)

// Palette is the fixed set of presence colors assigned to members at join.
// A joiner arriving while n members are present gets Palette[n%len(Palette)],
// so colors cycle rather than run out as a board grows past eight concurrent
// editors.
var Palette = [8]string{
	"#F44336", "#2196F3", "#4CAF50", "#FF9800",
	"#9C27B0", "#00BCD4", "#E91E63", "#3F51B5",
}

// Member is one connected participant in a Room.
type Member struct {
	ConnID      uuid.UUID
	PrincipalID string
	Name        string
	Color       string
}

// busCapacity bounds how many unconsumed frames a slow subscriber may fall
// behind by before the bus starts dropping its oldest buffered frame to
// make room for the newest one.
const busCapacity = 256

type subscriber struct {
	mu sync.Mutex
	ch chan []byte
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan []byte, busCapacity)}
}

// send delivers frame without blocking. If the subscriber's buffer is full,
// the oldest buffered frame is discarded to make room — a slow consumer
// loses history, not liveness.
func (s *subscriber) send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- frame:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- frame:
	default:
	}
}

// Room holds one board's live collaboration state: its CRDT document, its
// connected members, and the broadcast bus relaying frames between them.
// The Document has its own internal locking and is safe to use concurrently
// on its own; mu here guards only Room's own bookkeeping (members,
// subscribers) and must never be held across socket I/O or storage calls.
type Room struct {
	BoardID uuid.UUID
	doc     *crdt.Document

	mu          sync.RWMutex
	members     map[uuid.UUID]*Member
	subscribers map[uuid.UUID]*subscriber

	logger *slog.Logger
}

// New creates an empty Room for boardID. The caller is responsible for
// loading a persisted snapshot into the returned Room's Document before any
// member joins, if one exists.
func New(boardID uuid.UUID, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		BoardID:     boardID,
		doc:         crdt.NewDocument(boardID.String()),
		members:     make(map[uuid.UUID]*Member),
		subscribers: make(map[uuid.UUID]*subscriber),
		logger:      logger,
	}
}

// WithDocRead runs fn against the Room's Document. Each Document method fn
// calls locks itself internally; WithDocRead does not hold a lock across
// the whole closure, so a multi-call fn is not atomic as a unit — only
// each individual call is. fn must not block on the bus or on storage.
func (r *Room) WithDocRead(fn func(doc *crdt.Document)) {
	fn(r.doc)
}

// WithDocWrite runs fn against the Room's Document. Same caveat as
// WithDocRead: the Document locks per-call, not for the closure's
// duration. fn must not block on the bus or on storage.
func (r *Room) WithDocWrite(fn func(doc *crdt.Document)) {
	fn(r.doc)
}

// AddMember registers a new participant and assigns it the next color in
// the palette, determined by how many members are currently joined.
func (r *Room) AddMember(connID uuid.UUID, principalID, name string) *Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	color := Palette[len(r.members)%len(Palette)]
	m := &Member{ConnID: connID, PrincipalID: principalID, Name: name, Color: color}
	r.members[connID] = m
	return m
}

// RemoveMember unregisters a participant.
func (r *Room) RemoveMember(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, connID)
}

// MemberCount reports how many participants are currently joined.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// MembersSnapshot returns a copy of the current member list.
func (r *Room) MembersSnapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	return out
}

// Subscribe registers connID on the broadcast bus and returns the channel it
// will receive frames on, plus an unsubscribe function the caller must
// invoke exactly once on teardown.
func (r *Room) Subscribe(connID uuid.UUID) (<-chan []byte, func()) {
	r.mu.Lock()
	sub := newSubscriber()
	r.subscribers[connID] = sub
	r.mu.Unlock()

	return sub.ch, func() {
		r.mu.Lock()
		delete(r.subscribers, connID)
		r.mu.Unlock()
	}
}

// Publish fans frame out to every current subscriber, including the one
// that produced it: this mirrors a broadcast channel where every connection
// (its own sender included) subscribes to the same bus, so a client sees
// its own writes echoed back exactly as every other member does. Publishing
// never blocks: a subscriber that can't keep up has its oldest buffered
// frame dropped rather than stalling the whole room.
func (r *Room) Publish(frame []byte) {
	r.mu.RLock()
	targets := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		sub.send(frame)
	}
}
