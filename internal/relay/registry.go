// Package relay groups client sessions into rooms, fans events out with
// latency compensation, records every relayed event and tears rooms down
// when they empty or go quiet.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/schedule"
)

var (
	// ErrRoomRequired is returned by Join for an empty room id.
	ErrRoomRequired = errors.New("room id is required")
	// ErrNotInRoom is returned by Publish for a session without a room.
	ErrNotInRoom = errors.New("session has no room")
	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("relay registry is shut down")
)

// Flusher persists a room's recording at teardown.
type Flusher interface {
	Flush(ctx context.Context, snap ghost.Snapshot) error
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	Clock                 schedule.Clock
	InactivityTimeout     time.Duration
	CompensationThreshold float64
	FlushTimeout          time.Duration
	Flusher               Flusher
	Metrics               *Metrics
}

// Stats is a point-in-time view of the registry. Events and Bytes count
// traffic since the previous Stats call.
type Stats struct {
	Rooms   int
	Clients int
	Events  uint64
	Bytes   uint64
}

// Registry owns every room. One mutex serialises joins, leaves, publishes,
// timer fires and teardown selection, so a fan-out, its recording and its
// timer refresh all see the same member set.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	sessions int
	closed   bool

	clock     schedule.Clock
	timeout   time.Duration
	threshold float64
	flushTO   time.Duration
	flusher   Flusher
	metrics   *Metrics

	flushes sync.WaitGroup

	// reset on each Stats call
	totalEvents atomic.Uint64
	totalBytes  atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		rooms:     make(map[string]*Room),
		clock:     opts.Clock,
		timeout:   opts.InactivityTimeout,
		threshold: opts.CompensationThreshold,
		flushTO:   opts.FlushTimeout,
		flusher:   opts.Flusher,
		metrics:   opts.Metrics,
	}
	if r.clock == nil {
		r.clock = schedule.System()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultInactivityTimeout
	}
	if r.threshold <= 0 {
		r.threshold = DefaultCompensationThreshold
	}
	if r.flushTO <= 0 {
		r.flushTO = DefaultFlushTimeout
	}
	return r
}

// Connect registers a new session for conn.
func (r *Registry) Connect(conn Conn) *Session {
	s := newSession(conn)

	r.mu.Lock()
	r.sessions++
	r.metrics.setClients(r.sessions)
	r.mu.Unlock()

	slog.Info("client connected", "client_id", s.id)
	return s
}

// Disconnect detaches s from its room and forgets it. Safe to call twice.
func (r *Registry) Disconnect(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.conn == nil {
		return
	}
	s.conn = nil
	r.sessions--
	r.metrics.setClients(r.sessions)
	r.detachLocked(s)
	slog.Info("client disconnected", "client_id", s.id)
}

// Resolve returns the live room with id, creating it if needed.
func (r *Registry) Resolve(id string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(id)
}

func (r *Registry) resolveLocked(id string) *Room {
	if room, ok := r.rooms[id]; ok {
		return room
	}
	room := newRoom(id, r.clock.Now(), r.clock)
	r.rooms[id] = room
	r.metrics.setRooms(len(r.rooms))
	slog.Info("room created", "room_id", id)
	return room
}

// Room returns the live room with id, if any.
func (r *Registry) Room(id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

// SessionRoom returns the id of the room s belongs to, or "".
func (r *Registry) SessionRoom(s *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.id
}

// Join moves s into the room named id. Joining the current room is a no-op.
// Leaving the previous room tears it down if it becomes empty.
func (r *Registry) Join(s *Session, id string) (*Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrRoomRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s.room != nil && s.room.id == id {
		return s.room, nil
	}
	if s.room != nil {
		r.detachLocked(s)
	}

	room := r.resolveLocked(id)
	room.members[s] = struct{}{}
	s.room = room
	r.armLocked(room)

	slog.Info("client joined room", "client_id", s.id, "room_id", id, "members", len(room.members))
	return room, nil
}

// Leave removes s from its room, tearing the room down if it empties.
func (r *Registry) Leave(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(s)
}

func (r *Registry) detachLocked(s *Session) {
	room := s.room
	if room == nil {
		return
	}
	delete(room.members, s)
	s.room = nil
	slog.Info("client left room", "client_id", s.id, "room_id", room.id, "members", len(room.members))

	if len(room.members) == 0 {
		r.teardownLocked(room, ReasonEmpty)
	}
}

// RecordActivity marks room as active now and restarts its inactivity timer.
func (r *Registry) RecordActivity(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(room)
}

func (r *Registry) touchLocked(room *Room) {
	if r.rooms[room.id] != room {
		return
	}
	room.lastEventAt = r.clock.Now()
	r.armLocked(room)
}

func (r *Registry) armLocked(room *Room) {
	room.deadline = r.clock.Now().Add(r.timeout)
	room.timer.Arm(r.timeout, func() { r.expire(room) })
}

func (r *Registry) expire(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A fire that raced with a re-arm finds a later deadline and stands down.
	if r.clock.Now().Before(room.deadline) {
		return
	}
	if r.teardownLocked(room, ReasonTimeout) {
		slog.Info("room inactive, closing", "room_id", room.id, "timeout", r.timeout)
	}
}

// Teardown closes room: the timer is cancelled, the room leaves the
// registry, its recording is flushed and remaining members are closed with
// the reason. It reports false if room was already torn down.
func (r *Registry) Teardown(room *Room, reason Reason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teardownLocked(room, reason)
}

func (r *Registry) teardownLocked(room *Room, reason Reason) bool {
	if r.rooms[room.id] != room {
		return false
	}
	room.timer.Cancel()
	delete(r.rooms, room.id)
	r.metrics.setRooms(len(r.rooms))
	r.metrics.roomTornDown(reason)

	snap := room.snapshot(r.clock.Now())
	members := room.memberList()
	conns := make([]Conn, 0, len(members))
	for _, s := range members {
		s.room = nil
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	room.members = make(map[*Session]struct{})
	room.events = nil

	slog.Info("room closed", "room_id", room.id, "reason", reason, "members", len(conns), "events", len(snap.Events))

	r.flushes.Add(1)
	go func() {
		defer r.flushes.Done()
		r.finish(snap, conns, reason)
	}()
	return true
}

func (r *Registry) finish(snap ghost.Snapshot, conns []Conn, reason Reason) {
	if r.flusher != nil && len(snap.Events) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), r.flushTO)
		err := r.flusher.Flush(ctx, snap)
		cancel()
		if err != nil {
			r.metrics.flushFailed()
			slog.Error("ghost flush failed", "room_id", snap.RoomID, "events", len(snap.Events), "err", err)
		}
	}
	for _, c := range conns {
		if err := c.Close(CloseNormal, string(reason)); err != nil {
			slog.Debug("close member connection", "room_id", snap.RoomID, "err", err)
		}
	}
}

// Shutdown tears down every room and waits for their flushes or ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		r.teardownLocked(room, ReasonShutdown)
	}
	r.mu.Unlock()

	slog.Info("relay shutting down", "rooms", len(rooms))

	done := make(chan struct{})
	go func() {
		r.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started teardown has flushed and closed its members.
func (r *Registry) Wait() {
	r.flushes.Wait()
}

// ActiveRooms lists live rooms ordered by id.
func (r *Registry) ActiveRooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Stats returns room and session counts plus traffic since the last call.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	rooms, clients := len(r.rooms), r.sessions
	r.mu.Unlock()

	return Stats{
		Rooms:   rooms,
		Clients: clients,
		Events:  r.totalEvents.Swap(0),
		Bytes:   r.totalBytes.Swap(0),
	}
}
