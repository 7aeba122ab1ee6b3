package relay

import (
	"sort"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/schedule"
)

// Room is a named group of sessions sharing broadcasts and one ghost
// recording. Every field is guarded by the owning Registry's mutex.
type Room struct {
	id          string
	createdAt   time.Time
	lastEventAt time.Time
	members     map[*Session]struct{}
	events      []ghost.Event

	timer    *schedule.Timer
	deadline time.Time
}

// RoomInfo is the public summary served by the active rooms listing.
type RoomInfo struct {
	RoomID        string `json:"room_id"`
	UserCount     int    `json:"user_count"`
	LastEventTime int64  `json:"last_event_time"`
}

func newRoom(id string, now time.Time, clock schedule.Clock) *Room {
	return &Room{
		id:        id,
		createdAt: now,
		members:   make(map[*Session]struct{}),
		timer:     schedule.NewTimer(clock),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

func (r *Room) info() RoomInfo {
	last := r.lastEventAt
	if last.IsZero() {
		last = r.createdAt
	}
	return RoomInfo{RoomID: r.id, UserCount: len(r.members), LastEventTime: last.Unix()}
}

// memberList returns members ordered by session id so fan-out order is stable.
func (r *Room) memberList() []*Session {
	out := make([]*Session, 0, len(r.members))
	for s := range r.members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Room) snapshot(closedAt time.Time) ghost.Snapshot {
	events := make([]ghost.Event, len(r.events))
	copy(events, r.events)
	return ghost.Snapshot{
		RoomID:    r.id,
		CreatedAt: r.createdAt,
		ClosedAt:  closedAt,
		Events:    events,
	}
}
