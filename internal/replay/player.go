// Package replay re-drives a recorded or authored timeline at variable speed
// with pause, resume, looping and a notes overlay.
package replay

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/schedule"
)

// ErrNoTimeline is returned by New without a noodle.
var ErrNoTimeline = errors.New("a noodle payload is required for playback")

// State is the player's position in its idle/playing/paused lifecycle.
type State int

const (
	Idle State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Options override the noodle's playback profile.
type Options struct {
	Speed float64 // > 0 overrides the profile; default 1
	Loop  *bool
	Clock schedule.Clock
}

// Player schedules one step at a time. The delay to the next entry is
// recomputed from real elapsed time at every step and control call, so
// pauses and speed changes never skip or repeat an entry.
type Player struct {
	clock   schedule.Clock
	timer   *schedule.Timer
	base    time.Time
	entries []Entry
	notes   []Note
	style   string
	audioID string

	mu                 sync.Mutex
	state              State
	speed              float64
	loop               bool
	cursor             int
	noteCursor         int
	startedAt          time.Time
	elapsedBeforePause time.Duration
	seq                uint64

	subs        []subscriber
	nextSub     int
	queue       []Event
	dispatching bool
}

// New builds an idle Player for n.
func New(n *Noodle, opts Options) (*Player, error) {
	if n == nil {
		return nil, ErrNoTimeline
	}
	clock := opts.Clock
	if clock == nil {
		clock = schedule.System()
	}

	p := &Player{
		clock: clock,
		timer: schedule.NewTimer(clock),
		speed: 1,
	}
	p.base = n.base(clock.Now())
	p.entries = n.entries(p.base)
	p.notes = n.notes()

	if prof := n.Profile; prof != nil {
		if prof.Speed != nil && validSpeed(*prof.Speed) {
			p.speed = *prof.Speed
		}
		if prof.Loop != nil {
			p.loop = *prof.Loop
		}
		p.style = prof.Style
		p.audioID = prof.AudioTrackID
	}
	if validSpeed(opts.Speed) {
		p.speed = opts.Speed
	}
	if opts.Loop != nil {
		p.loop = *opts.Loop
	}

	slog.Debug("replay player ready", "events", len(p.entries), "notes", len(p.notes), "speed", p.speed, "loop", p.loop)
	return p, nil
}

// Play restarts from the first entry and note.
func (p *Player) Play() {
	p.mu.Lock()
	p.playLocked()
	p.mu.Unlock()
	p.drain()
}

// Pause suspends playback, keeping elapsed progress. No-op unless playing.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state == Playing {
		p.elapsedBeforePause = p.elapsedLocked()
		p.cancelLocked()
		p.state = Paused
		p.emitLocked(Pause{})
	}
	p.mu.Unlock()
	p.drain()
}

// Resume continues from the progress held at Pause. No-op while playing.
func (p *Player) Resume() {
	p.mu.Lock()
	if p.state != Playing {
		p.startedAt = p.clock.Now().Add(-p.elapsedBeforePause)
		p.state = Playing
		p.emitLocked(Resume{})
		p.scheduleLocked()
	}
	p.mu.Unlock()
	p.drain()
}

// Stop cancels playback and discards progress.
func (p *Player) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
	p.drain()
}

// SetSpeed changes the multiplier. Non-finite or non-positive values are
// ignored. While playing the pending step is rescheduled for the new speed.
func (p *Player) SetSpeed(multiplier float64) {
	if !validSpeed(multiplier) {
		return
	}
	p.mu.Lock()
	p.speed = multiplier
	if p.state == Playing {
		p.startedAt = p.clock.Now().Add(-p.elapsedLocked())
		p.scheduleLocked()
	}
	p.mu.Unlock()
	p.drain()
}

// State returns the current lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Speed returns the current multiplier.
func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// Elapsed returns wall time of progress since Play.
func (p *Player) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsedLocked()
}

// Entries returns the normalised timeline.
func (p *Player) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Player) playLocked() {
	p.stopLocked()
	p.state = Playing
	p.startedAt = p.clock.Now()
	p.emitLocked(Resume{})
	p.scheduleLocked()
}

func (p *Player) stopLocked() {
	p.cancelLocked()
	p.state = Idle
	p.cursor = 0
	p.noteCursor = 0
	p.elapsedBeforePause = 0
}

func (p *Player) cancelLocked() {
	p.seq++
	p.timer.Cancel()
}

func (p *Player) elapsedLocked() time.Duration {
	if p.state != Playing {
		return p.elapsedBeforePause
	}
	return p.clock.Now().Sub(p.startedAt)
}

func (p *Player) scheduleLocked() {
	if p.state != Playing {
		return
	}
	if p.cursor >= len(p.entries) {
		p.emitLocked(End{Loop: p.loop, Style: p.style, AudioTrackID: p.audioID})
		if p.loop && len(p.entries) > 0 {
			p.playLocked()
		} else {
			p.stopLocked()
		}
		return
	}

	next := p.entries[p.cursor]
	target := next.OffsetMS / p.speed
	elapsed := float64(p.elapsedLocked()) / float64(time.Millisecond)
	delay := time.Duration(math.Max(0, target-elapsed) * float64(time.Millisecond))

	p.seq++
	seq := p.seq
	p.timer.Arm(delay, func() { p.fire(seq) })
}

func (p *Player) fire(seq uint64) {
	p.mu.Lock()
	if p.state != Playing || seq != p.seq || p.cursor >= len(p.entries) {
		p.mu.Unlock()
		return
	}

	entry := p.entries[p.cursor]
	for p.noteCursor < len(p.notes) && p.notes[p.noteCursor].OffsetMS <= entry.OffsetMS {
		p.emitLocked(p.notes[p.noteCursor])
		p.noteCursor++
	}
	p.emitLocked(Step{
		Index: p.cursor,
		Entry: entry,
		Playback: Playback{
			Speed:        p.speed,
			Loop:         p.loop,
			Style:        p.style,
			AudioTrackID: p.audioID,
		},
	})
	p.cursor++
	p.scheduleLocked()
	p.mu.Unlock()
	p.drain()
}

func validSpeed(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}
