package replay

// Event is one notification from a Player: Step, Pause, Resume, End or Note.
type Event interface {
	replayEvent()
}

// Playback describes the settings in force when a step fired.
type Playback struct {
	Speed        float64
	Loop         bool
	Style        string
	AudioTrackID string
}

// Step is a timeline event reaching its scheduled time.
type Step struct {
	Index int
	Entry
	Playback Playback
}

// Pause is emitted when playback is suspended.
type Pause struct{}

// Resume is emitted when playback starts or continues.
type Resume struct{}

// End is emitted when the timeline is exhausted, before looping or stopping.
type End struct {
	Loop         bool
	Style        string
	AudioTrackID string
}

// Note is an overlay note, emitted before the first step at or past its offset.
type Note struct {
	OffsetMS float64
	Fields   map[string]any
}

func (Step) replayEvent()   {}
func (Pause) replayEvent()  {}
func (Resume) replayEvent() {}
func (End) replayEvent()    {}
func (Note) replayEvent()   {}

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for every event. Events arrive in emission order on
// the goroutine that produced them; fn may call back into the Player. The
// returned func removes the subscription.
func (p *Player) Subscribe(fn func(Event)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSub++
	id := p.nextSub
	p.subs = append(p.subs, subscriber{id: id, fn: fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

func (p *Player) emitLocked(ev Event) {
	p.queue = append(p.queue, ev)
}

// drain delivers queued events. Only one goroutine dispatches at a time;
// events queued meanwhile, including from inside handlers, are picked up by
// the active dispatcher in order. A panicking handler releases the
// dispatcher; undelivered events go out on the next drain.
func (p *Player) drain() {
	p.mu.Lock()
	if p.dispatching {
		p.mu.Unlock()
		return
	}
	p.dispatching = true
	finished := false
	defer func() {
		if !finished {
			p.mu.Lock()
			p.dispatching = false
			p.mu.Unlock()
		}
	}()
	for len(p.queue) > 0 {
		ev := p.queue[0]
		p.queue = p.queue[1:]
		subs := append([]subscriber(nil), p.subs...)
		p.mu.Unlock()
		for _, s := range subs {
			s.fn(ev)
		}
		p.mu.Lock()
	}
	p.queue = nil
	p.dispatching = false
	finished = true
	p.mu.Unlock()
}
