package playback

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	simEventQueueSize         = 256
	DefaultTimeUpdateInterval = 250 * time.Millisecond
)

// SimOptions describes the clip a SimSurface pretends to play
type SimOptions struct {
	// Duration of the media in seconds once loaded
	Duration float64
	// LoadDelay before metadata is known and canplay fires
	LoadDelay time.Duration
	// TimeUpdateInterval between timeupdate events while playing, 0 disables them
	TimeUpdateInterval time.Duration
}

type simListener struct {
	ev MediaEvent
	fn func()
}

// SimSurface is a virtual video element driven by a clock. Its position
// advances with the clock times the playback rate while it is playing and
// not stalled. Events are delivered on a dedicated goroutine, in order.
type SimSurface struct {
	clock clockwork.Clock
	opts  SimOptions

	mu         sync.Mutex
	src        *Source
	duration   float64
	position   float64
	anchor     time.Time
	paused     bool
	rate       float64
	muted      bool
	stalled    bool
	rejectPlay error
	loadTimer  clockwork.Timer
	loadGen    uint64
	listeners  map[ListenerID]simListener
	nextID     ListenerID

	ticker    clockwork.Ticker
	events    chan MediaEvent
	closing   chan struct{}
	closeOnce sync.Once
}

// NewSimSurface creates a detached surface and starts its event loop
func NewSimSurface(clock clockwork.Clock, opts SimOptions) *SimSurface {
	s := &SimSurface{
		clock:     clock,
		opts:      opts,
		duration:  math.NaN(),
		paused:    true,
		rate:      DefaultRate,
		listeners: make(map[ListenerID]simListener),
		events:    make(chan MediaEvent, simEventQueueSize),
		closing:   make(chan struct{}),
	}
	if opts.TimeUpdateInterval > 0 {
		s.ticker = clock.NewTicker(opts.TimeUpdateInterval)
	}
	go s.run()
	return s
}

func (s *SimSurface) run() {
	var tick <-chan time.Time
	if s.ticker != nil {
		defer s.ticker.Stop()
		tick = s.ticker.Chan()
	}
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-tick:
			if s.reporting() {
				s.dispatch(EventTimeUpdate)
			}
		case <-s.closing:
			return
		}
	}
}

func (s *SimSurface) dispatch(ev MediaEvent) {
	s.mu.Lock()
	ids := make([]ListenerID, 0, len(s.listeners))
	for id, l := range s.listeners {
		if l.ev == ev {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id].fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// fire queues events, must be called without s.mu held
func (s *SimSurface) fire(evs ...MediaEvent) {
	for _, ev := range evs {
		select {
		case s.events <- ev:
		case <-s.closing:
			return
		}
	}
}

// Close stops the event loop. Pending events are dropped.
func (s *SimSurface) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.loadTimer != nil {
			s.loadTimer.Stop()
		}
		s.mu.Unlock()
		close(s.closing)
	})
}

// reporting is true while playback is requested. A stalled surface keeps
// reporting its frozen position.
func (s *SimSurface) reporting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src != nil && !s.paused
}

// positionLocked extrapolates the position at now
func (s *SimSurface) positionLocked(now time.Time) float64 {
	pos := s.position
	if s.src != nil && !s.paused && !s.stalled {
		pos += now.Sub(s.anchor).Seconds() * s.rate
	}
	if !math.IsNaN(s.duration) && pos > s.duration {
		pos = s.duration
	}
	return pos
}

// settleLocked folds elapsed playback into position
func (s *SimSurface) settleLocked() {
	now := s.clock.Now()
	s.position = s.positionLocked(now)
	s.anchor = now
}

func (s *SimSurface) Load(src Source) error {
	s.mu.Lock()
	if s.loadTimer != nil {
		s.loadTimer.Stop()
		s.loadTimer = nil
	}
	loaded := src
	s.src = &loaded
	s.loadGen++
	gen := s.loadGen
	s.duration = math.NaN()
	s.position = 0
	s.anchor = s.clock.Now()
	s.paused = true
	s.rate = DefaultRate
	s.muted = src.Muted
	s.mu.Unlock()

	// a zero delay may run the callback right away, so no lock is held here
	t := s.clock.AfterFunc(s.opts.LoadDelay, func() {
		s.mu.Lock()
		if s.src == nil || s.loadGen != gen {
			s.mu.Unlock()
			return
		}
		s.duration = s.opts.Duration
		s.mu.Unlock()
		s.fire(EventCanPlay)
	})

	s.mu.Lock()
	if s.loadGen == gen {
		s.loadTimer = t
	}
	s.mu.Unlock()
	return nil
}

func (s *SimSurface) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.src == nil {
		s.mu.Unlock()
		return ErrSurfaceDetached
	}
	if s.rejectPlay != nil {
		err := s.rejectPlay
		s.mu.Unlock()
		return err
	}
	if !s.paused {
		s.mu.Unlock()
		return nil
	}
	s.settleLocked()
	s.paused = false
	stalled := s.stalled
	s.mu.Unlock()

	if stalled {
		s.fire(EventPlay)
	} else {
		s.fire(EventPlay, EventPlaying)
	}
	return nil
}

func (s *SimSurface) Pause() error {
	s.mu.Lock()
	if s.src == nil {
		s.mu.Unlock()
		return ErrSurfaceDetached
	}
	if s.paused {
		s.mu.Unlock()
		return nil
	}
	s.settleLocked()
	s.paused = true
	s.mu.Unlock()

	s.fire(EventPause)
	return nil
}

func (s *SimSurface) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadTimer != nil {
		s.loadTimer.Stop()
		s.loadTimer = nil
	}
	s.src = nil
	s.loadGen++
	s.duration = math.NaN()
	s.position = 0
	s.paused = true
	return nil
}

func (s *SimSurface) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(s.clock.Now())
}

func (s *SimSurface) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *SimSurface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *SimSurface) PlaybackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Muted reports the mute flag
func (s *SimSurface) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *SimSurface) SetCurrentTime(t float64) {
	if math.IsNaN(t) {
		return
	}
	s.mu.Lock()
	if s.src == nil {
		s.mu.Unlock()
		return
	}
	s.settleLocked()
	if t < 0 {
		t = 0
	}
	if !math.IsNaN(s.duration) && t > s.duration {
		t = s.duration
	}
	s.position = t
	s.mu.Unlock()

	s.fire(EventSeeked)
}

func (s *SimSurface) SetPlaybackRate(r float64) {
	s.mu.Lock()
	if r == s.rate {
		s.mu.Unlock()
		return
	}
	s.settleLocked()
	s.rate = r
	s.mu.Unlock()

	s.fire(EventRateChange)
}

func (s *SimSurface) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Stall freezes (or unfreezes) the position as a buffering stream would
func (s *SimSurface) Stall(stalled bool) {
	s.mu.Lock()
	if s.stalled == stalled {
		s.mu.Unlock()
		return
	}
	s.settleLocked()
	s.stalled = stalled
	resumed := !stalled && !s.paused && s.src != nil
	s.mu.Unlock()

	if resumed {
		s.fire(EventPlaying)
	}
}

// RejectPlay makes every following Play fail with err, nil accepts again
func (s *SimSurface) RejectPlay(err error) {
	s.mu.Lock()
	s.rejectPlay = err
	s.mu.Unlock()
}

func (s *SimSurface) AddEventListener(ev MediaEvent, fn func()) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = simListener{ev: ev, fn: fn}
	return s.nextID
}

func (s *SimSurface) RemoveEventListener(id ListenerID) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

// ListenerCount returns how many listeners are registered
func (s *SimSurface) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
