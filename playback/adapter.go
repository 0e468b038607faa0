package playback

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Callbacks receive what an Adapter observes. Every field is optional.
type Callbacks struct {
	// OnStateChange gets a snapshot after canplay, play, pause, seeked and ratechange.
	OnStateChange func(ChannelState)
	// OnPlaying is called once per attach, when playback actually started.
	OnPlaying func(bool)
	// OnProgress gets a snapshot on every timeupdate.
	OnProgress func(ChannelState)
}

// AdapterOption configures an Adapter
type AdapterOption func(*Adapter)

// WithClock sets the clock used to stamp snapshots
func WithClock(c clockwork.Clock) AdapterOption {
	return func(a *Adapter) { a.clock = c }
}

// WithLogger sets the logger used for swallowed playback errors
func WithLogger(l zerolog.Logger) AdapterOption {
	return func(a *Adapter) { a.log = l }
}

// Adapter translates the native event stream of one Surface into
// ChannelState snapshots
type Adapter struct {
	surface Surface
	src     Source
	cb      Callbacks
	clock   clockwork.Clock
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	// emitMu is held while a snapshot is delivered
	emitMu sync.Mutex

	mu           sync.Mutex
	listeners    []ListenerID
	firstCanPlay bool
	firstPlaying bool
	destroyed    bool
}

// NewAdapter attaches to surface and starts loading src into it
func NewAdapter(surface Surface, src Source, cb Callbacks, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		surface: surface,
		src:     src,
		cb:      cb,
		clock:   clockwork.NewRealClock(),
		log:     log.With().Str("src", src.URL).Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	// listeners first, a surface may report canplay before Load returns
	a.listen(EventCanPlay, a.handleCanPlay)
	a.listen(EventPlaying, a.handlePlaying)
	for _, ev := range []MediaEvent{EventPlay, EventPause, EventSeeked, EventRateChange, EventTimeUpdate} {
		a.listen(ev, func() { a.emit(ev) })
	}

	if err := surface.Load(src); err != nil {
		a.log.Error().Err(err).Msg("failed to load source")
	}
	return a
}

func (a *Adapter) listen(ev MediaEvent, fn func()) {
	id := a.surface.AddEventListener(ev, fn)
	a.mu.Lock()
	a.listeners = append(a.listeners, id)
	a.mu.Unlock()
}

// Surface returns the element the adapter owns
func (a *Adapter) Surface() Surface { return a.surface }

// Source returns what the adapter loaded
func (a *Adapter) Source() Source { return a.src }

// FirstPlaying reports whether playback has actually started since attach
func (a *Adapter) FirstPlaying() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstPlaying
}

func (a *Adapter) handleCanPlay() {
	a.mu.Lock()
	if a.destroyed || a.firstCanPlay {
		a.mu.Unlock()
		return
	}
	a.firstCanPlay = true
	a.mu.Unlock()

	// autoplay is only allowed muted
	a.surface.SetMuted(true)
	// the play result arrives as another event, never wait for it here
	go a.Play(a.ctx)
	a.emit(EventCanPlay)
}

func (a *Adapter) handlePlaying() {
	a.mu.Lock()
	if a.destroyed || a.firstPlaying {
		a.mu.Unlock()
		return
	}
	a.firstPlaying = true
	a.mu.Unlock()

	if a.cb.OnPlaying != nil {
		a.cb.OnPlaying(true)
	}
}

func (a *Adapter) emit(ev MediaEvent) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	destroyed := a.destroyed
	a.mu.Unlock()
	if destroyed {
		return
	}

	st := Snapshot(a.surface, a.clock.Now())
	if ev == EventTimeUpdate {
		if a.cb.OnProgress != nil {
			a.cb.OnProgress(st)
		}
		return
	}
	if a.cb.OnStateChange != nil {
		a.cb.OnStateChange(st)
	}
}

// Play asks the surface to start playback. A rejection is logged and dropped.
func (a *Adapter) Play(ctx context.Context) {
	if err := a.surface.Play(ctx); err != nil {
		a.log.Warn().Err(err).Msg("play rejected")
	}
}

// Pause asks the surface to pause. A failure is logged and dropped.
func (a *Adapter) Pause() {
	if err := a.surface.Pause(); err != nil {
		a.log.Warn().Err(err).Msg("pause failed")
	}
}

// Destroy stops playback, detaches the source and removes every listener.
// No callback runs once it returned. Calling it again does nothing.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	ids := a.listeners
	a.listeners = nil
	a.mu.Unlock()

	// wait for a snapshot that passed the check above
	a.emitMu.Lock()
	a.emitMu.Unlock()

	a.cancel()
	a.Pause()
	if err := a.surface.Detach(); err != nil {
		a.log.Warn().Err(err).Msg("failed to detach source")
	}
	for _, id := range ids {
		a.surface.RemoveEventListener(id)
	}
}
