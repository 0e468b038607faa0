package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrDriverStopped is returned by Do once Run has returned
var ErrDriverStopped = errors.New("sync driver stopped")

// Hooks are invoked from the driver goroutine
type Hooks struct {
	OnTimeout    func()
	OnStuck      func()
	OnTimeChange func(offset float64)
}

// DriverConfig holds the periodic checks configuration
type DriverConfig struct {
	TickInterval time.Duration
	Timeout      time.Duration
	// PlayTimeout bounds how long a corrective play may block a sync pass
	PlayTimeout time.Duration
	QueueSize   int
}

// DefaultDriverConfig returns the driver defaults
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		TickInterval: 1 * time.Second,
		Timeout:      CalculateTimeout(nil),
		PlayTimeout:  5 * time.Second,
		QueueSize:    256,
	}
}

type eventKind int

const (
	eventStateChange eventKind = iota
	eventProgress
	eventAttach
	eventDetach
	eventReset
	eventCall
)

type event struct {
	kind  eventKind
	index int
	state playback.ChannelState
	fn    func(*Coordinator)
	done  chan struct{}
}

// Driver serialises every Coordinator call on one goroutine: adapter
// snapshots in arrival order, and the periodic timeout, stuck and offset
// checks in between. Progress snapshots are merged in one Update per check
// pass, so stuck detection compares each channel with its own previous
// report. Snapshots of indices that are not attached are dropped.
type Driver struct {
	coord    *Coordinator
	cfg      DriverConfig
	hooks    Hooks
	clock    clockwork.Clock
	ticker   clockwork.Ticker
	log      zerolog.Logger
	events   chan event
	closing  chan struct{}
	attached map[int]bool
	pending  map[int]playback.ChannelState
}

// DriverOption configures a Driver
type DriverOption func(*Driver)

// WithDriverClock sets the clock for the periodic checks
func WithDriverClock(c clockwork.Clock) DriverOption {
	return func(d *Driver) { d.clock = c }
}

// WithDriverLogger sets the driver logger
func WithDriverLogger(l zerolog.Logger) DriverOption {
	return func(d *Driver) { d.log = l }
}

// NewDriver creates a driver around coord
func NewDriver(coord *Coordinator, cfg DriverConfig, hooks Hooks, opts ...DriverOption) *Driver {
	def := DefaultDriverConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PlayTimeout <= 0 {
		cfg.PlayTimeout = def.PlayTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	d := &Driver{
		coord:    coord,
		cfg:      cfg,
		hooks:    hooks,
		clock:    clockwork.NewRealClock(),
		log:      log.Logger,
		events:   make(chan event, cfg.QueueSize),
		closing:  make(chan struct{}),
		attached: make(map[int]bool),
		pending:  make(map[int]playback.ChannelState),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ticker = d.clock.NewTicker(cfg.TickInterval)
	return d
}

func (d *Driver) enqueue(ev event) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.closing:
		return false
	}
}

// StateChanged feeds a state change snapshot: Update then Sync
func (d *Driver) StateChanged(index int, st playback.ChannelState) {
	d.enqueue(event{kind: eventStateChange, index: index, state: st})
}

// Progress feeds a progress snapshot: Update only, at the next check pass
func (d *Driver) Progress(index int, st playback.ChannelState) {
	d.enqueue(event{kind: eventProgress, index: index, state: st})
}

// Attach starts the periodic stuck check for index
func (d *Driver) Attach(index int) {
	d.enqueue(event{kind: eventAttach, index: index})
}

// Detach stops tracking index and drops its state
func (d *Driver) Detach(index int) {
	d.enqueue(event{kind: eventDetach, index: index})
}

// Reset clears the coordinator between two events
func (d *Driver) Reset() {
	d.enqueue(event{kind: eventReset})
}

// Do runs fn on the driver goroutine and waits for it
func (d *Driver) Do(ctx context.Context, fn func(*Coordinator)) error {
	done := make(chan struct{})
	if !d.enqueue(event{kind: eventCall, fn: fn, done: done}) {
		return ErrDriverStopped
	}
	select {
	case <-done:
		return nil
	case <-d.closing:
		return ErrDriverStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is done
func (d *Driver) Run(ctx context.Context) {
	defer func() {
		d.ticker.Stop()
		close(d.closing)
	}()
	for {
		select {
		case ev := <-d.events:
			d.handle(ctx, ev)
		case <-d.ticker.Chan():
			d.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventStateChange:
		if !d.attached[ev.index] {
			d.log.Debug().Int("index", ev.index).Msg("state change for detached channel dropped")
			return
		}
		// the state change is newer than any progress still pending
		delete(d.pending, ev.index)
		d.coord.Update(map[int]playback.ChannelState{ev.index: ev.state})
		sctx, cancel := context.WithTimeout(ctx, d.cfg.PlayTimeout)
		d.coord.Sync(sctx, ev.index)
		cancel()
	case eventProgress:
		if !d.attached[ev.index] {
			return
		}
		d.pending[ev.index] = ev.state
	case eventAttach:
		d.attached[ev.index] = true
	case eventDetach:
		delete(d.attached, ev.index)
		delete(d.pending, ev.index)
		d.coord.Remove(ev.index)
	case eventReset:
		d.pending = make(map[int]playback.ChannelState)
		d.coord.Reset()
	case eventCall:
		d.flush()
		ev.fn(d.coord)
		close(ev.done)
	}
}

// flush merges the pending progress snapshots
func (d *Driver) flush() {
	if len(d.pending) == 0 {
		return
	}
	d.coord.Update(d.pending)
	d.pending = make(map[int]playback.ChannelState)
}

func (d *Driver) tick() {
	d.flush()
	d.coord.Timeout(d.cfg.Timeout, d.hooks.OnTimeout)
	for index := range d.attached {
		d.coord.StuckCheck(index, d.hooks.OnStuck)
	}
	d.coord.EmitOffset(d.hooks.OnTimeChange)
}
