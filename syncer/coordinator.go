package syncer

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeoutSeconds applies when no timeout is configured
	DefaultTimeoutSeconds = 60
	// StuckThreshold is how long a channel may report the same position
	StuckThreshold = 30 * time.Second
	// NoTimeout disables staleness detection
	NoTimeout = time.Duration(math.MaxInt64)
)

// CalculateTimeout resolves a configured timeout. A positive value is used
// as is, zero or negative disables the timeout and nil means the default.
func CalculateTimeout(seconds *int) time.Duration {
	if seconds == nil {
		return DefaultTimeoutSeconds * time.Second
	}
	if *seconds <= 0 {
		return NoTimeout
	}
	return time.Duration(*seconds) * time.Second
}

// Coordinator keeps a set of independently buffering channels in lockstep.
// It follows the channel that just changed and swallows the events its own
// corrective writes cause. NOT thread-safe: every call must come from the
// same goroutine (see Driver).
type Coordinator struct {
	states             map[int]playback.ChannelState
	prevStates         map[int]playback.ChannelState
	sameTimeOccurrence map[int]time.Time
	lastEmittedOffset  float64
	offsetEmitted      bool
	syncInit           bool

	clock clockwork.Clock
	log   zerolog.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock used by stuck detection
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the coordinator logger
func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// NewCoordinator creates an empty coordinator
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		states:             make(map[int]playback.ChannelState),
		prevStates:         make(map[int]playback.ChannelState),
		sameTimeOccurrence: make(map[int]time.Time),
		clock:              clockwork.NewRealClock(),
		log:                log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update merges incoming snapshots. prevStates becomes a copy of every
// state as it was before the merge, so a channel that reported nothing since
// the previous Update shows no progress. The live suppression counter is
// owned by the coordinator and survives the merge.
func (c *Coordinator) Update(incoming map[int]playback.ChannelState) {
	c.prevStates = make(map[int]playback.ChannelState, len(c.states))
	for index, st := range c.states {
		c.prevStates[index] = st
	}
	for index, st := range incoming {
		prev, ok := c.states[index]
		if ok {
			st.IgnoreEventCounter = prev.IgnoreEventCounter
			if st.Element == nil {
				st.Element = prev.Element
			}
		} else {
			st.IgnoreEventCounter = 0
		}
		c.states[index] = st
	}
}

// Sync reconciles every other channel against the channel at index. It is
// called once per state change event of that channel, after Update.
func (c *Coordinator) Sync(ctx context.Context, index int) {
	others := c.others(index)
	if len(others) == 0 {
		return
	}
	state, ok := c.states[index]
	if !ok {
		return
	}

	if state.IgnoreEventCounter > 0 {
		state.IgnoreEventCounter--
		c.states[index] = state
		c.log.Debug().Int("index", index).Int("pending", state.IgnoreEventCounter).Msg("suppressed self-inflicted event")
		return
	}

	if !c.syncInit {
		c.syncInit = true
		for _, i := range c.Indices() {
			st := c.states[i]
			if st.Paused && st.Element != nil {
				c.play(ctx, i, st.Element)
			}
		}
		c.log.Debug().Int("index", index).Msg("sync initialised")
		return
	}

	if state.Paused {
		for _, i := range others {
			st := c.states[i]
			if st.Paused || st.Element == nil {
				continue
			}
			st.IgnoreEventCounter++
			st.Paused = true
			c.states[i] = st
			if err := st.Element.Pause(); err != nil {
				c.log.Warn().Err(err).Int("index", i).Msg("corrective pause failed")
			}
		}
	} else {
		for _, i := range others {
			st := c.states[i]
			if !st.Paused || st.Element == nil {
				continue
			}
			st.IgnoreEventCounter++
			st.Paused = false
			c.states[i] = st
			c.play(ctx, i, st.Element)
		}
	}

	isEnded := state.Ended()
	for _, i := range others {
		st := c.states[i]
		if st.Element == nil {
			continue
		}
		target := state.CurrentTime
		if isEnded {
			// finished or shorter channels are not rewound
			target = st.Duration
		}
		if st.CurrentTime != target && !math.IsNaN(target) {
			st.Element.SetCurrentTime(target)
			st.CurrentTime = target
			st.IgnoreEventCounter++
		}
		if st.Rate != state.Rate {
			st.Element.SetPlaybackRate(state.Rate)
			st.Rate = state.Rate
			st.IgnoreEventCounter++
		}
		c.states[i] = st
	}
}

func (c *Coordinator) play(ctx context.Context, index int, s playback.Surface) {
	if err := s.Play(ctx); err != nil {
		c.log.Warn().Err(err).Int("index", index).Msg("corrective play failed")
	}
}

func (c *Coordinator) others(index int) []int {
	others := make([]int, 0, len(c.states))
	for _, i := range c.Indices() {
		if i != index {
			others = append(others, i)
		}
	}
	return others
}

// Timeout calls onTimeout and resets the coordinator when no channel
// reported anything for timeout
func (c *Coordinator) Timeout(timeout time.Duration, onTimeout func()) {
	if len(c.states) == 0 || timeout == NoTimeout {
		return
	}
	var latest time.Time
	for _, st := range c.states {
		if st.LastTimeout.After(latest) {
			latest = st.LastTimeout
		}
	}
	if c.clock.Since(latest) >= timeout {
		c.log.Info().Time("last_update", latest).Dur("timeout", timeout).Msg("channels timed out")
		if onTimeout != nil {
			onTimeout()
		}
		c.Reset()
	}
}

// EmitOffset reports the furthest position across channels to
// onTimeChange, skipping repeats of the last reported value
func (c *Coordinator) EmitOffset(onTimeChange func(float64)) {
	if len(c.states) == 0 {
		return
	}
	offset := math.Inf(-1)
	for _, st := range c.states {
		if st.CurrentTime > offset {
			offset = st.CurrentTime
		}
	}
	if c.offsetEmitted && offset == c.lastEmittedOffset {
		return
	}
	c.lastEmittedOffset = offset
	c.offsetEmitted = true
	if onTimeChange != nil {
		onTimeChange(offset)
	}
}

// StuckCheck records progress of the channel at index and calls onStuck
// once any tracked channel has not moved for StuckThreshold
func (c *Coordinator) StuckCheck(index int, onStuck func()) {
	now := c.clock.Now()
	if st, ok := c.states[index]; ok {
		prev, seen := c.prevStates[index]
		_, tracked := c.sameTimeOccurrence[index]
		// a paused channel is not frozen, its position is expected to hold
		if !tracked || !seen || st.Paused || st.CurrentTime != prev.CurrentTime {
			c.sameTimeOccurrence[index] = now
		}
	}

	for i, at := range c.sameTimeOccurrence {
		if now.Sub(at) > StuckThreshold {
			c.log.Warn().Int("index", i).Time("since", at).Msg("channel stuck")
			c.sameTimeOccurrence = make(map[int]time.Time)
			if onStuck != nil {
				onStuck()
			}
			return
		}
	}
}

// Remove forgets the channel at index
func (c *Coordinator) Remove(index int) {
	delete(c.states, index)
	delete(c.prevStates, index)
	delete(c.sameTimeOccurrence, index)
}

// Reset returns the coordinator to its state before the first Update
func (c *Coordinator) Reset() {
	c.prevStates = make(map[int]playback.ChannelState)
	c.states = make(map[int]playback.ChannelState)
	c.sameTimeOccurrence = make(map[int]time.Time)
	c.lastEmittedOffset = 0
	c.offsetEmitted = false
	c.syncInit = false
}

// Indices returns the known channel indices in ascending order
func (c *Coordinator) Indices() []int {
	indices := make([]int, 0, len(c.states))
	for i := range c.states {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// State returns the current state of the channel at index
func (c *Coordinator) State(index int) (playback.ChannelState, bool) {
	st, ok := c.states[index]
	return st, ok
}

// Snapshot copies the current states
func (c *Coordinator) Snapshot() map[int]playback.ChannelState {
	out := make(map[int]playback.ChannelState, len(c.states))
	for i, st := range c.states {
		out[i] = st
	}
	return out
}

// Initialised reports whether the startup barrier has run
func (c *Coordinator) Initialised() bool { return c.syncInit }
