package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Commander delivers commands to the page that owns the elements
type Commander interface {
	// Command sends cmd without waiting for an answer
	Command(cmd *CommandMessage) error
	// Call sends cmd and waits for its result
	Call(ctx context.Context, cmd *CommandMessage) (*ResultMessage, error)
}

type remoteListener struct {
	ev playback.MediaEvent
	fn func()
}

// RemoteSurface is a video element living in a browser page. It caches the
// element state of the latest media report and turns every request into a
// command for the page.
type RemoteSurface struct {
	index int
	cmd   Commander
	clock clockwork.Clock
	log   zerolog.Logger

	mu          sync.Mutex
	loaded      bool
	currentTime float64
	duration    float64
	paused      bool
	rate        float64
	muted       bool
	reportedAt  time.Time
	listeners   map[playback.ListenerID]remoteListener
	nextID      playback.ListenerID
}

// NewRemoteSurface creates the proxy of element index of the page behind cmd
func NewRemoteSurface(index int, cmd Commander, clock clockwork.Clock) *RemoteSurface {
	return &RemoteSurface{
		index:     index,
		cmd:       cmd,
		clock:     clock,
		log:       log.With().Int("index", index).Logger(),
		duration:  math.NaN(),
		paused:    true,
		rate:      playback.DefaultRate,
		listeners: make(map[playback.ListenerID]remoteListener),
	}
}

func (s *RemoteSurface) send(op CommandOp, value interface{}) error {
	cmd, err := NewCommand(s.index, op, value)
	if err != nil {
		return err
	}
	return s.cmd.Command(cmd)
}

func (s *RemoteSurface) Load(src playback.Source) error {
	s.mu.Lock()
	s.loaded = true
	s.currentTime = 0
	s.duration = math.NaN()
	s.paused = true
	s.rate = playback.DefaultRate
	s.muted = src.Muted
	s.mu.Unlock()

	if err := s.send(CommandLoad, src); err != nil {
		return fmt.Errorf("load channel %d: %w", s.index, err)
	}
	return nil
}

// Play waits until the page accepted or rejected playback
func (s *RemoteSurface) Play(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		return playback.ErrSurfaceDetached
	}

	cmd, err := NewCommand(s.index, CommandPlay, nil)
	if err != nil {
		return err
	}
	res, err := s.cmd.Call(ctx, cmd)
	if err != nil {
		return fmt.Errorf("play channel %d: %w", s.index, err)
	}
	if !res.OK {
		return fmt.Errorf("%w: %s", playback.ErrPlayRejected, res.Error)
	}
	return nil
}

func (s *RemoteSurface) Pause() error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		return playback.ErrSurfaceDetached
	}
	// nothing left to pause once the page is gone
	if err := s.send(CommandPause, nil); err != nil && !errors.Is(err, ErrConnClosed) {
		return fmt.Errorf("pause channel %d: %w", s.index, err)
	}
	return nil
}

func (s *RemoteSurface) Detach() error {
	s.mu.Lock()
	s.loaded = false
	s.duration = math.NaN()
	s.currentTime = 0
	s.paused = true
	s.mu.Unlock()

	if err := s.send(CommandDetach, nil); err != nil && !errors.Is(err, ErrConnClosed) {
		return fmt.Errorf("detach channel %d: %w", s.index, err)
	}
	return nil
}

func (s *RemoteSurface) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

func (s *RemoteSurface) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *RemoteSurface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *RemoteSurface) PlaybackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Muted reports the last requested mute flag
func (s *RemoteSurface) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// ReportedAt returns when the page last reported this element
func (s *RemoteSurface) ReportedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportedAt
}

func (s *RemoteSurface) SetCurrentTime(t float64) {
	if math.IsNaN(t) {
		return
	}
	s.mu.Lock()
	s.currentTime = t
	s.mu.Unlock()
	if err := s.send(CommandSeek, t); err != nil {
		s.log.Warn().Err(err).Float64("time", t).Msg("seek not sent")
	}
}

func (s *RemoteSurface) SetPlaybackRate(r float64) {
	s.mu.Lock()
	s.rate = r
	s.mu.Unlock()
	if err := s.send(CommandRate, r); err != nil {
		s.log.Warn().Err(err).Float64("rate", r).Msg("rate not sent")
	}
}

func (s *RemoteSurface) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	if err := s.send(CommandMute, muted); err != nil {
		s.log.Warn().Err(err).Msg("mute not sent")
	}
}

func (s *RemoteSurface) AddEventListener(ev playback.MediaEvent, fn func()) playback.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = remoteListener{ev: ev, fn: fn}
	return s.nextID
}

func (s *RemoteSurface) RemoveEventListener(id playback.ListenerID) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

// HandleMedia applies a media report and runs the listeners of its event.
// Reports for a detached element are dropped.
func (s *RemoteSurface) HandleMedia(m *MediaMessage) bool {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return false
	}
	s.currentTime = m.CurrentTime
	s.duration = m.DurationValue()
	s.paused = m.Paused
	if m.Rate > 0 {
		s.rate = m.Rate
	}
	s.reportedAt = s.clock.Now()

	ids := make([]playback.ListenerID, 0, len(s.listeners))
	for id, l := range s.listeners {
		if l.ev == m.Event {
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
	return true
}
