package server

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fleetcam/camsync/alert"
	"github.com/fleetcam/camsync/playback"
	"github.com/fleetcam/camsync/syncer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const alertPublishTimeout = 2 * time.Second

// Viewer is one multi-camera page: a fixed list of channels kept in lockstep
// while a client is attached
type Viewer struct {
	ID       string
	token    string
	channels []playback.Source
	server   *Server
	driver   *syncer.Driver
	clock    clockwork.Clock
	log      zerolog.Logger

	recvQueue chan *Message
	enqClient chan *ClientConn
	deqClient chan *ClientConn
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// written by the manager goroutine only
	mu        sync.RWMutex
	client    *ClientConn
	surfaces  []*RemoteSurface
	adapters  []*playback.Adapter
	offset    float64
	hasOffset bool
}

// NewViewer creates a viewer with given id playing channels. A nil
// timeoutSeconds uses the server default.
func NewViewer(id string, server *Server, token string, channels []playback.Source, timeoutSeconds *int) *Viewer {
	if timeoutSeconds == nil {
		timeoutSeconds = server.cfg.TimeoutSeconds
	}
	v := &Viewer{
		ID:        id,
		token:     token,
		channels:  channels,
		server:    server,
		clock:     server.clock,
		log:       server.log.With().Str("viewer_id", id).Logger(),
		recvQueue: make(chan *Message, viewerMessageQueueSize),
		enqClient: make(chan *ClientConn),
		deqClient: make(chan *ClientConn),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	coord := syncer.NewCoordinator(syncer.WithClock(v.clock), syncer.WithLogger(v.log))
	v.driver = syncer.NewDriver(coord, syncer.DriverConfig{
		TickInterval: server.cfg.TickInterval,
		Timeout:      syncer.CalculateTimeout(timeoutSeconds),
		PlayTimeout:  server.cfg.PlayTimeout,
	}, syncer.Hooks{
		OnTimeout:    func() { v.raise(alert.KindTimeout) },
		OnStuck:      func() { v.raise(alert.KindStuck) },
		OnTimeChange: v.timeChanged,
	}, syncer.WithDriverClock(v.clock), syncer.WithDriverLogger(v.log))
	return v
}

// NewViewerWithRandomToken is a helper function to create a new viewer with a random token
func NewViewerWithRandomToken(id string, server *Server, channels []playback.Source, timeoutSeconds *int) (*Viewer, string, error) {
	token, err := GenerateKey(keyLength)
	if err != nil {
		return nil, "", err
	}
	return NewViewer(id, server, token, channels, timeoutSeconds), token, nil
}

// CheckToken verifies token with the viewer's token
func (v *Viewer) CheckToken(token string) bool {
	return keysEqual(token, v.token)
}

// Channels returns the channel sources in index order
func (v *Viewer) Channels() []playback.Source {
	out := make([]playback.Source, len(v.channels))
	copy(out, v.channels)
	return out
}

// Done is closed once the manager goroutine returned
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Close asks the manager goroutine to stop
func (v *Viewer) Close() {
	v.closeOnce.Do(func() { close(v.closing) })
}

// AddClient attaches c, replacing the current client
func (v *Viewer) AddClient(c *ClientConn) error {
	select {
	case v.enqClient <- c:
		return nil
	case <-v.done:
		c.Finalise()
		return ErrViewerNotFound
	}
}

// RemoveClient detaches c if it is still the current client
func (v *Viewer) RemoveClient(c *ClientConn) {
	select {
	case v.deqClient <- c:
	case <-v.done:
		c.Finalise()
	}
}

// Deliver hands a media report to the manager goroutine
func (v *Viewer) Deliver(m *Message) {
	select {
	case v.recvQueue <- m:
	case <-v.done:
	}
}

// RunManager manages viewer v until it is closed, ctx is done or no client
// was attached for the idle timeout
func (v *Viewer) RunManager(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	driverDone := make(chan struct{})
	go func() {
		v.driver.Run(ctx)
		close(driverDone)
	}()

	idleTimer := v.clock.NewTimer(v.server.cfg.IdleTimeout)
	defer func() {
		idleTimer.Stop()
		if v.client != nil {
			v.detachClient()
		}
		cancel()
		<-driverDone
		v.server.RemoveViewer(v)
		close(v.done)
		v.log.Info().Msg("viewer closed")
	}()

	for {
		select {
		case m := <-v.recvQueue:
			v.handleMessage(m)
		case c := <-v.enqClient:
			if v.client != nil {
				v.log.Info().Str("client_id", v.client.ID).Msg("client replaced")
				v.detachClient()
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.Chan():
				default:
				}
			}
			v.attachClient(c)
			if v.client == nil {
				idleTimer.Reset(v.server.cfg.IdleTimeout)
			}
		case c := <-v.deqClient:
			if c != v.client {
				c.Finalise()
				continue
			}
			v.detachClient()
			idleTimer.Reset(v.server.cfg.IdleTimeout)
		case <-idleTimer.Chan():
			v.log.Info().Dur("idle", v.server.cfg.IdleTimeout).Msg("no client attached, shutting down")
			return
		case <-v.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (v *Viewer) attachClient(c *ClientConn) {
	select {
	case <-c.Closed():
		return
	default:
	}
	hello := &HelloMessage{ViewerID: v.ID}
	for i, src := range v.channels {
		hello.Channels = append(hello.Channels, ChannelInfo{Index: i, Source: src})
	}
	if err := c.SendMessage(&Message{Type: MessageTypeHello, Payload: hello}); err != nil {
		v.log.Warn().Err(err).Str("client_id", c.ID).Msg("client gone before hello")
	}

	surfaces := make([]*RemoteSurface, len(v.channels))
	adapters := make([]*playback.Adapter, len(v.channels))
	for i, src := range v.channels {
		v.driver.Attach(i)
		surfaces[i] = NewRemoteSurface(i, c, v.clock)
		adapters[i] = playback.NewAdapter(surfaces[i], src, v.callbacks(i, c),
			playback.WithClock(v.clock),
			playback.WithLogger(v.log.With().Int("index", i).Logger()))
	}

	v.mu.Lock()
	v.client = c
	v.surfaces = surfaces
	v.adapters = adapters
	v.mu.Unlock()
	v.log.Info().Str("client_id", c.ID).Str("remote", c.GetRemoteAddr()).Int("channels", len(v.channels)).Msg("client attached")
}

func (v *Viewer) callbacks(index int, c *ClientConn) playback.Callbacks {
	return playback.Callbacks{
		OnStateChange: func(st playback.ChannelState) { v.driver.StateChanged(index, st) },
		OnProgress:    func(st playback.ChannelState) { v.driver.Progress(index, st) },
		OnPlaying: func(bool) {
			v.log.Debug().Int("index", index).Msg("channel ready")
			c.TrySendMessage(&Message{Type: MessageTypeReady, Payload: &ReadyMessage{Index: index}})
		},
	}
}

// detachClient destroys the adapters and resets the coordinator, NOT thread-safe.
// Destroy returns once no snapshot of the adapter is in flight, so nothing
// reaches the driver after Detach.
func (v *Viewer) detachClient() {
	c := v.client
	for i, a := range v.adapters {
		a.Destroy()
		v.driver.Detach(i)
	}
	v.driver.Reset()

	v.mu.Lock()
	v.client = nil
	v.surfaces = nil
	v.adapters = nil
	v.hasOffset = false
	v.mu.Unlock()

	c.Finalise()
	v.log.Info().Str("client_id", c.ID).Msg("client detached")
}

func (v *Viewer) handleMessage(m *Message) {
	if v.client == nil || m.Sender != v.client.ID {
		return
	}
	switch m.Type {
	case MessageTypeMedia:
		p := m.Payload.(*MediaMessage)
		if p.Index < 0 || p.Index >= len(v.surfaces) {
			v.log.Warn().Int("index", p.Index).Msg("media report for unknown channel")
			return
		}
		v.surfaces[p.Index].HandleMedia(p)
	}
}

// timeChanged runs on the driver goroutine
func (v *Viewer) timeChanged(offset float64) {
	v.mu.Lock()
	v.offset = offset
	v.hasOffset = true
	c := v.client
	v.mu.Unlock()
	if c != nil {
		c.TrySendMessage(&Message{Type: MessageTypeOffset, Payload: &OffsetMessage{Offset: offset}})
	}
}

// raise runs on the driver goroutine
func (v *Viewer) raise(kind alert.Kind) {
	a := alert.New(kind, v.ID, v.clock.Now())
	v.log.Warn().Str("kind", string(kind)).Str("alert_id", a.ID.String()).Msg("viewer alert")

	ctx, cancel := context.WithTimeout(context.Background(), alertPublishTimeout)
	defer cancel()
	if err := v.server.alerts.Publish(ctx, a); err != nil {
		v.log.Error().Err(err).Msg("failed to publish alert")
	}

	v.mu.RLock()
	c := v.client
	v.mu.RUnlock()
	if c != nil {
		c.TrySendMessage(&Message{Type: MessageTypeAlert, Payload: &AlertMessage{
			ID:   a.ID.String(),
			Kind: a.Kind,
			At:   a.At,
		}})
	}
}

// ChannelStatus is the REST view of one channel
type ChannelStatus struct {
	Index       int       `json:"index"`
	Source      string    `json:"src"`
	Attached    bool      `json:"attached"`
	Ready       bool      `json:"ready"`
	CurrentTime float64   `json:"currentTime"`
	Duration    *float64  `json:"duration"`
	Paused      bool      `json:"paused"`
	Rate        float64   `json:"rate"`
	LastUpdate  time.Time `json:"lastUpdate,omitempty"`
}

// ViewerStatusMsg is the REST view of a viewer
type ViewerStatusMsg struct {
	OK          bool            `json:"ok"`
	ViewerID    string          `json:"viewerID"`
	Connected   bool            `json:"connected"`
	Initialised bool            `json:"initialised"`
	Offset      *float64        `json:"offset"`
	Channels    []ChannelStatus `json:"channels"`
}

// Status reads the coordinator state through the driver
func (v *Viewer) Status(ctx context.Context) (*ViewerStatusMsg, error) {
	var (
		states      map[int]playback.ChannelState
		initialised bool
	)
	err := v.driver.Do(ctx, func(c *syncer.Coordinator) {
		states = c.Snapshot()
		initialised = c.Initialised()
	})
	if err != nil {
		if err == syncer.ErrDriverStopped {
			return nil, ErrViewerNotFound
		}
		return nil, fmt.Errorf("viewer %s status: %w", v.ID, err)
	}

	v.mu.RLock()
	connected := v.client != nil
	adapters := v.adapters
	var offset *float64
	if v.hasOffset {
		o := v.offset
		offset = &o
	}
	v.mu.RUnlock()

	msg := &ViewerStatusMsg{
		OK:          true,
		ViewerID:    v.ID,
		Connected:   connected,
		Initialised: initialised,
		Offset:      offset,
	}
	for i, src := range v.channels {
		cs := ChannelStatus{Index: i, Source: src.URL, Rate: playback.DefaultRate, Paused: true}
		if i < len(adapters) {
			cs.Ready = adapters[i].FirstPlaying()
		}
		if st, ok := states[i]; ok {
			cs.Attached = true
			cs.CurrentTime = st.CurrentTime
			if !math.IsNaN(st.Duration) {
				d := st.Duration
				cs.Duration = &d
			}
			cs.Paused = st.Paused
			cs.Rate = st.Rate
			cs.LastUpdate = st.LastTimeout
		}
		msg.Channels = append(msg.Channels, cs)
	}
	return msg, nil
}
