package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	clientWriteWait   = 5 * time.Second
	heartbeatInterval = 1 * time.Second
)

var reportedEvents = []playback.MediaEvent{
	playback.EventCanPlay, playback.EventPlaying, playback.EventPlay, playback.EventPause,
	playback.EventSeeked, playback.EventRateChange, playback.EventTimeUpdate,
}

// Client is a headless viewer page. Its elements are simulated surfaces that
// follow the server commands and report their media events back.
type Client struct {
	conn  *websocket.Conn
	hello HelloMessage
	clock clockwork.Clock
	opts  playback.SimOptions
	log   zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	surfaces map[int]*playback.SimSurface
	ready    map[int]bool
	offset   float64
	alerts   []AlertMessage
	latency  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// Connect dials the viewer socket at addr and waits for the hello message
func Connect(ctx context.Context, dialer *websocket.Dialer, addr string, vid string, token string,
	clock clockwork.Clock, opts playback.SimOptions) (*Client, error) {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			Subprotocols:     []string{WebsocketSubprotocolMagicV1},
		}
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("vid", vid)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	_, b, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}

	var hello Message
	if err := Deserialise(b, &hello); err != nil || hello.Type != MessageTypeHello {
		conn.WriteMessage(websocket.CloseMessage, []byte{})
		conn.Close()
		return nil, fmt.Errorf("expected hello, got %q: %v", hello.Type, err)
	}

	return &Client{
		conn:     conn,
		hello:    *hello.Payload.(*HelloMessage),
		clock:    clock,
		opts:     opts,
		log:      log.With().Str("viewer_id", vid).Logger(),
		surfaces: make(map[int]*playback.SimSurface),
		ready:    make(map[int]bool),
		stop:     make(chan struct{}),
	}, nil
}

// Hello returns the viewer announcement
func (c *Client) Hello() HelloMessage { return c.hello }

// SendMessage writes msg to the socket
func (c *Client) SendMessage(msg *Message) error {
	b, err := msg.Serialise()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Run reads server messages until the connection closes or Close is called
func (c *Client) Run(ctx context.Context) error {
	go c.ClientSendHeartbeat()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.stop:
		}
	}()
	defer c.Close()

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var m Message
		if err := Deserialise(b, &m); err != nil {
			c.log.Warn().Err(err).Msg("invalid server message")
			continue
		}
		c.handle(ctx, &m)
	}
}

func (c *Client) handle(ctx context.Context, m *Message) {
	switch m.Type {
	case MessageTypeCommand:
		c.handleCommand(ctx, m.Payload.(*CommandMessage))
	case MessageTypeReady:
		p := m.Payload.(*ReadyMessage)
		c.mu.Lock()
		c.ready[p.Index] = true
		c.mu.Unlock()
	case MessageTypeOffset:
		p := m.Payload.(*OffsetMessage)
		c.mu.Lock()
		c.offset = p.Offset
		c.mu.Unlock()
	case MessageTypeAlert:
		p := m.Payload.(*AlertMessage)
		c.log.Warn().Str("kind", string(p.Kind)).Msg("alert received")
		c.mu.Lock()
		c.alerts = append(c.alerts, *p)
		c.mu.Unlock()
	case MessageTypePong:
		p := m.Payload.(*PongMessage)
		sent := time.Unix(0, int64(p.Timestamp*float64(time.Second)))
		c.mu.Lock()
		c.latency = c.clock.Since(sent)
		c.mu.Unlock()
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd *CommandMessage) {
	s := c.Surface(cmd.Index)
	var err error
	switch cmd.Op {
	case CommandLoad:
		var src playback.Source
		if src, err = cmd.Source(); err == nil {
			err = s.Load(src)
		}
	case CommandPlay:
		err = s.Play(ctx)
		res := &ResultMessage{Seq: cmd.Seq, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		if serr := c.SendMessage(&Message{Type: MessageTypeResult, Payload: res}); serr != nil {
			c.log.Warn().Err(serr).Msg("failed to send play result")
		}
		return
	case CommandPause:
		err = s.Pause()
	case CommandSeek:
		var t float64
		if t, err = cmd.Float(); err == nil {
			s.SetCurrentTime(t)
		}
	case CommandRate:
		var r float64
		if r, err = cmd.Float(); err == nil {
			s.SetPlaybackRate(r)
		}
	case CommandMute:
		var muted bool
		if muted, err = cmd.Bool(); err == nil {
			s.SetMuted(muted)
		}
	case CommandDetach:
		err = s.Detach()
	default:
		err = fmt.Errorf("unknown command %q", cmd.Op)
	}
	if err != nil {
		c.log.Warn().Err(err).Int("index", cmd.Index).Str("op", string(cmd.Op)).Msg("command failed")
	}
}

// Surface returns the simulated element of channel index, creating it on
// first use
func (c *Client) Surface(index int) *playback.SimSurface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.surfaces[index]; ok {
		return s
	}
	s := playback.NewSimSurface(c.clock, c.opts)
	for _, ev := range reportedEvents {
		s.AddEventListener(ev, func() { c.report(index, ev, s) })
	}
	c.surfaces[index] = s
	return s
}

func (c *Client) report(index int, ev playback.MediaEvent, s *playback.SimSurface) {
	m := &MediaMessage{
		Index:       index,
		Event:       ev,
		CurrentTime: s.CurrentTime(),
		Paused:      s.Paused(),
		Rate:        s.PlaybackRate(),
	}
	if d := s.Duration(); !math.IsNaN(d) {
		m.Duration = &d
	}
	if err := c.SendMessage(&Message{Type: MessageTypeMedia, Payload: m}); err != nil {
		c.log.Debug().Err(err).Str("event", string(ev)).Msg("media report not sent")
	}
}

// ClientSendHeartbeat pings the server every second until the client stops
func (c *Client) ClientSendHeartbeat() {
	ticker := c.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			var ping PingMessage
			ping.Timestamp = float64(c.clock.Now().UnixNano()) / float64(time.Second)
			if err := c.SendMessage(&Message{
				Type:    MessageTypePing,
				Payload: &ping,
			}); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

// Ready returns how many channels were reported ready
func (c *Client) Ready() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

// Offset returns the last shared position the server reported
func (c *Client) Offset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Alerts returns the alerts received so far
func (c *Client) Alerts() []AlertMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AlertMessage, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// Latency is the round trip time of the last heartbeat
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Close closes the connection and the simulated elements
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(clientWriteWait))
		c.writeMu.Unlock()
		c.conn.Close()

		c.mu.Lock()
		for _, s := range c.surfaces {
			s.Close()
		}
		c.mu.Unlock()
	})
}
