package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ClientConn encapsulates an established viewer page websocket connection
type ClientConn struct {
	ID        string
	conn      *websocket.Conn
	recvQueue chan *Message
	sendQueue chan *Message
	closing   chan struct{}
	closeOnce sync.Once
	viewer    *Viewer
	log       zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *ResultMessage
}

// NewClientConn creates a client websocket connection wrapper
func NewClientConn(id string, viewer *Viewer, conn *websocket.Conn) *ClientConn {
	return &ClientConn{
		ID:        id,
		conn:      conn,
		recvQueue: make(chan *Message, clientRecvQueueSize),
		sendQueue: make(chan *Message, clientSendQueueSize),
		closing:   make(chan struct{}),
		viewer:    viewer,
		log:       log.With().Str("viewer_id", viewer.ID).Str("client_id", id).Logger(),
		pending:   make(map[uint64]chan *ResultMessage),
	}
}

func (c *ClientConn) GetID() string { return c.ID }

func (c *ClientConn) GetRemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// SendMessage queues m for the send goroutine
func (c *ClientConn) SendMessage(m *Message) error {
	select {
	case c.sendQueue <- m:
		return nil
	case <-c.closing:
		return ErrConnClosed
	}
}

// TrySendMessage queues m unless the send queue is full
func (c *ClientConn) TrySendMessage(m *Message) bool {
	select {
	case c.sendQueue <- m:
		return true
	case <-c.closing:
		return false
	default:
		c.log.Debug().Str("type", string(m.Type)).Msg("send queue full, message dropped")
		return false
	}
}

func (c *ClientConn) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Command sends cmd without waiting for its result
func (c *ClientConn) Command(cmd *CommandMessage) error {
	cmd.Seq = c.nextSeq()
	return c.SendMessage(&Message{Type: MessageTypeCommand, Payload: cmd})
}

// Call sends cmd and waits for the matching result
func (c *ClientConn) Call(ctx context.Context, cmd *CommandMessage) (*ResultMessage, error) {
	ch := make(chan *ResultMessage, 1)
	c.mu.Lock()
	c.seq++
	cmd.Seq = c.seq
	c.pending[cmd.Seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.Seq)
		c.mu.Unlock()
	}()

	if err := c.SendMessage(&Message{Type: MessageTypeCommand, Payload: cmd}); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-c.closing:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ClientConn) resolve(res *ResultMessage) {
	c.mu.Lock()
	ch, ok := c.pending[res.Seq]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Uint64("seq", res.Seq).Msg("result without a pending call")
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// Finalise closes the connection. Pending calls fail with ErrConnClosed.
func (c *ClientConn) Finalise() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

// Closed is closed once the connection is finalised
func (c *ClientConn) Closed() <-chan struct{} { return c.closing }

// the goroutine that runs this function reads from c.conn
func (c *ClientConn) HandleWSClientRecv() {
	defer func() {
		c.viewer.RemoveClient(c)
	}()
	c.conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected closure")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
		var msg Message
		if err := Deserialise(b, &msg); err != nil {
			c.log.Warn().Err(err).Str("message", string(b)).Msg("invalid message")
			continue
		}
		msg.Sender = c.ID
		select {
		case c.recvQueue <- &msg:
		case <-c.closing:
			return
		}
	}
}

// the goroutine that runs this function writes to c.conn
func (c *ClientConn) HandleWSClientSend() {
	defer func() {
		c.conn.Close()
		c.viewer.RemoveClient(c)
	}()
	for {
		select {
		case msg := <-c.sendQueue:
			if msg.Type == MessageTypePong {
				// compute the service time
				p := msg.Payload.(*PongMessage)
				p.SvcTime = time.Since(msg.ReceivedAt).Seconds()
			}
			b, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-c.closing:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// the goroutine that runs this function answers pings and routes results
// and media reports
func (c *ClientConn) HandleViewerClient() {
	defer func() {
		c.viewer.RemoveClient(c)
	}()
	for {
		select {
		case m := <-c.recvQueue:
			switch m.Type {
			case MessageTypePing:
				p := m.Payload.(*PingMessage)
				c.TrySendMessage(&Message{
					ReceivedAt: m.ReceivedAt,
					Type:       MessageTypePong,
					Payload: &PongMessage{
						Timestamp: p.Timestamp,
					},
				})
			case MessageTypeResult:
				c.resolve(m.Payload.(*ResultMessage))
			case MessageTypeMedia:
				c.viewer.Deliver(m)
			default:
				// silently drop the message
			}
		case <-c.closing:
			return
		}
	}
}
