package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fleetcam/camsync/alert"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	wsReadBufferSize       = 1024
	wsWriteBufferSize      = 1024
	viewerMessageQueueSize = 256
	clientSendQueueSize    = 64
	clientRecvQueueSize    = 32
	keyLength              = 32
	doCheckSubprotocol     = true
)

const (
	HeartbeatTimeout   = 30 * time.Second
	WriteWait          = 10 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxChannels = 16
)

// Config holds the viewer backend settings
type Config struct {
	// IdleTimeout closes a viewer that has no client attached for that long
	IdleTimeout time.Duration
	// TickInterval of the periodic timeout, stuck and offset checks
	TickInterval time.Duration
	// PlayTimeout bounds a corrective play
	PlayTimeout time.Duration
	// TimeoutSeconds is the staleness timeout of viewers created without one
	TimeoutSeconds *int
	MaxChannels    int
}

// DefaultConfig returns the backend defaults
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  DefaultIdleTimeout,
		TickInterval: time.Second,
		PlayTimeout:  5 * time.Second,
		MaxChannels:  DefaultMaxChannels,
	}
}

// Server encapsulates server-level global data
type Server struct {
	viewers      map[string]*Viewer
	enqViewer    chan *Viewer
	closing      chan struct{}
	closingGuard sync.Once
	mutex        sync.RWMutex // guard viewers for look up

	cfg    Config
	clock  clockwork.Clock
	alerts alert.Publisher
	log    zerolog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithClock sets the clock of every viewer
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithAlerts sets where stuck and timeout alerts go
func WithAlerts(p alert.Publisher) Option {
	return func(s *Server) { s.alerts = p }
}

// WithLogger sets the server logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

var wsUpgrader = GetWSUpgrader()

// GetWSUpgrader return the websocket upgrader for use with camsync
func GetWSUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		Subprotocols: []string{
			WebsocketSubprotocolMagicV1,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		}, //disable origin check
	}
}

// NewServer creates a new server struct
func NewServer(cfg Config, opts ...Option) *Server {
	assertCryptoPRNG()
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PlayTimeout <= 0 {
		cfg.PlayTimeout = def.PlayTimeout
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = def.MaxChannels
	}
	s := &Server{
		viewers:   make(map[string]*Viewer),
		enqViewer: make(chan *Viewer),
		closing:   make(chan struct{}),
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alerts == nil {
		s.alerts = alert.NewLogPublisher(s.log)
	}
	return s
}

// Config returns the effective configuration
func (s *Server) Config() Config { return s.cfg }

// AddViewer registers v and hands it to Run, which starts its manager
func (s *Server) AddViewer(ctx context.Context, v *Viewer) error {
	s.mutex.Lock()
	s.viewers[v.ID] = v
	s.mutex.Unlock()
	select {
	case s.enqViewer <- v:
		return nil
	case <-s.closing:
		s.RemoveViewer(v)
		return ErrServerClosed
	case <-ctx.Done():
		s.RemoveViewer(v)
		return ctx.Err()
	}
}

// RemoveViewer deregisters v
func (s *Server) RemoveViewer(v *Viewer) {
	s.mutex.Lock()
	if _v, ok := s.viewers[v.ID]; ok && _v == v {
		delete(s.viewers, v.ID)
		s.log.Info().Str("viewer_id", v.ID).Msg("viewer deregistered")
	}
	s.mutex.Unlock()
}

// GetViewer looks up a registered viewer
func (s *Server) GetViewer(id string) (*Viewer, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.viewers[id]
	if !ok {
		return nil, ErrViewerNotFound
	}
	return v, nil
}

// ViewerIDs returns the registered viewer ids, sorted
func (s *Server) ViewerIDs() []string {
	s.mutex.RLock()
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close stops Run and every viewer
func (s *Server) Close() {
	s.closingGuard.Do(func() { close(s.closing) })
}

// Run manages server s until ctx is done or Close is called
func (s *Server) Run(ctx context.Context) {
	defer func() {
		s.Close()
		s.mutex.RLock()
		for _, v := range s.viewers {
			v.Close()
		}
		s.mutex.RUnlock()
	}()
	for {
		select {
		case v := <-s.enqViewer:
			go v.RunManager(ctx)
			s.log.Info().Str("viewer_id", v.ID).Int("channels", len(v.channels)).Msg("viewer registered")
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

func checkValidClient(s *Server, vid string, token string) (*Viewer, error) {
	if vid == "" {
		return nil, ErrClientConnectBadViewerID
	}
	v, err := s.GetViewer(vid)
	if err != nil {
		return nil, ErrClientConnectBadViewerID
	}
	if !v.CheckToken(token) {
		return nil, ErrClientConnectBadToken
	}
	return v, nil
}

func handleWSClient(s *Server, w http.ResponseWriter, r *http.Request) {
	// parse query string and check if viewer id is valid
	q := r.URL.Query()
	vid := q.Get("vid")
	token := q.Get("token")

	v, err := checkValidClient(s, vid, token)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("client fails to connect")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if doCheckSubprotocol && conn.Subprotocol() != WebsocketSubprotocolMagicV1 {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol version"))
		conn.Close()
		return
	}

	cid := xid.New().String()
	client := NewClientConn(cid, v, conn)

	go client.HandleViewerClient()
	go client.HandleWSClientSend()
	go client.HandleWSClientRecv()

	if err := v.AddClient(client); err != nil {
		s.log.Warn().Err(err).Str("viewer_id", vid).Msg("viewer closed before client joined")
		return
	}
	s.log.Info().Str("client_id", cid).Str("remote", conn.RemoteAddr().String()).Str("viewer_id", vid).Msg("client joined viewer")
}

// GetWSHandleFunc returns a handle function for the server
func GetWSHandleFunc(server *Server) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		handleWSClient(server, w, r)
	}
}
