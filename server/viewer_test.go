package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetcam/camsync/alert"
	"github.com/fleetcam/camsync/playback"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type backend struct {
	server *Server
	ts     *httptest.Server
	clock  *clockwork.FakeClock
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := NewServer(Config{}, WithClock(clock), WithLogger(zerolog.Nop()),
		WithAlerts(alert.NewLogPublisher(zerolog.Nop())))
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	router := NewRestMux(s)
	router.HandleFunc("/ws", GetWSHandleFunc(s))
	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &backend{server: s, ts: ts, clock: clock}
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.ts.URL, "http") + "/ws"
}

func (b *backend) createViewer(t *testing.T, req CreateViewerRequest) ViewerCreatedMsg {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	rsp, err := http.Post(b.ts.URL+"/viewer", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /viewer error = %v", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		t.Fatalf("POST /viewer status = %d, want 200", rsp.StatusCode)
	}
	var created ViewerCreatedMsg
	if err := json.NewDecoder(rsp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return created
}

func (b *backend) status(t *testing.T, vid string) (*ViewerStatusMsg, int) {
	t.Helper()
	rsp, err := http.Get(b.ts.URL + "/viewer/" + vid)
	if err != nil {
		t.Fatalf("GET /viewer error = %v", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, rsp.StatusCode
	}
	var st ViewerStatusMsg
	if err := json.NewDecoder(rsp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return &st, rsp.StatusCode
}

func connectClient(t *testing.T, b *backend, created ViewerCreatedMsg) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, nil, b.wsURL(), created.ViewerID, created.Token, b.clock, playback.SimOptions{
		Duration:           600,
		TimeUpdateInterval: playback.DefaultTimeUpdateInterval,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func twoChannels() CreateViewerRequest {
	return CreateViewerRequest{Channels: []playback.Source{
		{URL: "https://cdn/trip-1/front.mp4"},
		{URL: "https://cdn/trip-1/cabin.mp4"},
	}}
}

func TestViewerRejectsBadToken(t *testing.T) {
	b := startBackend(t)
	created := b.createViewer(t, twoChannels())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Connect(ctx, nil, b.wsURL(), created.ViewerID, "wrong", b.clock, playback.SimOptions{}); err == nil {
		t.Fatal("Connect() with a wrong token error = nil")
	}
	if _, err := Connect(ctx, nil, b.wsURL(), "nope", created.Token, b.clock, playback.SimOptions{}); err == nil {
		t.Fatal("Connect() to an unknown viewer error = nil")
	}
}

func TestViewerStartsChannelsInLockstep(t *testing.T) {
	b := startBackend(t)
	created := b.createViewer(t, twoChannels())
	c := connectClient(t, b, created)

	hello := c.Hello()
	if hello.ViewerID != created.ViewerID || len(hello.Channels) != 2 {
		t.Fatalf("hello = %+v", hello)
	}

	eventually(t, "both channels ready", func() bool { return c.Ready() == 2 })
	for i := 0; i < 2; i++ {
		s := c.Surface(i)
		if s.Paused() {
			t.Fatalf("channel %d still paused", i)
		}
		if !s.Muted() {
			t.Fatalf("channel %d autoplayed unmuted", i)
		}
	}

	eventually(t, "coordinator initialised", func() bool {
		st, _ := b.status(t, created.ViewerID)
		return st != nil && st.Connected && st.Initialised
	})
}

func TestViewerPropagatesPause(t *testing.T) {
	b := startBackend(t)
	created := b.createViewer(t, twoChannels())
	c := connectClient(t, b, created)
	eventually(t, "both channels ready", func() bool { return c.Ready() == 2 })
	eventually(t, "coordinator initialised", func() bool {
		st, _ := b.status(t, created.ViewerID)
		return st != nil && st.Initialised
	})

	// the user pauses the front camera in the page
	if err := c.Surface(0).Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	eventually(t, "cabin camera paused", func() bool { return c.Surface(1).Paused() })
}

func TestViewerReportsStuckChannel(t *testing.T) {
	b := startBackend(t)
	created := b.createViewer(t, twoChannels())
	c := connectClient(t, b, created)
	eventually(t, "both channels ready", func() bool { return c.Ready() == 2 })

	c.Surface(1).Stall(true)
	for i := 0; i < 120 && len(c.Alerts()) == 0; i++ {
		b.clock.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	alerts := c.Alerts()
	if len(alerts) == 0 {
		t.Fatal("no alert after the cabin camera froze")
	}
	if alerts[0].Kind != alert.KindStuck {
		t.Fatalf("alert kind = %s, want %s", alerts[0].Kind, alert.KindStuck)
	}
	if c.Offset() <= 0 {
		t.Fatalf("Offset() = %v, want the front camera position", c.Offset())
	}
}

func TestViewerClientReplaced(t *testing.T) {
	b := startBackend(t)
	created := b.createViewer(t, twoChannels())
	first := connectClient(t, b, created)
	eventually(t, "first client ready", func() bool { return first.Ready() == 2 })

	second := connectClient(t, b, created)
	eventually(t, "second client ready", func() bool { return second.Ready() == 2 })

	v, err := b.server.GetViewer(created.ViewerID)
	if err != nil {
		t.Fatalf("GetViewer() error = %v", err)
	}
	v.mu.RLock()
	current := v.client
	v.mu.RUnlock()
	select {
	case <-current.Closed():
		t.Fatal("the newest client was closed")
	default:
	}
}

func TestViewerIdleShutdown(t *testing.T) {
	b := startBackend(t)
	created := b.createViewer(t, twoChannels())
	v, err := b.server.GetViewer(created.ViewerID)
	if err != nil {
		t.Fatalf("GetViewer() error = %v", err)
	}

	if err := b.clock.BlockUntilContext(context.Background(), 2); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}
	b.clock.Advance(DefaultIdleTimeout)

	select {
	case <-v.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle viewer still running")
	}
	if _, err := b.server.GetViewer(created.ViewerID); err != ErrViewerNotFound {
		t.Fatalf("GetViewer() error = %v, want %v", err, ErrViewerNotFound)
	}
}
