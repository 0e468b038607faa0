package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fleetcam/camsync/server"
	"github.com/go-redis/redis"
	"github.com/jonboulle/clockwork"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (p *fakePublisher) Publish(channel string, message interface{}) *redis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channel == SchedulePubSubChannel {
		p.msgs = append(p.msgs, message.(string))
	}
	return redis.NewIntResult(1, p.err)
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.msgs...)
}

func infoBackend(t *testing.T, viewers ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/server" {
			http.NotFound(w, r)
			return
		}
		server.RespondWithJSON(&server.ServerInfoMsg{OK: true, NViewer: len(viewers), Viewers: viewers}, http.StatusOK, w)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestUpdateBackendInfo(t *testing.T) {
	live := infoBackend(t, "v1", "v2")
	dead := infoBackend(t)
	deadHost := hostOf(t, dead)
	dead.Close()

	store := memStorage(t)
	pub := &fakePublisher{}
	o := NewOrchestrator(pub, store, []string{hostOf(t, live), deadHost},
		WithStrategy(SchedulingStrategyAdaptive))

	info, err := o.UpdateBackendInfo(context.Background())
	if err != nil {
		t.Fatalf("UpdateBackendInfo() error = %v", err)
	}
	if len(info.Backends) != 1 || info.Backends[Backend(hostOf(t, live))] != 2 {
		t.Fatalf("schedule = %+v, want only the live backend with load 2", info.Backends)
	}
	for _, vid := range []string{"v1", "v2"} {
		if got, err := store.Get(vid); err != nil || got != hostOf(t, live) {
			t.Fatalf("store.Get(%s) = %q, %v", vid, got, err)
		}
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d schedules, want 1", len(msgs))
	}
	var got ScheduleInfo
	if err := json.Unmarshal([]byte(msgs[0]), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Strategy != SchedulingStrategyAdaptive || len(got.Backends) != 1 {
		t.Fatalf("published %+v", got)
	}
}

func TestUpdateBackendInfoPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	o := NewOrchestrator(pub, memStorage(t), nil)
	if _, err := o.UpdateBackendInfo(context.Background()); err == nil {
		t.Fatal("UpdateBackendInfo() error = nil")
	}
}

func TestOrchestratorRunRepublishes(t *testing.T) {
	live := infoBackend(t, "v1")
	clock := clockwork.NewFakeClock()
	pub := &fakePublisher{}
	o := NewOrchestrator(pub, memStorage(t), []string{hostOf(t, live)}, WithOrchestratorClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(pub.published()) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	clock.Advance(SchedulingUpdatePeriod)
	for len(pub.published()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(pub.published()); n < 2 {
		t.Fatalf("published %d schedules, want at least 2", n)
	}
}
