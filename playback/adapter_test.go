package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type recorder struct {
	states   chan ChannelState
	progress chan ChannelState
	playing  chan bool
}

func newRecorder() *recorder {
	return &recorder{
		states:   make(chan ChannelState, 32),
		progress: make(chan ChannelState, 32),
		playing:  make(chan bool, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(st ChannelState) { r.states <- st },
		OnPlaying:     func(v bool) { r.playing <- v },
		OnProgress:    func(st ChannelState) { r.progress <- st },
	}
}

func nextState(t *testing.T, ch <-chan ChannelState) ChannelState {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
	}
	return ChannelState{}
}

// countingSurface counts listener removals
type countingSurface struct {
	*SimSurface
	mu      sync.Mutex
	removed int
}

func (c *countingSurface) RemoveEventListener(id ListenerID) {
	c.mu.Lock()
	c.removed++
	c.mu.Unlock()
	c.SimSurface.RemoveEventListener(id)
}

func (c *countingSurface) removals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

func TestAdapterFirstCanPlayStartsMuted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{Duration: 30, LoadDelay: 100 * time.Millisecond})
	defer sim.Close()
	rec := newRecorder()

	a := NewAdapter(sim, Source{URL: "rtsp://cam-1/stream"}, rec.callbacks(), WithClock(clock))
	defer a.Destroy()

	clock.Advance(100 * time.Millisecond)

	first := nextState(t, rec.states)
	if first.Duration != 30 {
		t.Fatalf("canplay snapshot Duration = %v, want 30", first.Duration)
	}
	if !first.LastTimeout.Equal(clock.Now()) {
		t.Fatalf("snapshot LastTimeout = %v, want %v", first.LastTimeout, clock.Now())
	}
	if first.IgnoreEventCounter != 0 {
		t.Fatalf("snapshot IgnoreEventCounter = %d, want 0", first.IgnoreEventCounter)
	}
	if first.Element != Surface(sim) {
		t.Fatal("snapshot Element is not the adapter surface")
	}

	select {
	case v := <-rec.playing:
		if !v {
			t.Fatal("OnPlaying(false), want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnPlaying was never called")
	}
	if !sim.Muted() {
		t.Fatal("surface not muted before autoplay")
	}
	if sim.Paused() {
		t.Fatal("surface still paused after canplay")
	}
	if !a.FirstPlaying() {
		t.Fatal("FirstPlaying() = false after playing")
	}
}

func TestAdapterPlayingReportedOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{Duration: 30, LoadDelay: time.Millisecond})
	defer sim.Close()
	rec := newRecorder()

	a := NewAdapter(sim, Source{URL: "rtsp://cam-1/stream"}, rec.callbacks(), WithClock(clock))
	defer a.Destroy()
	clock.Advance(time.Millisecond)
	<-rec.playing

	// registered after the adapter, so it runs once the adapter handled the event
	done := make(chan struct{}, 4)
	sim.AddEventListener(EventPlaying, func() { done <- struct{}{} })

	sim.Stall(true)
	sim.Stall(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("playing was not dispatched after the stall")
	}

	if n := len(rec.playing); n != 0 {
		t.Fatalf("OnPlaying called %d more times, want 0", n)
	}
}

func TestAdapterPlayRejectionIsSwallowed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{Duration: 30, LoadDelay: time.Millisecond})
	defer sim.Close()
	sim.RejectPlay(ErrPlayRejected)
	rec := newRecorder()

	a := NewAdapter(sim, Source{URL: "rtsp://cam-1/stream"}, rec.callbacks(), WithClock(clock))
	defer a.Destroy()
	clock.Advance(time.Millisecond)

	st := nextState(t, rec.states)
	if !st.Paused {
		t.Fatal("canplay snapshot not paused with autoplay rejected")
	}

	a.Play(context.Background())
	if !sim.Paused() {
		t.Fatal("surface playing although play was rejected")
	}
	if a.FirstPlaying() {
		t.Fatal("FirstPlaying() = true with play rejected")
	}
}

func TestAdapterProgressSnapshots(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{
		Duration:           30,
		LoadDelay:          100 * time.Millisecond,
		TimeUpdateInterval: DefaultTimeUpdateInterval,
	})
	defer sim.Close()
	rec := newRecorder()

	a := NewAdapter(sim, Source{URL: "rtsp://cam-1/stream"}, rec.callbacks(), WithClock(clock))
	defer a.Destroy()
	clock.Advance(100 * time.Millisecond)
	<-rec.playing

	clock.Advance(DefaultTimeUpdateInterval)

	st := nextState(t, rec.progress)
	if st.CurrentTime <= 0 {
		t.Fatalf("progress CurrentTime = %v, want > 0", st.CurrentTime)
	}
	if st.Paused {
		t.Fatal("progress snapshot paused while playing")
	}
}

func TestAdapterDestroyIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{Duration: 30, LoadDelay: time.Millisecond})
	defer sim.Close()
	surface := &countingSurface{SimSurface: sim}

	a := NewAdapter(surface, Source{URL: "rtsp://cam-1/stream"}, Callbacks{}, WithClock(clock))
	registered := sim.ListenerCount()
	if registered == 0 {
		t.Fatal("adapter registered no listeners")
	}

	a.Destroy()
	a.Destroy()

	if got := sim.ListenerCount(); got != 0 {
		t.Fatalf("ListenerCount() after Destroy = %d, want 0", got)
	}
	if got := surface.removals(); got != registered {
		t.Fatalf("RemoveEventListener calls = %d, want %d", got, registered)
	}
	if err := sim.Play(context.Background()); !errors.Is(err, ErrSurfaceDetached) {
		t.Fatalf("Play() after Destroy error = %v, want %v", err, ErrSurfaceDetached)
	}
}

// eagerSurface reports canplay before Load returns
type eagerSurface struct {
	*SimSurface
}

func (e eagerSurface) Load(src Source) error {
	if err := e.SimSurface.Load(src); err != nil {
		return err
	}
	e.dispatch(EventCanPlay)
	return nil
}

func TestAdapterCanPlayDuringLoad(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{Duration: 30, LoadDelay: time.Hour})
	defer sim.Close()
	rec := newRecorder()

	a := NewAdapter(eagerSurface{sim}, Source{URL: "rtsp://cam-1/stream"}, rec.callbacks(), WithClock(clock))
	defer a.Destroy()

	nextState(t, rec.states)
	if !sim.Muted() {
		t.Fatal("surface not muted after a canplay fired inside Load")
	}
	select {
	case <-rec.playing:
	case <-time.After(2 * time.Second):
		t.Fatal("autoplay never started after a canplay fired inside Load")
	}
}

func TestAdapterNoCallbackAfterDestroy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := NewSimSurface(clock, SimOptions{Duration: 30, LoadDelay: time.Hour})
	defer sim.Close()

	calls := make(chan struct{}, 8)
	release := make(chan struct{})
	cb := Callbacks{
		OnStateChange: func(ChannelState) {
			calls <- struct{}{}
			<-release
		},
	}
	a := NewAdapter(sim, Source{URL: "rtsp://cam-1/stream"}, cb, WithClock(clock))

	go a.emit(EventSeeked)
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot was never delivered")
	}

	destroyed := make(chan struct{})
	go func() {
		a.Destroy()
		close(destroyed)
	}()
	select {
	case <-destroyed:
		t.Fatal("Destroy returned while a snapshot was being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not return after the snapshot was delivered")
	}

	a.emit(EventSeeked)
	a.emit(EventTimeUpdate)
	if n := len(calls); n != 0 {
		t.Fatalf("%d callbacks after Destroy, want 0", n)
	}
}
