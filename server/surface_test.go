package server

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/jonboulle/clockwork"
)

type fakeCommander struct {
	mu      sync.Mutex
	cmds    []CommandMessage
	result  ResultMessage
	callErr error
	block   bool
}

func (f *fakeCommander) Command(cmd *CommandMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, *cmd)
	return nil
}

func (f *fakeCommander) Call(ctx context.Context, cmd *CommandMessage) (*ResultMessage, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, *cmd)
	block, res, err := f.block, f.result, f.callErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	res.Seq = cmd.Seq
	return &res, nil
}

func (f *fakeCommander) ops() []CommandOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]CommandOp, 0, len(f.cmds))
	for _, c := range f.cmds {
		ops = append(ops, c.Op)
	}
	return ops
}

func (f *fakeCommander) waitFor(t *testing.T, op CommandOp) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, o := range f.ops() {
			if o == op {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s command in %v", op, f.ops())
}

func media(index int, ev playback.MediaEvent, ct float64, duration *float64, paused bool) *MediaMessage {
	return &MediaMessage{Index: index, Event: ev, CurrentTime: ct, Duration: duration, Paused: paused, Rate: 1}
}

func float(v float64) *float64 { return &v }

func TestRemoteSurfaceLoad(t *testing.T) {
	cmd := &fakeCommander{}
	s := NewRemoteSurface(3, cmd, clockwork.NewFakeClock())

	if err := s.Play(context.Background()); !errors.Is(err, playback.ErrSurfaceDetached) {
		t.Fatalf("Play() before Load error = %v, want %v", err, playback.ErrSurfaceDetached)
	}
	if err := s.Load(playback.Source{URL: "https://cdn/cam3.mp4"}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !math.IsNaN(s.Duration()) || !s.Paused() || s.PlaybackRate() != playback.DefaultRate {
		t.Fatalf("state after Load = %v %v %v", s.Duration(), s.Paused(), s.PlaybackRate())
	}

	cmd.mu.Lock()
	sent := cmd.cmds[0]
	cmd.mu.Unlock()
	if sent.Op != CommandLoad || sent.Index != 3 {
		t.Fatalf("command = %+v, want load of channel 3", sent)
	}
	src, err := sent.Source()
	if err != nil || src.URL != "https://cdn/cam3.mp4" {
		t.Fatalf("load value = %+v, %v", src, err)
	}
}

func TestRemoteSurfacePlay(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *fakeCommander
		timeout time.Duration
		wantErr error
	}{
		{"accepted", &fakeCommander{result: ResultMessage{OK: true}}, time.Second, nil},
		{"rejected", &fakeCommander{result: ResultMessage{OK: false, Error: "NotAllowedError"}}, time.Second, playback.ErrPlayRejected},
		{"page gone", &fakeCommander{callErr: ErrConnClosed}, time.Second, ErrConnClosed},
		{"no answer", &fakeCommander{block: true}, 20 * time.Millisecond, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRemoteSurface(0, tt.cmd, clockwork.NewFakeClock())
			if err := s.Load(playback.Source{URL: "https://cdn/cam0.mp4"}); err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			err := s.Play(ctx)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Play() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Play() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRemoteSurfaceHandleMedia(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewRemoteSurface(0, &fakeCommander{}, clock)
	if err := s.Load(playback.Source{URL: "https://cdn/cam0.mp4"}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var seeked, paused int
	s.AddEventListener(playback.EventSeeked, func() { seeked++ })
	id := s.AddEventListener(playback.EventPause, func() { paused++ })

	if !s.HandleMedia(media(0, playback.EventSeeked, 12, float(30), true)) {
		t.Fatal("HandleMedia() = false on a loaded surface")
	}
	if seeked != 1 || paused != 0 {
		t.Fatalf("listeners ran seeked=%d paused=%d, want 1 and 0", seeked, paused)
	}
	if s.CurrentTime() != 12 || s.Duration() != 30 || !s.ReportedAt().Equal(clock.Now()) {
		t.Fatalf("cached state = %v/%v at %v", s.CurrentTime(), s.Duration(), s.ReportedAt())
	}

	s.RemoveEventListener(id)
	s.HandleMedia(media(0, playback.EventPause, 12, float(30), true))
	if paused != 0 {
		t.Fatal("removed listener still runs")
	}

	if err := s.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if s.HandleMedia(media(0, playback.EventSeeked, 20, float(30), true)) {
		t.Fatal("HandleMedia() = true on a detached surface")
	}
	if seeked != 1 {
		t.Fatal("listener ran for a detached surface")
	}
}

func TestRemoteSurfaceIgnoresNaNSeek(t *testing.T) {
	cmd := &fakeCommander{}
	s := NewRemoteSurface(0, cmd, clockwork.NewFakeClock())
	s.SetCurrentTime(math.NaN())
	s.SetCurrentTime(4)

	ops := cmd.ops()
	if len(ops) != 1 || ops[0] != CommandSeek {
		t.Fatalf("commands = %v, want a single seek", ops)
	}
}

func TestAdapterOverRemoteSurface(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cmd := &fakeCommander{result: ResultMessage{OK: true}}
	s := NewRemoteSurface(0, cmd, clock)
	states := make(chan playback.ChannelState, 4)

	a := playback.NewAdapter(s, playback.Source{URL: "https://cdn/cam0.mp4"},
		playback.Callbacks{OnStateChange: func(st playback.ChannelState) { states <- st }},
		playback.WithClock(clock))
	defer a.Destroy()

	s.HandleMedia(media(0, playback.EventCanPlay, 0, float(30), true))

	select {
	case st := <-states:
		if st.Duration != 30 {
			t.Fatalf("snapshot Duration = %v, want 30", st.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after canplay")
	}
	cmd.waitFor(t, CommandPlay)
	if !s.Muted() {
		t.Fatal("autoplay requested unmuted")
	}

	ops := cmd.ops()
	if ops[0] != CommandLoad || ops[1] != CommandMute {
		t.Fatalf("commands = %v, want load then mute first", ops)
	}
}
