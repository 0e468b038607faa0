package playback

import (
	"context"
	"math"
	"time"
)

// MediaEvent names a native playback event of a video surface
type MediaEvent string

// MediaEvent instances, named after their HTML media element counterparts
const (
	EventCanPlay    MediaEvent = "canplay"
	EventPlaying    MediaEvent = "playing"
	EventPlay       MediaEvent = "play"
	EventPause      MediaEvent = "pause"
	EventSeeked     MediaEvent = "seeked"
	EventRateChange MediaEvent = "ratechange"
	EventTimeUpdate MediaEvent = "timeupdate"
)

// Valid reports whether e is one of the events a surface may emit
func (e MediaEvent) Valid() bool {
	switch e {
	case EventCanPlay, EventPlaying, EventPlay, EventPause,
		EventSeeked, EventRateChange, EventTimeUpdate:
		return true
	}
	return false
}

// DefaultRate is the playback rate of a freshly loaded surface
const DefaultRate = 1.0

// Source describes what a channel plays
type Source struct {
	URL     string            `json:"src" yaml:"src"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Muted   bool              `json:"muted,omitempty" yaml:"muted"`
	Poster  string            `json:"poster,omitempty" yaml:"poster"`
}

// ListenerID identifies a registered event listener on a surface
type ListenerID uint64

// Surface is a video-capable playback element. It is owned by exactly one
// Adapter; everyone else only asks for play/pause/seek/rate changes.
type Surface interface {
	// Load starts loading src, replacing any previous source.
	Load(src Source) error
	// Play starts playback and returns once the element accepted or rejected it.
	Play(ctx context.Context) error
	Pause() error
	// Detach stops buffering and drops the current source.
	Detach() error

	CurrentTime() float64
	// Duration is NaN until the metadata is known.
	Duration() float64
	Paused() bool
	PlaybackRate() float64

	SetCurrentTime(t float64)
	SetPlaybackRate(r float64)
	SetMuted(muted bool)

	AddEventListener(ev MediaEvent, fn func()) ListenerID
	RemoveEventListener(id ListenerID)
}

// ChannelState is the latest observed status of one channel
type ChannelState struct {
	Element     Surface
	CurrentTime float64
	Duration    float64
	Paused      bool
	Rate        float64
	LastTimeout time.Time
	// IgnoreEventCounter counts upcoming events caused by corrective writes
	IgnoreEventCounter int
}

// Ended reports whether the channel reached the end of its media
func (s ChannelState) Ended() bool {
	return s.CurrentTime >= s.Duration
}

// HasDuration reports whether the channel metadata has loaded
func (s ChannelState) HasDuration() bool {
	return !math.IsNaN(s.Duration)
}

// Snapshot reads the observable status of surface at now
func Snapshot(surface Surface, now time.Time) ChannelState {
	return ChannelState{
		Element:     surface,
		CurrentTime: surface.CurrentTime(),
		Duration:    surface.Duration(),
		Paused:      surface.Paused(),
		Rate:        surface.PlaybackRate(),
		LastTimeout: now,
	}
}
