package playback

import "errors"

var (
	// ErrSurfaceDetached is returned by surfaces that have no source loaded
	ErrSurfaceDetached = errors.New("surface has no source attached")
	// ErrPlayRejected is returned when the element refuses to start playback,
	// typically because of an autoplay policy
	ErrPlayRejected = errors.New("play request rejected")
)
