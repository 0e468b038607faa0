package server

import "errors"

const (
	ErrInvalidViewerID = "Error: Invalid Viewer ID"
	ErrInvalidToken    = "Error: Invalid token"
)

var (
	// ErrViewerNotFound is returned when no viewer has the requested id
	ErrViewerNotFound = errors.New("viewer not found")
	// ErrConnClosed is returned by calls on a closed client connection
	ErrConnClosed = errors.New("client connection closed")
	// ErrServerClosed is returned once the server stopped
	ErrServerClosed = errors.New("server closed")
)

type ErrClientConnect int

const (
	ErrClientConnectBadViewerID ErrClientConnect = iota
	ErrClientConnectBadToken
)

func (e ErrClientConnect) Error() string {
	switch e {
	case ErrClientConnectBadViewerID:
		return ErrInvalidViewerID
	case ErrClientConnectBadToken:
		return ErrInvalidToken
	default:
		return "Unknown connect error"
	}
}
