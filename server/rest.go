package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
)

const (
	viewerCreationTimeOut = 5 * time.Second
	viewerStatusTimeOut   = 5 * time.Second
	viewerDestroyTimeOut  = 5 * time.Second
	maxRequestBodySize    = 1 << 20
)

type ServerInfoMsg struct {
	OK      bool     `json:"ok"`
	NViewer int      `json:"nviewer"`
	Viewers []string `json:"viewers"`
}

type CreateViewerRequest struct {
	Channels []playback.Source `json:"channels"`
	// TimeoutSeconds: omitted uses the default, zero or negative disables it
	TimeoutSeconds *int `json:"timeoutSeconds,omitempty"`
}

type ViewerCreatedMsg struct {
	OK       bool   `json:"ok"`
	ViewerID string `json:"viewerID"`
	Token    string `json:"token"`
}

func RespondWithJSON(m interface{}, statusCode int, w http.ResponseWriter) {
	payload, _ := json.Marshal(m)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(payload)
}

func RespondWithError(reason string, statusCode int, w http.ResponseWriter) {
	RespondWithJSON(map[string]interface{}{
		"ok":     false,
		"reason": reason,
	}, statusCode, w)
}

// Validate checks the request against the server limits
func (req *CreateViewerRequest) Validate(maxChannels int) error {
	if len(req.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	if len(req.Channels) > maxChannels {
		return fmt.Errorf("at most %d channels are allowed", maxChannels)
	}
	for i, ch := range req.Channels {
		if ch.URL == "" {
			return fmt.Errorf("channel %d has no src", i)
		}
	}
	return nil
}

func getServerInfo(s *Server, w http.ResponseWriter, r *http.Request) {
	ids := s.ViewerIDs()
	RespondWithJSON(&ServerInfoMsg{
		OK:      true,
		NViewer: len(ids),
		Viewers: ids,
	}, http.StatusOK, w)
}

func createViewer(s *Server, w http.ResponseWriter, r *http.Request) {
	var req CreateViewerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(&req); err != nil {
		RespondWithError("Invalid request body.", http.StatusBadRequest, w)
		return
	}
	if err := req.Validate(s.cfg.MaxChannels); err != nil {
		RespondWithError(err.Error(), http.StatusBadRequest, w)
		return
	}

	vid := xid.New().String()
	v, token, err := NewViewerWithRandomToken(vid, s, req.Channels, req.TimeoutSeconds)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create viewer")
		RespondWithError("An internal error occurred.",
			http.StatusInternalServerError, w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), viewerCreationTimeOut)
	defer cancel()
	if err := s.AddViewer(ctx, v); err != nil {
		RespondWithError(
			"Viewer creation timed out.",
			http.StatusRequestTimeout,
			w,
		)
		return
	}
	RespondWithJSON(&ViewerCreatedMsg{
		OK:       true,
		ViewerID: vid,
		Token:    token,
	}, http.StatusOK, w)
}

func getViewer(s *Server, w http.ResponseWriter, r *http.Request) {
	v, err := s.GetViewer(mux.Vars(r)["vid"])
	if err != nil {
		RespondWithError(ErrInvalidViewerID, http.StatusNotFound, w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), viewerStatusTimeOut)
	defer cancel()
	st, err := v.Status(ctx)
	if errors.Is(err, ErrViewerNotFound) {
		RespondWithError(ErrInvalidViewerID, http.StatusNotFound, w)
		return
	}
	if err != nil {
		RespondWithError("Viewer status timed out.", http.StatusRequestTimeout, w)
		return
	}
	RespondWithJSON(st, http.StatusOK, w)
}

func destroyViewer(s *Server, w http.ResponseWriter, r *http.Request) {
	v, err := s.GetViewer(mux.Vars(r)["vid"])
	if err != nil {
		RespondWithError(ErrInvalidViewerID, http.StatusNotFound, w)
		return
	}
	v.Close()
	select {
	case <-v.Done():
		RespondWithJSON(map[string]interface{}{"ok": true}, http.StatusOK, w)
	case <-time.After(viewerDestroyTimeOut):
		RespondWithError("Viewer destruction timed out.", http.StatusRequestTimeout, w)
	}
}

// NewRestMux makes the RESTful API servemux of server
func NewRestMux(server *Server) *mux.Router {
	restMux := mux.NewRouter().StrictSlash(true)
	restMux.HandleFunc("/", http.NotFound)
	restMux.HandleFunc("/server", func(w http.ResponseWriter, r *http.Request) {
		getServerInfo(server, w, r)
	}).Methods("GET")
	restMux.HandleFunc("/viewer", func(w http.ResponseWriter, r *http.Request) {
		createViewer(server, w, r)
	}).Methods("POST")
	restMux.HandleFunc("/viewer/{vid}", func(w http.ResponseWriter, r *http.Request) {
		getViewer(server, w, r)
	}).Methods("GET")
	restMux.HandleFunc("/viewer/{vid}", func(w http.ResponseWriter, r *http.Request) {
		destroyViewer(server, w, r)
	}).Methods("DELETE")
	return restMux
}
