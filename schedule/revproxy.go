package schedule

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/fleetcam/camsync/server"
	"github.com/koding/websocketproxy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoadBalancedReverseProxy is a reverse proxy that serves as the websocket
// entry point for multiple backend servers
type LoadBalancedReverseProxy struct {
	reg ReadOnlyStorage
	log zerolog.Logger
}

// NewLoadBalancedReverseProxy creates a new reverse proxy reading viewer
// owners from the registry
func NewLoadBalancedReverseProxy(reg ReadOnlyStorage) *LoadBalancedReverseProxy {
	return &LoadBalancedReverseProxy{
		reg: reg,
		log: log.With().Str("component", "revproxy").Logger(),
	}
}

// ProxyBackend resolves the backend websocket url of a client request, nil
// when the viewer is unknown
func (r *LoadBalancedReverseProxy) ProxyBackend() func(*http.Request) *url.URL {
	return func(req *http.Request) *url.URL {
		vid := req.URL.Query().Get("vid")
		if vid == "" {
			return nil
		}
		target, err := r.reg.Get(vid)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				r.log.Error().Err(err).Str("viewer_id", vid).Msg("viewer lookup failed")
			}
			return nil
		}
		u := *BackendWSScheme
		u.Host = target
		u.Fragment = req.URL.Fragment
		u.Path = req.URL.Path
		u.RawQuery = req.URL.RawQuery
		return &u
	}
}

// GetProxy returns a websocket reverse proxy object with registry-backed backend
func (r *LoadBalancedReverseProxy) GetProxy() *websocketproxy.WebsocketProxy {
	return &websocketproxy.WebsocketProxy{
		Backend:  r.ProxyBackend(),
		Upgrader: server.GetWSUpgrader(),
	}
}

// ServeHTTP rejects unknown viewers before upgrading
func (r *LoadBalancedReverseProxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.ProxyBackend()(req) == nil {
		server.RespondWithError(server.ErrInvalidViewerID, http.StatusNotFound, w)
		return
	}
	r.GetProxy().ServeHTTP(w, req)
}
