package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitly/go-hostpool"
	"github.com/fleetcam/camsync/server"
	"github.com/go-redis/redis"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// configurable constants
const (
	SchedulingUpdatePeriod = 30 * time.Second
	SchedulePubSubChannel  = "camsync:schedule"
)

// url schemes for our backends
var (
	BackendWSScheme, _   = url.Parse("ws://example.com:8080")
	BackendRESTScheme, _ = url.Parse("http://example.com:8080")
)

// ErrNoBackend is returned when the schedule lists no backend
var ErrNoBackend = errors.New("no backend available")

// Scheduler implements a RESTful API to create viewers, with the same API as
// implemented in the underlying backend servers. It delegates requests to a
// backend and registers new viewers with the viewer registry.
type Scheduler struct {
	store  Storage
	info   *ScheduleInfo
	pool   hostpool.HostPool
	nhost  int
	pubsub *redis.PubSub
	mutex  *sync.RWMutex
	log    zerolog.Logger
}

// SchedulingStrategy enum
type SchedulingStrategy int

// SchedulingStrategy enum values
const (
	// SchedulingStrategyBalance picks backends round robin
	SchedulingStrategyBalance SchedulingStrategy = iota
	// SchedulingStrategyAdaptive prefers the backends that answer fastest
	SchedulingStrategyAdaptive
)

// Backend type for serialisation
type Backend string

// ServerLoad type for serialisation
type ServerLoad float64

// ScheduleInfo defines the message format used by scheduler and orchestrator
type ScheduleInfo struct {
	Backends map[Backend]ServerLoad `json:"backends"`
	Strategy SchedulingStrategy     `json:"strategy"`
}

// NewScheduleInfo creates an empty scheduleinfo message
func NewScheduleInfo() *ScheduleInfo {
	return &ScheduleInfo{make(map[Backend]ServerLoad), SchedulingStrategyBalance}
}

// Hosts returns the backends sorted by name
func (si *ScheduleInfo) Hosts() []string {
	hosts := make([]string, 0, len(si.Backends))
	for h := range si.Backends {
		hosts = append(hosts, string(h))
	}
	sort.Strings(hosts)
	return hosts
}

// NewScheduler creates a runnable scheduler with given registry. A non-nil
// rclient subscribes to the orchestrator schedule updates.
func NewScheduler(rclient *redis.Client, s Storage) *Scheduler {
	sch := &Scheduler{
		store: s,
		info:  NewScheduleInfo(),
		mutex: &sync.RWMutex{},
		log:   log.With().Str("component", "scheduler").Logger(),
	}
	if rclient != nil {
		sch.pubsub = rclient.Subscribe(SchedulePubSubChannel)
	}
	sch.RebuildPool()
	return sch
}

// RebuildPool recreate the backend pool base on current scheduleinfo,
// NOT thread-safe
func (sch *Scheduler) RebuildPool() {
	if sch.pool != nil {
		sch.pool.Close()
	}
	hosts := sch.info.Hosts()
	sch.nhost = len(hosts)
	switch sch.info.Strategy {
	case SchedulingStrategyAdaptive:
		sch.pool = hostpool.NewEpsilonGreedy(hosts, 0, &hostpool.LinearEpsilonValueCalculator{})
	default:
		sch.pool = hostpool.New(hosts)
	}
}

// UpdateSchedule replaces the schedule and the backend pool
func (sch *Scheduler) UpdateSchedule(info *ScheduleInfo) {
	if info.Backends == nil {
		info.Backends = make(map[Backend]ServerLoad)
	}
	sch.mutex.Lock()
	sch.info = info
	sch.RebuildPool()
	sch.mutex.Unlock()
	sch.log.Info().Strs("backends", info.Hosts()).Int("strategy", int(info.Strategy)).Msg("schedule updated")
}

// Schedule returns a copy of the current schedule
func (sch *Scheduler) Schedule() *ScheduleInfo {
	sch.mutex.RLock()
	defer sch.mutex.RUnlock()
	out := &ScheduleInfo{Backends: make(map[Backend]ServerLoad, len(sch.info.Backends)), Strategy: sch.info.Strategy}
	for b, l := range sch.info.Backends {
		out.Backends[b] = l
	}
	return out
}

// NextBackend returns a backend using the current scheduling strategy. The
// caller marks the response with the outcome of its request.
func (sch *Scheduler) NextBackend() (hostpool.HostPoolResponse, error) {
	sch.mutex.RLock()
	defer sch.mutex.RUnlock()
	if sch.nhost == 0 {
		return nil, ErrNoBackend
	}
	return sch.pool.Get(), nil
}

// RunScheduler applies the schedule updates published by the orchestrator
// until ctx is done
func (sch *Scheduler) RunScheduler(ctx context.Context) {
	if sch.pubsub == nil {
		<-ctx.Done()
		return
	}
	defer sch.pubsub.Close()
	ch := sch.pubsub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			var s ScheduleInfo
			if err := json.Unmarshal([]byte(m.Payload), &s); err != nil {
				sch.log.Warn().Err(err).Str("payload", m.Payload).Msg("invalid schedule info")
				continue
			}
			sch.UpdateSchedule(&s)
		case <-ctx.Done():
			return
		}
	}
}

type ctxKey int

const (
	backendKey ctxKey = iota
)

func viewerIDFromPath(p string) string {
	rest := strings.TrimPrefix(p, "/viewer/")
	if rest == p || rest == "" {
		return ""
	}
	return strings.SplitN(rest, "/", 2)[0]
}

// ProxyDirector returns a Director function for the reverseproxy
func (sch *Scheduler) ProxyDirector() func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = BackendRESTScheme.Scheme
		if host, ok := req.Context().Value(backendKey).(string); ok {
			req.URL.Host = host
		} else if rsp, ok := req.Context().Value(backendKey).(hostpool.HostPoolResponse); ok {
			req.URL.Host = rsp.Host()
		}
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}
	}
}

// ViewerRegister returns a ModifyResponse function for the reverseproxy
func (sch *Scheduler) ViewerRegister() func(*http.Response) error {
	return func(rsp *http.Response) error {
		req := rsp.Request
		if hr, ok := req.Context().Value(backendKey).(hostpool.HostPoolResponse); ok {
			hr.Mark(nil)
		}
		if rsp.StatusCode != http.StatusOK {
			return nil
		}
		switch req.Method {
		case http.MethodPost:
			// register the viewer
			b, err := io.ReadAll(rsp.Body)
			if err != nil {
				return err
			}
			if err := rsp.Body.Close(); err != nil {
				return err
			}
			var m server.ViewerCreatedMsg
			if err := json.Unmarshal(b, &m); err != nil {
				return errors.New("Internal error during viewer creation")
			}
			if err := sch.store.Set(m.ViewerID, req.URL.Host); err != nil {
				return err
			}
			sch.log.Info().Str("viewer_id", m.ViewerID).Str("backend", req.URL.Host).Msg("viewer registered")
			// put the original content back
			rsp.Body = io.NopCloser(bytes.NewReader(b))
		case http.MethodDelete:
			if vid := viewerIDFromPath(req.URL.Path); vid != "" {
				if err := sch.store.Del(vid); err != nil {
					sch.log.Warn().Err(err).Str("viewer_id", vid).Msg("failed to deregister viewer")
				}
			}
		}
		return nil
	}
}

// GetProxy returns the reverse proxy http.Handler
func (sch *Scheduler) GetProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director:       sch.ProxyDirector(),
		ModifyResponse: sch.ViewerRegister(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if hr, ok := r.Context().Value(backendKey).(hostpool.HostPoolResponse); ok {
				hr.Mark(err)
			}
			sch.log.Warn().Err(err).Str("backend", r.URL.Host).Msg("backend request failed")
			server.RespondWithError("Backend unavailable.", http.StatusBadGateway, w)
		},
	}
}

// NewSchedulerMux routes viewer creation to the pool and every other viewer
// request to the backend that owns the viewer
func NewSchedulerMux(sch *Scheduler) *mux.Router {
	proxy := sch.GetProxy()
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/viewer", func(w http.ResponseWriter, req *http.Request) {
		hr, err := sch.NextBackend()
		if err != nil {
			server.RespondWithError("No backend available.", http.StatusServiceUnavailable, w)
			return
		}
		proxy.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), backendKey, hr)))
	}).Methods("POST")
	r.HandleFunc("/viewer/{vid}", func(w http.ResponseWriter, req *http.Request) {
		host, err := sch.store.Get(mux.Vars(req)["vid"])
		if errors.Is(err, ErrNotFound) {
			server.RespondWithError(server.ErrInvalidViewerID, http.StatusNotFound, w)
			return
		}
		if err != nil {
			sch.log.Error().Err(err).Msg("viewer lookup failed")
			server.RespondWithError("An internal error occurred.", http.StatusInternalServerError, w)
			return
		}
		proxy.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), backendKey, host)))
	}).Methods("GET", "DELETE")
	r.HandleFunc("/schedule", func(w http.ResponseWriter, req *http.Request) {
		server.RespondWithJSON(sch.Schedule(), http.StatusOK, w)
	}).Methods("GET")
	return r
}
