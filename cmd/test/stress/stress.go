package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/fleetcam/camsync/playback"
	"github.com/fleetcam/camsync/server"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var addr = flag.String("addr", "localhost:8080", "WebSocket address of the server to stress")
var rest = flag.String("restaddr", "localhost:8080", "RESTful API address for the server")
var nViewers = flag.Int("nv", 10, "number of viewers")
var nChannels = flag.Int("nc", 4, "number of channels per viewer")
var src = flag.String("src", "rtsp://camera/stream", "channel source")
var duration = flag.Duration("duration", 30*time.Second, "how long to keep the clients running")

func createViewer(ctx context.Context) (*server.ViewerCreatedMsg, error) {
	req := server.CreateViewerRequest{}
	for i := 0; i < *nChannels; i++ {
		req.Channels = append(req.Channels, playback.Source{URL: fmt.Sprintf("%s/%d", *src, i)})
	}
	b, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+*rest+"/viewer", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	rsp, err := http.DefaultClient.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	var m server.ViewerCreatedMsg
	if err := json.NewDecoder(rsp.Body).Decode(&m); err != nil {
		return nil, err
	}
	if !m.OK {
		return nil, fmt.Errorf("viewer creation refused with status %d", rsp.StatusCode)
	}
	return &m, nil
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	clock := clockwork.NewRealClock()
	opts := playback.SimOptions{
		Duration:           3600,
		LoadDelay:          200 * time.Millisecond,
		TimeUpdateInterval: playback.DefaultTimeUpdateInterval,
	}

	var (
		wg      sync.WaitGroup
		clients []*server.Client
	)
	for i := 0; i < *nViewers; i++ {
		m, err := createViewer(ctx)
		if err != nil {
			log.Fatal().Err(err).Int("n", i).Msg("failed to create viewer")
		}
		c, err := server.Connect(ctx, nil, "ws://"+*addr+"/ws", m.ViewerID, m.Token, clock, opts)
		if err != nil {
			log.Fatal().Err(err).Int("n", i).Msg("failed to connect")
		}
		clients = append(clients, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}
	log.Info().Int("viewers", len(clients)).Int("channels", *nChannels).Msg("clients running")

	<-ctx.Done()
	wg.Wait()

	var (
		ready   int
		alerts  int
		latency time.Duration
	)
	for _, c := range clients {
		ready += c.Ready()
		alerts += len(c.Alerts())
		latency += c.Latency()
	}
	if len(clients) > 0 {
		latency /= time.Duration(len(clients))
	}
	log.Info().
		Int("ready", ready).
		Int("expected", len(clients)**nChannels).
		Int("alerts", alerts).
		Dur("avg_latency", latency).
		Msg("stress run finished")
}
