// Package status serves a small local HTTP API over the live inventory and
// tunnel sessions, with a websocket stream of tunnel lifecycle events.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/juju/loggo"

	"github.com/redpencil/rpio/internal/discovery"
	"github.com/redpencil/rpio/internal/logging"
	"github.com/redpencil/rpio/internal/metrics"
	"github.com/redpencil/rpio/internal/tunnel"
)

var logger = loggo.GetLogger("rpio.status")

// subscriberBuffer is the number of events queued per websocket client
// before events are dropped for it.
const subscriberBuffer = 64

// Options wires the server to the running components. Any of them may be nil;
// the matching routes then answer 503.
type Options struct {
	Refresher *discovery.Refresher
	Tunnels   *tunnel.Manager
	Metrics   *metrics.Collector
	LogPath   string
}

// Server is the status API.
type Server struct {
	opts Options

	mu   sync.Mutex
	subs map[chan tunnel.Event]struct{}
}

func New(opts Options) *Server {
	return &Server{opts: opts, subs: make(map[chan tunnel.Event]struct{})}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/inventory", s.getInventory)
		r.Post("/inventory/scan", s.scan)
		r.Get("/tunnels", s.listTunnels)
		r.Get("/tunnels/{id}", s.getTunnel)
		r.Delete("/tunnels/{id}", s.closeTunnel)
		r.Get("/events", s.events)
		r.Get("/logs", s.logs)
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	return r
}

// Publish fans an event out to websocket subscribers. It never blocks; slow
// subscribers miss events. It is a tunnel.Listener.
func (s *Server) Publish(ev tunnel.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.Debugf("dropping event for slow subscriber")
		}
	}
}

func (s *Server) subscribe() chan tunnel.Event {
	ch := make(chan tunnel.Event, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan tunnel.Event) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx ends.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	logger.Infof("status API listening on %s", l.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.opts.Tunnels != nil {
		resp["tunnels"] = len(s.opts.Tunnels.Sessions())
	}
	if s.opts.Refresher != nil {
		if res := s.opts.Refresher.Latest(); res != nil {
			resp["last_scan"] = res.StartedAt
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getInventory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery is not running")
		return
	}
	res := s.opts.Refresher.Latest()
	if res == nil {
		writeError(w, http.StatusNotFound, "no scan has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if s.opts.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery is not running")
		return
	}
	// The scan outlives a client that disconnects; each probe has its own timeout.
	res, err := s.opts.Refresher.Refresh(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "no tunnel manager")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Tunnels.Sessions())
}

func (s *Server) getTunnel(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "no tunnel manager")
		return
	}
	h, ok := s.opts.Tunnels.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshot())
}

func (s *Server) closeTunnel(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, "no tunnel manager")
		return
	}
	h, ok := s.opts.Tunnels.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Tunnels.Close(h))
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warningf("websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Clients only listen; CloseRead ends ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				logger.Debugf("websocket write: %v", err)
				return
			}
		}
	}
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	path := s.opts.LogPath
	if path == "" {
		path = logging.Path()
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "file logging is disabled")
		return
	}
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		n = min(parsed, 5000)
	}
	text, err := logging.ReadTail(path, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}
