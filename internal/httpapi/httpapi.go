// Package httpapi exposes the bridge's local REST API: device snapshots,
// PTZ dispatch, status, and a WebSocket feed of device change events.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pentavision/pentavisiond/internal/core/auth"
	"github.com/pentavision/pentavisiond/internal/core/client"
	"github.com/pentavision/pentavisiond/internal/core/ptz"
	"github.com/pentavision/pentavisiond/internal/core/pverr"
	"github.com/pentavision/pentavisiond/internal/core/state"
)

// Sessions exposes the session state for the status endpoint.
type Sessions interface {
	Current() auth.Info
}

// Tunnel is the subset of the Video Tunnel API the local surface proxies.
type Tunnel interface {
	Status(ctx context.Context) (client.ServerStatus, error)
	Snapshot(ctx context.Context, id string) ([]byte, error)
}

// Commander dispatches validated PTZ commands.
type Commander interface {
	Dispatch(ctx context.Context, req ptz.CommandRequest) ([]byte, error)
}

// PollStats exposes poll loop counters.
type PollStats interface {
	SkippedCycles() uint64
}

// Server is the local HTTP API server.
type Server struct {
	store    *state.DeviceStore
	bus      *state.EventBus
	sessions Sessions
	tunnel   Tunnel
	cmd      Commander
	poll     PollStats
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server.
func NewServer(
	store *state.DeviceStore,
	bus *state.EventBus,
	sessions Sessions,
	tunnel Tunnel,
	cmd Commander,
	poll PollStats,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		store:    store,
		bus:      bus,
		sessions: sessions,
		tunnel:   tunnel,
		cmd:      cmd,
		poll:     poll,
		corsAll:  corsAll,
		log:      log,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return corsAll },
		},
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/snapshot", s.handleGetSnapshot)
	s.mux.HandleFunc("POST /api/ptz", s.handlePTZ)
	s.mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	Session       auth.Info            `json:"session"`
	DeviceCount   int                  `json:"device_count"`
	SkippedCycles uint64               `json:"skipped_cycles"`
	Server        *client.ServerStatus `json:"server,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session:       s.sessions.Current(),
		DeviceCount:   len(s.store.Snapshot()),
		SkippedCycles: s.poll.SkippedCycles(),
	}

	// Server counters are best-effort; the local status answer must not
	// depend on the remote end being up.
	if st, err := s.tunnel.Status(r.Context()); err == nil {
		resp.Server = &st
	}

	s.writeJSON(w, resp)
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Snapshot())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.writeJSON(w, d)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	img, err := s.tunnel.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, statusForError(err), "snapshot failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img)
}

func (s *Server) handlePTZ(w http.ResponseWriter, r *http.Request) {
	var req ptz.CommandRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	ack, err := s.cmd.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(ack) == 0 {
		ack = []byte(`{"status":"ok"}`)
	}
	w.Write(ack)
}

// statusForError maps client error kinds onto local HTTP codes.
func statusForError(err error) int {
	switch kind, _ := pverr.KindOf(err); kind {
	case pverr.KindValidation:
		return http.StatusBadRequest
	case pverr.KindAuth:
		return http.StatusBadGateway
	case pverr.KindConnectivity, pverr.KindTransient:
		return http.StatusBadGateway
	case pverr.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- WebSocket event feed ---

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams device change events to the client as JSON frames
// until the client goes away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(128)
	defer unsub()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.log.Debug("websocket subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case evt := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed, dropping subscriber", "error", err)
				return
			}
		}
	}
}
