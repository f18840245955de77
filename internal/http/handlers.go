package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-live/internal/logging"
	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/session"
	"github.com/example/ride-live/internal/storage"
	"github.com/example/ride-live/internal/views"
)

// Session is what the inspection API reads from the live session.
type Session interface {
	views.Store
	OutboxDepth() int
}

// rideWatch is the set of views held open for one ride.
type rideWatch struct {
	status   *views.RideStatusView
	location *views.DriverLocationView
	chat     *views.ChatView
}

func (w *rideWatch) close() {
	w.status.Close()
	w.location.Close()
	w.chat.Close()
}

// Server exposes the live session state over HTTP for operators and
// local debugging.
type Server struct {
	logger     *slog.Logger
	session    Session
	transcript storage.TranscriptStore
	conn       *views.ConnectionView
	mux        *mux.Router

	mu      sync.Mutex
	watches map[int64]*rideWatch
	opening map[int64]struct{}
	closed  bool
}

func NewServer(logger *slog.Logger, s Session, transcript storage.TranscriptStore) *Server {
	if transcript == nil {
		transcript = storage.NewMemoryTranscript()
	}
	srv := &Server{
		logger:     logging.OrDiscard(logger),
		session:    s,
		transcript: transcript,
		conn:       views.NewConnection(s),
		mux:        mux.NewRouter(),
		watches:    make(map[int64]*rideWatch),
		opening:    make(map[int64]struct{}),
	}
	srv.registerMiddleware()
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/connection", s.handleConnection).Methods("GET")
	api.HandleFunc("/connection/reconnect", s.handleReconnect).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/watch", s.handleWatch).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/watch", s.handleUnwatch).Methods("DELETE")
	api.HandleFunc("/rides/{ride_id}", s.handleRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/chat", s.handleChat).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/chat", s.handleSendChat).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/transcript", s.handleTranscript).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Watch opens the ride's status, location and chat views unless they are
// already open. It reports whether a new watch was created.
// The views are opened without holding the lock since opening emits
// upstream; the ride id is reserved first so a concurrent Watch backs off.
func (s *Server) Watch(rideID int64) bool {
	s.mu.Lock()
	_, watched := s.watches[rideID]
	_, busy := s.opening[rideID]
	if watched || busy || s.closed {
		s.mu.Unlock()
		return false
	}
	s.opening[rideID] = struct{}{}
	s.mu.Unlock()

	w := &rideWatch{
		status:   views.OpenRideStatus(s.session, rideID),
		location: views.OpenDriverLocation(s.session, rideID),
		chat:     views.OpenChat(s.session, rideID),
	}

	s.mu.Lock()
	delete(s.opening, rideID)
	closed := s.closed
	if !closed {
		s.watches[rideID] = w
	}
	s.mu.Unlock()
	if closed {
		w.close()
		return false
	}
	s.logger.Info("watching ride", "ride_id", rideID)
	return true
}

// Unwatch closes the ride's views. It reports false when the ride was not
// watched.
func (s *Server) Unwatch(rideID int64) bool {
	s.mu.Lock()
	w, ok := s.watches[rideID]
	delete(s.watches, rideID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	w.close()
	s.logger.Info("stopped watching ride", "ride_id", rideID)
	return true
}

// Close releases every open view.
func (s *Server) Close() {
	s.mu.Lock()
	ws := s.watches
	s.watches = make(map[int64]*rideWatch)
	s.closed = true
	s.mu.Unlock()
	for _, w := range ws {
		w.close()
	}
	s.conn.Close()
}

func (s *Server) watch(rideID int64) (*rideWatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[rideID]
	return w, ok
}

type connectionResponse struct {
	Status      models.ConnectionState `json:"status"`
	Connected   bool                   `json:"connected"`
	OutboxDepth int                    `json:"outboxDepth"`
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectionResponse{
		Status:      s.conn.Status(),
		Connected:   s.conn.IsConnected(),
		OutboxDepth: s.session.OutboxDepth(),
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	err := s.conn.Reconnect(r.Context())
	resp := connectionResponse{Status: s.conn.Status(), Connected: s.conn.IsConnected(), OutboxDepth: s.session.OutboxDepth()}
	if err != nil {
		s.log(r).Warn("reconnect failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	rideID, ok := rideIDFromPath(w, r)
	if !ok {
		return
	}
	status := http.StatusOK
	if s.Watch(rideID) {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"rideId": rideID, "watching": true})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	rideID, ok := rideIDFromPath(w, r)
	if !ok {
		return
	}
	if !s.Unwatch(rideID) {
		http.Error(w, "ride not watched", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rideResponse struct {
	RideID           int64              `json:"rideId"`
	Status           models.RideStatus  `json:"status,omitempty"`
	EstimatedArrival *float64           `json:"estimatedArrival,omitempty"`
	Update           *models.RideUpdate `json:"update,omitempty"`
	Position         *views.Position    `json:"position,omitempty"`
	Stale            bool               `json:"stale"`
}

func (s *Server) handleRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := rideIDFromPath(w, r)
	if !ok {
		return
	}
	rw, ok := s.watch(rideID)
	if !ok {
		http.Error(w, "ride not watched", http.StatusNotFound)
		return
	}
	resp := rideResponse{
		RideID:           rideID,
		Status:           rw.status.Status(),
		EstimatedArrival: rw.status.EstimatedArrival(),
		Stale:            rw.location.IsStale(),
	}
	if u, ok := rw.status.Update(); ok {
		resp.Update = &u
	}
	if p, ok := rw.location.Position(); ok {
		resp.Position = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatResponse struct {
	RideID           int64                `json:"rideId"`
	Messages         []models.ChatMessage `json:"messages"`
	Unread           int                  `json:"unread"`
	OtherPartyTyping bool                 `json:"otherPartyTyping"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	rideID, ok := rideIDFromPath(w, r)
	if !ok {
		return
	}
	rw, ok := s.watch(rideID)
	if !ok {
		http.Error(w, "ride not watched", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		RideID:           rideID,
		Messages:         rw.chat.Messages(),
		Unread:           rw.chat.UnreadCount(),
		OtherPartyTyping: rw.chat.OtherPartyTyping(),
	})
}

type sendChatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	rideID, ok := rideIDFromPath(w, r)
	if !ok {
		return
	}
	rw, ok := s.watch(rideID)
	if !ok {
		http.Error(w, "ride not watched", http.StatusNotFound)
		return
	}
	var req sendChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := rw.chat.Send(req.Message); err != nil {
		if errors.Is(err, session.ErrEmptyMessage) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	rideID, ok := rideIDFromPath(w, r)
	if !ok {
		return
	}
	msgs, err := s.transcript.History(r.Context(), rideID)
	if err != nil {
		s.log(r).Error("transcript read failed", "error", err)
		http.Error(w, "transcript unavailable, request "+requestID(r), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rideId": rideID, "messages": msgs})
}

func rideIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["ride_id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid ride id", 400)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
