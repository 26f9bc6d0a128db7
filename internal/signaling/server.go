package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// recordEvent is one frame on a record watch socket.
type recordEvent struct {
	Record  *CallRecord `json:"record,omitempty"`
	Deleted bool        `json:"deleted,omitempty"`
}

// Server exposes a Store over HTTP, with watch streams pushed over
// WebSocket. It is the signald process's core.
//
//	POST   /v1/calls                           create channel
//	GET    /v1/calls/{id}                      fetch record
//	POST   /v1/calls/{id}/answer               set answer (409 when taken)
//	DELETE /v1/calls/{id}                      delete channel
//	POST   /v1/calls/{id}/candidates/{role}    append candidate (verbatim body)
//	GET    /v1/calls/{id}/watch                record stream (WS)
//	GET    /v1/calls/{id}/candidates/{role}/watch  candidate stream (WS)
type Server struct {
	store    Store
	token    string
	mux      *http.ServeMux
	listener net.Listener
}

// NewServer wraps the given store. A non-empty token is required from every
// client as the "token" query parameter.
func NewServer(store Store, token string) *Server {
	s := &Server{store: store, token: token, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /v1/calls", s.auth(s.handleCreate))
	s.mux.HandleFunc("GET /v1/calls/{id}", s.auth(s.handleGet))
	s.mux.HandleFunc("POST /v1/calls/{id}/answer", s.auth(s.handleAnswer))
	s.mux.HandleFunc("DELETE /v1/calls/{id}", s.auth(s.handleDelete))
	s.mux.HandleFunc("POST /v1/calls/{id}/candidates/{role}", s.auth(s.handleAppend))
	s.mux.HandleFunc("GET /v1/calls/{id}/watch", s.auth(s.handleWatchChannel))
	s.mux.HandleFunc("GET /v1/calls/{id}/candidates/{role}/watch", s.auth(s.handleWatchCandidates))

	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins listening on addr (":0" picks a random port) and serves in
// the background. Returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener

	go func() {
		_ = http.Serve(listener, s.mux)
	}()

	return listener.Addr(), nil
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.URL.Query().Get("token") != s.token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Record operations
// ---------------------------------------------------------------------------

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Offer     SessionDescription `json:"offer"`
		CreatedBy string             `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	id, err := s.store.CreateChannel(r.Context(), req.Offer, req.CreatedBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	util.LogDebug("channel %s created by %s", id, req.CreatedBy)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer     SessionDescription `json:"answer"`
		AnsweredBy string             `json:"answeredBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	err := s.store.SetAnswer(r.Context(), r.PathValue("id"), req.Answer, req.AnsweredBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChannel(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	util.LogDebug("channel %s deleted", r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	role := Role(r.PathValue("role"))
	if !role.Valid() {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16*1024))
	if err != nil || !json.Valid(payload) {
		http.Error(w, "malformed candidate payload", http.StatusBadRequest)
		return
	}

	if err := s.store.AppendCandidate(r.Context(), r.PathValue("id"), role, payload); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		http.Error(w, "channel not found", http.StatusNotFound)
	case errors.Is(err, ErrAlreadyAnswered):
		http.Error(w, "channel already answered", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---------------------------------------------------------------------------
// Watch streams
// ---------------------------------------------------------------------------

func (s *Server) handleWatchChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Reject unknown channels before the upgrade so clients see a plain 404.
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Callbacks run on the store's dispatch goroutine; a blocking send here
	// stalls only this subscriber's queue. closed releases a blocked
	// callback once the handler is gone.
	events := make(chan recordEvent, 16)
	closed := make(chan struct{})
	stop, err := s.store.WatchChannel(r.Context(), id, func(rec *CallRecord) {
		select {
		case events <- recordEvent{Record: rec, Deleted: rec == nil}:
		case <-closed:
		}
	})
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "channel not found"))
		return
	}
	defer stop()
	defer close(closed)

	// Read loop exists only to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Deleted {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handleWatchCandidates(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	role := Role(r.PathValue("role"))
	if !role.Valid() {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	// Reject unknown channels before the upgrade so clients see a plain 404.
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	payloads := make(chan json.RawMessage, 16)
	closed := make(chan struct{})
	stop, err := s.store.WatchCandidates(r.Context(), id, role, func(p json.RawMessage) {
		select {
		case payloads <- p:
		case <-closed:
		}
	})
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "channel not found"))
		return
	}
	defer stop()
	defer close(closed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case p := <-payloads:
			if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
