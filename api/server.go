// Package api exposes an optional HTTP/WebSocket admin surface over a
// running Core: sending messages, inspecting known peers, and a live push
// feed of delivered messages. Grounded on dtn7-go's agent.RestAgent
// (gorilla/mux routing, JSON request/response structs) and
// agent.WebsocketAgent (gorilla/websocket upgrade + broadcast loop).
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/clubmesh/overlay/peerstore"
	"github.com/clubmesh/overlay/transport"
)

// Server is the admin HTTP surface for a Core. It serves a small REST API
// for sending messages and inspecting peers, plus a WebSocket endpoint that
// pushes every message delivered to the local application.
type Server struct {
	core  *transport.Core
	peers *peerstore.Store

	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server

	subscribersMu sync.Mutex
	subscribers   map[*websocket.Conn]struct{}
}

// NewServer builds the router for a Server bound to core. peers may be nil
// if no peer store is configured.
func NewServer(core *transport.Core, peers *peerstore.Store) *Server {
	s := &Server{
		core:        core,
		peers:       peers,
		router:      mux.NewRouter(),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subscribers: make(map[*websocket.Conn]struct{}),
	}

	s.router.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)

	return s
}

// ListenAndServe starts the HTTP server on addr. It blocks until the
// server stops or errors.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s.http.ListenAndServe()
}

// Close shuts down the HTTP server.
func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

// sendRequest is the JSON body of a POST /send.
type sendRequest struct {
	Targets     []string `json:"targets"`
	Reliability string   `json:"reliability"`
	UserID      uint64   `json:"user_id"`
	Payload     []byte   `json:"payload"`
}

type sendResponse struct {
	Error string `json:"error,omitempty"`
	SN    uint32 `json:"sn,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	var resp sendResponse

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
		s.writeJSON(w, resp)
		return
	}

	targets := make([]uuid.UUID, 0, len(req.Targets))
	for _, idStr := range req.Targets {
		id, err := uuid.Parse(idStr)
		if err != nil {
			resp.Error = "invalid target id: " + idStr
			s.writeJSON(w, resp)
			return
		}
		targets = append(targets, id)
	}

	var m *transport.Message
	switch req.Reliability {
	case "reliable":
		m = s.core.BroadcastReliable(req.Payload, targets)
	case "unreliable", "":
		m = s.core.BroadcastUnreliable(req.UserID, req.Payload, targets)
	default:
		resp.Error = "unknown reliability: " + req.Reliability
		s.writeJSON(w, resp)
		return
	}

	if err := s.core.Flush(); err != nil {
		log.WithError(err).Warn("Flush reported delivery problems after admin send")
	}

	resp.SN = uint32(m.SN)
	s.writeJSON(w, resp)
}

type peerResponse struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	var resp []peerResponse
	if s.peers != nil {
		recs, err := s.peers.All()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, rec := range recs {
			resp = append(resp, peerResponse{ID: rec.ID.String(), Address: rec.Address, LastSeen: rec.LastSeen})
		}
	}
	s.writeJSON(w, resp)
}

// pushMessage is the JSON frame written to every WebSocket subscriber for
// each message Core delivers to the local application.
type pushMessage struct {
	Source      string `json:"source"`
	Reliability string `json:"reliability"`
	Payload     []byte `json:"payload"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket failed")
		return
	}

	s.subscribersMu.Lock()
	s.subscribers[conn] = struct{}{}
	s.subscribersMu.Unlock()

	// Drain and discard anything the client sends; its only job here is to
	// receive pushes until it disconnects.
	go func() {
		defer func() {
			s.subscribersMu.Lock()
			delete(s.subscribers, conn)
			s.subscribersMu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes a delivered message to every connected WebSocket
// subscriber. Wire this into transport.NewCore's ReceiveFunc.
func (s *Server) Broadcast(source uuid.UUID, reliability transport.Reliability, bytes []byte) {
	msg := pushMessage{Source: source.String(), Reliability: reliability.String(), Payload: bytes}
	encoded, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Warn("Failed to encode push message")
		return
	}

	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for conn := range s.subscribers {
		if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
			log.WithError(err).Debug("Dropping unresponsive WebSocket subscriber")
			delete(s.subscribers, conn)
			_ = conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write JSON response")
	}
}
