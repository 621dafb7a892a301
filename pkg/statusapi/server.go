package statusapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// StatusProvider is called on every GET /api/v1/status request to produce a
// fresh snapshot. The demo binary supplies this from its own engine
// goroutine rather than statusapi reaching into engine state directly.
type StatusProvider func() NodeStatus

// Server serves the read-only status REST routes and the decision/delivery
// WebSocket feed.
type Server struct {
	router   *mux.Router
	hub      *Hub
	provider StatusProvider
}

// NewServer builds a Server that reports snapshots from provider.
func NewServer(provider StatusProvider) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		hub:      NewHub(),
		provider: provider,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub loop and serves addr. It blocks until the listener
// fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	handler := c.Handler(s.router)

	log.Printf("[statusapi] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.provider())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// BroadcastDecision pushes a decision event to every subscriber of the
// "decisions" channel.
func (s *Server) BroadcastDecision(ev DecisionEvent) {
	ev.Type = "decision"
	s.hub.BroadcastToChannel("decisions", ev)
}

// BroadcastDelivered pushes a delivery event to every subscriber of the
// "delivered" channel.
func (s *Server) BroadcastDelivered(ev DeliveredEvent) {
	ev.Type = "delivered"
	s.hub.BroadcastToChannel("delivered", ev)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errStr, Message: message})
}
