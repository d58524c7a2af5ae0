package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// RoundReport summarizes one Synchrotron round for live observers.
type RoundReport struct {
	RunID          string   `json:"run_id"`
	Protocol       string   `json:"protocol"`
	Round          uint16   `json:"round"`
	Chosen         bool     `json:"chosen"`
	Values         []uint8  `json:"values"`
	CompletionSlot uint16   `json:"completion_slot"`
	OffSlot        uint16   `json:"off_slot"`
	FlagCounts     []int    `json:"flag_counts"`
	Leaders        []int    `json:"leaders,omitempty"`
}

// Server streams round reports to WebSocket clients.
type Server struct {
	address  string
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mu       sync.Mutex
	quit     chan bool
}

// NewServer creates a monitor server listening on the given address.
func NewServer(address string) *Server {
	return &Server{
		address: address,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // simulation tool, any origin may watch
			},
		},
		clients: make(map[*websocket.Conn]bool),
		quit:    make(chan bool),
	}
}

// Start starts serving in a background goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	go func() {
		log.Printf("Monitor listening on %s\n", s.address)
		log.Printf("Monitor endpoint: ws://%s/ws\n", s.address)
		if err := http.ListenAndServe(s.address, mux); err != nil {
			log.Printf("Monitor server stopped: %v\n", err)
		}
	}()
}

// handleWebSocket registers a new observer connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v\n", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	total := len(s.clients)
	s.mu.Unlock()

	log.Printf("Observer connected from %s (Total observers: %d)\n", conn.RemoteAddr(), total)

	// Drain control frames until the observer leaves.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a round report to every connected observer.
func (s *Server) Broadcast(report RoundReport) {
	data, err := json.Marshal(report)
	if err != nil {
		log.Printf("Failed to encode round report: %v\n", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("Error broadcasting to observer: %v\n", err)
			client.Close()
			delete(s.clients, client)
		}
	}
}

// Stop closes every observer connection.
func (s *Server) Stop() {
	close(s.quit)
	s.mu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()
}

// ObserverCount returns the number of connected observers.
func (s *Server) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
