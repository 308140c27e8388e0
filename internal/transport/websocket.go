// SPDX-License-Identifier: MIT
//
// Package transport streams spectrum frames to visualization clients
// over WebSocket. The broadcaster samples the analyzer on its own
// clock; the audio thread is never aware clients exist.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	applog "soundcore/internal/log"
)

// DefaultFrameInterval is the broadcast cadence, roughly 30 fps.
const DefaultFrameInterval = 33 * time.Millisecond

// SpectrumSource is what the broadcaster needs from the engine.
type SpectrumSource interface {
	SpectrumBins() int
	SpectrumInto(dest []float32) error
}

// spectrumFrame is the wire format.
type spectrumFrame struct {
	Bins     int       `json:"bins"`
	Spectrum []float32 `json:"spectrum"`
}

// SpectrumServer broadcasts spectrum frames to every connected
// WebSocket client.
type SpectrumServer struct {
	source   SpectrumSource
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	server   *http.Server
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSpectrumServer creates a broadcaster over source. interval <= 0
// selects DefaultFrameInterval.
func NewSpectrumServer(source SpectrumSource, interval time.Duration) *SpectrumServer {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &SpectrumServer{
		source:   source,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local visualization clients; the engine carries no auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
		done:    make(chan struct{}),
	}
}

// HandleWS upgrades a request and registers the client. Exposed as an
// http.HandlerFunc so embedders can mount it on their own mux.
func (s *SpectrumServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Errorf("Transport: websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.mu.Unlock()
	applog.Infof("Transport: client connected (%d total)", count)

	// Drain reads so pings and close frames are processed; any error
	// means the client is gone.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropClient(conn)
				return
			}
		}
	}()
}

func (s *SpectrumServer) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	if !s.clients[conn] {
		s.mu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.mu.Unlock()

	conn.Close()
	applog.Infof("Transport: client disconnected (%d total)", count)
}

// ClientCount returns the number of connected clients.
func (s *SpectrumServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Start listens on addr (e.g. ":8080") with the WebSocket endpoint at
// /ws, and launches the broadcast loop. Non-blocking.
func (s *SpectrumServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	s.server = &http.Server{Addr: addr, Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		applog.Infof("Transport: spectrum websocket on %s/ws", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			applog.Errorf("Transport: websocket server: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.broadcastLoop()
	return nil
}

// StartBroadcast launches only the broadcast loop, for embedders that
// mount HandleWS themselves.
func (s *SpectrumServer) StartBroadcast() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

func (s *SpectrumServer) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	frame := spectrumFrame{
		Bins:     s.source.SpectrumBins(),
		Spectrum: make([]float32, s.source.SpectrumBins()),
	}

	for {
		select {
		case <-ticker.C:
			s.broadcast(&frame)
		case <-s.done:
			return
		}
	}
}

func (s *SpectrumServer) broadcast(frame *spectrumFrame) {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if err := s.source.SpectrumInto(frame.Spectrum); err != nil {
		applog.Errorf("Transport: spectrum read failed: %v", err)
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		applog.Errorf("Transport: frame marshal failed: %v", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.dropClient(conn)
		}
	}
}

// Close stops broadcasting, disconnects all clients, and shuts the
// HTTP server down. Idempotent.
func (s *SpectrumServer) Close() error {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	for conn := range s.clients {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()

	var err error
	if s.server != nil {
		err = s.server.Close()
	}
	s.wg.Wait()
	return err
}
