// Package live serves fused frame summaries to browsers over a websocket.
package live

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// summaries waiting for broadcast; older ones are dropped when full
	queueLen = 16
)

// Server broadcasts summaries to every connected websocket client.
type Server struct {
	logger   logging.Logger
	upgrader websocket.Upgrader
	statusFn func() map[string]any

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
	last    *Summary
	closed  bool

	messages chan Summary
	dropped  uint64

	httpServer              *http.Server
	listener                net.Listener
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewServer returns a server that is not yet listening. statusFn may be nil.
func NewServer(statusFn func() map[string]any, logger logging.Logger) *Server {
	return &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		statusFn: statusFn,
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		messages: make(chan Summary, queueLen),
	}
}

// Handler routes /ws, /healthz and /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on addr and begins broadcasting. Use ":0" for any free port.
func (s *Server) Start(addr string) error {
	if s.httpServer != nil {
		return errors.New("live server already started")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	s.activeBackgroundWorkers.Add(2)
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("live server stopped", "error", err)
		}
	})
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		s.broadcast(ctx)
	})
	s.logger.Infof("live frames on ws://%s/ws", ln.Addr())
	return nil
}

// Addr is the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Publish queues a summary for broadcast without blocking.
func (s *Server) Publish(sum Summary) {
	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()
	select {
	case s.messages <- sum:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Close stops the listener and disconnects every client.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.cancelFunc()
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	s.closed = true
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*sync.Mutex)
	s.mu.Unlock()
	s.activeBackgroundWorkers.Wait()
	s.httpServer = nil
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[conn] = writeMu
	last := s.last
	// added under s.mu so Close never waits on a counter that can still grow
	s.activeBackgroundWorkers.Add(2)
	s.mu.Unlock()

	hello := map[string]any{"type": "hello"}
	if last != nil {
		hello["last"] = last
	}
	_ = s.writeJSON(conn, writeMu, hello)

	done := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	})
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		defer close(done)
		defer s.removeClient(conn)
		for {
			// clients only send pongs and close frames
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.statusFn != nil {
		if st := s.statusFn(); st != nil {
			payload = st
		}
	}
	s.mu.Lock()
	payload["ws_clients"] = len(s.clients)
	payload["ws_dropped"] = s.dropped
	if s.last != nil {
		payload["last"] = s.last
	}
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sum := <-s.messages:
			payload, err := json.Marshal(sum)
			if err != nil {
				continue
			}
			for conn, writeMu := range s.snapshot() {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// snapshot copies the client set so writes happen without s.mu held.
func (s *Server) snapshot() map[*websocket.Conn]*sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for conn, writeMu := range s.clients {
		out[conn] = writeMu
	}
	return out
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Clients is the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
