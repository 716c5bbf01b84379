// Package server exposes the event feed over WebSocket together with a small
// HTTP API for sending messages to agents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/troupe/internal/observability"
	"github.com/harun/troupe/internal/tracing"
	"github.com/harun/troupe/pkg/agent"
	"github.com/harun/troupe/pkg/events"
	"github.com/harun/troupe/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	clientQueueSize = 256
	writeWait       = 10 * time.Second
	maxBodySize     = 1 << 20
)

// Server serves the event feed and agent API.
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	broadcaster    *EventBroadcaster
	unsubscribe    func()
	directory      *agent.Directory
	history        session.Store
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightRuns   sync.WaitGroup
	clientWG       sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host       string
	Port       int
	Dispatcher *events.Dispatcher
	Directory  *agent.Directory
	History    session.Store
	Logger     zerolog.Logger
}

// NewServer creates a server and subscribes it to every dispatcher event.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history store is required")
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "server").Logger()
	clients := NewClientRegistry()
	broadcaster := NewEventBroadcaster(clients, logger)

	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		clients:     clients,
		broadcaster: broadcaster,
		directory:   cfg.Directory,
		history:     cfg.History,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.unsubscribe = cfg.Dispatcher.SubscribeAll(broadcaster.HandleEvent)

	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /agents/{id}/messages", s.handleSend)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting event server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Event server error")
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop unsubscribes from the dispatcher, waits for runs started over HTTP and
// closes every client.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down event server")

	done := make(chan struct{})
	go func() {
		s.inFlightRuns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight runs completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.unsubscribe()

	for _, client := range s.clients.GetAll() {
		s.disconnect(client)
	}
	s.clientWG.Wait()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Event server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// admitRun counts a new run unless Stop has begun.
func (s *Server) admitRun() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlightRuns.Add(1)
	return true
}

// handleWebSocket upgrades a feed client. ?agent=<id> limits the feed to one
// agent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	filter := r.URL.Query().Get("agent")
	if filter != "" {
		if err := session.ValidateAgentID(filter); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		AgentFilter: filter,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
		send:        make(chan []byte, clientQueueSize),
		done:        make(chan struct{}),
	}

	// Registration and the WaitGroup add happen under the shutdown lock so
	// Stop either sees this client or refuses it.
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"))
		conn.Close()
		return
	}
	s.clients.Add(client)
	s.clientWG.Add(2)
	s.shutdownMu.RUnlock()
	observability.AddFeedClient(1)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Str("agent", filter).
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)
}

// writePump owns every write to the connection.
func (s *Server) writePump(client *Client) {
	defer s.clientWG.Done()
	defer client.Conn.Close()

	for {
		select {
		case <-client.done:
			s.flush(client)
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to write event")
				s.disconnect(client)
				return
			}
		}
	}
}

// flush writes whatever is still queued, best effort.
func (s *Server) flush(client *Client) {
	for {
		select {
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump drains client frames until the connection closes. The feed is
// one-way; incoming messages are ignored.
func (s *Server) readPump(client *Client) {
	defer s.clientWG.Done()
	defer s.disconnect(client)

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (s *Server) disconnect(client *Client) {
	if !s.clients.Remove(client.ID) {
		return
	}
	close(client.done)
	observability.AddFeedClient(-1)
	s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	ids := s.directory.IDs()
	agents := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		runner, ok := s.directory.Get(id)
		if !ok {
			continue
		}
		agents = append(agents, AgentInfo{ID: id, Model: runner.Model(), Busy: runner.Busy()})
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := s.directory.Get(agentID); !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown agent %q", agentID)})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	turns, err := s.history.LoadHistory(r.Context(), agentID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Failed to load history")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load history"})
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

// handleSend starts a run and returns immediately. Progress and the outcome,
// including a busy rejection, arrive on the feed.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
		return
	}

	agentID := r.PathValue("id")
	runner, ok := s.directory.Get(agentID)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown agent %q", agentID)})
		return
	}

	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "message is required"})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.CloneContext(tracing.WithTraceID(r.Context(), traceID))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("agent_id", agentID).Msg("Received message over HTTP")

	if !s.admitRun() {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
		return
	}
	go func() {
		defer s.inFlightRuns.Done()
		if err := runner.Run(ctx, req.Message); err != nil {
			logger.Error().Err(err).Str("agent_id", agentID).Msg("Run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, SendResponse{AgentID: agentID, TraceID: traceID})
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
