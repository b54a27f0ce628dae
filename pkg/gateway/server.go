package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/episodic-memory/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	// SecretHeader carries the shared secret on /rpc requests.
	SecretHeader = "X-Episodic-Memory-Secret"

	maxRequestBytes  = 1 << 20
	shutdownTimeout  = 30 * time.Second
	httpClientPrefix = "http:"
)

// Server is the memory tool server.
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	authHandler    *AuthHandler
	broadcaster    *EventBroadcaster
	store          MemoryStore
	ratePerSecond  float64
	burst          int
	maxConcurrent  int
	metrics        bool
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	httpLimitersMu sync.Mutex
	httpLimiters   map[string]*ClientRateLimiter
}

// Config holds server configuration
type Config struct {
	Host string
	// Port 0 picks a free port; see Addr.
	Port          int
	SharedSecret  string
	RatePerSecond float64
	Burst         int
	MaxConcurrent int
	// DisableMetrics drops the /metrics route.
	DisableMetrics bool
	Store          MemoryStore
	Logger         zerolog.Logger
}

// NewServer creates a new tool server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		clients:       clients,
		router:        NewRPCRouter(),
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		broadcaster:   NewEventBroadcaster(clients, logger),
		store:         cfg.Store,
		ratePerSecond: cfg.RatePerSecond,
		burst:         cfg.Burst,
		maxConcurrent: cfg.MaxConcurrent,
		metrics:       !cfg.DisableMetrics,
		logger:        logger,
		httpLimiters:  map[string]*ClientRateLimiter{},
		upgrader: websocket.Upgrader{
			// Loopback tool server; callers are local processes, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if err := s.registerMemoryMethods(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP routes served by the tool server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.metrics {
		mux.Handle("/metrics", observability.MetricsHandler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Bool("auth", s.authHandler.Enabled()).
		Strs("methods", s.router.GetMethods()).
		Msg("Starting tool server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Tool server error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the tool server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down tool server")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	select {
	case <-done:
		s.logger.Debug().Msg("All in-flight requests completed")
	case <-waitCtx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(waitCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Tool server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.ratePerSecond, s.burst, s.maxConcurrent),
		State:        StateConnecting,
	}
	if !s.authHandler.Enabled() {
		client.Authenticated = true
		client.State = StateAuthenticated
	}

	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())
	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send greeting")
		conn.Close()
		s.clients.Remove(clientID)
		observability.SetGatewayClients(s.clients.Count())
		return
	}

	go s.handleClient(client)
}

// greet sends a challenge, or auth.success straight away when no secret is
// configured.
func (s *Server) greet(client *Client) error {
	if !s.authHandler.Enabled() {
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}

	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	s.clients.Update(client, func(c *Client) {
		c.Challenge = challenge
		c.State = StateAuthenticating
	})
	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		client.Conn.Close()
		s.clients.Remove(client.ID)
		observability.SetGatewayClients(s.clients.Count())
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage returns false when the connection should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	allowed, reason := client.RateLimiter.Acquire()
	if !allowed {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		response := s.route(withClientID(context.Background(), client.ID), req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) route(ctx context.Context, req *RPCRequest) *RPCResponse {
	start := time.Now()
	response := s.router.RouteRequest(ctx, req)
	if s.router.HasMethod(req.Method) {
		observability.RecordRPC(req.Method, response.Error == nil)
	}

	event := s.logger.Debug()
	if response.Error != nil {
		event = s.logger.Warn().Int("code", response.Error.Code).Str("error", response.Error.Message)
	}
	event.Str("clientId", ClientIDFromContext(ctx)).
		Str("requestId", req.ID).
		Str("method", req.Method).
		Dur("duration", time.Since(start)).
		Msg("RPC request handled")
	return response
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.authHandler.Enabled() && !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		resp := RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: ParseError, Message: err.Error()}}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	host, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		host = r.RemoteAddr
	}
	limiter := s.httpLimiter(host)
	allowed, reason := limiter.Acquire()
	if !allowed {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		writeJSON(w, http.StatusTooManyRequests, RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: code, Message: reason},
		})
		return
	}
	defer limiter.Release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := withClientID(r.Context(), httpClientPrefix+host)
	writeJSON(w, http.StatusOK, s.route(ctx, req))
}

func (s *Server) httpLimiter(host string) *ClientRateLimiter {
	s.httpLimitersMu.Lock()
	defer s.httpLimitersMu.Unlock()

	limiter, ok := s.httpLimiters[host]
	if !ok {
		limiter = NewClientRateLimiterWithLimits(s.ratePerSecond, s.burst, s.maxConcurrent)
		s.httpLimiters[host] = limiter
	}
	return limiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleAuthMessage returns false once the client has used up its attempts.
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	var result AuthResult
	s.clients.Update(client, func(c *Client) {
		result = s.authHandler.HandleAuthResponse(c, authResp.Signature)
	})

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return true
	}

	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")
	return client.AuthAttempts < maxAuthAttempts
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) int {
	return s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
