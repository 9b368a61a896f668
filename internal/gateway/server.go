// Package gateway is the WebSocket edge: it upgrades connections, pumps
// frames, dispatches client events to the engines, and fans engine output
// back to the room locally and across instances through the bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watchsync-server/internal/auth"
	"watchsync-server/internal/bus"
	"watchsync-server/internal/chat"
	"watchsync-server/internal/clock"
	"watchsync-server/internal/config"
	"watchsync-server/internal/limits"
	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/playback"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/session"
	"watchsync-server/internal/store"
	"watchsync-server/internal/voice"
)

// Time allowed for a single write to the peer.
const writeWait = 5 * time.Second

// Engines groups the domain dependencies the gateway dispatches into.
type Engines struct {
	Session  *session.Engine
	Playback *playback.Engine
	Voice    *voice.Relay
	Chat     *chat.Pipeline
}

type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	instanceID string

	store   *store.Store
	bus     bus.Bus
	auth    *auth.Manager
	clk     clock.Clock
	engines Engines

	registry *registry

	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard
	auditLogger           *monitoring.AuditLogger

	listener   net.Listener
	httpServer *http.Server

	clients     sync.Map // map[*Client]struct{}
	clientCount int64

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
	startTime    time.Time
}

func NewServer(cfg *config.Config, st *store.Store, eventBus bus.Bus, authMgr *auth.Manager, clk clock.Clock, engines Engines, audit *monitoring.AuditLogger, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "gateway").Logger(),
		instanceID:  uuid.NewString(),
		store:       st,
		bus:         eventBus,
		auth:        authMgr,
		clk:         clk,
		engines:     engines,
		registry:    newRegistry(),
		auditLogger: audit,
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}

	s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnRateIPBurst,
		IPRate:      cfg.ConnRateIPPerSec,
		GlobalBurst: cfg.ConnRateGlobalBurst,
		GlobalRate:  cfg.ConnRateGlobal,
		Logger:      logger,
	})
	s.resourceGuard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		Logger:             logger,
	})

	s.logger.Info().
		Str("instance_id", s.instanceID).
		Str("addr", cfg.Addr()).
		Int("max_connections", cfg.MaxConnections).
		Msg("Gateway initialized")
	return s
}

// InstanceID returns the random id this instance stamps on bus envelopes.
func (s *Server) InstanceID() string { return s.instanceID }

// SetEngines wires the domain engines in after construction. The gateway is
// both their transport and their fan-out sink, so it has to exist first.
// Must be called before Start.
func (s *Server) SetEngines(engines Engines) { s.engines = engines }

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.resourceGuard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)

	s.logger.Info().Str("address", s.cfg.Addr()).Msg("Gateway listening")
	s.auditLogger.Record("server_started", "sync server started", map[string]any{
		"addr":            s.cfg.Addr(),
		"instance_id":     s.instanceID,
		"max_connections": s.cfg.MaxConnections,
	})
	return nil
}

// Shutdown drains connections for up to 30 seconds, then force-closes the
// remainder.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	gracePeriod := 30 * time.Second
	drainTimer := time.NewTimer(gracePeriod)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := s.resourceGuard.Connections()
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-checkTicker.C:
			remaining := s.resourceGuard.Connections()
			if remaining == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
			s.logger.Info().
				Int64("remaining_connections", remaining).
				Msg("Waiting for connections to drain")
		}
	}

	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			s.disconnectClient(client, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
		}
		return true
	})

	s.cancel()
	s.connectionRateLimiter.Stop()
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// handleWebSocket admits and upgrades one connection, then starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPFrom(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	if !s.connectionRateLimiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.resourceGuard.ShouldAccept(); !accept {
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).
			Msg("Connection rejected by resource guard")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	// Identity resolves before the upgrade; an invalid token fails the
	// HTTP request rather than a connected socket.
	var userID, displayName string
	if token := auth.ExtractToken(r); token != "" {
		claims, err := s.auth.Verify(token)
		if err != nil {
			s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("Rejected invalid bearer token")
			monitoring.ConnectionsFailed.Inc()
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		userID = claims.UserID
		displayName = claims.DisplayName
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:          atomic.AddInt64(&s.clientCount, 1),
		socketID:    uuid.NewString(),
		conn:        conn,
		server:      s,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		userID:      userID,
		displayName: displayName,
		connectedAt: time.Now(),
	}

	s.clients.Store(client, struct{}{})
	s.resourceGuard.ConnectionOpened()
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	s.logger.Info().
		Str("client_ip", clientIP).
		Int64("client_id", client.id).
		Str("socket_id", client.socketID).
		Bool("guest", userID == "").
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)
}

// disconnectClient tears a connection down exactly once: room and voice
// cleanup cascade first, then socket close and metrics.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string) {
	c.closeOnce.Do(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()

		s.leaveRoom(ctx, c, reason)

		s.clients.Delete(c)
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}

		s.resourceGuard.ConnectionClosed()
		monitoring.ConnectionsActive.Dec()
		monitoring.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()

		s.logger.Info().
			Int64("client_id", c.id).
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("session_duration", time.Since(c.connectedAt)).
			Msg("Client disconnected")
	})
}

// leaveRoom runs the full membership cleanup cascade for a client, safe to
// call when the client never joined a room.
func (s *Server) leaveRoom(ctx context.Context, c *Client, reason string) {
	roomID, participant := c.session()
	if participant == nil {
		return
	}

	if c.isInVoice() {
		if err := s.engines.Voice.Leave(ctx, roomID, participant.Handle); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Voice cleanup failed on leave")
		}
	}

	if err := s.engines.Session.Leave(ctx, roomID, participant.Handle, c.socketID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Session cleanup failed on leave")
	}

	c.setSession("", nil)
	if sub := s.registry.remove(roomID, participant.Handle, c); sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Failed to unsubscribe room bus subject")
		}
	}

	s.Broadcast(ctx, roomID, protocol.EventParticipantLeft, participantLeftPayload{
		Handle: participant.Handle,
		Reason: reason,
	})
	s.engines.Chat.SystemNotice(ctx, roomID, "leave", fmt.Sprintf("%s left the room", participant.DisplayName))
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	redisOK := s.store.HealthCheck(r.Context()) == nil
	if !redisOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"instance_id":    s.instanceID,
		"uptime_sec":     int64(time.Since(s.startTime).Seconds()),
		"connections":    s.resourceGuard.Connections(),
		"redis_ok":       redisOK,
		"bus_connected":  s.bus.Connected(),
		"tracked_ips":    s.connectionRateLimiter.TrackedIPs(),
	})
}

// clientIPFrom extracts the client IP, preferring X-Forwarded-For when the
// server sits behind a proxy.
func clientIPFrom(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
