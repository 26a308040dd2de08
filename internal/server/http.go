package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/odin-realtime/hub/internal/connection"
	"github.com/odin-realtime/hub/internal/metrics"
	"github.com/odin-realtime/hub/internal/protocol"
)

// clientIP resolves the connecting client's address for per-IP rate
// limiting, preferring a proxy-supplied X-Forwarded-For over RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/app", s.handleUpgrade)
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", metrics.Handler(s.promReg))
}

// handleUpgrade accepts a new WebSocket connection, runs admission control
// (spec §4.H / §7: HTTP 503 while shutting down, HTTP 429 over the
// connection-rate limit, and over the capacity threshold an upgrade that is
// closed at once with 1008), resolves connection identity via JWT if auth
// is enabled, registers the socket, and starts its read/write pumps.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.loadMgr.AdmitConnectionRate(clientIP(r)) {
		s.metrics.ConnectionsFailed.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if !s.loadMgr.AdmitConnection() {
		s.metrics.ConnectionsFailed.Inc()
		netConn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		ws.WriteFrame(netConn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "server at capacity")))
		netConn.Close()
		return
	}

	var identity *connIdentity
	if s.cfg.Auth.Enabled && s.jwt != nil {
		claims, err := s.jwt.ConnectIdentity(r)
		if err != nil {
			s.metrics.ConnectionsFailed.Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = &connIdentity{userID: claims.UserID, username: claims.Username, role: claims.Role}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Msg("server: websocket upgrade failed")
		return
	}

	socketID := uuid.NewString()
	c := s.conns.Create(socketID, netConn)
	if identity != nil {
		c.Identity = identity.toConnection()
	}

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	established, _ := protocol.Render(protocol.Out{
		Event: "connection_established",
		Data: protocol.ConnectionEstablished{
			SocketID:        socketID,
			ActivityTimeout: int(s.cfg.Connection.IdleTimeout.Seconds()),
		},
	})
	c.Send(established)

	go s.writePump(c)
	go s.readPump(c)
}

// connIdentity is the HTTP-layer view of a resolved JWT identity, kept
// separate so this package doesn't need to know how the auth package
// structures claims before translating them to connection.Identity.
type connIdentity struct {
	userID, username, role string
}

func (i *connIdentity) toConnection() *connection.Identity {
	return &connection.Identity{UserID: i.userID, Info: map[string]string{"username": i.username, "role": i.role}}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var redis any
	healthy := true
	if s.relay != nil {
		err := s.relay.HealthCheck(r.Context())
		redis = err == nil
		healthy = err == nil
	}

	status := http.StatusOK
	body := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		body = "degraded"
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": body,
		"redis":  redis,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connections":     s.conns.Count(),
		"channels":        s.channels.ChannelCount(),
		"memory_percent":  s.loadMgr.MemoryPercent(),
		"rate_limit_keys": s.limiter.Size(),
		"dedup_keys":      s.dedup.Size(),
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
	})
}
