// Package wsingress implements the WebSocket ingress (C6) of spec.md
// §4.6: accepts upgrades, runs the Auth/Register handshake, binds the
// resulting Session into the Registry, and supervises it until
// teardown. Grounded in the teacher's TunnelProxy.handleTunnel
// (apps/gateway/src/tunnel.go), generalized from "allow all origins,
// token is the auth mechanism" to the spec's protocol-token + origin
// allowlist + identity-proof handshake.
package wsingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/identity"
	"github.com/kloudcover/anywhere-mesh/internal/meshmetrics"
	"github.com/kloudcover/anywhere-mesh/internal/registry"
	"github.com/kloudcover/anywhere-mesh/internal/session"
)

// ProtocolToken is the required Sec-WebSocket-Protocol value, per
// spec.md §6.
const ProtocolToken = "mesh-v1"

var hostnameLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// Config bounds one Ingress's handshake and limits.
type Config struct {
	OriginAllowlist   []string // empty = allow all, per spec.md §6
	HandshakeTimeout  time.Duration
	VerifyTimeout     time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	MaxConnections    int // MAX_CONNECTIONS, spec.md §5/§6; 0 = unbounded
	Limits            frame.Limits
}

// DefaultConfig returns the defaults named in spec.md §4.4/§5/§6.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		VerifyTimeout:    5 * time.Second,
		IdleTimeout:      60 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      20 * time.Second,
		MaxConnections:   10000,
		Limits:           frame.DefaultLimits(),
	}
}

// Ingress accepts WebSocket upgrades and drives them through the
// handshake into a registered, supervised Session.
type Ingress struct {
	cfg      Config
	verifier identity.Verifier
	reg      *registry.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// liveConns counts accepted-but-not-yet-torn-down connections, from
	// a successful upgrade in ServeHTTP through supervise's return
	// — independent of Registry.Len, which only counts sessions that
	// finished the handshake. This is what lets the cap be enforced "at
	// accept" (spec.md §5/§6) rather than only against registered peers.
	liveConns atomic.Int64
}

// New constructs an Ingress.
func New(cfg Config, verifier identity.Verifier, reg *registry.Registry, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	ing := &Ingress{cfg: cfg, verifier: verifier, reg: reg, logger: logger}
	ing.upgrader = websocket.Upgrader{
		ReadBufferSize:    16384,
		WriteBufferSize:   16384,
		Subprotocols:      []string{ProtocolToken},
		EnableCompression: false,
		CheckOrigin:       ing.checkOrigin,
	}
	return ing
}

// checkOrigin implements spec.md §4.6 point 1's origin-allowlist check.
// An empty allowlist means allow all, matching the configuration default.
func (ing *Ingress) checkOrigin(r *http.Request) bool {
	if len(ing.cfg.OriginAllowlist) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, pattern := range ing.cfg.OriginAllowlist {
		if matchGlob(pattern, origin) {
			return true
		}
	}
	return false
}

// matchGlob matches an Origin against a path.Match-style glob pattern
// (the same convention identity.HMACVerifier uses for its principal
// allowlist), lowercased first so "HTTPS://Foo.Example.COM" matches a
// "https://*.example.com" pattern.
func matchGlob(pattern, value string) bool {
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(value))
	return err == nil && ok
}

// ServeHTTP implements http.Handler, so an Ingress can be mounted
// directly on the dedicated WebSocket port.
func (ing *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !hasProtocolToken(r) {
		http.Error(w, "missing or unsupported Sec-WebSocket-Protocol", http.StatusBadRequest)
		return
	}

	if ing.cfg.MaxConnections > 0 && ing.liveConns.Load() >= int64(ing.cfg.MaxConnections) {
		ing.logger.Warn("rejecting connection, MAX_CONNECTIONS reached", "max_connections", ing.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := ing.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ing.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	ing.liveConns.Add(1)
	go ing.supervise(conn, r)
}

func hasProtocolToken(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == ProtocolToken {
			return true
		}
	}
	return false
}

// wsConn adapts *websocket.Conn to session.Conn, framing every message
// as a text frame per spec.md §6's "UTF-8 JSON object".
type wsConn struct{ conn *websocket.Conn }

func (c wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c wsConn) Close() error { return c.conn.Close() }

// supervise runs the handshake and, on success, the Session's full
// lifetime, unbinding it from the Registry on teardown. Grounded in the
// teacher's per-connection defer/cleanup shape in handleTunnel.
func (ing *Ingress) supervise(conn *websocket.Conn, r *http.Request) {
	defer conn.Close()
	defer ing.liveConns.Add(-1)

	sessionID := uuid.NewString()
	logger := ing.logger.With("session_id", sessionID, "remote_addr", r.RemoteAddr)

	handshakeCtx, cancel := context.WithTimeout(context.Background(), ing.cfg.HandshakeTimeout)
	defer cancel()

	sess, hostname, err := ing.handshake(handshakeCtx, sessionID, conn, logger)
	if err != nil {
		meshmetrics.ObserveHandshake("failed")
		logger.Info("handshake did not complete", "error", err)
		return
	}
	meshmetrics.ObserveHandshake("succeeded")

	logger.Info("session registered", "hostname", hostname)
	sess.Run(context.Background())
	ing.reg.Unbind(hostname, sess)
	logger.Info("session unregistered", "hostname", hostname)
}

// handshake drives Auth -> Register per spec.md §4.6 points 3-8. On
// success it returns a Session already bound into the Registry;
// the caller is responsible for calling sess.Run and later Unbind.
func (ing *Ingress) handshake(ctx context.Context, sessionID string, conn *websocket.Conn, logger *slog.Logger) (*session.Session, string, error) {
	conn.SetReadDeadline(time.Now().Add(ing.cfg.HandshakeTimeout))

	authFrame, err := ing.readFrame(conn)
	if err != nil {
		return nil, "", fmt.Errorf("reading auth frame: %w", err)
	}
	if authFrame.Kind != frame.KindAuth {
		ing.sendBye(conn, "ProtocolError")
		return nil, "", fmt.Errorf("expected auth frame, got %q", authFrame.Kind)
	}

	verifyCtx, verifyCancel := context.WithTimeout(ctx, ing.cfg.VerifyTimeout)
	principal, err := ing.verifier.Verify(verifyCtx, authFrame.Proof)
	verifyCancel()
	if err != nil {
		ing.sendFrame(conn, frame.AuthFail(err.Error()))
		return nil, "", fmt.Errorf("verifying proof: %w", err)
	}
	ing.sendFrame(conn, frame.AuthOk(principal.ID))

	registerFrame, err := ing.readFrame(conn)
	if err != nil {
		return nil, "", fmt.Errorf("reading register frame: %w", err)
	}
	if registerFrame.Kind != frame.KindRegister {
		ing.sendBye(conn, "ProtocolError")
		return nil, "", fmt.Errorf("expected register frame, got %q", registerFrame.Kind)
	}

	hostname := strings.ToLower(registerFrame.Hostname)
	if !hostnameLabel.MatchString(hostname) {
		ing.sendFrame(conn, frame.RegisterFail("InvalidHostname"))
		return nil, "", fmt.Errorf("invalid hostname %q", hostname)
	}

	liveness := session.Liveness{
		PingInterval: ing.cfg.PingInterval,
		PingTimeout:  ing.cfg.PingTimeout,
		IdleMax:      ing.cfg.IdleTimeout,
	}
	sess := session.New(sessionID, principal.ID, wsConn{conn: conn}, ing.cfg.Limits, liveness, logger)
	sess.MarkRegistered(hostname, registerFrame.ServiceName, registerFrame.HealthPath)

	if err := ing.reg.Bind(hostname, sess); err != nil {
		ing.sendFrame(conn, frame.RegisterFail("AlreadyBound"))
		return nil, "", fmt.Errorf("binding hostname %q: %w", hostname, err)
	}

	conn.SetReadDeadline(time.Time{})
	ing.sendFrame(conn, frame.RegisterOk())
	return sess, hostname, nil
}

func (ing *Ingress) readFrame(conn *websocket.Conn) (*frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return frame.Decode(data, ing.cfg.Limits)
}

func (ing *Ingress) sendFrame(conn *websocket.Conn, f *frame.Frame) {
	data, err := frame.Encode(f)
	if err != nil {
		ing.logger.Error("encoding handshake frame", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ing.logger.Debug("writing handshake frame", "error", err)
	}
}

func (ing *Ingress) sendBye(conn *websocket.Conn, reason string) {
	ing.sendFrame(conn, frame.Bye(reason))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1002, reason))
}
