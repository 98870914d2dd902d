// Package httpgateway implements the HTTP ingress (C5) of spec.md §4.5:
// the public-facing HTTP front door that resolves a hostname to a
// Session, dispatches a logical request over it, and mirrors the reply.
// Grounded in the teacher's NewAPIRouter/writeJSON/writeError
// (apps/gateway/src/api.go), generalized from a gateway-token-authed
// admin API into a host-routed reverse proxy.
package httpgateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/httputil"
	"github.com/kloudcover/anywhere-mesh/internal/meshmetrics"
	"github.com/kloudcover/anywhere-mesh/internal/registry"
	"github.com/kloudcover/anywhere-mesh/internal/session"
)

// viaIdent is the Via header value identifying this ingress, per
// spec.md §4.5 point 7.
const viaIdent = "1.1 anywhere-mesh"

// Config bounds one Gateway's forwarding behavior.
type Config struct {
	RequestTimeout  time.Duration // T_request, spec.md §4.5 point 5
	MaxBodyBytes    int64         // M_max
	DebugServices   bool          // serve /debug/services at all
}

// Gateway is the HTTP ingress. It holds no session state of its own —
// everything lives in the Registry it was built with.
type Gateway struct {
	reg    *registry.Registry
	cfg    Config
	logger *slog.Logger
}

// New constructs a Gateway over reg.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = int64(frame.DefaultLimits().MaxMessageBytes)
	}
	return &Gateway{reg: reg, cfg: cfg, logger: logger}
}

// Router builds the http.Handler for the front-door port.
func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(g.loggingMiddleware)

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/debug/services", g.handleDebugServices).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(g.handleForward)

	return r
}

func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.reg.Len(),
	})
}

// debugServiceEntry is the shape of one /debug/services row, per
// spec.md §6.
type debugServiceEntry struct {
	Hostname    string `json:"hostname"`
	Principal   string `json:"principal"`
	ConnectedAt string `json:"connected_at"`
	LastSeen    string `json:"last_seen"`
	Pending     int    `json:"pending"`
}

func (g *Gateway) handleDebugServices(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.DebugServices {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	entries := g.reg.Snapshot()
	out := make([]debugServiceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, debugServiceEntry{
			Hostname:    e.Hostname,
			Principal:   e.Principal,
			ConnectedAt: e.ConnectedAt.UTC().Format(time.RFC3339),
			LastSeen:    e.LastSeen.UTC().Format(time.RFC3339),
			Pending:     e.Pending,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// canonicalHost extracts and canonicalizes the Host header per
// spec.md §4.5 point 1: lowercase, strip any port.
func canonicalHost(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.ToLower(host)
}

func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := canonicalHost(r)

	sess, ok := g.reg.Lookup(host)
	if !ok {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("no route for host %q", host))
		return
	}
	defer func() { meshmetrics.ForwardDuration.Observe(time.Since(start).Seconds()) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}
	if int64(len(body)) > g.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds limit")
		return
	}

	headers := make(frame.Headers, 0, len(r.Header))
	for name, values := range r.Header {
		if httputil.IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			headers = append(headers, frame.HeaderPair{Name: name, Value: v})
		}
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	deadline := g.cfg.RequestTimeout
	if remaining, ok := r.Context().Deadline(); ok {
		if d := time.Until(remaining); d > 0 && d < deadline {
			deadline = d
		}
	}

	resp, err := sess.Dispatch(r.Context(), r.Method, path, headers, body, deadline)
	if err != nil {
		g.writeDispatchError(w, host, err)
		return
	}
	meshmetrics.ObserveDispatch("success")

	for _, h := range resp.Headers {
		if httputil.IsHopByHop(h.Name) {
			continue
		}
		w.Header().Add(h.Name, h.Value)
	}
	w.Header().Set("Via", viaIdent)

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// writeDispatchError maps a Session.Dispatch error to an HTTP status,
// per spec.md §4.5 point 6.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, host string, err error) {
	switch {
	case errors.Is(err, session.ErrTimeout):
		meshmetrics.ObserveDispatch("timeout")
		writeError(w, http.StatusGatewayTimeout, "upstream timed out")
	case errors.Is(err, session.ErrBackpressure):
		meshmetrics.ObserveDispatch("backpressure")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "upstream overloaded")
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrDraining):
		meshmetrics.ObserveDispatch("session_closed")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("no route for host %q", host))
	case errors.Is(err, frame.ErrTooLarge):
		meshmetrics.ObserveDispatch("oversize")
		writeError(w, http.StatusRequestEntityTooLarge, "upstream response too large")
	default:
		meshmetrics.ObserveDispatch("unexpected")
		g.logger.Error("unexpected dispatch error", "host", host, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Via", viaIdent)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	var buf bytes.Buffer
	buf.WriteString(message)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Via", viaIdent)
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
