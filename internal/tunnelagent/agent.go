// Package tunnelagent implements the tunnel agent (C7) of spec.md §4.7:
// the outbound-dialing peer that authenticates, registers a hostname,
// and proxies registered requests to a local HTTP service. Grounded in
// the teacher's ConnectSignaling/runSignalingSession connection loop
// (apps/host-agent/internal/heartbeat/websocket.go) and the
// registration.Register local-call shape
// (apps/host-agent/internal/registration/registration.go), generalized
// from a Socket.IO control-plane handshake to the mesh Auth/Register
// protocol of spec.md §6.
package tunnelagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/httputil"
)

// ProofProvider yields a fresh authentication proof on demand, per
// spec.md §4.7's "proof_provider" option.
type ProofProvider func() (string, error)

// Reconnect holds the backoff policy of spec.md §4.7.
type Reconnect struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterRatio    float64
}

// DefaultReconnect returns the defaults named in spec.md §4.7.
func DefaultReconnect() Reconnect {
	return Reconnect{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterRatio: 0.2}
}

// Config configures one Agent instance, per spec.md §4.7's option table.
type Config struct {
	IngressURL         string
	LocalURL           string
	Hostname           string
	ServiceName        string
	HealthPath         string
	ProofProvider      ProofProvider
	Reconnect          Reconnect
	RequestConcurrency int
	LocalRequestTimeout time.Duration
	StableWindow       time.Duration // T_stable, spec.md §4.7
	Limits             frame.Limits
}

// DefaultConfig fills in the spec.md §4.7 defaults not tied to the
// caller's deployment (URLs, hostname, proof provider are required).
func DefaultConfig() Config {
	return Config{
		Reconnect:           DefaultReconnect(),
		RequestConcurrency:  64,
		LocalRequestTimeout: 30 * time.Second,
		StableWindow:        30 * time.Second,
		Limits:              frame.DefaultLimits(),
	}
}

// Agent is the tunnel agent's connection-loop driver.
type Agent struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs an Agent.
func New(cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.LocalRequestTimeout},
		logger:     logger,
	}
}

// Run drives the connect/register/serve/reconnect loop until ctx is
// cancelled, per spec.md §4.7's connection loop. Each call to retry.Do
// owns one backoff sequence (exponential from initial_backoff, plus a
// random jitter of up to jitter_ratio × initial_backoff, capped at
// max_backoff); attemptSession reports a session as "successful" to
// retry.Do only once it has held Registered for at least StableWindow,
// so a fresh retry.Do call — and therefore a reset backoff sequence —
// begins after every stable connection, per spec.md §4.7's "backoff
// resets after a successful registration held for at least T_stable".
func (a *Agent) Run(ctx context.Context) error {
	jitter := time.Duration(float64(a.cfg.Reconnect.InitialBackoff) * a.cfg.Reconnect.JitterRatio)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = retry.Do(
			func() error { return a.attemptSession(ctx) },
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(a.cfg.Reconnect.InitialBackoff),
			retry.MaxDelay(a.cfg.Reconnect.MaxBackoff),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.MaxJitter(jitter),
			retry.OnRetry(func(n uint, err error) {
				a.logger.Warn("reconnecting to ingress", "attempt", n, "error", err)
			}),
			retry.LastErrorOnly(true),
		)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// attemptSession returned nil: the prior session was stable and
		// then disconnected cleanly. Loop back and start a fresh backoff
		// sequence for the next connection.
	}
}

// attemptSession dials, handshakes, and serves one connection. It
// returns nil if the session stayed Registered for at least
// StableWindow before ending — telling Run's retry.Do call that this
// attempt "succeeded" so the next reconnect gets a fresh backoff
// sequence — or the termination error otherwise, so retry.Do backs off
// and retries within the same sequence.
func (a *Agent) attemptSession(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing ingress: %w", err)
	}
	defer conn.Close()

	if err := a.handshake(ctx, conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	a.logger.Info("registered", "hostname", a.cfg.Hostname)
	connectedAt := time.Now()

	serveErr := a.serve(ctx, conn)
	if time.Since(connectedAt) >= a.cfg.StableWindow {
		return nil
	}
	return serveErr
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.IngressURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ingress_url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		Subprotocols:     []string{"mesh-v1"},
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake performs Auth -> Register per spec.md §4.7.
func (a *Agent) handshake(ctx context.Context, conn *websocket.Conn) error {
	proof, err := a.cfg.ProofProvider()
	if err != nil {
		return fmt.Errorf("obtaining proof: %w", err)
	}

	if err := a.send(conn, frame.Auth(proof)); err != nil {
		return err
	}
	reply, err := a.recv(conn)
	if err != nil {
		return err
	}
	if reply.Kind != frame.KindAuthOk {
		return fmt.Errorf("auth rejected: %s", reply.Reason)
	}

	if err := a.send(conn, frame.Register(a.cfg.Hostname, a.cfg.ServiceName, a.cfg.HealthPath)); err != nil {
		return err
	}
	reply, err = a.recv(conn)
	if err != nil {
		return err
	}
	if reply.Kind != frame.KindRegisterOk {
		return fmt.Errorf("register rejected: %s", reply.Reason)
	}

	return nil
}

func (a *Agent) send(conn *websocket.Conn, f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) recv(conn *websocket.Conn) (*frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return frame.Decode(data, a.cfg.Limits)
}

// serve is the steady-state loop of spec.md §4.7 steady state: dispatch
// each inbound Request to the local HTTP service under a concurrency
// semaphore, mirror Ping/Pong, and exit on any read/write error.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	// writerCtx is scoped to this one serve() call, not the Agent-wide
	// ctx Run passes in: without it, the writer goroutine below would
	// outlive a serve() that returns on a read error, leaking one
	// goroutine per reconnect for the life of the process.
	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()

	sem := make(chan struct{}, a.cfg.RequestConcurrency)
	outbound := make(chan *frame.Frame, 256)
	errCh := make(chan error, 2)

	go func() {
		for {
			select {
			case f := <-outbound:
				if err := a.send(conn, f); err != nil {
					select {
					case errCh <- fmt.Errorf("writing frame: %w", err):
					default:
					}
					return
				}
			case <-writerCtx.Done():
				return
			}
		}
	}()

	for {
		f, err := a.recv(conn)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		switch f.Kind {
		case frame.KindRequest:
			select {
			case sem <- struct{}{}:
				go func(req *frame.Frame) {
					defer func() { <-sem }()
					a.handleRequest(ctx, req, outbound)
				}(f)
			case <-ctx.Done():
				return ctx.Err()
			}
		case frame.KindPing:
			select {
			case outbound <- frame.Pong(f.Nonce):
			default:
			}
		case frame.KindPong:
			// liveness only
		case frame.KindBye:
			return fmt.Errorf("server sent bye: %s", f.Reason)
		default:
			a.logger.Warn("unexpected frame from ingress", "kind", f.Kind)
		}

		select {
		case err := <-errCh:
			return err
		default:
		}
	}
}

// handleRequest issues the local HTTP call for one Request frame and
// emits the matching Response/RequestError, per spec.md §4.7 steady
// state points 1-4.
func (a *Agent) handleRequest(ctx context.Context, req *frame.Frame, outbound chan<- *frame.Frame) {
	deadline := time.Duration(req.DeadlineMs) * time.Millisecond
	if deadline <= 0 || deadline > a.cfg.LocalRequestTimeout {
		deadline = a.cfg.LocalRequestTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	targetURL := strings.TrimRight(a.cfg.LocalURL, "/") + req.Path

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = strings.NewReader(string(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, targetURL, bodyReader)
	if err != nil {
		a.emitError(outbound, req.ID, frame.ErrDialFailed, err.Error())
		return
	}
	for _, h := range req.Headers {
		if httputil.IsHopByHop(h.Name) {
			continue
		}
		httpReq.Header.Add(h.Name, h.Value)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			a.emitError(outbound, req.ID, frame.ErrTimeout, err.Error())
		} else {
			a.emitError(outbound, req.ID, frame.ErrDialFailed, err.Error())
		}
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(a.cfg.Limits.MaxMessageBytes)+1))
	if err != nil {
		a.emitError(outbound, req.ID, frame.ErrBadResponse, err.Error())
		return
	}
	if int64(len(body)) > int64(a.cfg.Limits.MaxMessageBytes) {
		a.emitError(outbound, req.ID, frame.ErrOversizeBody, "local response exceeds message size limit")
		return
	}

	headers := make(frame.Headers, 0, len(resp.Header))
	for name, values := range resp.Header {
		if httputil.IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			headers = append(headers, frame.HeaderPair{Name: name, Value: v})
		}
	}

	select {
	case outbound <- frame.Response(req.ID, resp.StatusCode, headers, body):
	case <-ctx.Done():
	}
}

func (a *Agent) emitError(outbound chan<- *frame.Frame, id uint64, kind, message string) {
	select {
	case outbound <- frame.RequestError(id, kind, message):
	default:
	}
}
