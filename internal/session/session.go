// Package session implements the Session (C4) of spec.md §3/§4.4: the
// registered, authenticated WebSocket connection to one tunnel agent,
// and the request/response correlation multiplexed over it. Grounded in
// the reader/writer goroutine pair of the teacher's handleTunnel
// (apps/gateway/src/tunnel.go), generalized from a raw TCP byte-pipe to
// a framed, ID-correlated request/response protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/meshmetrics"
)

// Sentinel errors surfaced to Dispatch callers and registry callers.
var (
	ErrClosed       = errors.New("session: closed")
	ErrDraining     = errors.New("session: draining")
	ErrBackpressure = errors.New("session: outbound queue full")
	ErrTimeout      = errors.New("session: request timed out")

	errIdleTimeout  = errors.New("session: idle past T_idle_max")
	errLivenessLost = errors.New("session: LivenessLost, no Pong within T_ping_timeout")
)

// outboundQueueDepth bounds the writer's backlog per spec.md §4.4: a slow
// or wedged agent must apply backpressure to new requests rather than
// let the ingress's memory grow without bound.
const outboundQueueDepth = 256

// Liveness bounds the ping/timeout/idle-close task of spec.md §4.4/§5.
type Liveness struct {
	PingInterval time.Duration // T_ping: writer idleness before a Ping is sent
	PingTimeout  time.Duration // T_ping_timeout: time to wait for the matching Pong
	IdleMax      time.Duration // T_idle_max: hard ceiling on time since last_seen
}

// DefaultLiveness returns the defaults named in spec.md §4.4.
func DefaultLiveness() Liveness {
	return Liveness{
		PingInterval: 15 * time.Second,
		PingTimeout:  20 * time.Second,
		IdleMax:      60 * time.Second,
	}
}

func (l Liveness) withDefaults() Liveness {
	d := DefaultLiveness()
	if l.PingInterval <= 0 {
		l.PingInterval = d.PingInterval
	}
	if l.PingTimeout <= 0 {
		l.PingTimeout = d.PingTimeout
	}
	if l.IdleMax <= 0 {
		l.IdleMax = d.IdleMax
	}
	return l
}

// Conn is the minimal transport surface Session needs from a WebSocket
// connection, so the wsingress handshake owns dialing/upgrading and
// Session only ever sees framed messages in and out.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Session is one registered agent connection: its identity, its
// lifecycle state, and the in-flight request table multiplexed over its
// single WebSocket. Safe for concurrent use.
type Session struct {
	id          string
	hostname    string
	serviceName string
	healthPath  string
	principal   string
	createdAt   time.Time

	conn     Conn
	limits   frame.Limits
	liveness Liveness

	state   atomic.Int32
	lastSeen atomic.Int64 // unix nanos

	outbound chan *frame.Frame
	pending  *pendingTable
	nextID   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}

	stats stats

	pingBucket *tokenBucket
	pongCh     chan uint64

	logger *slog.Logger
}

// New constructs a Session over conn in StateAuthenticating — the
// handshake (C6) drives Auth/Register before calling MarkRegistered.
// A zero-valued liveness field falls back to its DefaultLiveness default.
func New(id, principal string, conn Conn, limits frame.Limits, liveness Liveness, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:         id,
		principal:  principal,
		createdAt:  time.Now(),
		conn:       conn,
		limits:     limits,
		liveness:   liveness.withDefaults(),
		outbound:   make(chan *frame.Frame, outboundQueueDepth),
		pending:    newPendingTable(),
		closed:     make(chan struct{}),
		pingBucket: newTokenBucket(4, 15*time.Second),
		pongCh:     make(chan uint64, 1),
		logger:     logger.With("session_id", id),
	}
	s.state.Store(int32(StateAuthenticating))
	s.touch()
	return s
}

// MarkRegistered records the hostname/service metadata from a successful
// Register and transitions to StateRegistered. Called by the C6 handshake.
func (s *Session) MarkRegistered(hostname, serviceName, healthPath string) {
	s.hostname = hostname
	s.serviceName = serviceName
	s.healthPath = healthPath
	s.state.Store(int32(StateRegistered))
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Hostname() string    { return s.hostname }
func (s *Session) ServiceName() string { return s.serviceName }
func (s *Session) HealthPath() string  { return s.healthPath }
func (s *Session) Principal() string   { return s.principal }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) State() State        { return State(s.state.Load()) }
func (s *Session) Stats() Stats        { return s.stats.snapshot() }

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// PendingCount reports the number of in-flight dispatches, for the
// /debug/services snapshot (spec.md §6).
func (s *Session) PendingCount() int { return s.pending.len() }

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Done returns a channel closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Dispatch sends a request frame to the agent and blocks until a
// matching Response/RequestError arrives, ctx is cancelled, or
// deadline elapses. It is the C4 operation the httpgateway (C5) calls
// for every proxied HTTP request, per spec.md §4.4.
func (s *Session) Dispatch(ctx context.Context, method, path string, headers frame.Headers, body []byte, deadline time.Duration) (*frame.Frame, error) {
	switch s.State() {
	case StateRegistered:
		// proceed
	case StateDraining:
		return nil, ErrDraining
	default:
		return nil, ErrClosed
	}

	id := s.nextID.Add(1)
	entry := newPendingEntry(time.Now().Add(deadline))
	if !s.pending.tryInsert(id, entry) {
		s.stats.errors.Add(1)
		return nil, ErrBackpressure
	}

	req := frame.Request(id, method, path, headers, body, uint64(deadline.Milliseconds()))
	if err := s.enqueue(req); err != nil {
		s.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case o := <-entry.ch:
		if o.err != nil {
			return nil, o.err
		}
		s.stats.requestsServed.Add(1)
		return o.response, nil
	case <-timer.C:
		s.pending.remove(id)
		s.stats.errors.Add(1)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.pending.remove(id)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// enqueue places f on the outbound queue, failing fast with
// ErrBackpressure instead of blocking the caller indefinitely — spec.md
// §4.4 requires a wedged agent to shed load, not stall every HTTP request.
func (s *Session) enqueue(f *frame.Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.closed:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Run drives the session's reader and writer loops until the connection
// fails, ctx is cancelled, or Close is called. It blocks until teardown
// completes. Grounded in the two-goroutine bidirectional pump of the
// teacher's handleTunnel (apps/gateway/src/tunnel.go).
func (s *Session) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(runCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(runCtx)
	}()
	wg.Wait()

	s.Close(errors.New("session: connection closed"))
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("session read error", "error", err)
			}
			return
		}
		s.stats.framesIn.Add(1)
		s.stats.bytesIn.Add(int64(len(data)))
		meshmetrics.ObserveFrame("in", len(data))
		s.touch()

		f, err := frame.Decode(data, s.limits)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			s.stats.errors.Add(1)
			if errors.Is(err, frame.ErrTooLarge) || errors.Is(err, frame.ErrUnknownKind) {
				return
			}
			continue
		}

		s.handleInbound(f)
	}
}

func (s *Session) handleInbound(f *frame.Frame) {
	switch f.Kind {
	case frame.KindResponse:
		if entry, ok := s.pending.remove(f.ID); ok {
			entry.complete(outcome{response: f})
		} else {
			s.logger.Debug("dropping response for unknown request", "request_id", f.ID)
		}
	case frame.KindRequestError:
		if entry, ok := s.pending.remove(f.ID); ok {
			var err error
			switch f.ErrorKind {
			case frame.ErrTimeout:
				err = fmt.Errorf("%w: agent reported: %s", ErrTimeout, f.Message)
			case frame.ErrOversizeBody:
				err = fmt.Errorf("%w: agent reported: %s", frame.ErrTooLarge, f.Message)
			default:
				err = fmt.Errorf("session: agent reported %s: %s", f.ErrorKind, f.Message)
			}
			entry.complete(outcome{err: err})
		} else {
			s.logger.Debug("dropping request error for unknown request", "request_id", f.ID)
		}
		s.stats.errors.Add(1)
	case frame.KindPing:
		_ = s.enqueue(frame.Pong(f.Nonce))
	case frame.KindPong:
		select {
		case s.pongCh <- f.Nonce:
		default:
		}
	case frame.KindBye:
		s.logger.Info("agent sent bye", "reason", f.Reason)
		s.state.Store(int32(StateDraining))
	default:
		s.logger.Warn("unexpected frame after registration", "kind", f.Kind)
	}
}

// writeLoop drains the outbound queue and runs the liveness task of
// spec.md §4.4/§5: every T_ping of writer idleness it sends a Ping and
// arms a T_ping_timeout; a Pong that never arrives, or now−last_seen
// exceeding T_idle_max, closes the session.
func (s *Session) writeLoop(ctx context.Context) {
	pingInterval := s.liveness.PingInterval
	checkInterval := pingInterval
	if s.liveness.IdleMax < checkInterval {
		checkInterval = s.liveness.IdleMax
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	lastWrite := time.Now()
	var awaitingPong bool
	var pingNonce uint64
	var pingDeadline time.Time

	write := func(f *frame.Frame) bool {
		data, err := frame.Encode(f)
		if err != nil {
			s.logger.Error("encoding outbound frame", "error", err)
			return true
		}
		if err := s.conn.WriteMessage(data); err != nil {
			s.logger.Debug("session write error", "error", err)
			return false
		}
		s.stats.framesOut.Add(1)
		s.stats.bytesOut.Add(int64(len(data)))
		meshmetrics.ObserveFrame("out", len(data))
		lastWrite = time.Now()
		return true
	}

	for {
		select {
		case f := <-s.outbound:
			if !write(f) {
				// A write failure alone must not leave readLoop
				// blocked forever on a half-dead socket with no read
				// deadline; Close tears down conn so its ReadMessage
				// unblocks with an error.
				s.Close(errors.New("session: write failed"))
				return
			}
		case nonce := <-s.pongCh:
			if awaitingPong && nonce == pingNonce {
				awaitingPong = false
			}
		case <-ticker.C:
			now := time.Now()
			if now.Sub(s.LastSeen()) > s.liveness.IdleMax {
				s.logger.Info("closing session, idle past T_idle_max", "idle_for", now.Sub(s.LastSeen()))
				s.Close(errIdleTimeout)
				return
			}
			if awaitingPong && now.After(pingDeadline) {
				s.logger.Info("closing session, liveness lost", "ping_nonce", pingNonce)
				s.Close(errLivenessLost)
				return
			}
			if !awaitingPong && now.Sub(lastWrite) >= pingInterval && s.pingBucket.allow() {
				pingNonce = uint64(now.UnixNano())
				if !write(frame.Ping(pingNonce)) {
					s.Close(errors.New("session: write failed"))
					return
				}
				awaitingPong = true
				pingDeadline = now.Add(s.liveness.PingTimeout)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Drain implements the shutdown sequence of spec.md §4.4: stop accepting
// new dispatches, wait up to timeout for in-flight ones to finish, then
// close. Safe to call concurrently with Dispatch calls already in flight.
func (s *Session) Drain(timeout time.Duration) {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(int32(StateDraining))

	deadline := time.Now().Add(timeout)
	for s.pending.len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Close(errors.New("session: drained"))
}

// Close tears the session down: marks it Closed, fails every pending
// dispatch with ErrClosed, and closes the transport; err is logged as
// the close reason. Safe to call more than once and from any goroutine.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		s.pending.drainAll(ErrClosed)
		if cerr := s.conn.Close(); cerr != nil {
			s.logger.Debug("closing transport", "error", cerr)
		}
		s.logger.Info("session closed", "reason", err)
	})
}
