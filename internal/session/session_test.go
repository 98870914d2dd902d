package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: writes land on outbox, and inbox feeds
// ReadMessage, so a test can play the part of the remote agent.
type fakeConn struct {
	inbox  chan []byte
	outbox chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		outbox: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.outbox <- data:
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func newTestSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := New("sess-1", "acct-1/role", conn, frame.DefaultLimits(), DefaultLiveness(), slog.Default())
	s.MarkRegistered("svc.example.mesh", "demo", "/healthz")
	go s.Run(context.Background())
	return s, conn
}

func TestDispatchCompletesOnResponse(t *testing.T) {
	s, conn := newTestSession(t)
	defer s.Close(nil)

	go func() {
		data := <-conn.outbox
		f, err := frame.Decode(data, frame.DefaultLimits())
		require.NoError(t, err)
		require.Equal(t, frame.KindRequest, f.Kind)

		resp := frame.Response(f.ID, 200, frame.Headers{{Name: "Content-Type", Value: "text/plain"}}, []byte("ok"))
		encoded, err := frame.Encode(resp)
		require.NoError(t, err)
		conn.inbox <- encoded
	}()

	resp, err := s.Dispatch(context.Background(), "GET", "/", nil, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, []byte("ok"), resp.Body)
}

func TestDispatchCompletesOnRequestError(t *testing.T) {
	s, conn := newTestSession(t)
	defer s.Close(nil)

	go func() {
		data := <-conn.outbox
		f, err := frame.Decode(data, frame.DefaultLimits())
		require.NoError(t, err)

		errFrame := frame.RequestError(f.ID, frame.ErrDialFailed, "connection refused")
		encoded, err := frame.Encode(errFrame)
		require.NoError(t, err)
		conn.inbox <- encoded
	}()

	_, err := s.Dispatch(context.Background(), "GET", "/", nil, nil, time.Second)
	require.Error(t, err)
}

func TestDispatchTimesOutWithNoReply(t *testing.T) {
	s, conn := newTestSession(t)
	defer s.Close(nil)

	go func() { <-conn.outbox }() // drain so writeLoop doesn't block

	_, err := s.Dispatch(context.Background(), "GET", "/", nil, nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDispatchRejectedBeforeRegistered(t *testing.T) {
	conn := newFakeConn()
	s := New("sess-2", "acct-1/role", conn, frame.DefaultLimits(), DefaultLiveness(), slog.Default())
	defer s.Close(nil)

	_, err := s.Dispatch(context.Background(), "GET", "/", nil, nil, time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrainsPendingDispatches(t *testing.T) {
	s, conn := newTestSession(t)
	go func() { <-conn.outbox }()

	done := make(chan error, 1)
	go func() {
		_, err := s.Dispatch(context.Background(), "GET", "/", nil, nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close(nil)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dispatch did not complete after Close")
	}
}

func TestLivenessClosesSessionOnMissingPong(t *testing.T) {
	conn := newFakeConn()
	s := New("sess-3", "acct-1/role", conn, frame.DefaultLimits(), Liveness{
		PingInterval: 10 * time.Millisecond,
		PingTimeout:  20 * time.Millisecond,
		IdleMax:      time.Hour,
	}, slog.Default())
	s.MarkRegistered("svc.example.mesh", "demo", "/healthz")
	go s.Run(context.Background())

	<-conn.outbox // the Ping itself; never answer it with a Pong

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close after a missing Pong")
	}
}

func TestLivenessClosesSessionOnIdleMax(t *testing.T) {
	conn := newFakeConn()
	s := New("sess-4", "acct-1/role", conn, frame.DefaultLimits(), Liveness{
		PingInterval: time.Hour,
		PingTimeout:  time.Hour,
		IdleMax:      20 * time.Millisecond,
	}, slog.Default())
	s.MarkRegistered("svc.example.mesh", "demo", "/healthz")
	go s.Run(context.Background())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close after exceeding T_idle_max")
	}
}

func TestRespondsToPingWithPong(t *testing.T) {
	s, conn := newTestSession(t)
	defer s.Close(nil)

	ping, err := frame.Encode(frame.Ping(42))
	require.NoError(t, err)
	conn.inbox <- ping

	data := <-conn.outbox
	f, err := frame.Decode(data, frame.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, frame.KindPong, f.Kind)
	require.Equal(t, uint64(42), f.Nonce)
}

func TestStatsTrackFramesAndRequests(t *testing.T) {
	s, conn := newTestSession(t)
	defer s.Close(nil)

	go func() {
		data := <-conn.outbox
		f, _ := frame.Decode(data, frame.DefaultLimits())
		resp := frame.Response(f.ID, 200, nil, []byte("ok"))
		encoded, _ := frame.Encode(resp)
		conn.inbox <- encoded
	}()

	_, err := s.Dispatch(context.Background(), "GET", "/", nil, nil, time.Second)
	require.NoError(t, err)

	st := s.Stats()
	require.Equal(t, int64(1), st.RequestsServed)
	require.GreaterOrEqual(t, st.FramesOut, int64(1))
	require.GreaterOrEqual(t, st.FramesIn, int64(1))
}
