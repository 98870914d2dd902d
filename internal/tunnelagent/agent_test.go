package tunnelagent

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/stretchr/testify/require"
)

// fakeIngress plays the server side of the handshake and steady-state
// protocol so Agent can be exercised without internal/wsingress.
type fakeIngress struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newFakeIngress() *fakeIngress {
	return &fakeIngress{
		upgrader: websocket.Upgrader{Subprotocols: []string{"mesh-v1"}},
		connCh:   make(chan *websocket.Conn, 1),
	}
}

func (f *fakeIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.connCh <- conn
}

func recvFrame(t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := frame.Decode(data, frame.DefaultLimits())
	require.NoError(t, err)
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	data, err := frame.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestAgentCompletesHandshakeAndDispatches(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Local", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("local response body"))
	}))
	defer local.Close()

	ingress := newFakeIngress()
	srv := httptest.NewServer(ingress)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.IngressURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.LocalURL = local.URL
	cfg.Hostname = "svc.example.mesh"
	cfg.ServiceName = "demo"
	cfg.ProofProvider = func() (string, error) { return "test-proof", nil }

	agent := New(cfg, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = agent.Run(ctx) }()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-ingress.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
	}

	authFrame := recvFrame(t, serverConn)
	require.Equal(t, frame.KindAuth, authFrame.Kind)
	require.Equal(t, "test-proof", authFrame.Proof)
	sendFrame(t, serverConn, frame.AuthOk("acct-1/role"))

	regFrame := recvFrame(t, serverConn)
	require.Equal(t, frame.KindRegister, regFrame.Kind)
	require.Equal(t, "svc.example.mesh", regFrame.Hostname)
	sendFrame(t, serverConn, frame.RegisterOk())

	sendFrame(t, serverConn, frame.Request(1, "GET", "/widgets", nil, nil, 5000))

	resp := recvFrame(t, serverConn)
	require.Equal(t, frame.KindResponse, resp.Kind)
	require.Equal(t, uint64(1), resp.ID)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, []byte("local response body"), resp.Body)
	require.Equal(t, "yes", resp.Headers.Get("X-From-Local"))
}

func TestAgentMirrorsPingWithPong(t *testing.T) {
	ingress := newFakeIngress()
	srv := httptest.NewServer(ingress)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.IngressURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.LocalURL = "http://127.0.0.1:1" // unused by this test
	cfg.Hostname = "svc.example.mesh"
	cfg.ProofProvider = func() (string, error) { return "test-proof", nil }

	agent := New(cfg, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	serverConn := <-ingress.connCh
	recvFrame(t, serverConn) // auth
	sendFrame(t, serverConn, frame.AuthOk("acct-1/role"))
	recvFrame(t, serverConn) // register
	sendFrame(t, serverConn, frame.RegisterOk())

	sendFrame(t, serverConn, frame.Ping(77))
	pong := recvFrame(t, serverConn)
	require.Equal(t, frame.KindPong, pong.Kind)
	require.Equal(t, uint64(77), pong.Nonce)
}

func TestAgentReportsDialFailedForUnreachableLocalService(t *testing.T) {
	ingress := newFakeIngress()
	srv := httptest.NewServer(ingress)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.IngressURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.LocalURL = "http://127.0.0.1:1" // nothing listens here
	cfg.Hostname = "svc.example.mesh"
	cfg.ProofProvider = func() (string, error) { return "test-proof", nil }

	agent := New(cfg, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	serverConn := <-ingress.connCh
	recvFrame(t, serverConn)
	sendFrame(t, serverConn, frame.AuthOk("acct-1/role"))
	recvFrame(t, serverConn)
	sendFrame(t, serverConn, frame.RegisterOk())

	sendFrame(t, serverConn, frame.Request(2, "GET", "/", nil, nil, 2000))

	errFrame := recvFrame(t, serverConn)
	require.Equal(t, frame.KindRequestError, errFrame.Kind)
	require.Equal(t, uint64(2), errFrame.ID)
	require.Equal(t, frame.ErrDialFailed, errFrame.ErrorKind)
}
