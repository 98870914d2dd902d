package wsingress

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/identity"
	"github.com/kloudcover/anywhere-mesh/internal/registry"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	principal identity.Principal
	err       error
}

func (v stubVerifier) Verify(ctx context.Context, proof string) (identity.Principal, error) {
	return v.principal, v.err
}

func newTestServer(t *testing.T, verifier identity.Verifier, reg *registry.Registry) *httptest.Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	ing := New(cfg, verifier, reg, slog.Default())
	srv := httptest.NewServer(ing)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	header := make(map[string][]string)
	header["Sec-WebSocket-Protocol"] = []string{ProtocolToken}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandshakeSucceedsAndRegisters(t *testing.T) {
	reg := registry.New()
	v := stubVerifier{principal: identity.Principal{ID: "acct-1/role"}}
	srv := newTestServer(t, v, reg)
	conn := dial(t, srv)

	send(t, conn, frame.Auth("whatever-proof"))
	f := recvFrame(t, conn)
	require.Equal(t, frame.KindAuthOk, f.Kind)

	send(t, conn, frame.Register("svc.example.mesh", "demo", "/healthz"))
	f = recvFrame(t, conn)
	require.Equal(t, frame.KindRegisterOk, f.Kind)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("svc.example.mesh")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadProof(t *testing.T) {
	reg := registry.New()
	v := stubVerifier{err: identity.ErrBadSignature}
	srv := newTestServer(t, v, reg)
	conn := dial(t, srv)

	send(t, conn, frame.Auth("bad-proof"))
	f := recvFrame(t, conn)
	require.Equal(t, frame.KindAuthFail, f.Kind)
}

func TestHandshakeRejectsWrongFirstFrame(t *testing.T) {
	reg := registry.New()
	v := stubVerifier{principal: identity.Principal{ID: "acct-1/role"}}
	srv := newTestServer(t, v, reg)
	conn := dial(t, srv)

	send(t, conn, frame.Ping(1))
	f := recvFrame(t, conn)
	require.Equal(t, frame.KindBye, f.Kind)
}

func TestHandshakeRejectsDuplicateHostname(t *testing.T) {
	reg := registry.New()
	v := stubVerifier{principal: identity.Principal{ID: "acct-1/role"}}
	srv := newTestServer(t, v, reg)

	first := dial(t, srv)
	send(t, first, frame.Auth("proof-1"))
	recvFrame(t, first)
	send(t, first, frame.Register("svc.example.mesh", "demo", ""))
	recvFrame(t, first)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("svc.example.mesh")
		return ok
	}, time.Second, 10*time.Millisecond)

	second := dial(t, srv)
	send(t, second, frame.Auth("proof-2"))
	recvFrame(t, second)
	send(t, second, frame.Register("svc.example.mesh", "demo", ""))
	f := recvFrame(t, second)
	require.Equal(t, frame.KindRegisterFail, f.Kind)
	require.Equal(t, "AlreadyBound", f.Reason)
}

func TestServeHTTPRejectsOverMaxConnections(t *testing.T) {
	reg := registry.New()
	v := stubVerifier{principal: identity.Principal{ID: "acct-1/role"}}
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.MaxConnections = 1
	ing := New(cfg, v, reg, slog.Default())
	srv := httptest.NewServer(ing)
	t.Cleanup(srv.Close)

	first := dial(t, srv)
	send(t, first, frame.Auth("proof-1"))
	recvFrame(t, first)
	send(t, first, frame.Register("svc.example.mesh", "demo", ""))
	recvFrame(t, first)

	require.Eventually(t, func() bool { return reg.Len() >= 1 }, time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	header := make(map[string][]string)
	header["Sec-WebSocket-Protocol"] = []string{ProtocolToken}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 503, resp.StatusCode)
}

func send(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	data, err := frame.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
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
