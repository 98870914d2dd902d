package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/frame"
	"github.com/kloudcover/anywhere-mesh/internal/session"
	"github.com/stretchr/testify/require"
)

// deadConn never produces a read, so a session parked on it stays in
// whatever state the test sets without actually running its Run loop.
type deadConn struct{ closed chan struct{} }

func newDeadConn() *deadConn { return &deadConn{closed: make(chan struct{})} }

func (c *deadConn) ReadMessage() ([]byte, error) { <-c.closed; return nil, context.Canceled }
func (c *deadConn) WriteMessage([]byte) error     { return nil }
func (c *deadConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func newRegisteredSession(id string) *session.Session {
	s := session.New(id, "acct-1/role", newDeadConn(), frame.DefaultLimits(), session.DefaultLiveness(), slog.Default())
	s.MarkRegistered("svc.example.mesh", "demo", "/healthz")
	return s
}

func TestBindAndLookup(t *testing.T) {
	r := New()
	sess := newRegisteredSession("sess-1")

	require.NoError(t, r.Bind("svc.example.mesh", sess))

	got, ok := r.Lookup("svc.example.mesh")
	require.True(t, ok)
	require.Equal(t, sess, got)
}

func TestBindRejectsLiveDuplicate(t *testing.T) {
	r := New()
	first := newRegisteredSession("sess-1")
	second := newRegisteredSession("sess-2")

	require.NoError(t, r.Bind("svc.example.mesh", first))
	err := r.Bind("svc.example.mesh", second)
	require.ErrorIs(t, err, ErrHostnameTaken)
}

func TestBindReplacesDeadSession(t *testing.T) {
	r := New()
	first := newRegisteredSession("sess-1")
	second := newRegisteredSession("sess-2")

	require.NoError(t, r.Bind("svc.example.mesh", first))
	first.Close(nil)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, r.Bind("svc.example.mesh", second))
	got, ok := r.Lookup("svc.example.mesh")
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestBindReplacesStaleRegisteredSession(t *testing.T) {
	orig := tStale
	tStale = 10 * time.Millisecond
	defer func() { tStale = orig }()

	r := New()
	first := newRegisteredSession("sess-1")
	second := newRegisteredSession("sess-2")

	require.NoError(t, r.Bind("beta.example.mesh", first))
	require.Equal(t, session.StateRegistered, first.State())

	// Simulate a severed link: first never goes through Close, its
	// liveness task hasn't caught up, but last_seen has gone stale
	// (spec.md §8.3's takeover-of-a-dead-session scenario).
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.Bind("beta.example.mesh", second))
	got, ok := r.Lookup("beta.example.mesh")
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Lookup("nope.example.mesh")
	require.False(t, ok)
}

func TestUnbindOnlyRemovesMatchingSession(t *testing.T) {
	r := New()
	first := newRegisteredSession("sess-1")
	second := newRegisteredSession("sess-2")

	require.NoError(t, r.Bind("svc.example.mesh", first))
	first.Close(nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Bind("svc.example.mesh", second))

	r.Unbind("svc.example.mesh", first)
	got, ok := r.Lookup("svc.example.mesh")
	require.True(t, ok)
	require.Equal(t, second, got)

	r.Unbind("svc.example.mesh", second)
	_, ok = r.Lookup("svc.example.mesh")
	require.False(t, ok)
}

func TestSnapshotSortedByHostname(t *testing.T) {
	r := New()
	require.NoError(t, r.Bind("zzz.example.mesh", newRegisteredSession("sess-1")))
	require.NoError(t, r.Bind("aaa.example.mesh", newRegisteredSession("sess-2")))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "aaa.example.mesh", snap[0].Hostname)
	require.Equal(t, "zzz.example.mesh", snap[1].Hostname)
}

type fakeGauge struct{ value float64 }

func (g *fakeGauge) Set(v float64) { g.value = v }

func TestSetGaugeTracksLen(t *testing.T) {
	r := New()
	g := &fakeGauge{}
	r.SetGauge(g)

	require.NoError(t, r.Bind("svc.example.mesh", newRegisteredSession("sess-1")))
	require.Equal(t, float64(1), g.value)
}
