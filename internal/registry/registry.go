// Package registry implements the Registry (C3) of spec.md §3/§4.3: the
// hostname -> Session table that the HTTP ingress (C5) looks up on every
// request, and that the WebSocket handshake (C6) binds/unbinds as agents
// connect and disconnect. Grounded in the mutex-guarded table shape of
// the teacher's WGManager (apps/gateway/src/wireguard.go), generalized
// from a WireGuard peer table to a live hostname->session table.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/session"
)

// ErrHostnameTaken is returned by Bind when hostname is already bound to
// a live session, per spec.md §4.3's "reject unless the existing
// session is dead" rule.
var ErrHostnameTaken = errors.New("registry: hostname already bound to a live session")

// Registry is the table of hostname -> active Session. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byHost map[string]*session.Session

	gauge  gaugeSetter
	totalBinds counter
}

// gaugeSetter and counter let meshmetrics (A3) observe registry size
// without registry importing the metrics package directly.
type gaugeSetter interface{ Set(float64) }
type counter interface{ Inc() }

// noopGauge/noopCounter are used when New is called without metrics wired.
type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopCounter struct{}

func (noopCounter) Inc() {}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byHost:     make(map[string]*session.Session),
		gauge:      noopGauge{},
		totalBinds: noopCounter{},
	}
}

// SetGauge wires a Prometheus-style gauge that tracks the live entry
// count, per spec.md §3's "gauge of current entries".
func (r *Registry) SetGauge(g gaugeSetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauge = g
	r.gauge.Set(float64(len(r.byHost)))
}

// SetBindCounter wires a counter incremented on every successful Bind.
func (r *Registry) SetBindCounter(c counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalBinds = c
}

// tStale is T_stale of spec.md §4.3's replace_if_dead: a Registered
// session whose last_seen is older than this is a zombie a reconnecting
// agent may displace, even before its own liveness task has noticed the
// severed link and transitioned it out of Registered. A var, not a
// const, so tests can shrink it instead of sleeping 30s.
var tStale = 30 * time.Second

// Bind registers sess under hostname, implementing try_bind followed by
// replace_if_dead (spec.md §4.3/§4.6 point 7). If hostname is already
// bound, Bind replaces the existing entry when that session is no longer
// StateRegistered, or when it is still Registered but its last_seen has
// gone stale past T_stale (the §8.3 takeover-of-a-dead-session case).
// Two live, responsive agents still cannot fight over one hostname.
func (r *Registry) Bind(hostname string, sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHost[hostname]; ok && existing != sess {
		dead := existing.State() != session.StateRegistered || time.Since(existing.LastSeen()) > tStale
		if !dead {
			return ErrHostnameTaken
		}
	}

	r.byHost[hostname] = sess
	r.gauge.Set(float64(len(r.byHost)))
	r.totalBinds.Inc()
	return nil
}

// Lookup returns the session bound to hostname, if any and if it is
// still registered.
func (r *Registry) Lookup(hostname string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byHost[hostname]
	if !ok || sess.State() != session.StateRegistered {
		return nil, false
	}
	return sess, true
}

// Unbind removes hostname's entry, but only if it still points at sess —
// so a session that already lost a Bind race to a newer one cannot
// evict its replacement on teardown.
func (r *Registry) Unbind(hostname string, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byHost[hostname]; ok && current == sess {
		delete(r.byHost, hostname)
		r.gauge.Set(float64(len(r.byHost)))
	}
}

// Entry is a point-in-time snapshot of one registry row, used by the
// /debug/services endpoint (spec.md §4.5).
type Entry struct {
	Hostname    string
	SessionID   string
	ServiceName string
	Principal   string
	State       string
	ConnectedAt time.Time
	LastSeen    time.Time
	Pending     int
	Stats       session.Stats
}

// Snapshot returns every bound entry, sorted by hostname, for the
// debug-services listing.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byHost))
	for host, sess := range r.byHost {
		entries = append(entries, Entry{
			Hostname:    host,
			SessionID:   sess.ID(),
			ServiceName: sess.ServiceName(),
			Principal:   sess.Principal(),
			State:       sess.State().String(),
			ConnectedAt: sess.CreatedAt(),
			LastSeen:    sess.LastSeen(),
			Pending:     sess.PendingCount(),
			Stats:       sess.Stats(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Hostname < entries[j].Hostname })
	return entries
}

// Len reports the current number of bound entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHost)
}
