// Package frame implements the tagged JSON envelope exchanged over the
// mesh WebSocket: one message, one frame, one of the kinds in Kind.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind selects which frame variant a message carries.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindAuthOk        Kind = "auth_ok"
	KindAuthFail      Kind = "auth_fail"
	KindRegister      Kind = "register"
	KindRegisterOk    Kind = "register_ok"
	KindRegisterFail  Kind = "register_fail"
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindRequestError  Kind = "request_error"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindBye           Kind = "bye"
)

var knownKinds = map[Kind]bool{
	KindAuth: true, KindAuthOk: true, KindAuthFail: true,
	KindRegister: true, KindRegisterOk: true, KindRegisterFail: true,
	KindRequest: true, KindResponse: true, KindRequestError: true,
	KindPing: true, KindPong: true, KindBye: true,
}

// Error kinds reported inside a RequestError frame (agent -> ingress).
const (
	ErrDialFailed   = "DialFailed"
	ErrTimeout      = "Timeout"
	ErrBadResponse  = "BadResponse"
	ErrOversizeBody = "OversizeBody"
)

// HeaderPair is one (name, value) header entry. It marshals as a
// two-element JSON array so header order and duplicate names survive
// the wire, per spec.md §6.
type HeaderPair struct {
	Name  string
	Value string
}

// MarshalJSON encodes the pair as ["name","value"].
func (h HeaderPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

// UnmarshalJSON decodes ["name","value"] into the pair.
func (h *HeaderPair) UnmarshalJSON(data []byte) error {
	var arr [2]string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("decoding header pair: %w", err)
	}
	h.Name, h.Value = arr[0], arr[1]
	return nil
}

// Headers is an ordered, duplicate-tolerant header list.
type Headers []HeaderPair

// Get returns the first value for name, case-insensitively, or "".
func (h Headers) Get(name string) string {
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Frame is the flat wire representation of every variant in spec.md §3/§6.
// Only the fields relevant to Kind are populated; the rest are left zero
// and omitted on encode.
type Frame struct {
	Kind Kind `json:"kind"`

	// auth
	Proof string `json:"proof,omitempty"`

	// auth_ok
	Principal string `json:"principal,omitempty"`

	// auth_fail / register_fail / bye share a reason string
	Reason string `json:"reason,omitempty"`

	// register
	Hostname    string `json:"hostname,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	HealthPath  string `json:"health_path,omitempty"`

	// request / response / request_error
	ID         uint64  `json:"id,omitempty"`
	Method     string  `json:"method,omitempty"`
	Path       string  `json:"path,omitempty"`
	Headers    Headers `json:"headers,omitempty"`
	Body       []byte  `json:"body,omitempty"` // encoding/json base64-encodes []byte
	DeadlineMs uint64  `json:"deadline_ms,omitempty"`
	Status     int     `json:"status,omitempty"`

	// request_error. The wire table in spec.md §6 names this field "kind"
	// too, which collides with the envelope's own discriminator on a flat
	// JSON object; it is carried here as "error_kind" instead (see
	// DESIGN.md for the disambiguation rationale).
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	// ping / pong
	Nonce uint64 `json:"nonce,omitempty"`
}

// Limits bounds what Decode will accept, per spec.md §4.1.
type Limits struct {
	MaxMessageBytes int
	MaxHeaderCount  int
	MaxPathBytes    int
}

// DefaultLimits returns the defaults named in spec.md §4.1/§6.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 1 << 20, // 1 MiB
		MaxHeaderCount:  100,
		MaxPathBytes:    8 << 10, // 8 KiB
	}
}

// Sentinel decode errors, per spec.md §4.1/§7.
var (
	ErrTooLarge    = errors.New("frame: message exceeds size limits")
	ErrUnknownKind = errors.New("frame: unknown kind")
)

// Encode produces the canonical JSON encoding of f.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

// Decode parses a wire message into a Frame, enforcing lim. A message
// over MaxMessageBytes, with too many headers, or too long a path
// yields ErrTooLarge. An object whose "kind" field is not one of the
// known variants yields ErrUnknownKind. Both are terminal per spec.md §4.1.
func Decode(data []byte, lim Limits) (*Frame, error) {
	if lim.MaxMessageBytes > 0 && len(data) > lim.MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes > limit %d", ErrTooLarge, len(data), lim.MaxMessageBytes)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	if !knownKinds[f.Kind] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}

	if lim.MaxHeaderCount > 0 && len(f.Headers) > lim.MaxHeaderCount {
		return nil, fmt.Errorf("%w: %d headers > limit %d", ErrTooLarge, len(f.Headers), lim.MaxHeaderCount)
	}
	if lim.MaxPathBytes > 0 && len(f.Path) > lim.MaxPathBytes {
		return nil, fmt.Errorf("%w: path %d bytes > limit %d", ErrTooLarge, len(f.Path), lim.MaxPathBytes)
	}

	return &f, nil
}
