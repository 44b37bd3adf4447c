// Package session tracks the lifecycle of the WhatsApp connection.
//
// The state machine is fed exclusively by events from the transport
// adapter and is the single authority the scheduler consults before
// dispatching: anything other than Ready means sends fail fast instead
// of blocking. State changes are mirrored onto the event bus so the
// boundary can stream them to clients.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/TheLeoP/wpp/internal/eventbus"
)

// Kind enumerates the connection lifecycle states.
type Kind int

const (
	Disconnected Kind = iota
	Authenticating
	AwaitingQRScan
	AuthFailed
	Authenticated
	Ready
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Authenticating:
		return "authenticating"
	case AwaitingQRScan:
		return "awaiting_qr_scan"
	case AuthFailed:
		return "auth_failed"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText makes Kind render as its name in JSON responses.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a state name, for clients decoding responses.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := Disconnected; c <= Ready; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Profile identifies the paired WhatsApp account.
type Profile struct {
	JID  string `json:"jid,omitempty"`
	Name string `json:"name,omitempty"`
}

// State is a snapshot of the machine. Only the fields relevant to the
// current Kind are populated.
type State struct {
	Kind    Kind    `json:"kind"`
	Percent int     `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
	QR      string  `json:"qr,omitempty"`
	Profile Profile `json:"profile,omitzero"`
}

// Machine holds the process-wide session state. There is exactly one per
// application; it is passed explicitly, never reached through a global.
type Machine struct {
	bus    eventbus.Bus
	logger *slog.Logger

	mu  sync.RWMutex
	cur State
}

// NewMachine returns a machine in the Disconnected state.
func NewMachine(bus eventbus.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{bus: bus, logger: logger, cur: State{Kind: Disconnected}}
}

// Current returns the state snapshot.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Dispatchable reports whether the scheduler may issue sends.
func (m *Machine) Dispatchable() bool {
	return m.Current().Kind == Ready
}

func (m *Machine) set(s State) {
	m.mu.Lock()
	prev := m.cur.Kind
	m.cur = s
	m.mu.Unlock()
	if prev != s.Kind {
		m.logger.Info("session state changed", "from", prev.String(), "to", s.Kind.String())
	}
}

// Loading records connection progress reported by the client.
func (m *Machine) Loading(percent int, message string) {
	m.set(State{Kind: Authenticating, Percent: percent, Message: message})
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeLoading, Data: map[string]any{
		"percent": percent,
		"message": message,
	}})
}

// QRIssued records a fresh pairing code awaiting a scan.
func (m *Machine) QRIssued(payload string) {
	m.set(State{Kind: AwaitingQRScan, QR: payload})
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeQR, Data: payload})
}

// AuthFailure records a failed pairing attempt. The client is expected
// to issue a new QR code afterwards.
func (m *Machine) AuthFailure(message string) {
	m.set(State{Kind: AuthFailed, Message: message})
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeAuthFailure, Data: message})
}

// AuthSucceeded records a successful pairing; the connection is not yet
// usable for sending.
func (m *Machine) AuthSucceeded() {
	m.set(State{Kind: Authenticated})
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeAuthenticated})
}

// ConnectionReady marks the session usable for sending.
func (m *Machine) ConnectionReady(p Profile) {
	m.set(State{Kind: Ready, Profile: p})
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeReady, Data: p})
}

// ConnectionLost returns the machine to Disconnected from any state.
// A disconnected session may later be re-initialized, starting a fresh
// Authenticating phase.
func (m *Machine) ConnectionLost(reason string) {
	m.set(State{Kind: Disconnected, Message: reason})
	if reason != "" {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeError, Data: "WhatsApp session disconnected: " + reason})
	}
}
