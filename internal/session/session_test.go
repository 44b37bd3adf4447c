package session

import (
	"io"
	"log/slog"
	"testing"

	"github.com/TheLeoP/wpp/internal/eventbus"
)

func newTestMachine() (*Machine, <-chan eventbus.Event, func()) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	m := NewMachine(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, ch, unsub
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestInitialStateIsDisconnected(t *testing.T) {
	m, _, unsub := newTestMachine()
	defer unsub()

	if got := m.Current().Kind; got != Disconnected {
		t.Errorf("initial kind = %v, want Disconnected", got)
	}
	if m.Dispatchable() {
		t.Error("Dispatchable() = true for a disconnected session")
	}
}

func TestPairingFlow(t *testing.T) {
	m, ch, unsub := newTestMachine()
	defer unsub()

	m.Loading(33, "connecting")
	if st := m.Current(); st.Kind != Authenticating || st.Percent != 33 {
		t.Errorf("after Loading: %+v", st)
	}

	m.QRIssued("qr-payload")
	if st := m.Current(); st.Kind != AwaitingQRScan || st.QR != "qr-payload" {
		t.Errorf("after QRIssued: %+v", st)
	}

	m.AuthFailure("scan rejected")
	if st := m.Current(); st.Kind != AuthFailed || st.Message != "scan rejected" {
		t.Errorf("after AuthFailure: %+v", st)
	}

	// A new QR after a failure is legal (AwaitingQrScan <-> AuthFailed).
	m.QRIssued("qr-payload-2")
	m.AuthSucceeded()
	m.ConnectionReady(Profile{JID: "593991234567@s.whatsapp.net", Name: "Ana"})

	st := m.Current()
	if st.Kind != Ready {
		t.Fatalf("final kind = %v, want Ready", st.Kind)
	}
	if st.Profile.Name != "Ana" {
		t.Errorf("profile = %+v", st.Profile)
	}
	if !m.Dispatchable() {
		t.Error("Dispatchable() = false for a ready session")
	}

	wantTypes := []string{
		eventbus.TypeLoading,
		eventbus.TypeQR,
		eventbus.TypeAuthFailure,
		eventbus.TypeQR,
		eventbus.TypeAuthenticated,
		eventbus.TypeReady,
	}
	events := drain(ch)
	if len(events) != len(wantTypes) {
		t.Fatalf("published %d events, want %d", len(events), len(wantTypes))
	}
	for i, e := range events {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d type = %q, want %q", i, e.Type, wantTypes[i])
		}
	}
}

func TestDisconnectFromReady(t *testing.T) {
	m, ch, unsub := newTestMachine()
	defer unsub()

	m.ConnectionReady(Profile{Name: "Ana"})
	m.ConnectionLost("stream closed")

	if st := m.Current(); st.Kind != Disconnected {
		t.Errorf("kind = %v, want Disconnected", st.Kind)
	}
	if m.Dispatchable() {
		t.Error("Dispatchable() = true after disconnect")
	}

	events := drain(ch)
	last := events[len(events)-1]
	if last.Type != eventbus.TypeError {
		t.Errorf("last event type = %q, want error", last.Type)
	}

	// Terminal-reentrant: re-initialization starts authenticating again.
	m.Loading(0, "restarting")
	if st := m.Current(); st.Kind != Authenticating {
		t.Errorf("kind after re-init = %v, want Authenticating", st.Kind)
	}
}
