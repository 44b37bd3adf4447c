// Package delivery performs single send attempts against the chat
// client and classifies their outcomes.
//
// Sending a message to a third party is irreversible, so there is no
// retry-after-failure here: every attempt is terminal for its job and
// the scheduler simply moves on. A recipient the directory does not
// know yields UnresolvedRecipient; any transport problem, including the
// session not being Ready, yields ChatUnavailable.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/scheduler"
	"github.com/TheLeoP/wpp/internal/session"
)

// Chat is the contract the transport adapter fulfills. Lookup resolves
// a canonical phone number to a chat endpoint; found=false means the
// number is not registered on the platform.
type Chat interface {
	Lookup(ctx context.Context, phone string) (jid string, found bool, err error)
	SendText(ctx context.Context, jid, text string) error
	SendMedia(ctx context.Context, jid, text, mediaPath string) error
}

// UnresolvedLog accumulates raw phone numbers that could not be
// resolved, process-wide. It is append-only and cleared only by a
// restart; the boundary exposes it for a post-hoc error report.
type UnresolvedLog struct {
	mu      sync.Mutex
	entries []string
}

// Append records a raw number.
func (l *UnresolvedLog) Append(raw string) {
	l.mu.Lock()
	l.entries = append(l.entries, raw)
	l.mu.Unlock()
}

// All returns a copy of the accumulated numbers, in insertion order.
func (l *UnresolvedLog) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Unit executes one delivery attempt at a time on behalf of the
// scheduler.
type Unit struct {
	chat       Chat
	machine    *session.Machine
	unresolved *UnresolvedLog
	bus        eventbus.Bus
	logger     *slog.Logger
	timeout    time.Duration
}

// NewUnit creates a delivery unit. timeout bounds each attempt so a
// send that never settles cannot stall its run forever.
func NewUnit(chat Chat, machine *session.Machine, unresolved *UnresolvedLog, bus eventbus.Bus, logger *slog.Logger, timeout time.Duration) *Unit {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Unit{
		chat:       chat,
		machine:    machine,
		unresolved: unresolved,
		bus:        bus,
		logger:     logger,
		timeout:    timeout,
	}
}

// Deliver implements scheduler.Deliverer.
func (u *Unit) Deliver(ctx context.Context, job scheduler.Job) scheduler.Outcome {
	// Fail fast instead of blocking while the session is down; the
	// rest of the batch keeps its chance once the session recovers.
	if !u.machine.Dispatchable() {
		u.reportError(fmt.Sprintf("message to %s skipped: WhatsApp session is not ready", job.RecipientRaw))
		return scheduler.OutcomeUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	jid, found, err := u.chat.Lookup(ctx, job.Recipient)
	if err != nil {
		u.logger.Warn("directory lookup failed", "recipient", job.Recipient, "error", err)
		u.reportError(fmt.Sprintf("could not look up %s on WhatsApp", job.RecipientRaw))
		return scheduler.OutcomeUnavailable
	}
	if !found {
		u.unresolved.Append(job.RecipientRaw)
		u.reportError(fmt.Sprintf("the phone number %s is not registered on WhatsApp", job.RecipientRaw))
		return scheduler.OutcomeUnresolved
	}

	if job.MediaPath != "" {
		err = u.chat.SendMedia(ctx, jid, job.Text, job.MediaPath)
	} else {
		err = u.chat.SendText(ctx, jid, job.Text)
	}
	if err != nil {
		u.logger.Warn("send failed", "recipient", job.Recipient, "jid", jid, "error", err)
		u.reportError(fmt.Sprintf("could not open a chat with the phone number %s", job.RecipientRaw))
		return scheduler.OutcomeUnavailable
	}

	u.logger.Debug("message delivered", "recipient", job.Recipient, "run_id", job.RunID, "seq", job.Seq)
	return scheduler.OutcomeSent
}

func (u *Unit) reportError(msg string) {
	u.bus.Publish(eventbus.Event{Type: eventbus.TypeError, Data: msg})
}
