// Package scheduler drives campaign runs: ordered job lists delivered
// one message at a time with a randomized delay between sends.
//
// Each run is an explicit entity with its own id, job list and cursor,
// held in a map for inspection. Runs proceed independently and their
// progress events interleave freely, but the actual sends are serialized
// process-wide: the underlying chat session is a single channel and
// parallel sends would defeat the jittered-delay pacing.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/metrics"
)

// Job is one unit of delivery. Jobs are immutable once the run starts
// and are consumed exactly once, in Seq order.
type Job struct {
	RunID        int64  `json:"run_id"`
	Seq          int    `json:"seq"`
	RecipientRaw string `json:"recipient_raw"`
	Recipient    string `json:"recipient"`
	Text         string `json:"text"`
	MediaPath    string `json:"media_path,omitempty"`
}

// Outcome classifies a single delivery attempt. There are no retries:
// an attempt's outcome is terminal for its job.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeUnresolved
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeUnresolved:
		return "unresolved_recipient"
	case OutcomeUnavailable:
		return "chat_unavailable"
	default:
		return "unknown"
	}
}

// Deliverer performs one send attempt. Implementations must not retry
// and must fail fast when the session cannot send.
type Deliverer interface {
	Deliver(ctx context.Context, job Job) Outcome
}

// Clock abstracts time so tests run without wall-clock waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// DelayWindow is the half-open jitter range [Min, Max) between sends.
type DelayWindow struct {
	Min time.Duration
	Max time.Duration
}

// Progress is published on the event bus after every delivery attempt.
type Progress struct {
	RunID     int64 `json:"run_id"`
	Completed int   `json:"completed"`
	Total     int   `json:"total"`
}

// Failure records a job that was not delivered.
type Failure struct {
	Seq       int     `json:"seq"`
	Recipient string  `json:"recipient"`
	Outcome   Outcome `json:"outcome"`
}

// MarshalText renders Outcome by name inside Failure JSON.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// RunStatus is a point-in-time snapshot of a run.
type RunStatus struct {
	ID          int64     `json:"id"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Sent        int       `json:"sent"`
	Unresolved  int       `json:"unresolved"`
	Unavailable int       `json:"unavailable"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Recorder receives the final status of a run, e.g. for history storage.
type Recorder interface {
	RecordRun(status RunStatus)
}

type run struct {
	id     int64
	jobs   []Job
	window DelayWindow

	// Guarded by Scheduler.mu.
	cursor      int
	sent        int
	unresolved  int
	unavailable int
	failures    []Failure
	running     bool
	startedAt   time.Time
	finishedAt  time.Time
}

// Scheduler owns every run and the single send gate.
type Scheduler struct {
	deliver Deliverer
	bus     eventbus.Bus
	logger  *slog.Logger
	clock   Clock
	intn    func(n int64) int64
	rec     Recorder
	metrics *metrics.Metrics

	// sendGate serializes delivery attempts across all runs.
	sendGate chan struct{}

	mu     sync.Mutex
	runs   map[int64]*run
	nextID int64

	wg sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock, for deterministic tests.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithRand injects the jitter source. fn must return a value in [0, n).
func WithRand(fn func(n int64) int64) Option { return func(s *Scheduler) { s.intn = fn } }

// WithRecorder registers a sink for completed run statuses.
func WithRecorder(r Recorder) Option { return func(s *Scheduler) { s.rec = r } }

// WithMetrics wires delivery counters.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// New creates a Scheduler.
func New(deliver Deliverer, bus eventbus.Bus, logger *slog.Logger, opts ...Option) *Scheduler {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &Scheduler{
		deliver:  deliver,
		bus:      bus,
		logger:   logger,
		clock:    systemClock{},
		intn:     rng.Int63n,
		sendGate: make(chan struct{}, 1),
		runs:     map[int64]*run{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ErrNoJobs is returned when a run would contain nothing to send.
var ErrNoJobs = errors.New("run contains no jobs")

// StartRun registers a new run and begins dispatching it. Run ids are
// monotonically assigned and unique for the process lifetime. The run
// stops early only when ctx is cancelled; per-job failures never do.
func (s *Scheduler) StartRun(ctx context.Context, jobs []Job, window DelayWindow) (int64, error) {
	if len(jobs) == 0 {
		return 0, ErrNoJobs
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID

	owned := make([]Job, len(jobs))
	copy(owned, jobs)
	for i := range owned {
		owned[i].RunID = id
		owned[i].Seq = i
	}

	r := &run{
		id:        id,
		jobs:      owned,
		window:    window,
		running:   true,
		startedAt: s.clock.Now(),
	}
	s.runs[id] = r
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RunsStartedTotal.Inc()
		s.metrics.RunsActive.Inc()
	}
	s.logger.Info("run started", "run_id", id, "total", len(owned),
		"delay_min", window.Min, "delay_max", window.Max)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, r)
	}()
	return id, nil
}

// loop delivers the run's jobs strictly in order. The next job is never
// issued before the previous attempt's outcome is known.
func (s *Scheduler) loop(ctx context.Context, r *run) {
	for i := range r.jobs {
		// Jitter before every dispatch, the first one included.
		if !s.sleep(ctx, s.jitter(r.window)) {
			s.finish(r, true)
			return
		}

		select {
		case s.sendGate <- struct{}{}:
		case <-ctx.Done():
			s.finish(r, true)
			return
		}
		outcome := s.deliver.Deliver(ctx, r.jobs[i])
		<-s.sendGate

		s.record(r, r.jobs[i], outcome)
	}
	s.finish(r, false)
}

func (s *Scheduler) record(r *run, job Job, outcome Outcome) {
	s.mu.Lock()
	r.cursor++
	switch outcome {
	case OutcomeSent:
		r.sent++
	case OutcomeUnresolved:
		r.unresolved++
		r.failures = append(r.failures, Failure{Seq: job.Seq, Recipient: job.RecipientRaw, Outcome: outcome})
	case OutcomeUnavailable:
		r.unavailable++
		r.failures = append(r.failures, Failure{Seq: job.Seq, Recipient: job.RecipientRaw, Outcome: outcome})
	}
	completed, total := r.cursor, len(r.jobs)
	s.mu.Unlock()

	if s.metrics != nil {
		switch outcome {
		case OutcomeSent:
			s.metrics.MessagesSentTotal.Inc()
		case OutcomeUnresolved:
			s.metrics.MessagesUnresolvedTotal.Inc()
		case OutcomeUnavailable:
			s.metrics.MessagesUnavailableTotal.Inc()
		}
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeProgress,
		Data: Progress{RunID: r.id, Completed: completed, Total: total},
	})
}

func (s *Scheduler) finish(r *run, cancelled bool) {
	s.mu.Lock()
	r.running = false
	r.finishedAt = s.clock.Now()
	status := snapshotLocked(r)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RunsActive.Dec()
	}
	if cancelled {
		s.logger.Warn("run cancelled", "run_id", r.id, "completed", status.Completed, "total", status.Total)
	} else {
		s.logger.Info("run finished", "run_id", r.id,
			"sent", status.Sent, "unresolved", status.Unresolved, "unavailable", status.Unavailable)
	}
	if s.rec != nil {
		s.rec.RecordRun(status)
	}
}

// sleep waits for d on the injected clock; false means ctx was cancelled.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

// jitter draws a delay uniformly from [Min, Max). The draw is
// serialized: run goroutines share one generator and math/rand sources
// are not safe for concurrent use.
func (s *Scheduler) jitter(w DelayWindow) time.Duration {
	span := w.Max - w.Min
	if span <= 0 {
		return w.Min
	}
	s.mu.Lock()
	n := s.intn(int64(span))
	s.mu.Unlock()
	return w.Min + time.Duration(n)
}

// Snapshot returns the status of one run.
func (s *Scheduler) Snapshot(id int64) (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	return snapshotLocked(r), true
}

// Runs returns the status of every run, oldest first.
func (s *Scheduler) Runs() []RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, snapshotLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until every run goroutine has exited. Cancel the contexts
// passed to StartRun first.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func snapshotLocked(r *run) RunStatus {
	st := RunStatus{
		ID:          r.id,
		Total:       len(r.jobs),
		Completed:   r.cursor,
		Sent:        r.sent,
		Unresolved:  r.unresolved,
		Unavailable: r.unavailable,
		Running:     r.running,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
	}
	if len(r.failures) > 0 {
		st.Failures = append([]Failure(nil), r.failures...)
	}
	return st
}
