package history

import (
	"log/slog"

	"github.com/TheLeoP/wpp/internal/scheduler"
)

// Recorder adapts the Store to the scheduler's completion hook.
// Persistence failures are logged, never propagated: history is a
// convenience and must not disturb delivery.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder wires a store as a scheduler.Recorder.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// RecordRun implements scheduler.Recorder.
func (r *Recorder) RecordRun(status scheduler.RunStatus) {
	rec := Record{
		RunID:       status.ID,
		Total:       status.Total,
		Completed:   status.Completed,
		Sent:        status.Sent,
		Unresolved:  status.Unresolved,
		Unavailable: status.Unavailable,
		StartedAt:   status.StartedAt,
		FinishedAt:  status.FinishedAt,
	}
	for _, f := range status.Failures {
		rec.Failures = append(rec.Failures, Failure{
			Seq:       f.Seq,
			Recipient: f.Recipient,
			Reason:    f.Outcome.String(),
		})
	}
	if err := r.store.Add(rec); err != nil {
		r.logger.Error("failed to record run history", "run_id", status.ID, "error", err)
	}
}
