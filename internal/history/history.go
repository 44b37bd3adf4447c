// Package history persists finished campaign runs in a BoltDB file, so
// delivery results survive a restart and remain inspectable. The
// in-memory unresolved list is deliberately not persisted; this store
// only keeps per-run summaries.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// Failure is one undelivered recipient within a run.
type Failure struct {
	Seq       int    `json:"seq"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// Record is the stored summary of one run. Run ids restart with the
// process, so every record also carries a process-independent ID.
type Record struct {
	ID          string    `json:"id"`
	RunID       int64     `json:"run_id"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Sent        int       `json:"sent"`
	Unresolved  int       `json:"unresolved"`
	Unavailable int       `json:"unavailable"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Store is a BoltDB-backed run archive.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores one run record.
func (s *Store) Add(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		// Keys sort by start time so a cursor walk is chronological;
		// the uuid suffix keeps simultaneous runs distinct.
		key := []byte(rec.StartedAt.UTC().Format(time.RFC3339Nano) + "_" + rec.ID)
		return tx.Bucket(bucketRuns).Put(key, data)
	})
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	return out, nil
}
