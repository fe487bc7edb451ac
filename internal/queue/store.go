package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/seralvarez/capturefleet/internal/job"
)

const (
	// Fixed retry budget and backoff between delivery attempts.
	DefaultMaxAttempts = 2
	DefaultBackoff     = 10 * time.Second

	// Terminal jobs kept per state; older entries are pruned. The
	// retention set bounds growth, it is not an audit log.
	DefaultRetention = 100
)

// ErrNotFound is returned when a job id is unknown to the state table.
var ErrNotFound = errors.New("queue: job not found")

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Retention   int
}

// Delivery is one claimed attempt of a queued job.
type Delivery struct {
	Job     *job.Job
	Attempt int
}

// Store persists jobs with at-least-once delivery and owns the state table.
// The state table is the single source of truth for what a job is doing;
// runners report transitions, they never write it directly.
type Store struct {
	db   *sql.DB
	opts Options
}

func Open(path string, opts Options) (*Store, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}

	s := &Store{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		payload TEXT,
		state TEXT,
		attempts INTEGER,
		max_attempts INTEGER,
		last_error TEXT,
		next_run_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	);
	`
	_, err := s.db.Exec(q)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue persists j with the fixed retry budget and sets state queued. The
// returned identifier equals the job's own id, so re-submitting the same id
// is a no-op rather than a duplicate.
func (s *Store) Enqueue(j *job.Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO jobs(id,payload,state,attempts,max_attempts,last_error,next_run_at,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		j.ID, string(payload), job.StateQueued, 0, s.opts.MaxAttempts, "", now, j.CreatedAt, now)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// SetState records a reported lifecycle transition.
func (s *Store) SetState(jobID, state string) error {
	res, err := s.db.Exec(`UPDATE jobs SET state=?, updated_at=? WHERE id=?`,
		state, time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetState reads the current lifecycle state.
func (s *Store) GetState(jobID string) (string, error) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM jobs WHERE id=?`, jobID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

// ClaimNext atomically claims the oldest due queued job, marking it assigned
// and counting the attempt. Returns nil when nothing is due.
func (s *Store) ClaimNext(now time.Time) (*Delivery, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id, payload string
	var attempts int
	err = tx.QueryRow(
		`SELECT id, payload, attempts FROM jobs
		 WHERE state = ? AND next_run_at <= ?
		 ORDER BY created_at LIMIT 1`,
		job.StateQueued, now.UTC()).Scan(&id, &payload, &attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE jobs SET state=?, attempts=attempts+1, updated_at=? WHERE id=? AND state=?`,
		job.StateAssigned, now.UTC(), id, job.StateQueued)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var j job.Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("parsing job payload: %w", err)
	}
	return &Delivery{Job: &j, Attempt: attempts + 1}, nil
}

// Complete marks the job completed and prunes the success-retention set.
func (s *Store) Complete(jobID string) error {
	if err := s.SetState(jobID, job.StateCompleted); err != nil {
		return err
	}
	return s.prune(job.StateCompleted)
}

// Fail records a failed attempt. Within the retry budget the job goes back
// to queued with the fixed backoff delay; past it, it is marked failed and
// the failure-retention set is pruned.
func (s *Store) Fail(jobID, reason string) error {
	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id=?`, jobID).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if attempts < maxAttempts {
		_, err = s.db.Exec(
			`UPDATE jobs SET state=?, last_error=?, next_run_at=?, updated_at=? WHERE id=?`,
			job.StateQueued, reason, now.Add(s.opts.Backoff), now, jobID)
		return err
	}

	_, err = s.db.Exec(
		`UPDATE jobs SET state=?, last_error=?, updated_at=? WHERE id=?`,
		job.StateFailed, reason, now, jobID)
	if err != nil {
		return err
	}
	return s.prune(job.StateFailed)
}

// prune drops the oldest terminal entries beyond the retention limit.
func (s *Store) prune(state string) error {
	_, err := s.db.Exec(
		`DELETE FROM jobs WHERE state = ? AND id NOT IN (
			SELECT id FROM jobs WHERE state = ? ORDER BY updated_at DESC LIMIT ?
		)`, state, state, s.opts.Retention)
	return err
}

// CountByState reports how many jobs are in the given state.
func (s *Store) CountByState(state string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE state=?`, state).Scan(&n)
	return n, err
}
