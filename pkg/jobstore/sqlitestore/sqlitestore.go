// Package sqlitestore persists jobs in a SQLite database file.
//
// Each job is one row: the encoded record in job_state and its next run
// time as unix microseconds (NULL when paused) in an indexed column.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pewcron/pkg/codec"
	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
)

const (
	backend       = "sqlite"
	schemaVersion = 1
)

//go:embed migrations.sql
var migrations string

var errClosed = errors.New("store closed")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// Codec is "msgpack" (default) or "json".
	Codec         string
	OnDecodeError jobstore.DecodeErrorFunc
}

var _ jobstore.Store = (*Store)(nil)

type Store struct {
	cfg   Config
	log   logx.Logger
	codec codec.Codec

	mu sync.RWMutex
	db *sql.DB
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlitestore: path is required")
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:   cfg,
		log:   log.With(logx.String("jobstore", backend), logx.String("path", cfg.Path)),
		codec: c,
	}, nil
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return jobstore.Unavailable(backend, "open", err)
	}
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return jobstore.Unavailable(backend, "open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return jobstore.Unavailable(backend, "pragma", err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return jobstore.Unavailable(backend, "migrate", err)
	}
	s.db = db
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return err
	}
	var raw string
	if err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("bad schema_version %q", raw)
	}
	if v > schemaVersion {
		return fmt.Errorf("schema_version %d is newer than supported %d", v, schemaVersion)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return jobstore.Unavailable(backend, "close", err)
}

func (s *Store) handle(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, jobstore.Unavailable(backend, op, errClosed)
	}
	return s.db, nil
}

func (s *Store) AddJob(ctx context.Context, j job.Job) error {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return err
	}
	db, err := s.handle("add job")
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO jobs(id, next_run_time, job_state) VALUES(?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, runTimeKey(j.NextRunTime), data,
	)
	if err != nil {
		return jobstore.Unavailable(backend, "add job", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return jobstore.Unavailable(backend, "add job", err)
	} else if n == 0 {
		return job.Conflict(j.ID)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return err
	}
	db, err := s.handle("update job")
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET next_run_time = ?, job_state = ? WHERE id = ?`,
		runTimeKey(j.NextRunTime), data, j.ID,
	)
	return s.checkAffected(res, err, "update job", j.ID)
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	db, err := s.handle("remove job")
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return s.checkAffected(res, err, "remove job", id)
}

func (s *Store) checkAffected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return jobstore.Unavailable(backend, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return jobstore.Unavailable(backend, op, err)
	}
	if n == 0 {
		return job.NotFound(id)
	}
	return nil
}

func (s *Store) RemoveAllJobs(ctx context.Context) error {
	db, err := s.handle("remove all jobs")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM jobs`)
	return jobstore.Unavailable(backend, "remove all jobs", err)
}

func (s *Store) LookupJob(ctx context.Context, id string) (job.Job, error) {
	db, err := s.handle("lookup job")
	if err != nil {
		return job.Job{}, err
	}
	var data []byte
	err = db.QueryRowContext(ctx, `SELECT job_state FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, job.NotFound(id)
	}
	if err != nil {
		return job.Job{}, jobstore.Unavailable(backend, "lookup job", err)
	}
	j, err := codec.DecodeJob(s.codec, data)
	if err != nil {
		s.decodeFailed(id, err)
		return job.Job{}, job.NotFound(id)
	}
	return j, nil
}

func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]job.Job, error) {
	jobs, err := s.query(ctx, "due jobs",
		`SELECT id, job_state FROM jobs WHERE next_run_time <= ? ORDER BY next_run_time, id`,
		now.UnixMicro(),
	)
	if err != nil {
		return nil, err
	}
	due := jobs[:0]
	for _, j := range jobs {
		if !j.Paused() && !j.NextRunTime.After(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

func (s *Store) NextRunTime(ctx context.Context) (time.Time, error) {
	db, err := s.handle("next run time")
	if err != nil {
		return time.Time{}, err
	}
	var next sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT MIN(next_run_time) FROM jobs WHERE next_run_time IS NOT NULL`).Scan(&next)
	if err != nil {
		return time.Time{}, jobstore.Unavailable(backend, "next run time", err)
	}
	if !next.Valid {
		return time.Time{}, nil
	}
	return time.UnixMicro(next.Int64), nil
}

func (s *Store) Jobs(ctx context.Context) ([]job.Job, error) {
	return s.query(ctx, "jobs", `SELECT id, job_state FROM jobs`)
}

// query decodes every selected row and returns them ordered by job.Less.
func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]job.Job, error) {
	db, err := s.handle(op)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, jobstore.Unavailable(backend, op, err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, jobstore.Unavailable(backend, op, err)
		}
		j, err := codec.DecodeJob(s.codec, data)
		if err != nil {
			s.decodeFailed(id, err)
			continue
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, jobstore.Unavailable(backend, op, err)
	}
	sort.SliceStable(out, func(a, b int) bool { return job.Less(out[a], out[b]) })
	return out, nil
}

func (s *Store) decodeFailed(id string, err error) {
	s.log.Warn("skipping undecodable job", logx.String("job_id", id), logx.Err(err))
	if s.cfg.OnDecodeError != nil {
		s.cfg.OnDecodeError(id, err)
	}
}

// runTimeKey rounds up to whole microseconds so an indexed time never
// precedes the real one.
func runTimeKey(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	us := t.UnixMicro()
	if time.UnixMicro(us).Before(t) {
		us++
	}
	return us
}
