// Package pgstore persists jobs in PostgreSQL through pgx/v5.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pewcron/pkg/codec"
	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
)

const (
	backend       = "postgres"
	schemaVersion = 1
	defaultTable  = "pewcron_jobs"
)

var errClosed = errors.New("store closed")

type Config struct {
	DSN   string
	Table string // default pewcron_jobs
	// Codec is "msgpack" (default) or "json".
	Codec         string
	OnDecodeError jobstore.DecodeErrorFunc
}

var _ jobstore.Store = (*Store)(nil)

type Store struct {
	cfg   Config
	log   logx.Logger
	codec codec.Codec

	table string // quoted identifier
	meta  string

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("pgstore: dsn is required")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultTable
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:   cfg,
		log:   log.With(logx.String("jobstore", backend), logx.String("table", cfg.Table)),
		codec: c,
		table: pgx.Identifier{cfg.Table}.Sanitize(),
		meta:  pgx.Identifier{cfg.Table + "_metadata"}.Sanitize(),
	}, nil
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	pcfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("pgstore: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return jobstore.Unavailable(backend, "connect", err)
	}
	if err := s.migrate(ctx, pool); err != nil {
		pool.Close()
		return jobstore.Unavailable(backend, "migrate", err)
	}
	s.pool = pool
	return nil
}

func (s *Store) migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.meta + ` (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id            TEXT PRIMARY KEY,
			next_run_time BIGINT,
			job_state     BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.cfg.Table + "_next_run_time"}.Sanitize() +
			` ON ` + s.table + ` (next_run_time)`,
		`INSERT INTO ` + s.meta + ` (key, value) VALUES ('schema_version', '` + strconv.Itoa(schemaVersion) + `')
			ON CONFLICT (key) DO NOTHING`,
	}
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	var raw string
	if err := pool.QueryRow(ctx, `SELECT value FROM `+s.meta+` WHERE key = 'schema_version'`).Scan(&raw); err != nil {
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
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Store) handle(op string) (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, jobstore.Unavailable(backend, op, errClosed)
	}
	return s.pool, nil
}

func (s *Store) AddJob(ctx context.Context, j job.Job) error {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return err
	}
	pool, err := s.handle("add job")
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, next_run_time, job_state) VALUES ($1, $2, $3)`,
		j.ID, runTimeKey(j.NextRunTime), data,
	)
	if isDuplicateKey(err) {
		return job.Conflict(j.ID)
	}
	return jobstore.Unavailable(backend, "add job", err)
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return err
	}
	pool, err := s.handle("update job")
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE `+s.table+` SET next_run_time = $2, job_state = $3 WHERE id = $1`,
		j.ID, runTimeKey(j.NextRunTime), data,
	)
	return checkAffected(tag, err, "update job", j.ID)
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	pool, err := s.handle("remove job")
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE id = $1`, id)
	return checkAffected(tag, err, "remove job", id)
}

func checkAffected(tag pgconn.CommandTag, err error, op, id string) error {
	if err != nil {
		return jobstore.Unavailable(backend, op, err)
	}
	if tag.RowsAffected() == 0 {
		return job.NotFound(id)
	}
	return nil
}

func (s *Store) RemoveAllJobs(ctx context.Context) error {
	pool, err := s.handle("remove all jobs")
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `DELETE FROM `+s.table)
	return jobstore.Unavailable(backend, "remove all jobs", err)
}

func (s *Store) LookupJob(ctx context.Context, id string) (job.Job, error) {
	pool, err := s.handle("lookup job")
	if err != nil {
		return job.Job{}, err
	}
	var data []byte
	err = pool.QueryRow(ctx, `SELECT job_state FROM `+s.table+` WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
		`SELECT id, job_state FROM `+s.table+` WHERE next_run_time <= $1 ORDER BY next_run_time, id`,
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
	pool, err := s.handle("next run time")
	if err != nil {
		return time.Time{}, err
	}
	var next *int64
	err = pool.QueryRow(ctx, `SELECT MIN(next_run_time) FROM `+s.table).Scan(&next)
	if err != nil {
		return time.Time{}, jobstore.Unavailable(backend, "next run time", err)
	}
	if next == nil {
		return time.Time{}, nil
	}
	return time.UnixMicro(*next), nil
}

func (s *Store) Jobs(ctx context.Context) ([]job.Job, error) {
	return s.query(ctx, "jobs", `SELECT id, job_state FROM `+s.table)
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]job.Job, error) {
	pool, err := s.handle(op)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, q, args...)
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

// isDuplicateKey reports a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// runTimeKey rounds up to whole microseconds so an indexed time never
// precedes the real one.
func runTimeKey(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	us := t.UnixMicro()
	if time.UnixMicro(us).Before(t) {
		us++
	}
	return &us
}
