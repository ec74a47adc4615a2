// Package redisstore persists jobs in Redis.
//
// Keys (with the configured prefix):
//   - <prefix>jobs       hash of id -> encoded record
//   - <prefix>run_times  sorted set of id scored by next run time in unix
//     microseconds; paused jobs are absent
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pewcron/pkg/codec"
	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
)

const (
	backend       = "redis"
	defaultPrefix = "pewcron:"
	maxTxRetries  = 5
)

var errClosed = errors.New("store closed")

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "pewcron:"
	// Codec is "msgpack" (default) or "json".
	Codec         string
	OnDecodeError jobstore.DecodeErrorFunc
}

var _ jobstore.Store = (*Store)(nil)

type Store struct {
	cfg   Config
	log   logx.Logger
	codec codec.Codec

	jobsKey     string
	runTimesKey string

	mu     sync.RWMutex
	client redis.UniversalClient
	owned  bool
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redisstore: addr is required")
	}
	return newStore(cfg, log, nil)
}

// NewFromClient uses an existing client. The caller owns its lifecycle.
func NewFromClient(client redis.UniversalClient, cfg Config, log logx.Logger) (*Store, error) {
	return newStore(cfg, log, client)
}

func newStore(cfg Config, log logx.Logger, client redis.UniversalClient) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("redisstore: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		cfg:         cfg,
		log:         log.With(logx.String("jobstore", backend), logx.String("prefix", cfg.Prefix)),
		codec:       c,
		jobsKey:     cfg.Prefix + "jobs",
		runTimesKey: cfg.Prefix + "run_times",
	}
	if client != nil {
		s.client = client
	}
	return s, nil
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Addr,
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		})
		s.owned = true
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return jobstore.Unavailable(backend, "ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || !s.owned {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return jobstore.Unavailable(backend, "close", err)
}

func (s *Store) handle(op string) (redis.UniversalClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, jobstore.Unavailable(backend, op, errClosed)
	}
	return s.client, nil
}

func (s *Store) AddJob(ctx context.Context, j job.Job) error {
	return s.put(ctx, "add job", j, false)
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	return s.put(ctx, "update job", j, true)
}

// put writes j inside a WATCH transaction on the jobs hash. mustExist
// selects update (not found on absence) or add (conflict on presence).
func (s *Store) put(ctx context.Context, op string, j job.Job, mustExist bool) error {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return err
	}
	client, err := s.handle(op)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, s.jobsKey, j.ID).Result()
		if err != nil {
			return err
		}
		switch {
		case mustExist && !exists:
			return job.NotFound(j.ID)
		case !mustExist && exists:
			return job.Conflict(j.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.jobsKey, j.ID, data)
			if j.Paused() {
				pipe.ZRem(ctx, s.runTimesKey, j.ID)
			} else {
				pipe.ZAdd(ctx, s.runTimesKey, redis.Z{Score: runTimeScore(j.NextRunTime), Member: j.ID})
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = client.Watch(ctx, txf, s.jobsKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return jobstore.Unavailable(backend, op, err)
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	client, err := s.handle("remove job")
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	del := pipe.HDel(ctx, s.jobsKey, id)
	pipe.ZRem(ctx, s.runTimesKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return jobstore.Unavailable(backend, "remove job", err)
	}
	if del.Val() == 0 {
		return job.NotFound(id)
	}
	return nil
}

func (s *Store) RemoveAllJobs(ctx context.Context) error {
	client, err := s.handle("remove all jobs")
	if err != nil {
		return err
	}
	err = client.Del(ctx, s.jobsKey, s.runTimesKey).Err()
	return jobstore.Unavailable(backend, "remove all jobs", err)
}

func (s *Store) LookupJob(ctx context.Context, id string) (job.Job, error) {
	client, err := s.handle("lookup job")
	if err != nil {
		return job.Job{}, err
	}
	data, err := client.HGet(ctx, s.jobsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
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
	client, err := s.handle("due jobs")
	if err != nil {
		return nil, err
	}
	ids, err := client.ZRangeByScore(ctx, s.runTimesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, jobstore.Unavailable(backend, "due jobs", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := client.HMGet(ctx, s.jobsKey, ids...).Result()
	if err != nil {
		return nil, jobstore.Unavailable(backend, "due jobs", err)
	}
	var due []job.Job
	for i, v := range vals {
		j, ok := s.decodeValue(ids[i], v)
		if ok && !j.Paused() && !j.NextRunTime.After(now) {
			due = append(due, j)
		}
	}
	sortJobs(due)
	return due, nil
}

func (s *Store) NextRunTime(ctx context.Context) (time.Time, error) {
	client, err := s.handle("next run time")
	if err != nil {
		return time.Time{}, err
	}
	zs, err := client.ZRangeWithScores(ctx, s.runTimesKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, jobstore.Unavailable(backend, "next run time", err)
	}
	if len(zs) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMicro(int64(zs[0].Score)), nil
}

func (s *Store) Jobs(ctx context.Context) ([]job.Job, error) {
	client, err := s.handle("jobs")
	if err != nil {
		return nil, err
	}
	all, err := client.HGetAll(ctx, s.jobsKey).Result()
	if err != nil {
		return nil, jobstore.Unavailable(backend, "jobs", err)
	}
	out := make([]job.Job, 0, len(all))
	for id, v := range all {
		if j, ok := s.decodeValue(id, v); ok {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

// decodeValue decodes an HMGET/HGETALL value; missing entries are nil.
func (s *Store) decodeValue(id string, v any) (job.Job, bool) {
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		return job.Job{}, false
	}
	j, err := codec.DecodeJob(s.codec, data)
	if err != nil {
		s.decodeFailed(id, err)
		return job.Job{}, false
	}
	return j, true
}

func (s *Store) decodeFailed(id string, err error) {
	s.log.Warn("skipping undecodable job", logx.String("job_id", id), logx.Err(err))
	if s.cfg.OnDecodeError != nil {
		s.cfg.OnDecodeError(id, err)
	}
}

func sortJobs(jobs []job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool { return job.Less(jobs[a], jobs[b]) })
}

// runTimeScore rounds up to whole microseconds so a score never precedes
// the real run time.
func runTimeScore(t time.Time) float64 {
	us := t.UnixMicro()
	if time.UnixMicro(us).Before(t) {
		us++
	}
	return float64(us)
}
