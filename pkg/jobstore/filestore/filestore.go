// Package filestore is a dependency-free durable job store.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every record)
//   - <prefix>.journal.jsonl (append-only put/del journal)
//
// On open the snapshot is loaded, the journal replayed and both compacted
// into a fresh snapshot. The journal is compacted again every
// Config.CompactEvery writes.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pewcron/pkg/codec"
	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
)

const (
	backend             = "file"
	snapshotVersion     = 1
	defaultCompactEvery = 1000
)

var errClosed = errors.New("store closed")

type Config struct {
	// Path names the store; the extension is stripped to build the file
	// prefix.
	Path         string
	CompactEvery int
	// OnDecodeError is called for records that cannot be decoded at open.
	OnDecodeError jobstore.DecodeErrorFunc
}

var _ jobstore.Store = (*Store)(nil)

// Store keeps every job in memory and persists changes to disk. Records
// that fail to decode are kept verbatim so compaction does not lose them.
type Store struct {
	cfg   Config
	log   logx.Logger
	codec codec.Codec

	snapPath    string
	journalPath string

	// mu serializes writers so the journal order matches the index.
	mu      sync.Mutex
	journal *os.File
	index   *jobstore.MemoryStore
	raw     map[string]json.RawMessage
	bad     map[string]json.RawMessage
	writes  int
}

type snapshot struct {
	Version int                        `json:"version"`
	Jobs    map[string]json.RawMessage `json:"jobs"`
}

type journalEntry struct {
	Op  string          `json:"op"`
	ID  string          `json:"id,omitempty"`
	Job json.RawMessage `json:"job,omitempty"`
}

const (
	opPut   = "put"
	opDel   = "del"
	opClear = "clear"
)

func New(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("filestore: path is required")
	}
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = defaultCompactEvery
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	return &Store{
		cfg:         cfg,
		log:         log.With(logx.String("jobstore", backend), logx.String("path", path)),
		codec:       codec.JSON{},
		snapPath:    prefix + ".snapshot.json",
		journalPath: prefix + ".journal.jsonl",
	}, nil
}

func (s *Store) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.snapPath), 0o755); err != nil {
		return jobstore.Unavailable(backend, "open", err)
	}

	raw := map[string]json.RawMessage{}
	if err := loadSnapshot(s.snapPath, raw); err != nil && !errors.Is(err, os.ErrNotExist) {
		return jobstore.Unavailable(backend, "load snapshot", err)
	}
	if err := replayJournal(s.journalPath, raw); err != nil && !errors.Is(err, os.ErrNotExist) {
		return jobstore.Unavailable(backend, "replay journal", err)
	}

	s.index = jobstore.NewMemoryStore()
	s.raw = map[string]json.RawMessage{}
	s.bad = map[string]json.RawMessage{}
	for id, data := range raw {
		j, err := codec.DecodeJob(s.codec, data)
		if err == nil && j.ID != id {
			err = fmt.Errorf("record id %q stored under %q", j.ID, id)
		}
		if err != nil {
			s.log.Warn("skipping undecodable job", logx.String("job_id", id), logx.Err(err))
			if s.cfg.OnDecodeError != nil {
				s.cfg.OnDecodeError(id, err)
			}
			s.bad[id] = data
			continue
		}
		_ = s.index.AddJob(context.Background(), j)
		s.raw[id] = data
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return jobstore.Unavailable(backend, "open journal", err)
	}
	s.journal = jf
	if err := s.compactLocked(); err != nil {
		s.log.Warn("compact failed", logx.Err(err))
	}
	s.log.Debug("job store opened", logx.Int("jobs", len(s.raw)), logx.Int("undecodable", len(s.bad)))
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if err == nil {
		err = cerr
	}
	return jobstore.Unavailable(backend, "close", err)
}

func (s *Store) AddJob(ctx context.Context, j job.Job) error {
	data, stored, err := s.encode(j)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return jobstore.Unavailable(backend, "add job", errClosed)
	}
	if _, ok := s.raw[j.ID]; ok {
		return job.Conflict(j.ID)
	}
	if err := s.appendLocked(journalEntry{Op: opPut, ID: j.ID, Job: data}); err != nil {
		return jobstore.Unavailable(backend, "add job", err)
	}
	delete(s.bad, j.ID)
	s.raw[j.ID] = data
	return s.index.AddJob(ctx, stored)
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	data, stored, err := s.encode(j)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return jobstore.Unavailable(backend, "update job", errClosed)
	}
	if _, ok := s.raw[j.ID]; !ok {
		return job.NotFound(j.ID)
	}
	if err := s.appendLocked(journalEntry{Op: opPut, ID: j.ID, Job: data}); err != nil {
		return jobstore.Unavailable(backend, "update job", err)
	}
	s.raw[j.ID] = data
	return s.index.UpdateJob(ctx, stored)
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return jobstore.Unavailable(backend, "remove job", errClosed)
	}
	if _, ok := s.raw[id]; !ok {
		return job.NotFound(id)
	}
	if err := s.appendLocked(journalEntry{Op: opDel, ID: id}); err != nil {
		return jobstore.Unavailable(backend, "remove job", err)
	}
	delete(s.raw, id)
	return s.index.RemoveJob(ctx, id)
}

func (s *Store) RemoveAllJobs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return jobstore.Unavailable(backend, "remove all jobs", errClosed)
	}
	if err := s.appendLocked(journalEntry{Op: opClear}); err != nil {
		return jobstore.Unavailable(backend, "remove all jobs", err)
	}
	s.raw = map[string]json.RawMessage{}
	s.bad = map[string]json.RawMessage{}
	return s.index.RemoveAllJobs(ctx)
}

func (s *Store) LookupJob(ctx context.Context, id string) (job.Job, error) {
	idx, err := s.current("lookup job")
	if err != nil {
		return job.Job{}, err
	}
	return idx.LookupJob(ctx, id)
}

func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]job.Job, error) {
	idx, err := s.current("due jobs")
	if err != nil {
		return nil, err
	}
	return idx.DueJobs(ctx, now)
}

func (s *Store) NextRunTime(ctx context.Context) (time.Time, error) {
	idx, err := s.current("next run time")
	if err != nil {
		return time.Time{}, err
	}
	return idx.NextRunTime(ctx)
}

func (s *Store) Jobs(ctx context.Context) ([]job.Job, error) {
	idx, err := s.current("jobs")
	if err != nil {
		return nil, err
	}
	return idx.Jobs(ctx)
}

func (s *Store) current(op string) (*jobstore.MemoryStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, jobstore.Unavailable(backend, op, errClosed)
	}
	return s.index, nil
}

// encode serializes j and returns the job as a later decode will see it.
func (s *Store) encode(j job.Job) (json.RawMessage, job.Job, error) {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return nil, job.Job{}, err
	}
	stored, err := codec.DecodeJob(s.codec, data)
	if err != nil {
		return nil, job.Job{}, err
	}
	return data, stored, nil
}

func (s *Store) appendLocked(e journalEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.cfg.CompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *Store) compactLocked() error {
	snap := snapshot{Version: snapshotVersion, Jobs: make(map[string]json.RawMessage, len(s.raw)+len(s.bad))}
	for id, data := range s.bad {
		snap.Jobs[id] = data
	}
	for id, data := range s.raw {
		snap.Jobs[id] = data
	}

	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	for id, data := range snap.Jobs {
		out[id] = data
	}
	return nil
}

// replayJournal applies journal entries in order. A torn trailing line
// from a crash is ignored.
func replayJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Op {
		case opPut:
			if e.ID != "" && len(e.Job) > 0 {
				out[e.ID] = e.Job
			}
		case opDel:
			delete(out, e.ID)
		case opClear:
			clear(out)
		}
	}
	return sc.Err()
}
