package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/jobstore/storetest"
	"pewcron/pkg/logx"
)

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// crash drops the journal handle without compacting.
func crash(s *Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.journal.Close()
	s.journal = nil
}

func TestConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) jobstore.Store {
		return openStore(t, Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	})
}

func TestReopenReplaysJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs")
	s := openStore(t, Config{Path: path})
	writes := []error{
		s.AddJob(ctx, storetest.NewJob(t, "a", storetest.Base)),
		s.AddJob(ctx, storetest.NewJob(t, "b", time.Time{})),
		s.AddJob(ctx, storetest.NewJob(t, "c", storetest.Base)),
		s.RemoveJob(ctx, "c"),
	}
	for i, err := range writes {
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	crash(s)

	s2 := openStore(t, Config{Path: path})
	defer s2.Close()
	all, err := s2.Jobs(ctx)
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" || !all[1].Paused() {
		t.Fatalf("Jobs = %v, want [a b(paused)]", all)
	}
	if !all[0].NextRunTime.Equal(storetest.Base) {
		t.Fatalf("NextRunTime = %v, want %v", all[0].NextRunTime, storetest.Base)
	}
}

func TestCompactionTruncatesJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, Config{Path: filepath.Join(t.TempDir(), "jobs"), CompactEvery: 2})
	defer s.Close()

	if err := s.AddJob(ctx, storetest.NewJob(t, "a", storetest.Base)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if fi, err := os.Stat(s.journalPath); err != nil || fi.Size() == 0 {
		t.Fatalf("journal after one write = %v, %v; want non-empty", fi, err)
	}
	if err := s.AddJob(ctx, storetest.NewJob(t, "b", storetest.Base)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	fi, err := os.Stat(s.journalPath)
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size = %d, want 0", fi.Size())
	}

	data, err := os.ReadFile(s.snapPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Jobs) != 2 {
		t.Fatalf("snapshot jobs = %d, want 2", len(snap.Jobs))
	}
}

func TestUndecodableRecordIsSkippedAndKept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs")
	s := openStore(t, Config{Path: path})
	if err := s.AddJob(ctx, storetest.NewJob(t, "good", storetest.Base)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Inject a record with an unknown trigger kind.
	jf, err := os.OpenFile(s.journalPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	bad := `{"op":"put","id":"bad","job":{"version":1,"id":"bad","func":"x","trigger":{"kind":"lunar"},"executor":"default","jobstore":"default","next_run_time":null,"misfire_grace_time":1,"coalesce":true,"max_instances":1}}`
	if _, err := jf.WriteString(bad + "\n"); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	_ = jf.Close()

	var reported []string
	cfg := Config{Path: path, OnDecodeError: func(id string, err error) { reported = append(reported, id) }}
	s2 := openStore(t, cfg)
	if len(reported) != 1 || reported[0] != "bad" {
		t.Fatalf("decode errors = %v, want [bad]", reported)
	}
	if _, err := s2.LookupJob(ctx, "bad"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("LookupJob(bad) err = %v, want ErrJobNotFound", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The raw record survives compaction and is reported again.
	reported = nil
	s3 := openStore(t, cfg)
	defer s3.Close()
	if len(reported) != 1 {
		t.Fatalf("decode errors after reopen = %v, want [bad]", reported)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()

	s := openStore(t, Config{Path: filepath.Join(t.TempDir(), "jobs")})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := s.DueJobs(context.Background(), storetest.Base)
	if !errors.Is(err, jobstore.ErrUnavailable) {
		t.Fatalf("DueJobs err = %v, want ErrUnavailable", err)
	}
}
