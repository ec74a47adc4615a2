// Package storetest is the conformance suite every jobstore.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/trigger"
)

// Factory returns an opened, empty store. The suite closes it.
type Factory func(t *testing.T) jobstore.Store

// Base is the reference time used by the suite.
var Base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a valid job firing at next (zero means paused).
func NewJob(t *testing.T, id string, next time.Time) job.Job {
	t.Helper()
	tr, err := trigger.NewInterval(time.Minute, Base, time.Time{})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	return job.Job{
		ID:               id,
		Name:             "job " + id,
		FuncRef:          "test.noop",
		Trigger:          tr,
		Args:             []any{int64(1), "a"},
		Kwargs:           map[string]any{"k": "v"},
		Executor:         "default",
		JobStore:         "default",
		NextRunTime:      next,
		MisfireGraceTime: time.Second,
		Coalesce:         true,
		MaxInstances:     1,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s jobstore.Store)
	}{
		{"AddLookup", testAddLookup},
		{"Conflict", testConflict},
		{"NotFound", testNotFound},
		{"Update", testUpdate},
		{"DueJobsOrder", testDueJobsOrder},
		{"NextRunTime", testNextRunTime},
		{"JobsOrder", testJobsOrder},
		{"Snapshot", testSnapshot},
		{"RemoveAll", testRemoveAll},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func ids(jobs []job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func mustAdd(t *testing.T, s jobstore.Store, jobs ...job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.AddJob(context.Background(), j); err != nil {
			t.Fatalf("AddJob(%s): %v", j.ID, err)
		}
	}
}

func sameJob(got, want job.Job) error {
	switch {
	case got.ID != want.ID, got.Name != want.Name, got.FuncRef != want.FuncRef,
		got.Executor != want.Executor, got.JobStore != want.JobStore,
		got.MisfireGraceTime != want.MisfireGraceTime, got.Coalesce != want.Coalesce,
		got.MaxInstances != want.MaxInstances:
		return fmt.Errorf("job = %+v, want %+v", got, want)
	case !got.NextRunTime.Equal(want.NextRunTime):
		return fmt.Errorf("NextRunTime = %v, want %v", got.NextRunTime, want.NextRunTime)
	case !reflect.DeepEqual(got.Args, want.Args):
		return fmt.Errorf("Args = %#v, want %#v", got.Args, want.Args)
	case !reflect.DeepEqual(got.Kwargs, want.Kwargs):
		return fmt.Errorf("Kwargs = %#v, want %#v", got.Kwargs, want.Kwargs)
	case !reflect.DeepEqual(got.Trigger.Spec(), want.Trigger.Spec()):
		return fmt.Errorf("Trigger = %+v, want %+v", got.Trigger.Spec(), want.Trigger.Spec())
	}
	return nil
}

func testAddLookup(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	j := NewJob(t, "a", Base)
	mustAdd(t, s, j)

	got, err := s.LookupJob(ctx, "a")
	if err != nil {
		t.Fatalf("LookupJob: %v", err)
	}
	if err := sameJob(got, j); err != nil {
		t.Fatal(err)
	}
}

func testConflict(t *testing.T, s jobstore.Store) {
	j := NewJob(t, "a", Base)
	mustAdd(t, s, j)
	err := s.AddJob(context.Background(), j)
	if !errors.Is(err, job.ErrConflictingID) {
		t.Fatalf("AddJob(dup) err = %v, want ErrConflictingID", err)
	}
	if errors.Is(err, jobstore.ErrUnavailable) {
		t.Fatalf("conflict reported as unavailable: %v", err)
	}
}

func testNotFound(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if _, err := s.LookupJob(ctx, "nope"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("LookupJob err = %v, want ErrJobNotFound", err)
	}
	if err := s.RemoveJob(ctx, "nope"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("RemoveJob err = %v, want ErrJobNotFound", err)
	}
	if err := s.UpdateJob(ctx, NewJob(t, "nope", Base)); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("UpdateJob err = %v, want ErrJobNotFound", err)
	}
}

func testUpdate(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	mustAdd(t, s, NewJob(t, "a", Base), NewJob(t, "b", Base.Add(time.Minute)))

	moved := NewJob(t, "a", Base.Add(time.Hour))
	moved.Args = []any{int64(2), 0.5, map[string]any{"deep": []any{"x"}}}
	if err := s.UpdateJob(ctx, moved); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, err := s.LookupJob(ctx, "a")
	if err != nil {
		t.Fatalf("LookupJob: %v", err)
	}
	if err := sameJob(got, moved); err != nil {
		t.Fatal(err)
	}
	next, err := s.NextRunTime(ctx)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.Equal(Base.Add(time.Minute)) {
		t.Fatalf("NextRunTime = %v, want %v", next, Base.Add(time.Minute))
	}
}

func testDueJobsOrder(t *testing.T, s jobstore.Store) {
	mustAdd(t, s,
		NewJob(t, "late", Base.Add(time.Minute)),
		NewJob(t, "b", Base),
		NewJob(t, "future", Base.Add(time.Hour)),
		NewJob(t, "a", Base),
		NewJob(t, "paused", time.Time{}),
		NewJob(t, "early", Base.Add(-time.Minute)),
	)
	due, err := s.DueJobs(context.Background(), Base.Add(time.Minute))
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	want := []string{"early", "a", "b", "late"}
	if got := ids(due); !reflect.DeepEqual(got, want) {
		t.Fatalf("DueJobs = %v, want %v", got, want)
	}
}

func testNextRunTime(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	next, err := s.NextRunTime(ctx)
	if err != nil || !next.IsZero() {
		t.Fatalf("empty NextRunTime = %v, %v; want zero", next, err)
	}
	mustAdd(t, s, NewJob(t, "paused", time.Time{}))
	if next, err = s.NextRunTime(ctx); err != nil || !next.IsZero() {
		t.Fatalf("paused-only NextRunTime = %v, %v; want zero", next, err)
	}
	mustAdd(t, s, NewJob(t, "x", Base.Add(time.Hour)), NewJob(t, "y", Base))
	if next, err = s.NextRunTime(ctx); err != nil || !next.Equal(Base) {
		t.Fatalf("NextRunTime = %v, %v; want %v", next, err, Base)
	}
}

func testJobsOrder(t *testing.T, s jobstore.Store) {
	mustAdd(t, s,
		NewJob(t, "p2", time.Time{}),
		NewJob(t, "b", Base),
		NewJob(t, "p1", time.Time{}),
		NewJob(t, "a", Base.Add(time.Second)),
	)
	all, err := s.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	want := []string{"b", "a", "p1", "p2"}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("Jobs = %v, want %v", got, want)
	}
}

func testSnapshot(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	mustAdd(t, s, NewJob(t, "a", Base), NewJob(t, "b", Base))

	due, err := s.DueJobs(ctx, Base)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if err := s.RemoveJob(ctx, "b"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	mustAdd(t, s, NewJob(t, "c", Base))
	if got := ids(due); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("snapshot changed: %v", got)
	}

	due[0].Args[1] = "mutated"
	got, err := s.LookupJob(ctx, "a")
	if err != nil {
		t.Fatalf("LookupJob: %v", err)
	}
	if got.Args[1] != "a" {
		t.Fatalf("store shares args with caller: %v", got.Args)
	}
}

func testRemoveAll(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	mustAdd(t, s, NewJob(t, "a", Base), NewJob(t, "b", time.Time{}))
	if err := s.RemoveAllJobs(ctx); err != nil {
		t.Fatalf("RemoveAllJobs: %v", err)
	}
	all, err := s.Jobs(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("Jobs after RemoveAll = %v, %v", ids(all), err)
	}
	mustAdd(t, s, NewJob(t, "a", Base))
}
