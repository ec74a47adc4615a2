package job

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"pewcron/pkg/trigger"
)

func testJob(t *testing.T) Job {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tr, err := trigger.NewCron("0 9 * * *", loc)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	return Job{
		ID:               "report",
		Name:             "daily report",
		FuncRef:          "reports.daily",
		Trigger:          tr,
		Args:             []any{int64(1), "x", []any{true, nil}},
		Kwargs:           map[string]any{"to": "ops", "limits": map[string]any{"n": int64(3), "ratio": 0.5}},
		Executor:         "default",
		JobStore:         "default",
		NextRunTime:      time.Date(2026, 6, 2, 9, 0, 0, 0, loc),
		MisfireGraceTime: 1500 * time.Millisecond,
		Coalesce:         true,
		MaxInstances:     2,
	}
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want any
		bad  bool
	}{
		{in: 7, want: int64(7)},
		{in: uint8(7), want: int64(7)},
		{in: float32(0.5), want: 0.5},
		{in: []any{1, "a"}, want: []any{int64(1), "a"}},
		{in: map[string]any{"k": int32(2)}, want: map[string]any{"k": int64(2)}},
		{in: uint64(1 << 63), bad: true},
		{in: time.Now(), bad: true},
		{in: []string{"a"}, bad: true},
		{in: map[string]any{"ch": make(chan int)}, bad: true},
	}
	for _, tc := range cases {
		got, err := NormalizeValue(tc.in)
		if tc.bad {
			if !errors.Is(err, ErrUnserializable) {
				t.Fatalf("NormalizeValue(%T) err = %v, want ErrUnserializable", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeValue(%v): %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("NormalizeValue(%v) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()

	j := testJob(t)
	rec, err := ToRecord(j)
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	if rec.NextRunTime == nil || *rec.NextRunTime != "2026-06-02T09:00:00+02:00" {
		t.Fatalf("next_run_time = %v", rec.NextRunTime)
	}
	back, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if !back.NextRunTime.Equal(j.NextRunTime) || back.NextRunTime.Location().String() != "Europe/Berlin" {
		t.Fatalf("NextRunTime = %v (%s), want %v", back.NextRunTime, back.NextRunTime.Location(), j.NextRunTime)
	}
	if back.MisfireGraceTime != j.MisfireGraceTime {
		t.Fatalf("MisfireGraceTime = %v, want %v", back.MisfireGraceTime, j.MisfireGraceTime)
	}
	if !reflect.DeepEqual(back.Args, j.Args) || !reflect.DeepEqual(back.Kwargs, j.Kwargs) {
		t.Fatalf("args = %#v / %#v", back.Args, back.Kwargs)
	}
	if !reflect.DeepEqual(back.Trigger.Spec(), j.Trigger.Spec()) {
		t.Fatalf("trigger = %+v, want %+v", back.Trigger.Spec(), j.Trigger.Spec())
	}
}

func TestRecordPausedAndUnlimitedGrace(t *testing.T) {
	t.Parallel()

	j := testJob(t)
	j.NextRunTime = time.Time{}
	j.MisfireGraceTime = -1
	rec, err := ToRecord(j)
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	if rec.NextRunTime != nil || rec.MisfireGraceTime != nil {
		t.Fatalf("record = %+v, want nil next and grace", rec)
	}
	back, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if !back.Paused() || back.MisfireGraceTime >= 0 {
		t.Fatalf("back = %v grace=%v", back, back.MisfireGraceTime)
	}

	rec.Version = 9
	if _, err := FromRecord(rec); err == nil {
		t.Fatalf("FromRecord(version 9) succeeded")
	}
}

func TestLessOrdersPausedLast(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs := []Job{
		{ID: "paused"},
		{ID: "b", NextRunTime: base},
		{ID: "late", NextRunTime: base.Add(time.Minute)},
		{ID: "a", NextRunTime: base},
	}
	sort.Slice(jobs, func(i, k int) bool { return Less(jobs[i], jobs[k]) })
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	want := []string{"a", "b", "late", "paused"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	j := testJob(t)
	c := j.Clone()
	c.Args[2].([]any)[0] = false
	c.Kwargs["limits"].(map[string]any)["n"] = int64(99)
	if j.Args[2].([]any)[0] != true || j.Kwargs["limits"].(map[string]any)["n"] != int64(3) {
		t.Fatalf("Clone shares argument trees")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := func(context.Context, []any, map[string]any) (any, error) { return nil, nil }
	if err := r.Register("a.b", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a.b", noop); err == nil {
		t.Fatalf("duplicate Register succeeded")
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrJobLookup) {
		t.Fatalf("Lookup(missing) err = %v, want ErrJobLookup", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"a.b"}) {
		t.Fatalf("Names() = %v", got)
	}
}

func TestExecutionError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := error(&ExecutionError{JobID: "x", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("ExecutionError does not unwrap")
	}
	var ee *ExecutionError
	if !errors.As(err, &ee) || ee.JobID != "x" {
		t.Fatalf("errors.As failed: %v", err)
	}
}
