package codec

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/trigger"
)

func sampleJob(t *testing.T) job.Job {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	hourly, err := trigger.NewCron("0 * * * *", loc)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	every, err := trigger.NewInterval(90*time.Minute, time.Date(2026, 1, 1, 0, 0, 0, 0, loc), time.Time{})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	and, err := trigger.NewAnd(hourly, every)
	if err != nil {
		t.Fatalf("NewAnd: %v", err)
	}
	return job.Job{
		ID:               "sync",
		Name:             "sync mailboxes",
		FuncRef:          "mail.sync",
		Trigger:          and,
		Args:             []any{int64(42), "inbox", []any{true, nil, "x"}},
		Kwargs:           map[string]any{"limit": int64(-3), "ratio": 0.25, "nested": map[string]any{"big": int64(math.MaxInt64)}},
		Executor:         "pool",
		JobStore:         "sqlite",
		NextRunTime:      time.Date(2026, 3, 8, 3, 0, 0, 0, loc),
		MisfireGraceTime: 30 * time.Second,
		Coalesce:         false,
		MaxInstances:     3,
	}
}

func assertSameJob(t *testing.T, got, want job.Job) {
	t.Helper()
	if got.ID != want.ID || got.Name != want.Name || got.FuncRef != want.FuncRef ||
		got.Executor != want.Executor || got.JobStore != want.JobStore ||
		got.MisfireGraceTime != want.MisfireGraceTime || got.Coalesce != want.Coalesce ||
		got.MaxInstances != want.MaxInstances {
		t.Fatalf("job = %+v, want %+v", got, want)
	}
	if !got.NextRunTime.Equal(want.NextRunTime) {
		t.Fatalf("NextRunTime = %v, want %v", got.NextRunTime, want.NextRunTime)
	}
	_, gotOff := got.NextRunTime.Zone()
	_, wantOff := want.NextRunTime.Zone()
	if gotOff != wantOff {
		t.Fatalf("NextRunTime offset = %d, want %d", gotOff, wantOff)
	}
	if !reflect.DeepEqual(got.Args, want.Args) {
		t.Fatalf("Args = %#v, want %#v", got.Args, want.Args)
	}
	if !reflect.DeepEqual(got.Kwargs, want.Kwargs) {
		t.Fatalf("Kwargs = %#v, want %#v", got.Kwargs, want.Kwargs)
	}
	if !reflect.DeepEqual(got.Trigger.Spec(), want.Trigger.Spec()) {
		t.Fatalf("Trigger = %+v, want %+v", got.Trigger.Spec(), want.Trigger.Spec())
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []Codec{JSON{}, Msgpack{}} {
		j := sampleJob(t)
		data, err := EncodeJob(c, j)
		if err != nil {
			t.Fatalf("%s: EncodeJob: %v", c.Name(), err)
		}
		back, err := DecodeJob(c, data)
		if err != nil {
			t.Fatalf("%s: DecodeJob: %v", c.Name(), err)
		}
		assertSameJob(t, back, j)
	}
}

func TestJSONRejectsIntegralFloat(t *testing.T) {
	t.Parallel()

	j := sampleJob(t)
	j.Args = []any{float64(2)}

	if _, err := EncodeJob(JSON{}, j); !errors.Is(err, job.ErrUnserializable) {
		t.Fatalf("json err = %v, want ErrUnserializable", err)
	}
	data, err := EncodeJob(Msgpack{}, j)
	if err != nil {
		t.Fatalf("msgpack EncodeJob: %v", err)
	}
	back, err := DecodeJob(Msgpack{}, data)
	if err != nil {
		t.Fatalf("msgpack DecodeJob: %v", err)
	}
	if v, ok := back.Args[0].(float64); !ok || v != 2 {
		t.Fatalf("msgpack arg = %#v, want float64(2)", back.Args[0])
	}
}

func TestRejectsUnsupportedValues(t *testing.T) {
	t.Parallel()

	cases := []any{
		time.Now(),
		struct{ A int }{1},
		math.NaN(),
	}
	for _, v := range cases {
		j := sampleJob(t)
		j.Kwargs = map[string]any{"v": v}
		if _, err := EncodeJob(JSON{}, j); !errors.Is(err, job.ErrUnserializable) {
			t.Fatalf("EncodeJob(%T) err = %v, want ErrUnserializable", v, err)
		}
	}
}

func TestPausedJobHasNullNextRunTime(t *testing.T) {
	t.Parallel()

	j := sampleJob(t)
	j.NextRunTime = time.Time{}
	data, err := EncodeJob(JSON{}, j)
	if err != nil {
		t.Fatalf("EncodeJob: %v", err)
	}
	rec, err := JSON{}.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.NextRunTime != nil {
		t.Fatalf("next_run_time = %v, want null", *rec.NextRunTime)
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"": "msgpack", "MsgPack": "msgpack", "json": "json"} {
		c, err := ByName(name)
		if err != nil || c.Name() != want {
			t.Fatalf("ByName(%q) = %v, %v; want %s", name, c, err, want)
		}
	}
	if _, err := ByName("gob"); err == nil {
		t.Fatalf("ByName(gob) succeeded")
	}
}
