package trigger

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata for %s unavailable: %v", name, err)
	}
	return loc
}

func mustCron(t *testing.T, expr string, loc *time.Location) *Cron {
	t.Helper()
	c, err := NewCron(expr, loc)
	if err != nil {
		t.Fatalf("NewCron(%q): %v", expr, err)
	}
	return c
}

func TestDateFiresOnce(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d := NewDate(at)
	if got := d.NextFireTime(time.Time{}, at.Add(-time.Hour)); !got.Equal(at) {
		t.Fatalf("first = %v, want %v", got, at)
	}
	if got := d.NextFireTime(at, at); !got.IsZero() {
		t.Fatalf("second = %v, want zero", got)
	}
	if got := d.NextFireTime(at.Add(-time.Minute), at); !got.Equal(at) {
		t.Fatalf("prev before at = %v, want %v", got, at)
	}
}

func TestIntervalSequence(t *testing.T) {
	t.Parallel()

	T := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	it, err := NewInterval(time.Minute, T, time.Time{})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	cases := []struct {
		name      string
		prev, now time.Time
		want      time.Time
	}{
		{"first before start", time.Time{}, T.Add(-time.Minute), T},
		{"first at start", time.Time{}, T, T},
		{"first after start aligns", time.Time{}, T.Add(10 * time.Second), T.Add(time.Minute)},
		{"second", T, T, T.Add(time.Minute)},
		{"late within one interval", T, T.Add(90 * time.Second), T.Add(time.Minute)},
		{"far behind still steps once", T, T.Add(5*time.Minute + 30*time.Second), T.Add(time.Minute)},
		{"off-grid prev realigns", T.Add(90 * time.Second), T, T.Add(2 * time.Minute)},
		{"prev before start", T.Add(-time.Hour), T.Add(-time.Hour), T},
	}
	for _, tc := range cases {
		if got := it.NextFireTime(tc.prev, tc.now); !got.Equal(tc.want) {
			t.Fatalf("%s: NextFireTime = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIntervalDefaultsAndEnd(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	it, err := NewInterval(time.Minute, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	if got := it.NextFireTime(time.Time{}, now); !got.Equal(now) {
		t.Fatalf("unset start = %v, want now %v", got, now)
	}

	bounded, err := NewInterval(time.Minute, now, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	if got := bounded.NextFireTime(now.Add(2*time.Minute), now); !got.IsZero() {
		t.Fatalf("past end = %v, want zero", got)
	}

	if _, err := NewInterval(0, time.Time{}, time.Time{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("zero interval err = %v, want ErrInvalid", err)
	}
}

func TestCronTopOfHourIgnoresNow(t *testing.T) {
	t.Parallel()

	c := mustCron(t, "0 * * * *", time.UTC)
	prev := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
	for _, now := range []time.Time{prev.Add(-time.Hour), prev, prev.Add(5 * time.Hour)} {
		if got := c.NextFireTime(prev, now); !got.Equal(want) {
			t.Fatalf("now=%v: NextFireTime = %v, want %v", now, got, want)
		}
	}
}

func TestCronFirstFireIsInclusive(t *testing.T) {
	t.Parallel()

	c := mustCron(t, "0 * * * *", time.UTC)
	at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	if got := c.NextFireTime(time.Time{}, at); !got.Equal(at) {
		t.Fatalf("exact = %v, want %v", got, at)
	}
	if got := c.NextFireTime(time.Time{}, at.Add(500*time.Millisecond)); !got.Equal(at.Add(time.Hour)) {
		t.Fatalf("sub-second later = %v, want %v", got, at.Add(time.Hour))
	}
}

func TestCronSecondsAndDescriptors(t *testing.T) {
	t.Parallel()

	prev := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * * *", prev.Add(15 * time.Second)},
		{"@hourly", prev.Add(time.Hour)},
		{"@daily", time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)},
		{"0 9 * * MON", time.Date(2026, 6, 8, 9, 0, 0, 0, time.UTC)},
		{"0 0 1,15 * *", time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		c := mustCron(t, tc.expr, time.UTC)
		if got := c.NextFireTime(prev, prev); !got.Equal(tc.want) {
			t.Fatalf("%q: NextFireTime = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestCronImpossibleTerminates(t *testing.T) {
	t.Parallel()

	c := mustCron(t, "0 0 31 2 *", time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := c.NextFireTime(time.Time{}, now); !got.IsZero() {
		t.Fatalf("Feb 31 = %v, want zero", got)
	}
}

func TestCronLeapDay(t *testing.T) {
	t.Parallel()

	c := mustCron(t, "0 0 29 2 *", time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)
	if got := c.NextFireTime(time.Time{}, now); !got.Equal(want) {
		t.Fatalf("leap day = %v, want %v", got, want)
	}
}

func TestCronSpringForwardSkipsMissingTime(t *testing.T) {
	t.Parallel()

	ny := mustLoc(t, "America/New_York")
	daily := mustCron(t, "30 2 * * *", ny)
	prev := time.Date(2026, 3, 7, 2, 30, 0, 0, ny)
	want := time.Date(2026, 3, 9, 2, 30, 0, 0, ny)
	if got := daily.NextFireTime(prev, prev); !got.Equal(want) {
		t.Fatalf("daily 02:30 = %v, want %v", got, want)
	}

	halfHourly := mustCron(t, "*/30 * * * *", ny)
	prev = time.Date(2026, 3, 8, 1, 30, 0, 0, ny)
	want = time.Date(2026, 3, 8, 3, 0, 0, 0, ny)
	got := halfHourly.NextFireTime(prev, prev)
	if !got.Equal(want) {
		t.Fatalf("half-hourly across gap = %v, want %v", got, want)
	}
	if d := got.Sub(prev); d != 30*time.Minute {
		t.Fatalf("elapsed across gap = %v, want 30m", d)
	}
}

func TestCronFallBackMatchesFirstOccurrenceOnly(t *testing.T) {
	t.Parallel()

	ny := mustLoc(t, "America/New_York")
	c := mustCron(t, "*/30 1 * * *", ny)

	start := time.Date(2026, 11, 1, 0, 30, 0, 0, ny)
	var got []time.Time
	prev := start
	for i := 0; i < 3; i++ {
		prev = c.NextFireTime(prev, start)
		got = append(got, prev)
	}

	want := []time.Time{
		time.Date(2026, 11, 1, 5, 0, 0, 0, time.UTC),  // 01:00 EDT
		time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC), // 01:30 EDT
		time.Date(2026, 11, 2, 6, 0, 0, 0, time.UTC),  // 01:00 EST next day
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("fire %d = %v, want %v", i, got[i].UTC(), want[i])
		}
	}
}

func TestCronBounds(t *testing.T) {
	t.Parallel()

	base := mustCron(t, "0 * * * *", time.UTC)
	start := time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC)
	c, err := base.Between(start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if got := c.NextFireTime(time.Time{}, start.Add(-24*time.Hour)); !got.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("first bounded = %v", got)
	}
	last := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := c.NextFireTime(last, last); !got.IsZero() {
		t.Fatalf("after end = %v, want zero", got)
	}
}

func TestCronRejectsFixedDelay(t *testing.T) {
	t.Parallel()

	if _, err := NewCron("@every 5m", time.UTC); !errors.Is(err, ErrInvalid) {
		t.Fatalf("NewCron(@every) err = %v, want ErrInvalid", err)
	}
	if _, err := NewCron("61 * * * *", time.UTC); !errors.Is(err, ErrInvalid) {
		t.Fatalf("NewCron(61) err = %v, want ErrInvalid", err)
	}
}

func TestCronTZPrefix(t *testing.T) {
	t.Parallel()

	jkt := mustLoc(t, "Asia/Jakarta")
	c := mustCron(t, "CRON_TZ=Asia/Jakarta 0 9 * * *", time.UTC)
	if c.Location().String() != jkt.String() {
		t.Fatalf("location = %v, want %v", c.Location(), jkt)
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, 6, 1, 9, 0, 0, 0, jkt)
	if got := c.NextFireTime(time.Time{}, now); !got.Equal(want) {
		t.Fatalf("NextFireTime = %v, want %v", got, want)
	}
}

func TestAndFindsCommonFireTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	hourly := mustCron(t, "0 * * * *", time.UTC)
	every90, err := NewInterval(90*time.Minute, t0, time.Time{})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	and, err := NewAnd(hourly, every90)
	if err != nil {
		t.Fatalf("NewAnd: %v", err)
	}

	first := and.NextFireTime(time.Time{}, t0)
	if !first.Equal(t0) {
		t.Fatalf("first = %v, want %v", first, t0)
	}
	if got := and.NextFireTime(first, t0); !got.Equal(t0.Add(3 * time.Hour)) {
		t.Fatalf("second = %v, want %v", got, t0.Add(3*time.Hour))
	}
}

func TestAndNeverAgreeGivesUp(t *testing.T) {
	t.Parallel()

	a, err := NewAnd(mustCron(t, "0 0 * * *", time.UTC), mustCron(t, "30 0 * * *", time.UTC))
	if err != nil {
		t.Fatalf("NewAnd: %v", err)
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := a.NextFireTime(time.Time{}, now); !got.IsZero() {
		t.Fatalf("disjoint and = %v, want zero", got)
	}
}

func walk(tr Trigger, now time.Time, n int) []time.Time {
	var out []time.Time
	prev := time.Time{}
	for len(out) < n {
		next := tr.NextFireTime(prev, now)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		prev = next
	}
	return out
}

func sameTimes(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func TestOrIsUnionOfMembers(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	hourly, _ := NewInterval(time.Hour, t0, time.Time{})
	every45, _ := NewInterval(45*time.Minute, t0, time.Time{})

	cases := []struct {
		name    string
		members []Trigger
		want    []time.Duration
	}{
		{"two cron", []Trigger{mustCron(t, "0 9 * * *", time.UTC), mustCron(t, "0 17 * * *", time.UTC)},
			[]time.Duration{7 * time.Hour, 23 * time.Hour, 31 * time.Hour}},
		{"two intervals", []Trigger{hourly, every45},
			[]time.Duration{0, 45 * time.Minute, time.Hour, 90 * time.Minute, 2 * time.Hour, 135 * time.Minute}},
		{"date between hourly", []Trigger{NewDate(t0.Add(30 * time.Minute)), hourly},
			[]time.Duration{0, 30 * time.Minute, time.Hour, 2 * time.Hour}},
	}
	for _, tc := range cases {
		or, err := NewOr(tc.members...)
		if err != nil {
			t.Fatalf("%s: NewOr: %v", tc.name, err)
		}
		var want []time.Time
		for _, d := range tc.want {
			want = append(want, t0.Add(d))
		}
		if got := walk(or, t0, len(want)); !sameTimes(got, want) {
			t.Fatalf("%s: fire times = %v, want %v", tc.name, got, want)
		}
	}
	if _, err := NewOr(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty or err = %v, want ErrInvalid", err)
	}
}

func TestLatest(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(3*time.Hour + 500*time.Millisecond)
	perSecond := mustCron(t, "* * * * * *", time.UTC)
	every7, _ := NewInterval(7*time.Minute, t0, time.Time{})
	unanchored, _ := NewInterval(7*time.Minute, time.Time{}, time.Time{})

	cases := []struct {
		name string
		tr   Trigger
		n    int
		want []time.Time
	}{
		{"cron latest", perSecond, 1, []time.Time{t0.Add(3 * time.Hour)}},
		{"cron tail", perSecond, 3, []time.Time{t0.Add(3*time.Hour - 2*time.Second), t0.Add(3*time.Hour - time.Second), t0.Add(3 * time.Hour)}},
		{"interval grid", every7, 2, []time.Time{t0.Add(168 * time.Minute), t0.Add(175 * time.Minute)}},
		{"interval anchored at from", unanchored, 1, []time.Time{t0.Add(175 * time.Minute)}},
		{"sparse cron returns from", mustCron(t, "0 0 1 1 *", time.UTC), 1, []time.Time{t0}},
	}
	for _, tc := range cases {
		if got := Latest(tc.tr, t0, now, tc.n, 100); !sameTimes(got, tc.want) {
			t.Fatalf("%s: Latest = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ny := mustLoc(t, "America/New_York")
	every, _ := NewInterval(37*time.Minute, now, time.Time{})
	or, _ := NewOr(mustCron(t, "*/20 * * * *", ny), every)
	and, _ := NewAnd(mustCron(t, "0 */2 * * *", time.UTC), mustCron(t, "0 */3 * * *", time.UTC))

	triggers := []Trigger{
		every,
		mustCron(t, "15,45 * * * *", ny),
		mustCron(t, "0 1,2,3 * * *", ny),
		or,
		and,
	}
	for _, tr := range triggers {
		prev := tr.NextFireTime(time.Time{}, now)
		for i := 0; i < 500 && !prev.IsZero(); i++ {
			next := tr.NextFireTime(prev, now)
			if next.IsZero() {
				break
			}
			if !next.After(prev) {
				t.Fatalf("%s: step %d: %v not after %v", tr, i, next, prev)
			}
			prev = next
		}
	}
}

func TestSpecRoundTrip(t *testing.T) {
	t.Parallel()

	berlin := mustLoc(t, "Europe/Berlin")
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, berlin)
	every, _ := NewInterval(45*time.Minute, start, start.Add(48*time.Hour))
	cron, _ := mustCron(t, "0 9 * * MON-FRI", berlin).Between(start, time.Time{})
	or, _ := NewOr(cron, NewDate(start.Add(time.Hour)))
	and, _ := NewAnd(every, mustCron(t, "0 * * * *", time.UTC))

	now := start.Add(-time.Minute)
	for _, tr := range []Trigger{NewDate(start), every, cron, or, and} {
		back, err := FromSpec(tr.Spec())
		if err != nil {
			t.Fatalf("%s: FromSpec: %v", tr, err)
		}
		if !reflect.DeepEqual(back.Spec(), tr.Spec()) {
			t.Fatalf("%s: spec = %+v, want %+v", tr, back.Spec(), tr.Spec())
		}
		a, b := tr.NextFireTime(time.Time{}, now), back.NextFireTime(time.Time{}, now)
		if !a.Equal(b) {
			t.Fatalf("%s: first fire %v != %v", tr, b, a)
		}
	}

	if _, err := FromSpec(Spec{Kind: "weekly"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown kind err = %v, want ErrInvalid", err)
	}
	if _, err := FromSpec(Spec{Kind: KindCron, Expr: "* * * * *", Timezone: "Mars/Olympus"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad timezone err = %v, want ErrInvalid", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  Kind
		every time.Duration
		bad   bool
	}{
		{in: "*/5 * * * *", kind: KindCron},
		{in: "@hourly", kind: KindCron},
		{in: "cron: 0 9 * * *", kind: KindCron},
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 150 * time.Minute},
		{in: "every: 10s", kind: KindInterval, every: 10 * time.Second},
		{in: "@every 1m", kind: KindInterval, every: time.Minute},
		{in: "date:2026-01-02T15:04:05+07:00", kind: KindDate},
		{in: "", bad: true},
		{in: "soon", bad: true},
		{in: "00:75", bad: true},
		{in: "interval:-5s", bad: true},
	}
	for _, tc := range cases {
		tr, err := Parse(tc.in, time.UTC)
		if tc.bad {
			if err == nil {
				t.Fatalf("Parse(%q) = %v, want error", tc.in, tr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got := tr.Spec().Kind; got != tc.kind {
			t.Fatalf("Parse(%q) kind = %s, want %s", tc.in, got, tc.kind)
		}
		if it, ok := tr.(*Interval); ok && it.Every() != tc.every {
			t.Fatalf("Parse(%q) every = %v, want %v", tc.in, it.Every(), tc.every)
		}
	}
}
