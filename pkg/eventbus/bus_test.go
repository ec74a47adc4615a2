package eventbus

import "testing"

func TestSubscribeFilters(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(8, "job.")
	defer unsubJobs()
	exact, unsubExact := b.Subscribe(8, "scheduler.started")
	defer unsubExact()

	b.Publish(Event{Type: "scheduler.started"})
	b.Publish(Event{Type: "job.failed"})

	if got := len(all); got != 2 {
		t.Fatalf("len(all) = %d, want 2", got)
	}
	if got := len(jobs); got != 1 {
		t.Fatalf("len(jobs) = %d, want 1", got)
	}
	if e := <-jobs; e.Type != "job.failed" || e.Time.IsZero() {
		t.Fatalf("jobs event = %+v", e)
	}
	if e := <-exact; e.Type != "scheduler.started" {
		t.Fatalf("exact event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
