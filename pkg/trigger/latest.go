package trigger

import "time"

// Latest returns up to n of the most recent fire times of t in [from, now],
// oldest first. from must itself be a fire time of t that is not after now.
//
// Instead of stepping from from, it searches back from now over a doubling
// window, so a per-second cron after a long outage costs a handful of
// evaluations. maxSteps bounds the NextFireTime calls.
func Latest(t Trigger, from, now time.Time, n, maxSteps int) []time.Time {
	if n <= 0 {
		n = 1
	}
	if iv, ok := t.(*Interval); ok {
		return iv.latest(from, now, n)
	}

	steps := 0
	span := now.Sub(from)
	for d := time.Second; ; d *= 2 {
		origin, found := now.Add(-d), []time.Time(nil)
		whole := d >= span || d <= 0
		if whole {
			origin, found = from, []time.Time{from}
		}
		for x := origin; steps < maxSteps; {
			steps++
			if x = t.NextFireTime(x, now); x.IsZero() || x.After(now) {
				break
			}
			found = append(found, x)
		}
		if len(found) >= n || whole || steps >= maxSteps {
			if len(found) == 0 {
				return []time.Time{from}
			}
			if len(found) > n {
				found = found[len(found)-n:]
			}
			return found
		}
	}
}
