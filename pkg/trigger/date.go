package trigger

import "time"

// Date fires exactly once.
type Date struct {
	at time.Time
}

func NewDate(at time.Time) *Date {
	return &Date{at: at.Round(0)}
}

func (d *Date) At() time.Time { return d.at }

// NextFireTime returns At while prev is before it, so a Date inside an Or
// still fires after another member has.
func (d *Date) NextFireTime(prev, _ time.Time) time.Time {
	if prev.IsZero() || prev.Before(d.at) {
		return d.at
	}
	return time.Time{}
}

func (d *Date) Spec() Spec {
	return Spec{Kind: KindDate, At: formatTime(d.at), Timezone: locationName(d.at.Location())}
}

func (d *Date) String() string { return "date[" + d.at.Format(time.RFC3339) + "]" }
