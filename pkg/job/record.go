package job

import (
	"fmt"
	"math"
	"time"

	"pewcron/pkg/trigger"
)

// RecordVersion is written into every record.
const RecordVersion = 1

// Record is the serialized form of a Job.
type Record struct {
	Version     int            `json:"version" msgpack:"version"`
	ID          string         `json:"id" msgpack:"id"`
	Name        string         `json:"name,omitempty" msgpack:"name,omitempty"`
	FuncRef     string         `json:"func" msgpack:"func"`
	Trigger     trigger.Spec   `json:"trigger" msgpack:"trigger"`
	Args        []any          `json:"args,omitempty" msgpack:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty" msgpack:"kwargs,omitempty"`
	Executor    string         `json:"executor" msgpack:"executor"`
	JobStore    string         `json:"jobstore" msgpack:"jobstore"`
	NextRunTime *string        `json:"next_run_time" msgpack:"next_run_time"`
	// MisfireGraceTime is in seconds; nil means unlimited.
	MisfireGraceTime *float64 `json:"misfire_grace_time" msgpack:"misfire_grace_time"`
	Coalesce         bool     `json:"coalesce" msgpack:"coalesce"`
	MaxInstances     int      `json:"max_instances" msgpack:"max_instances"`
}

// ToRecord converts j into its serialized form. Argument trees are
// normalized; unsupported values fail with ErrUnserializable.
func ToRecord(j Job) (Record, error) {
	if err := j.Validate(); err != nil {
		return Record{}, err
	}
	args, err := NormalizeArgs(j.Args)
	if err != nil {
		return Record{}, fmt.Errorf("job %q: %w", j.ID, err)
	}
	kwargs, err := NormalizeKwargs(j.Kwargs)
	if err != nil {
		return Record{}, fmt.Errorf("job %q: %w", j.ID, err)
	}

	rec := Record{
		Version:      RecordVersion,
		ID:           j.ID,
		Name:         j.Name,
		FuncRef:      j.FuncRef,
		Trigger:      j.Trigger.Spec(),
		Args:         args,
		Kwargs:       kwargs,
		Executor:     j.Executor,
		JobStore:     j.JobStore,
		Coalesce:     j.Coalesce,
		MaxInstances: j.MaxInstances,
	}
	if !j.NextRunTime.IsZero() {
		s := j.NextRunTime.Format(time.RFC3339Nano)
		rec.NextRunTime = &s
	}
	if j.MisfireGraceTime >= 0 {
		sec := j.MisfireGraceTime.Seconds()
		rec.MisfireGraceTime = &sec
	}
	return rec, nil
}

// FromRecord rebuilds a Job. NextRunTime is expressed in the trigger's
// timezone when the trigger has one.
func FromRecord(rec Record) (Job, error) {
	if rec.Version != RecordVersion {
		return Job{}, fmt.Errorf("job %q: unsupported record version %d", rec.ID, rec.Version)
	}
	tr, err := trigger.FromSpec(rec.Trigger)
	if err != nil {
		return Job{}, fmt.Errorf("job %q: %w", rec.ID, err)
	}

	j := Job{
		ID:               rec.ID,
		Name:             rec.Name,
		FuncRef:          rec.FuncRef,
		Trigger:          tr,
		Args:             rec.Args,
		Kwargs:           rec.Kwargs,
		Executor:         rec.Executor,
		JobStore:         rec.JobStore,
		MisfireGraceTime: -1,
		Coalesce:         rec.Coalesce,
		MaxInstances:     rec.MaxInstances,
	}
	if rec.NextRunTime != nil {
		t, err := time.Parse(time.RFC3339Nano, *rec.NextRunTime)
		if err != nil {
			return Job{}, fmt.Errorf("job %q: next_run_time: %w", rec.ID, err)
		}
		if rec.Trigger.Timezone != "" {
			if loc, err := time.LoadLocation(rec.Trigger.Timezone); err == nil {
				t = t.In(loc)
			}
		}
		j.NextRunTime = t
	}
	if rec.MisfireGraceTime != nil {
		j.MisfireGraceTime = time.Duration(math.Round(*rec.MisfireGraceTime * float64(time.Second)))
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}
