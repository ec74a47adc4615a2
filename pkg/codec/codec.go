// Package codec serializes job records for durable stores.
//
// EncodeJob refuses values a codec would not give back unchanged: it
// decodes what it just encoded and compares the argument trees.
package codec

import (
	"fmt"
	"reflect"
	"strings"

	"pewcron/pkg/job"
)

type Codec interface {
	Name() string
	Marshal(rec job.Record) ([]byte, error)
	Unmarshal(data []byte) (job.Record, error)
}

// ByName returns the codec registered under name ("json" or "msgpack").
// The empty name selects msgpack.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack":
		return Msgpack{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// EncodeJob serializes j with c.
func EncodeJob(c Codec, j job.Job) ([]byte, error) {
	rec, err := job.ToRecord(j)
	if err != nil {
		return nil, err
	}
	data, err := c.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: codec %s: marshal job %q: %v", job.ErrUnserializable, c.Name(), j.ID, err)
	}
	back, err := c.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("codec %s: verify job %q: %w", c.Name(), j.ID, err)
	}
	if !reflect.DeepEqual(back.Args, rec.Args) {
		return nil, fmt.Errorf("%w: codec %s changes args of job %q", job.ErrUnserializable, c.Name(), j.ID)
	}
	if !reflect.DeepEqual(back.Kwargs, rec.Kwargs) {
		return nil, fmt.Errorf("%w: codec %s changes kwargs of job %q", job.ErrUnserializable, c.Name(), j.ID)
	}
	return data, nil
}

// DecodeJob rebuilds a job serialized by EncodeJob.
func DecodeJob(c Codec, data []byte) (job.Job, error) {
	rec, err := c.Unmarshal(data)
	if err != nil {
		return job.Job{}, fmt.Errorf("codec %s: unmarshal: %w", c.Name(), err)
	}
	return job.FromRecord(rec)
}
