// Package jobstore defines the persistence boundary for scheduled jobs and
// ships the in-memory implementation. Durable backends live in
// subpackages.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewcron/pkg/job"
)

// ErrUnavailable matches every backend failure wrapped in UnavailableError.
var ErrUnavailable = errors.New("job store unavailable")

// Store persists jobs keyed by id and answers due-time queries. All
// results are copies; callers may keep or mutate them freely.
//
// AddJob fails with job.ErrConflictingID, UpdateJob, RemoveJob and
// LookupJob with job.ErrJobNotFound. Backend failures are returned as
// *UnavailableError.
type Store interface {
	Open(ctx context.Context) error
	Close() error

	AddJob(ctx context.Context, j job.Job) error
	UpdateJob(ctx context.Context, j job.Job) error
	RemoveJob(ctx context.Context, id string) error
	RemoveAllJobs(ctx context.Context) error
	LookupJob(ctx context.Context, id string) (job.Job, error)

	// DueJobs returns jobs with NextRunTime <= now, ordered by NextRunTime
	// then id.
	DueJobs(ctx context.Context, now time.Time) ([]job.Job, error)
	// NextRunTime returns the earliest pending run time, or zero.
	NextRunTime(ctx context.Context) (time.Time, error)
	// Jobs returns every job: pending ones by run time, then paused ones,
	// ties broken by id.
	Jobs(ctx context.Context) ([]job.Job, error)
}

// DecodeErrorFunc is called when a persisted record cannot be decoded.
// The record is skipped.
type DecodeErrorFunc func(id string, err error)

// UnavailableError wraps a backend failure.
type UnavailableError struct {
	Store string
	Op    string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err unless it is nil or already a job-level error
// (not found, conflict, unserializable), which pass through unchanged.
func Unavailable(store, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, job.ErrJobNotFound) || errors.Is(err, job.ErrConflictingID) ||
		errors.Is(err, job.ErrUnserializable) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &UnavailableError{Store: store, Op: op, Err: err}
}
