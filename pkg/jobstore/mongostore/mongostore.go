// Package mongostore persists jobs in a MongoDB collection.
//
// Documents have the shape {_id, next_run_time, job_state}. next_run_time
// is unix microseconds and is left out for paused jobs so the sparse index
// only covers pending ones.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"pewcron/pkg/codec"
	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
)

const (
	backend           = "mongo"
	defaultDatabase   = "pewcron"
	defaultCollection = "jobs"
)

var errClosed = errors.New("store closed")

type Config struct {
	URI        string
	Database   string // default pewcron
	Collection string // default jobs
	// Codec is "msgpack" (default) or "json".
	Codec         string
	OnDecodeError jobstore.DecodeErrorFunc
}

type document struct {
	ID          string `bson:"_id"`
	NextRunTime *int64 `bson:"next_run_time,omitempty"`
	JobState    []byte `bson:"job_state"`
}

var _ jobstore.Store = (*Store)(nil)

type Store struct {
	cfg   Config
	log   logx.Logger
	codec codec.Codec

	mu     sync.RWMutex
	client *mongo.Client
	col    *mongo.Collection
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongostore: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:   cfg,
		log:   log.With(logx.String("jobstore", backend), logx.String("collection", cfg.Database+"."+cfg.Collection)),
		codec: c,
	}, nil
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client, err := mongo.Connect(options.Client().ApplyURI(s.cfg.URI))
	if err != nil {
		return jobstore.Unavailable(backend, "connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return jobstore.Unavailable(backend, "ping", err)
	}
	col := client.Database(s.cfg.Database).Collection(s.cfg.Collection)
	_, err = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "next_run_time", Value: 1}},
		Options: options.Index().SetSparse(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return jobstore.Unavailable(backend, "create index", err)
	}
	s.client = client
	s.col = col
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.col = nil
	return jobstore.Unavailable(backend, "close", err)
}

func (s *Store) collection(op string) (*mongo.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.col == nil {
		return nil, jobstore.Unavailable(backend, op, errClosed)
	}
	return s.col, nil
}

func (s *Store) toDocument(j job.Job) (document, error) {
	data, err := codec.EncodeJob(s.codec, j)
	if err != nil {
		return document{}, err
	}
	return document{ID: j.ID, NextRunTime: runTimeKey(j.NextRunTime), JobState: data}, nil
}

func (s *Store) AddJob(ctx context.Context, j job.Job) error {
	doc, err := s.toDocument(j)
	if err != nil {
		return err
	}
	col, err := s.collection("add job")
	if err != nil {
		return err
	}
	_, err = col.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return job.Conflict(j.ID)
	}
	return jobstore.Unavailable(backend, "add job", err)
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	doc, err := s.toDocument(j)
	if err != nil {
		return err
	}
	col, err := s.collection("update job")
	if err != nil {
		return err
	}
	res, err := col.ReplaceOne(ctx, bson.M{"_id": j.ID}, doc)
	if err != nil {
		return jobstore.Unavailable(backend, "update job", err)
	}
	if res.MatchedCount == 0 {
		return job.NotFound(j.ID)
	}
	return nil
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	col, err := s.collection("remove job")
	if err != nil {
		return err
	}
	res, err := col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return jobstore.Unavailable(backend, "remove job", err)
	}
	if res.DeletedCount == 0 {
		return job.NotFound(id)
	}
	return nil
}

func (s *Store) RemoveAllJobs(ctx context.Context) error {
	col, err := s.collection("remove all jobs")
	if err != nil {
		return err
	}
	_, err = col.DeleteMany(ctx, bson.M{})
	return jobstore.Unavailable(backend, "remove all jobs", err)
}

func (s *Store) LookupJob(ctx context.Context, id string) (job.Job, error) {
	col, err := s.collection("lookup job")
	if err != nil {
		return job.Job{}, err
	}
	var doc document
	err = col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return job.Job{}, job.NotFound(id)
	}
	if err != nil {
		return job.Job{}, jobstore.Unavailable(backend, "lookup job", err)
	}
	j, ok := s.decode(doc)
	if !ok {
		return job.Job{}, job.NotFound(id)
	}
	return j, nil
}

func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]job.Job, error) {
	filter := bson.M{"next_run_time": bson.M{"$lte": now.UnixMicro()}}
	opts := options.Find().SetSort(bson.D{{Key: "next_run_time", Value: 1}, {Key: "_id", Value: 1}})
	jobs, err := s.find(ctx, "due jobs", filter, opts)
	if err != nil {
		return nil, err
	}
	due := jobs[:0]
	for _, j := range jobs {
		if !j.Paused() && !j.NextRunTime.After(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

func (s *Store) NextRunTime(ctx context.Context) (time.Time, error) {
	col, err := s.collection("next run time")
	if err != nil {
		return time.Time{}, err
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "next_run_time", Value: 1}}).
		SetProjection(bson.M{"next_run_time": 1})
	var doc document
	err = col.FindOne(ctx, bson.M{"next_run_time": bson.M{"$exists": true}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, jobstore.Unavailable(backend, "next run time", err)
	}
	if doc.NextRunTime == nil {
		return time.Time{}, nil
	}
	return time.UnixMicro(*doc.NextRunTime), nil
}

func (s *Store) Jobs(ctx context.Context) ([]job.Job, error) {
	return s.find(ctx, "jobs", bson.M{}, options.Find())
}

func (s *Store) find(ctx context.Context, op string, filter any, opts *options.FindOptionsBuilder) ([]job.Job, error) {
	col, err := s.collection(op)
	if err != nil {
		return nil, err
	}
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, jobstore.Unavailable(backend, op, err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, jobstore.Unavailable(backend, op, err)
	}
	out := make([]job.Job, 0, len(docs))
	for _, doc := range docs {
		if j, ok := s.decode(doc); ok {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return job.Less(out[a], out[b]) })
	return out, nil
}

func (s *Store) decode(doc document) (job.Job, bool) {
	j, err := codec.DecodeJob(s.codec, doc.JobState)
	if err != nil {
		s.log.Warn("skipping undecodable job", logx.String("job_id", doc.ID), logx.Err(err))
		if s.cfg.OnDecodeError != nil {
			s.cfg.OnDecodeError(doc.ID, err)
		}
		return job.Job{}, false
	}
	return j, true
}

// runTimeKey rounds up to whole microseconds so an indexed time never
// precedes the real one.
func runTimeKey(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	us := t.UnixMicro()
	if time.UnixMicro(us).Before(t) {
		us++
	}
	return &us
}
