package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/schedule"
)

// ScheduleStore implements schedule.Store on MongoDB. The (workflowId,
// triggerId) pair is enforced unique by index.
type ScheduleStore struct {
	base
	coll *mongodriver.Collection
}

// NewScheduleStore constructs the scheduled job store and ensures its
// indexes.
func NewScheduleStore(ctx context.Context, opts Options) (*ScheduleStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &ScheduleStore{
		base: base{mongo: opts.Client, timeout: opts.Timeout, name: "schedule-mongo"},
		coll: opts.Client.Database(opts.Database).Collection(scheduledJobsCollection),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "trigger_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure scheduled job index: %w", err)
	}
	return s, nil
}

// Upsert implements schedule.Store.
func (s *ScheduleStore) Upsert(ctx context.Context, job *schedule.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": job.WorkflowID, "trigger_id": job.TriggerID}
	_, err := s.coll.ReplaceOne(ctx, filter, fromJob(job), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert scheduled job %q: %w", job.Key(), err)
	}
	return nil
}

// Get implements schedule.Store.
func (s *ScheduleStore) Get(ctx context.Context, workflowID, triggerID string) (*schedule.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc jobDocument
	filter := bson.M{"workflow_id": workflowID, "trigger_id": triggerID}
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, schedule.ErrNotFound
		}
		return nil, fmt.Errorf("load scheduled job %s-%s: %w", workflowID, triggerID, err)
	}
	return doc.toJob(), nil
}

// List implements schedule.Store.
func (s *ScheduleStore) List(ctx context.Context) ([]*schedule.Job, error) {
	return s.list(ctx, bson.M{})
}

// ListByWorkflow implements schedule.Store.
func (s *ScheduleStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*schedule.Job, error) {
	return s.list(ctx, bson.M{"workflow_id": workflowID})
}

// Delete implements schedule.Store.
func (s *ScheduleStore) Delete(ctx context.Context, workflowID, triggerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"workflow_id": workflowID, "trigger_id": triggerID})
	if err != nil {
		return fmt.Errorf("delete scheduled job %s-%s: %w", workflowID, triggerID, err)
	}
	if res.DeletedCount == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

func (s *ScheduleStore) list(ctx context.Context, filter bson.M) ([]*schedule.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer cur.Close(ctx)
	var out []*schedule.Job
	for cur.Next(ctx) {
		var doc jobDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode scheduled job: %w", err)
		}
		out = append(out, doc.toJob())
	}
	return out, cur.Err()
}

type jobDocument struct {
	JobKey         string    `bson:"job_key"`
	WorkflowID     string    `bson:"workflow_id"`
	TriggerID      string    `bson:"trigger_id"`
	NodeID         string    `bson:"node_id"`
	CronExpression string    `bson:"cron_expression"`
	Timezone       string    `bson:"timezone,omitempty"`
	Active         bool      `bson:"active"`
	LastRun        time.Time `bson:"last_run,omitempty"`
	NextRun        time.Time `bson:"next_run,omitempty"`
	FailCount      int       `bson:"fail_count"`
	LastError      string    `bson:"last_error,omitempty"`
}

func fromJob(job *schedule.Job) jobDocument {
	return jobDocument{
		JobKey:         job.Key(),
		WorkflowID:     job.WorkflowID,
		TriggerID:      job.TriggerID,
		NodeID:         job.NodeID,
		CronExpression: job.CronExpression,
		Timezone:       job.Timezone,
		Active:         job.Active,
		LastRun:        job.LastRun.UTC(),
		NextRun:        job.NextRun.UTC(),
		FailCount:      job.FailCount,
		LastError:      job.LastError,
	}
}

func (doc jobDocument) toJob() *schedule.Job {
	return &schedule.Job{
		WorkflowID:     doc.WorkflowID,
		TriggerID:      doc.TriggerID,
		NodeID:         doc.NodeID,
		CronExpression: doc.CronExpression,
		Timezone:       doc.Timezone,
		Active:         doc.Active,
		LastRun:        doc.LastRun,
		NextRun:        doc.NextRun,
		FailCount:      doc.FailCount,
		LastError:      doc.LastError,
	}
}
