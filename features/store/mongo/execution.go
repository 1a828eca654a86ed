package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/api"
	"goa.design/flow/runtime/execution"
)

// ExecutionStore implements execution.Store on MongoDB with separate
// collections for execution rows and node rows.
type ExecutionStore struct {
	base
	executions *mongodriver.Collection
	nodes      *mongodriver.Collection
}

// NewExecutionStore constructs the execution store and ensures its indexes.
func NewExecutionStore(ctx context.Context, opts Options) (*ExecutionStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	db := opts.Client.Database(opts.Database)
	s := &ExecutionStore{
		base:       base{mongo: opts.Client, timeout: opts.Timeout, name: "execution-mongo"},
		executions: db.Collection(executionsCollection),
		nodes:      db.Collection(nodeExecsCollection),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.nodes.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "node_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure node execution index: %w", err)
	}
	return s, nil
}

// CreateExecution implements execution.Store.
func (s *ExecutionStore) CreateExecution(ctx context.Context, rec *execution.Record) error {
	doc, err := fromExecution(rec)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.executions.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("create execution %q: %w", rec.ID, err)
	}
	return nil
}

// FinishExecution implements execution.Store.
func (s *ExecutionStore) FinishExecution(ctx context.Context, id string, status execution.Status, finishedAt time.Time, execErr *api.ExecutionError) error {
	update := bson.M{
		"status":      string(status),
		"finished_at": finishedAt.UTC(),
	}
	if execErr != nil {
		raw, err := json.Marshal(execErr)
		if err != nil {
			return fmt.Errorf("encode execution error: %w", err)
		}
		update["error"] = string(raw)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.executions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("finish execution %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return execution.ErrNotFound
	}
	return nil
}

// GetExecution implements execution.Store.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc executionDocument
	if err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, execution.ErrNotFound
		}
		return nil, fmt.Errorf("load execution %q: %w", id, err)
	}
	return doc.toExecution()
}

// SaveNode implements execution.Store.
func (s *ExecutionStore) SaveNode(ctx context.Context, rec *execution.NodeRecord) error {
	doc, err := fromNodeRecord(rec)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"execution_id": rec.ExecutionID, "node_id": rec.NodeID}
	_, err = s.nodes.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save node execution %q/%q: %w", rec.ExecutionID, rec.NodeID, err)
	}
	return nil
}

// ListNodes implements execution.Store.
func (s *ExecutionStore) ListNodes(ctx context.Context, executionID string) ([]*execution.NodeRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.nodes.Find(ctx, bson.M{"execution_id": executionID})
	if err != nil {
		return nil, fmt.Errorf("list node executions %q: %w", executionID, err)
	}
	defer cur.Close(ctx)
	var out []*execution.NodeRecord
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode node execution: %w", err)
		}
		rec, err := doc.toNodeRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

type executionDocument struct {
	ID          string    `bson:"_id"`
	WorkflowID  string    `bson:"workflow_id"`
	Status      string    `bson:"status"`
	StartedAt   time.Time `bson:"started_at"`
	FinishedAt  time.Time `bson:"finished_at,omitempty"`
	TriggerData string    `bson:"trigger_data,omitempty"`
	Error       string    `bson:"error,omitempty"`
}

func fromExecution(rec *execution.Record) (executionDocument, error) {
	doc := executionDocument{
		ID:         rec.ID,
		WorkflowID: rec.WorkflowID,
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt.UTC(),
	}
	if !rec.FinishedAt.IsZero() {
		doc.FinishedAt = rec.FinishedAt.UTC()
	}
	if rec.TriggerData != nil {
		raw, err := json.Marshal(rec.TriggerData)
		if err != nil {
			return executionDocument{}, fmt.Errorf("encode trigger data: %w", err)
		}
		doc.TriggerData = string(raw)
	}
	if rec.Error != nil {
		raw, err := json.Marshal(rec.Error)
		if err != nil {
			return executionDocument{}, fmt.Errorf("encode execution error: %w", err)
		}
		doc.Error = string(raw)
	}
	return doc, nil
}

func (doc executionDocument) toExecution() (*execution.Record, error) {
	rec := &execution.Record{
		ID:         doc.ID,
		WorkflowID: doc.WorkflowID,
		Status:     execution.Status(doc.Status),
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
	}
	if doc.TriggerData != "" {
		if err := json.Unmarshal([]byte(doc.TriggerData), &rec.TriggerData); err != nil {
			return nil, fmt.Errorf("decode trigger data: %w", err)
		}
	}
	if doc.Error != "" {
		if err := json.Unmarshal([]byte(doc.Error), &rec.Error); err != nil {
			return nil, fmt.Errorf("decode execution error: %w", err)
		}
	}
	return rec, nil
}

type nodeDocument struct {
	ID          string    `bson:"_id"`
	ExecutionID string    `bson:"execution_id"`
	NodeID      string    `bson:"node_id"`
	Status      string    `bson:"status"`
	StartedAt   time.Time `bson:"started_at"`
	FinishedAt  time.Time `bson:"finished_at,omitempty"`
	InputData   string    `bson:"input_data,omitempty"`
	OutputData  string    `bson:"output_data,omitempty"`
	Error       string    `bson:"error,omitempty"`
}

func fromNodeRecord(rec *execution.NodeRecord) (nodeDocument, error) {
	doc := nodeDocument{
		ID:          rec.ID,
		ExecutionID: rec.ExecutionID,
		NodeID:      rec.NodeID,
		Status:      string(rec.Status),
		StartedAt:   rec.StartedAt.UTC(),
	}
	if !rec.FinishedAt.IsZero() {
		doc.FinishedAt = rec.FinishedAt.UTC()
	}
	for _, f := range []struct {
		field string
		value any
		dst   *string
	}{
		{"input data", rec.InputData, &doc.InputData},
		{"output data", rec.OutputData, &doc.OutputData},
		{"error", rec.Error, &doc.Error},
	} {
		if isNilPtr(f.value) {
			continue
		}
		raw, err := json.Marshal(f.value)
		if err != nil {
			return nodeDocument{}, fmt.Errorf("encode node %s: %w", f.field, err)
		}
		*f.dst = string(raw)
	}
	return doc, nil
}

func (doc nodeDocument) toNodeRecord() (*execution.NodeRecord, error) {
	rec := &execution.NodeRecord{
		ID:          doc.ID,
		ExecutionID: doc.ExecutionID,
		NodeID:      doc.NodeID,
		Status:      api.NodeStatus(doc.Status),
		StartedAt:   doc.StartedAt,
		FinishedAt:  doc.FinishedAt,
	}
	for _, f := range []struct {
		field string
		raw   string
		dst   any
	}{
		{"input data", doc.InputData, &rec.InputData},
		{"output data", doc.OutputData, &rec.OutputData},
		{"error", doc.Error, &rec.Error},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", f.field, err)
		}
	}
	return rec, nil
}

func isNilPtr(v any) bool {
	switch p := v.(type) {
	case *api.NodeInput:
		return p == nil
	case *api.NodeOutput:
		return p == nil
	case *api.ExecutionError:
		return p == nil
	}
	return v == nil
}
