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

	"goa.design/flow/runtime/workflow"
)

// WorkflowStore implements workflow.Store on MongoDB.
type WorkflowStore struct {
	base
	coll *mongodriver.Collection
}

// NewWorkflowStore constructs the workflow store.
func NewWorkflowStore(opts Options) (*WorkflowStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &WorkflowStore{
		base: base{mongo: opts.Client, timeout: opts.Timeout, name: "workflow-mongo"},
		coll: opts.Client.Database(opts.Database).Collection(workflowsCollection),
	}, nil
}

// Get implements workflow.Store.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("load workflow %q: %w", id, err)
	}
	return doc.toWorkflow()
}

// List implements workflow.Store.
func (s *WorkflowStore) List(ctx context.Context, activeOnly bool) ([]*workflow.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if activeOnly {
		filter["active"] = true
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer cur.Close(ctx)
	var out []*workflow.Workflow
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		w, err := doc.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, cur.Err()
}

// Save implements workflow.Store.
func (s *WorkflowStore) Save(ctx context.Context, w *workflow.Workflow) error {
	doc, err := fromWorkflow(w)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": w.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save workflow %q: %w", w.ID, err)
	}
	return nil
}

// Delete implements workflow.Store.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete workflow %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

type workflowDocument struct {
	ID          string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	Name        string    `bson:"name,omitempty"`
	Active      bool      `bson:"active"`
	Nodes       string    `bson:"nodes"`
	Connections string    `bson:"connections"`
	Triggers    string    `bson:"triggers"`
	Settings    string    `bson:"settings"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func fromWorkflow(w *workflow.Workflow) (workflowDocument, error) {
	doc := workflowDocument{
		ID:        w.ID,
		UserID:    w.UserID,
		Name:      w.Name,
		Active:    w.Active,
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
	}
	for _, f := range []struct {
		field string
		value any
		dst   *string
	}{
		{"nodes", w.Nodes, &doc.Nodes},
		{"connections", w.Connections, &doc.Connections},
		{"triggers", w.Triggers, &doc.Triggers},
		{"settings", w.Settings, &doc.Settings},
	} {
		raw, err := json.Marshal(f.value)
		if err != nil {
			return workflowDocument{}, fmt.Errorf("encode workflow %s: %w", f.field, err)
		}
		*f.dst = string(raw)
	}
	return doc, nil
}

func (doc workflowDocument) toWorkflow() (*workflow.Workflow, error) {
	w := &workflow.Workflow{
		ID:        doc.ID,
		UserID:    doc.UserID,
		Name:      doc.Name,
		Active:    doc.Active,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, f := range []struct {
		field string
		raw   string
		dst   any
	}{
		{"nodes", doc.Nodes, &w.Nodes},
		{"connections", doc.Connections, &w.Connections},
		{"triggers", doc.Triggers, &w.Triggers},
		{"settings", doc.Settings, &w.Settings},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", f.field, err)
		}
	}
	return w, nil
}
