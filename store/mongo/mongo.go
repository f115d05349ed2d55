// Package mongo provides the MongoDB-backed store. Each record kind lives in
// its own collection; transactions use driver sessions so engine operations
// commit atomically, and scheduled-call claims use findOneAndUpdate so
// concurrent pollers never double-claim a call.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
)

const (
	executionsCollection  = "workflow_executions"
	tasksCollection       = "task_executions"
	actionsCollection     = "actions"
	callsCollection       = "scheduled_calls"
	definitionsCollection = "action_definitions"

	defaultOpTimeout = 5 * time.Second
	storeClientName  = "engine-mongo"
)

// Options configures the Mongo store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Timeout bounds individual operations. Defaults to five seconds.
	Timeout time.Duration
}

// Store is the MongoDB implementation of store.Store.
type Store struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store backed by MongoDB and ensures the indexes the engine
// relies on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Name() string {
	return storeClientName
}

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// InTransaction runs fn inside a Mongo session transaction. The session is
// bound to the context passed to fn, so every store operation performed with
// that context joins the transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc context.Context) (any, error) {
		return nil, fn(sc, s)
	})
	return err
}

// ClaimDueCalls claims up to limit due, unclaimed calls by atomically
// advancing their lease.
func (s *Store) ClaimDueCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*workflow.ScheduledCall, error) {
	coll := s.db.Collection(callsCollection)
	filter := bson.M{
		"execute_at":   bson.M{"$lte": now},
		"locked_until": bson.M{"$lt": now},
		"processed":    false,
	}
	update := bson.M{"$set": bson.M{"locked_until": now.Add(lease)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var claimed []*workflow.ScheduledCall
	for len(claimed) < limit {
		opCtx, cancel := s.withTimeout(ctx)
		var call workflow.ScheduledCall
		err := coll.FindOneAndUpdate(opCtx, filter, update, opts).Decode(&call)
		cancel()
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return claimed, fmt.Errorf("claim scheduled call: %w", err)
		}
		claimed = append(claimed, &call)
	}
	return claimed, nil
}

func (s *Store) CreateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error {
	return s.insert(ctx, executionsCollection, ex)
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var ex workflow.Execution
	if err := s.getByID(ctx, executionsCollection, id, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

func (s *Store) UpdateWorkflowExecution(ctx context.Context, ex *workflow.Execution) error {
	return s.replaceByID(ctx, executionsCollection, ex.ID, ex)
}

func (s *Store) ListWorkflowExecutions(ctx context.Context) ([]*workflow.Execution, error) {
	return list[workflow.Execution](ctx, s, executionsCollection, bson.M{})
}

func (s *Store) CreateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error {
	return s.insert(ctx, tasksCollection, task)
}

func (s *Store) GetTaskExecution(ctx context.Context, id string) (*workflow.TaskExecution, error) {
	var task workflow.TaskExecution
	if err := s.getByID(ctx, tasksCollection, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) UpdateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error {
	return s.replaceByID(ctx, tasksCollection, task.ID, task)
}

func (s *Store) ListTaskExecutions(ctx context.Context, filter store.TaskFilter) ([]*workflow.TaskExecution, error) {
	q := bson.M{}
	if filter.WorkflowExecutionID != "" {
		q["workflow_execution_id"] = filter.WorkflowExecutionID
	}
	if filter.Name != "" {
		q["name"] = filter.Name
	}
	if len(filter.States) > 0 {
		q["state"] = bson.M{"$in": filter.States}
	}
	return list[workflow.TaskExecution](ctx, s, tasksCollection, q)
}

func (s *Store) CreateActionExecution(ctx context.Context, action *workflow.ActionExecution) error {
	return s.insert(ctx, actionsCollection, action)
}

func (s *Store) GetActionExecution(ctx context.Context, id string) (*workflow.ActionExecution, error) {
	var action workflow.ActionExecution
	if err := s.getByID(ctx, actionsCollection, id, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *Store) UpdateActionExecution(ctx context.Context, action *workflow.ActionExecution) error {
	return s.replaceByID(ctx, actionsCollection, action.ID, action)
}

func (s *Store) ListActionExecutions(ctx context.Context, taskExecutionID string) ([]*workflow.ActionExecution, error) {
	q := bson.M{}
	if taskExecutionID != "" {
		q["task_execution_id"] = taskExecutionID
	}
	return list[workflow.ActionExecution](ctx, s, actionsCollection, q)
}

func (s *Store) CreateScheduledCall(ctx context.Context, call *workflow.ScheduledCall) error {
	return s.insert(ctx, callsCollection, call)
}

func (s *Store) DeleteScheduledCall(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(callsCollection).DeleteOne(ctx, bson.M{"id": id})
	return err
}

func (s *Store) CreateActionDefinition(ctx context.Context, def *workflow.ActionDefinition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(definitionsCollection).InsertOne(ctx, def)
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("action %q: %w", def.Name, workflow.ErrDuplicate)
	}
	return err
}

func (s *Store) GetActionDefinition(ctx context.Context, name string) (*workflow.ActionDefinition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var def workflow.ActionDefinition
	err := s.db.Collection(definitionsCollection).FindOne(ctx, bson.M{"name": name}).Decode(&def)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("action %q: %w", name, workflow.ErrNotFound)
		}
		return nil, err
	}
	return &def, nil
}

func (s *Store) UpdateActionDefinition(ctx context.Context, def *workflow.ActionDefinition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(definitionsCollection).ReplaceOne(ctx, bson.M{"name": def.Name}, def)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("action %q: %w", def.Name, workflow.ErrNotFound)
	}
	return nil
}

func (s *Store) ListActionDefinitions(ctx context.Context) ([]*workflow.ActionDefinition, error) {
	return list[workflow.ActionDefinition](ctx, s, definitionsCollection, bson.M{})
}

func (s *Store) insert(ctx context.Context, coll string, doc any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(coll).InsertOne(ctx, doc)
	return err
}

func (s *Store) getByID(ctx context.Context, coll, id string, out any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.db.Collection(coll).FindOne(ctx, bson.M{"id": id}).Decode(out)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return fmt.Errorf("%s %q: %w", coll, id, workflow.ErrNotFound)
	}
	return err
}

func (s *Store) replaceByID(ctx context.Context, coll, id string, doc any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(coll).ReplaceOne(ctx, bson.M{"id": id}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s %q: %w", coll, id, workflow.ErrNotFound)
	}
	return nil
}

func list[T any](ctx context.Context, s *Store, coll string, filter bson.M) ([]*T, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(coll).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*T
	for cur.Next(ctx) {
		doc := new(T)
		if err := cur.Decode(doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func(key string) mongodriver.IndexModel {
		return mongodriver.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}
	plain := func(keys ...string) mongodriver.IndexModel {
		d := make(bson.D, len(keys))
		for i, k := range keys {
			d[i] = bson.E{Key: k, Value: 1}
		}
		return mongodriver.IndexModel{Keys: d}
	}
	for coll, models := range map[string][]mongodriver.IndexModel{
		executionsCollection:  {unique("id")},
		tasksCollection:       {unique("id"), plain("workflow_execution_id", "name")},
		actionsCollection:     {unique("id"), plain("task_execution_id")},
		callsCollection:       {unique("id"), plain("execute_at", "locked_until", "processed")},
		definitionsCollection: {unique("name")},
	} {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", coll, err)
		}
	}
	return nil
}
