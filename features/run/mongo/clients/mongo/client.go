// Package mongo hosts the MongoDB client used by the run and checkpoint
// stores. Run records live in one collection keyed by run_id; checkpoint
// snapshots live in a second collection keyed by (run_id, checkpoint_id).
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/maestro/runtime/agent/checkpoint"
	"goa.design/maestro/runtime/agent/run"
)

const (
	defaultRunsCollection        = "agent_runs"
	defaultCheckpointsCollection = "agent_checkpoints"
	defaultOpTimeout             = 5 * time.Second
	runClientName                = "run-mongo"
)

// Client exposes the Mongo-backed operations for run records and checkpoint
// snapshots.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, record run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
	ListRuns(ctx context.Context, filter run.Filter) ([]run.Record, error)
	AppendRunEvent(ctx context.Context, runID string, event run.Event) error

	SaveCheckpoint(ctx context.Context, runID, checkpointID string, snapshot []byte) error
	LoadCheckpoint(ctx context.Context, runID, checkpointID string) ([]byte, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client      *mongodriver.Client
	Database    string
	Runs        string
	Checkpoints string
	Timeout     time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    *mongodriver.Collection
	ckpts   *mongodriver.Collection
	timeout time.Duration
}

// checkpointDocument is the stored form of one snapshot.
type checkpointDocument struct {
	RunID        string    `bson:"run_id"`
	CheckpointID string    `bson:"checkpoint_id"`
	Snapshot     []byte    `bson:"snapshot"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// New returns a Client backed by MongoDB, creating the collections' indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsName := opts.Runs
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	ckptsName := opts.Checkpoints
	if ckptsName == "" {
		ckptsName = defaultCheckpointsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		runs:    db.Collection(runsName),
		ckpts:   db.Collection(ckptsName),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return runClientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertRun stores the record keyed by run_id. The events array is managed
// exclusively by AppendRunEvent; the record's Events field is dropped before
// writing so a status update never clobbers accumulated events.
func (c *client) UpsertRun(ctx context.Context, record run.Record) error {
	if record.RunID == "" {
		return errors.New("run id is required")
	}
	doc := record
	doc.Events = nil
	if doc.StartedAt.IsZero() {
		doc.StartedAt = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"event_seq": 0},
	}
	_, err := c.runs.UpdateOne(ctx, bson.M{"run_id": record.RunID}, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var record run.Record
	if err := c.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&record); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	return record, nil
}

func (c *client) ListRuns(ctx context.Context, filter run.Filter) ([]run.Record, error) {
	query := bson.M{}
	if filter.AgentName != "" {
		query["agent_name"] = filter.AgentName
	}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.Brand != "" {
		query["brand"] = filter.Brand
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cursor, err := c.runs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	var records []run.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AppendRunEvent assigns the next sequence number with an atomic $inc on the
// record's counter, then pushes the event. Events from one run come from a
// single writer, so the two steps need no transaction.
func (c *client) AppendRunEvent(ctx context.Context, runID string, event run.Event) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res := c.runs.FindOneAndUpdate(ctx,
		bson.M{"run_id": runID},
		bson.M{"$inc": bson.M{"event_seq": 1}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"event_seq": 1}),
	)
	var doc struct {
		EventSeq int `bson:"event_seq"`
	}
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.ErrNotFound
		}
		return err
	}
	event.Seq = doc.EventSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := c.runs.UpdateOne(ctx, bson.M{"run_id": runID}, bson.M{"$push": bson.M{"events": event}})
	return err
}

func (c *client) SaveCheckpoint(ctx context.Context, runID, checkpointID string, snapshot []byte) error {
	if runID == "" || checkpointID == "" {
		return errors.New("run id and checkpoint id are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := checkpointDocument{
		RunID:        runID,
		CheckpointID: checkpointID,
		Snapshot:     snapshot,
		UpdatedAt:    time.Now().UTC(),
	}
	filter := bson.M{"run_id": runID, "checkpoint_id": checkpointID}
	_, err := c.ckpts.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadCheckpoint(ctx context.Context, runID, checkpointID string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	err := c.ckpts.FindOne(ctx, bson.M{"run_id": runID, "checkpoint_id": checkpointID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}
	return doc.Snapshot, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "agent_name", Value: 1}, {Key: "started_at", Value: -1}},
		},
	})
	if err != nil {
		return err
	}
	_, err = c.ckpts.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
