// Package mongo hosts the MongoDB client used by the usage stores. Per-call
// events are inserted into one collection for billing audit; daily aggregates
// live in a second collection keyed by (date, user_id, brand) and are only
// ever updated through atomic increments.
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

	"goa.design/maestro/runtime/agent/usage"
)

const (
	defaultEventsCollection = "usage_events"
	defaultDailyCollection  = "usage_daily"
	defaultOpTimeout        = 5 * time.Second
	usageClientName         = "usage-mongo"
)

// Client exposes the Mongo-backed usage operations.
type Client interface {
	health.Pinger

	InsertUsageEvent(ctx context.Context, event usage.Event) error
	IncrementDaily(ctx context.Context, date, userID, brand string, tokens int, costUSD float64) error
	DailyTokens(ctx context.Context, date, userID, brand string) (int, error)
}

// Options configures the Mongo usage client.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Events   string
	Daily    string
	Timeout  time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	events  *mongodriver.Collection
	daily   *mongodriver.Collection
	timeout time.Duration
}

// dailyDocument is one day's aggregate for a caller.
type dailyDocument struct {
	Date      string    `bson:"date"`
	UserID    string    `bson:"user_id"`
	Brand     string    `bson:"brand"`
	Tokens    int       `bson:"tokens"`
	CostUSD   float64   `bson:"cost_usd"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// New returns a Client backed by MongoDB, creating the collections' indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsName := opts.Events
	if eventsName == "" {
		eventsName = defaultEventsCollection
	}
	dailyName := opts.Daily
	if dailyName == "" {
		dailyName = defaultDailyCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		events:  db.Collection(eventsName),
		daily:   db.Collection(dailyName),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return usageClientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertUsageEvent(ctx context.Context, event usage.Event) error {
	if event.RunID == "" {
		return errors.New("run id is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.events.InsertOne(ctx, event)
	return err
}

// IncrementDaily applies an atomic $inc to the day's counters, creating the
// document on first use. Concurrent flushes from multiple runs combine
// correctly because the counters are never read-modify-written.
func (c *client) IncrementDaily(ctx context.Context, date, userID, brand string, tokens int, costUSD float64) error {
	if date == "" {
		return errors.New("date is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"date": date, "user_id": userID, "brand": brand}
	update := bson.M{
		"$inc": bson.M{"tokens": tokens, "cost_usd": costUSD},
		"$set": bson.M{"updated_at": time.Now().UTC()},
		"$setOnInsert": bson.M{
			"date":    date,
			"user_id": userID,
			"brand":   brand,
		},
	}
	_, err := c.daily.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// DailyTokens reports the day's accumulated token count. A missing document
// reads as zero.
func (c *client) DailyTokens(ctx context.Context, date, userID, brand string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"date": date, "user_id": userID, "brand": brand}
	var doc dailyDocument
	if err := c.daily.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Tokens, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.events.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = c.daily.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "date", Value: 1}, {Key: "user_id", Value: 1}, {Key: "brand", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
