// Package mongo hosts the MongoDB client used by the agent-definition and
// policy-document stores. Agent definitions are keyed by name; policy
// documents by scope ("global", "brand:<brand>", "user:<user_id>").
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

	"goa.design/maestro/runtime/agent/policy"
	"goa.design/maestro/runtime/agent/registry"
)

const (
	defaultAgentsCollection   = "agent_definitions"
	defaultPoliciesCollection = "model_policies"
	defaultOpTimeout          = 5 * time.Second
	registryClientName        = "registry-mongo"
)

// Client exposes the Mongo-backed catalog operations.
type Client interface {
	health.Pinger

	SaveAgent(ctx context.Context, def registry.Definition) error
	DeleteAgent(ctx context.Context, name string) error
	LoadAgents(ctx context.Context) ([]registry.Definition, error)

	SavePolicyDocument(ctx context.Context, scope string, doc policy.Document) error
	LoadPolicyDocument(ctx context.Context, scope string) (policy.Document, bool, error)
}

// Options configures the Mongo registry client.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Agents   string
	Policies string
	Timeout  time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	agents   *mongodriver.Collection
	policies *mongodriver.Collection
	timeout  time.Duration
}

// policyDocument wraps a policy.Document with its scope key.
type policyDocument struct {
	Scope     string          `bson:"scope"`
	Document  policy.Document `bson:"document"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

// New returns a Client backed by MongoDB, creating the collections' indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	agentsName := opts.Agents
	if agentsName == "" {
		agentsName = defaultAgentsCollection
	}
	policiesName := opts.Policies
	if policiesName == "" {
		policiesName = defaultPoliciesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:    opts.Client,
		agents:   db.Collection(agentsName),
		policies: db.Collection(policiesName),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return registryClientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveAgent(ctx context.Context, def registry.Definition) error {
	if def.Name == "" {
		return errors.New("agent name is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": def}
	_, err := c.agents.UpdateOne(ctx, bson.M{"name": def.Name}, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) DeleteAgent(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("agent name is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.agents.DeleteOne(ctx, bson.M{"name": name})
	return err
}

func (c *client) LoadAgents(ctx context.Context) ([]registry.Definition, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cursor, err := c.agents.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var defs []registry.Definition
	if err := cursor.All(ctx, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *client) SavePolicyDocument(ctx context.Context, scope string, doc policy.Document) error {
	if scope == "" {
		return errors.New("scope is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	wrapped := policyDocument{Scope: scope, Document: doc, UpdatedAt: time.Now().UTC()}
	_, err := c.policies.UpdateOne(ctx, bson.M{"scope": scope}, bson.M{"$set": wrapped}, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadPolicyDocument(ctx context.Context, scope string) (policy.Document, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var wrapped policyDocument
	if err := c.policies.FindOne(ctx, bson.M{"scope": scope}).Decode(&wrapped); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return policy.Document{}, false, nil
		}
		return policy.Document{}, false, err
	}
	return wrapped.Document, true, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.agents.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = c.policies.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "scope", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
