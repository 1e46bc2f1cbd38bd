// Package checkpoint persists, per thread, the agent's durable conversation
// state: an ordered message log plus two scalars (token_count, summary).
//
// Grounded on backend/graph/state.py (the reducer semantics: messages append
// by default with a remove-by-id variant, token_count additive with a -1
// reset sentinel) and structurally adapted from
// goadesign-goa-ai/features/memory/mongo/clients/mongo/client.go (the
// FindOne/UpdateOne-with-upsert, $setOnInsert/$set/$push pattern). See
// DESIGN.md's Open Question decisions for why token_count is stored as an
// absolute value here rather than as an additive reducer.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	defaultCollection = "conversation_state"
	defaultTimeout     = 5 * time.Second
)

// Message is one entry in a thread's durable agent-view message log. It is
// intentionally smaller than the relational Message row: only what the
// model needs to reconstruct a transcript.
type Message struct {
	ID      string `bson:"id"`
	Role    string `bson:"role"`
	Content string `bson:"content"`
}

// State is a thread's full durable conversation state.
type State struct {
	ThreadID   string
	Messages   []Message
	TokenCount int
	Summary    string
}

// Store persists conversation State documents, one per thread, in MongoDB.
type Store struct {
	coll    *mongo.Collection
	client  *mongo.Client
	timeout time.Duration
}

// Options configures a Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New returns a Store backed by the provided Mongo client, ensuring the
// thread_id index used by Load/Append/Remove/SetTokenCount/SetSummary exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("checkpoint: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("checkpoint: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.New("checkpoint: ensure index: " + err.Error())
	}

	return &Store{coll: coll, client: opts.Client, timeout: timeout}, nil
}

// Ping satisfies a health.Pinger-shaped interface for aggregated health
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

type document struct {
	ThreadID   string    `bson:"thread_id"`
	Messages   []Message `bson:"messages"`
	TokenCount int       `bson:"token_count"`
	Summary    string    `bson:"summary"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// Load returns the durable state for threadID, or a fresh zero-value state
// if none has been persisted yet.
func (s *Store) Load(ctx context.Context, threadID string) (State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc document
	err := s.coll.FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return State{ThreadID: threadID}, nil
	}
	if err != nil {
		return State{}, err
	}
	return State{
		ThreadID:   doc.ThreadID,
		Messages:   doc.Messages,
		TokenCount: doc.TokenCount,
		Summary:    doc.Summary,
	}, nil
}

// AppendMessages appends msgs to the thread's message log (the default
// reducer for the messages field).
func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{
			"$setOnInsert": bson.M{"thread_id": threadID, "token_count": 0, "summary": ""},
			"$set":         bson.M{"updated_at": time.Now().UTC()},
			"$push":        bson.M{"messages": bson.M{"$each": msgs}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// RemoveMessages deletes log entries by id (the "remove" reducer variant the
// summarizer uses to prune history).
func (s *Store) RemoveMessages(ctx context.Context, threadID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{
			"$pull": bson.M{"messages": bson.M{"id": bson.M{"$in": ids}}},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	return err
}

// SetTokenCount replaces the running token_count with an absolute value.
// Per DESIGN.md's Open Question decision, this system treats the source's
// "additive with a -1 reset sentinel" reducer as an absolute assignment:
// callers pass 0 to reset and the latest observed input_tokens otherwise,
// which satisfies the same invariant (the stored value equals the last
// observed input_tokens reading) without a separate add/reset code path.
func (s *Store) SetTokenCount(ctx context.Context, threadID string, count int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{
			"$setOnInsert": bson.M{"thread_id": threadID, "messages": []Message{}, "summary": ""},
			"$set":         bson.M{"token_count": count, "updated_at": time.Now().UTC()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// SetSummary replaces the running summary string.
func (s *Store) SetSummary(ctx context.Context, threadID, summary string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{
			"$setOnInsert": bson.M{"thread_id": threadID, "messages": []Message{}, "token_count": 0},
			"$set":         bson.M{"summary": summary, "updated_at": time.Now().UTC()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
