package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// This file exercises the invariants spec.md §8 states for conversation
// state against a real MongoDB, following
// goadesign-goa-ai/registry/store/mongo/mongo_test.go's pattern: spin up a
// container, skip gracefully if Docker is unavailable, then drive
// property-based checks with gopter rather than a handful of fixed cases.

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, checkpoint Mongo tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, readpref.Primary()); err != nil {
		skipMongoTests = true
		return
	}
}

func getCheckpointStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping checkpoint Mongo test")
	}
	db := testMongoClient.Database("checkpoint_test")
	if err := db.Collection(t.Name()).Drop(context.Background()); err != nil {
		t.Fatalf("drop collection: %v", err)
	}
	store, err := New(context.Background(), Options{Client: testMongoClient, Database: "checkpoint_test", Collection: t.Name()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// TestAppendMessagesRoundTrip verifies spec.md §8's round-trip property for
// the messages reducer: for any sequence of appended batches, Load returns
// exactly those messages, in insertion order, regardless of how many
// separate AppendMessages calls produced them.
func TestAppendMessagesRoundTrip(t *testing.T) {
	store := getCheckpointStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended messages round-trip in order", prop.ForAll(
		func(batches [][]string) bool {
			threadID := uuid.NewString()
			var want []Message
			for _, batch := range batches {
				var msgs []Message
				for _, content := range batch {
					m := Message{ID: uuid.NewString(), Role: "user", Content: content}
					msgs = append(msgs, m)
					want = append(want, m)
				}
				if err := store.AppendMessages(ctx, threadID, msgs); err != nil {
					return false
				}
			}

			state, err := store.Load(ctx, threadID)
			if err != nil {
				return false
			}
			if len(state.Messages) != len(want) {
				return false
			}
			for i := range want {
				if state.Messages[i].ID != want[i].ID || state.Messages[i].Content != want[i].Content {
					return false
				}
			}
			return true
		},
		genMessageBatches(),
	))

	properties.TestingRun(t)
}

// TestRemoveMessagesPrunesByID verifies the "remove" reducer variant the
// summarizer uses: removing a subset of ids leaves exactly the complement,
// in the original order.
func TestRemoveMessagesPrunesByID(t *testing.T) {
	store := getCheckpointStore(t)
	ctx := context.Background()
	threadID := uuid.NewString()

	all := []Message{
		{ID: "1", Role: "user", Content: "a"},
		{ID: "2", Role: "assistant", Content: "b"},
		{ID: "3", Role: "user", Content: "c"},
		{ID: "4", Role: "assistant", Content: "d"},
		{ID: "5", Role: "user", Content: "e"},
	}
	if err := store.AppendMessages(ctx, threadID, all); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.RemoveMessages(ctx, threadID, []string{"1", "3"}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	state, err := store.Load(ctx, threadID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.Messages) != 3 {
		t.Fatalf("want 3 messages remaining, got %d", len(state.Messages))
	}
	wantIDs := []string{"2", "4", "5"}
	for i, id := range wantIDs {
		if state.Messages[i].ID != id {
			t.Fatalf("position %d: want id %q, got %q", i, id, state.Messages[i].ID)
		}
	}
}

// TestSummarizationLeavesExactlyLastFourMessages exercises spec.md §8's
// summarization invariant directly against the checkpoint store: after the
// reducers a summarize step applies (prune to last 4, reset token_count,
// set summary), token_count is 0, summary is non-empty, and exactly the
// last 4 pre-summarization messages (by insertion order) remain.
func TestSummarizationLeavesExactlyLastFourMessages(t *testing.T) {
	store := getCheckpointStore(t)
	ctx := context.Background()
	threadID := uuid.NewString()

	var msgs []Message
	var toPrune []string
	for i := 0; i < 10; i++ {
		id := uuid.NewString()
		msgs = append(msgs, Message{ID: id, Role: "user", Content: fmt.Sprintf("turn %d", i)})
		if i < 6 {
			toPrune = append(toPrune, id)
		}
	}
	if err := store.AppendMessages(ctx, threadID, msgs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.SetTokenCount(ctx, threadID, 27500); err != nil {
		t.Fatalf("set token count: %v", err)
	}

	if err := store.RemoveMessages(ctx, threadID, toPrune); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.SetSummary(ctx, threadID, "Discussed ten turns of conversation."); err != nil {
		t.Fatalf("set summary: %v", err)
	}
	if err := store.SetTokenCount(ctx, threadID, 0); err != nil {
		t.Fatalf("reset token count: %v", err)
	}

	state, err := store.Load(ctx, threadID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.TokenCount != 0 {
		t.Fatalf("want token_count == 0, got %d", state.TokenCount)
	}
	if state.Summary == "" {
		t.Fatal("want non-empty summary")
	}
	if len(state.Messages) != 4 {
		t.Fatalf("want exactly the last 4 messages, got %d", len(state.Messages))
	}
	for i, want := range msgs[6:] {
		if state.Messages[i].ID != want.ID {
			t.Fatalf("position %d: want id %q, got %q", i, want.ID, state.Messages[i].ID)
		}
	}
}

// TestLoadOfUnknownThreadReturnsZeroState matches backend/graph/state.py's
// implicit default: a thread with no persisted document behaves like a
// freshly created one rather than erroring.
func TestLoadOfUnknownThreadReturnsZeroState(t *testing.T) {
	store := getCheckpointStore(t)
	ctx := context.Background()

	state, err := store.Load(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.Messages) != 0 || state.TokenCount != 0 || state.Summary != "" {
		t.Fatalf("want zero-value state, got %+v", state)
	}
}

func genMessageBatches() gopter.Gen {
	return gen.SliceOfN(4, gen.SliceOfN(3, gen.AlphaString()))
}
