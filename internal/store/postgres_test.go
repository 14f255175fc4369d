//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
)

func setupPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set — skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	s := store.NewPostgresStore(pool, zap.NewNop())
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newActor(t *testing.T, s store.Store) string {
	t.Helper()
	id := "it-" + uuid.NewString()
	err := s.CreateActor(context.Background(), &store.Actor{
		ID:        id,
		Creator:   id + "@example.com",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.DeleteActor(context.Background(), id)
	})
	return id
}

func TestPostgres_actorRoundTrip(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	id := newActor(t, s)

	a, err := s.GetActor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Creator != id+"@example.com" {
		t.Errorf("creator: got %q", a.Creator)
	}

	if err := s.CreateActor(ctx, &store.Actor{ID: id, Creator: "x", CreatedAt: time.Now().UTC()}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create: got %v, want ErrConflict", err)
	}
}

func TestPostgres_diffSequenceAtomicity(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	id := newActor(t, s)

	sub := &store.Subscription{
		ActorID: id, ID: uuid.NewString(), PeerID: "peer",
		Target: "properties", Granularity: store.GranularityHigh,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			if _, err := s.AddDiff(ctx, id, sub.ID, "properties", "", blob); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	diffs, err := s.GetDiffs(ctx, id, sub.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != writers {
		t.Fatalf("got %d diffs, want %d", len(diffs), writers)
	}
	for i, d := range diffs {
		if d.Sequence != i+1 {
			t.Errorf("diff %d: sequence %d, want %d", i, d.Sequence, i+1)
		}
	}
}

func TestPostgres_stateCAS(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	id := newActor(t, s)

	sub := &store.Subscription{
		ActorID: id, ID: uuid.NewString(), PeerID: "peer",
		Target: "properties", Callback: true, Granularity: store.GranularityHigh,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateState(ctx, &store.CallbackState{ActorID: id, SubscriptionID: sub.ID}); err != nil {
		t.Fatal(err)
	}

	st1, err := s.GetState(ctx, id, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	st2, err := s.GetState(ctx, id, sub.ID)
	if err != nil {
		t.Fatal(err)
	}

	st1.LastSeq = 1
	st1.Pending = []store.PendingCallback{{Sequence: 3, Payload: json.RawMessage(`{}`), ReceivedAt: time.Now().UTC()}}
	if err := s.CompareAndSwapState(ctx, st1); err != nil {
		t.Fatal(err)
	}

	st2.LastSeq = 9
	if err := s.CompareAndSwapState(ctx, st2); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale swap: got %v, want ErrConflict", err)
	}

	got, err := s.GetState(ctx, id, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeq != 1 || len(got.Pending) != 1 || got.Pending[0].Sequence != 3 {
		t.Errorf("state after swap: %+v", got)
	}
}

func TestPostgres_listPropertyConcurrentAppends(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	id := newActor(t, s)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := store.ListItem{ID: fmt.Sprintf("item-%d", i), Data: json.RawMessage(`{}`)}
			if err := s.ListAppend(ctx, id, "inbox", item); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	raw, err := s.GetProperty(ctx, id, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	var items []store.ListItem
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != writers {
		t.Errorf("got %d items, want %d (lost append under concurrency)", len(items), writers)
	}
}

func TestPostgres_bucketItemsSurviveWithoutActorRow(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	name := uuid.NewString()
	if err := s.PutBucketItem(ctx, store.OAuth2ActorID, "oauth2:clients", name, json.RawMessage(`{"client":"x"}`)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.DeleteBucketItem(ctx, store.OAuth2ActorID, "oauth2:clients", name)
	})

	it, err := s.GetBucketItem(ctx, store.OAuth2ActorID, "oauth2:clients", name)
	if err != nil {
		t.Fatal(err)
	}
	if it.Name != name {
		t.Errorf("bucket item name: got %q", it.Name)
	}
}
