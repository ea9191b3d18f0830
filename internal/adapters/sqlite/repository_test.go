package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tripintake/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/migrations"
)

func openTestDB(t *testing.T) *gormsqlite.DB {
	t.Helper()
	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	wdb, err := db.WriteSQLDB()
	if err != nil {
		t.Fatalf("writer sql db: %v", err)
	}
	if err := migrations.Up(context.Background(), wdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	wdb, err := db.WriteSQLDB()
	if err != nil {
		t.Fatalf("writer sql db: %v", err)
	}

	if err := migrations.Up(ctx, wdb); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	version, err := migrations.Version(ctx, wdb)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
}

func TestDocumentStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewDocumentStore(openTestDB(t))

	if _, err := store.Get(ctx, "trips/missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	first, err := store.Set(ctx, domain.Document{Key: "trips/t1", Body: json.RawMessage(`{"status":"pending"}`)})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := store.Set(ctx, domain.Document{Key: "trips/t1", Body: json.RawMessage(`{"status":"completed"}`)})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("overwrite must keep created_at: %v vs %v", first.CreatedAt, second.CreatedAt)
	}

	got, err := store.Get(ctx, "trips/t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Body) != `{"status":"completed"}` {
		t.Fatalf("unexpected body: %s", got.Body)
	}
}

func TestDocumentStoreSetRejectsInvalidInput(t *testing.T) {
	store := NewDocumentStore(openTestDB(t))

	if _, err := store.Set(context.Background(), domain.Document{Key: "bad key", Body: json.RawMessage(`{}`)}); !errors.Is(err, domain.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	if _, err := store.Set(context.Background(), domain.Document{Key: "trips/x", Body: json.RawMessage(`{`)}); err == nil {
		t.Fatalf("expected invalid body error")
	}
}

func TestDocumentStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewDocumentStore(openTestDB(t))
	if _, err := store.Set(ctx, domain.Document{Key: "trips/t1", Body: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	updated, err := store.Update(ctx, "trips/t1", func(current json.RawMessage) (json.RawMessage, error) {
		if string(current) != `{"n":1}` {
			t.Fatalf("unexpected current body: %s", current)
		}
		return json.RawMessage(`{"n":2}`), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if string(updated.Body) != `{"n":2}` {
		t.Fatalf("unexpected updated body: %s", updated.Body)
	}

	sentinel := errors.New("refuse")
	_, err = store.Update(ctx, "trips/t1", func(json.RawMessage) (json.RawMessage, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected mutate error to pass through, got %v", err)
	}
	got, _ := store.Get(ctx, "trips/t1")
	if string(got.Body) != `{"n":2}` {
		t.Fatalf("aborted update must not write, got %s", got.Body)
	}

	_, err = store.Update(ctx, "trips/none", func(b json.RawMessage) (json.RawMessage, error) { return b, nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDocumentStoreConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	ctx := context.Background()
	store := NewDocumentStore(openTestDB(t))
	if _, err := store.Set(ctx, domain.Document{Key: "counter", Body: json.RawMessage(`{"n":0}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "counter", func(current json.RawMessage) (json.RawMessage, error) {
				var body struct{ N int }
				if err := json.Unmarshal(current, &body); err != nil {
					return nil, err
				}
				body.N++
				return json.Marshal(map[string]int{"n": body.N})
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Body) != `{"n":20}` {
		t.Fatalf("expected n=20, got %s", got.Body)
	}
}

func TestRateLimitStoreGetSet(t *testing.T) {
	ctx := context.Background()
	store := NewRateLimitStore(openTestDB(t))

	if _, found, err := store.Get(ctx, "u1"); err != nil || found {
		t.Fatalf("expected absent record, found=%v err=%v", found, err)
	}

	rec := domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: 3}
	if err := store.Set(ctx, "u1", rec); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec.SubmissionCount = 4
	if err := store.Set(ctx, "u1", rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, found, err := store.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got != rec {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRateLimitStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewRateLimitStore(openTestDB(t))
	first := domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: 1}
	second := domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: 2}

	ok, err := store.CompareAndSwap(ctx, "u1", nil, first)
	if err != nil || !ok {
		t.Fatalf("initial insert: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSwap(ctx, "u1", nil, first)
	if err != nil || ok {
		t.Fatalf("insert over existing row must fail: ok=%v err=%v", ok, err)
	}

	stale := domain.RateLimitRecord{LastSubmissionDate: "2024-06-14", SubmissionCount: 1}
	ok, err = store.CompareAndSwap(ctx, "u1", &stale, second)
	if err != nil || ok {
		t.Fatalf("stale swap must fail: ok=%v err=%v", ok, err)
	}

	ok, err = store.CompareAndSwap(ctx, "u1", &first, second)
	if err != nil || !ok {
		t.Fatalf("matching swap: ok=%v err=%v", ok, err)
	}
	got, _, _ := store.Get(ctx, "u1")
	if got != second {
		t.Fatalf("unexpected record after swap: %+v", got)
	}
}

func TestCredentialRepositoryUpsertAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository(openTestDB(t))

	if _, err := repo.FindByTokenHash(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	cred := domain.Credential{TokenHash: "h1", Identity: "agent-1", Role: domain.RoleStaff, Active: true, CreatedAt: time.Now().UTC()}
	if err := repo.Upsert(ctx, cred); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cred.Active = false
	if err := repo.Upsert(ctx, cred); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := repo.FindByTokenHash(ctx, "h1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Identity != "agent-1" || got.Role != domain.RoleStaff || got.Active {
		t.Fatalf("unexpected credential: %+v", got)
	}
}

func TestOutboxRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(openTestDB(t))
	past := time.Now().UTC().Add(-time.Minute)

	for _, id := range []string{"e1", "e2", "e3"} {
		err := repo.Enqueue(ctx, domain.OutboxEvent{
			EventID:       id,
			Identity:      "traveler-a",
			Topic:         "trips.trip.admitted",
			PayloadJSON:   json.RawMessage(`{"event_id":"` + id + `"}`),
			NextAttemptAt: past,
			CreatedAt:     past,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	pending, err := repo.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 3 || pending[0].EventID != "e1" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := repo.MarkDispatched(ctx, pending[0].ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	if err := repo.MarkFailed(ctx, pending[1].ID, 1, future, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkDead(ctx, pending[2].ID, 5, "gone"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	pending, err = repo.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing due, got %+v", pending)
	}

	if err := repo.Enqueue(ctx, domain.OutboxEvent{EventID: "e1", Topic: "t", PayloadJSON: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected duplicate event id to be rejected")
	}
}
