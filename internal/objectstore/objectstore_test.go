package objectstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/depot/internal/storage"
)

type note struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func (n *note) ObjectID() string { return n.ID }

func newTestStorage(t *testing.T, opts ...Option) (*ObjectStorage[*note], *MemoryEngine) {
	t.Helper()
	exec := NewContext()
	t.Cleanup(exec.Close)
	engine := NewMemoryEngine()
	s, err := New[*note](exec, engine, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, engine
}

func TestContext_PerformRunsOneAtATime(t *testing.T) {
	exec := NewContext()
	defer exec.Close()

	var (
		wg      sync.WaitGroup
		active  int32
		maxSeen int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.Perform(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected one block at a time, saw %d", maxSeen)
	}
}

func TestContext_NestedPerformRunsInline(t *testing.T) {
	exec := NewContext()
	defer exec.Close()

	done := make(chan error, 1)
	go func() {
		done <- exec.Perform(context.Background(), func(ctx context.Context) error {
			if !exec.Owns(ctx) {
				return errors.New("block context does not own the executor")
			}
			return exec.Perform(ctx, func(context.Context) error { return nil })
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested Perform deadlocked")
	}
}

func TestContext_ClosedAndPanics(t *testing.T) {
	exec := NewContext()

	err := exec.Perform(context.Background(), func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}

	exec.Close()
	exec.Close()
	err = exec.Perform(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrContextClosed) {
		t.Fatalf("expected ErrContextClosed, got %v", err)
	}
}

func TestMemoryEngine_TxnIsolation(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()

	tx1, _ := e.Begin(ctx)
	if err := tx1.Put(ctx, "n", "a", []byte(`1`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	tx2, _ := e.Begin(ctx)
	if _, err := tx2.Get(ctx, "n", "a"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("uncommitted write must be invisible, got %v", err)
	}
	_ = tx2.Rollback(ctx)

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx1.Put(ctx, "n", "b", nil); !errors.Is(err, ErrTxnDone) {
		t.Fatalf("expected ErrTxnDone after commit, got %v", err)
	}

	tx3, _ := e.Begin(ctx)
	defer tx3.Rollback(ctx)
	data, err := tx3.Get(ctx, "n", "a")
	if err != nil || string(data) != "1" {
		t.Fatalf("expected committed value, got %q, %v", data, err)
	}
	if err := tx3.Delete(ctx, "n", "missing"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
}

func TestObjectStorage_EntityName(t *testing.T) {
	s, _ := newTestStorage(t)
	if s.Entity() != "objectstore.note" {
		t.Fatalf("unexpected default entity name %q", s.Entity())
	}
}

func TestObjectStorage_SaveFetchSameInstance(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	n := &note{ID: "a", Body: "hello"}
	if err := s.Save(ctx, n); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Fetch(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if got != n {
		t.Fatal("expected the materialized instance to be returned")
	}

	if err := s.Forget(ctx); err != nil {
		t.Fatalf("forget: %v", err)
	}
	got, ok, err = s.Fetch(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("fetch after forget: ok=%v err=%v", ok, err)
	}
	if got == n || got.Body != "hello" {
		t.Fatalf("expected a fresh copy from the engine, got %+v", got)
	}
	again, _, _ := s.Fetch(ctx, "a")
	if again != got {
		t.Fatal("expected the re-materialized instance on the next fetch")
	}
}

func TestObjectStorage_FetchMissing(t *testing.T) {
	s, _ := newTestStorage(t)
	_, ok, err := s.Fetch(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("expected absent without error, got ok=%v err=%v", ok, err)
	}
}

func TestObjectStorage_SaveRequiresID(t *testing.T) {
	s, _ := newTestStorage(t)
	err := s.Save(context.Background(), &note{})
	if storage.KindOf(err) != storage.KindSaveFailed {
		t.Fatalf("expected save failed, got %v", err)
	}
}

func TestObjectStorage_FetchAllOrderedAndMatching(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	if err := s.SaveAll(ctx, []*note{{ID: "c", Body: "x"}, {ID: "a", Body: "y"}, {ID: "b", Body: "x"}}); err != nil {
		t.Fatalf("save all: %v", err)
	}

	all, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", all)
	}

	xs, err := s.FetchMatching(ctx, func(n *note) bool { return n.Body == "x" })
	if err != nil {
		t.Fatalf("fetch matching: %v", err)
	}
	if len(xs) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(xs))
	}
}

func TestObjectStorage_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	_ = s.Save(ctx, &note{ID: "a"})
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Materialized() != 0 {
		t.Fatalf("expected deleted object to leave the table, %d left", s.Materialized())
	}
	if _, ok, _ := s.Fetch(ctx, "a"); ok {
		t.Fatal("expected object to be gone")
	}

	err := s.Delete(ctx, "a")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestObjectStorage_DeleteAllScopedToEntity(t *testing.T) {
	ctx := context.Background()
	exec := NewContext()
	defer exec.Close()
	engine := NewMemoryEngine()

	notes, _ := New[*note](exec, engine, WithEntityName("notes"))
	drafts, _ := New[*note](exec, engine, WithEntityName("drafts"))

	_ = notes.Save(ctx, &note{ID: "a"})
	_ = drafts.Save(ctx, &note{ID: "a"})

	if err := notes.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if all, _ := notes.FetchAll(ctx); len(all) != 0 {
		t.Fatalf("expected notes to be empty, got %d", len(all))
	}
	if all, _ := drafts.FetchAll(ctx); len(all) != 1 {
		t.Fatalf("expected drafts untouched, got %d", len(all))
	}
}

func TestObjectStorage_MalformedRow(t *testing.T) {
	ctx := context.Background()
	s, engine := newTestStorage(t)

	tx, _ := engine.Begin(ctx)
	_ = tx.Put(ctx, s.Entity(), "bad", []byte("{not json"))
	_ = tx.Commit(ctx)

	_, _, err := s.Fetch(ctx, "bad")
	if storage.KindOf(err) != storage.KindInvalidData {
		t.Fatalf("expected invalid data from fetch, got %v", err)
	}
	_, err = s.FetchAll(ctx)
	if storage.KindOf(err) != storage.KindInvalidData {
		t.Fatalf("expected invalid data from fetch all, got %v", err)
	}
}

func TestObjectStorage_MaterializedBound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t, WithMaxMaterialized(2))

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, &note{ID: id}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if s.Materialized() != 2 {
		t.Fatalf("expected 2 materialized objects, got %d", s.Materialized())
	}
	if all, _ := s.FetchAll(ctx); len(all) != 3 {
		t.Fatalf("expected 3 stored objects, got %d", len(all))
	}
}

func TestPerformTransaction_RollsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)
	a := &note{ID: "a", Body: "kept"}
	_ = s.Save(ctx, a)

	cause := errors.New("abort")
	err := s.PerformTransaction(ctx, func(ctx context.Context, tx *ObjectStorage[*note]) error {
		if err := tx.Save(ctx, &note{ID: "b"}); err != nil {
			return err
		}
		if err := tx.Delete(ctx, "a"); err != nil {
			return err
		}
		if _, ok, _ := tx.Fetch(ctx, "a"); ok {
			t.Error("expected the view to see its own delete")
		}
		return cause
	})
	if storage.KindOf(err) != storage.KindTransactionFailed || !errors.Is(err, cause) {
		t.Fatalf("expected transaction failed wrapping cause, got %v", err)
	}

	got, ok, _ := s.Fetch(ctx, "a")
	if !ok || got != a {
		t.Fatal("expected the table to keep the original instance")
	}
	_ = s.Forget(ctx)
	if _, ok, _ := s.Fetch(ctx, "a"); !ok {
		t.Fatal("expected the delete to be rolled back in the engine")
	}
	if _, ok, _ := s.Fetch(ctx, "b"); ok {
		t.Fatal("expected the save to be rolled back in the engine")
	}
}

func TestPerformObjectTransaction_Commits(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)
	_ = s.Save(ctx, &note{ID: "old"})

	n, err := PerformObjectTransaction(ctx, s, func(ctx context.Context, tx *ObjectStorage[*note]) (int, error) {
		if err := tx.DeleteAll(ctx); err != nil {
			return 0, err
		}
		if _, ok, _ := tx.Fetch(ctx, "old"); ok {
			t.Error("expected the view to see its own delete all")
		}
		if err := tx.SaveAll(ctx, []*note{{ID: "x"}, {ID: "y"}}); err != nil {
			return 0, err
		}
		// Joining the enclosing transaction.
		err := tx.PerformTransaction(ctx, func(ctx context.Context, inner *ObjectStorage[*note]) error {
			return inner.Save(ctx, &note{ID: "z"})
		})
		if err != nil {
			return 0, err
		}
		all, err := tx.FetchAll(ctx)
		return len(all), err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 objects inside the transaction, got %d", n)
	}

	if s.Materialized() != 3 {
		t.Fatalf("expected the committed objects in the table, got %d", s.Materialized())
	}
	if _, ok, _ := s.Fetch(ctx, "old"); ok {
		t.Fatal("expected old to be deleted")
	}
}

func TestPerformObjectTransaction_ZeroOnFailure(t *testing.T) {
	s, _ := newTestStorage(t)
	n, err := PerformObjectTransaction(context.Background(), s, func(context.Context, *ObjectStorage[*note]) (int, error) {
		return 9, errors.New("nope")
	})
	if n != 0 || storage.KindOf(err) != storage.KindTransactionFailed {
		t.Fatalf("expected zero and transaction failed, got %d, %v", n, err)
	}
}

func TestObjectStorage_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Save(ctx, &note{ID: NewObjectID()}); err != nil {
				t.Errorf("save: %v", err)
			}
		}()
	}
	wg.Wait()

	all, err := s.FetchAll(ctx)
	if err != nil || len(all) != 50 {
		t.Fatalf("expected 50 objects, got %d (%v)", len(all), err)
	}
}

func TestContext_OwnershipEndsWithPerform(t *testing.T) {
	exec := NewContext()
	defer exec.Close()

	var leaked context.Context
	_ = exec.Perform(context.Background(), func(ctx context.Context) error {
		leaked = ctx
		return nil
	})
	if exec.Owns(leaked) {
		t.Fatal("ctx must not own the context after Perform returns")
	}

	var (
		wg      sync.WaitGroup
		active  int32
		maxSeen int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.Perform(leaked, func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected a kept ctx to go through the context goroutine, saw %d concurrent", maxSeen)
	}
}

func TestPerformTransaction_ViewEndsWithBlock(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	var view *ObjectStorage[*note]
	err := s.PerformTransaction(ctx, func(ctx context.Context, tx *ObjectStorage[*note]) error {
		view = tx
		return tx.Save(ctx, &note{ID: "a", Body: "x"})
	})
	if err != nil {
		t.Fatalf("PerformTransaction: %v", err)
	}

	err = view.Save(ctx, &note{ID: "b"})
	if storage.KindOf(err) != storage.KindSaveFailed || !errors.Is(err, ErrTxnDone) {
		t.Fatalf("expected save on a finished view to fail, got %v", err)
	}
	if _, ok, _ := s.Fetch(ctx, "b"); ok {
		t.Fatal("finished view must not write")
	}
	if _, ok, err := s.Fetch(ctx, "a"); err != nil || !ok {
		t.Fatalf("Fetch(a) = %v, %v", ok, err)
	}
}

func TestObjectStorage_ClosedContext(t *testing.T) {
	exec := NewContext()
	s, err := New[*note](exec, NewMemoryEngine())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exec.Close()

	_, _, err = s.Fetch(context.Background(), "a")
	if storage.KindOf(err) != storage.KindFetchFailed {
		t.Fatalf("expected fetch failed, got %v", err)
	}
	if !errors.Is(err, ErrContextClosed) {
		t.Fatalf("expected ErrContextClosed in chain, got %v", err)
	}

	err = s.PerformTransaction(context.Background(), func(context.Context, *ObjectStorage[*note]) error { return nil })
	if storage.KindOf(err) != storage.KindTransactionFailed {
		t.Fatalf("expected transaction failed, got %v", err)
	}
}

func TestPostgresEngine(t *testing.T) {
	dsn := os.Getenv("DEPOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DEPOT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	engine, err := NewPostgresEngine(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer engine.Close()

	exec := NewContext()
	defer exec.Close()
	s, err := New[*note](exec, engine, WithEntityName("test_notes"), WithMaxMaterialized(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.DeleteAll(ctx)

	if err := s.Save(ctx, &note{ID: "a", Body: "pg"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Fetch(ctx, "a")
	if err != nil || !ok || got.Body != "pg" {
		t.Fatalf("fetch: %+v ok=%v err=%v", got, ok, err)
	}

	err = s.PerformTransaction(ctx, func(ctx context.Context, tx *ObjectStorage[*note]) error {
		_ = tx.Save(ctx, &note{ID: "b"})
		return errors.New("abort")
	})
	if storage.KindOf(err) != storage.KindTransactionFailed {
		t.Fatalf("expected transaction failed, got %v", err)
	}
	if _, ok, _ := s.Fetch(ctx, "b"); ok {
		t.Fatal("expected rollback")
	}
	if err := s.Delete(ctx, "missing"); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
}
