package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/storage"
)

type note struct {
	ID   int
	Text string
}

func (n note) EntityID() int { return n.ID }

func TestStorage_CRUD(t *testing.T) {
	s := New[note, int]()
	ctx := context.Background()

	if err := s.SaveAll(ctx, []note{{1, "a"}, {2, "b"}, {3, "c"}}); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if err := s.Save(ctx, note{1, "a2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	all, _ := s.FetchAll(ctx)
	if len(all) != 3 || all[0].Text != "a2" || all[2].ID != 3 {
		t.Fatalf("unexpected contents %v", all)
	}

	got, ok, err := s.Fetch(ctx, 2)
	if err != nil || !ok || got.Text != "b" {
		t.Fatalf("Fetch(2) = %v %v %v", got, ok, err)
	}
	if _, ok, _ := s.Fetch(ctx, 9); ok {
		t.Fatal("expected absent entity")
	}

	odd, _ := s.FetchMatching(ctx, func(n note) bool { return n.ID%2 == 1 })
	if len(odd) != 2 {
		t.Fatalf("expected 2 odd notes, got %v", odd)
	}

	if err := s.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, 2); storage.KindOf(err) != storage.KindNotFound {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := s.DeleteAll(ctx); err != nil || s.Len() != 0 {
		t.Fatalf("DeleteAll: len=%d err=%v", s.Len(), err)
	}
}

func TestStorage_TransactRollsBack(t *testing.T) {
	s := New[note, int]()
	ctx := context.Background()
	_ = s.Save(ctx, note{1, "keep"})

	cause := errors.New("abort")
	err := s.Transact(ctx, func(ctx context.Context) error {
		if err := s.Save(ctx, note{2, "new"}); err != nil {
			return err
		}
		if err := s.Delete(ctx, 1); err != nil {
			return err
		}
		return cause
	})
	if storage.KindOf(err) != storage.KindTransactionFailed || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped transaction failure, got %v", err)
	}

	all, _ := s.FetchAll(ctx)
	if len(all) != 1 || all[0].Text != "keep" {
		t.Fatalf("expected rollback to restore the snapshot, got %v", all)
	}
}

func TestStorage_TransactCommits(t *testing.T) {
	s := New[note, int]()
	ctx := context.Background()

	count, err := storage.PerformTransaction(ctx, s, func(ctx context.Context) (int, error) {
		for i := 0; i < 3; i++ {
			if err := s.Save(ctx, note{ID: i}); err != nil {
				return 0, err
			}
		}
		all, err := s.FetchAll(ctx)
		return len(all), err
	})
	if err != nil || count != 3 {
		t.Fatalf("PerformTransaction = %d, %v", count, err)
	}
}

func TestStorage_ContextKeptAfterTransact(t *testing.T) {
	s := New[note, int]()
	var leaked context.Context
	err := s.Transact(context.Background(), func(ctx context.Context) error {
		leaked = ctx
		return s.Save(ctx, note{0, "inside"})
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Save(leaked, note{i, "after"}); err != nil {
				t.Errorf("Save(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if n := s.Len(); n != 201 {
		t.Fatalf("expected 201 entities, got %d", n)
	}
}

func TestRepository_ConcurrentSaves(t *testing.T) {
	repo := NewRepository[note, int](cache.DefaultPolicy)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.Save(ctx, note{ID: i, Text: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	all, err := repo.FetchAll(ctx)
	if err != nil || len(all) != 100 {
		t.Fatalf("FetchAll: len=%d err=%v", len(all), err)
	}
}

func TestRepository_InvalidateThenFetch(t *testing.T) {
	repo := NewRepository[note, int](cache.AggressivePolicy)
	ctx := context.Background()

	_ = repo.Save(ctx, note{7, "seven"})
	repo.InvalidateCache()

	got, ok, err := repo.Fetch(ctx, 7)
	if err != nil || !ok || got.Text != "seven" {
		t.Fatalf("Fetch after invalidate = %v %v %v", got, ok, err)
	}
	if repo.CacheStats().Misses != 1 {
		t.Fatalf("expected a read-through miss, got %+v", repo.CacheStats())
	}
}
