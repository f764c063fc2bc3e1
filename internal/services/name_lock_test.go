package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
)

func TestNameLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	locks := NewNameLock(newTestDB(t), nil)

	if err := locks.Acquire(ctx, 1, "x", "A"); err != nil {
		t.Fatalf("Acquire(A) error = %v", err)
	}
	if err := locks.Acquire(ctx, 1, "x", "B"); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("Acquire(B) error = %v, expected ErrBusy", err)
	}
	if err := locks.Acquire(ctx, 1, "x", "A"); err != nil {
		t.Errorf("re-entrant Acquire(A) error = %v", err)
	}
	if err := locks.Release(ctx, 1, "x", "A"); err != nil {
		t.Fatalf("Release(A) error = %v", err)
	}
	if err := locks.Acquire(ctx, 1, "x", "B"); err != nil {
		t.Errorf("Acquire(B) after release error = %v", err)
	}
}

func TestNameLock_ScopedByHuman(t *testing.T) {
	ctx := context.Background()
	locks := NewNameLock(newTestDB(t), nil)

	if err := locks.Acquire(ctx, 1, "x", "A"); err != nil {
		t.Fatal(err)
	}
	if err := locks.Acquire(ctx, 2, "x", "B"); err != nil {
		t.Errorf("lock of another human should not conflict, got %v", err)
	}
}

func TestNameLock_ReleaseChecksOwner(t *testing.T) {
	ctx := context.Background()
	locks := NewNameLock(newTestDB(t), nil)

	if err := locks.Release(ctx, 1, "x", "A"); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("Release of absent lock error = %v, expected ErrBusy", err)
	}

	if err := locks.Acquire(ctx, 1, "x", "A"); err != nil {
		t.Fatal(err)
	}
	if err := locks.Release(ctx, 1, "x", "B"); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("Release by wrong owner error = %v, expected ErrBusy", err)
	}
	locked, err := locks.IsLocked(ctx, 1, "x")
	if err != nil || !locked {
		t.Errorf("IsLocked() = %v, %v, expected true after a rejected release", locked, err)
	}
}

func TestNameLock_IsLockedAndHolder(t *testing.T) {
	ctx := context.Background()
	locks := NewNameLock(newTestDB(t), nil)

	if locked, _ := locks.IsLocked(ctx, 1, "x"); locked {
		t.Error("fresh name should not be locked")
	}
	if held, err := locks.Holder(ctx, 1, "x"); err != nil || held != nil {
		t.Errorf("Holder() = %v, %v, expected nil", held, err)
	}

	if err := locks.Acquire(ctx, 1, "x", "A"); err != nil {
		t.Fatal(err)
	}
	held, err := locks.Holder(ctx, 1, "x")
	if err != nil || held == nil || held.Owner != "A" {
		t.Errorf("Holder() = %+v, %v, expected owner A", held, err)
	}
}

func TestNameLock_Validation(t *testing.T) {
	locks := NewNameLock(newTestDB(t), nil)
	if err := locks.Acquire(context.Background(), 1, "", "A"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("empty name error = %v, expected ErrValidation", err)
	}
	if err := locks.Acquire(context.Background(), 1, "x", ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("empty owner error = %v, expected ErrValidation", err)
	}
}

func TestNameLock_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	locks := NewNameLock(newTestDB(t), nil)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := locks.Acquire(ctx, 1, "x", fmt.Sprintf("owner-%d", i))
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, apperrors.ErrBusy) {
				t.Errorf("Acquire() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d owners acquired the lock, expected 1", won)
	}
}

func TestNameLock_OlderThan(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	locks := NewNameLock(db, nil)

	if err := locks.Acquire(ctx, 1, "old", "A"); err != nil {
		t.Fatal(err)
	}
	if err := locks.Acquire(ctx, 1, "new", "A"); err != nil {
		t.Fatal(err)
	}
	db.Model(&models.Lock{}).Where("name = ?", "old").Update("created_at", time.Now().Add(-48*time.Hour))

	old, err := locks.OlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 1 || old[0].Name != "old" {
		t.Errorf("OlderThan() = %+v, expected only the old lock", old)
	}
}
