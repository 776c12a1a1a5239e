package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestCountCache_MissThenHit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCountCache(client, zap.NewNop())
	ctx := context.Background()
	userID := uuid.New()

	if _, err := cache.Get(ctx, userID); !errors.Is(err, ErrCountMiss) {
		t.Fatalf("expected ErrCountMiss, got: %v", err)
	}

	if err := cache.Set(ctx, userID, 7); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	count, err := cache.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if count != 7 {
		t.Errorf("expected count 7, got %d", count)
	}
}

func TestCountCache_Invalidate(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCountCache(client, zap.NewNop())
	ctx := context.Background()
	userID := uuid.New()

	if err := cache.Set(ctx, userID, 3); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := cache.Invalidate(ctx, userID); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	if _, err := cache.Get(ctx, userID); !errors.Is(err, ErrCountMiss) {
		t.Fatalf("expected ErrCountMiss after invalidation, got: %v", err)
	}
}

func TestCountCache_InvalidateMany(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCountCache(client, zap.NewNop())
	ctx := context.Background()

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range users {
		if err := cache.Set(ctx, id, i+1); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	untouched := uuid.New()
	if err := cache.Set(ctx, untouched, 9); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	cache.InvalidateMany(ctx, users)

	for _, id := range users {
		if _, err := cache.Get(ctx, id); !errors.Is(err, ErrCountMiss) {
			t.Errorf("expected miss for %s after fan-out invalidation, got: %v", id, err)
		}
	}

	count, err := cache.Get(ctx, untouched)
	if err != nil || count != 9 {
		t.Errorf("expected untouched user to keep count 9, got %d (%v)", count, err)
	}

	// Empty audience is a no-op
	cache.InvalidateMany(ctx, nil)
}
