package checkpoint

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{ExamID: "exam-1", TestTakerID: "taker-1"}

	if _, ok, err := s.Get(ctx, key); ok || err != nil {
		t.Fatalf("expected absent checkpoint, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, key, 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok || got != 42 {
		t.Fatalf("Get() = %d, %v, %v; want 42, true, nil", got, ok, err)
	}

	if err := s.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, key); ok {
		t.Fatalf("expected checkpoint to be cleared")
	}
}

func TestMemoryStoreOrderIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := Key{ExamID: "exam-1", TestTakerID: "taker-1"}

	order := []string{"a", "b", "c"}
	if err := s.SetOrder(ctx, key, order); err != nil {
		t.Fatalf("SetOrder: %v", err)
	}
	order[0] = "mutated"

	got, ok, err := s.GetOrder(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetOrder() ok=%v err=%v", ok, err)
	}
	if got[0] != "a" {
		t.Fatalf("stored order was aliased with caller slice: %v", got)
	}
}
