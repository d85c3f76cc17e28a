package sqlite

import (
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "op:pause_cause", "Drawdown"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := store.Get(ctx, "op:pause_cause")
	if err != nil || !ok || value != "Drawdown" {
		t.Fatalf("get: value=%q ok=%v err=%v", value, ok, err)
	}
	if err := store.Set(ctx, "op:pause_cause", "StopLoss"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, _, _ = store.Get(ctx, "op:pause_cause")
	if value != "StopLoss" {
		t.Fatalf("overwrite: value=%q", value)
	}
	if err := store.Delete(ctx, "op:pause_cause"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "op:pause_cause"); ok {
		t.Fatal("key should be gone")
	}
}
