package cache

import (
	"context"
	"testing"
	"time"
)

func TestNewWithoutAddressIsDisabled(t *testing.T) {
	c := New("", "", 0)
	if c.Enabled() {
		t.Fatal("empty address must yield a disabled cache")
	}
	if c.log == nil {
		t.Fatal("disabled cache still carries its log entry")
	}
}

func TestDisabledCacheIsFailSilent(t *testing.T) {
	c := New("", "", 0)
	ctx := context.Background()

	var out map[string]string
	if c.GetJSON(ctx, "k", &out) {
		t.Error("disabled cache must report a miss")
	}
	c.SetJSON(ctx, "k", map[string]string{"a": "b"}, time.Minute)
	c.Delete(ctx, "k")
	if err := c.Close(); err != nil {
		t.Errorf("close on disabled cache: %v", err)
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *Cache
	if c.Enabled() {
		t.Fatal("nil cache must be disabled")
	}
	if c.GetJSON(context.Background(), "k", nil) {
		t.Error("nil cache must report a miss")
	}
}
