package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	if err := m.Set(ctx, "rooms/r1", map[string]any{"code": "AB3K", "seed": 123456}); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap, err := m.Get(ctx, "rooms/r1/seed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !snap.Exists || string(snap.Value) != "123456" {
		t.Fatalf("seed snapshot = %+v", snap)
	}
	if err := m.Delete(ctx, "rooms/r1/code"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "rooms/r1/seed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snap, _ = m.Get(ctx, "rooms/r1")
	if snap.Exists {
		t.Fatalf("expected empty parent to be pruned, got %s", snap.Value)
	}
	if _, err := m.Get(ctx, "rooms//x"); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestMemoryUpdateNilDeletes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_ = m.Set(ctx, "rooms/r1", map[string]any{
		"hostId":  "a",
		"players": map[string]any{"a": map[string]any{"score": 1}, "b": map[string]any{"score": 2}},
	})
	if err := m.Update(ctx, "rooms/r1", map[string]any{"players/a": nil, "hostId": "b"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, _ := m.Get(ctx, "rooms/r1")
	var got struct {
		HostID  string                    `json:"hostId"`
		Players map[string]map[string]int `json:"players"`
	}
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HostID != "b" || len(got.Players) != 1 || got.Players["b"]["score"] != 2 {
		t.Fatalf("unexpected record after update: %+v", got)
	}
}

func TestMemoryPushOrdersKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var keys []string
	for i := 0; i < 5; i++ {
		k, err := m.Push(ctx, "signaling/s/p/candidates", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		keys = append(keys, k)
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("push keys not creation ordered: %v", keys)
	}
	snap, _ := m.Get(ctx, "signaling/s/p/candidates")
	var got map[string]struct{ N int }
	if err := json.Unmarshal(snap.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, k := range keys {
		if got[k].N != i {
			t.Fatalf("entry %s = %d, want %d", k, got[k].N, i)
		}
	}
}

func TestMemoryQueryEqual(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_ = m.Set(ctx, "rooms/r1", map[string]any{"code": "AB3K", "state": "waiting"})
	_ = m.Set(ctx, "rooms/r2", map[string]any{"code": "ZZ99", "state": "waiting"})
	_ = m.Set(ctx, "rooms/r3", map[string]any{"code": "AB3K", "state": "finished"})

	items, err := m.QueryEqual(ctx, "rooms", "code", "AB3K")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 2 || items["r1"] == nil || items["r3"] == nil {
		t.Fatalf("unexpected query result: %v", items)
	}
	items, _ = m.QueryEqual(ctx, "missing", "code", "AB3K")
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestMemorySubscribeDeliversInitialChangesAndDeletion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_ = m.Set(ctx, "rooms/r1/state", "waiting")
	ch := make(chan Snapshot, 16)
	cancel, err := m.Subscribe(ctx, "rooms/r1", func(s Snapshot) { ch <- s })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	first := recv(t, ch)
	if !first.Exists || string(first.Value) != `{"state":"waiting"}` {
		t.Fatalf("initial snapshot = %+v", first)
	}
	_ = m.Set(ctx, "rooms/r1/state", "countdown")
	if snap := recv(t, ch); string(snap.Value) != `{"state":"countdown"}` {
		t.Fatalf("change snapshot = %s", snap.Value)
	}
	_ = m.Set(ctx, "rooms/r2/state", "waiting")
	_ = m.Delete(ctx, "rooms/r1")
	if snap := recv(t, ch); snap.Exists {
		t.Fatalf("expected deletion snapshot, got %s", snap.Value)
	}
	if m.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", m.Subscribers())
	}
	cancel()
	if m.Subscribers() != 0 {
		t.Fatalf("subscribers after cancel = %d", m.Subscribers())
	}
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"rooms/r1", "rooms/r1", true},
		{"rooms/r1", "rooms/r1/players/a", true},
		{"rooms", "rooms/r1", true},
		{"rooms/r1", "rooms/r10", false},
		{"signaling/s/a", "signaling/s/b", false},
	}
	for _, tt := range tests {
		if got := Overlaps(tt.a, tt.b); got != tt.want {
			t.Fatalf("Overlaps(%q,%q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
