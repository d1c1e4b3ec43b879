package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store. Every write holds one lock, so an Update
// touching several sub-paths is atomic.
type Memory struct {
	mu   sync.RWMutex
	root any
	fan  *Fanout
}

func NewMemory() *Memory {
	m := &Memory{}
	m.fan = NewFanout(m.Get)
	return m
}

func (m *Memory) Get(_ context.Context, path string) (Snapshot, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := GetAt(m.root, segs)
	return Snap(path, v, ok)
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.root = SetAt(m.root, segs, v)
	m.mu.Unlock()
	m.fan.Changed(path)
	return nil
}

func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	base, err := SplitPath(path)
	if err != nil {
		return err
	}
	type write struct {
		segs  []string
		value any
	}
	writes := make([]write, 0, len(fields))
	for key, value := range fields {
		rel, err := RelativeSegments(key)
		if err != nil {
			return err
		}
		v, err := Normalize(value)
		if err != nil {
			return err
		}
		segs := append(append([]string{}, base...), rel...)
		writes = append(writes, write{segs: segs, value: v})
	}
	m.mu.Lock()
	for _, w := range writes {
		m.root = SetAt(m.root, w.segs, w.value)
	}
	m.mu.Unlock()
	m.fan.Changed(path)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	return m.Set(ctx, path, nil)
}

func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	if err := m.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) QueryEqual(_ context.Context, path, child string, value any) (map[string]json.RawMessage, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	want, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	collection, _ := GetAt(m.root, segs)
	return FilterEqual(collection, child, want)
}

func (m *Memory) Subscribe(_ context.Context, path string, fn func(Snapshot)) (func(), error) {
	if _, err := SplitPath(path); err != nil {
		return nil, err
	}
	return m.fan.Add(path, fn)
}

// Subscribers reports live subscriptions; the hub exports it as a gauge.
func (m *Memory) Subscribers() int {
	return m.fan.Len()
}

func (m *Memory) Close() {
	m.fan.Close()
}
