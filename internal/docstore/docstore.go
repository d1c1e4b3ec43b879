// Package docstore is the path-addressed JSON document store both duel
// clients share. Records live at slash separated paths such as
// "rooms/01J..." and every backend pushes snapshots to subscribers.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid_path")
	ErrUnavailable = errors.New("store_unavailable")
	ErrClosed      = errors.New("store_closed")
)

// Snapshot is the value at Path when it was read. Disconnected marks the
// synthetic snapshot delivered when a subscription loses its transport.
type Snapshot struct {
	Path         string          `json:"path"`
	Exists       bool            `json:"exists"`
	Value        json.RawMessage `json:"value,omitempty"`
	Disconnected bool            `json:"disconnected,omitempty"`
}

func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return errors.New("snapshot has no value")
	}
	return json.Unmarshal(s.Value, v)
}

type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	// Update writes every field (a path relative to path) in one step. A nil
	// field value deletes that sub-path.
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Push stores value under a new creation-ordered child key of path.
	Push(ctx context.Context, path string, value any) (string, error)
	// QueryEqual returns the children of path whose child field equals value.
	QueryEqual(ctx context.Context, path, child string, value any) (map[string]json.RawMessage, error)
	// Subscribe delivers the current snapshot of path and then one snapshot
	// per observed change, in order. The returned func cancels delivery.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error)
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, ErrInvalidPath
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if !validSegment(s) {
			return nil, ErrInvalidPath
		}
	}
	return segs, nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "#$[]\x00")
}

// Overlaps reports whether a write at one path can change the value at the
// other.
func Overlaps(a, b string) bool {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
