package docstore

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Normalize round-trips value through JSON so stored trees only hold
// map[string]any, []any, json.Number, string, bool and nil.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

func decodeRaw(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeTree parses a stored JSON document.
func DecodeTree(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return decodeRaw(raw)
}

func GetAt(node any, segs []string) (any, bool) {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	if node == nil {
		return nil, false
	}
	return node, true
}

// SetAt writes v at segs below node and returns the new node. Writing nil or
// an empty object deletes, and parents left empty are pruned.
func SetAt(node any, segs []string, v any) any {
	if len(segs) == 0 {
		if isEmpty(v) {
			return nil
		}
		return v
	}
	m, ok := node.(map[string]any)
	if !ok {
		if isEmpty(v) {
			return node
		}
		m = map[string]any{}
	}
	child := SetAt(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	m, ok := v.(map[string]any)
	return ok && len(m) == 0
}

// RelativeSegments splits an Update field key, which may itself contain
// slashes.
func RelativeSegments(key string) ([]string, error) {
	return SplitPath(strings.TrimSpace(key))
}

func Equal(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// Snap builds a Snapshot for v found at path.
func Snap(path string, v any, ok bool) (Snapshot, error) {
	if !ok {
		return Snapshot{Path: path}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Exists: true, Value: raw}, nil
}

// FilterEqual keeps the children of collection whose child field equals
// want.
func FilterEqual(collection any, child string, want any) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	m, ok := collection.(map[string]any)
	if !ok {
		return out, nil
	}
	childSegs, err := RelativeSegments(child)
	if err != nil {
		return nil, err
	}
	for key, item := range m {
		got, ok := GetAt(item, childSegs)
		if !ok || !Equal(got, want) {
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out[key] = raw
	}
	return out, nil
}
