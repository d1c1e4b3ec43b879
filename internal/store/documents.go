package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"slice-duel/internal/docstore"

	"github.com/jackc/pgx/v5"
)

type write struct {
	segs  []string
	value any
}

func rootOf(segs []string) string {
	return segs[0] + "/" + segs[1]
}

func (s *Store) Get(ctx context.Context, path string) (docstore.Snapshot, error) {
	segs, err := docstore.SplitPath(path)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if len(segs) == 1 {
		coll, err := s.loadCollection(ctx, segs[0])
		if err != nil {
			return docstore.Snapshot{}, err
		}
		return docstore.Snap(path, coll, len(coll) > 0)
	}
	var raw []byte
	err = s.Pool.QueryRow(ctx, `SELECT value FROM documents WHERE root = $1`, rootOf(segs)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Snapshot{Path: path}, nil
	}
	if err != nil {
		return docstore.Snapshot{}, err
	}
	tree, err := docstore.DecodeTree(raw)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	v, ok := docstore.GetAt(tree, segs[2:])
	return docstore.Snap(path, v, ok)
}

func (s *Store) loadCollection(ctx context.Context, collection string) (map[string]any, error) {
	rows, err := s.Pool.Query(ctx, `SELECT root, value FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]any{}
	for rows.Next() {
		var root string
		var raw []byte
		if err := rows.Scan(&root, &raw); err != nil {
			return nil, err
		}
		tree, err := docstore.DecodeTree(raw)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(root, collection+"/")] = tree
	}
	return out, rows.Err()
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	segs, err := docstore.SplitPath(path)
	if err != nil {
		return err
	}
	v, err := docstore.Normalize(value)
	if err != nil {
		return err
	}
	if len(segs) == 1 {
		return s.replaceCollection(ctx, segs[0], v)
	}
	return s.apply(ctx, []write{{segs: segs, value: v}})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	base, err := docstore.SplitPath(path)
	if err != nil {
		return err
	}
	writes := make([]write, 0, len(fields))
	for key, value := range fields {
		rel, err := docstore.RelativeSegments(key)
		if err != nil {
			return err
		}
		v, err := docstore.Normalize(value)
		if err != nil {
			return err
		}
		segs := append(append([]string{}, base...), rel...)
		if len(segs) < 2 {
			return docstore.ErrInvalidPath
		}
		writes = append(writes, write{segs: segs, value: v})
	}
	return s.apply(ctx, writes)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key := docstore.NewKey()
	if err := s.Set(ctx, docstore.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) QueryEqual(ctx context.Context, path, child string, value any) (map[string]json.RawMessage, error) {
	segs, err := docstore.SplitPath(path)
	if err != nil {
		return nil, err
	}
	want, err := docstore.Normalize(value)
	if err != nil {
		return nil, err
	}
	if len(segs) != 1 || strings.Contains(child, "/") {
		snap, err := s.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		var tree any
		if snap.Exists {
			if tree, err = docstore.DecodeTree(snap.Value); err != nil {
				return nil, err
			}
		}
		return docstore.FilterEqual(tree, child, want)
	}
	wantRaw, err := json.Marshal(want)
	if err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT root, value FROM documents WHERE collection = $1 AND value -> $2 = $3::jsonb`,
		segs[0], child, string(wantRaw))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var root string
		var raw []byte
		if err := rows.Scan(&root, &raw); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(root, segs[0]+"/")] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

// apply runs every write in one transaction, locking each touched record.
func (s *Store) apply(ctx context.Context, writes []write) error {
	byRoot := map[string][]write{}
	order := []string{}
	for _, w := range writes {
		root := rootOf(w.segs)
		if _, ok := byRoot[root]; !ok {
			order = append(order, root)
		}
		byRoot[root] = append(byRoot[root], w)
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, root := range order {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT value FROM documents WHERE root = $1 FOR UPDATE`, root).Scan(&raw)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		tree, err := docstore.DecodeTree(raw)
		if err != nil {
			return err
		}
		for _, w := range byRoot[root] {
			tree = docstore.SetAt(tree, w.segs[2:], w.value)
		}
		if err := putRecord(ctx, tx, root, tree); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) replaceCollection(ctx context.Context, collection string, v any) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1`, collection); err != nil {
		return err
	}
	if m, ok := v.(map[string]any); ok {
		for id, doc := range m {
			if err := putRecord(ctx, tx, collection+"/"+id, doc); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func putRecord(ctx context.Context, tx pgx.Tx, root string, tree any) error {
	if tree == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE root = $1`, root); err != nil {
			return err
		}
	} else {
		raw, err := json.Marshal(tree)
		if err != nil {
			return err
		}
		collection, _, _ := strings.Cut(root, "/")
		if _, err := tx.Exec(ctx, `
			INSERT INTO documents (root, collection, value)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (root) DO UPDATE
			SET value = EXCLUDED.value,
			    updated_at = now()
		`, root, collection, string(raw)); err != nil {
			return err
		}
	}
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, root)
	return err
}
