package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"slice-duel/internal/docstore"

	"github.com/rs/zerolog/log"
)

const (
	roomsRoot     = "rooms"
	signalingRoot = "signaling"
)

func sessionPath(id string) string { return docstore.Join(roomsRoot, id) }

// Repository reads and writes session records. Everything it returns has
// been through decodeSession; store failures come back wrapped in
// ErrTransport.
type Repository struct {
	store docstore.Store
}

func NewRepository(st docstore.Store) *Repository {
	return &Repository{store: st}
}

func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	snap, err := r.store.Get(ctx, sessionPath(id))
	if err != nil {
		return nil, r.transportErr("get", id, err)
	}
	if !snap.Exists {
		return nil, ErrSessionNotFound
	}
	s, err := decodeSession(id, snap.Value)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("skipping malformed session")
		return nil, err
	}
	return s, nil
}

func (r *Repository) Put(ctx context.Context, s *Session) error {
	if err := r.store.Set(ctx, sessionPath(s.ID), s); err != nil {
		return r.transportErr("put", s.ID, err)
	}
	return nil
}

// Update applies fields relative to the session record in one write. A nil
// value removes the sub-path.
func (r *Repository) Update(ctx context.Context, id string, fields map[string]any) error {
	if err := r.store.Update(ctx, sessionPath(id), fields); err != nil {
		return r.transportErr("update", id, err)
	}
	return nil
}

// Delete removes the session and every signaling record filed under it.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, sessionPath(id)); err != nil {
		return r.transportErr("delete", id, err)
	}
	if err := r.store.Delete(ctx, docstore.Join(signalingRoot, id)); err != nil {
		return r.transportErr("delete signaling", id, err)
	}
	return nil
}

// WaitingByCode returns waiting sessions carrying code, oldest first.
func (r *Repository) WaitingByCode(ctx context.Context, code string) ([]*Session, error) {
	rows, err := r.store.QueryEqual(ctx, roomsRoot, "code", code)
	if err != nil {
		return nil, r.transportErr("query code", "", err)
	}
	sessions, _ := decodeAll(rows)
	out := sessions[:0]
	for _, s := range sessions {
		if s.State == StateWaiting {
			out = append(out, s)
		}
	}
	return out, nil
}

// List returns every decodable session plus the ids of records that failed
// validation.
func (r *Repository) List(ctx context.Context) ([]*Session, []string, error) {
	snap, err := r.store.Get(ctx, roomsRoot)
	if err != nil {
		return nil, nil, r.transportErr("list", "", err)
	}
	if !snap.Exists {
		return nil, nil, nil
	}
	var rows map[string]json.RawMessage
	if err := json.Unmarshal(snap.Value, &rows); err != nil {
		return nil, nil, fmt.Errorf("%w: rooms collection: %v", ErrMalformed, err)
	}
	sessions, malformed := decodeAll(rows)
	return sessions, malformed, nil
}

// SignalingSessions lists the session ids that still have signaling records.
func (r *Repository) SignalingSessions(ctx context.Context) ([]string, error) {
	snap, err := r.store.Get(ctx, signalingRoot)
	if err != nil {
		return nil, r.transportErr("list signaling", "", err)
	}
	if !snap.Exists {
		return nil, nil
	}
	var rows map[string]json.RawMessage
	if err := json.Unmarshal(snap.Value, &rows); err != nil {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) DeleteSignaling(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, docstore.Join(signalingRoot, id)); err != nil {
		return r.transportErr("delete signaling", id, err)
	}
	return nil
}

// Subscribe calls fn with every pushed version of the session. fn(nil) means
// the session is gone or the store connection dropped. Malformed versions
// are logged and skipped.
func (r *Repository) Subscribe(ctx context.Context, id string, fn func(*Session)) (func(), error) {
	cancel, err := r.store.Subscribe(ctx, sessionPath(id), func(snap docstore.Snapshot) {
		if !snap.Exists {
			if snap.Disconnected {
				log.Warn().Str("session_id", id).Msg("session subscription disconnected")
			}
			fn(nil)
			return
		}
		s, err := decodeSession(id, snap.Value)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("skipping malformed session push")
			return
		}
		fn(s)
	})
	if err != nil {
		return nil, r.transportErr("subscribe", id, err)
	}
	return cancel, nil
}

func (r *Repository) transportErr(op, id string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	log.Error().Err(err).Str("op", op).Str("session_id", id).Msg("session store failure")
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

func decodeAll(rows map[string]json.RawMessage) ([]*Session, []string) {
	sessions := make([]*Session, 0, len(rows))
	var malformed []string
	for id, raw := range rows {
		s, err := decodeSession(id, raw)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("skipping malformed session")
			malformed = append(malformed, id)
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt < sessions[j].CreatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	sort.Strings(malformed)
	return sessions, malformed
}
