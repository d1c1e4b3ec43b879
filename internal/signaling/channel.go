package signaling

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"slice-duel/internal/docstore"

	"github.com/rs/zerolog/log"
)

const (
	signalingRoot  = "signaling"
	descriptionKey = "description"
	candidatesKey  = "candidates"
)

// Channel addresses one participant pair's records under
// signaling/{session}/{participant}. It only ever writes the local
// participant's record.
type Channel struct {
	store     docstore.Store
	sessionID string
	self      string
	peer      string
}

func NewChannel(st docstore.Store, sessionID, self, peer string) *Channel {
	return &Channel{store: st, sessionID: sessionID, self: self, peer: peer}
}

func (c *Channel) SessionID() string { return c.sessionID }
func (c *Channel) Self() string      { return c.self }
func (c *Channel) Peer() string      { return c.peer }

func (c *Channel) recordPath(participant string, rest ...string) string {
	return docstore.Join(append([]string{signalingRoot, c.sessionID, participant}, rest...)...)
}

// Reset clears the local description and candidates left by an earlier
// attempt.
func (c *Channel) Reset(ctx context.Context) error {
	return c.store.Update(ctx, c.recordPath(c.self), map[string]any{
		descriptionKey: nil,
		candidatesKey:  nil,
	})
}

func (c *Channel) PublishDescription(ctx context.Context, d Description) error {
	return c.store.Set(ctx, c.recordPath(c.self, descriptionKey), d)
}

func (c *Channel) PushCandidate(ctx context.Context, cand Candidate) (string, error) {
	return c.store.Push(ctx, c.recordPath(c.self, candidatesKey), cand)
}

// Delete removes the local record entirely.
func (c *Channel) Delete(ctx context.Context) error {
	return c.store.Delete(ctx, c.recordPath(c.self))
}

// WatchDescription reports the peer's current description, or nil while it
// has none.
func (c *Channel) WatchDescription(ctx context.Context, fn func(*Description)) (func(), error) {
	path := c.recordPath(c.peer, descriptionKey)
	return c.store.Subscribe(ctx, path, func(snap docstore.Snapshot) {
		if !snap.Exists {
			fn(nil)
			return
		}
		var d Description
		if err := json.Unmarshal(snap.Value, &d); err != nil || (d.Type != SDPOffer && d.Type != SDPAnswer) {
			log.Warn().Err(err).Str("path", path).Msg("ignoring malformed description")
			return
		}
		fn(&d)
	})
}

// WatchCandidates calls fn once per peer candidate entry, in entry key
// order. Entries already delivered are never delivered again.
func (c *Channel) WatchCandidates(ctx context.Context, fn func(key string, cand Candidate)) (func(), error) {
	path := c.recordPath(c.peer, candidatesKey)
	var mu sync.Mutex
	seen := map[string]struct{}{}
	return c.store.Subscribe(ctx, path, func(snap docstore.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if !snap.Exists {
			return
		}
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(snap.Value, &entries); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ignoring malformed candidate collection")
			return
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = struct{}{}
			var cand Candidate
			if err := json.Unmarshal(entries[k], &cand); err != nil || cand.Candidate == "" {
				log.Warn().Str("path", path).Str("key", k).Msg("ignoring malformed candidate")
				continue
			}
			fn(k, cand)
		}
	})
}
