package room

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepStale deletes waiting sessions created before the threshold, finished
// sessions that ended before it, malformed records, and signaling records
// whose session no longer exists. It returns the number of sessions removed.
func (s *Service) SweepStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	// Signaling is read first: a session always exists before its
	// signaling records do, so nothing created mid-sweep is mistaken for an
	// orphan.
	signaling, err := s.repo.SignalingSessions(ctx)
	if err != nil {
		return 0, err
	}
	sessions, malformed, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-staleAfter).UnixMilli()
	live := make(map[string]struct{}, len(sessions))
	removed := 0
	for _, sess := range sessions {
		if !stale(sess, cutoff) {
			live[sess.ID] = struct{}{}
			continue
		}
		if err := s.repo.Delete(ctx, sess.ID); err != nil {
			return removed, err
		}
		removed++
		log.Info().Str("session_id", sess.ID).Str("state", string(sess.State)).Msg("swept stale session")
	}
	for _, id := range malformed {
		if err := s.repo.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}

	for _, id := range signaling {
		if _, ok := live[id]; ok {
			continue
		}
		if err := s.repo.DeleteSignaling(ctx, id); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func stale(sess *Session, cutoff int64) bool {
	switch sess.State {
	case StateWaiting:
		return sess.CreatedAt < cutoff
	case StateFinished:
		return sess.EndedAt != nil && *sess.EndedAt < cutoff
	}
	return false
}
