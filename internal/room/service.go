package room

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"slice-duel/internal/docstore"
	"slice-duel/internal/rng"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCountdown = 3 * time.Second
	codeAttempts     = 8
)

type Options struct {
	Countdown time.Duration
	Now       func() time.Time
	NewCode   func() string
	NewSeed   func() uint32
	NewID     func() string
}

// Service applies lifecycle transitions on behalf of one participant. It
// holds no session state of its own; every operation reads the current
// record, validates, and writes.
type Service struct {
	repo      *Repository
	self      string
	countdown time.Duration
	now       func() time.Time
	newCode   func() string
	newSeed   func() uint32
	newID     func() string
}

func NewService(repo *Repository, self string, opts Options) *Service {
	s := &Service{
		repo:      repo,
		self:      self,
		countdown: opts.Countdown,
		now:       opts.Now,
		newCode:   opts.NewCode,
		newSeed:   opts.NewSeed,
		newID:     opts.NewID,
	}
	if s.countdown <= 0 {
		s.countdown = DefaultCountdown
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newCode == nil {
		s.newCode = GenerateCode
	}
	if s.newSeed == nil {
		s.newSeed = rng.NewSeed
	}
	if s.newID == nil {
		s.newID = docstore.NewKey
	}
	return s
}

func (s *Service) Self() string { return s.self }
func (s *Service) Countdown() time.Duration { return s.countdown }
func (s *Service) Repository() *Repository { return s.repo }
func (s *Service) nowMillis() int64 { return s.now().UnixMilli() }

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

func (s *Service) Create(ctx context.Context, displayName string) (*Session, error) {
	name, err := cleanName(displayName)
	if err != nil {
		return nil, err
	}
	if s.self == "" {
		return nil, ErrNotParticipant
	}
	code, err := s.uniqueCode(ctx)
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()
	sess := &Session{
		ID:        s.newID(),
		Code:      code,
		State:     StateWaiting,
		HostID:    s.self,
		Seed:      s.newSeed() & rng.MaxSeed,
		CreatedAt: now,
		Players:   map[string]*Participant{s.self: newParticipant(s.self, name, now)},
	}
	if err := s.repo.Put(ctx, sess); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sess.ID).Str("code", code).Str("participant_id", s.self).Msg("session created")
	return sess, nil
}

func (s *Service) uniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := s.newCode()
		taken, err := s.repo.WaitingByCode(ctx, code)
		if err != nil {
			return "", err
		}
		if len(taken) == 0 {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// FindByCode returns the oldest waiting session with a free seat that
// carries code.
func (s *Service) FindByCode(ctx context.Context, code string) (*Session, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}
	sessions, err := s.repo.WaitingByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !sess.Full() {
			return sess, nil
		}
	}
	return nil, ErrSessionNotFound
}

// Join adds the caller to a waiting session. The store has no compare and
// set, so after writing the record is read back; if another guest got in at
// the same time the later of the two removes itself again.
func (s *Service) Join(ctx context.Context, sessionID, displayName string) error {
	name, err := cleanName(displayName)
	if err != nil {
		return err
	}
	if s.self == "" {
		return ErrNotParticipant
	}
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Participant(s.self) != nil {
		return nil
	}
	if sess.State != StateWaiting {
		return ErrWrongState
	}
	if sess.Full() {
		return ErrSessionFull
	}
	now := s.nowMillis()
	if err := s.repo.Update(ctx, sessionID, map[string]any{
		"players/" + s.self: newParticipant(s.self, name, now),
	}); err != nil {
		return err
	}

	after, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrMalformed) {
			// The room vanished underneath us; drop the orphaned entry.
			_ = s.repo.Update(ctx, sessionID, map[string]any{"players/" + s.self: nil})
			return ErrSessionNotFound
		}
		return err
	}
	roster := after.Roster()
	for i, id := range roster {
		if id == s.self && i >= MaxPlayers {
			log.Warn().Str("session_id", sessionID).Str("participant_id", s.self).Msg("lost join race, withdrawing")
			if err := s.repo.Update(ctx, sessionID, map[string]any{"players/" + s.self: nil}); err != nil {
				return err
			}
			return ErrSessionFull
		}
	}
	log.Info().Str("session_id", sessionID).Str("participant_id", s.self).Msg("joined session")
	return nil
}

func (s *Service) member(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Participant(s.self) == nil {
		return nil, ErrNotParticipant
	}
	return sess, nil
}

func (s *Service) host(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.member(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HostID != s.self {
		return nil, ErrNotHost
	}
	return sess, nil
}

func (s *Service) own(field string) string {
	return "players/" + s.self + "/" + field
}

func (s *Service) SetReady(ctx context.Context, sessionID string, ready bool) error {
	if _, err := s.member(ctx, sessionID); err != nil {
		return err
	}
	return s.repo.Update(ctx, sessionID, map[string]any{
		s.own("ready"):          ready,
		s.own("lastActivityAt"): s.nowMillis(),
	})
}

// SetConnected records presence. Callers flip it on attach and detach.
func (s *Service) SetConnected(ctx context.Context, sessionID string, connected bool) error {
	if _, err := s.member(ctx, sessionID); err != nil {
		return err
	}
	return s.repo.Update(ctx, sessionID, map[string]any{
		s.own("connected"):      connected,
		s.own("lastActivityAt"): s.nowMillis(),
	})
}

func (s *Service) Start(ctx context.Context, sessionID string) error {
	sess, err := s.host(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != StateWaiting {
		return ErrWrongState
	}
	if len(sess.Players) < MaxPlayers {
		return ErrNotEnoughPlayers
	}
	if err := s.repo.Update(ctx, sessionID, map[string]any{
		"state":     StateCountdown,
		"startedAt": s.nowMillis(),
	}); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Msg("countdown started")
	return nil
}

// AdvanceToPlaying moves a countdown to playing once startedAt plus the
// countdown has passed. Only the host writes it; guests follow the push.
func (s *Service) AdvanceToPlaying(ctx context.Context, sessionID string) error {
	sess, err := s.host(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.State {
	case StatePlaying:
		return nil
	case StateCountdown:
	default:
		return ErrWrongState
	}
	started, ok := sess.StartedTime()
	if !ok {
		return ErrWrongState
	}
	if s.now().Before(started.Add(s.countdown)) {
		return ErrCountdownPending
	}
	return s.repo.Update(ctx, sessionID, map[string]any{"state": StatePlaying})
}

// ReportScore writes the caller's stats for the match identified by seed.
// A report for an older match is refused with ErrStaleMatch. Reports are
// also taken once the match has finished, since the final flush can land
// after the other player's Finish; winnerId is recomputed in the same write.
func (s *Service) ReportScore(ctx context.Context, sessionID string, seed uint32, score, comboCurrent, comboBest int) error {
	sess, err := s.member(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Seed != seed {
		return ErrStaleMatch
	}
	score = max(score, 0)
	fields := map[string]any{
		s.own("score"):          score,
		s.own("comboCurrent"):   max(comboCurrent, 0),
		s.own("comboBest"):      max(comboBest, 0),
		s.own("lastActivityAt"): s.nowMillis(),
	}
	switch sess.State {
	case StatePlaying:
	case StateFinished:
		sess.Players[s.self].Score = score
		var winner any
		if id := leader(sess); id != "" {
			winner = id
		}
		fields["winnerId"] = winner
	default:
		return ErrWrongState
	}
	return s.repo.Update(ctx, sessionID, fields)
}

func (s *Service) ReportSlice(ctx context.Context, sessionID, fruitID string, x, y float64) error {
	sess, err := s.member(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != StatePlaying {
		return ErrWrongState
	}
	now := s.nowMillis()
	return s.repo.Update(ctx, sessionID, map[string]any{
		s.own("lastSliceEvent"): SliceMark{FruitID: fruitID, X: x, Y: y, At: now},
		s.own("lastActivityAt"): now,
	})
}

// Finish ends a playing match. The highest score wins outright; a tie leaves
// winnerId unset.
func (s *Service) Finish(ctx context.Context, sessionID string) error {
	sess, err := s.member(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.State {
	case StateFinished:
		return nil
	case StatePlaying:
	default:
		return ErrWrongState
	}
	var winner any
	if id := leader(sess); id != "" {
		winner = id
	}
	if err := s.repo.Update(ctx, sessionID, map[string]any{
		"state":    StateFinished,
		"endedAt":  s.nowMillis(),
		"winnerId": winner,
	}); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Interface("winner_id", winner).Msg("match finished")
	return nil
}

func leader(sess *Session) string {
	best, bestScore, tied := "", -1, false
	for _, id := range sess.Roster() {
		score := sess.Players[id].Score
		switch {
		case score > bestScore:
			best, bestScore, tied = id, score, false
		case score == bestScore:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return best
}

// Rematch restarts a finished session with a new seed and zeroed stats.
func (s *Service) Rematch(ctx context.Context, sessionID string) error {
	sess, err := s.host(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != StateFinished {
		return ErrWrongState
	}
	if len(sess.Players) < MaxPlayers {
		return ErrNotEnoughPlayers
	}
	seed := s.freshSeed(sess.Seed)
	fields := map[string]any{
		"state":     StateCountdown,
		"seed":      seed,
		"startedAt": s.nowMillis(),
		"endedAt":   nil,
		"winnerId":  nil,
	}
	for id := range sess.Players {
		prefix := "players/" + id + "/"
		fields[prefix+"score"] = 0
		fields[prefix+"comboCurrent"] = 0
		fields[prefix+"comboBest"] = 0
		fields[prefix+"lastSliceEvent"] = nil
	}
	if err := s.repo.Update(ctx, sessionID, fields); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Uint32("seed", seed).Msg("rematch started")
	return nil
}

func (s *Service) freshSeed(prev uint32) uint32 {
	for i := 0; i < 8; i++ {
		if seed := s.newSeed() & rng.MaxSeed; seed != prev {
			return seed
		}
	}
	return (prev + 1) & rng.MaxSeed
}

// Leave removes the caller. The last one out deletes the session; a leaving
// host hands over hostId in the same write that removes it.
func (s *Service) Leave(ctx context.Context, sessionID string) error {
	sess, err := s.repo.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Participant(s.self) == nil {
		return nil
	}
	if len(sess.Players) <= 1 {
		if err := s.repo.Delete(ctx, sessionID); err != nil {
			return err
		}
		log.Info().Str("session_id", sessionID).Msg("session closed by last participant")
		return nil
	}
	fields := map[string]any{"players/" + s.self: nil}
	if sess.HostID == s.self {
		fields["hostId"] = sess.Opponent(s.self).ID
	}
	if err := s.repo.Update(ctx, sessionID, fields); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Str("participant_id", s.self).Msg("left session")
	return nil
}

func (s *Service) Subscribe(ctx context.Context, sessionID string, fn func(*Session)) (func(), error) {
	return s.repo.Subscribe(ctx, sessionID, fn)
}
