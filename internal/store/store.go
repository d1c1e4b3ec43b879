// Package store is the Postgres backend of docstore.Store. Each record
// (the first two path segments, e.g. "rooms/<id>") is one jsonb row; writes
// run in a transaction and announce the touched record with pg_notify.
package store

import (
	"context"
	"sync"
	"time"

	"slice-duel/internal/docstore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	notifyChannel    = "docstore"
	listenRetryDelay = time.Second
)

// Store wraps DB access.
type Store struct {
	Pool *pgxpool.Pool
	fan  *docstore.Fanout

	listenOnce sync.Once
	cancel     context.CancelFunc
	listening  chan struct{}
}

var _ docstore.Store = (*Store)(nil)

func New(dsn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{Pool: pool, listening: make(chan struct{})}
	s.fan = docstore.NewFanout(s.Get)
	return s, nil
}

func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.fan.Close()
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// Listen starts the LISTEN loop that turns notifications into subscription
// wake-ups. It returns once the first LISTEN succeeded or ctx ended.
func (s *Store) Listen(ctx context.Context) error {
	s.listenOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.listenLoop(ctx)
	})
	select {
	case <-s.listening:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) listenLoop(ctx context.Context) {
	first := true
	for {
		err := s.listenOnceConn(ctx, func() {
			if first {
				first = false
				close(s.listening)
				return
			}
			// notifications may have been missed while reconnecting
			s.fan.Refresh()
		})
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("docstore listen connection lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (s *Store) listenOnceConn(ctx context.Context, ready func()) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	ready()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.fan.Changed(n.Payload)
	}
}

func (s *Store) Subscribe(_ context.Context, path string, fn func(docstore.Snapshot)) (func(), error) {
	if _, err := docstore.SplitPath(path); err != nil {
		return nil, err
	}
	return s.fan.Add(path, fn)
}

func (s *Store) Subscribers() int {
	return s.fan.Len()
}
