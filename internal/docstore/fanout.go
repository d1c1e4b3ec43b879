package docstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const fanoutReadTimeout = 5 * time.Second

// Fanout tracks subscriptions for a backend. Backends call Changed after a
// write; each subscription re-reads its own path on a dedicated goroutine,
// so delivery per subscription is ordered and coalesced to the latest value.
type Fanout struct {
	read func(ctx context.Context, path string) (Snapshot, error)

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
}

type subscription struct {
	path  string
	fn    func(Snapshot)
	dirty chan struct{}
	done  chan struct{}
	once  sync.Once

	delivered  bool
	lastExists bool
	last       []byte
}

func NewFanout(read func(ctx context.Context, path string) (Snapshot, error)) *Fanout {
	return &Fanout{read: read, subs: map[uint64]*subscription{}}
}

func (f *Fanout) Add(path string, fn func(Snapshot)) (func(), error) {
	sub := &subscription{
		path:  path,
		fn:    fn,
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = sub
	f.mu.Unlock()

	sub.mark()
	go f.deliver(sub)

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.stop()
	}, nil
}

// Changed wakes every subscription whose path overlaps path.
func (f *Fanout) Changed(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if Overlaps(sub.path, path) {
			sub.mark()
		}
	}
}

// Refresh wakes every subscription, for backends that may have missed
// change notifications.
func (f *Fanout) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		sub.mark()
	}
}

// Disconnect hands every subscriber a Disconnected snapshot and drops them.
func (f *Fanout) Disconnect() {
	f.mu.Lock()
	subs := f.subs
	f.subs = map[uint64]*subscription{}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
		sub.fn(Snapshot{Path: sub.path, Disconnected: true})
	}
}

func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = map[uint64]*subscription{}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (s *subscription) mark() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (f *Fanout) deliver(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.dirty:
		}
		ctx, cancel := context.WithTimeout(context.Background(), fanoutReadTimeout)
		snap, err := f.read(ctx, sub.path)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("path", sub.path).Msg("subscription read failed")
			continue
		}
		if sub.delivered && sub.lastExists == snap.Exists && bytes.Equal(sub.last, snap.Value) {
			continue
		}
		select {
		case <-sub.done:
			return
		default:
		}
		sub.delivered = true
		sub.lastExists = snap.Exists
		sub.last = append(sub.last[:0], snap.Value...)
		sub.fn(snap)
	}
}
