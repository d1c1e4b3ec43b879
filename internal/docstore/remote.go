package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Remote is a Store backed by a session hub: reads and writes go over the
// hub's REST API and subscriptions share one websocket.
type Remote struct {
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*remoteSub
	nextID uint64
	closed bool

	writeMu sync.Mutex
}

type remoteSub struct {
	path string
	fn   func(Snapshot)
	// deliveries run on one goroutine per subscription to keep order
	queue chan Snapshot
	done  chan struct{}

	stopOnce   sync.Once
	finishOnce sync.Once
}

func NewRemote(baseURL string) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub url must be http(s): %s", baseURL)
	}
	return &Remote{
		base:   u,
		client: &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:   map[string]*remoteSub{},
	}, nil
}

func (r *Remote) storeURL(prefix, path string, query url.Values) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + prefix + "/" + strings.Trim(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (r *Remote) do(ctx context.Context, method, target string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == ErrInvalidPath.Error() {
			return ErrInvalidPath
		}
		return fmt.Errorf("%w: %s %s: status %d %s", ErrUnavailable, method, target, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Remote) Get(ctx context.Context, path string) (Snapshot, error) {
	if _, err := SplitPath(path); err != nil {
		return Snapshot{}, err
	}
	var res GetResponse
	if err := r.do(ctx, http.MethodGet, r.storeURL("/api/store", path, nil), nil, &res); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Exists: res.Exists, Value: res.Value}, nil
}

func (r *Remote) Set(ctx context.Context, path string, value any) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}
	if value == nil {
		return r.Delete(ctx, path)
	}
	return r.do(ctx, http.MethodPut, r.storeURL("/api/store", path, nil), value, nil)
}

func (r *Remote) Update(ctx context.Context, path string, fields map[string]any) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}
	return r.do(ctx, http.MethodPatch, r.storeURL("/api/store", path, nil), fields, nil)
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}
	return r.do(ctx, http.MethodDelete, r.storeURL("/api/store", path, nil), nil, nil)
}

func (r *Remote) Push(ctx context.Context, path string, value any) (string, error) {
	if _, err := SplitPath(path); err != nil {
		return "", err
	}
	var res PushResponse
	if err := r.do(ctx, http.MethodPost, r.storeURL("/api/store", path, nil), value, &res); err != nil {
		return "", err
	}
	return res.Key, nil
}

func (r *Remote) QueryEqual(ctx context.Context, path, child string, value any) (map[string]json.RawMessage, error) {
	if _, err := SplitPath(path); err != nil {
		return nil, err
	}
	want, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	q := url.Values{"child": {child}, "equals": {string(want)}}
	var res QueryResponse
	if err := r.do(ctx, http.MethodGet, r.storeURL("/api/query", path, q), nil, &res); err != nil {
		return nil, err
	}
	if res.Items == nil {
		res.Items = map[string]json.RawMessage{}
	}
	return res.Items, nil
}

func (r *Remote) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if _, err := SplitPath(path); err != nil {
		return nil, err
	}
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	sub := &remoteSub{path: path, fn: fn, queue: make(chan Snapshot, 64), done: make(chan struct{})}
	r.mu.Lock()
	r.nextID++
	id := "sub-" + strconv.FormatUint(r.nextID, 10)
	r.subs[id] = sub
	r.mu.Unlock()
	go sub.run()

	if err := r.send(conn, ClientMessage{Type: MsgSubscribe, ID: id, Path: path}); err != nil {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		sub.stop()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return func() {
		r.mu.Lock()
		_, live := r.subs[id]
		delete(r.subs, id)
		c := r.conn
		r.mu.Unlock()
		sub.stop()
		if live && c != nil {
			_ = r.send(c, ClientMessage{Type: MsgUnsubscribe, ID: id})
		}
	}, nil
}

func (r *Remote) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.conn != nil {
		return r.conn, nil
	}
	u := *r.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.conn = conn
	go r.readLoop(conn)
	return conn, nil
}

func (r *Remote) send(conn *websocket.Conn, msg ClientMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (r *Remote) readLoop(conn *websocket.Conn) {
	defer r.dropConn(conn)
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Msg("hub subscription channel lost")
			}
			return
		}
		switch msg.Type {
		case MsgSnapshot:
			r.mu.Lock()
			sub := r.subs[msg.ID]
			r.mu.Unlock()
			if sub != nil {
				sub.push(Snapshot{Path: sub.path, Exists: msg.Exists, Value: msg.Value})
			}
		case MsgError:
			log.Warn().Str("sub_id", msg.ID).Str("error", msg.Error).Msg("hub rejected subscription")
		}
	}
}

// dropConn ends every subscription on conn with a Disconnected snapshot.
func (r *Remote) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	subs := r.subs
	r.subs = map[string]*remoteSub{}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.push(Snapshot{Path: sub.path, Disconnected: true})
		sub.finish()
	}
}

func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *remoteSub) push(snap Snapshot) {
	select {
	case <-s.done:
	case s.queue <- snap:
	}
}

// finish lets queued snapshots drain, then stops the delivery goroutine.
func (s *remoteSub) finish() {
	s.finishOnce.Do(func() { close(s.queue) })
}

func (s *remoteSub) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *remoteSub) run() {
	for {
		select {
		case <-s.done:
			return
		case snap, ok := <-s.queue:
			if !ok {
				return
			}
			s.fn(snap)
		}
	}
}
