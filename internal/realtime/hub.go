// Package realtime pushes new operations to live subscribers.
//
// Each connection owns a cursor and a wake-up channel. Commits only poke the
// channel; the connection then pulls everything above its cursor from the
// cache, so frames arrive in sequence order and a slow connection coalesces
// many commits into one frame instead of buffering them.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cipherlog/internal/metrics"
	"github.com/and161185/cipherlog/internal/model"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	Connecting State = iota
	Subscribed
	Pushing
	Idle
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Pushing:
		return "pushing"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reader returns what a subscriber at cursor since is missing.
type Reader interface {
	Read(ctx context.Context, databaseID uuid.UUID, since int64) (model.Frame, error)
}

// Hub fans commit notifications out to connections, keyed by database.
type Hub struct {
	reader Reader
	logger *zap.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]map[*Conn]struct{}
}

// NewHub constructs a Hub reading frames from reader.
func NewHub(reader Reader, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{reader: reader, logger: logger, conns: make(map[uuid.UUID]map[*Conn]struct{})}
}

// Conn is one subscriber of one database.
type Conn struct {
	hub        *Hub
	databaseID uuid.UUID
	cursor     int64
	state      atomic.Int32
	wake       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	check      func(context.Context) error
}

// Subscribe registers a connection whose cursor starts at since. The
// connection is notified of commits from this point on; call Run to deliver.
func (h *Hub) Subscribe(databaseID uuid.UUID, since int64) *Conn {
	c := &Conn{
		hub:        h,
		databaseID: databaseID,
		cursor:     since,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	c.state.Store(int32(Connecting))

	h.mu.Lock()
	set, ok := h.conns[databaseID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[databaseID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	c.state.Store(int32(Subscribed))
	metrics.PushConnections.Inc()
	return c
}

// Notify wakes every connection of databaseID.
func (h *Hub) Notify(databaseID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns[databaseID] {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live connections of databaseID.
func (h *Hub) Subscribers(databaseID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[databaseID])
}

// CloseAll closes every connection, ending their Run loops.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[c.databaseID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.databaseID)
	}
	metrics.PushConnections.Dec()
}

// Recheck installs fn to run before every frame after the first. A non-nil
// error from fn ends Run with that error, so a subscriber whose access was
// withdrawn stops receiving at the next commit. Call it before Run.
func (c *Conn) Recheck(fn func(context.Context) error) { c.check = fn }

// State returns the connection's current stage.
func (c *Conn) State() State { return State(c.state.Load()) }

// Cursor returns the highest sequence number delivered so far.
func (c *Conn) Cursor() int64 { return atomic.LoadInt64(&c.cursor) }

// Close unsubscribes the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.hub.remove(c)
		close(c.done)
	})
}

// Run delivers frames through send until ctx ends, the connection is closed
// or send fails. The first frame is sent immediately, even when empty, so the
// subscriber can tell "caught up" from "still loading".
func (c *Conn) Run(ctx context.Context, send func(model.Frame) error) error {
	defer c.Close()
	if err := c.push(ctx, send, true); err != nil {
		return err
	}
	for {
		c.state.Store(int32(Idle))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-c.wake:
		}
		if err := c.push(ctx, send, false); err != nil {
			return err
		}
	}
}

func (c *Conn) push(ctx context.Context, send func(model.Frame) error, initial bool) error {
	c.state.Store(int32(Pushing))
	if !initial && c.check != nil {
		if err := c.check(ctx); err != nil {
			return err
		}
	}
	cursor := c.Cursor()
	frame, err := c.hub.reader.Read(ctx, c.databaseID, cursor)
	if err != nil {
		return err
	}
	if len(frame.Operations) == 0 && !initial {
		return nil
	}
	if err := send(frame); err != nil {
		c.hub.logger.Debug("push send failed", zap.String("database_id", c.databaseID.String()), zap.Error(err))
		return err
	}
	metrics.FramesSent.Inc()

	next := cursor
	if cursor < frame.BundleSeqNo {
		next = frame.BundleSeqNo
	}
	if n := len(frame.Operations); n > 0 && frame.Operations[n-1].SeqNo > next {
		next = frame.Operations[n-1].SeqNo
	}
	atomic.StoreInt64(&c.cursor, next)
	return nil
}
