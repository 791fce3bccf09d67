package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/metrics"
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("realtime: not connected")

const readLimit = 1 << 20

// Config configures the websocket client.
type Config struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// ConfigFrom builds a Config from the [server] and [realtime] sections.
func ConfigFrom(srv config.ServerConfig, rt config.RealtimeConfig) Config {
	return Config{
		URL:               srv.WSURL,
		Token:             srv.Token,
		HeartbeatInterval: rt.HeartbeatInterval.Duration,
		WriteTimeout:      rt.WriteTimeout.Duration,
	}
}

// Client holds one logical live connection for the local user. It never
// reconnects on its own: drops are reported through OnDrop and the
// connection state machine decides when to call Probe again.
type Client struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	dialMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	groups map[int64]struct{}
	onDrop func(error)
	closed bool
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		groups: make(map[int64]struct{}),
	}
}

// OnDrop registers the callback for non-clean closures.
func (c *Client) OnDrop(fn func(error)) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the connection. It is a no-op when already open.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("realtime: client closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	groups := make([]int64, 0, len(c.groups))
	for id := range c.groups {
		groups = append(groups, id)
	}
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, conn)
	}

	for _, id := range groups {
		if err := c.write(ctx, conn, Envelope{Type: TypeSubscribe, ConversationID: id, Timestamp: time.Now().UTC()}); err != nil {
			c.logger.Warn("resubscribe failed", zap.Int64("group_id", id), zap.Error(err))
		}
	}
	c.logger.Info("realtime connected", zap.Int("groups", len(groups)))
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Probe checks liveness: a ping on an open connection, a dial otherwise.
// A failed ping tears the connection down without reporting a drop, since
// the caller already learns about the failure from the return value.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return c.Connect(ctx)
	}
	if err := conn.Ping(ctx); err != nil {
		c.detach(conn)
		_ = conn.Close(websocket.StatusGoingAway, "ping failed")
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Send writes one envelope. Delivery is not confirmed at this layer.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return c.write(ctx, conn, env)
}

// SubscribeGroup asks for a group's live events. The subscription is kept
// and replayed after every reconnect.
func (c *Client) SubscribeGroup(ctx context.Context, groupID int64) error {
	c.mu.Lock()
	c.groups[groupID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(ctx, conn, Envelope{Type: TypeSubscribe, ConversationID: groupID, Timestamp: time.Now().UTC()})
}

// UnsubscribeGroup drops interest in a group.
func (c *Client) UnsubscribeGroup(ctx context.Context, groupID int64) error {
	c.mu.Lock()
	_, had := c.groups[groupID]
	delete(c.groups, groupID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !had {
		return nil
	}
	return c.write(ctx, conn, Envelope{Type: TypeUnsubscribe, ConversationID: groupID, Timestamp: time.Now().UTC()})
}

// Subscriptions returns the groups currently subscribed.
func (c *Client) Subscriptions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts the connection down cleanly. OnDrop is not called.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client shutdown")
	cancel()
	return err
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// detach forgets conn if it is still current and reports whether it was.
func (c *Client) detach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return true
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if !c.detach(conn) {
				return
			}
			c.logger.Warn("realtime connection dropped", zap.Error(err))
			c.mu.Lock()
			fn := c.onDrop
			c.mu.Unlock()
			if fn != nil {
				fn(err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("bad realtime frame", zap.Error(err))
			continue
		}
		metrics.IncRealtimeEvent(env.Type)
		evt, ok := decode(env)
		if !ok {
			continue
		}
		if !Durable(evt.Kind) {
			c.bus.Publish(bus.NewEvent(evt.Kind, evt))
			continue
		}
		// Message events wait for the engine; the socket buffers meanwhile.
		if err := c.bus.PublishWait(ctx, bus.NewEvent(evt.Kind, evt)); err != nil {
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.heartbeat(ctx, conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("heartbeat failed", zap.Error(err))
				// Closing makes the read loop report the drop.
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	if err := c.write(ctx, conn, Envelope{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Ping(pctx)
}
