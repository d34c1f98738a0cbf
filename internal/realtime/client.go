// Package realtime subscribes to the Pusher relay that carries chat push
// events. It speaks the Pusher websocket protocol (version 7) directly over
// gorilla/websocket.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the relay
	writeWait = 10 * time.Second

	// Default activity timeout until the relay announces its own
	defaultActivityTimeout = 120 * time.Second

	// Maximum frame size accepted from the relay
	maxMessageSize = 64 * 1024
)

// Protocol events.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// ErrNotEstablished is returned when the relay closes before completing the
// handshake.
var ErrNotEstablished = errors.New("realtime: connection not established")

// frame is the envelope of every relay message.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Options configures a Client.
type Options struct {
	// URL is the relay websocket endpoint, see PusherURL
	URL string

	// Token is sent as a bearer Authorization header on the handshake
	Token string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client keeps one relay connection alive and routes events to channel
// subscriptions. Subscriptions survive reconnects; nothing is discarded on
// disconnect.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	mu        sync.Mutex
	subs      map[string]*Subscription
	conn      *websocket.Conn
	onConnect []func(reconnect bool)

	writeMu   sync.Mutex
	connected atomic.Bool
}

// PusherURL builds the relay endpoint for key. host overrides the public
// cluster host, e.g. "ws://localhost:6001" for a self-hosted relay.
func PusherURL(key, cluster, host, token string) string {
	base := host
	if base == "" {
		base = fmt.Sprintf("wss://ws-%s.pusher.com", cluster)
	}
	q := url.Values{}
	q.Set("protocol", "7")
	q.Set("client", "haven-go")
	q.Set("version", "1.0")
	if token != "" {
		q.Set("token", token)
	}
	return fmt.Sprintf("%s/app/%s?%s", strings.TrimRight(base, "/"), url.PathEscape(key), q.Encode())
}

// NewClient creates a relay client. Call Run to connect.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Client{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// OnConnect registers fn to run after each completed handshake. reconnect is
// false for the first connection.
func (c *Client) OnConnect(fn func(reconnect bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connected reports whether the relay handshake has completed and the
// connection is still up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Subscribe returns the subscription for channel, creating it on first use.
// Subscribing twice returns the existing subscription.
func (c *Client) Subscribe(channel string) *Subscription {
	c.mu.Lock()
	if sub, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		return sub
	}
	sub := newSubscription(channel)
	c.subs[channel] = sub
	c.mu.Unlock()

	if c.Connected() {
		if err := c.send(eventSubscribe, map[string]string{"channel": channel}); err != nil {
			c.logger.Warn("subscribe failed, will retry on reconnect", zap.String("channel", channel), zap.Error(err))
		}
	}
	return sub
}

// Subscribed reports whether channel has a live subscription.
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

// Unsubscribe detaches every handler of channel and then leaves it.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	sub.UnbindAll()
	if c.Connected() {
		if err := c.send(eventUnsubscribe, map[string]string{"channel": channel}); err != nil {
			c.logger.Debug("unsubscribe frame not sent", zap.String("channel", channel), zap.Error(err))
		}
	}
}

// Run connects and keeps reconnecting with capped exponential backoff until
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.opts.ReconnectMin
	established := false

	for {
		ok, err := c.session(ctx, established)
		if ctx.Err() != nil {
			return
		}
		if ok {
			established = true
			backoff = c.opts.ReconnectMin
		}
		c.logger.Warn("relay disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.opts.ReconnectMax)
	}
}

// session runs one connection until it drops. It reports whether the
// handshake completed.
func (c *Client) session(ctx context.Context, reconnect bool) (bool, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	activity := defaultActivityTimeout
	established := false

	for {
		conn.SetReadDeadline(time.Now().Add(activity + writeWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !established {
				return false, errors.Join(ErrNotEstablished, err)
			}
			return true, err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("unparseable relay frame", zap.Error(err))
			continue
		}

		switch f.Event {
		case eventConnectionEstablished:
			var info struct {
				SocketID        string `json:"socket_id"`
				ActivityTimeout int    `json:"activity_timeout"`
			}
			_ = json.Unmarshal(unwrapData(f.Data), &info)
			if info.ActivityTimeout > 0 {
				activity = time.Duration(info.ActivityTimeout) * time.Second
			}
			established = true
			c.connected.Store(true)
			c.logger.Info("relay connected", zap.String("socket_id", info.SocketID), zap.Bool("reconnect", reconnect))
			c.resubscribe()
			go c.keepAlive(conn, activity, stop)
			c.fireConnect(reconnect)
		case eventPing:
			if err := c.send(eventPong, struct{}{}); err != nil {
				return established, err
			}
		default:
			c.route(f)
		}
	}
}

// keepAlive pings the relay whenever it has been quiet for the activity
// timeout.
func (c *Client) keepAlive(conn *websocket.Conn, activity time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(activity)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(eventPing, struct{}{}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for name := range c.subs {
		channels = append(channels, name)
	}
	c.mu.Unlock()

	for _, name := range channels {
		if err := c.send(eventSubscribe, map[string]string{"channel": name}); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("channel", name), zap.Error(err))
		}
	}
}

func (c *Client) fireConnect(reconnect bool) {
	c.mu.Lock()
	fns := append([]func(bool){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(reconnect)
	}
}

// HandleFrame routes one raw relay frame to its channel's handlers.
func (c *Client) HandleFrame(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("realtime: bad frame: %w", err)
	}
	c.route(f)
	return nil
}

func (c *Client) route(f frame) {
	switch f.Event {
	case eventError:
		c.logger.Warn("relay error", zap.ByteString("data", unwrapData(f.Data)))
		return
	case eventSubscriptionSucceeded, eventPong:
		return
	}
	if f.Channel == "" {
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[f.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.dispatch(f.Event, unwrapData(f.Data))
}

func (c *Client) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("realtime: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// unwrapData returns the event data as raw JSON. Pusher delivers data as a
// JSON-encoded string; some relays send the object itself.
func unwrapData(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return trimmed
	}
	return json.RawMessage(s)
}
