// Package pubsub maintains the event WebSocket: topic subscriptions,
// application-level keepalive and reconnection. Decoded events feed the
// campaign model through a single ordered channel.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/marcin-skalski/drops-miner/internal/auth"
	"github.com/marcin-skalski/drops-miner/internal/campaign"
)

// DefaultURL is the production event endpoint.
const DefaultURL = "wss://pubsub-edge.twitch.tv/v1"

const (
	defaultPingInterval = 3 * time.Minute
	defaultPingTimeout  = 10 * time.Second
	eventBuffer         = 128

	// The platform caps listened topics per socket.
	topicLimit = 50
)

// ErrTopicLimit is returned by Subscribe when the per-socket topic cap
// would be exceeded.
var ErrTopicLimit = fmt.Errorf("more than %d topics on one connection", topicLimit)

// TopicDropEvents is the per-user drop progress topic.
func TopicDropEvents(userID int64) string {
	return fmt.Sprintf("user-drop-events.%d", userID)
}

// TopicVideoPlayback is the per-channel stream up/down topic.
func TopicVideoPlayback(channelID string) string {
	return "video-playback-by-id." + channelID
}

// Hooks observe connection lifecycle. Session epoch increments on every
// successful connect, so watch state tied to epoch N can be discarded when
// epoch N+1 begins.
type Hooks struct {
	OnConnect    func(epoch uint64)
	OnDisconnect func(epoch uint64, err error)
}

// Consumer owns one WebSocket connection to the event endpoint. Subscribe
// registers interest; the consumer replays the full topic set once after
// every (re)connect, so callers never re-subscribe themselves.
type Consumer struct {
	dialer *websocket.Dialer
	url    string
	store  *auth.Store
	logger *slog.Logger
	hooks  Hooks

	pingInterval time.Duration
	pingTimeout  time.Duration

	mu       sync.Mutex
	topics   map[string]bool
	conn     *websocket.Conn
	epoch    uint64
	lastPong time.Time

	writeMu sync.Mutex

	events chan campaign.Event
}

// Option tweaks consumer construction.
type Option func(*Consumer)

// WithURL overrides the endpoint, for tests.
func WithURL(u string) Option { return func(c *Consumer) { c.url = u } }

// WithKeepalive overrides the ping cadence and pong wait.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(c *Consumer) {
		c.pingInterval = interval
		c.pingTimeout = timeout
	}
}

// WithHooks installs connection lifecycle callbacks.
func WithHooks(h Hooks) Option { return func(c *Consumer) { c.hooks = h } }

// SetHooks installs lifecycle callbacks after construction, for wiring
// components that need the consumer and vice versa. Must be called before
// Run.
func (c *Consumer) SetHooks(h Hooks) { c.hooks = h }

// NewConsumer builds a consumer using the given dialer and credential store.
func NewConsumer(dialer *websocket.Dialer, store *auth.Store, logger *slog.Logger, opts ...Option) *Consumer {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		dialer:       dialer,
		url:          DefaultURL,
		store:        store,
		logger:       logger.With("component", "pubsub"),
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		topics:       make(map[string]bool),
		events:       make(chan campaign.Event, eventBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events is the ordered stream of decoded push events.
func (c *Consumer) Events() <-chan campaign.Event { return c.events }

// Epoch returns the current session epoch.
func (c *Consumer) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Subscribe adds topics to the listen set. Duplicates are ignored. When a
// connection is up, new topics are announced immediately; otherwise they are
// announced by the replay on the next connect.
func (c *Consumer) Subscribe(topics ...string) error {
	c.mu.Lock()
	var added []string
	for _, t := range topics {
		if c.topics[t] {
			continue
		}
		if len(c.topics) >= topicLimit {
			c.mu.Unlock()
			return ErrTopicLimit
		}
		c.topics[t] = true
		added = append(added, t)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return c.sendListen(conn, added)
}

// Unsubscribe removes topics from the listen set.
func (c *Consumer) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	var removed []string
	for _, t := range topics {
		if c.topics[t] {
			delete(c.topics, t)
			removed = append(removed, t)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return c.write(conn, outgoing{Type: "UNLISTEN", Data: &listenData{Topics: removed}})
}

// Run connects and consumes until ctx is cancelled. Connection failures are
// retried with exponential backoff; a session that lived long enough resets
// the backoff.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		c.logger.Warn("connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.lastPong = time.Now()
	replay := make([]string, 0, len(c.topics))
	for t := range c.topics {
		replay = append(replay, t)
	}
	c.mu.Unlock()
	sort.Strings(replay)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logger.Info("connected", "epoch", epoch, "topics", len(replay))
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(epoch)
	}

	// One replay per connection covers everything subscribed so far.
	if len(replay) > 0 {
		if err := c.sendListen(conn, replay); err != nil {
			c.disconnected(epoch, err)
			return err
		}
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.keepalive(pingCtx, conn)

	for {
		conn.SetReadDeadline(time.Now().Add(c.pingInterval + 2*c.pingTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(epoch, err)
			return fmt.Errorf("read: %w", err)
		}
		if err := c.handleFrame(ctx, raw); err != nil {
			c.disconnected(epoch, err)
			return err
		}
	}
}

func (c *Consumer) disconnected(epoch uint64, err error) {
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(epoch, err)
	}
}

// keepalive sends an application-level PING on the configured cadence and
// tears the connection down when the PONG misses its window.
func (c *Consumer) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.write(conn, outgoing{Type: "PING"}); err != nil {
			conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pingTimeout):
		}
		c.mu.Lock()
		stale := time.Since(c.lastPong) > c.pingInterval
		c.mu.Unlock()
		if stale {
			c.logger.Warn("pong timeout, closing connection")
			conn.Close()
			return
		}
	}
}

type outgoing struct {
	Type string      `json:"type"`
	Data *listenData `json:"data,omitempty"`
}

type listenData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

type incoming struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Data  *struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data"`
}

var errListenRejected = errors.New("listen rejected")

func (c *Consumer) sendListen(conn *websocket.Conn, topics []string) error {
	cred, err := c.store.Acquire()
	if err != nil {
		return err
	}
	return c.write(conn, outgoing{Type: "LISTEN", Data: &listenData{Topics: topics, AuthToken: cred.AccessToken}})
}

func (c *Consumer) write(conn *websocket.Conn, msg outgoing) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Consumer) handleFrame(ctx context.Context, raw []byte) error {
	var in incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		c.logger.Debug("undecodable frame dropped", "error", err)
		return nil
	}
	switch in.Type {
	case "PONG":
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	case "RESPONSE":
		if in.Error != "" {
			c.logger.Warn("subscription response error", "error", in.Error)
			if in.Error == "ERR_BADAUTH" {
				return errListenRejected
			}
		}
	case "RECONNECT":
		return errors.New("server requested reconnect")
	case "MESSAGE":
		if in.Data == nil {
			return nil
		}
		for _, ev := range decodeTopicMessage(in.Data.Topic, in.Data.Message) {
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// decodeTopicMessage turns one topic payload into model events. Unknown
// payloads decode to nothing.
func decodeTopicMessage(topic, message string) []campaign.Event {
	switch {
	case strings.HasPrefix(topic, "user-drop-events."):
		return decodeDropMessage(message)
	case strings.HasPrefix(topic, "video-playback-by-id."):
		return decodePlaybackMessage(topic, message)
	default:
		return nil
	}
}

func decodeDropMessage(message string) []campaign.Event {
	var m struct {
		Type string `json:"type"`
		Data struct {
			DropID             string `json:"drop_id"`
			DropInstanceID     string `json:"drop_instance_id"`
			CurrentProgressMin int    `json:"current_progress_min"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(message), &m); err != nil {
		return nil
	}
	switch m.Type {
	case "drop-progress":
		return []campaign.Event{{
			Kind:    campaign.EventProgress,
			DropID:  m.Data.DropID,
			Minutes: m.Data.CurrentProgressMin,
		}}
	case "drop-claim":
		return []campaign.Event{{
			Kind:       campaign.EventDropReady,
			DropID:     m.Data.DropID,
			InstanceID: m.Data.DropInstanceID,
		}}
	default:
		return nil
	}
}

func decodePlaybackMessage(topic, message string) []campaign.Event {
	channelID := topic[strings.LastIndexByte(topic, '.')+1:]
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(message), &m); err != nil {
		return nil
	}
	switch m.Type {
	case "stream-up":
		return []campaign.Event{{Kind: campaign.EventStreamUp, ChannelID: channelID}}
	case "stream-down":
		return []campaign.Event{{Kind: campaign.EventStreamDown, ChannelID: channelID}}
	default:
		return nil
	}
}
