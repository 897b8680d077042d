package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/k2so/catsync/internal/metrics"
)

// State tracks where the live-update connection sits in its lifecycle.
type State string

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial or a backoff wait is in progress.
	StateConnecting State = "connecting"
	// StateConnected means the socket is open and events flow.
	StateConnected State = "connected"
	// StateFailed means the retry budget is exhausted; only an explicit
	// Connect leaves this state.
	StateFailed State = "failed"
)

// ErrNotConnected is returned by Send while the socket is down. Messages are
// never queued; callers decide whether a dropped send matters.
var ErrNotConnected = errors.New("stream: not connected")

// Event is one decoded envelope from the live-update socket. Timestamp is
// set by the sender in unix milliseconds when it carries one.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Handler consumes events. A panicking handler is isolated: the panic is
// logged and the remaining handlers still run.
type Handler func(Event)

// Conn is the slice of the websocket connection the client relies on.
// Production uses *gorilla/websocket.Conn; tests substitute a scripted pipe.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", url, err)
	}
	return conn, nil
}

// Options tunes the reconnect behavior.
type Options struct {
	// BackoffBase is the first retry delay; each subsequent retry doubles it.
	BackoffBase time.Duration
	// MaxRetries bounds consecutive failed attempts before the client gives
	// up and parks in StateFailed.
	MaxRetries int
	// PingInterval spaces the keepalive pings used for latency measurement.
	PingInterval time.Duration
	Dialer       Dialer
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Status is the observable connection state for the HTTP surface.
type Status struct {
	State       State     `json:"state"`
	Retries     int       `json:"retries"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
	LatencyMS   float64   `json:"latencyMs"`
	Subscribers int       `json:"subscribers"`
}

// Client maintains a single live-update connection with exponential-backoff
// reconnects and fans each event out to registered handlers. One Client is
// shared by the whole process; components subscribe rather than dialing
// their own sockets.
type Client struct {
	url          string
	backoffBase  time.Duration
	maxRetries   int
	pingInterval time.Duration
	dial         Dialer
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *metrics.Recorder

	mu              sync.Mutex
	state           State
	conn            Conn
	retries         int
	connectedAt     time.Time
	latency         time.Duration
	subs            map[string]Handler
	topics          []string
	metricsInterval time.Duration
	cancel          context.CancelFunc
	done            chan struct{}
	generation      uint64
}

// NewClient builds a stream client for the given ws:// or wss:// URL. The
// client starts disconnected; call Connect to bring the link up.
func NewClient(url string, opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:          url,
		backoffBase:  opts.BackoffBase,
		maxRetries:   opts.MaxRetries,
		pingInterval: opts.PingInterval,
		dial:         opts.Dialer,
		clock:        opts.Clock,
		logger:       logger.With(slog.String("agent", "stream")),
		metrics:      opts.Metrics,
		state:        StateDisconnected,
		subs:         make(map[string]Handler),
	}
}

// Connect brings the connection up and keeps it up. Calling Connect while a
// session is already running is a no-op; calling it from StateFailed starts a
// fresh retry budget.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	c.retries = 0
	c.generation++
	gen := c.generation
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, gen, done)
}

// Disconnect tears the session down: the socket closes, pending retry waits
// are abandoned, and every subscriber is dropped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	c.state = StateDisconnected
	c.retries = 0
	c.subs = make(map[string]Handler)
	c.generation++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setConnectedMetric(false)
}

// Subscribe registers a handler under the given id. Registering the same id
// again replaces the earlier handler. The returned function removes the
// registration.
func (c *Client) Subscribe(id string, fn Handler) func() {
	c.mu.Lock()
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// SubscribeMetrics asks the upstream to stream metric updates for the given
// topics at the requested interval. A non-positive interval falls back to the
// ping interval. The request is replayed after every reconnect so a flapping
// link does not silently drop the subscription.
func (c *Client) SubscribeMetrics(interval time.Duration, topics ...string) error {
	if interval <= 0 {
		interval = c.pingInterval
	}
	c.mu.Lock()
	c.topics = append([]string(nil), topics...)
	c.metricsInterval = interval
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send(metricsSubscription(topics, interval))
}

// Send writes one JSON message to the socket. While disconnected it does
// nothing and reports ErrNotConnected.
func (c *Client) Send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stream: encode message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state,
		Retries:     c.retries,
		ConnectedAt: c.connectedAt,
		LatencyMS:   float64(c.latency.Microseconds()) / 1000.0,
		Subscribers: len(c.subs),
	}
}

func (c *Client) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx, c.url)
		if err != nil {
			if !c.scheduleRetry(ctx, gen, err) {
				return
			}
			continue
		}
		c.onOpen(gen, conn)
		err = c.readLoop(ctx, conn)
		c.onClosed(gen, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("stream connection lost", slog.Any("error", err))
		if c.metrics != nil {
			c.metrics.ObserveStreamReconnect()
		}
		if !c.scheduleRetry(ctx, gen, err) {
			return
		}
	}
}

// scheduleRetry waits out the backoff window for the next attempt. It
// reports false once the retry budget is spent, leaving the client parked in
// StateFailed.
func (c *Client) scheduleRetry(ctx context.Context, gen uint64, cause error) bool {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.retries++
	if c.retries > c.maxRetries {
		c.state = StateFailed
		c.mu.Unlock()
		c.logger.Error("stream retry budget exhausted",
			slog.Int("retries", c.maxRetries),
			slog.Any("error", cause))
		c.setConnectedMetric(false)
		return false
	}
	attempt := c.retries
	c.state = StateConnecting
	c.mu.Unlock()

	delay := c.backoffBase << (attempt - 1)
	c.logger.Info("stream reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	timer := c.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) onOpen(gen uint64, conn Conn) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.retries = 0
	c.connectedAt = c.clock.Now()
	topics := append([]string(nil), c.topics...)
	interval := c.metricsInterval
	c.mu.Unlock()

	c.logger.Info("stream connected", slog.String("url", c.url))
	c.setConnectedMetric(true)

	if len(topics) > 0 {
		if err := c.Send(metricsSubscription(topics, interval)); err != nil {
			c.logger.Warn("metrics subscription replay failed", slog.Any("error", err))
		}
	}
}

func (c *Client) onClosed(gen uint64, conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.generation == gen && c.conn == conn {
		c.conn = nil
		if c.state == StateConnected {
			c.state = StateConnecting
		}
	}
	c.mu.Unlock()
	c.setConnectedMetric(false)
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Debug("dropping undecodable stream message", slog.Any("error", err))
			continue
		}
		if c.metrics != nil {
			c.metrics.ObserveStreamEvent(event.Type)
		}
		if event.Type == "pong" {
			c.recordPong(event.Timestamp)
			continue
		}
		c.dispatch(event)
	}
}

// dispatch fans one event out to every subscriber. Handlers run on the read
// goroutine in isolation: one panicking handler cannot take down the
// connection or starve its siblings.
func (c *Client) dispatch(event Event) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		c.invoke(fn, event)
	}
}

func (c *Client) invoke(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream handler panicked",
				slog.String("type", event.Type),
				slog.Any("panic", r))
		}
	}()
	fn(event)
}

// pingLoop emits ping envelopes on the configured interval. The upstream
// echoes the timestamp back in a pong envelope, which readLoop turns into a
// latency sample.
func (c *Client) pingLoop(ctx context.Context, conn Conn) {
	ticker := c.clock.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			ping := Event{Type: "ping", Timestamp: c.clock.Now().UnixMilli()}
			data, err := json.Marshal(ping)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// recordPong derives round-trip latency from the echoed ping timestamp.
func (c *Client) recordPong(millis int64) {
	if millis <= 0 {
		return
	}
	rtt := c.clock.Now().Sub(time.UnixMilli(millis))
	if rtt < 0 {
		return
	}
	c.mu.Lock()
	c.latency = rtt
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetStreamLatency(rtt)
	}
}

func (c *Client) setConnectedMetric(connected bool) {
	if c.metrics != nil {
		c.metrics.SetStreamConnected(connected)
	}
}

func metricsSubscription(topics []string, interval time.Duration) map[string]any {
	return map[string]any{
		"type":           "subscribe_metrics",
		"metrics":        topics,
		"updateInterval": interval.Milliseconds(),
	}
}
