// Package redisconn supervises a rueidis client connection. It owns the
// durable/degraded state transition used by the event store and session
// registry: construction never fails, connectivity is established and
// re-established in the background, and repeated operation failures flip the
// connection into a degraded state until a background ping succeeds again.
package redisconn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/rueidis"
)

const (
	// maxConsecutiveFailures is the number of consecutive operation failures
	// after which the connection is considered down.
	maxConsecutiveFailures = 3

	// defaultPingInterval is how often the supervisor probes the backend.
	defaultPingInterval = 10 * time.Second

	// defaultMaxBackoff caps the delay between reconnect attempts.
	defaultMaxBackoff = 30 * time.Second

	// pingTimeout bounds a single health probe.
	pingTimeout = 3 * time.Second
)

// Option adjusts a Conn's supervisor behavior.
type Option func(*Conn)

// WithSuperviseTiming overrides the supervisor's probe interval and reconnect
// backoff cap. Production uses the defaults; tests shrink them to drive the
// degraded-to-healthy transition quickly.
func WithSuperviseTiming(ping, maxBackoff time.Duration) Option {
	return func(c *Conn) {
		if ping > 0 {
			c.pingInterval = ping
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// Conn supervises an optional rueidis client. A Conn with no reachable
// backend is still fully usable; Client reports the degraded state and
// callers route to their in-memory fallback.
type Conn struct {
	url    string
	logger *slog.Logger

	pingInterval time.Duration
	maxBackoff   time.Duration

	mu     sync.RWMutex
	client rueidis.Client

	healthy  atomic.Bool
	failures atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervised connection to the Redis backend at url. It never
// returns an error: if the backend is unreachable the Conn starts degraded
// and keeps trying in the background. An empty url disables the durable
// backend entirely.
func New(url string, logger *slog.Logger, opts ...Option) *Conn {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		url:          url,
		logger:       logger,
		pingInterval: defaultPingInterval,
		maxBackoff:   defaultMaxBackoff,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if url == "" {
		close(c.done)
		return c
	}

	if err := c.dial(); err != nil {
		logger.Warn("redisconn: backend unreachable at startup, running degraded", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.supervise(ctx)

	return c
}

// Client returns the live client and true when the backend is healthy.
// Callers must fall back to their in-memory path when ok is false.
func (c *Conn) Client() (rueidis.Client, bool) {
	if !c.healthy.Load() {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, false
	}
	return c.client, true
}

// Healthy reports whether the durable backend is currently reachable.
func (c *Conn) Healthy() bool {
	return c.healthy.Load()
}

// Fail records an operation failure. After maxConsecutiveFailures in a row
// the connection flips to degraded; the supervisor handles recovery, so
// request paths never retry the backend themselves.
func (c *Conn) Fail(err error) {
	n := c.failures.Add(1)
	if n >= maxConsecutiveFailures && c.healthy.Load() {
		c.healthy.Store(false)
		c.logger.Warn("redisconn: backend degraded after consecutive failures",
			"failures", n, "error", err)
	}
}

// OK records a successful operation, resetting the failure counter.
func (c *Conn) OK() {
	c.failures.Store(0)
}

// Close stops the supervisor and releases the client.
func (c *Conn) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.healthy.Store(false)
}

func (c *Conn) dial() error {
	opt, err := rueidis.ParseURL(c.url)
	if err != nil {
		return err
	}
	opt.DisableCache = true

	client, err := rueidis.NewClient(opt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.failures.Store(0)
	c.healthy.Store(true)
	return nil
}

// supervise probes a healthy backend and redials a degraded one with capped
// backoff. This is the only place the degraded flag flips back to healthy.
func (c *Conn) supervise(ctx context.Context) {
	defer close(c.done)

	backoff := min(time.Second, c.maxBackoff)
	for {
		interval := c.pingInterval
		if !c.healthy.Load() {
			interval = backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if c.healthy.Load() {
			if err := c.ping(ctx); err != nil {
				c.healthy.Store(false)
				c.logger.Warn("redisconn: ping failed, backend degraded", "error", err)
				backoff = min(time.Second, c.maxBackoff)
			}
			continue
		}

		if err := c.redial(ctx); err != nil {
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		c.logger.Info("redisconn: backend recovered")
		backoff = min(time.Second, c.maxBackoff)
	}
}

func (c *Conn) ping(ctx context.Context) error {
	client, ok := c.clientAny()
	if !ok {
		return rueidis.ErrClosing
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return client.Do(pctx, client.B().Ping().Build()).Error()
}

func (c *Conn) redial(ctx context.Context) error {
	// An existing client may recover on its own; probe it before redialing.
	if err := c.ping(ctx); err == nil {
		c.failures.Store(0)
		c.healthy.Store(true)
		return nil
	}
	return c.dial()
}

// clientAny returns the client regardless of health, for probing.
func (c *Conn) clientAny() (rueidis.Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.client != nil
}
