// Package realtime maintains the push subscription to the per-user
// notification queue. It speaks STOMP over a websocket, reconnects on
// transport loss with a constant backoff and exchanges heartbeats in
// both directions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/metrics"
	"github.com/nhle/notifycenter/internal/model"
)

// Handler receives one notification per notification-created event.
// It runs on the channel's goroutine and must not call Deactivate.
type Handler func(model.Notification)

// Options configures a Channel.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/notify-ws/websocket.
	URL string

	// Destination is the per-user queue to subscribe to.
	Destination string

	ReconnectDelay    time.Duration
	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration

	// HandshakeTimeout bounds the dial and the CONNECTED reply.
	HandshakeTimeout time.Duration
}

// OptionsFromConfig maps the realtime configuration onto Options.
func OptionsFromConfig(cfg model.RealtimeConfig) Options {
	return Options{
		URL:               cfg.URL,
		Destination:       cfg.Destination,
		ReconnectDelay:    cfg.ReconnectDelay(),
		HeartbeatIncoming: cfg.HeartbeatIncoming(),
		HeartbeatOutgoing: cfg.HeartbeatOutgoing(),
	}
}

func (o *Options) applyDefaults() {
	if o.Destination == "" {
		o.Destination = "/user/queue/notifications"
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Channel owns at most one live connection at a time.
type Channel struct {
	cred credential.Accessor
	opts Options
	log  *zap.Logger

	dialer *websocket.Dialer

	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu serializes handler invocations with Deactivate so that
	// no callback runs after Deactivate returns.
	deliverMu sync.Mutex
	handler   Handler

	connected atomic.Bool
}

// New creates an inactive Channel.
func New(cred credential.Accessor, opts Options, log *zap.Logger) *Channel {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		cred: cred,
		opts: opts,
		log:  log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Activate starts the connection loop for the current credential. It
// is a silent no-op when no usable credential exists (a running loop
// is stopped, since an anonymous session cannot own a private queue)
// and when the channel is already active for the same credential. A
// changed credential restarts the loop. The loop lives until ctx ends
// or Deactivate is called.
func (c *Channel) Activate(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("realtime: nil handler")
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		c.log.Debug("not connecting without a credential", zap.Error(err))
		c.Deactivate()
		return nil
	}

	c.mu.Lock()
	if c.cancel != nil && c.token == token {
		c.mu.Unlock()
		c.setHandler(h)
		return nil
	}
	restart := c.cancel != nil
	c.mu.Unlock()

	if restart {
		c.log.Info("credential changed, reconnecting")
		c.Deactivate()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A concurrent Activate may have won the race.
	if c.cancel != nil {
		return nil
	}

	c.setHandler(h)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.token = token
	c.cancel = cancel
	c.done = done

	go c.run(loopCtx, token, done)
	return nil
}

// Deactivate stops the loop, closes the connection and waits for the
// goroutines to exit. The handler is not invoked after it returns.
func (c *Channel) Deactivate() {
	c.deliverMu.Lock()
	c.handler = nil
	c.deliverMu.Unlock()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.token = nil, nil, ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.connected.Store(false)
}

// Active reports whether a connection loop is running.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Connected reports whether the channel currently holds a subscribed
// connection.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// release clears the loop state when the loop ended on its own, so a
// later Activate starts a fresh one. After Deactivate it does nothing.
func (c *Channel) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.cancel()
	c.cancel, c.done, c.token = nil, nil, ""
	c.connected.Store(false)
}

func (c *Channel) setHandler(h Handler) {
	c.deliverMu.Lock()
	c.handler = h
	c.deliverMu.Unlock()
}

func (c *Channel) currentToken(ctx context.Context) (string, error) {
	if c.cred == nil {
		return "", credential.ErrNoCredential
	}
	token, err := c.cred.Token(ctx)
	if err != nil {
		return "", err
	}
	token = credential.Raw(token)
	if token == "" {
		return "", credential.ErrNoCredential
	}
	return token, nil
}

// run connects, serves the session and reconnects after a fixed delay
// until ctx ends.
func (c *Channel) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	defer c.release(done)

	b := backoff.NewConstantBackOff(c.opts.ReconnectDelay)
	for {
		err := c.serve(ctx, token)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		c.log.Warn("realtime connection lost",
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve runs one connection from dial to failure.
func (c *Channel) serve(ctx context.Context, token string) error {
	endpoint, host, err := c.endpoint(token)
	if err != nil {
		metrics.RealtimeConnects.WithLabelValues("invalid_url").Inc()
		return err
	}

	header := http.Header{}
	header.Set("Authorization", credential.Bearer(token))

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		metrics.RealtimeConnects.WithLabelValues("dial_error").Inc()
		if resp != nil {
			return fmt.Errorf("dialing %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}

	conn := &frameConn{ws: ws}
	defer conn.close()

	// Unblock the reader when the loop is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.close() })
	defer stop()

	out, in, err := c.handshake(conn, host, token)
	if err != nil {
		metrics.RealtimeConnects.WithLabelValues("handshake_error").Inc()
		return err
	}

	if err := conn.writeFrame(subscribeFrame(uuid.NewString(), c.opts.Destination)); err != nil {
		metrics.RealtimeConnects.WithLabelValues("subscribe_error").Inc()
		return fmt.Errorf("subscribing to %s: %w", c.opts.Destination, err)
	}

	metrics.RealtimeConnects.WithLabelValues("ok").Inc()
	c.connected.Store(true)
	c.log.Info("realtime connected",
		zap.String("destination", c.opts.Destination),
		zap.Duration("heartbeat_out", out),
		zap.Duration("heartbeat_in", in),
	)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if out > 0 {
		go c.heartbeat(sessionCtx, conn, out)
	}

	// Twice the negotiated interval tolerates one missed heartbeat.
	readDeadline := 2 * in
	for {
		frames, err := conn.readFrames(readDeadline)
		for _, f := range frames {
			if ferr := c.dispatch(f); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return fmt.Errorf("reading frames: %w", err)
		}
	}
}

// handshake sends CONNECT and waits for CONNECTED, returning the
// negotiated heartbeat intervals.
func (c *Channel) handshake(conn *frameConn, host, token string) (time.Duration, time.Duration, error) {
	connect := connectFrame(host, credential.Bearer(token), c.opts.HeartbeatOutgoing, c.opts.HeartbeatIncoming)
	if err := conn.writeFrame(connect); err != nil {
		return 0, 0, fmt.Errorf("sending CONNECT: %w", err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, 0, errors.New("awaiting CONNECTED: handshake timed out")
		}
		frames, err := conn.readFrames(remaining)
		if err != nil {
			return 0, 0, fmt.Errorf("awaiting CONNECTED: %w", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				out, in := negotiate(c.opts.HeartbeatOutgoing, c.opts.HeartbeatIncoming, f.Header.Get(frame.HeartBeat))
				return out, in, nil
			case frame.ERROR:
				return 0, 0, fmt.Errorf("server refused CONNECT: %s", f.Header.Get(frame.Message))
			}
		}
	}
}

// dispatch handles one inbound frame. Only ERROR frames end the
// session.
func (c *Channel) dispatch(f *frame.Frame) error {
	switch f.Command {
	case frame.MESSAGE:
		c.deliver(f.Body)
		return nil
	case frame.ERROR:
		return fmt.Errorf("server error frame: %s", f.Header.Get(frame.Message))
	default:
		c.log.Debug("ignoring frame", zap.String("command", f.Command))
		return nil
	}
}

// deliver decodes a notification-created event and hands it to the
// handler. Malformed bodies are logged and dropped.
func (c *Channel) deliver(body []byte) {
	var ev model.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.PushEventsDropped.WithLabelValues("malformed").Inc()
		c.log.Warn("dropping malformed push event", zap.Error(err))
		return
	}

	n := ev.ToNotification()
	if n.ID == "" {
		metrics.PushEventsDropped.WithLabelValues("missing_id").Inc()
		c.log.Warn("dropping push event without id")
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.handler == nil {
		metrics.PushEventsDropped.WithLabelValues("closed").Inc()
		return
	}
	metrics.PushEventsReceived.Inc()
	c.handler(n)
}

func (c *Channel) heartbeat(ctx context.Context, conn *frameConn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.writeHeartbeat(); err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
				_ = conn.close()
				return
			}
		}
	}
}

// endpoint appends the raw token as the handshake query parameter.
func (c *Channel) endpoint(token string) (string, string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", "", fmt.Errorf("parsing realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), u.Hostname(), nil
}
