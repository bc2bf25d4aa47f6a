// Package gateway is the stateless REST client for the notification
// store and the chat exit endpoint on the platform backend.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/model"
)

// DefaultPageSize is the list limit used when a caller passes <= 0.
const DefaultPageSize = 50

// defaultExitTimeout bounds a detached exit request.
const defaultExitTimeout = 5 * time.Second

// Gateway exposes fetch and mutate operations against the server-side
// notification store. It holds no notification state.
type Gateway struct {
	client      *Client
	exitTimeout time.Duration
	log         *zap.Logger

	// pending tracks detached exit requests so the process can wait
	// for them before terminating.
	pending sync.WaitGroup
}

// New creates a Gateway from the API configuration.
func New(
	cfg model.APIConfig,
	cred credential.Accessor,
	exitTimeout time.Duration,
	log *zap.Logger,
) *Gateway {
	return NewWithClient(
		NewClient(cfg.BaseURL, cred, cfg.RequestTimeout(), log),
		exitTimeout,
		log,
	)
}

// NewWithClient creates a Gateway around an existing Client.
func NewWithClient(c *Client, exitTimeout time.Duration, log *zap.Logger) *Gateway {
	if exitTimeout <= 0 {
		exitTimeout = defaultExitTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		client:      c,
		exitTimeout: exitTimeout,
		log:         log,
	}
}

// FetchUnread returns unread notifications, most recent first. The
// result is never nil.
func (g *Gateway) FetchUnread(
	ctx context.Context,
	limit, offset int,
) ([]model.Notification, error) {
	list, err := g.fetchList(ctx, "/notifications/unread", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetching unread notifications: %w", err)
	}
	return list, nil
}

// FetchRead returns read notifications, most recent first. The result
// is never nil.
func (g *Gateway) FetchRead(
	ctx context.Context,
	limit, offset int,
) ([]model.Notification, error) {
	list, err := g.fetchList(ctx, "/notifications/read", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetching read notifications: %w", err)
	}
	return list, nil
}

func (g *Gateway) fetchList(
	ctx context.Context,
	path string,
	limit, offset int,
) ([]model.Notification, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))

	var list []model.Notification
	if err := g.client.Get(ctx, path+"?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.Notification{}
	}
	return list, nil
}

// FetchUnreadCount returns the server's unread count. A body without a
// numeric count field decodes as 0.
func (g *Gateway) FetchUnreadCount(ctx context.Context) (int, error) {
	body, err := g.client.GetRaw(ctx, "/notifications/unread/count")
	if err != nil {
		return 0, fmt.Errorf("fetching unread count: %w", err)
	}

	count := gjson.GetBytes(body, "count")
	if count.Type != gjson.Number || count.Num < 0 {
		return 0, nil
	}
	return int(count.Int()), nil
}

// MarkRead marks a single notification as read.
func (g *Gateway) MarkRead(ctx context.Context, id model.ID) error {
	path := fmt.Sprintf("/notifications/%s/read", url.PathEscape(string(id)))
	if err := g.client.Patch(ctx, path); err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every unread notification as read.
func (g *Gateway) MarkAllRead(ctx context.Context) error {
	if err := g.client.Patch(ctx, "/notifications/read-all"); err != nil {
		return fmt.Errorf("marking all notifications read: %w", err)
	}
	return nil
}

// DeleteOne soft-deletes a single notification.
func (g *Gateway) DeleteOne(ctx context.Context, id model.ID) error {
	path := fmt.Sprintf("/notifications/%s/delete", url.PathEscape(string(id)))
	if err := g.client.Patch(ctx, path); err != nil {
		return fmt.Errorf("deleting notification %s: %w", id, err)
	}
	return nil
}

// DeleteAllRead soft-deletes every read notification.
func (g *Gateway) DeleteAllRead(ctx context.Context) error {
	if err := g.client.Patch(ctx, "/notifications/read/delete"); err != nil {
		return fmt.Errorf("deleting read notifications: %w", err)
	}
	return nil
}

// FetchResultModal returns the raw, unnormalized battle-result payload
// for a notification. Callers run it through the normalizer.
func (g *Gateway) FetchResultModal(
	ctx context.Context,
	id model.ID,
) (json.RawMessage, error) {
	path := fmt.Sprintf("/notifications/%s/pvp-modal", url.PathEscape(string(id)))
	body, err := g.client.GetRaw(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetching result modal for %s: %w", id, err)
	}
	return json.RawMessage(body), nil
}

// ExitSession tells the server that the chat session has ended. The
// server handler is idempotent.
func (g *Gateway) ExitSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/chat/%s/exit", url.PathEscape(sessionID))
	if err := g.client.Post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("exiting chat session %s: %w", sessionID, err)
	}
	return nil
}

// ExitSessionDetached sends an exit signal that outlives ctx: it runs
// on a detached context with its own timeout, so cancelling the caller
// (or tearing down the UI) does not abort it. Failures are logged and
// swallowed. Use Flush to wait for outstanding requests.
func (g *Gateway) ExitSessionDetached(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	g.pending.Add(1)
	go func() {
		defer g.pending.Done()

		exitCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), g.exitTimeout,
		)
		defer cancel()

		if err := g.ExitSession(exitCtx, sessionID); err != nil {
			g.log.Debug("detached exit failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
}

// Flush waits until every detached exit request finished or ctx ends.
func (g *Gateway) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
