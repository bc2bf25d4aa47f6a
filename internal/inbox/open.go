package inbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/gateway"
	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/normalize"
)

// Opened is what the UI shows after a notification is activated:
// a normalized battle result for PVP_RESULT, otherwise a link.
type Opened struct {
	Notification model.Notification
	Result       *model.ResultSnapshot
	Link         string
}

// Open marks n read and resolves what to display for it. A failed
// mark-read does not prevent opening. When the result modal cannot be
// fetched, the notification's own metadata is normalized instead.
func (s *Store) Open(ctx context.Context, n model.Notification) (Opened, error) {
	opened := Opened{Notification: n, Link: n.LinkURL}

	if n.IsUnread() {
		if err := s.MarkRead(ctx, n.ID); err != nil {
			if gateway.IsAuthError(err) {
				return opened, err
			}
			s.log.Debug("mark read on open failed", zap.String("id", string(n.ID)), zap.Error(err))
		}
	}

	if n.Type != model.TypePvPResult {
		return opened, nil
	}

	raw, err := s.gw.FetchResultModal(ctx, n.ID)
	if err != nil {
		if gateway.IsAuthError(err) || strings.TrimSpace(string(n.Metadata)) == "" {
			return opened, fmt.Errorf("opening result %s: %w", n.ID, err)
		}
		s.log.Warn("result modal unavailable, using notification metadata",
			zap.String("id", string(n.ID)),
			zap.Error(err),
		)
		raw = []byte(n.Metadata)
	}

	snap := normalize.Result(raw)
	opened.Result = &snap
	return opened, nil
}
