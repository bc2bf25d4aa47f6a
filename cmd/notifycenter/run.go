package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/app"
	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/gateway"
	"github.com/nhle/notifycenter/internal/inbox"
	"github.com/nhle/notifycenter/internal/logger"
	"github.com/nhle/notifycenter/internal/metrics"
	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/realtime"
	"github.com/nhle/notifycenter/internal/session"
	"github.com/nhle/notifycenter/internal/store"
	appsync "github.com/nhle/notifycenter/internal/sync"
)

// run wires the components and blocks until the UI exits.
func run(cfg *model.AppConfig, opts options) error {
	log, err := logger.NewFile(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cred := accessor()
	owner := ownerOf(cred)
	if owner == "" {
		log.Warn("no credential available; the inbox stays empty until `notifycenter login`")
	}

	gw := gateway.New(cfg.API, cred, cfg.Session.ExitTimeout(), logger.Component(log, "gateway"))
	ch := realtime.New(cred, realtime.OptionsFromConfig(cfg.Realtime), logger.Component(log, "realtime"))
	in := inbox.NewStore(gw, cfg.API.PageSize, logger.Component(log, "inbox"))

	lifecycle := session.NewBroadcaster()
	tracker := session.NewTracker(gw, lifecycle, session.Options{
		StrictHarness: cfg.Session.StrictHarness,
		ExitTimeout:   cfg.Session.ExitTimeout(),
	}, logger.Component(log, "session"))

	poller := appsync.New(gw, in, ch, cfg.Sync.PollInterval(), logger.Component(log, "sync"))

	var cache store.Cache
	if db, err := store.NewSQLiteStore(cfg.Cache.Path); err != nil {
		log.Warn("warm-start cache unavailable", zap.Error(err))
	} else {
		defer db.Close()
		cache = db
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: metrics.Routes()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	m := app.New(app.Deps{
		Inbox:     in,
		Channel:   ch,
		Poller:    poller,
		Tracker:   tracker,
		Lifecycle: lifecycle,
		Cache:     cache,
		Owner:     owner,
		SessionID: opts.sessionID,
		Log:       logger.Component(log, "app"),
	})

	log.Info("starting", zap.String("api", cfg.API.BaseURL), zap.String("realtime", cfg.Realtime.URL))

	final, runErr := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus()).Run()

	// The program may end without the quit key (SIGTERM, a crash in a
	// view), so the host teardown is driven from here as well.
	if fm, ok := final.(app.Model); ok {
		fm.Close()
	} else {
		m.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.ExitTimeout()+time.Second)
	defer cancel()
	if err := tracker.Wait(ctx); err != nil {
		log.Warn("session exits still pending", zap.Error(err))
	}
	if err := gw.Flush(ctx); err != nil {
		log.Warn("detached exits still pending", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("running ui: %w", runErr)
	}
	return nil
}

// ownerOf returns the user the credential belongs to, used to scope the
// warm-start cache. It is empty when no credential is available.
func ownerOf(cred credential.Accessor) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := cred.Token(ctx)
	if err != nil {
		return ""
	}
	if sub := credential.Subject(token); sub != "" {
		return sub
	}
	// Opaque tokens get a stable owner derived from the token itself.
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(token)).String()
}
