package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/model"
)

// fakeBackend records requests made against a chi-routed test server.
type fakeBackend struct {
	mu       sync.Mutex
	requests []string
	auth     []string
}

func (b *fakeBackend) record(r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r.Method+" "+r.URL.RequestURI())
	b.auth = append(b.auth, r.Header.Get("Authorization"))
}

func (b *fakeBackend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func newTestGateway(
	t *testing.T,
	cred credential.Accessor,
	routes func(r chi.Router, b *fakeBackend),
) (*Gateway, *fakeBackend) {
	t.Helper()

	b := &fakeBackend{}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			b.record(req)
			next.ServeHTTP(w, req)
		})
	})
	routes(r, b)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	log := zaptest.NewLogger(t)
	c := NewClient(srv.URL+"/api", cred, 2*time.Second, log)
	return NewWithClient(c, time.Second, log), b
}

func TestGateway_FetchUnread(t *testing.T) {
	g, b := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Get("/api/notifications/unread", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			assert.Equal(t, "40", r.URL.Query().Get("offset"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"id": 42, "type": "PVP_RESULT", "title": "Battle", "status": "unread",
				 "createdDate": "2025-03-01T10:00:00", "metaJson": "{\"isWin\":\"WIN\"}"},
				{"id": 41, "type": "COMMENT", "title": "Reply", "status": "unread",
				 "linkUrl": "/community/7"}
			]`))
		})
	})

	list, err := g.FetchUnread(context.Background(), 20, 40)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, model.ID("42"), list[0].ID)
	assert.Equal(t, model.TypePvPResult, list[0].Type)
	assert.Equal(t, model.Metadata(`{"isWin":"WIN"}`), list[0].Metadata)
	assert.Equal(t, 2025, list[0].CreatedDate.Year())
	assert.Equal(t, "/community/7", list[1].LinkURL)

	assert.Equal(t, []string{"Bearer tok"}, b.auth)
}

func TestGateway_FetchReadToleratesObjectMetadata(t *testing.T) {
	g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Get("/api/notifications/read", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[
				{"id": 1, "type": "COMMENT", "title": "Reply", "metaJson": "{}"},
				{"id": 2, "type": "PVP_RESULT", "title": "Battle", "metaJson": {"opponent": {"hp": 5}}}
			]`))
		})
	})

	list, err := g.FetchRead(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.Metadata(`{}`), list[0].Metadata)
	assert.JSONEq(t, `{"opponent": {"hp": 5}}`, string(list[1].Metadata))
}

func TestGateway_FetchListDefaultsAndEmptyBodies(t *testing.T) {
	g, b := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Get("/api/notifications/read", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/api/notifications/unread", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`null`))
		})
	})

	read, err := g.FetchRead(context.Background(), 0, -5)
	require.NoError(t, err)
	assert.NotNil(t, read)
	assert.Empty(t, read)

	unread, err := g.FetchUnread(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, unread)
	assert.Empty(t, unread)

	assert.Equal(t, []string{
		"GET /api/notifications/read?limit=50&offset=0",
		"GET /api/notifications/unread?limit=50&offset=0",
	}, b.Requests())
}

func TestGateway_FetchUnreadCount(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "numeric", body: `{"count": 7}`, want: 7},
		{name: "missing field", body: `{}`, want: 0},
		{name: "string count", body: `{"count": "7"}`, want: 0},
		{name: "not an object", body: `[]`, want: 0},
		{name: "empty body", body: ``, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
				r.Get("/api/notifications/unread/count", func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(tt.body))
				})
			})

			got, err := g.FetchUnreadCount(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGateway_Mutations(t *testing.T) {
	g, b := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }
		r.Patch("/api/notifications/{id}/read", ok)
		r.Patch("/api/notifications/read-all", ok)
		r.Patch("/api/notifications/{id}/delete", ok)
		r.Patch("/api/notifications/read/delete", ok)
		r.Post("/api/chat/{id}/exit", ok)
	})

	ctx := context.Background()
	require.NoError(t, g.MarkRead(ctx, "5"))
	require.NoError(t, g.MarkAllRead(ctx))
	require.NoError(t, g.DeleteOne(ctx, "6"))
	require.NoError(t, g.DeleteAllRead(ctx))
	require.NoError(t, g.ExitSession(ctx, "12"))

	assert.Equal(t, []string{
		"PATCH /api/notifications/5/read",
		"PATCH /api/notifications/read-all",
		"PATCH /api/notifications/6/delete",
		"PATCH /api/notifications/read/delete",
		"POST /api/chat/12/exit",
	}, b.Requests())
}

func TestGateway_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		auth      bool
		definite  bool
		transient bool
	}{
		{name: "not found", status: http.StatusNotFound, definite: true},
		{name: "conflict", status: http.StatusConflict, definite: true},
		{name: "server error", status: http.StatusInternalServerError, transient: true},
		{name: "bad gateway", status: http.StatusBadGateway, transient: true},
		{name: "request timeout", status: http.StatusRequestTimeout, transient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, auth: true},
		{name: "forbidden", status: http.StatusForbidden, auth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
				r.Patch("/api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "nope", tt.status)
				})
			})

			err := g.MarkRead(context.Background(), "1")
			require.Error(t, err)
			assert.Equal(t, tt.auth, IsAuthError(err))
			assert.Equal(t, tt.definite, IsDefinite(err))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestGateway_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(base, credential.Static("tok"), time.Second, zaptest.NewLogger(t))
	g := NewWithClient(c, time.Second, nil)

	err := g.MarkAllRead(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsDefinite(err))
}

func TestGateway_CancelledIsNotTransient(t *testing.T) {
	g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Patch("/api/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.MarkAllRead(ctx)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestGateway_FailsFastWithoutCredential(t *testing.T) {
	g, b := newTestGateway(t, credential.Static(""), func(r chi.Router, _ *fakeBackend) {
		r.Get("/api/notifications/unread", func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("request must not be issued")
		})
	})

	_, err := g.FetchUnread(context.Background(), 10, 0)
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.True(t, errors.Is(err, credential.ErrNoCredential))
	assert.Empty(t, b.Requests())
}

func TestGateway_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Get("/api/notifications/unread/count", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"count": 3}`))
		})
	})

	got, err := g.FetchUnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGateway_FetchResultModalReturnsRawBody(t *testing.T) {
	g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Get("/api/notifications/{id}/pvp-modal", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "9", chi.URLParam(r, "id"))
			_, _ = w.Write([]byte(`{"battleId": 3, "hp": 50}`))
		})
	})

	raw, err := g.FetchResultModal(context.Background(), "9")
	require.NoError(t, err)
	assert.JSONEq(t, `{"battleId": 3, "hp": 50}`, string(raw))
}

func TestGateway_ExitSessionDetachedSurvivesCancel(t *testing.T) {
	released := make(chan struct{})
	var exits atomic.Int32
	g, _ := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {
		r.Post("/api/chat/{id}/exit", func(w http.ResponseWriter, r *http.Request) {
			<-released
			exits.Add(1)
			w.WriteHeader(http.StatusOK)
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.ExitSessionDetached(ctx, "77")
	cancel()
	close(released)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	require.NoError(t, g.Flush(flushCtx))
	assert.Equal(t, int32(1), exits.Load())
}

func TestGateway_ExitSessionDetachedIgnoresEmptyID(t *testing.T) {
	g, b := newTestGateway(t, credential.Static("tok"), func(r chi.Router, _ *fakeBackend) {})

	g.ExitSessionDetached(context.Background(), "")
	require.NoError(t, g.Flush(context.Background()))
	assert.Empty(t, b.Requests())
}
