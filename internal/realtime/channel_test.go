package realtime

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/model"
)

// stompServer is a minimal STOMP-over-websocket broker for tests. It
// answers CONNECT, records SUBSCRIBE and lets the test push MESSAGE
// frames to the live subscriber.
type stompServer struct {
	t   *testing.T
	srv *httptest.Server

	dials      atomic.Int32
	subscribes atomic.Int32
	heartbeats atomic.Int32

	// heartBeat is the CONNECTED heart-beat header. A non-zero server
	// interval is advertised but never honoured, so the broker looks
	// like a silent peer.
	heartBeat string

	mu     sync.Mutex
	conn   *websocket.Conn
	tokens []string
	auth   []string
	subbed chan struct{}

	writeMu sync.Mutex
}

func newStompServer(t *testing.T) *stompServer {
	t.Helper()
	s := &stompServer{t: t, subbed: make(chan struct{}, 8), heartBeat: "0,0"}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		s.mu.Lock()
		s.conn = ws
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(bytes.TrimSpace(data)) == 0 {
				s.heartbeats.Add(1)
				continue
			}
			f, err := frame.NewReader(bytes.NewReader(data)).Read()
			if err != nil || f == nil {
				continue
			}
			switch f.Command {
			case frame.CONNECT:
				assert.Equal(t, "1.2", f.Header.Get(frame.AcceptVersion))
				s.mu.Lock()
				hb := s.heartBeat
				s.mu.Unlock()
				s.send(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, hb))
			case frame.SUBSCRIBE:
				assert.Equal(t, "/user/queue/notifications", f.Header.Get(frame.Destination))
				s.subscribes.Add(1)
				s.subbed <- struct{}{}
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stompServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/notify-ws/websocket"
}

func (s *stompServer) send(f *frame.Frame) {
	s.mu.Lock()
	ws := s.conn
	s.mu.Unlock()

	var buf bytes.Buffer
	require.NoError(s.t, frame.NewWriter(&buf).Write(f))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (s *stompServer) push(body string) {
	f := frame.New(frame.MESSAGE,
		frame.Destination, "/user/queue/notifications",
		frame.ContentType, "application/json",
	)
	f.Body = []byte(body)
	s.send(f)
}

func (s *stompServer) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-s.subbed:
	case <-time.After(3 * time.Second):
		t.Fatal("no SUBSCRIBE received")
	}
}

type recorder struct {
	mu  sync.Mutex
	got []model.Notification
	ch  chan model.Notification
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan model.Notification, 16)}
}

func (r *recorder) handle(n model.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	r.ch <- n
}

func (r *recorder) next(t *testing.T) model.Notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no notification delivered")
		return model.Notification{}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newTestChannel(t *testing.T, cred credential.Accessor, url string) *Channel {
	t.Helper()
	ch := New(cred, Options{
		URL:            url,
		ReconnectDelay: 50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(ch.Deactivate)
	return ch
}

func TestChannel_DoesNotDialWithoutCredential(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static(""), s.url())

	require.NoError(t, ch.Activate(context.Background(), newRecorder().handle))

	assert.False(t, ch.Active())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), s.dials.Load())
}

func TestChannel_DeliversEvents(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static("Bearer tok"), s.url())
	rec := newRecorder()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)
	assert.Eventually(t, ch.Connected, time.Second, 10*time.Millisecond)

	s.push(`{"id": 42, "type": "COMMENT", "title": "Reply", "message": "hi"}`)
	n := rec.next(t)
	assert.Equal(t, model.ID("42"), n.ID)
	assert.Equal(t, model.StatusUnread, n.Status)

	s.push(`{"notificationId": 43, "type": "RANKING"}`)
	assert.Equal(t, model.ID("43"), rec.next(t).ID)

	s.push(`{"id": 44, "type": "PVP_RESULT", "metaJson": {"opponent": {"hp": 5}}}`)
	n = rec.next(t)
	assert.Equal(t, model.ID("44"), n.ID)
	assert.JSONEq(t, `{"opponent": {"hp": 5}}`, string(n.Metadata))

	s.mu.Lock()
	assert.Equal(t, []string{"tok"}, s.tokens)
	assert.Equal(t, []string{"Bearer tok"}, s.auth)
	s.mu.Unlock()
}

func TestChannel_DropsMalformedFrames(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static("tok"), s.url())
	rec := newRecorder()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)

	s.push(`{not json`)
	s.push(`{"title": "no id"}`)
	s.push(`{"id": 7, "type": "PURCHASE"}`)

	assert.Equal(t, model.ID("7"), rec.next(t).ID)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, int32(1), s.dials.Load())
}

func TestChannel_ActivateIsIdempotent(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static("tok"), s.url())
	rec := newRecorder()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)
	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	require.NoError(t, ch.Activate(context.Background(), rec.handle))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), s.dials.Load())
	assert.Equal(t, int32(1), s.subscribes.Load())
}

func TestChannel_NoCallbacksAfterDeactivate(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static("tok"), s.url())
	rec := newRecorder()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)

	s.push(`{"id": 1}`)
	rec.next(t)

	ch.Deactivate()
	assert.False(t, ch.Active())
	assert.False(t, ch.Connected())

	s.push(`{"id": 2}`)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestChannel_ReconnectsAfterTransportLoss(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static("tok"), s.url())
	rec := newRecorder()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)

	s.mu.Lock()
	_ = s.conn.Close()
	s.mu.Unlock()

	s.waitSubscribed(t)
	assert.Equal(t, int32(2), s.dials.Load())

	s.push(`{"id": 9}`)
	assert.Equal(t, model.ID("9"), rec.next(t).ID)
}

func TestChannel_HeartbeatsAndSilentPeer(t *testing.T) {
	s := newStompServer(t)
	s.mu.Lock()
	s.heartBeat = "100,100"
	s.mu.Unlock()

	ch := New(credential.Static("tok"), Options{
		URL:               s.url(),
		ReconnectDelay:    50 * time.Millisecond,
		HeartbeatOutgoing: 100 * time.Millisecond,
		HeartbeatIncoming: 100 * time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(ch.Deactivate)

	require.NoError(t, ch.Activate(context.Background(), newRecorder().handle))
	s.waitSubscribed(t)

	// The client beats every 100ms and gives up on the silent broker
	// after twice the incoming interval.
	assert.Eventually(t, func() bool { return s.heartbeats.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.waitSubscribed(t)
	assert.GreaterOrEqual(t, s.dials.Load(), int32(2))
}

func TestChannel_ActivateAfterContextEnds(t *testing.T) {
	s := newStompServer(t)
	ch := newTestChannel(t, credential.Static("tok"), s.url())
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ch.Activate(ctx, rec.handle))
	s.waitSubscribed(t)

	cancel()
	assert.Eventually(t, func() bool { return !ch.Active() }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, ch.Connected())

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)
	assert.Equal(t, int32(2), s.dials.Load())

	s.push(`{"id": 5}`)
	assert.Equal(t, model.ID("5"), rec.next(t).ID)
}

func TestChannel_CredentialChangeReconnects(t *testing.T) {
	s := newStompServer(t)
	token := "first"
	var mu sync.Mutex
	cred := credential.Func(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return token, nil
	})
	ch := newTestChannel(t, cred, s.url())
	rec := newRecorder()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)

	mu.Lock()
	token = "second"
	mu.Unlock()

	require.NoError(t, ch.Activate(context.Background(), rec.handle))
	s.waitSubscribed(t)

	s.mu.Lock()
	assert.Equal(t, []string{"first", "second"}, s.tokens)
	s.mu.Unlock()
}

func TestNegotiate(t *testing.T) {
	out, in := negotiate(10*time.Second, 10*time.Second, "0,0")
	assert.Zero(t, out)
	assert.Zero(t, in)

	out, in = negotiate(10*time.Second, 10*time.Second, "5000,20000")
	assert.Equal(t, 20*time.Second, out)
	assert.Equal(t, 10*time.Second, in)

	out, in = negotiate(10*time.Second, 0, "5000,5000")
	assert.Equal(t, 10*time.Second, out)
	assert.Zero(t, in)

	out, in = negotiate(10*time.Second, 10*time.Second, "garbage")
	assert.Zero(t, out)
	assert.Zero(t, in)
}
