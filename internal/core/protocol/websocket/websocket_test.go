package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/databox/internal/core/databox"
	"github.com/zeusync/databox/internal/core/databox/tree"
)

// fakeServer answers requests with respond and can push events.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	respond  func(req Request) *Response

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []Request
	ready    chan struct{}
	once     sync.Once
}

func newFakeServer(t *testing.T, respond func(req Request) *Response) (*fakeServer, *httptest.Server) {
	s := &fakeServer{t: t, respond: respond, ready: make(chan struct{})}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err = json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		resp := s.respond(req)
		if resp == nil {
			continue
		}
		resp.ID = req.ID
		s.send(resp)
	}
}

func (s *fakeServer) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(s.t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *fakeServer) push(event, box string, payload any) {
	raw, err := json.Marshal(payload)
	require.NoError(s.t, err)
	s.send(ServerEvent{Event: event, Databox: box, Payload: raw})
}

func (s *fakeServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *fakeServer) lastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func ok(data any) *Response {
	raw, _ := json.Marshal(data)
	return &Response{OK: true, Data: raw}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *Connection {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = wsURL(srv)
	cfg.PingInterval = 0
	c, err := Dial(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recordingHandler struct {
	cuds    chan databox.CudPackage
	signals chan databox.SignalKind
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		cuds:    make(chan databox.CudPackage, 8),
		signals: make(chan databox.SignalKind, 8),
	}
}

func (h *recordingHandler) HandleCud(pkg databox.CudPackage) { h.cuds <- pkg }

func (h *recordingHandler) HandleSignal(kind databox.SignalKind, _ databox.Signal) {
	h.signals <- kind
}

func TestRegisterAndFetch(t *testing.T) {
	s, srv := newFakeServer(t, func(req Request) *Response {
		switch req.Action {
		case ActionRegister:
			return ok(map[string]any{"cudId": "c1", "strategy": "timeWindow", "parallelFetch": true})
		case ActionFetch:
			return ok(map[string]any{"counter": 3, "data": map[string]any{"x": 1}})
		}
		return ok(nil)
	})
	ch := dial(t, srv).Databox("profile")

	reg, err := ch.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, databox.Registration{CudID: "c1", Strategy: "timeWindow", ParallelFetch: true}, reg)

	resp, err := ch.Fetch(context.Background(), databox.SessionReload, "page")
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Counter)
	assert.Equal(t, map[string]any{"x": float64(1)}, resp.Data)

	req := s.lastRequest()
	assert.Equal(t, ActionFetch, req.Action)
	assert.Equal(t, "profile", req.Databox)
	assert.Equal(t, "reload", req.Session)
	assert.Equal(t, map[string]any{"input": "page"}, req.Payload)
}

func TestRemoteErrors(t *testing.T) {
	_, srv := newFakeServer(t, func(req Request) *Response {
		if req.Session == string(databox.SessionMain) {
			return &Response{Error: &RemoteError{Name: "noMoreData"}}
		}
		return &Response{Error: &RemoteError{Name: "accessDenied", Message: "no"}}
	})
	ch := dial(t, srv).Databox("profile")

	_, err := ch.Fetch(context.Background(), databox.SessionMain, nil)
	assert.ErrorIs(t, err, databox.ErrNoMoreData)

	err = ch.ResetReloadSession(context.Background())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "accessDenied", remote.Name)
}

func TestRequestTimeout(t *testing.T) {
	_, srv := newFakeServer(t, func(Request) *Response { return nil })
	ch := dial(t, srv).Databox("profile")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.LastCudID(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventsAreRoutedToListeningDatabox(t *testing.T) {
	s, srv := newFakeServer(t, func(Request) *Response { return ok(nil) })
	conn := dial(t, srv)
	<-s.ready

	h := newRecordingHandler()
	stop := conn.Databox("profile").Listen(h)
	other := newRecordingHandler()
	conn.Databox("other").Listen(other)

	s.push(EventCud, "profile", map[string]any{
		"cudId":     "c2",
		"timestamp": 99,
		"operations": []any{
			map[string]any{"type": "update", "selector": []any{"name"}, "value": "tom"},
			map[string]any{"type": "bogus"},
			map[string]any{"type": "delete", "selector": "tags.0", "timestamp": 120},
		},
	})

	select {
	case pkg := <-h.cuds:
		assert.Equal(t, "c2", pkg.CudID)
		require.Len(t, pkg.Operations, 2)
		assert.Equal(t, tree.Path("name"), pkg.Operations[0].Selector)
		assert.Equal(t, int64(99), pkg.Operations[0].Timestamp)
		assert.Equal(t, int64(120), pkg.Operations[1].Timestamp)
	case <-time.After(time.Second):
		t.Fatal("cud package not delivered")
	}

	s.push(EventKickOut, "profile", map[string]any{"code": "banned"})
	select {
	case kind := <-h.signals:
		assert.Equal(t, databox.SignalKickOut, kind)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}

	stop()
	s.push(EventReload, "profile", nil)
	s.push(EventReload, "other", nil)
	select {
	case kind := <-other.signals:
		assert.Equal(t, databox.SignalReload, kind)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}
	assert.Empty(t, h.signals)
}

func TestConnectionLossNotifiesListeners(t *testing.T) {
	s, srv := newFakeServer(t, func(Request) *Response { return nil })
	conn := dial(t, srv)
	<-s.ready

	h := newRecordingHandler()
	ch := conn.Databox("profile")
	ch.Listen(h)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.LastCudID(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.dropConnection()

	select {
	case kind := <-h.signals:
		assert.Equal(t, databox.SignalDisconnect, kind)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.ErrorIs(t, <-errCh, ErrConnectionClosed)
	<-conn.Done()

	_, err := ch.LastCudID(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDialRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(srv)
	cfg.DialRetries = 2
	cfg.DialInitialInterval = time.Millisecond
	cfg.DialMaxInterval = 2 * time.Millisecond

	_, err := Dial(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial websocket")

	_, err = Dial(context.Background(), Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDataboxOverWebSocket(t *testing.T) {
	s, srv := newFakeServer(t, func(req Request) *Response {
		switch req.Action {
		case ActionRegister:
			return ok(map[string]any{"cudId": "c1"})
		case ActionFetch:
			return ok(map[string]any{"counter": 0, "data": map[string]any{"name": "luca"}})
		}
		return ok(nil)
	})
	conn := dial(t, srv)

	d, err := databox.New(databox.Options{Name: "profile", Transport: conn.Databox("profile")})
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	_, err = d.Fetch(context.Background(), nil)
	require.NoError(t, err)

	applied := make(chan struct{}, 1)
	_, err = d.OnCud(func(databox.CudPackage) { applied <- struct{}{} })
	require.NoError(t, err)

	s.push(EventCud, "profile", map[string]any{
		"cudId":      "c2",
		"timestamp":  1,
		"operations": []any{map[string]any{"type": "update", "selector": "name", "value": "tom"}},
	})
	select {
	case <-applied:
	case <-time.After(time.Second):
		t.Fatal("cud package not applied")
	}

	assert.Equal(t, map[string]any{"name": "tom"}, d.Storage().GetData(false))
	assert.Equal(t, "c2", d.LastCudID())
	assert.NotZero(t, conn.Stats().EventsReceived)
}

type recordingMiddleware struct {
	name     string
	priority uint16
	reject   error

	mu    sync.Mutex
	calls *[]string
}

func (m *recordingMiddleware) Name() string     { return m.name }
func (m *recordingMiddleware) Priority() uint16 { return m.priority }

func (m *recordingMiddleware) BeforeRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	*m.calls = append(*m.calls, m.name+":before:"+req.Action)
	m.mu.Unlock()
	return m.reject
}

func (m *recordingMiddleware) AfterRequest(_ context.Context, req Request, _ Response, err error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		*m.calls = append(*m.calls, m.name+":failed:"+req.Action)
		return
	}
	*m.calls = append(*m.calls, m.name+":after:"+req.Action)
}

func TestMiddlewaresRunByPriority(t *testing.T) {
	_, srv := newFakeServer(t, func(Request) *Response { return ok(map[string]any{"cudId": "c1"}) })
	conn := dial(t, srv)

	var calls []string
	low := &recordingMiddleware{name: "low", priority: 1, calls: &calls}
	high := &recordingMiddleware{name: "high", priority: 10, calls: &calls}
	require.NoError(t, conn.Use(low, high))
	assert.Error(t, conn.Use(&recordingMiddleware{name: "low", calls: &calls}))

	_, err := conn.Databox("profile").LastCudID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"high:before:lastCudId",
		"low:before:lastCudId",
		"high:after:lastCudId",
		"low:after:lastCudId",
	}, calls)

	require.NoError(t, conn.RemoveMiddleware("low"))
	assert.Error(t, conn.RemoveMiddleware("low"))
}

func TestMiddlewareRejectsRequest(t *testing.T) {
	s, srv := newFakeServer(t, func(Request) *Response { return ok(nil) })
	conn := dial(t, srv)

	var calls []string
	denied := errors.New("denied")
	require.NoError(t, conn.Use(&recordingMiddleware{name: "guard", reject: denied, calls: &calls}))

	err := conn.Databox("profile").Unregister(context.Background())
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, []string{"guard:before:unregister"}, calls)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.requests)
}

func TestReconnectReloadsOnCudIDMismatch(t *testing.T) {
	var registrations atomic.Int32
	s, srv := newFakeServer(t, func(req Request) *Response {
		switch req.Action {
		case ActionRegister:
			if registrations.Add(1) == 1 {
				return ok(map[string]any{"cudId": "c1"})
			}
			return ok(map[string]any{"cudId": "c7"})
		case ActionFetch:
			name := "luca"
			if req.Session == string(databox.SessionReload) {
				name = "tom"
			}
			return ok(map[string]any{"counter": 0, "data": map[string]any{"name": name}})
		}
		return ok(nil)
	})
	first := dial(t, srv)
	ch := first.Databox("profile")

	d, err := databox.New(databox.Options{Name: "profile", Transport: ch})
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	_, err = d.Fetch(context.Background(), nil)
	require.NoError(t, err)

	reloaded := make(chan databox.ReloadInfo, 1)
	_, err = d.OnReload(func(info databox.ReloadInfo) { reloaded <- info })
	require.NoError(t, err)

	s.dropConnection()
	<-first.Done()
	assert.False(t, d.IsConnected(), "loss is handled before Done")
	_, err = ch.LastCudID(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)

	second := dial(t, srv)
	second.Attach(ch)
	assert.Same(t, ch, second.Databox("profile"))
	require.NoError(t, d.Connect(context.Background()))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect with a new cud id did not reload")
	}
	assert.Equal(t, "c7", d.LastCudID())
	assert.Equal(t, map[string]any{"name": "tom"}, d.Storage().GetData(false))
}

type fetchingHandler struct {
	ch   *Channel
	errs chan error
}

func (h *fetchingHandler) HandleCud(databox.CudPackage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.ch.LastCudID(ctx)
	h.errs <- err
}

func (h *fetchingHandler) HandleSignal(databox.SignalKind, databox.Signal) {}

func TestHandlerMayRequestWhileHandlingEvent(t *testing.T) {
	s, srv := newFakeServer(t, func(Request) *Response { return ok(map[string]any{"cudId": "c3"}) })
	conn := dial(t, srv)
	<-s.ready

	ch := conn.Databox("profile")
	h := &fetchingHandler{ch: ch, errs: make(chan error, 2)}
	ch.Listen(h)

	for i := 0; i < 2; i++ {
		s.push(EventCud, "profile", map[string]any{"cudId": "c3", "operations": []any{}})
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-h.errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("request from inside the handler did not complete")
		}
	}
}
