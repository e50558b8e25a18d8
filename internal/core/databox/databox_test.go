package databox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/databox/internal/core/databox/storage"
	"github.com/zeusync/databox/internal/core/databox/tree"
)

// fakeTransport serves a databox from memory.
type fakeTransport struct {
	mu        sync.Mutex
	reg       Registration
	regErr    error
	cudID     string
	handler   Handler
	listening bool

	mainCounter int64
	mainData    func(input any) any
	mainErr     error

	reloadCounter int64
	reloadData    func(input any) (any, error)
	resets        int
	copies        int
	copyErr       error
	unregistered  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reg:      Registration{CudID: "c1"},
		cudID:    "c1",
		mainData: func(input any) any { return input },
	}
}

func (f *fakeTransport) Register(context.Context) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reg, f.regErr
}

func (f *fakeTransport) Unregister(context.Context) error {
	f.mu.Lock()
	f.unregistered++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Fetch(_ context.Context, session Session, input any) (FetchResponse, error) {
	f.mu.Lock()
	if session == SessionMain {
		defer f.mu.Unlock()
		if f.mainErr != nil {
			return FetchResponse{}, f.mainErr
		}
		c := f.mainCounter
		f.mainCounter++
		return FetchResponse{Counter: c, Data: f.mainData(input)}, nil
	}

	c := f.reloadCounter
	f.reloadCounter++
	fn := f.reloadData
	f.mu.Unlock()
	if fn == nil {
		return FetchResponse{}, ErrNoMoreData
	}
	data, err := fn(input)
	if err != nil {
		return FetchResponse{}, err
	}
	return FetchResponse{Counter: c, Data: data}, nil
}

func (f *fakeTransport) ResetReloadSession(context.Context) error {
	f.mu.Lock()
	f.resets++
	f.reloadCounter = 0
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CopyReloadSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies++
	return f.copyErr
}

func (f *fakeTransport) LastCudID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cudID, nil
}

func (f *fakeTransport) Listen(h Handler) func() {
	f.mu.Lock()
	f.handler = h
	f.listening = true
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listening = false
		f.mu.Unlock()
	}
}

func (f *fakeTransport) counts() (resets, copies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets, f.copies
}

func newConnected(t *testing.T, ft *fakeTransport, opts Options) *Databox {
	t.Helper()
	opts.Transport = ft
	if opts.Name == "" {
		opts.Name = "profile"
	}
	d, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	return d
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{Name: "x"})
	assert.ErrorIs(t, err, ErrNilTransport)
}

func TestConnect(t *testing.T) {
	ft := newFakeTransport()
	d, err := New(Options{Name: "profile", Transport: ft})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, d.State())

	var infos []ConnectInfo
	_, err = d.OnConnect(func(i ConnectInfo) { infos = append(infos, i) })
	require.NoError(t, err)

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, StateConnected, d.State())
	assert.Equal(t, "c1", d.LastCudID())
	assert.True(t, ft.listening)
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Reconnect)

	require.NoError(t, d.Connect(context.Background()), "connecting twice is a no-op")
	assert.Len(t, infos, 1)
}

func TestConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.regErr = errors.New("refused")
	d, err := New(Options{Name: "profile", Transport: ft})
	require.NoError(t, err)

	err = d.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to the Databox")
	assert.Equal(t, StateDisconnected, d.State())

	ft.regErr = nil
	ft.reg.Strategy = "unknown"
	err = d.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, d.State())

	d.opts.Strategy = "history"
	require.NoError(t, d.Connect(context.Background()), "local strategy overrides the server's")
}

func TestDisconnect(t *testing.T) {
	ft := newFakeTransport()
	at := time.UnixMilli(42_000)
	d := newConnected(t, ft, Options{Now: func() time.Time { return at }})

	var got []time.Time
	_, err := d.OnDisconnect(func(ts time.Time) { got = append(got, ts) })
	require.NoError(t, err)

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, d.State())
	assert.False(t, ft.listening)
	assert.Equal(t, 1, ft.unregistered)
	assert.Equal(t, []time.Time{at}, got)

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, 1, ft.unregistered)

	_, err = d.Fetch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFetchFoldsIntoStorages(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	attached := storage.New(storage.Options{Name: "view"})
	require.NoError(t, d.AttachStorage(attached))

	var news []NewData
	_, err := d.OnNewData(func(n NewData) { news = append(news, n) })
	require.NoError(t, err)

	data, err := d.Fetch(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, data)
	_, err = d.Fetch(context.Background(), map[string]any{"b": 2})
	require.NoError(t, err)

	want := map[string]any{"a": 1, "b": 2}
	assert.Equal(t, want, d.Storage().GetData(false))
	assert.Equal(t, want, attached.GetData(false))
	assert.Len(t, news, 2)
	assert.Equal(t, int64(1), news[1].Counter)
	assert.Equal(t, 2, d.history.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(d.metrics.Fetches.WithLabelValues("profile", "ok")))
}

func TestFetchErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.mainErr = ErrNoMoreData
	d := newConnected(t, ft, Options{})

	_, err := d.Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMoreData)
	assert.Contains(t, err.Error(), "fetch failed")
	assert.Equal(t, 0, d.history.Len())
}

func TestHandleCud(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	attached := storage.New(storage.Options{})
	require.NoError(t, d.AttachStorage(attached))
	_, err := d.Fetch(context.Background(), map[string]any{"name": "luca"})
	require.NoError(t, err)

	var pkgs []CudPackage
	_, err = d.OnCud(func(p CudPackage) { pkgs = append(pkgs, p) })
	require.NoError(t, err)

	ft.handler.HandleCud(CudPackage{
		CudID:     "c2",
		Timestamp: 10,
		Operations: []storage.Operation{
			{Type: storage.OpUpdate, Selector: tree.Path("name"), Value: "tom", Timestamp: 10},
			{Type: storage.OpInsert, Selector: tree.Path("age"), Value: 30, Timestamp: 10},
		},
	})

	want := map[string]any{"name": "tom", "age": 30}
	assert.Equal(t, want, d.Storage().GetData(false))
	assert.Equal(t, want, attached.GetData(false))
	assert.Equal(t, "c2", d.LastCudID())
	require.Len(t, pkgs, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(d.metrics.CudOperations.WithLabelValues("profile", "insert")))
}

func TestOffStopsDataboxListener(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	var pkgs int
	sub, err := d.OnCud(func(CudPackage) { pkgs++ })
	require.NoError(t, err)

	pkg := CudPackage{CudID: "c2", Operations: []storage.Operation{
		{Type: storage.OpInsert, Selector: tree.Path("age"), Value: 30},
	}}
	ft.handler.HandleCud(pkg)
	require.NoError(t, d.Off(sub))
	pkg.CudID = "c3"
	ft.handler.HandleCud(pkg)

	assert.Equal(t, 1, pkgs)
	assert.Equal(t, "c3", d.LastCudID())
}

func TestAttachAndDetachStorage(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)

	view := storage.New(storage.Options{})
	require.NoError(t, d.AttachStorage(view))
	assert.Equal(t, map[string]any{"a": 1}, view.GetData(false))
	assert.ErrorIs(t, d.AttachStorage(view), ErrStorageAttached)

	d.DetachStorage(view)
	_, err = d.Fetch(context.Background(), map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, view.GetData(false))
}

func TestSeqCommitsIntoEveryStorage(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), map[string]any{})
	require.NoError(t, err)
	view := storage.New(storage.Options{})
	require.NoError(t, d.AttachStorage(view))

	d.Seq().
		Insert(tree.Path("draft"), true, storage.OpOptions{}).
		Insert(tree.Path("title"), "hello", storage.OpOptions{}).
		Commit()

	want := map[string]any{"draft": true, "title": "hello"}
	assert.Equal(t, want, d.Storage().GetData(false))
	assert.Equal(t, want, view.GetData(false))
}

func TestReloadReplacesStoragesAndReseedsHistory(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	view := storage.New(storage.Options{})
	require.NoError(t, d.AttachStorage(view))

	_, err := d.Fetch(context.Background(), "page-0")
	require.NoError(t, err)
	_, err = d.Fetch(context.Background(), "page-1")
	require.NoError(t, err)

	var replayed []any
	ft.reloadData = func(input any) (any, error) {
		replayed = append(replayed, input)
		return map[string]any{input.(string): "fresh"}, nil
	}
	var infos []ReloadInfo
	_, err = d.OnReload(func(i ReloadInfo) { infos = append(infos, i) })
	require.NoError(t, err)

	require.NoError(t, d.Reload(context.Background()))

	assert.Equal(t, []any{"page-0", "page-1"}, replayed)
	want := map[string]any{"page-0": "fresh", "page-1": "fresh"}
	assert.Equal(t, want, d.Storage().GetData(false))
	assert.Equal(t, want, view.GetData(false))

	resets, copies := ft.counts()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1, copies)
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].Snapshots)

	items := d.history.GetHistory()
	require.Len(t, items, 2)
	assert.Equal(t, "page-0", items[0].Input)
	assert.Equal(t, map[string]any{"page-1": "fresh"}, items[1].Data)
}

func TestParallelReloadSkipsMissingSnapshots(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{ParallelFetch: true})
	for _, in := range []string{"a", "b"} {
		_, err := d.Fetch(context.Background(), in)
		require.NoError(t, err)
	}

	ft.reloadData = func(input any) (any, error) {
		if input == "b" {
			return nil, ErrNoMoreData
		}
		return map[string]any{"a": "fresh"}, nil
	}
	var infos []ReloadInfo
	_, err := d.OnReload(func(i ReloadInfo) { infos = append(infos, i) })
	require.NoError(t, err)

	require.NoError(t, d.Reload(context.Background()))
	assert.Equal(t, map[string]any{"a": "fresh"}, d.Storage().GetData(false))
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].Snapshots, "the hole keeps its slot")
	assert.Equal(t, 1, d.history.Len())
}

func TestReloadFailureRollsBack(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	for _, in := range []string{"a", "b", "c"} {
		_, err := d.Fetch(context.Background(), map[string]any{in: 1})
		require.NoError(t, err)
	}
	before := d.Storage().GetData(false)

	ft.reloadData = func(any) (any, error) { return nil, errors.New("session lost") }
	err := d.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload failed")

	assert.Equal(t, before, d.Storage().GetData(false))
	items := d.history.GetHistory()
	require.Len(t, items, 3)
	assert.Equal(t, []int64{0, 1, 2}, []int64{items[0].Counter, items[1].Counter, items[2].Counter})
	d.history.RollBack()

	ft.reloadData = func(input any) (any, error) { return input, nil }
	ft.copyErr = errors.New("copy failed")
	require.Error(t, d.Reload(context.Background()))
	assert.Equal(t, 3, d.history.Len())
}

func TestReloadWithEmptyHistoryIsNoop(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})

	require.NoError(t, d.Reload(context.Background()))
	resets, _ := ft.counts()
	assert.Equal(t, 0, resets)
}

func TestReloadMergesMissedFetches(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)

	var once sync.Once
	ft.reloadData = func(input any) (any, error) {
		once.Do(func() {
			_, err := d.Fetch(context.Background(), map[string]any{"late": true})
			assert.NoError(t, err)
		})
		return map[string]any{"a": 2}, nil
	}

	require.NoError(t, d.Reload(context.Background()))
	assert.Equal(t, map[string]any{"a": 2, "late": true}, d.Storage().GetData(false))

	items := d.history.GetHistory()
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[1].Counter, "missed fetch is renumbered after the reload session")
	assert.Equal(t, map[string]any{"late": true}, items[1].Input)
}

func TestReloadSkipsIdenticalStorages(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)

	touches := 0
	_, err = d.Storage().OnDataTouch(func(storage.Change) { touches++ })
	require.NoError(t, err)

	ft.reloadData = func(input any) (any, error) { return input, nil }
	require.NoError(t, d.Reload(context.Background()))
	assert.Zero(t, touches)
}

func TestReloadRespectsStoragePolicy(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	frozen := storage.New(storage.Options{Middleware: storage.Middleware{
		DoReload: storage.Always[any](false),
	}})
	require.NoError(t, d.AttachStorage(frozen))
	_, err := d.Fetch(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)

	ft.reloadData = func(any) (any, error) { return map[string]any{"a": 9}, nil }
	require.NoError(t, d.Reload(context.Background()))

	assert.Equal(t, map[string]any{"a": 9}, d.Storage().GetData(false))
	assert.Equal(t, map[string]any{"a": 1}, frozen.GetData(false))
}

func TestReloadsAreSerialized(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), "x")
	require.NoError(t, err)

	var inFlight, peak int32
	ft.reloadData = func(input any) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return input, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Reload(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	resets, _ := ft.counts()
	assert.Equal(t, 4, resets)
}

func TestReloadAbandonedByCaller(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), map[string]any{"v": 1})
	require.NoError(t, err)

	release := make(chan struct{})
	ft.reloadData = func(any) (any, error) {
		<-release
		return map[string]any{"v": 2}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Reload(ctx) }()
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, map[string]any{"v": 2}, d.Storage().GetData(false), "abandoned reload still completes")
}

func TestCheckCudID(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), "x")
	require.NoError(t, err)
	ft.reloadData = func(input any) (any, error) { return input, nil }

	mismatch, err := d.CheckCudID(context.Background())
	require.NoError(t, err)
	assert.False(t, mismatch)

	ft.mu.Lock()
	ft.cudID = "c7"
	ft.mu.Unlock()
	mismatch, err = d.CheckCudID(context.Background())
	require.NoError(t, err)
	assert.True(t, mismatch)
	assert.Equal(t, "c7", d.LastCudID())

	require.NoError(t, d.Close(context.Background()))
	resets, _ := ft.counts()
	assert.Equal(t, 1, resets)
}

func TestReconnectWithNewCudIDReloads(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), "x")
	require.NoError(t, err)
	ft.reloadData = func(input any) (any, error) { return input, nil }

	require.NoError(t, d.Disconnect(context.Background()))
	ft.reg.CudID = "c5"

	var infos []ConnectInfo
	_, err = d.OnConnect(func(i ConnectInfo) { infos = append(infos, i) })
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))

	require.Len(t, infos, 1)
	assert.True(t, infos[0].Reconnect)
	require.NoError(t, d.Close(context.Background()))
	resets, _ := ft.counts()
	assert.Equal(t, 1, resets)
}

func TestSignals(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	keep := storage.New(storage.Options{Middleware: storage.Middleware{
		ClearOnKickOut: storage.Always[storage.Signal](false),
	}})
	require.NoError(t, d.AttachStorage(keep))
	_, err := d.Fetch(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)

	var kicked []Signal
	_, err = d.OnKickOut(func(s Signal) { kicked = append(kicked, s) })
	require.NoError(t, err)

	ft.handler.HandleSignal(SignalKickOut, Signal{Code: "banned"})
	require.Len(t, kicked, 1)
	assert.Equal(t, "banned", kicked[0].Code)
	assert.Equal(t, StateDisconnected, d.State())
	assert.Nil(t, d.Storage().GetData(false))
	assert.Equal(t, map[string]any{"a": 1}, keep.GetData(false))

	require.NoError(t, d.Connect(context.Background()))
	var closed int
	_, err = d.OnClose(func(Signal) { closed++ })
	require.NoError(t, err)
	ft.handler.HandleSignal(SignalClose, Signal{})
	assert.Equal(t, 1, closed)
	assert.Nil(t, keep.GetData(false))

	require.NoError(t, d.Connect(context.Background()))
	ft.handler.HandleSignal(SignalDisconnect, Signal{})
	assert.Equal(t, StateDisconnected, d.State())
}

func TestReloadSignalRunsInBackground(t *testing.T) {
	ft := newFakeTransport()
	d := newConnected(t, ft, Options{})
	_, err := d.Fetch(context.Background(), "x")
	require.NoError(t, err)
	ft.reloadData = func(input any) (any, error) { return input, nil }

	ft.handler.HandleSignal(SignalReload, Signal{})
	require.NoError(t, d.Close(context.Background()))
	resets, copies := ft.counts()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1, copies)
}
