// Package databox keeps a local replica of a server-owned databox in sync:
// it connects through a Transport, folds fetches and cud packages into its
// storages and rebuilds them with a reload strategy when updates were missed.
package databox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/zeusync/databox/internal/core/databox/history"
	"github.com/zeusync/databox/internal/core/databox/reload"
	"github.com/zeusync/databox/internal/core/databox/storage"
	"github.com/zeusync/databox/internal/core/events/bus"
	"github.com/zeusync/databox/internal/core/observability/log"
)

// Options configures a Databox.
type Options struct {
	Name      string
	Transport Transport
	// Registry resolves the reload strategy named by the server. Defaults
	// to reload.DefaultRegistry().
	Registry *reload.Registry
	// Strategy overrides the strategy chosen by the server when set.
	Strategy        string
	StrategyOptions map[string]any
	// ParallelFetch allows reload strategies to fetch concurrently. The
	// server may enable it on registration too.
	ParallelFetch   bool
	CombineSeqEdits bool
	Logger          log.Log
	Bus             bus.EventBus
	Metrics         *Metrics
	Now             func() time.Time
}

// Databox coordinates one server databox with its local storages.
type Databox struct {
	name      string
	transport Transport
	registry  *reload.Registry
	opts      Options
	logger    log.Log
	bus       bus.EventBus
	metrics   *Metrics
	now       func() time.Time

	state   *fsm.FSM
	history *history.Manager
	raw     *storage.Storage

	mu             sync.RWMutex
	storages       []*storage.Storage
	lastCudID      string
	registered     bool
	strategy       reload.Strategy
	parallelFetch  bool
	disconnectedAt time.Time
	stopListen     func()

	// reloadMu chains reload passes.
	reloadMu sync.Mutex
	wg       sync.WaitGroup
}

var _ Handler = (*Databox)(nil)

func New(opts Options) (*Databox, error) {
	if opts.Transport == nil {
		return nil, ErrNilTransport
	}
	if opts.Registry == nil {
		opts.Registry = reload.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := opts.Logger.With(log.String("component", "databox"), log.String("databox", opts.Name))
	d := &Databox{
		name:      opts.Name,
		transport: opts.Transport,
		registry:  opts.Registry,
		opts:      opts,
		logger:    logger,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		now:       opts.Now,
		state:     newStateMachine(logger),
		history:   history.New(),
		raw: storage.New(storage.Options{
			Name:            opts.Name,
			CombineSeqEdits: opts.CombineSeqEdits,
			Logger:          opts.Logger,
		}),
	}
	d.bus.AddObserver(&busObserver{name: opts.Name, metrics: opts.Metrics})
	return d, nil
}

func (d *Databox) Name() string { return d.name }

// Storage returns the raw storage that mirrors every fetch and cud package.
func (d *Databox) Storage() *storage.Storage { return d.raw }

// Connect registers with the server and starts listening for cud packages.
// When ctx ends first only the wait is abandoned; the registration goes on.
func (d *Databox) Connect(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	if err := d.transition(eventConnect); err != nil {
		return ErrConnecting
	}
	return await(ctx, &d.wg, d.connect)
}

func (d *Databox) connect(ctx context.Context) error {
	d.logger.Info("Connecting to databox")

	reg, err := d.transport.Register(ctx)
	if err != nil {
		_ = d.transition(eventFail)
		return errors.Wrap(err, "failed to connect to the Databox")
	}

	name, options := reg.Strategy, reg.StrategyOptions
	if d.opts.Strategy != "" {
		name, options = d.opts.Strategy, d.opts.StrategyOptions
	}
	if name == "" {
		name = reload.HistoryName
	}
	strategy, err := d.registry.Build(name, options)
	if err != nil {
		_ = d.transition(eventFail)
		return errors.Wrap(err, "failed to connect to the Databox")
	}

	stop := d.transport.Listen(d)

	d.mu.Lock()
	reconnect := d.registered
	missed := reconnect && reg.CudID != d.lastCudID
	d.lastCudID = reg.CudID
	d.registered = true
	d.strategy = strategy
	d.parallelFetch = d.opts.ParallelFetch || reg.ParallelFetch
	d.stopListen = stop
	d.mu.Unlock()

	if err = d.transition(eventRegistered); err != nil {
		stop()
		return errors.Wrap(err, "failed to connect to the Databox")
	}

	d.logger.Info("Connected to databox",
		log.String("cud_id", reg.CudID),
		log.String("strategy", name),
		log.Bool("reconnect", reconnect))
	d.publish(EventConnect, ConnectInfo{CudID: reg.CudID, Reconnect: reconnect})

	if missed {
		d.reloadInBackground("cud id changed while disconnected")
	}
	return nil
}

// Disconnect unregisters from the server and stops listening. The
// disconnect time is kept for the time window reload strategy.
func (d *Databox) Disconnect(ctx context.Context) error {
	if !d.IsConnected() {
		return nil
	}
	err := d.transport.Unregister(ctx)
	d.drop()
	if err != nil {
		return errors.Wrap(err, "failed to unregister from the Databox")
	}
	return nil
}

func (d *Databox) drop() {
	if d.transition(eventDrop) != nil {
		return
	}
	at := d.now()
	d.mu.Lock()
	stop := d.stopListen
	d.stopListen = nil
	d.disconnectedAt = at
	d.mu.Unlock()
	if stop != nil {
		stop()
	}

	d.logger.Info("Disconnected from databox")
	d.publish(EventDisconnect, at)
}

// Close disconnects and waits for background reloads to finish.
func (d *Databox) Close(ctx context.Context) error {
	err := d.Disconnect(ctx)
	d.wg.Wait()
	return err
}

// Fetch fetches on the main session and folds the result into the raw
// storage and every attached storage.
func (d *Databox) Fetch(ctx context.Context, input any) (any, error) {
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}

	resp, err := d.transport.Fetch(ctx, SessionMain, input)
	if err != nil {
		d.metrics.Fetches.WithLabelValues(d.name, "error").Inc()
		return nil, errors.Wrap(err, "fetch failed")
	}
	d.metrics.Fetches.WithLabelValues(d.name, "ok").Inc()

	d.history.Push(resp.Counter, input, resp.Data)
	fd := storage.FetchData{
		Counter:   resp.Counter,
		Input:     input,
		Data:      resp.Data,
		Timestamp: d.now().UnixMilli(),
	}
	for _, s := range d.targets() {
		s.AddData(fd)
	}

	d.publish(EventNewData, NewData{Counter: resp.Counter, Input: input, Data: resp.Data})
	return resp.Data, nil
}

// CheckCudID compares the last received cud id with the server's. A
// mismatch starts a reload in the background and is reported as true.
func (d *Databox) CheckCudID(ctx context.Context) (bool, error) {
	if !d.IsConnected() {
		return false, ErrNotConnected
	}
	id, err := d.transport.LastCudID(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to get the last cud id")
	}

	d.mu.Lock()
	mismatch := id != d.lastCudID
	d.lastCudID = id
	d.mu.Unlock()

	if mismatch {
		d.reloadInBackground("cud id mismatch")
	}
	return mismatch, nil
}

// LastCudID returns the id of the last applied cud package.
func (d *Databox) LastCudID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastCudID
}

// AttachStorage copies the raw data into s and keeps it updated from now on.
func (d *Databox) AttachStorage(s *storage.Storage) error {
	d.mu.Lock()
	if slices.Contains(d.storages, s) {
		d.mu.Unlock()
		return ErrStorageAttached
	}
	d.storages = append(d.storages, s)
	d.mu.Unlock()

	s.CopyFrom(d.raw)
	return nil
}

func (d *Databox) DetachStorage(s *storage.Storage) {
	d.mu.Lock()
	d.storages = slices.DeleteFunc(d.storages, func(cur *storage.Storage) bool { return cur == s })
	d.mu.Unlock()
}

// targets returns the raw storage followed by the attached storages.
func (d *Databox) targets() []*storage.Storage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*storage.Storage, 0, len(d.storages)+1)
	out = append(out, d.raw)
	return append(out, d.storages...)
}

// ApplyAll applies local operations to every storage.
func (d *Databox) ApplyAll(ops []storage.Operation) {
	for _, s := range d.targets() {
		s.ApplyAll(ops)
	}
}

// Seq starts a local cud sequence that commits into every storage.
func (d *Databox) Seq() *storage.Seq {
	return storage.NewSeq(d)
}

// HandleCud applies a pushed cud package. It is applied right away even
// while a reload is running.
func (d *Databox) HandleCud(pkg CudPackage) {
	d.mu.Lock()
	d.lastCudID = pkg.CudID
	d.mu.Unlock()

	d.ApplyAll(pkg.Operations)

	d.metrics.CudPackages.WithLabelValues(d.name).Inc()
	for _, op := range pkg.Operations {
		d.metrics.CudOperations.WithLabelValues(d.name, op.Type.String()).Inc()
	}
	d.logger.Debug("Applied cud package",
		log.String("cud_id", pkg.CudID),
		log.Int("operations", len(pkg.Operations)))
	d.publish(EventCud, pkg)
}

func (d *Databox) HandleSignal(kind SignalKind, sig Signal) {
	d.logger.Debug("Received signal", log.String("signal", kind.String()), log.Any("code", sig.Code))

	switch kind {
	case SignalClose:
		for _, s := range d.targets() {
			s.HandleClose(sig)
		}
		d.drop()
		d.publish(EventClose, sig)
	case SignalKickOut:
		for _, s := range d.targets() {
			s.HandleKickOut(sig)
		}
		d.drop()
		d.publish(EventKickOut, sig)
	case SignalReload:
		d.reloadInBackground("requested by server")
	case SignalDisconnect:
		d.drop()
	default:
		d.logger.Warn("Unknown signal", log.Int("kind", int(kind)))
	}
}

// await runs fn detached from ctx cancellation and waits for it or ctx,
// whichever ends first.
func await(ctx context.Context, wg *sync.WaitGroup, fn func(context.Context) error) error {
	done := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		done <- fn(context.WithoutCancel(ctx))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
