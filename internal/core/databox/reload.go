package databox

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zeusync/databox/internal/core/databox/history"
	"github.com/zeusync/databox/internal/core/databox/reload"
	"github.com/zeusync/databox/internal/core/databox/storage"
	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/pkg/sequence"
)

// Reload rebuilds the storages from the fetch history. Passes never overlap;
// a call waits for the running one. When ctx ends first only the wait is
// abandoned. On failure the history is restored and no storage is touched.
func (d *Databox) Reload(ctx context.Context) error {
	return await(ctx, &d.wg, d.reload)
}

func (d *Databox) reloadInBackground(reason string) {
	d.logger.Info("Starting background reload", log.String("reason", reason))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.reload(context.Background()); err != nil {
			d.logger.Warn("Background reload failed", log.String("reason", reason), log.Error(err))
		}
	}()
}

func (d *Databox) reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	start := d.now()
	items := d.history.GetHistory()
	if len(items) == 0 {
		d.history.Commit()
		return nil
	}

	info, err := d.runReload(ctx, items)
	if err != nil {
		d.history.RollBack()
		d.metrics.observeReload(d.name, "error", d.now().Sub(start))
		d.logger.Warn("Reload failed, history restored", log.Int("history", len(items)), log.Error(err))
		return errors.Wrap(err, "reload failed")
	}

	info.Duration = d.now().Sub(start)
	d.metrics.observeReload(d.name, "ok", info.Duration)
	d.logger.Info("Reload finished",
		log.Int("snapshots", info.Snapshots),
		log.Int("missed", info.Missed),
		log.Duration("duration", info.Duration))
	d.publish(EventReload, info)
	return nil
}

// reloadSession records the fetches a strategy issues so they can become
// the new history.
type reloadSession struct {
	transport Transport
	mu        sync.Mutex
	fetched   []history.Item
}

func (r *reloadSession) fetch(ctx context.Context, input any) (*reload.FetchResult, error) {
	resp, err := r.transport.Fetch(ctx, SessionReload, input)
	if errors.Is(err, ErrNoMoreData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.fetched = append(r.fetched, history.Item{Counter: resp.Counter, Input: input, Data: resp.Data})
	r.mu.Unlock()
	return &reload.FetchResult{Counter: resp.Counter, Data: resp.Data}, nil
}

func (d *Databox) runReload(ctx context.Context, items []history.Item) (ReloadInfo, error) {
	d.mu.RLock()
	strategy := d.strategy
	rc := reload.Context{
		CurrentData:    d.raw.GetData(false),
		History:        items,
		ParallelFetch:  d.parallelFetch,
		DisconnectedAt: d.disconnectedAt,
	}
	d.mu.RUnlock()
	if strategy == nil {
		return ReloadInfo{}, ErrNotConnected
	}

	if err := d.transport.ResetReloadSession(ctx); err != nil {
		return ReloadInfo{}, errors.Wrap(err, "failed to reset the reload session")
	}

	session := &reloadSession{transport: d.transport}
	rc.ReloadFetch = session.fetch
	snapshots, err := strategy(ctx, rc)
	if err != nil {
		return ReloadInfo{}, err
	}

	// fetches that completed on the main session while the strategy ran
	missed := d.history.GetHistory()

	temp := storage.New(storage.Options{Name: d.name + ".reload", Logger: d.opts.Logger})
	present := sequence.From(snapshots).Filter(func(snapshot any) bool { return snapshot != nil })
	for snapshot := range present.Seq() {
		temp.AddData(storage.FetchData{Data: snapshot})
	}
	toFetchData := func(item history.Item) storage.FetchData {
		return storage.FetchData{Counter: item.Counter, Input: item.Input, Data: item.Data}
	}
	for fd := range sequence.Map(sequence.From(missed), toFetchData).Seq() {
		temp.AddData(fd)
	}

	if err = d.transport.CopyReloadSession(ctx); err != nil {
		return ReloadInfo{}, errors.Wrap(err, "failed to copy the reload session")
	}

	d.replaceStorages(temp)
	d.reseedHistory(session.fetched, missed)

	return ReloadInfo{Snapshots: len(snapshots), Missed: len(missed)}, nil
}

// replaceStorages copies the rebuilt tree into every storage whose data
// differs from it.
func (d *Databox) replaceStorages(temp *storage.Storage) {
	want, wantErr := temp.Fingerprint()
	head := temp.Snapshot()
	for _, s := range d.targets() {
		if wantErr == nil {
			if got, err := s.Fingerprint(); err == nil && got == want {
				continue
			}
		}
		if !s.ReloadHead(head) {
			d.logger.Debug("Storage refused reload", log.String("storage", s.Name()))
		}
	}
}

// reseedHistory replaces the drained history by the reload session's
// fetches, which now live on the main session, followed by the missed
// fetches renumbered after them.
func (d *Databox) reseedHistory(fetched, missed []history.Item) {
	d.history.Commit()

	fetched = sequence.From(fetched).
		Sort(func(a, b history.Item) bool { return a.Counter < b.Counter }).
		Collect()
	for _, item := range fetched {
		d.history.Push(item.Counter, item.Input, item.Data)
	}
	next := sequence.Reduce(sequence.From(fetched), int64(0), func(n int64, item history.Item) int64 {
		return max(n, item.Counter+1)
	})
	for _, item := range missed {
		d.history.Push(next, item.Input, item.Data)
		next++
	}
}
