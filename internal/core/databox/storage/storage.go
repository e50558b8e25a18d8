// Package storage wraps one component tree with policy middleware, change
// notifications and cud sequences.
package storage

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/zeusync/databox/internal/core/databox/tree"
	"github.com/zeusync/databox/internal/core/events/bus"
	"github.com/zeusync/databox/internal/core/observability/log"
)

// Options configure a Storage.
type Options struct {
	Name       string
	Middleware Middleware
	// CombineSeqEdits makes a cud sequence emit one touch and one change
	// event carrying the reasons of all its edits.
	CombineSeqEdits bool
	Logger          log.Log
	// Bus receives the storage events. A private bus is created when nil.
	Bus bus.EventBus
}

// Storage owns a component tree. All methods are safe for concurrent use;
// listeners run after the internal lock is released.
type Storage struct {
	name    string
	mw      Middleware
	combine bool
	logger  log.Log
	bus     bus.EventBus

	mu       sync.RWMutex
	head     *tree.Head
	settings map[string]*nodeSetting
	order    []string

	seqDepth   int
	seqTouched []Reason
	seqChanged []Reason
}

// nodeSetting is a comparator or merger bound to a selector. Settings
// survive tree replacement.
type nodeSetting struct {
	selector   tree.Selector
	comparator tree.Comparator
	merger     tree.ValueMerger
}

func New(opts Options) *Storage {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	return &Storage{
		name:     opts.Name,
		mw:       opts.Middleware,
		combine:  opts.CombineSeqEdits,
		logger:   logger.With(log.String("component", "storage"), log.String("storage", opts.Name)),
		bus:      b,
		head:     tree.NewHead(),
		settings: make(map[string]*nodeSetting),
	}
}

func (s *Storage) Name() string { return s.name }

// Insert applies an insert operation.
func (s *Storage) Insert(sel tree.Selector, value any, opts OpOptions) tree.ModifyLevel {
	return s.Apply(newOperation(OpInsert, sel, value, opts))
}

// Update applies an update operation.
func (s *Storage) Update(sel tree.Selector, value any, opts OpOptions) tree.ModifyLevel {
	return s.Apply(newOperation(OpUpdate, sel, value, opts))
}

// Delete applies a delete operation.
func (s *Storage) Delete(sel tree.Selector, opts OpOptions) tree.ModifyLevel {
	return s.Apply(newOperation(OpDelete, sel, nil, opts))
}

// Apply runs op through the middleware and the tree. Operations that are
// rejected or do not reach any node report LevelNothing.
func (s *Storage) Apply(op Operation) tree.ModifyLevel {
	if !s.mw.allowsOperation(op) {
		s.logger.Debug("cud operation rejected by middleware",
			log.String("type", op.Type.String()),
			log.String("selector", op.Selector.String()))
		return tree.LevelNothing
	}

	var n notifier
	s.mu.Lock()
	level := s.applyLocked(op, &n)
	s.mu.Unlock()

	s.publish(n)
	return level
}

// ApplyAll applies ops inside one cud sequence.
func (s *Storage) ApplyAll(ops []Operation) {
	s.StartCudSeq()
	defer s.EndCudSeq()
	for _, op := range ops {
		s.Apply(op)
	}
}

func (s *Storage) applyLocked(op Operation, n *notifier) tree.ModifyLevel {
	tok := tree.NewModifyToken(s.bus.Subscribers(EventDataChange) > 0)
	args := op.args()
	switch op.Type {
	case OpInsert:
		s.head.Insert(op.Selector, op.Value, args, tok)
	case OpUpdate:
		s.head.Update(op.Selector, op.Value, args, tok)
	case OpDelete:
		s.head.Delete(op.Selector, args, tok)
	}

	if !tok.Touched() {
		s.logger.Debug("cud operation ignored",
			log.String("type", op.Type.String()),
			log.String("selector", op.Selector.String()),
			log.Int64("timestamp", op.Timestamp))
		return tok.Level
	}

	s.applySettingsLocked()
	n.add(effectiveEvent(op.Type, tok.Potential), op)
	applied := op
	s.noteLocked(tok.Level, Reason{Kind: ReasonCud, Operation: &applied}, n)
	return tok.Level
}

// effectiveEvent maps a potential fallback to the action that actually ran.
func effectiveEvent(typ OpType, potential bool) string {
	switch typ {
	case OpInsert:
		if potential {
			return EventUpdate
		}
		return EventInsert
	case OpUpdate:
		if potential {
			return EventInsert
		}
		return EventUpdate
	default:
		return EventDelete
	}
}

func (s *Storage) noteLocked(level tree.ModifyLevel, r Reason, n *notifier) {
	if level == tree.LevelNothing {
		return
	}
	if s.combine && s.seqDepth > 0 {
		s.seqTouched = append(s.seqTouched, r)
		if level == tree.LevelChanged {
			s.seqChanged = append(s.seqChanged, r)
		}
		return
	}
	n.add(EventDataTouch, Change{Reasons: []Reason{r}})
	if level == tree.LevelChanged {
		n.add(EventDataChange, Change{Reasons: []Reason{r}})
	}
}

// StartCudSeq opens a cud sequence. Sequences nest; only the outermost
// EndCudSeq flushes.
func (s *Storage) StartCudSeq() {
	s.mu.Lock()
	s.seqDepth++
	s.mu.Unlock()
}

// EndCudSeq closes a cud sequence and, with CombineSeqEdits, emits the
// combined touch and change events.
func (s *Storage) EndCudSeq() {
	var n notifier
	s.mu.Lock()
	if s.seqDepth > 0 {
		s.seqDepth--
	}
	if s.seqDepth == 0 {
		if len(s.seqTouched) > 0 {
			n.add(EventDataTouch, Change{Reasons: s.seqTouched})
		}
		if len(s.seqChanged) > 0 {
			n.add(EventDataChange, Change{Reasons: s.seqChanged})
		}
		s.seqTouched, s.seqChanged = nil, nil
	}
	s.mu.Unlock()
	s.publish(n)
}

// Reload replaces the tree with raw when the DoReload policy passes.
func (s *Storage) Reload(raw any) bool {
	if !s.mw.DoReload.Allows(raw) {
		return false
	}
	s.replace(tree.ParseHead(raw, 0), ReasonReload)
	return true
}

// ReloadHead replaces the tree with a copy of h when the DoReload policy
// passes for its data.
func (s *Storage) ReloadHead(h *tree.Head) bool {
	if !s.mw.DoReload.Allows(h.Data()) {
		return false
	}
	s.replace(h.Clone().(*tree.Head), ReasonReload)
	return true
}

// CopyFrom replaces the tree with a deep copy of other's tree.
func (s *Storage) CopyFrom(other *Storage) {
	if other == s {
		return
	}
	s.replace(other.Snapshot(), ReasonCopy)
}

func (s *Storage) replace(h *tree.Head, kind ReasonKind) {
	var n notifier
	s.mu.Lock()
	old := s.head
	s.head = h
	s.applySettingsLocked()

	level := tree.LevelChanged
	if s.bus.Subscribers(EventDataChange) > 0 && old.Present() == h.Present() && tree.DeepEqual(old.Data(), h.Data()) {
		level = tree.LevelTouched
	}
	s.noteLocked(level, Reason{Kind: kind}, &n)
	s.mu.Unlock()
	s.publish(n)
}

// AddData merges a fetch result into the tree when DoAddFetchData passes.
func (s *Storage) AddData(fd FetchData) bool {
	if fd.Data == nil || !s.mw.DoAddFetchData.Allows(fd) {
		return false
	}

	var n notifier
	s.mu.Lock()
	changed := s.head.MergeWithNew(tree.ParseHead(fd.Data, fd.Timestamp))
	s.applySettingsLocked()
	level := tree.LevelTouched
	if changed {
		level = tree.LevelChanged
	}
	s.noteLocked(level, Reason{Kind: ReasonFetch}, &n)
	s.mu.Unlock()

	s.publish(n)
	return true
}

// Clear discards the tree.
func (s *Storage) Clear() {
	var n notifier
	s.mu.Lock()
	wasPresent := s.head.Present()
	s.head = tree.NewHead()
	s.applySettingsLocked()
	if wasPresent {
		s.noteLocked(tree.LevelChanged, Reason{Kind: ReasonClear}, &n)
	}
	s.mu.Unlock()
	s.publish(n)
}

// HandleClose clears the tree when the ClearOnClose policy passes.
func (s *Storage) HandleClose(sig Signal) bool {
	if !s.mw.ClearOnClose.Allows(sig) {
		return false
	}
	s.Clear()
	return true
}

// HandleKickOut clears the tree when the ClearOnKickOut policy passes.
func (s *Storage) HandleKickOut(sig Signal) bool {
	if !s.mw.ClearOnKickOut.Allows(sig) {
		return false
	}
	s.Clear()
	return true
}

// GetData returns the materialized replica. With direct set the live
// structure is returned and must not be mutated; otherwise a deep copy.
func (s *Storage) GetData(direct bool) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if direct {
		return s.head.Data()
	}
	return s.head.DataClone()
}

// Get returns a deep copy of the value addressed by sel.
func (s *Storage) Get(sel tree.Selector) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := tree.Resolve(s.head, sel)
	if !ok {
		return nil, false
	}
	if c, isComp := v.(tree.Component); isComp {
		return c.DataClone(), true
	}
	return v, true
}

// Snapshot returns a deep copy of the tree including timestamps.
func (s *Storage) Snapshot() *tree.Head {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head.Clone().(*tree.Head)
}

// Fingerprint hashes the canonical JSON encoding of the data. Equal data
// gives equal fingerprints since object keys are encoded sorted.
func (s *Storage) Fingerprint() (uint64, error) {
	s.mu.RLock()
	encoded, err := json.Marshal(s.head.Data())
	s.mu.RUnlock()
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode storage data")
	}
	return xxhash.Sum64(encoded), nil
}

// SetComparator keeps the keyed array at sel sorted by cmp, now and after
// every tree replacement. A nil cmp removes the setting.
func (s *Storage) SetComparator(sel tree.Selector, cmp tree.Comparator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setting := s.settingLocked(sel)
	setting.comparator = cmp
	if ka, ok := s.keyedArrayLocked(sel); ok {
		ka.SetComparator(cmp)
		s.head.Refresh(sel)
	}
}

// SetValueMerger installs m on the node at sel, now and after every tree
// replacement.
func (s *Storage) SetValueMerger(sel tree.Selector, m tree.ValueMerger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingLocked(sel).merger = m
	s.applySettingsLocked()
}

func (s *Storage) settingLocked(sel tree.Selector) *nodeSetting {
	key := sel.String()
	setting, ok := s.settings[key]
	if !ok {
		setting = &nodeSetting{selector: sel}
		s.settings[key] = setting
		s.order = append(s.order, key)
	}
	return setting
}

func (s *Storage) keyedArrayLocked(sel tree.Selector) (*tree.KeyedArray, bool) {
	c, ok := tree.ResolveComponent(s.head, sel)
	if !ok {
		return nil, false
	}
	ka, ok := c.(*tree.KeyedArray)
	return ka, ok
}

// applySettingsLocked installs remembered settings on nodes that lack them,
// e.g. after a replacement or an insert that created the node.
func (s *Storage) applySettingsLocked() {
	for _, key := range s.order {
		setting := s.settings[key]
		c, ok := tree.ResolveComponent(s.head, setting.selector)
		if !ok {
			continue
		}
		if setting.merger != nil {
			c.SetValueMerger(setting.merger)
		}
		if ka, isKeyed := c.(*tree.KeyedArray); isKeyed && setting.comparator != nil && !ka.HasComparator() {
			ka.SetComparator(setting.comparator)
			s.head.Refresh(setting.selector)
		}
	}
}

func (s *Storage) publish(n notifier) {
	for _, e := range n.events {
		if err := s.bus.Publish(bus.NewEvent(e.typ, s.name, e.data, nil)); err != nil {
			s.logger.Warn("storage listener failed", log.String("event", e.typ), log.Error(err))
		}
	}
}
