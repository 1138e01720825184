package sequence

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"studio/server/internal/kv"
	"studio/server/internal/model"
	"studio/server/internal/telemetry"
)

var ErrAssetNotFound = errors.New("asset not found")

// Notifier receives the final sequence after every change of membership or
// order.
type Notifier interface {
	SequenceChanged(ctx context.Context, seq model.FinalSequence)
}

type NotifierFunc func(ctx context.Context, seq model.FinalSequence)

func (f NotifierFunc) SequenceChanged(ctx context.Context, seq model.FinalSequence) { f(ctx, seq) }

// Sequencer owns the aggregated asset list. Every mutation takes mu, so an
// editor action and a batch merge never interleave; readers load the last
// published slice without locking and must treat it as read-only.
type Sequencer struct {
	mu     sync.Mutex
	store  kv.Store
	notify Notifier
	log    *telemetry.Logger
	now    func() time.Time
	rng    *rand.Rand

	producers     model.ProducerOutputs
	retained      []model.Asset
	lastCollected map[string]struct{}
	removed       map[string]struct{}
	pending       string

	current atomic.Pointer[[]model.Asset]
}

func NewSequencer(store kv.Store, notify Notifier, logger *telemetry.Logger) *Sequencer {
	if notify == nil {
		notify = NotifierFunc(func(context.Context, model.FinalSequence) {})
	}
	s := &Sequencer{
		store:         store,
		notify:        notify,
		log:           logger.With("component", "Sequencer"),
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		lastCollected: map[string]struct{}{},
		removed:       map[string]struct{}{},
	}
	empty := []model.Asset{}
	s.current.Store(&empty)
	return s
}

// Snapshot returns the current ordered list.
func (s *Sequencer) Snapshot() []model.Asset {
	return cloneAssets(*s.current.Load())
}

func (s *Sequencer) Final() model.FinalSequence {
	return BuildFinalSequence(*s.current.Load())
}

// PendingRemoval returns the asset ID armed for removal, if any.
func (s *Sequencer) PendingRemoval() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Refresh re-collects from the producers. When the producer data yields the
// same asset IDs as last time, the current arrangement is kept and only
// display fields are refreshed. When the IDs changed and a valid override is
// stored, the in-memory arrangement is carried over: vanished IDs drop out and
// new ones are placed by the override or their natural rank. Without an
// override the natural collected order is used. Assets the user removed stay
// removed for as long as a producer keeps emitting them.
func (s *Sequencer) Refresh(ctx context.Context, out model.ProducerOutputs) []model.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.producers = out
	collected := collect(out, s.retained)
	ids := idSet(collected)
	for id := range s.removed {
		if _, ok := ids[id]; !ok {
			delete(s.removed, id)
		}
	}

	if sameIDs(ids, s.lastCollected) {
		next := refreshFields(*s.current.Load(), collected)
		s.publish(next)
		return cloneAssets(next)
	}

	var next []model.Asset
	if co, ok := s.loadOrder(ctx); ok {
		next = s.carryOver(*s.current.Load(), collected, co)
	} else {
		next = s.withoutRemoved(collected)
	}
	renumber(next)
	s.lastCollected = ids
	if s.pending != "" {
		if _, ok := idSet(next)[s.pending]; !ok {
			s.pending = ""
		}
	}
	s.publish(next)
	s.notify.SequenceChanged(ctx, BuildFinalSequence(next))
	return cloneAssets(next)
}

// carryOver keeps cur's arrangement with fresh display fields, then inserts
// the IDs that are new since the last collection. Each new asset goes to its
// override position, or its natural rank when the override does not name it.
func (s *Sequencer) carryOver(cur, collected []model.Asset, co model.CustomOrder) []model.Asset {
	next := refreshFields(cur, collected)
	have := idSet(next)
	rank := make(map[string]int, len(co.Entries))
	for _, e := range co.Entries {
		rank[e.AssetID] = e.Order
	}

	var added []model.Asset
	for _, a := range collected {
		if _, ok := have[a.ID]; ok {
			continue
		}
		if _, ok := s.lastCollected[a.ID]; ok {
			continue
		}
		if _, ok := s.removed[a.ID]; ok {
			continue
		}
		if v, ok := rank[a.ID]; ok {
			a.Order = v
		}
		added = append(added, a)
	}
	sort.SliceStable(added, func(i, j int) bool { return added[i].Order < added[j].Order })
	for _, a := range added {
		at := min(max(a.Order, 0), len(next))
		next = append(next, model.Asset{})
		copy(next[at+1:], next[at:])
		next[at] = a
	}
	return next
}

func (s *Sequencer) withoutRemoved(collected []model.Asset) []model.Asset {
	next := make([]model.Asset, 0, len(collected))
	for _, a := range collected {
		if _, ok := s.removed[a.ID]; !ok {
			next = append(next, a)
		}
	}
	return next
}

// refreshFields keeps cur's order and membership, taking display fields from
// collected. Assets no longer collected drop out.
func refreshFields(cur, collected []model.Asset) []model.Asset {
	byID := make(map[string]model.Asset, len(collected))
	for _, a := range collected {
		byID[a.ID] = a
	}
	next := make([]model.Asset, 0, len(cur))
	for _, a := range cur {
		if fresh, ok := byID[a.ID]; ok {
			fresh.Order = a.Order
			next = append(next, fresh)
		}
	}
	return next
}

// PersistOrder saves the current (id, order) pairs with a fresh timestamp.
func (s *Sequencer) PersistOrder(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist(ctx, *s.current.Load())
}

// ClearStoredOrder deletes the persisted override. The natural order applies
// from the next re-collection on.
func (s *Sequencer) ClearStoredOrder(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearStored(ctx)
}

// StoredOrder returns the persisted override if one exists and has not
// expired.
func (s *Sequencer) StoredOrder(ctx context.Context) (model.CustomOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadOrder(ctx)
}

// MergeBatch appends dispatcher results in one step with one persistence
// write. Results are retained so later re-collections keep them.
func (s *Sequencer) MergeBatch(ctx context.Context, results []model.Asset) []model.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.current.Load()
	seen := idSet(cur)
	next := cloneAssets(cur)
	added := 0
	for _, a := range results {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		if a.ThumbnailURL == "" {
			a.ThumbnailURL = a.URL
		}
		a.Order = len(next)
		next = append(next, a)
		s.retained = append(s.retained, a)
		added++
	}
	if added == 0 {
		return cloneAssets(cur)
	}
	s.lastCollected = idSet(collect(s.producers, s.retained))
	s.publish(next)
	s.persist(ctx, next)
	s.notify.SequenceChanged(ctx, BuildFinalSequence(next))
	s.log.Info("batch merged", "added", added, "total", len(next))
	return cloneAssets(next)
}

func (s *Sequencer) publish(next []model.Asset) {
	s.current.Store(&next)
}

func (s *Sequencer) persist(ctx context.Context, assets []model.Asset) {
	if s.store == nil {
		return
	}
	raw, err := EncodeCustomOrder(NewCustomOrder(assets, s.now()))
	if err != nil {
		s.log.Warn("custom order encode failed", "error", err)
		return
	}
	if err := s.store.Set(ctx, OrderKey, raw); err != nil {
		s.log.Warn("custom order write failed", "error", err)
	}
}

func (s *Sequencer) clearStored(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Remove(ctx, OrderKey); err != nil {
		s.log.Warn("custom order delete failed", "error", err)
	}
}

func (s *Sequencer) loadOrder(ctx context.Context) (model.CustomOrder, bool) {
	if s.store == nil {
		return model.CustomOrder{}, false
	}
	raw, ok, err := s.store.Get(ctx, OrderKey)
	if err != nil {
		s.log.Warn("custom order read failed", "error", err)
		return model.CustomOrder{}, false
	}
	if !ok {
		return model.CustomOrder{}, false
	}
	co, err := DecodeCustomOrder(raw)
	if err != nil {
		s.log.Warn("custom order corrupt, ignoring", "error", err)
		return model.CustomOrder{}, false
	}
	if Expired(co, s.now()) {
		return model.CustomOrder{}, false
	}
	return co, true
}

func idSet(assets []model.Asset) map[string]struct{} {
	out := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		out[a.ID] = struct{}{}
	}
	return out
}

func sameIDs(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
