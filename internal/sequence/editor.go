package sequence

import (
	"context"

	"studio/server/internal/model"
)

// RemoveResult describes what a Remove call did. The first call for an ID
// arms it; a second call for the same ID removes it.
type RemoveResult struct {
	Armed    bool   `json:"armed"`
	Removed  bool   `json:"removed"`
	Replaced string `json:"replaced,omitempty"`
	AssetID  string `json:"asset_id"`
}

type editFn func(cur []model.Asset) (next []model.Asset, changed bool)

// edit runs one editor operation under the write lock. Any editor operation
// disarms a pending removal.
func (s *Sequencer) edit(ctx context.Context, persist bool, fn editFn) ([]model.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""

	cur := *s.current.Load()
	next, changed := fn(cloneAssets(cur))
	if !changed {
		return cloneAssets(cur), false
	}
	renumber(next)
	s.publish(next)
	if persist {
		s.persist(ctx, next)
	}
	s.notify.SequenceChanged(ctx, BuildFinalSequence(next))
	return cloneAssets(next), true
}

// MoveUp swaps the asset at index with its predecessor.
func (s *Sequencer) MoveUp(ctx context.Context, index int) ([]model.Asset, bool) {
	return s.edit(ctx, true, func(cur []model.Asset) ([]model.Asset, bool) {
		if index <= 0 || index >= len(cur) {
			return cur, false
		}
		cur[index-1], cur[index] = cur[index], cur[index-1]
		return cur, true
	})
}

// MoveDown swaps the asset at index with its successor.
func (s *Sequencer) MoveDown(ctx context.Context, index int) ([]model.Asset, bool) {
	return s.edit(ctx, true, func(cur []model.Asset) ([]model.Asset, bool) {
		if index < 0 || index >= len(cur)-1 {
			return cur, false
		}
		cur[index], cur[index+1] = cur[index+1], cur[index]
		return cur, true
	})
}

// Reorder moves the asset at from so that it ends up at index to.
func (s *Sequencer) Reorder(ctx context.Context, from, to int) ([]model.Asset, bool) {
	return s.edit(ctx, true, func(cur []model.Asset) ([]model.Asset, bool) {
		return reorder(cur, from, to)
	})
}

func reorder(cur []model.Asset, from, to int) ([]model.Asset, bool) {
	n := len(cur)
	if from < 0 || from >= n || to < 0 || to >= n || from == to {
		return cur, false
	}
	moved := cur[from]
	next := make([]model.Asset, 0, n)
	next = append(next, cur[:from]...)
	next = append(next, cur[from+1:]...)
	next = append(next[:to], append([]model.Asset{moved}, next[to:]...)...)
	return next, true
}

// Remove arms assetID on the first call and removes it on a confirming second
// call. Arming a different ID replaces the pending one.
func (s *Sequencer) Remove(ctx context.Context, assetID string) (RemoveResult, []model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.current.Load()
	idx := -1
	for i, a := range cur {
		if a.ID == assetID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.pending = ""
		return RemoveResult{AssetID: assetID}, cloneAssets(cur), ErrAssetNotFound
	}

	if s.pending != assetID {
		res := RemoveResult{Armed: true, AssetID: assetID, Replaced: s.pending}
		s.pending = assetID
		return res, cloneAssets(cur), nil
	}

	s.pending = ""
	s.removed[assetID] = struct{}{}
	next := make([]model.Asset, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	renumber(next)
	s.publish(next)
	s.persist(ctx, next)
	s.notify.SequenceChanged(ctx, BuildFinalSequence(next))
	return RemoveResult{Removed: true, AssetID: assetID}, cloneAssets(next), nil
}

// CancelRemove disarms a pending removal.
func (s *Sequencer) CancelRemove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
}

// RemoveByKind drops every asset of kind without confirmation.
func (s *Sequencer) RemoveByKind(ctx context.Context, kind model.AssetKind) ([]model.Asset, bool) {
	return s.edit(ctx, true, func(cur []model.Asset) ([]model.Asset, bool) {
		next := cur[:0]
		for _, a := range cur {
			if a.Kind == kind {
				s.removed[a.ID] = struct{}{}
				continue
			}
			next = append(next, a)
		}
		return next, len(next) != len(cur)
	})
}

// ClearAll empties the sequence, deletes the stored override (rather than
// saving an empty one) and resets animation selection and retained batch
// results. Everything the producers still emit stays out until they stop
// emitting it.
func (s *Sequencer) ClearAll(ctx context.Context) []model.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
	for id := range s.lastCollected {
		s.removed[id] = struct{}{}
	}
	for _, a := range *s.current.Load() {
		s.removed[a.ID] = struct{}{}
	}

	anims := make([]model.ProducerItem, len(s.producers.Animations))
	for i, it := range s.producers.Animations {
		it.Selected = false
		anims[i] = it
	}
	s.producers.Animations = anims
	s.retained = nil

	next := []model.Asset{}
	s.publish(next)
	s.clearStored(ctx)
	s.notify.SequenceChanged(ctx, BuildFinalSequence(next))
	return []model.Asset{}
}

// Shuffle randomizes the order uniformly. It notifies downstream but does not
// persist, so a reload restores the last saved arrangement.
func (s *Sequencer) Shuffle(ctx context.Context) ([]model.Asset, bool) {
	return s.edit(ctx, false, func(cur []model.Asset) ([]model.Asset, bool) {
		if len(cur) < 2 {
			return cur, false
		}
		s.rng.Shuffle(len(cur), func(i, j int) { cur[i], cur[j] = cur[j], cur[i] })
		return cur, true
	})
}
