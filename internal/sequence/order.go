package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"studio/server/internal/model"
)

// OrderKey is the kv key holding the persisted CustomOrder.
const OrderKey = "sequence.custom_order"

// OrderTTL bounds how long a saved CustomOrder is honoured.
const OrderTTL = 24 * time.Hour

var errEmptyOrder = errors.New("custom order has no saved timestamp")

func NewCustomOrder(assets []model.Asset, now time.Time) model.CustomOrder {
	entries := make([]model.OrderEntry, 0, len(assets))
	for _, a := range assets {
		entries = append(entries, model.OrderEntry{AssetID: a.ID, Order: a.Order})
	}
	return model.CustomOrder{Entries: entries, SavedAtEpochMillis: now.UnixMilli()}
}

func EncodeCustomOrder(co model.CustomOrder) (string, error) {
	raw, err := json.Marshal(co)
	if err != nil {
		return "", fmt.Errorf("encode custom order: %w", err)
	}
	return string(raw), nil
}

func DecodeCustomOrder(raw string) (model.CustomOrder, error) {
	var co model.CustomOrder
	if err := json.Unmarshal([]byte(raw), &co); err != nil {
		return model.CustomOrder{}, fmt.Errorf("decode custom order: %w", err)
	}
	if co.SavedAtEpochMillis <= 0 {
		return model.CustomOrder{}, errEmptyOrder
	}
	return co, nil
}

// Expired reports whether co was saved more than OrderTTL before now.
func Expired(co model.CustomOrder, now time.Time) bool {
	saved := time.UnixMilli(co.SavedAtEpochMillis)
	return now.Sub(saved) > OrderTTL
}

// ApplyStoredOrder overwrites Order for every asset the override mentions and
// sorts ascending, ties keeping input position. A nil or expired override
// leaves the input order untouched. Applying the same override twice gives
// the same result as applying it once.
func ApplyStoredOrder(assets []model.Asset, co *model.CustomOrder, now time.Time) []model.Asset {
	out := cloneAssets(assets)
	if co == nil || Expired(*co, now) {
		return out
	}
	byID := make(map[string]int, len(co.Entries))
	for _, e := range co.Entries {
		byID[e.AssetID] = e.Order
	}
	for i := range out {
		if v, ok := byID[out[i].ID]; ok {
			out[i].Order = v
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// BuildFinalSequence derives the downstream notification for the video
// assembly step.
func BuildFinalSequence(assets []model.Asset) model.FinalSequence {
	fs := model.FinalSequence{
		Entries:     make([]model.SequenceEntry, 0, len(assets)),
		VideoIDs:    []string{},
		VisualOrder: []string{},
	}
	for _, a := range assets {
		fs.Entries = append(fs.Entries, model.SequenceEntry{ID: a.ID, Kind: a.Kind, Order: a.Order})
		if a.Kind == model.AssetVideo {
			// ID-less producer videos fall back to the asset ID.
			vid := a.SourceID
			if vid == "" {
				vid = a.ID
			}
			fs.VideoIDs = append(fs.VideoIDs, vid)
			continue
		}
		fs.VisualOrder = append(fs.VisualOrder, fmt.Sprintf("%s:%d", a.SourceSetID, a.SourceIndex))
	}
	return fs
}

func renumber(assets []model.Asset) {
	for i := range assets {
		assets[i].Order = i
	}
}

func cloneAssets(in []model.Asset) []model.Asset {
	out := make([]model.Asset, len(in))
	copy(out, in)
	return out
}
