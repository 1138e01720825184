package sequence

import (
	"fmt"
	"strconv"

	"studio/server/internal/model"
)

const (
	animationSetFallback = "animations"
	videoBatchSet        = "video-batch"
	videoHistorySet      = "video-history"
)

func AnimationAssetID(itemID string) string { return "animation-" + itemID }

func ImageAssetID(setID string, index int) string {
	return fmt.Sprintf("image-%s-%d", setID, index)
}

// VideoAssetID is shared by the batch and history producers so the same
// video collapses to one asset.
func VideoAssetID(videoID string) string { return "video-" + videoID }

// BatchAssetID identifies a frame produced by a dispatcher run.
func BatchAssetID(runID, requestID string) string {
	return AnimationAssetID(runID + "-" + requestID)
}

// Collect builds the natural sequence from the producer snapshots: selected
// animation results, then every image set except the one mirroring the
// animation results, then the video batch, then video history. The first
// occurrence of an ID wins and Order runs 0..n-1 over the concatenation.
func Collect(out model.ProducerOutputs) []model.Asset {
	return collect(out, nil)
}

// collect is Collect with retained dispatcher results placed directly after
// the selected animation results.
func collect(out model.ProducerOutputs, retained []model.Asset) []model.Asset {
	c := collector{seen: map[string]bool{}}

	animSet := out.AnimationSetID
	if animSet == "" {
		animSet = animationSetFallback
	}
	for i, it := range out.Animations {
		if !it.Selected {
			continue
		}
		sid := itemID(it, i)
		c.add(model.Asset{
			ID:              AnimationAssetID(sid),
			Kind:            model.AssetAnimation,
			Title:           titleOr(it.Title, model.AssetAnimation, i),
			URL:             it.URL,
			ThumbnailURL:    it.ThumbnailURL,
			DurationSeconds: it.DurationSeconds,
			SourceLabel:     model.SourceAnimationGenerator,
			SourceID:        sid,
			SourceSetID:     animSet,
			SourceIndex:     i,
		})
	}
	for _, a := range retained {
		c.add(a)
	}

	for _, set := range out.ImageSets {
		if out.AnimationSetID != "" && set.ID == out.AnimationSetID {
			continue
		}
		for i, it := range set.Items {
			c.add(model.Asset{
				ID:           ImageAssetID(set.ID, i),
				Kind:         model.AssetImage,
				Title:        titleOr(it.Title, model.AssetImage, i),
				URL:          it.URL,
				ThumbnailURL: it.ThumbnailURL,
				SourceLabel:  model.SourceImageGenerator,
				SourceID:     it.ID,
				SourceSetID:  set.ID,
				SourceIndex:  i,
			})
		}
	}

	c.addVideos(out.VideoBatch, videoBatchSet, model.SourceVideoBatch)
	c.addVideos(out.VideoHistory, videoHistorySet, model.SourceVideoHistory)
	return c.assets
}

type collector struct {
	seen   map[string]bool
	assets []model.Asset
}

func (c *collector) add(a model.Asset) {
	if c.seen[a.ID] {
		return
	}
	c.seen[a.ID] = true
	if a.ThumbnailURL == "" {
		a.ThumbnailURL = a.URL
	}
	a.Order = len(c.assets)
	c.assets = append(c.assets, a)
}

func (c *collector) addVideos(items []model.ProducerItem, setID, label string) {
	for i, it := range items {
		id := VideoAssetID(it.ID)
		if it.ID == "" {
			id = fmt.Sprintf("video-%s-%d", setID, i)
		}
		c.add(model.Asset{
			ID:              id,
			Kind:            model.AssetVideo,
			Title:           titleOr(it.Title, model.AssetVideo, i),
			URL:             it.URL,
			ThumbnailURL:    it.ThumbnailURL,
			DurationSeconds: it.DurationSeconds,
			SourceLabel:     label,
			SourceID:        it.ID,
			SourceSetID:     setID,
			SourceIndex:     i,
		})
	}
}

func itemID(it model.ProducerItem, index int) string {
	if it.ID != "" {
		return it.ID
	}
	return strconv.Itoa(index)
}

func titleOr(title string, kind model.AssetKind, index int) string {
	if title != "" {
		return title
	}
	return fmt.Sprintf("%s %d", kind, index+1)
}
