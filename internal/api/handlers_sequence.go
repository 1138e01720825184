package api

import (
	"errors"
	"net/http"
	"time"

	"studio/server/internal/events"
	"studio/server/internal/model"
	"studio/server/internal/sequence"

	"github.com/gin-gonic/gin"
)

func (s *Server) getSequence(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"assets":          s.seq.Snapshot(),
		"pending_removal": s.seq.PendingRemoval(),
	})
}

func (s *Server) putProducers(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req model.ProducerOutputs
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid producer payload", false, nil)
		return
	}
	assets := s.seq.Refresh(c.Request.Context(), req)
	writeData(c, http.StatusOK, gin.H{"assets": assets})
}

func (s *Server) getFinalSequence(c *gin.Context) {
	writeData(c, http.StatusOK, s.seq.Final())
}

func (s *Server) getStoredOrder(c *gin.Context) {
	co, ok := s.seq.StoredOrder(c.Request.Context())
	if !ok {
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "No stored order", false, nil)
		return
	}
	writeData(c, http.StatusOK, co)
}

func (s *Server) clearStoredOrder(c *gin.Context) {
	s.seq.ClearStoredOrder(c.Request.Context())
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

type indexRequest struct {
	Index *int `json:"index" binding:"required"`
}

func (s *Server) moveUp(c *gin.Context) {
	var req indexRequest
	if !bindEdit(c, &req) {
		return
	}
	assets, changed := s.seq.MoveUp(c.Request.Context(), *req.Index)
	writeEdit(c, assets, changed)
}

func (s *Server) moveDown(c *gin.Context) {
	var req indexRequest
	if !bindEdit(c, &req) {
		return
	}
	assets, changed := s.seq.MoveDown(c.Request.Context(), *req.Index)
	writeEdit(c, assets, changed)
}

type reorderRequest struct {
	From *int `json:"from" binding:"required"`
	To   *int `json:"to" binding:"required"`
}

func (s *Server) reorder(c *gin.Context) {
	var req reorderRequest
	if !bindEdit(c, &req) {
		return
	}
	assets, changed := s.seq.Reorder(c.Request.Context(), *req.From, *req.To)
	writeEdit(c, assets, changed)
}

type removeRequest struct {
	AssetID string `json:"asset_id" binding:"required"`
}

// remove arms the asset on the first call and removes it on the second.
func (s *Server) remove(c *gin.Context) {
	var req removeRequest
	if !bindEdit(c, &req) {
		return
	}
	markAsset(c, req.AssetID)
	res, assets, err := s.seq.Remove(c.Request.Context(), req.AssetID)
	if err != nil {
		if errors.Is(err, sequence.ErrAssetNotFound) {
			writeError(c, http.StatusNotFound, "ASSET_NOT_FOUND", "Asset not in sequence", false, map[string]any{"asset_id": req.AssetID})
			return
		}
		writeError(c, http.StatusInternalServerError, "REMOVE_FAILED", "Failed to remove asset", false, nil)
		return
	}
	status := http.StatusOK
	if res.Armed {
		status = http.StatusAccepted
	}
	writeData(c, status, gin.H{
		"result": res,
		"assets": assets,
	})
}

func (s *Server) cancelRemove(c *gin.Context) {
	s.seq.CancelRemove()
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

type removeKindRequest struct {
	Kind model.AssetKind `json:"kind" binding:"required"`
}

func (s *Server) removeKind(c *gin.Context) {
	var req removeKindRequest
	if !bindEdit(c, &req) {
		return
	}
	if !req.Kind.Valid() {
		writeError(c, http.StatusBadRequest, "INVALID_KIND", "kind must be animation, image or video", false, nil)
		return
	}
	assets, changed := s.seq.RemoveByKind(c.Request.Context(), req.Kind)
	writeEdit(c, assets, changed)
}

func (s *Server) clearAll(c *gin.Context) {
	assets := s.seq.ClearAll(c.Request.Context())
	writeEdit(c, assets, true)
}

func (s *Server) shuffle(c *gin.Context) {
	assets, changed := s.seq.Shuffle(c.Request.Context())
	writeEdit(c, assets, changed)
}

// streamSequenceEvents starts with the retained sequence_changed event. Before
// the first change there is none, so the current state goes out as Seq 0.
func (s *Server) streamSequenceEvents(c *gin.Context) {
	sub, unsubscribe := s.hub.Subscribe(events.TopicSequence, 64)
	defer unsubscribe()

	var backlog []model.Event
	if _, ok := s.hub.Last(events.TopicSequence); !ok {
		backlog = append(backlog, model.Event{
			Topic:   events.TopicSequence,
			Type:    model.EventSequenceChanged,
			TS:      time.Now().UTC(),
			Payload: map[string]any{"sequence": s.seq.Final()},
		})
	}
	streamEvents(c, backlog, sub, -1, false)
}

func bindEdit(c *gin.Context, req any) bool {
	if !requireJSON(c) {
		return false
	}
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid edit payload", false, nil)
		return false
	}
	return true
}

func writeEdit(c *gin.Context, assets []model.Asset, changed bool) {
	writeData(c, http.StatusOK, gin.H{
		"assets":  assets,
		"changed": changed,
	})
}
