package api

import (
	"errors"
	"net/http"

	"studio/server/internal/batch"
	"studio/server/internal/model"

	"github.com/gin-gonic/gin"
)

// Reference assets travel as base64 strings, which encoding/json maps onto
// []byte.
type batchRequestItem struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Prompt          string   `json:"prompt" binding:"required"`
	ReferenceAssets [][]byte `json:"reference_assets"`
}

type startBatchRequest struct {
	Requests        []batchRequestItem `json:"requests" binding:"dive"`
	ReferenceAssets [][]byte           `json:"reference_assets"`
}

func (s *Server) startBatch(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req startBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid batch payload", false, nil)
		return
	}
	in := batch.StartInput{ReferenceAssets: req.ReferenceAssets}
	for _, it := range req.Requests {
		in.Requests = append(in.Requests, model.GenerationRequest{
			ID:              it.ID,
			Title:           it.Title,
			Prompt:          it.Prompt,
			ReferenceAssets: it.ReferenceAssets,
		})
	}

	run, err := s.batches.Start(c.Request.Context(), in)
	if err != nil {
		writeBatchError(c, err)
		return
	}
	writeData(c, http.StatusCreated, run)
}

func (s *Server) listBatches(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{"runs": s.batches.List()})
}

func (s *Server) getBatch(c *gin.Context) {
	run, err := s.batches.Get(c.Param("run_id"))
	if err != nil {
		writeBatchError(c, err)
		return
	}
	writeData(c, http.StatusOK, run)
}

func (s *Server) cancelBatch(c *gin.Context) {
	run, err := s.batches.Cancel(c.Param("run_id"))
	if err != nil {
		writeBatchError(c, err)
		return
	}
	writeData(c, http.StatusOK, run)
}

func (s *Server) streamBatchEvents(c *gin.Context) {
	runID := c.Param("run_id")
	sub, unsubscribe, err := s.batches.Subscribe(runID)
	if err != nil {
		writeBatchError(c, err)
		return
	}
	defer unsubscribe()

	fromSeq := resumeSeq(c)
	backlog, finished, err := s.batches.Replay(runID, fromSeq)
	if err != nil {
		writeBatchError(c, err)
		return
	}
	streamEvents(c, backlog, sub, fromSeq, finished)
}

func writeBatchError(c *gin.Context, err error) {
	var verr *batch.ValidationError
	switch {
	case errors.Is(err, batch.ErrRunNotFound):
		writeError(c, http.StatusNotFound, "RUN_NOT_FOUND", "Batch run not found", false, nil)
	case errors.Is(err, batch.ErrTooManyRuns):
		writeError(c, http.StatusTooManyRequests, "TOO_MANY_RUNS", "Too many running batches", true, nil)
	case errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, validationCode(verr.Err), verr.Error(), false, nil)
	default:
		writeError(c, http.StatusInternalServerError, "BATCH_FAILED", "Batch operation failed", true, nil)
	}
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, batch.ErrNoRequests):
		return "NO_REQUESTS"
	case errors.Is(err, batch.ErrNoReferenceAssets):
		return "NO_REFERENCE_ASSETS"
	case errors.Is(err, batch.ErrDuplicateRequest):
		return "DUPLICATE_REQUEST"
	}
	return "INVALID_REQUEST"
}
