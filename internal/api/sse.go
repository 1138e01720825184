package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"studio/server/internal/model"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 15 * time.Second

// streamEvents writes backlog and then live events until the client goes
// away or the subscription closes. Live events at or below the last written
// Seq are skipped, since the subscription is opened before the backlog is
// read. When finished is set the backlog is all there is.
func streamEvents(c *gin.Context, backlog []model.Event, sub <-chan model.Event, lastSeq int64, finished bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}
	c.Status(http.StatusOK)

	for _, evt := range backlog {
		if evt.Seq <= lastSeq {
			continue
		}
		writeSSE(c, evt)
		lastSeq = evt.Seq
		if isTerminal(evt.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()
	if finished {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			writeSSE(c, evt)
			lastSeq = evt.Seq
			flusher.Flush()
			if isTerminal(evt.Type) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func isTerminal(t model.EventType) bool {
	return t == model.EventRunCompleted || t == model.EventRunCanceled
}

func writeSSE(c *gin.Context, evt model.Event) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// resumeSeq reads the resume point from Last-Event-ID or the from_seq query.
func resumeSeq(c *gin.Context) int64 {
	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}
	return fromSeq
}
