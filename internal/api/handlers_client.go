package api

import (
	"net/http"

	"studio/server/internal/batch"
	"studio/server/internal/sequence"

	"github.com/gin-gonic/gin"
)

func (s *Server) clientBootstrap(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"batch": gin.H{
			"group_size":       batch.GroupSize,
			"cooldown_seconds": int(batch.Cooldown.Seconds()),
		},
		"sequence": gin.H{
			"order_ttl_hours": int(sequence.OrderTTL.Hours()),
		},
		"feature_flags": gin.H{
			"sse_sequence_events": true,
			"sse_batch_events":    true,
			"batch_cancel":        true,
			"shuffle_persists":    false,
		},
		"sse": gin.H{
			"heartbeat_sec": int(sseHeartbeat.Seconds()),
			"retry_ms":      2000,
		},
	})
}
