package api

import (
	"studio/server/internal/auth"
	"studio/server/internal/batch"
	"studio/server/internal/events"
	"studio/server/internal/sequence"
	"studio/server/internal/telemetry"

	"github.com/gin-gonic/gin"
)

type Server struct {
	auth        *auth.Service
	seq         *sequence.Sequencer
	batches     *batch.Dispatcher
	hub         *events.Hub
	log         *telemetry.Logger
	corsOrigins []string
}

func NewServer(authSvc *auth.Service, seq *sequence.Sequencer, batches *batch.Dispatcher, hub *events.Hub, logger *telemetry.Logger, corsOrigins []string) *Server {
	return &Server{
		auth:        authSvc,
		seq:         seq,
		batches:     batches,
		hub:         hub,
		log:         logger,
		corsOrigins: corsOrigins,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware(s.corsOrigins))
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, 200, gin.H{"status": "ok"})
	})

	v1.POST("/auth/login", s.login)
	v1.POST("/auth/refresh", s.refresh)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.auth))
	{
		authed.GET("/client/bootstrap", s.clientBootstrap)
		authed.POST("/auth/logout", s.logout)
		authed.GET("/me", s.me)

		authed.GET("/sequence", s.getSequence)
		authed.PUT("/sequence/producers", s.putProducers)
		authed.GET("/sequence/final", s.getFinalSequence)
		authed.GET("/sequence/order", s.getStoredOrder)
		authed.DELETE("/sequence/order", s.clearStoredOrder)
		authed.GET("/sequence/events", s.streamSequenceEvents)
		authed.POST("/sequence/move-up", s.moveUp)
		authed.POST("/sequence/move-down", s.moveDown)
		authed.POST("/sequence/reorder", s.reorder)
		authed.POST("/sequence/remove", s.remove)
		authed.POST("/sequence/remove/cancel", s.cancelRemove)
		authed.POST("/sequence/remove-kind", s.removeKind)
		authed.POST("/sequence/clear", s.clearAll)
		authed.POST("/sequence/shuffle", s.shuffle)

		authed.POST("/batches", s.startBatch)
		authed.GET("/batches", s.listBatches)
		authed.GET("/batches/:run_id", s.getBatch)
		authed.POST("/batches/:run_id/cancel", s.cancelBatch)
		authed.GET("/batches/:run_id/events", s.streamBatchEvents)
	}

	return r
}
