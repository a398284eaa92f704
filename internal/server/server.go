// Package server exposes the engine over HTTP and WebSocket: deployment
// operations, DLQ inspection and replay, event injection for external
// adapters, live status streaming, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/async"
	"loom/internal/broadcast"
	"loom/internal/cache"
	"loom/internal/deploy"
	"loom/internal/engine"
	"loom/internal/eventwaiter"
	"loom/internal/graph"
	"loom/internal/logging"
)

// Config tunes the server.
type Config struct {
	Addr         string
	AllowOrigins []string
	Debug        bool
}

// Server wires the HTTP surface over the engine components.
type Server struct {
	deployments *deploy.Manager
	executor    *engine.Executor
	dlq         engine.DLQHandler
	broadcaster *broadcast.Broadcaster
	cache       cache.Cache
	waiters     eventwaiter.Waiters
	logger      logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// New builds the server and registers all routes.
func New(cfg Config, deployments *deploy.Manager, executor *engine.Executor, dlq engine.DLQHandler, broadcaster *broadcast.Broadcaster, c cache.Cache, waiters eventwaiter.Waiters, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 || (len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		deployments: deployments,
		executor:    executor,
		dlq:         dlq,
		broadcaster: broadcaster,
		cache:       c,
		waiters:     waiters,
		logger:      logging.OrNop(logger),
		engine:      router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	{
		api.POST("/deploy", s.handleDeploy)
		api.POST("/cancel", s.handleCancel)
		api.GET("/status", s.handleStatus)
		api.POST("/events", s.handleEvent)

		api.GET("/dlq", s.handleDLQList)
		api.GET("/dlq/stats", s.handleDLQStats)
		api.POST("/dlq/:id/replay", s.handleDLQReplay)
		api.DELETE("/dlq/:id", s.handleDLQRemove)
		api.DELETE("/dlq", s.handleDLQPurge)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"cache_mode":  s.cache.Mode(),
		"waiter_mode": s.waiters.Mode(),
		"observers":   s.broadcaster.ObserverCount(),
		"uptime_s":    int(time.Since(s.startTime).Seconds()),
	})
}

type deployRequest struct {
	Nodes      []graph.Node `json:"nodes" binding:"required"`
	Edges      []graph.Edge `json:"edges"`
	SessionID  string       `json:"session_id"`
	WorkflowID string       `json:"workflow_id"`
}

func (s *Server) handleDeploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	result, err := s.deployments.Deploy(c.Request.Context(), req.Nodes, req.Edges, req.SessionID, req.WorkflowID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	result, err := s.deployments.Cancel(c.Request.Context(), req.WorkflowID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatus(c *gin.Context) {
	if workflowID := c.Query("workflow_id"); workflowID != "" {
		c.JSON(http.StatusOK, s.deployments.Status(workflowID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": s.deployments.StatusAll()})
}

type eventRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Data      map[string]any `json:"data"`
}

// handleEvent lets external adapters (webhook relays, messaging bridges)
// inject events. The broadcaster forwards them into the event waiter, which
// unblocks matching trigger listeners.
func (s *Server) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	s.broadcaster.SendCustomEvent(req.EventType, req.Data)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDLQList(c *gin.Context) {
	filter := cache.DLQFilter{
		WorkflowID: c.Query("workflow_id"),
		NodeType:   c.Query("node_type"),
	}
	if limit := c.Query("limit"); limit != "" {
		var n int
		if err := json.Unmarshal([]byte(limit), &n); err == nil {
			filter.Limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.dlq.Entries(c.Request.Context(), filter)})
}

func (s *Server) handleDLQStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.dlq.Stats(c.Request.Context()))
}

type replayRequest struct {
	Nodes []graph.Node `json:"nodes" binding:"required"`
	Edges []graph.Edge `json:"edges"`
}

func (s *Server) handleDLQReplay(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := s.executor.ReplayDLQEntry(c.Request.Context(), c.Param("id"), req.Nodes, req.Edges); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDLQRemove(c *gin.Context) {
	s.dlq.Remove(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDLQPurge(c *gin.Context) {
	filter := cache.DLQFilter{
		WorkflowID: c.Query("workflow_id"),
		NodeType:   c.Query("node_type"),
	}
	purged := s.dlq.Purge(c.Request.Context(), filter)
	c.JSON(http.StatusOK, gin.H{"success": true, "purged": purged})
}

// handleWebSocket upgrades the connection and registers it as a broadcast
// observer. The read loop exists to notice the close; inbound text frames are
// treated as custom events of shape {"type": ..., ...}.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Server: websocket upgrade failed: %v", err)
		return
	}
	observer := newWSObserver(conn)
	s.broadcaster.Connect(observer)

	async.Go(s.logger, "ws-read-"+observer.ID(), func() {
		defer func() {
			s.broadcaster.Disconnect(observer.ID())
			observer.close()
		}()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			eventType, _ := msg["type"].(string)
			if eventType == "" || eventType == "ping" {
				continue
			}
			delete(msg, "type")
			s.broadcaster.SendCustomEvent(eventType, msg)
		}
	})
}
