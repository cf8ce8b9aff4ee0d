package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"interview-engine/server/internal/config"
	"interview-engine/server/internal/domain"
	"interview-engine/server/internal/gateway"
	"interview-engine/server/internal/model"
	"interview-engine/server/internal/report"
	"interview-engine/server/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "interview-engine"

type Server struct {
	config  *config.Config
	manager *session.Manager
	catalog *domain.Catalog
	logger  *log.Logger

	// gateways 记录所有打开的流式连接，关闭服务时统一断开
	gateways   map[*gateway.Gateway]struct{}
	gatewaysMu sync.Mutex

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, manager *session.Manager, catalog *domain.Catalog, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		config:   cfg,
		manager:  manager,
		catalog:  catalog,
		logger:   logger,
		gateways: make(map[*gateway.Gateway]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(otelgin.Middleware(serviceName), gin.Logger(), gin.Recovery(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.GET("/topics", s.handleTopics)
	api.GET("/statistics", s.handleStatistics)
	api.POST("/import", s.handleImport)

	sessions := api.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("", s.handleListSessions)
	sessions.GET("/:id", s.handleGetSession)
	sessions.DELETE("/:id", s.handleDeleteSession)
	sessions.GET("/:id/messages", s.handleMessages)
	sessions.GET("/:id/stats", s.handleSessionStats)
	sessions.GET("/:id/export", s.handleExport)
	sessions.POST("/:id/answer", s.handleAnswer)
	sessions.POST("/:id/skip", s.handleSkip)
	sessions.POST("/:id/undo", s.handleUndo)
	sessions.POST("/:id/restart", s.handleRestart)
	sessions.GET("/:id/stream", s.handleSessionStream)
	return engine
}

// Close 断开所有流式连接。
func (s *Server) Close() {
	s.gatewaysMu.Lock()
	open := make([]*gateway.Gateway, 0, len(s.gateways))
	for g := range s.gateways {
		open = append(open, g)
	}
	s.gatewaysMu.Unlock()

	for _, g := range open {
		g.Close()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.manager.Len()})
}

// handleTopics 返回话题库。
func (s *Server) handleTopics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"topics":    s.catalog.All(),
		"scenes":    s.catalog.Scenes(),
		"edu_types": s.catalog.EduTypes(),
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req session.CreateRequest
	// 允许空请求体：用户名与话题都可省略
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": model.CodeInvalidInput})
		return
	}

	sess, reply, err := s.manager.Create(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess, "reply": reply})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.ListActive(c.Request.Context())})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMessages(c *gin.Context) {
	msgs, err := s.manager.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "messages": msgs})
}

func (s *Server) handleSessionStats(c *gin.Context) {
	stats, err := s.manager.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": model.CodeInvalidInput})
		return
	}
	reply, err := s.manager.SubmitAnswer(c.Request.Context(), c.Param("id"), req.Answer)
	s.writeReply(c, reply, err)
}

func (s *Server) handleSkip(c *gin.Context) {
	reply, err := s.manager.Skip(c.Request.Context(), c.Param("id"))
	s.writeReply(c, reply, err)
}

func (s *Server) handleUndo(c *gin.Context) {
	reply, err := s.manager.Undo(c.Request.Context(), c.Param("id"))
	s.writeReply(c, reply, err)
}

func (s *Server) handleRestart(c *gin.Context) {
	reply, err := s.manager.Restart(c.Request.Context(), c.Param("id"))
	s.writeReply(c, reply, err)
}

// handleExport 返回会话报告；download=1 时以附件形式下载。
func (s *Server) handleExport(c *gin.Context) {
	summary, err := s.manager.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if c.Query("download") == "1" {
		c.Header("Content-Disposition", `attachment; filename="interview_`+summary.SessionID+`.json"`)
	}
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Status(http.StatusOK)
	if err := report.WriteJSON(c.Writer, summary); err != nil {
		s.logger.Printf("[API] export %s write failed: %v", summary.SessionID, err)
	}
}

func (s *Server) handleImport(c *gin.Context) {
	summary, err := report.ReadJSON(c.Request.Body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.manager.Import(c.Request.Context(), summary)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// handleStatistics 汇总 [from, to) 的数据。参数接受 RFC3339 或 2006-01-02；
// 只给日期的 to 包含当天。
func (s *Server) handleStatistics(c *gin.Context) {
	from, err := report.ParseBound(c.Query("from"), false)
	if err != nil {
		s.writeError(c, model.InvalidInputf("from: %v", err))
		return
	}
	to, err := report.ParseBound(c.Query("to"), true)
	if err != nil {
		s.writeError(c, model.InvalidInputf("to: %v", err))
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		s.writeError(c, model.InvalidInputf("from must be before to"))
		return
	}

	overview, err := s.manager.Aggregate(c.Request.Context(), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

// handleSessionStream 升级为 WebSocket，把会话操作接到流式网关上。
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")

	// 先确认会话存在，避免升级后才发现 404
	if _, err := s.manager.Get(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] session=%s websocket upgrade failed: %v", sessionID, err)
		return
	}

	g := gateway.New(sessionID, conn, s.manager, gateway.Config{
		WriteTimeout: s.config.Server.WriteTimeout,
		EventTimeout: 2*s.config.Interview.FollowupTimeout + 5*time.Second,
	}, s.logger)
	if err := g.Start(c.Request.Context()); err != nil {
		s.logger.Printf("[API] session=%s stream start failed: %v", sessionID, err)
		return
	}

	s.gatewaysMu.Lock()
	s.gateways[g] = struct{}{}
	s.gatewaysMu.Unlock()

	go func() {
		<-g.Done()
		s.gatewaysMu.Lock()
		delete(s.gateways, g)
		s.gatewaysMu.Unlock()
	}()
}

func (s *Server) writeReply(c *gin.Context, reply *model.Reply, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// writeError 把领域错误映射为 HTTP 状态码，不向客户端透传存储层细节。
func (s *Server) writeError(c *gin.Context, err error) {
	code := model.Code(err)
	status := statusFor(code)
	msg := err.Error()
	switch code {
	case model.CodeStorageFailure:
		s.logger.Printf("[API] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		msg = "storage unavailable, please retry"
	case model.CodeInternal:
		s.logger.Printf("[API] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func statusFor(code string) int {
	switch code {
	case model.CodeSessionNotFound:
		return http.StatusNotFound
	case model.CodeSessionCompleted, model.CodeNoHistoryToUndo:
		return http.StatusConflict
	case model.CodeInvalidInput, model.CodeInsufficientTopics:
		return http.StatusBadRequest
	case model.CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.config.Server.AllowedOrigins
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
