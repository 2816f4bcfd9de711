package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/crosschain"
	"github.com/mbd888/escrowd/internal/deals"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/scheduler"
	"github.com/mbd888/escrowd/internal/security"
)

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	throttle := s.limiter.Middleware()

	v1 := s.router.Group("/v1")
	v1.Use(security.AdminAuth(s.cfg.AdminSecret))
	{
		v1.GET("/deals/:id", s.getDeal)
		v1.GET("/deals/:id/onchain", s.inspectDeal)
		v1.GET("/deals/:id/crosschain", s.listDealTransactions)
		v1.POST("/deals/:id/process", throttle, s.processDeal)

		xct := v1.Group("/crosschain/transactions")
		xct.POST("", throttle, s.prepareTransaction)
		xct.GET("/:id", s.getTransaction)
		xct.POST("/:id/start", throttle, s.startTransaction)
		xct.POST("/:id/steps/:step", s.executeStep)
		xct.POST("/:id/check", throttle, s.checkTransaction)
		xct.POST("/:id/stuck", s.markStuck)

		v1.POST("/bridge/routes", throttle, s.findRoute)

		v1.GET("/scheduler/tasks", s.listTasks)
		v1.POST("/scheduler/tasks/:name/run", throttle, s.runTask)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Deals
// -----------------------------------------------------------------------------

func (s *Server) getDeal(c *gin.Context) {
	d, err := s.dealStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "busy": s.engine.Busy(d.ID)})
}

func (s *Server) inspectDeal(c *gin.Context) {
	view, err := s.engine.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) processDeal(c *gin.Context) {
	out, err := s.engine.ProcessDeal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listDealTransactions(c *gin.Context) {
	txs, err := s.crossChain.ListByDeal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*crosschain.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// -----------------------------------------------------------------------------
// Cross-chain transactions
// -----------------------------------------------------------------------------

// transactionView adds the derived progress fields to a transaction.
type transactionView struct {
	*crosschain.Transaction
	Progress int    `json:"progress"`
	NextStep string `json:"nextStep"`
}

func viewOf(tx *crosschain.Transaction) transactionView {
	return transactionView{Transaction: tx, Progress: tx.Progress(), NextStep: tx.NextStep()}
}

func (s *Server) prepareTransaction(c *gin.Context) {
	var req crosschain.PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	tx, err := s.crossChain.Prepare(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(tx))
}

func (s *Server) getTransaction(c *gin.Context) {
	tx, err := s.crossChain.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(tx))
}

type txHashRequest struct {
	TxHash string `json:"txHash"`
}

// startTransaction records the authorizing on-chain hash and submits the
// transfer. It is how an operator restarts a transfer the sweep gave up on.
func (s *Server) startTransaction(c *gin.Context) {
	var req txHashRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TxHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "txHash is required"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.crossChain.Authorize(ctx, id, req.TxHash); err != nil {
		s.writeError(c, err)
		return
	}
	tx, err := s.crossChain.StartTransfer(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(tx))
}

func (s *Server) executeStep(c *gin.Context) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "step must be a positive integer"})
		return
	}
	var req txHashRequest
	// The body is optional; a missing hash is generated.
	_ = c.ShouldBindJSON(&req)

	res, err := s.crossChain.ExecuteStep(c.Request.Context(), c.Param("id"), step, req.TxHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Error == "Transaction not found":
		c.JSON(http.StatusNotFound, res)
	default:
		c.JSON(http.StatusConflict, res)
	}
}

func (s *Server) checkTransaction(c *gin.Context) {
	res, err := s.crossChain.CheckPendingTransactionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) markStuck(c *gin.Context) {
	res, err := s.crossChain.HandleStuckCrossChainTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Bridge
// -----------------------------------------------------------------------------

func (s *Server) findRoute(c *gin.Context) {
	var req bridge.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	route, err := s.bridge.FindRoute(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"route":    route,
		"bridged":  route != nil,
		"provider": s.bridge.Provider(),
		"isMock":   s.bridge.IsMock(),
	})
}

// -----------------------------------------------------------------------------
// Scheduler
// -----------------------------------------------------------------------------

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.scheduler.Tasks()})
}

func (s *Server) runTask(c *gin.Context) {
	name := c.Param("name")
	ran, err := s.scheduler.Trigger(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask) || errors.Is(err, scheduler.ErrTaskDisabled):
		s.writeError(c, err)
		return
	case !ran:
		c.JSON(http.StatusConflict, gin.H{
			"error":   "task_running",
			"message": "A tick of " + name + " is already running",
		})
		return
	}

	resp := gin.H{"task": name, "ran": true}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func (s *Server) writeError(c *gin.Context, err error) {
	code, kind := classifyError(err)
	if code >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": kind, "message": err.Error()})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, deals.ErrDealNotFound),
		errors.Is(err, crosschain.ErrTransactionNotFound),
		errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, crosschain.ErrInvalidInput),
		errors.Is(err, bridge.ErrInvalidRequest),
		chain.IsSetup(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, crosschain.ErrInvalidStatus),
		errors.Is(err, crosschain.ErrNotAuthorized),
		errors.Is(err, deals.ErrStateMismatch),
		errors.Is(err, scheduler.ErrTaskDisabled):
		return http.StatusConflict, "conflict"
	case errors.Is(err, bridge.ErrNoRoute),
		errors.Is(err, bridge.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity, "no_route"
	case chain.IsRevert(err):
		return http.StatusUnprocessableEntity, "reverted"
	case chain.IsInitialization(err):
		return http.StatusServiceUnavailable, "chain_unavailable"
	case bridge.IsBridgeError(err), chain.IsNetwork(err):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
