package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"near-forwarder/internal/metrics"
	"near-forwarder/internal/near"
	"near-forwarder/internal/tracking"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	httpStatus := http.StatusOK

	if s.tracker.Enabled() {
		if err := s.tracker.HealthCheck(c.Request.Context()); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	c.JSON(httpStatus, gin.H{
		"status": status,
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	available := s.pool.Available()
	metrics.EndpointsAvailable.Set(float64(len(available)))
	response := gin.H{
		"uptime":              time.Since(s.startTime).Round(time.Second).String(),
		"network_mainnet":     s.config.Network.UseMainnet,
		"endpoints_total":     len(s.pool.Endpoints()),
		"endpoints_available": len(available),
		"tracking_enabled":    s.tracker.Enabled(),
	}

	if s.tracker.Enabled() {
		response["database"] = s.tracker.ConnectionStats()
	}
	if s.bus != nil {
		response["events"] = s.bus.GetStats()
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleEndpoints(c *gin.Context) {
	bans := s.pool.Failures().Snapshot()

	type endpointView struct {
		Name        string `json:"name"`
		URL         string `json:"url"`
		Weight      int    `json:"weight"`
		MaxRetries  int    `json:"max_retries"`
		Banned      bool   `json:"banned"`
		BannedUntil string `json:"banned_until,omitempty"`
	}

	endpoints := s.pool.Endpoints()
	views := make([]endpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		view := endpointView{
			Name:       ep.Name,
			URL:        ep.URL,
			Weight:     ep.Weight,
			MaxRetries: ep.MaxRetries,
		}
		if until, ok := bans[ep.URL]; ok {
			view.Banned = true
			view.BannedUntil = until.Format(time.RFC3339)
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": views})
}

func (s *Server) handleTransactions(c *gin.Context) {
	if !s.tracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"transactions": []tracking.TxRecord{}, "tracking_enabled": false})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter := tracking.TxFilter{
		Status:   c.Query("status"),
		SignerID: c.Query("signer_id"),
		Limit:    limit,
		Offset:   offset,
	}

	records, err := s.tracker.QueryTransactions(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []tracking.TxRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records, "tracking_enabled": true})
}

type submitRequest struct {
	SignedTxBase64 string `json:"signed_tx_base64" binding:"required"`
	SignerID       string `json:"signer_id" binding:"required"`
}

// handleSubmitTransaction 代理提交：广播签名交易并轮询至终态后返回
func (s *Server) handleSubmitTransaction(c *gin.Context) {
	if s.submitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction submission disabled"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.submitter.SubmitAndWait(c.Request.Context(), req.SignedTxBase64, req.SignerID)
	if err != nil {
		var execErr *near.ExecutionError
		var timeoutErr *near.PollingTimeoutError
		switch {
		case errors.As(err, &execErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "execution_failed",
				"tx_hash": execErr.Hash,
				"failure": json.RawMessage(execErr.Failure),
			})
		case errors.As(err, &timeoutErr):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "polling_timeout",
				"tx_hash": timeoutErr.Hash,
				"polls":   timeoutErr.Polls,
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"submission_id": result.SubmissionID,
		"tx_hash":       result.Hash,
		"polls":         result.Polls,
		"outcome":       result.Outcome,
	})
}

func (s *Server) handleTransactionStats(c *gin.Context) {
	stats, err := s.tracker.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleEventStream 以SSE推送事件总线上的事件
func (s *Server) handleEventStream(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus disabled"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	eventChan := s.bus.Subscribe()
	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case event, ok := <-eventChan:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event.Data)
			return true
		}
	})
}
