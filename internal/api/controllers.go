package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// getStatus returns the engine-wide EngineState plus a per-account
// summary.
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":    s.Engine.State.State(),
		"accounts": s.Engine.Accounts(),
	})
}

// getAccounts lists every known account (credentials redacted by
// domain.CredentialsHandle's own MarshalJSON).
func (s *Server) getAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Accounts())
}

func (s *Server) getPositions(c *gin.Context) {
	id := c.Param("id")
	positions, err := s.Engine.Positions(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getTrades(c *gin.Context) {
	id := c.Param("id")
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	trades, err := s.Engine.Trades(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getPnL(c *gin.Context) {
	id := c.Param("id")
	total, err := s.Engine.PnL(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "pnl_usd": total})
}

// postKill latches EMERGENCY_STOP engine-wide.
func (s *Server) postKill(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator kill switch via API"
	}
	if err := s.Engine.KillSwitch(req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.Engine.State.State()})
}

func (s *Server) postPause(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.Pause(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "paused": true})
}

func (s *Server) postResume(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.Resume(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "paused": false})
}
