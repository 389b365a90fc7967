package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnerpay/pkg/db/pagination"
)

type markSettledRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) PendingSettlement(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	q, err := parseSettlementQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pending, err := s.settlementSvc.PendingSettlement(c.Request.Context(), identity, q)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pending})
}

func (s *Server) Breakdown(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	q, err := parseSettlementQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	lines, err := s.settlementSvc.Breakdown(c.Request.Context(), identity, q)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": lines})
}

func (s *Server) Payouts(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	q, err := parseSettlementQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	lines, err := s.settlementSvc.Payouts(c.Request.Context(), identity, q)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": lines})
}

func (s *Server) RunningTally(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	tally, err := s.settlementSvc.RunningTally(c.Request.Context(), identity)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tally})
}

func (s *Server) MarkSettled(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req markSettledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.IDs) == 0 {
		AbortWithError(c, newValidationError("ids", "required", "ids is required"))
		return
	}
	ids := make([]snowflake.ID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil || id <= 0 {
			AbortWithError(c, newValidationError("ids", "invalid_id", "invalid id"))
			return
		}
		ids = append(ids, id)
	}

	history, err := s.settlementSvc.MarkSettled(c.Request.Context(), identity, ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history})
}

func (s *Server) ListSettlements(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.settlementSvc.History(c.Request.Context(), identity, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Items, "page_info": resp.PageInfo})
}
