package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/scheduler"
)

// RunTrigger starts commission work outside the daily schedule.
type RunTrigger interface {
	TriggerProcess(ctx context.Context) (commissiondomain.RunResult, error)
	TriggerClose(ctx context.Context) (commissiondomain.CloseDueResult, error)
}

func provideRunTrigger(s *scheduler.Scheduler) RunTrigger {
	return s
}

func (s *Server) authorizeRun(c *gin.Context) bool {
	identity, ok := identityFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return false
	}
	err := s.authzSvc.Authorize(c.Request.Context(), string(identity.Role), authorization.ObjectCommissionRun, authorization.ActionRunTrigger)
	if err != nil {
		AbortWithError(c, err)
		return false
	}
	return true
}

func (s *Server) TriggerProcess(c *gin.Context) {
	if !s.authorizeRun(c) {
		return
	}
	res, err := s.runs.TriggerProcess(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": res})
}

func (s *Server) TriggerClose(c *gin.Context) {
	if !s.authorizeRun(c) {
		return
	}
	res, err := s.runs.TriggerClose(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": res})
}
