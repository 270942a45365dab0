package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/limiter"
	"github.com/modelrelay/modelrelay/internal/throttle"
	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/logging"
)

type errorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// providerView merges the capacity and throttle snapshots for one provider.
type providerView struct {
	Capacity limiter.Snapshot  `json:"capacity"`
	Throttle throttle.Snapshot `json:"throttle"`
}

type agentView struct {
	AgentID   string   `json:"agent_id"`
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executor.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewValidationError("invalid request body").WithCause(err))
		return
	}

	ctx := c.Request.Context()
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	ctx = logging.WithRequestID(ctx, requestIDFrom(c))

	resp, err := s.executor.Execute(ctx, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAgents(c *gin.Context) {
	agents := make([]agentView, 0)
	for _, id := range s.executor.Agents() {
		chain, ok := s.executor.Chain(id)
		if !ok {
			continue
		}
		agents = append(agents, agentView{
			AgentID:   id,
			Primary:   chain.Primary,
			Fallbacks: chain.Fallbacks,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleProviders(c *gin.Context) {
	providers := make(map[string]providerView)
	for _, id := range s.limiter.Providers() {
		view, ok := s.providerView(id)
		if !ok {
			continue
		}
		providers[id] = view
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (s *Server) handleProvider(c *gin.Context) {
	id := c.Param("id")
	view, ok := s.providerView(id)
	if !ok {
		writeError(c, apperrors.NewNotFoundError("provider "+id))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) providerView(id string) (providerView, bool) {
	capSnap, ok := s.limiter.Snapshot(id)
	if !ok {
		return providerView{}, false
	}
	thrSnap, ok := s.throttle.Snapshot(id)
	if !ok {
		return providerView{}, false
	}
	return providerView{Capacity: capSnap, Throttle: thrSnap}, true
}

// writeError maps application errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case apperrors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrorTypeChainExhausted:
			status = http.StatusBadGateway
		case apperrors.ErrorTypeAcquireTimeout, apperrors.ErrorTypeRateLimit:
			status = http.StatusServiceUnavailable
		case apperrors.ErrorTypeTimeout:
			status = http.StatusGatewayTimeout
		case apperrors.ErrorTypeCancelled:
			// Client went away; 499 matches common proxy convention.
			status = 499
		}

		requestID := appErr.RequestID
		if requestID == "" {
			requestID = requestIDFrom(c)
		}
		c.JSON(status, errorResponse{
			Error:     appErr.Message,
			Code:      appErr.Code,
			Details:   appErr.Details,
			RequestID: requestID,
		})
		return
	}

	c.JSON(status, errorResponse{
		Error:     "internal server error",
		Code:      "INTERNAL_ERROR",
		RequestID: requestIDFrom(c),
	})
}
