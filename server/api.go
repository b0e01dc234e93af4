package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node"
	"github.com/andydunstall/samplemesh/pkg/status"
	"github.com/andydunstall/samplemesh/pkg/websocket"
)

// PublishRequest is the body of a publish request.
//
// Fields are pointers to detect missing values, as zero is a valid timestamp
// and sample index.
type PublishRequest struct {
	Timestamp   *uint64 `json:"timestamp"`
	SampleIndex *uint16 `json:"sample_index"`
}

func (s *Server) publishRoute(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, status.NewErrorInfo(
			http.StatusBadRequest, "invalid request: "+err.Error(),
		))
		return
	}
	if req.Timestamp == nil {
		s.writeError(c, status.NewErrorInfo(
			http.StatusBadRequest, "missing timestamp",
		))
		return
	}
	if req.SampleIndex == nil {
		s.writeError(c, status.NewErrorInfo(
			http.StatusBadRequest, "missing sample index",
		))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), publishTimeout)
	defer cancel()

	if err := s.node.Publish(ctx, *req.Timestamp, *req.SampleIndex); err != nil {
		errorInfo := publishErrorInfo(err)
		if errorInfo.StatusCode >= http.StatusInternalServerError {
			s.logger.Warn("publish failed", zap.Error(err))
		}
		s.writeError(c, errorInfo)
		return
	}
	c.Status(http.StatusOK)
}

// eventsRoute upgrades the connection to a WebSocket and registers it as the
// node's consumer. The route blocks until the consumer is closed.
func (s *Server) eventsRoute(c *gin.Context) {
	wsConn, err := s.websocketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade replies to the client so only log.
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	consumer := newConsumer(uuid.NewString(), websocket.New(wsConn))
	if err := s.node.Register(c.Request.Context(), consumer); err != nil {
		s.logger.Warn(
			"failed to register consumer",
			zap.String("consumer-id", consumer.ID()),
			zap.Error(err),
		)
		consumer.closeWithReason("register failed")
		return
	}

	s.logger.Info(
		"consumer attached",
		zap.String("consumer-id", consumer.ID()),
		zap.String("client-ip", c.ClientIP()),
	)

	err = consumer.Wait()

	s.logger.Info(
		"consumer detached",
		zap.String("consumer-id", consumer.ID()),
		zap.Error(err),
	)
}

func (s *Server) writeError(c *gin.Context, errorInfo *status.ErrorInfo) {
	c.JSON(errorInfo.StatusCode, errorInfo)
}

func publishErrorInfo(err error) *status.ErrorInfo {
	switch {
	case errors.Is(err, node.ErrClosed):
		return status.NewErrorInfo(http.StatusServiceUnavailable, "node closed")
	case errors.Is(err, context.DeadlineExceeded):
		return status.NewErrorInfo(http.StatusGatewayTimeout, "publish timeout")
	case errors.Is(err, context.Canceled):
		// The client went away.
		return status.NewErrorInfo(http.StatusRequestTimeout, "publish cancelled")
	default:
		return status.NewErrorInfo(http.StatusInternalServerError, "publish failed")
	}
}
