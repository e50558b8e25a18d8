// Package middlewares holds request middlewares for the websocket transport.
package middlewares

import (
	"context"
	"time"

	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/internal/core/protocol/websocket"
)

var _ websocket.Middleware = (*LoggingMiddleware)(nil)

// LoggingMiddleware logs every request and its outcome.
type LoggingMiddleware struct {
	logger log.Log
}

func NewLoggingMiddleware(logger log.Log) *LoggingMiddleware {
	if logger == nil {
		logger = log.NewNop()
	}
	return &LoggingMiddleware{logger: logger.With(log.String("middleware", "logging"))}
}

func (m *LoggingMiddleware) Name() string {
	return "logging"
}

func (m *LoggingMiddleware) Priority() uint16 {
	return 1000 // High priority
}

func (m *LoggingMiddleware) BeforeRequest(_ context.Context, req *websocket.Request) error {
	m.logger.Debug("Sending request",
		log.String("request_id", req.ID),
		log.String("action", req.Action),
		log.String("databox", req.Databox),
		log.String("session", req.Session),
	)
	return nil
}

func (m *LoggingMiddleware) AfterRequest(_ context.Context, req websocket.Request, _ websocket.Response, err error, elapsed time.Duration) {
	fields := []log.Field{
		log.String("request_id", req.ID),
		log.String("action", req.Action),
		log.String("databox", req.Databox),
		log.Duration("elapsed", elapsed),
	}
	if err != nil {
		m.logger.Debug("Request failed", append(fields, log.Error(err))...)
		return
	}
	m.logger.Debug("Request completed", fields...)
}
