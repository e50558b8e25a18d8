package middlewares

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zeusync/databox/internal/core/databox"
	"github.com/zeusync/databox/internal/core/protocol/websocket"
)

var _ websocket.Middleware = (*MetricsMiddleware)(nil)

// MetricsMiddleware records request latency by action and result.
type MetricsMiddleware struct {
	duration *prometheus.HistogramVec
}

// NewMetricsMiddleware registers its collectors with reg. A nil reg keeps
// them unregistered.
func NewMetricsMiddleware(reg prometheus.Registerer) *MetricsMiddleware {
	return &MetricsMiddleware{
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "databox",
			Name:      "request_duration_seconds",
			Help:      "Latency of transport requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "result"}),
	}
}

func (m *MetricsMiddleware) Name() string {
	return "metrics"
}

func (m *MetricsMiddleware) Priority() uint16 {
	return 100 // Low priority, runs last
}

func (m *MetricsMiddleware) BeforeRequest(context.Context, *websocket.Request) error {
	return nil
}

func (m *MetricsMiddleware) AfterRequest(_ context.Context, req websocket.Request, _ websocket.Response, err error, elapsed time.Duration) {
	m.duration.WithLabelValues(req.Action, result(err)).Observe(elapsed.Seconds())
}

func result(err error) string {
	var remote *websocket.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, databox.ErrNoMoreData):
		return "no_more_data"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, websocket.ErrConnectionClosed):
		return "closed"
	case errors.As(err, &remote):
		return "remote_error"
	default:
		return "error"
	}
}
