package middlewares

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/internal/core/protocol/websocket"
)

// ErrRateLimited is returned for requests over a databox's budget.
var ErrRateLimited = errors.New("rate limit exceeded")

var _ websocket.Middleware = (*RateLimitMiddleware)(nil)

// RateLimitMiddleware caps fetch requests per databox within a fixed
// window. Control requests such as register are never limited.
type RateLimitMiddleware struct {
	logger    log.Log
	rateLimit int           // Requests per window
	window    time.Duration // Time window
	now       func() time.Time
	boxes     sync.Map // databox name -> *boxRateLimit
}

type boxRateLimit struct {
	count  int
	window time.Time
	mu     sync.Mutex
}

func NewRateLimitMiddleware(limit int, window time.Duration, logger log.Log) *RateLimitMiddleware {
	if logger == nil {
		logger = log.NewNop()
	}
	return &RateLimitMiddleware{
		logger:    logger.With(log.String("middleware", "rate_limit")),
		rateLimit: limit,
		window:    window,
		now:       time.Now,
	}
}

func (m *RateLimitMiddleware) Name() string {
	return "rate_limit"
}

func (m *RateLimitMiddleware) Priority() uint16 {
	return 800
}

func (m *RateLimitMiddleware) BeforeRequest(_ context.Context, req *websocket.Request) error {
	if req.Action != websocket.ActionFetch || m.rateLimit <= 0 {
		return nil
	}

	now := m.now()
	limit := m.limitOf(req.Databox, now)

	limit.mu.Lock()
	defer limit.mu.Unlock()

	// Reset window if expired
	if now.Sub(limit.window) >= m.window {
		limit.count = 0
		limit.window = now
	}

	if limit.count >= m.rateLimit {
		m.logger.Warn("Rate limit exceeded",
			log.String("databox", req.Databox),
			log.Int("count", limit.count),
			log.Int("limit", m.rateLimit),
		)
		return ErrRateLimited
	}

	limit.count++
	return nil
}

func (m *RateLimitMiddleware) AfterRequest(context.Context, websocket.Request, websocket.Response, error, time.Duration) {
}

func (m *RateLimitMiddleware) limitOf(name string, now time.Time) *boxRateLimit {
	if limit, exists := m.boxes.Load(name); exists {
		return limit.(*boxRateLimit)
	}
	limit, _ := m.boxes.LoadOrStore(name, &boxRateLimit{window: now})
	return limit.(*boxRateLimit)
}
