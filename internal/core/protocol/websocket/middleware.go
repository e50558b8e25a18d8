package websocket

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Middleware observes every request sent over a Connection.
type Middleware interface {
	Name() string
	// Priority orders middlewares, higher runs first.
	Priority() uint16
	// BeforeRequest may reject the request by returning an error.
	BeforeRequest(ctx context.Context, req *Request) error
	AfterRequest(ctx context.Context, req Request, resp Response, err error, elapsed time.Duration)
}

// Use installs middlewares on the connection.
func (c *Connection) Use(mws ...Middleware) error {
	c.mwMu.Lock()
	defer c.mwMu.Unlock()

	// copy on write, requests iterate the old slice without the lock
	next := append([]Middleware(nil), c.middlewares...)
	for _, mw := range mws {
		for _, existing := range next {
			if existing.Name() == mw.Name() {
				return errors.Errorf("middleware '%s' already exists", mw.Name())
			}
		}
		next = append(next, mw)
	}

	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Priority() > next[j].Priority()
	})
	c.middlewares = next
	return nil
}

// RemoveMiddleware uninstalls the named middleware.
func (c *Connection) RemoveMiddleware(name string) error {
	c.mwMu.Lock()
	defer c.mwMu.Unlock()

	for i, mw := range c.middlewares {
		if mw.Name() == name {
			c.middlewares = append(c.middlewares[:i:i], c.middlewares[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("middleware '%s' not found", name)
}

func (c *Connection) chain() []Middleware {
	c.mwMu.RLock()
	defer c.mwMu.RUnlock()
	return c.middlewares
}
