package utils

import (
	"context"
	"net"
	"sync"
	"time"
)

// Reachability reports whether outbound delivery can currently be attempted.
type Reachability interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline never gates delivery.
type AlwaysOnline struct{}

func (AlwaysOnline) Online(context.Context) bool { return true }

// DialChecker probes a TCP address and caches the result for ttl.
type DialChecker struct {
	addr    string
	timeout time.Duration
	ttl     time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu        sync.Mutex
	checkedAt time.Time
	online    bool
}

func NewDialChecker(addr string, timeout, ttl time.Duration) *DialChecker {
	d := &net.Dialer{Timeout: timeout}
	return &DialChecker{addr: addr, timeout: timeout, ttl: ttl, dial: d.DialContext}
}

func (c *DialChecker) Online(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkedAt.IsZero() && time.Since(c.checkedAt) < c.ttl {
		return c.online
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dial(ctx, "tcp", c.addr)
	c.online = err == nil
	c.checkedAt = time.Now()
	if conn != nil {
		conn.Close()
	}
	return c.online
}
