package email

import (
	"context"
	"net"
	"sync"
	"time"
)

// NetMXChecker resolves MX records through the system resolver, caching
// results per domain so large batches don't hammer DNS. Only wire it up when
// the deployment has outbound DNS; offline imports run with a nil checker.
type NetMXChecker struct {
	resolver *net.Resolver
	timeout  time.Duration

	mu    sync.Mutex
	cache map[string]bool
}

// NewNetMXChecker creates a DNS-backed MX checker.
func NewNetMXChecker(timeout time.Duration) *NetMXChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetMXChecker{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		cache:    make(map[string]bool),
	}
}

// HasMX reports whether the domain publishes at least one MX record.
// Lookup failures (NXDOMAIN, timeout) report false; the validator treats
// that as a quality signal, not a rejection.
func (c *NetMXChecker) HasMX(ctx context.Context, domain string) bool {
	c.mu.Lock()
	if ok, hit := c.cache[domain]; hit {
		c.mu.Unlock()
		return ok
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	records, err := c.resolver.LookupMX(ctx, domain)
	found := err == nil && len(records) > 0

	c.mu.Lock()
	c.cache[domain] = found
	c.mu.Unlock()
	return found
}
