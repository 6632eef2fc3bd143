// Package cache serves answers from the shared TTL cache and stores
// fresh upstream answers on the way back out.
package cache

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/gravitydns/gravity/cache"
	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/dnsutil"
	"github.com/gravitydns/gravity/middleware"
)

// Cache type
type Cache struct {
	cache *cache.Cache

	minTTL time.Duration
	maxTTL time.Duration

	now func() time.Time
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return cache
func New(cfg *config.Config) *Cache {
	return &Cache{
		cache:  cache.New(cfg.CacheSize),
		minTTL: minTTL,
		maxTTL: maxTTL,
		now:    time.Now,
	}
}

// Name return middleware name
func (c *Cache) Name() string { return name }

// ServeDNS implements the Handle interface.
func (c *Cache) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	q := req.Question[0]
	key := cache.Key(q, dnsutil.HasDO(req), req.CheckingDisabled)

	if entry, ok := c.cache.Get(key); ok {
		if msg := entry.ToMsg(req, c.now()); msg != nil {
			_ = w.WriteMsg(msg)

			ch.Outcome = middleware.OutcomeCached
			ch.Cancel()
			return
		}
	}

	responseWriter := &ResponseWriter{ResponseWriter: w, cache: c, key: key}

	ch.Writer = responseWriter
	ch.Next(ctx)
	ch.Writer = w
}

// Stop stops the cache sweeper.
func (c *Cache) Stop() { c.cache.Stop() }

func (c *Cache) store(key uint64, msg *dns.Msg) {
	if !cacheable(msg) {
		return
	}

	c.cache.Add(key, cache.NewEntry(msg, c.minTTL, c.maxTTL))
}

// cacheable reports whether msg is worth keeping. Truncated answers and
// rcodes other than NOERROR and NXDOMAIN are not.
func cacheable(msg *dns.Msg) bool {
	if msg == nil || msg.Truncated {
		return false
	}

	switch msg.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return false
	}

	return len(msg.Answer) > 0 || len(msg.Ns) > 0
}

const (
	minTTL = 5 * time.Second
	maxTTL = 24 * time.Hour

	name = "cache"
)
