// Package ratelimit enforces a per-client query budget.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
)

// RateLimit type
type RateLimit struct {
	mu       sync.Mutex
	limiters map[uint64]*list.Element
	order    *list.List

	rate int
}

type limiterEntry struct {
	key uint64
	rl  *rate.Limiter
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return ratelimit
func New(cfg *config.Config) *RateLimit {
	return &RateLimit{
		limiters: make(map[uint64]*list.Element),
		order:    list.New(),
		rate:     cfg.ClientRateLimit,
	}
}

// Name return middleware name
func (r *RateLimit) Name() string { return name }

// ServeDNS implements the Handle interface.
func (r *RateLimit) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	if r.rate == 0 {
		ch.Next(ctx)
		return
	}

	remoteip := ch.Writer.RemoteIP()
	if remoteip == nil || remoteip.IsLoopback() {
		ch.Next(ctx)
		return
	}

	if !r.getLimiter(xxhash.Sum64(remoteip)).Allow() {
		//no reply to client
		ch.Cancel()
		return
	}

	ch.Next(ctx)
}

func (r *RateLimit) getLimiter(key uint64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.limiters[key]; ok {
		r.order.MoveToFront(el)
		return el.Value.(*limiterEntry).rl
	}

	rl := rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rate)), r.rate)

	r.limiters[key] = r.order.PushFront(&limiterEntry{key: key, rl: rl})

	if r.order.Len() > maxClients {
		back := r.order.Back()
		r.order.Remove(back)
		delete(r.limiters, back.Value.(*limiterEntry).key)
	}

	return rl
}

const (
	maxClients = 256 * 100

	name = "ratelimit"
)
