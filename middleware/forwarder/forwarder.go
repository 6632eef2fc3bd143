// Package forwarder resolves queries against the configured upstreams,
// trying them in order and skipping the ones health-checking has taken
// out of rotation.
package forwarder

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/singleflight"

	"github.com/gravitydns/gravity/cache"
	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/dnsutil"
	"github.com/gravitydns/gravity/middleware"
	"github.com/gravitydns/gravity/upstream"
)

// Forwarder type
type Forwarder struct {
	upstreams atomic.Pointer[[]*upstream.Upstream]

	group singleflight.Group

	dnssec bool
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return forwarder
func New(cfg *config.Config) *Forwarder {
	f := &Forwarder{dnssec: cfg.DNSSEC}
	f.upstreams.Store(buildUpstreams(cfg))

	return f
}

func buildUpstreams(cfg *config.Config) *[]*upstream.Upstream {
	ups := make([]*upstream.Upstream, 0, len(cfg.Upstreams))
	for _, addr := range cfg.Upstreams {
		u, err := upstream.New(addr, cfg.Timeout.Duration)
		if err != nil {
			zlog.Error("Upstream address invalid", "addr", addr, "error", err.Error())
			continue
		}
		ups = append(ups, u)
	}

	if len(ups) == 0 {
		zlog.Error("No valid upstreams configured")
	}

	return &ups
}

// Name return middleware name
func (f *Forwarder) Name() string { return name }

// Upstreams returns the current upstream set.
func (f *Forwarder) Upstreams() []*upstream.Upstream {
	return *f.upstreams.Load()
}

// SetUpstreams swaps the upstream set, used on configuration reload.
// In-flight queries finish against the old set.
func (f *Forwarder) SetUpstreams(ups []*upstream.Upstream) {
	f.upstreams.Store(&ups)
}

// Reload rebuilds the upstream set from a freshly loaded config. Health
// state starts over for every upstream.
func (f *Forwarder) Reload(cfg *config.Config) {
	f.upstreams.Store(buildUpstreams(cfg))

	zlog.Info("Upstream set reloaded", "upstreams", len(cfg.Upstreams))
}

// ServeDNS implements the Handle interface.
func (f *Forwarder) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	q := req.Question[0]

	key := strconv.FormatUint(cache.Key(q, dnsutil.HasDO(req), req.CheckingDisabled), 10)

	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.exchange(ctx, req)
	})

	if err != nil {
		zlog.Warn("All upstreams failed", "query", dnsutil.FormatQuestion(q), "error", err.Error())

		ch.Outcome = middleware.OutcomeFailed
		ch.CancelWithRcode(dns.RcodeServerFailure, dnsutil.HasDO(req))
		return
	}

	resp := v.(*dns.Msg)
	if shared {
		resp = resp.Copy()
	}
	resp.SetRcode(req, resp.Rcode)

	_ = w.WriteMsg(resp)

	// a SERVFAIL here is the bogus-answer path, not a served resolution
	ch.Outcome = middleware.OutcomeForwarded
	if resp.Rcode == dns.RcodeServerFailure {
		ch.Outcome = middleware.OutcomeFailed
	}
	ch.Cancel()
}

// exchange walks the upstream list in order. Unavailable upstreams are
// skipped, truncated UDP answers retried over TCP, and a SERVFAIL that
// carries a DNSSEC extended error is returned as-is instead of failing
// over.
func (f *Forwarder) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	ups := *f.upstreams.Load()

	query := f.prepare(req)

	var lastErr error
	tried := 0

	for _, u := range ups {
		if !u.Health().Available() {
			continue
		}
		tried++

		resp, rtt, err := u.Exchange(ctx, query)
		if err != nil {
			zlog.Debug("Upstream exchange failed", "upstream", u.String(), "error", err.Error())
			lastErr = err
			continue
		}

		if resp.Truncated && u.Proto() == upstream.UDP {
			resp, rtt, err = u.ExchangeTCP(ctx, query)
			if err != nil {
				lastErr = err
				continue
			}
		}

		if resp.Rcode == dns.RcodeServerFailure {
			if f.dnssec && bogus(resp) {
				zlog.Warn("Upstream reports bogus answer", "upstream", u.String(),
					"query", dnsutil.FormatQuestion(req.Question[0]))
				return resp, nil
			}

			lastErr = fmt.Errorf("upstream %s answered SERVFAIL", u.String())
			continue
		}

		zlog.Debug("Upstream answered", "upstream", u.String(), "rtt", rtt.Round(time.Millisecond))

		return resp, nil
	}

	if tried == 0 {
		return nil, errNoUpstreams
	}

	return nil, fmt.Errorf("%w: %w", errAllFailed, lastErr)
}

// prepare copies req and makes sure it carries an OPT with our buffer
// size, setting the DO bit when validation is on.
func (f *Forwarder) prepare(req *dns.Msg) *dns.Msg {
	query := req.Copy()

	opt := query.IsEdns0()
	if opt == nil {
		query.SetEdns0(dnsutil.DefaultMsgSize, f.dnssec)
		return query
	}

	opt.SetUDPSize(dnsutil.DefaultMsgSize)
	if f.dnssec {
		opt.SetDo()
	}

	return query
}

// bogus reports whether resp carries a validation-failure extended
// error (RFC 8914 codes 1 through 12).
func bogus(resp *dns.Msg) bool {
	opt := resp.IsEdns0()
	if opt == nil {
		return false
	}

	for _, o := range opt.Option {
		ede, ok := o.(*dns.EDNS0_EDE)
		if !ok {
			continue
		}

		switch ede.InfoCode {
		case dns.ExtendedErrorCodeUnsupportedDNSKEYAlgorithm,
			dns.ExtendedErrorCodeUnsupportedDSDigestType,
			dns.ExtendedErrorCodeDNSSECIndeterminate,
			dns.ExtendedErrorCodeDNSBogus,
			dns.ExtendedErrorCodeSignatureExpired,
			dns.ExtendedErrorCodeSignatureNotYetValid,
			dns.ExtendedErrorCodeDNSKEYMissing,
			dns.ExtendedErrorCodeRRSIGsMissing,
			dns.ExtendedErrorCodeNoZoneKeyBitSet,
			dns.ExtendedErrorCodeNSECMissing:
			return true
		}
	}

	return false
}

var (
	errNoUpstreams = fmt.Errorf("no upstream available")
	errAllFailed   = fmt.Errorf("all upstreams failed")
)

const name = "forwarder"
