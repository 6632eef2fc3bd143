// Package filter answers blocked names from the rule index before they
// reach the cache or any upstream.
package filter

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
	"github.com/gravitydns/gravity/rules"
)

// Filter type
type Filter struct {
	loader *rules.Loader

	nullroute  net.IP
	null6route net.IP
	blockTTL   uint32
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New returns a new Filter
func New(cfg *config.Config) *Filter {
	loader := rules.NewLoader(loaderOptions(cfg))

	blockTTL := cfg.BlockTTL
	if blockTTL == 0 {
		blockTTL = 3600
	}

	return &Filter{
		loader:     loader,
		nullroute:  net.ParseIP(cfg.Nullroute),
		null6route: net.ParseIP(cfg.Nullroutev6),
		blockTTL:   blockTTL,
	}
}

func loaderOptions(cfg *config.Config) rules.Options {
	lists := make([]rules.List, 0, len(cfg.BlockLists)+len(cfg.AllowLists))
	for _, src := range cfg.BlockLists {
		lists = append(lists, rules.List{Source: src, Action: rules.ActionBlock})
	}
	for _, src := range cfg.AllowLists {
		lists = append(lists, rules.List{Source: src, Action: rules.ActionAllow})
	}

	return rules.Options{
		Lists:       lists,
		Dir:         cfg.ListDir,
		InlineBlock: cfg.Blocklist,
		InlineAllow: cfg.Allowlist,
		Client:      &http.Client{Timeout: listFetchTimeout},
	}
}

// Name return middleware name
func (f *Filter) Name() string { return name }

// Loader returns the rule loader for refresh wiring.
func (f *Filter) Loader() *rules.Loader { return f.loader }

// Reload points the loader at the rule sources from a freshly loaded
// config. The caller triggers the Refresh that rebuilds the index.
func (f *Filter) Reload(cfg *config.Config) {
	f.loader.SetOptions(loaderOptions(cfg))
}

// ServeDNS implements the Handle interface.
func (f *Filter) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	q := req.Question[0]

	decision := f.loader.Index().Classify(q.Name)
	if decision.Verdict != rules.VerdictBlock {
		ch.Next(ctx)
		return
	}

	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative, msg.RecursionAvailable = true, true

	switch q.Qtype {
	case dns.TypeA:
		rrHeader := dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    f.blockTTL,
		}
		msg.Answer = append(msg.Answer, &dns.A{Hdr: rrHeader, A: f.nullroute})
	case dns.TypeAAAA:
		rrHeader := dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    f.blockTTL,
		}
		msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: rrHeader, AAAA: f.null6route})
	default:
		msg.Rcode = dns.RcodeNameError
		msg.Ns = append(msg.Ns, f.soa(q.Name))
	}

	_ = w.WriteMsg(msg)

	ch.Outcome = middleware.OutcomeBlocked
	ch.Cancel()
}

func (f *Filter) soa(qname string) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   qname,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    f.blockTTL,
		},
		Ns:      "sinkhole.invalid.",
		Mbox:    "hostmaster.sinkhole.invalid.",
		Serial:  uint32(time.Now().Unix()),
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  f.blockTTL,
	}
}

const (
	listFetchTimeout = 30 * time.Second

	name = "filter"
)
