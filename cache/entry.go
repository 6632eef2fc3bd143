package cache

import (
	"time"

	"github.com/miekg/dns"

	"github.com/gravitydns/gravity/dnsutil"
)

// Entry is an immutable cached answer set. The stored message keeps its
// insertion-time TTLs; ToMsg rewrites them with the elapsed time deducted.
type Entry struct {
	msg      *dns.Msg
	inserted time.Time
	ttl      time.Duration
}

// NewEntry copies msg into a fresh entry. The entry TTL is the minimum TTL
// among the answer and authority records, clamped to [minTTL, maxTTL].
func NewEntry(msg *dns.Msg, minTTL, maxTTL time.Duration) *Entry {
	// strip OPT, the responder attaches its own
	cp := dnsutil.ClearOPT(msg.Copy())

	ttl := minimalTTL(cp)
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	return &Entry{
		msg:      cp,
		inserted: time.Now().UTC(),
		ttl:      ttl,
	}
}

// minimalTTL finds the smallest record TTL in msg. Messages without records
// (NXDOMAIN, NODATA without SOA) fall back to zero and rely on the caller's
// minimum.
func minimalTTL(msg *dns.Msg) time.Duration {
	found := false
	min := uint32(0)

	consider := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if !found || rr.Header().Ttl < min {
				min = rr.Header().Ttl
				found = true
			}
		}
	}

	consider(msg.Answer)
	consider(msg.Ns)

	return time.Duration(min) * time.Second
}

// ExpiresAt returns the entry deadline.
func (e *Entry) ExpiresAt() time.Time { return e.inserted.Add(e.ttl) }

// Expired reports whether the entry is past its deadline at now.
func (e *Entry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt()) }

// ToMsg builds a response for req with the remaining TTL written into every
// record. It returns nil when the entry has expired; expired entries are
// misses.
func (e *Entry) ToMsg(req *dns.Msg, now time.Time) *dns.Msg {
	remaining := e.ExpiresAt().Sub(now)
	if remaining <= 0 {
		return nil
	}

	resp := e.msg.Copy()
	rcode := resp.Rcode
	resp.SetReply(req)
	resp.Rcode = rcode
	resp.Authoritative = false
	resp.RecursionAvailable = true

	if req.CheckingDisabled {
		resp.AuthenticatedData = false
	}

	ttl := uint32(remaining.Seconds())
	for _, rr := range resp.Answer {
		rr.Header().Ttl = ttl
	}
	for _, rr := range resp.Ns {
		rr.Header().Ttl = ttl
	}
	for _, rr := range resp.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			rr.Header().Ttl = ttl
		}
	}

	return resp
}
