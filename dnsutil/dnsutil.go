// Package dnsutil has small helpers shared across the query path.
package dnsutil

import (
	"strings"

	"github.com/miekg/dns"
)

const (
	// DefaultMsgSize is the EDNS0 buffer size advertised upstream.
	DefaultMsgSize = 1232
)

// SetRcode returns an answer for req carrying rcode.
func SetRcode(req *dns.Msg, rcode int, do bool) *dns.Msg {
	m := new(dns.Msg)
	m.Extra = req.Extra
	m.SetRcode(req, rcode)
	m.RecursionAvailable = true
	m.RecursionDesired = true

	if opt := m.IsEdns0(); opt != nil {
		opt.SetDo(do)
	}

	return m
}

// ClearOPT returns msg with every OPT record removed from the extra
// section.
func ClearOPT(msg *dns.Msg) *dns.Msg {
	extra := make([]dns.RR, len(msg.Extra))
	copy(extra, msg.Extra)

	msg.Extra = []dns.RR{}

	for _, rr := range extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			msg.Extra = append(msg.Extra, rr)
		}
	}

	return msg
}

// FormatQuestion returns a log-friendly "name class type" form of q.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

// HasDO reports whether req asks for DNSSEC records.
func HasDO(req *dns.Msg) bool {
	if opt := req.IsEdns0(); opt != nil {
		return opt.Do()
	}
	return false
}
