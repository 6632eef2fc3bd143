// Package upstream implements the outbound resolver transports (UDP, TCP,
// DNS-over-TLS, DNS-over-HTTPS, DNS-over-QUIC) behind a single exchange
// interface, plus per-upstream health tracking.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Proto is the transport of an upstream.
type Proto string

const (
	UDP Proto = "udp"
	TCP Proto = "tcp"
	DoT Proto = "tls"
	DoH Proto = "https"
	DoQ Proto = "quic"
)

type exchanger interface {
	exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error)
}

// Upstream is one configured upstream resolver: an address, a transport and
// its mutable health state.
type Upstream struct {
	addr    string
	proto   Proto
	timeout time.Duration

	health *Health
	exch   exchanger

	// tcp carries the TC-bit retry path for UDP upstreams.
	tcp exchanger
}

// New parses an upstream address into an Upstream. Accepted forms:
//
//	1.1.1.1:53            plain UDP (with TCP retry on truncation)
//	udp://1.1.1.1:53      plain UDP
//	tcp://1.1.1.1:53      plain TCP
//	tls://dns.example:853 DNS-over-TLS
//	https://dns.example/dns-query  DNS-over-HTTPS
//	quic://dns.example:853 DNS-over-QUIC
func New(addr string, timeout time.Duration) (*Upstream, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	u := &Upstream{timeout: timeout, health: NewHealth()}

	scheme, rest := "udp", addr
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme, rest = addr[:i], addr[i+3:]
	}

	switch scheme {
	case "udp", "tcp":
		hostport, err := withDefaultPort(rest, "53")
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", addr, err)
		}
		u.addr = hostport
		u.proto = Proto(scheme)
		u.exch = &plainExchanger{addr: hostport, network: scheme}
		if scheme == "udp" {
			u.tcp = &plainExchanger{addr: hostport, network: "tcp"}
		}

	case "tls":
		hostport, err := withDefaultPort(rest, "853")
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", addr, err)
		}
		host, _, _ := net.SplitHostPort(hostport)
		u.addr = hostport
		u.proto = DoT
		u.exch = newDotExchanger(hostport, host)

	case "https":
		if _, err := url.Parse(addr); err != nil {
			return nil, fmt.Errorf("upstream %q: %w", addr, err)
		}
		u.addr = addr
		u.proto = DoH
		u.exch = newDohExchanger(addr)

	case "quic":
		hostport, err := withDefaultPort(rest, "853")
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", addr, err)
		}
		host, _, _ := net.SplitHostPort(hostport)
		u.addr = hostport
		u.proto = DoQ
		u.exch = newDoqExchanger(hostport, host)

	default:
		return nil, fmt.Errorf("upstream %q: unknown scheme %q", addr, scheme)
	}

	return u, nil
}

// Addr returns the upstream address.
func (u *Upstream) Addr() string { return u.addr }

// Proto returns the upstream transport.
func (u *Upstream) Proto() Proto { return u.proto }

// Health returns the upstream health state.
func (u *Upstream) Health() *Health { return u.health }

// Timeout returns the per-attempt timeout.
func (u *Upstream) Timeout() time.Duration { return u.timeout }

// Exchange sends req over the upstream's transport, bounded by the
// per-attempt timeout, and records the outcome in the health state.
func (u *Upstream) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	resp, rtt, err := u.exch.exchange(ctx, req)
	if err != nil {
		u.health.Fail()
		return nil, rtt, err
	}

	u.health.Success()

	return resp, rtt, nil
}

// ExchangeTCP retries req over TCP against the same upstream. It is the
// truncation fallback for UDP upstreams and returns an error for others.
func (u *Upstream) ExchangeTCP(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	if u.tcp == nil {
		return nil, 0, fmt.Errorf("upstream %s: no tcp retry path", u.addr)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	resp, rtt, err := u.tcp.exchange(ctx, req)
	if err != nil {
		u.health.Fail()
		return nil, rtt, err
	}

	u.health.Success()

	return resp, rtt, nil
}

func (u *Upstream) String() string {
	return string(u.proto) + "://" + strings.TrimPrefix(u.addr, string(u.proto)+"://")
}

func withDefaultPort(hostport, port string) (string, error) {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport, nil
	}

	host := strings.Trim(hostport, "[]")
	if host == "" {
		return "", fmt.Errorf("empty address")
	}

	return net.JoinHostPort(host, port), nil
}
