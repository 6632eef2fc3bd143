package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/miekg/dns"
)

// plainExchanger dials a fresh UDP or TCP connection per attempt. Timeout
// and cancellation come from the caller's context.
type plainExchanger struct {
	addr    string
	network string
}

func (e *plainExchanger) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, e.network, e.addr)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	co := &Conn{Conn: conn}

	return co.Exchange(req)
}

// dotExchanger speaks DNS over a TLS stream, framing as in TCP.
type dotExchanger struct {
	addr      string
	tlsConfig *tls.Config
}

func newDotExchanger(addr, serverName string) *dotExchanger {
	return &dotExchanger{
		addr: addr,
		tlsConfig: &tls.Config{
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		},
	}
}

func (e *dotExchanger) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	d := tls.Dialer{Config: e.tlsConfig}

	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	co := &Conn{Conn: conn}

	return co.Exchange(req)
}
