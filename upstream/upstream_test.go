package upstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTestServer(t *testing.T, network string, handler dns.Handler) string {
	t.Helper()

	var (
		srv  *dns.Server
		addr string
	)

	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		addr = pc.LocalAddr().String()
		srv = &dns.Server{PacketConn: pc, Handler: handler}
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr = ln.Addr().String()
		srv = &dns.Server{Listener: ln, Handler: handler}
	}

	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return addr
}

func echoHandler() dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(192, 0, 2, 53),
		})
		_ = w.WriteMsg(m)
	})
}

func Test_New_Schemes(t *testing.T) {
	cases := []struct {
		addr  string
		proto Proto
		want  string
	}{
		{"1.1.1.1:53", UDP, "1.1.1.1:53"},
		{"udp://9.9.9.9", UDP, "9.9.9.9:53"},
		{"tcp://8.8.8.8:53", TCP, "8.8.8.8:53"},
		{"tls://dns.example", DoT, "dns.example:853"},
		{"quic://dns.example:8853", DoQ, "dns.example:8853"},
		{"https://dns.example/dns-query", DoH, "https://dns.example/dns-query"},
	}

	for _, tc := range cases {
		u, err := New(tc.addr, time.Second)
		require.NoError(t, err, tc.addr)
		assert.Equal(t, tc.proto, u.Proto(), tc.addr)
		assert.Equal(t, tc.want, u.Addr(), tc.addr)
	}

	_, err := New("ftp://example.com", time.Second)
	assert.Error(t, err)
}

func Test_Upstream_ExchangeUDP(t *testing.T) {
	addr := runTestServer(t, "udp", echoHandler())

	u, err := New("udp://"+addr, 2*time.Second)
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, rtt, err := u.Exchange(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Positive(t, rtt)
	assert.Equal(t, Healthy, u.Health().State())
}

func Test_Upstream_ExchangeTCP(t *testing.T) {
	addr := runTestServer(t, "tcp", echoHandler())

	u, err := New("tcp://"+addr, 2*time.Second)
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, _, err := u.Exchange(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
}

func Test_Upstream_TruncationRetryPath(t *testing.T) {
	// the UDP listener answers truncated, the TCP listener on the same
	// address answers fully
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	udpSrv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Truncated = true
		_ = w.WriteMsg(m)
	})}
	tcpSrv := &dns.Server{Listener: ln, Handler: echoHandler()}

	go func() { _ = udpSrv.ActivateAndServe() }()
	go func() { _ = tcpSrv.ActivateAndServe() }()
	t.Cleanup(func() { _ = udpSrv.Shutdown(); _ = tcpSrv.Shutdown() })

	u, err := New("udp://"+addr, 2*time.Second)
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, _, err := u.Exchange(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Truncated)

	resp, _, err = u.ExchangeTCP(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	require.Len(t, resp.Answer, 1)
}

func Test_Upstream_TimeoutMarksHealth(t *testing.T) {
	// an address nothing answers on
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	u, err := New("udp://"+pc.LocalAddr().String(), 100*time.Millisecond)
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	start := time.Now()
	_, _, err = u.Exchange(context.Background(), req)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotZero(t, u.Health().LastFailure())
}

func Test_Upstream_NoTCPRetryForDoT(t *testing.T) {
	u, err := New("tls://dns.example", time.Second)
	require.NoError(t, err)

	_, _, err = u.ExchangeTCP(context.Background(), new(dns.Msg))
	assert.Error(t, err)
}
