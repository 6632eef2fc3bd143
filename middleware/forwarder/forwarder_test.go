package forwarder

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
	"github.com/gravitydns/gravity/mock"
	"github.com/gravitydns/gravity/upstream"
)

func runTestServer(t *testing.T, handler dns.Handler) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: handler}

	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func answerHandler(ip net.IP) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   ip,
		})
		_ = w.WriteMsg(m)
	})
}

func servfailHandler() dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
	})
}

func runQuery(f *Forwarder, qname string) (*middleware.Chain, *mock.Writer) {
	req := new(dns.Msg)
	req.SetQuestion(qname, dns.TypeA)

	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch := middleware.NewChain([]middleware.Handler{f})
	ch.Reset(mw, req)

	f.ServeDNS(context.Background(), ch)

	return ch, mw
}

func testConfig(upstreams ...string) *config.Config {
	cfg := new(config.Config)
	cfg.Upstreams = upstreams
	cfg.Timeout.Duration = 500 * time.Millisecond

	return cfg
}

func Test_ForwarderAnswers(t *testing.T) {
	addr := runTestServer(t, answerHandler(net.IPv4(192, 0, 2, 53)))

	f := New(testConfig(addr))

	ch, mw := runQuery(f, "example.com.")

	require.True(t, mw.Written())
	assert.Equal(t, middleware.OutcomeForwarded, ch.Outcome)
	require.Len(t, mw.Msg().Answer, 1)
	assert.Equal(t, "192.0.2.53", mw.Msg().Answer[0].(*dns.A).A.String())
}

func Test_ForwarderFailover(t *testing.T) {
	good := runTestServer(t, answerHandler(net.IPv4(192, 0, 2, 2)))

	// first upstream times out, second answers
	f := New(testConfig("127.0.0.1:1", good))

	ch, mw := runQuery(f, "failover.example.com.")

	require.True(t, mw.Written())
	assert.Equal(t, middleware.OutcomeForwarded, ch.Outcome)
	require.Len(t, mw.Msg().Answer, 1)
	assert.Equal(t, "192.0.2.2", mw.Msg().Answer[0].(*dns.A).A.String())

	ups := f.Upstreams()
	require.Len(t, ups, 2)
	assert.False(t, ups[0].Health().LastFailure().IsZero())
	assert.Equal(t, upstream.Healthy, ups[1].Health().State())
}

func Test_ForwarderServfailFailover(t *testing.T) {
	bad := runTestServer(t, servfailHandler())
	good := runTestServer(t, answerHandler(net.IPv4(192, 0, 2, 3)))

	f := New(testConfig(bad, good))

	_, mw := runQuery(f, "servfail.example.com.")

	require.True(t, mw.Written())
	require.Len(t, mw.Msg().Answer, 1)
	assert.Equal(t, "192.0.2.3", mw.Msg().Answer[0].(*dns.A).A.String())
}

func Test_ForwarderAllFail(t *testing.T) {
	f := New(testConfig("127.0.0.1:1"))

	ch, mw := runQuery(f, "dead.example.com.")

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Msg().Rcode)
	assert.Equal(t, middleware.OutcomeFailed, ch.Outcome)
}

func Test_ForwarderNoUpstreams(t *testing.T) {
	f := New(testConfig())

	ch, mw := runQuery(f, "empty.example.com.")

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Msg().Rcode)
	assert.Equal(t, middleware.OutcomeFailed, ch.Outcome)
}

func Test_ForwarderSetUpstreams(t *testing.T) {
	f := New(testConfig("127.0.0.1:1"))

	addr := runTestServer(t, answerHandler(net.IPv4(192, 0, 2, 4)))
	u, err := upstream.New(addr, 500*time.Millisecond)
	require.NoError(t, err)

	f.SetUpstreams([]*upstream.Upstream{u})

	_, mw := runQuery(f, "reload.example.com.")

	require.True(t, mw.Written())
	require.Len(t, mw.Msg().Answer, 1)
	assert.Equal(t, "192.0.2.4", mw.Msg().Answer[0].(*dns.A).A.String())
}

func Test_ForwarderReload(t *testing.T) {
	f := New(testConfig("127.0.0.1:1"))

	addr := runTestServer(t, answerHandler(net.IPv4(192, 0, 2, 5)))
	f.Reload(testConfig(addr))

	_, mw := runQuery(f, "reloaded.example.com.")

	require.True(t, mw.Written())
	require.Len(t, mw.Msg().Answer, 1)
	assert.Equal(t, "192.0.2.5", mw.Msg().Answer[0].(*dns.A).A.String())
}

func Test_ForwarderBogusNoFailover(t *testing.T) {
	bogus := runTestServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		m.SetEdns0(4096, true)
		opt := m.IsEdns0()
		opt.Option = append(opt.Option, &dns.EDNS0_EDE{InfoCode: dns.ExtendedErrorCodeDNSBogus})
		_ = w.WriteMsg(m)
	}))

	var hits atomic.Int32
	good := runTestServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		hits.Add(1)
		m := new(dns.Msg)
		m.SetReply(req)
		_ = w.WriteMsg(m)
	}))

	cfg := testConfig(bogus, good)
	cfg.DNSSEC = true
	f := New(cfg)

	ch, mw := runQuery(f, "bogus.example.com.")

	// the validation failure comes back as-is, no second upstream asked
	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Msg().Rcode)
	assert.Equal(t, middleware.OutcomeFailed, ch.Outcome)
	assert.Equal(t, int32(0), hits.Load())
}

func Test_ForwarderEdnsAdded(t *testing.T) {
	var seen *dns.Msg
	addr := runTestServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		seen = req.Copy()
		m := new(dns.Msg)
		m.SetReply(req)
		_ = w.WriteMsg(m)
	}))

	cfg := testConfig(addr)
	cfg.DNSSEC = true
	f := New(cfg)

	_, mw := runQuery(f, "edns.example.com.")

	require.True(t, mw.Written())
	require.NotNil(t, seen)
	opt := seen.IsEdns0()
	require.NotNil(t, opt)
	assert.True(t, opt.Do())
}
