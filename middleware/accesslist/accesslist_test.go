package accesslist

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
	"github.com/gravitydns/gravity/mock"
)

func runQuery(a *AccessList, addr string) *mock.Writer {
	req := new(dns.Msg)
	req.SetQuestion("test.com.", dns.TypeA)

	mw := mock.NewWriter("udp", addr)
	ch := middleware.NewChain([]middleware.Handler{a, &answer{}})
	ch.Reset(mw, req)

	ch.Next(context.Background())

	return mw
}

type answer struct{}

func (an *answer) Name() string { return "answer" }

func (an *answer) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	m := new(dns.Msg)
	m.SetReply(ch.Request)
	_ = ch.Writer.WriteMsg(m)
	ch.Cancel()
}

func Test_AccesslistEmpty(t *testing.T) {
	cfg := new(config.Config)
	cfg.AccessList = []string{}

	a := New(cfg)

	mw := runQuery(a, "8.8.8.8:0")
	assert.True(t, mw.Written(), "empty access list must allow everyone")
}

func Test_Accesslist(t *testing.T) {
	cfg := new(config.Config)
	cfg.AccessList = []string{"127.0.0.1/32", "not-a-cidr"}

	a := New(cfg)

	mw := runQuery(a, "127.0.0.1:0")
	assert.True(t, mw.Written())

	mw = runQuery(a, "8.8.8.8:0")
	assert.False(t, mw.Written(), "out-of-range client must get no reply")
}

func Test_AccesslistV6(t *testing.T) {
	cfg := new(config.Config)
	cfg.AccessList = []string{"::1/128"}

	a := New(cfg)

	mw := runQuery(a, "[::1]:0")
	assert.True(t, mw.Written())

	mw = runQuery(a, "[2001:db8::1]:0")
	assert.False(t, mw.Written())
}
