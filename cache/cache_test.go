package cache

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMsg(name string, ttl uint32) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(name, dns.TypeA)

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.IPv4(192, 0, 2, 1),
	})

	return resp
}

func Test_Cache_RoundTrip(t *testing.T) {
	c := New(1024)
	defer c.Stop()

	msg := testMsg("example.com.", 300)
	key := KeyString("example.com.", dns.TypeA, dns.ClassINET, false, false)

	c.Add(key, NewEntry(msg, 0, time.Hour))

	e, ok := c.Get(key)
	require.True(t, ok)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp := e.ToMsg(req, time.Now().UTC())
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	assert.LessOrEqual(t, resp.Answer[0].Header().Ttl, uint32(300))
	assert.Equal(t, req.Id, resp.Id)
}

func Test_Cache_ExpiredIsMiss(t *testing.T) {
	c := New(1024)
	defer c.Stop()

	key := KeyString("example.com.", dns.TypeA, dns.ClassINET, false, false)
	c.Add(key, NewEntry(testMsg("example.com.", 300), 0, time.Hour))

	// jump the clock past the entry deadline
	c.now = func() time.Time { return time.Now().Add(301 * time.Second) }

	_, ok := c.Get(key)
	assert.False(t, ok)

	// the expired entry was purged on lookup
	assert.Equal(t, 0, c.Len())
}

func Test_Cache_TTLDecay(t *testing.T) {
	msg := testMsg("example.com.", 300)
	e := NewEntry(msg, 0, time.Hour)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp := e.ToMsg(req, time.Now().UTC().Add(100*time.Second))
	require.NotNil(t, resp)
	assert.InDelta(t, 200, int(resp.Answer[0].Header().Ttl), 1)

	assert.Nil(t, e.ToMsg(req, time.Now().UTC().Add(300*time.Second)))
}

func Test_Cache_MinimumTTLAcrossRecords(t *testing.T) {
	msg := testMsg("example.com.", 300)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.IPv4(192, 0, 2, 2),
	})

	e := NewEntry(msg, 0, time.Hour)
	assert.InDelta(t, 60, e.ExpiresAt().Sub(time.Now().UTC()).Seconds(), 1)
}

func Test_Cache_LRUEviction(t *testing.T) {
	s := newShard(2)
	now := time.Now().UTC()

	entry := func(name string) *Entry { return NewEntry(testMsg(name, 300), 0, time.Hour) }

	s.Add(1, entry("a.example."))
	s.Add(2, entry("b.example."))

	// touch key 1 so key 2 is the eviction victim
	_, ok := s.Get(1, now)
	require.True(t, ok)

	s.Add(3, entry("c.example."))

	_, ok = s.Get(1, now)
	assert.True(t, ok)
	_, ok = s.Get(2, now)
	assert.False(t, ok)
	_, ok = s.Get(3, now)
	assert.True(t, ok)
}

func Test_Cache_Sweep(t *testing.T) {
	c := New(1024)
	defer c.Stop()

	c.Add(1, NewEntry(testMsg("short.example.", 1), 0, time.Hour))
	c.Add(2, NewEntry(testMsg("long.example.", 3600), 0, time.Hour))

	c.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	removed := c.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
}

func Test_Cache_Concurrency(t *testing.T) {
	c := New(4096)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				name := fmt.Sprintf("host%d.example.", j%50)
				key := KeyString(name, dns.TypeA, dns.ClassINET, false, false)
				if n%2 == 0 {
					c.Add(key, NewEntry(testMsg(name, 300), 0, time.Hour))
				} else {
					c.Get(key)
				}
			}
		}(i)
	}
	wg.Wait()
}

func Test_Key_CaseInsensitive(t *testing.T) {
	a := KeyString("Example.COM.", dns.TypeA, dns.ClassINET, false, false)
	b := KeyString("example.com.", dns.TypeA, dns.ClassINET, false, false)
	assert.Equal(t, a, b)

	c := KeyString("example.com.", dns.TypeAAAA, dns.ClassINET, false, false)
	assert.NotEqual(t, a, c)

	d := KeyString("example.com.", dns.TypeA, dns.ClassCHAOS, false, false)
	assert.NotEqual(t, a, d)
}

func Test_Key_Flags(t *testing.T) {
	base := KeyString("example.com.", dns.TypeA, dns.ClassINET, false, false)
	do := KeyString("example.com.", dns.TypeA, dns.ClassINET, true, false)
	cd := KeyString("example.com.", dns.TypeA, dns.ClassINET, false, true)
	both := KeyString("example.com.", dns.TypeA, dns.ClassINET, true, true)

	assert.NotEqual(t, base, do)
	assert.NotEqual(t, base, cd)
	assert.NotEqual(t, base, both)
	assert.NotEqual(t, do, cd)
	assert.NotEqual(t, do, both)
	assert.NotEqual(t, cd, both)
}
