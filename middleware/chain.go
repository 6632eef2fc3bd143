package middleware

import (
	"context"

	"github.com/miekg/dns"

	"github.com/gravitydns/gravity/dnsutil"
)

// Outcome classifies how a query was answered, for the statistics event
// emitted per completed query.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeBlocked
	OutcomeCached
	OutcomeForwarded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBlocked:
		return "blocked"
	case OutcomeCached:
		return "cached"
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeFailed:
		return "failed"
	}
	return "none"
}

// Chain type.
type Chain struct {
	Writer  ResponseWriter
	Request *dns.Msg

	// Outcome is set by the handler that answers the query.
	Outcome Outcome

	handlers []Handler

	head  int
	count int
}

// NewChain returns a new fresh chain.
func NewChain(handlers []Handler) *Chain {
	return &Chain{
		Writer:   &responseWriter{},
		handlers: handlers,
		count:    len(handlers),
	}
}

// Next calls the next dns handler in the chain.
func (ch *Chain) Next(ctx context.Context) {
	if ch.count == 0 {
		return
	}

	handler := ch.handlers[ch.head]
	ch.head = (ch.head + 1) % len(ch.handlers)
	ch.count--

	handler.ServeDNS(ctx, ch)
}

// Cancel cancels the remaining handler calls.
func (ch *Chain) Cancel() {
	ch.count = 0
}

// CancelWithRcode cancels the remaining handler calls and answers with
// rcode.
func (ch *Chain) CancelWithRcode(rcode int, do bool) {
	_ = ch.Writer.WriteMsg(dnsutil.SetRcode(ch.Request, rcode, do))

	ch.count = 0
}

// Reset resets the chain variables for reuse.
func (ch *Chain) Reset(w dns.ResponseWriter, r *dns.Msg) {
	ch.Writer.Reset(w)
	ch.Request = r
	ch.Outcome = OutcomeNone
	ch.count = len(ch.handlers)
	ch.head = 0
}
