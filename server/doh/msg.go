package doh

import (
	"strings"

	"github.com/miekg/dns"
)

// Msg is the JSON form of a DNS answer.
type Msg struct {
	Status    int
	TC        bool
	RD        bool
	RA        bool
	AD        bool
	CD        bool
	Question  []Question
	Answer    []RR `json:",omitempty"`
	Authority []RR `json:",omitempty"`
}

// Question is the JSON form of a question section entry.
type Question struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

// RR is the JSON form of a resource record.
type RR struct {
	Question
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// NewMsg converts msg into its JSON form.
func NewMsg(msg *dns.Msg) *Msg {
	if msg == nil {
		return nil
	}

	m := &Msg{
		Status:   msg.Rcode,
		TC:       msg.Truncated,
		RD:       msg.RecursionDesired,
		RA:       msg.RecursionAvailable,
		AD:       msg.AuthenticatedData,
		CD:       msg.CheckingDisabled,
		Question: make([]Question, len(msg.Question)),
	}

	for i, q := range msg.Question {
		m.Question[i] = Question{
			Name: q.Name,
			Type: q.Qtype,
		}
	}

	for _, rr := range msg.Answer {
		m.Answer = append(m.Answer, newRR(rr))
	}

	for _, rr := range msg.Ns {
		m.Authority = append(m.Authority, newRR(rr))
	}

	return m
}

func newRR(rr dns.RR) RR {
	hdr := rr.Header()

	return RR{
		Question: Question{
			Name: hdr.Name,
			Type: hdr.Rrtype,
		},
		TTL:  hdr.Ttl,
		Data: strings.TrimPrefix(rr.String(), hdr.String()),
	}
}
