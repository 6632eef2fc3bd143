package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

// dohExchanger posts wire-format queries to a DNS-over-HTTPS endpoint
// (RFC 8484). The http.Client reuses connections across attempts.
type dohExchanger struct {
	url    string
	client *http.Client
}

func newDohExchanger(url string) *dohExchanger {
	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &dohExchanger{
		url:    url,
		client: &http.Client{Transport: transport},
	}
}

func (e *dohExchanger) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	buf, err := req.Pack()
	if err != nil {
		return nil, 0, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(buf))
	if err != nil {
		return nil, 0, err
	}
	hreq.Header.Set("Content-Type", "application/dns-message")
	hreq.Header.Set("Accept", "application/dns-message")

	t := time.Now()

	hresp, err := e.client.Do(hreq)
	if err != nil {
		return nil, 0, err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("doh status %d", hresp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(hresp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, 0, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, 0, err
	}

	resp.Id = req.Id

	return resp, time.Since(t), nil
}
