// Package server runs the DNS listeners and feeds queries into the
// middleware chain.
package server

import (
	"bufio"
	"context"
	"io"
	l "log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
	"github.com/gravitydns/gravity/mock"
	"github.com/gravitydns/gravity/server/doh"
	"github.com/gravitydns/gravity/server/doq"
)

// Server owns the inbound listeners (UDP, TCP, DoT, DoH, DoQ).
type Server struct {
	addr           string
	tlsAddr        string
	dohAddr        string
	doqAddr        string
	tlsCertificate string
	tlsPrivateKey  string

	certManager *CertManager
	doqServer   *doq.Server

	chainPool sync.Pool
}

// New returns a server configured from cfg.
func New(cfg *config.Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}

	server := &Server{
		addr:           cfg.Bind,
		tlsAddr:        cfg.BindTLS,
		dohAddr:        cfg.BindDOH,
		doqAddr:        cfg.BindDOQ,
		tlsCertificate: cfg.TLSCertificate,
		tlsPrivateKey:  cfg.TLSPrivateKey,
	}

	server.chainPool.New = func() any {
		return middleware.NewChain(middleware.Handlers())
	}

	return server
}

// ServeDNS implements the dns.Handler interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		m := new(dns.Msg)
		m.SetRcodeFormatError(r)
		_ = w.WriteMsg(m)
		return
	}

	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(context.Background())

	s.chainPool.Put(ch)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle := func(req *dns.Msg) *dns.Msg {
		mw := mock.NewWriter("doh", r.RemoteAddr)
		s.ServeDNS(mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	var handlerFn func(http.ResponseWriter, *http.Request)
	if r.Method == http.MethodGet && r.URL.Query().Get("dns") == "" {
		handlerFn = doh.HandleJSON(handle)
	} else {
		handlerFn = doh.HandleWireFormat(handle)
	}

	handlerFn(w, r)
}

// Run starts every configured listener.
func (s *Server) Run() {
	if s.tlsCertificate != "" && s.needsTLS() {
		cm, err := NewCertManager(s.tlsCertificate, s.tlsPrivateKey)
		if err != nil {
			zlog.Error("Certificate manager failed", "error", err.Error())
		} else {
			s.certManager = cm
		}
	}

	go s.ListenAndServeDNS("udp")
	go s.ListenAndServeDNS("tcp")
	go s.ListenAndServeDNSTLS()
	go s.ListenAndServeHTTPTLS()
	go s.ListenAndServeQUIC()
}

// Stop shuts the DoQ listener and certificate watcher down.
func (s *Server) Stop() {
	if s.doqServer != nil {
		if err := s.doqServer.Shutdown(); err != nil {
			zlog.Error("DoQ shutdown failed", "error", err.Error())
		}
	}

	if s.certManager != nil {
		s.certManager.Stop()
	}
}

func (s *Server) needsTLS() bool {
	return s.tlsAddr != "" || s.dohAddr != "" || s.doqAddr != ""
}

// ListenAndServeDNS starts a plain listener on network and serves
// incoming queries.
func (s *Server) ListenAndServeDNS(network string) {
	zlog.Info("DNS server listening...", "net", network, "addr", s.addr)

	server := &dns.Server{
		Addr:          s.addr,
		Net:           network,
		Handler:       s,
		MaxTCPQueries: 2048,
		ReusePort:     true,
	}

	if err := server.ListenAndServe(); err != nil {
		zlog.Error("DNS listener failed", "net", network, "addr", s.addr, "error", err.Error())
	}
}

// ListenAndServeDNSTLS starts the DNS-over-TLS listener.
func (s *Server) ListenAndServeDNSTLS() {
	if s.tlsAddr == "" {
		return
	}

	zlog.Info("DNS server listening...", "net", "tcp-tls", "addr", s.tlsAddr)

	if s.certManager != nil {
		server := &dns.Server{
			Addr:      s.tlsAddr,
			Net:       "tcp-tls",
			Handler:   s,
			TLSConfig: s.certManager.GetTLSConfig(),
		}

		if err := server.ListenAndServe(); err != nil {
			zlog.Error("DNS listener failed", "net", "tcp-tls", "addr", s.tlsAddr, "error", err.Error())
		}
		return
	}

	if err := dns.ListenAndServeTLS(s.tlsAddr, s.tlsCertificate, s.tlsPrivateKey, s); err != nil {
		zlog.Error("DNS listener failed", "net", "tcp-tls", "addr", s.tlsAddr, "error", err.Error())
	}
}

// ListenAndServeHTTPTLS starts the DNS-over-HTTPS listener.
func (s *Server) ListenAndServeHTTPTLS() {
	if s.dohAddr == "" {
		return
	}

	zlog.Info("DNS server listening...", "net", "https", "addr", s.dohAddr)

	logReader, logWriter := io.Pipe()
	go readlogs(logReader)

	srv := &http.Server{
		Addr:         s.dohAddr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     l.New(logWriter, "", 0),
	}

	if s.certManager != nil {
		srv.TLSConfig = s.certManager.GetTLSConfig()

		if err := srv.ListenAndServeTLS("", ""); err != nil {
			zlog.Error("DNS listener failed", "net", "https", "addr", s.dohAddr, "error", err.Error())
		}
		return
	}

	if err := srv.ListenAndServeTLS(s.tlsCertificate, s.tlsPrivateKey); err != nil {
		zlog.Error("DNS listener failed", "net", "https", "addr", s.dohAddr, "error", err.Error())
	}
}

// ListenAndServeQUIC starts the DNS-over-QUIC listener.
func (s *Server) ListenAndServeQUIC() {
	if s.doqAddr == "" {
		return
	}

	s.doqServer = &doq.Server{
		Addr:    s.doqAddr,
		Handler: s,
	}

	zlog.Info("DNS server listening...", "net", "doq", "addr", s.doqAddr)

	var err error
	if s.certManager != nil {
		err = s.doqServer.ListenAndServeTLSConfig(s.certManager.GetTLSConfig())
	} else {
		err = s.doqServer.ListenAndServeQUIC(s.tlsCertificate, s.tlsPrivateKey)
	}

	if err != nil {
		zlog.Error("DNS listener failed", "net", "doq", "addr", s.doqAddr, "error", err.Error())
	}
}

func readlogs(rd io.Reader) {
	buf := bufio.NewReader(rd)
	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			continue
		}

		parts := strings.SplitN(string(line[:len(line)-1]), " ", 2)
		if len(parts) > 1 {
			zlog.Warn("Client http socket failed", "net", "https", "error", parts[1])
		}
	}
}
