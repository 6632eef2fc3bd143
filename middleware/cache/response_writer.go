package cache

import (
	"github.com/miekg/dns"

	"github.com/gravitydns/gravity/middleware"
)

// ResponseWriter stores answers written further down the chain.
type ResponseWriter struct {
	middleware.ResponseWriter

	cache *Cache
	key   uint64
}

// WriteMsg implements the ResponseWriter interface.
func (w *ResponseWriter) WriteMsg(msg *dns.Msg) error {
	w.cache.store(w.key, msg)

	return w.ResponseWriter.WriteMsg(msg)
}
