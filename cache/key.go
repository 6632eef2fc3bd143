// Package cache provides the TTL-aware, capacity-bounded answer store.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// keyBuffer is a reusable stack-sized buffer for key generation.
type keyBuffer struct {
	buf [256]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Key hashes a question into the cache key. The key covers qclass, qtype,
// the case-normalized qname and the do/cd flags, so validating and
// non-validating clients never share an entry.
func Key(q dns.Question, do, cd bool) uint64 {
	return KeyString(q.Name, q.Qtype, q.Qclass, do, cd)
}

// KeyString is the string-argument form of Key.
func KeyString(qname string, qtype, qclass uint16, do, cd bool) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	buf := kb.buf[:0]

	var flags byte
	if do {
		flags |= 1
	}
	if cd {
		flags |= 2
	}
	buf = append(buf, flags)

	buf = append(buf, byte(qclass>>8), byte(qclass))
	buf = append(buf, byte(qtype>>8), byte(qtype))

	if len(buf)+len(qname) > len(kb.buf) {
		// names longer than the stack buffer are rare enough to heap-allocate
		newBuf := make([]byte, len(buf), len(buf)+len(qname))
		copy(newBuf, buf)
		buf = newBuf
	}

	for i := 0; i < len(qname); i++ {
		c := qname[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	hash := xxhash.Sum64(buf)

	keyBufferPool.Put(kb)

	return hash
}
