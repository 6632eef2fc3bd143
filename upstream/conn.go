package upstream

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const headerSize = 12

// Conn wraps a net.Conn with DNS message framing: raw datagrams over
// packet connections, two-byte length prefixes over streams.
type Conn struct {
	net.Conn
	UDPSize uint16 // minimum receive buffer for UDP messages
}

// Exchange performs a synchronous query over the connection.
func (co *Conn) Exchange(m *dns.Msg) (r *dns.Msg, rtt time.Duration, err error) {
	opt := m.IsEdns0()
	if opt != nil && opt.UDPSize() >= dns.MinMsgSize {
		co.UDPSize = opt.UDPSize()
	}
	if opt == nil && co.UDPSize < dns.MinMsgSize {
		co.UDPSize = dns.MinMsgSize
	}

	t := time.Now()

	if err = co.WriteMsg(m); err != nil {
		return nil, 0, err
	}

	r, err = co.ReadMsg()
	if err == nil && r.Id != m.Id {
		err = dns.ErrId
	}

	rtt = time.Since(t)

	return r, rtt, err
}

// ReadMsg reads a single message from the connection.
func (co *Conn) ReadMsg() (*dns.Msg, error) {
	var (
		p   []byte
		n   int
		err error
	)

	if _, ok := co.Conn.(net.PacketConn); ok {
		p = acquireBuf(co.UDPSize)
		n, err = co.Conn.Read(p)
	} else {
		var length uint16
		if err := binary.Read(co.Conn, binary.BigEndian, &length); err != nil {
			return nil, err
		}

		p = acquireBuf(length)
		n, err = io.ReadFull(co.Conn, p)
	}

	if err != nil {
		releaseBuf(p)
		return nil, err
	} else if n < headerSize {
		releaseBuf(p)
		return nil, dns.ErrShortRead
	}

	defer releaseBuf(p)

	m := new(dns.Msg)
	if err := m.Unpack(p[:n]); err != nil {
		return nil, err
	}

	return m, nil
}

// WriteMsg sends a single message through the connection.
func (co *Conn) WriteMsg(m *dns.Msg) (err error) {
	size := uint16(m.Len()) + 1

	out := acquireBuf(size)
	defer releaseBuf(out)

	out, err = m.PackBuffer(out)
	if err != nil {
		return err
	}

	_, err = co.write(out)
	return err
}

func (co *Conn) write(p []byte) (int, error) {
	if len(p) > dns.MaxMsgSize {
		return 0, errors.New("message too large")
	}

	if _, ok := co.Conn.(net.PacketConn); ok {
		return co.Conn.Write(p)
	}

	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(p)))

	n, err := (&net.Buffers{l, p}).WriteTo(co.Conn)
	return int(n), err
}

var bufferPool sync.Pool

func acquireBuf(size uint16) []byte {
	x := bufferPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := *(x.(*[]byte))
	if cap(buf) < int(size) {
		return make([]byte, size)
	}
	return buf[:size]
}

func releaseBuf(buf []byte) {
	bufferPool.Put(&buf)
}
