package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

var doqProtos = []string{"doq", "doq-i02", "doq-i00", "doq-i01", "doq-i11"}

// doqExchanger speaks DNS-over-QUIC (RFC 9250): one bidirectional stream
// per query, two-byte length prefix, message id zero on the wire. The QUIC
// connection is kept across attempts and redialed when broken.
type doqExchanger struct {
	addr      string
	tlsConfig *tls.Config

	mu   sync.Mutex
	conn *quic.Conn
}

func newDoqExchanger(addr, serverName string) *doqExchanger {
	return &doqExchanger{
		addr: addr,
		tlsConfig: &tls.Config{
			ServerName: serverName,
			NextProtos: doqProtos,
			MinVersion: tls.VersionTLS13,
		},
	}
}

func (e *doqExchanger) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	t := time.Now()

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, 0, err
	}

	resp, err := e.query(ctx, conn, req)
	if err != nil {
		// one redial covers a stale idle connection
		e.drop(conn)
		conn, derr := e.dial(ctx)
		if derr != nil {
			return nil, 0, errors.Join(err, derr)
		}
		resp, err = e.query(ctx, conn, req)
		if err != nil {
			e.drop(conn)
			return nil, 0, err
		}
	}

	return resp, time.Since(t), nil
}

func (e *doqExchanger) query(ctx context.Context, conn *quic.Conn, req *dns.Msg) (*dns.Msg, error) {
	// RFC 9250: the message id must be zero over QUIC
	id := req.Id
	q := req.Copy()
	q.Id = 0

	packed, err := q.Pack()
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	buf := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(buf, uint16(len(packed)))
	copy(buf[2:], packed)

	if _, err := stream.Write(buf); err != nil {
		return nil, err
	}
	// half-close signals end of query
	_ = stream.Close()

	raw, err := io.ReadAll(io.LimitReader(stream, dns.MaxMsgSize))
	if err != nil {
		return nil, err
	}
	if len(raw) < 2+headerSize {
		return nil, dns.ErrShortRead
	}

	msgLen := binary.BigEndian.Uint16(raw[:2])
	if int(msgLen) != len(raw)-2 {
		return nil, errors.New("doq message length mismatch")
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(raw[2:]); err != nil {
		return nil, err
	}

	resp.Id = id

	return resp, nil
}

func (e *doqExchanger) dial(ctx context.Context) (*quic.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		select {
		case <-e.conn.Context().Done():
			e.conn = nil
		default:
			return e.conn, nil
		}
	}

	conn, err := quic.DialAddr(ctx, e.addr, e.tlsConfig, &quic.Config{
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	e.conn = conn

	return conn, nil
}

func (e *doqExchanger) drop(conn *quic.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()

	_ = conn.CloseWithError(0, "")
}
