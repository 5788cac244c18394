package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/kafka-go/pkg/kmsg"
)

var errShortResponse = errors.New("kcoord: response frame shorter than its header")

// broker owns a single connection to one cluster node, narrowed to the
// one connection per node this package needs: group coordination traffic
// does not warrant a separate produce/fetch connection split.
type broker struct {
	id   int32
	addr string

	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu       sync.Mutex
	conn     net.Conn
	r        *bufio.Reader
	corrID   int32
	pending  map[int32]pendingReq
	dead     int32 // atomic
}

type pendingReq struct {
	resp kmsg.Response
	cell func(kmsg.Response, error)
}

func newBroker(id int32, addr string, dial func(context.Context, string) (net.Conn, error)) *broker {
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &broker{id: id, addr: addr, dial: dial, pending: make(map[int32]pendingReq)}
}

func (b *broker) isDead() bool { return atomic.LoadInt32(&b.dead) == 1 }

func (b *broker) markDead() {
	atomic.StoreInt32(&b.dead, 1)
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
}

func (b *broker) ensureConn(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := b.dial(ctx, b.addr)
	if err != nil {
		return err
	}
	b.conn = conn
	b.r = bufio.NewReader(conn)
	atomic.StoreInt32(&b.dead, 0)
	return nil
}

// writeRequest frames req with a 4-byte length prefix and the standard
// Kafka request header, returning the correlation id it was sent under.
// Decoding response bodies belongs to kmsg; this function only owns the
// wire framing those bodies travel in.
func (b *broker) writeRequest(ctx context.Context, clientID string, req kmsg.Request) (int32, error) {
	if err := b.ensureConn(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	corrID := b.corrID
	b.corrID++
	conn := b.conn
	b.mu.Unlock()

	hdr := make([]byte, 0, 32)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(req.Key()))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(req.MaxVersion()))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(corrID))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(clientID)))
	hdr = append(hdr, clientID...)

	body := req.AppendTo(nil)
	frame := make([]byte, 0, 4+len(hdr)+len(body))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(hdr)+len(body)))
	frame = append(frame, hdr...)
	frame = append(frame, body...)

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(frame); err != nil {
		b.markDead()
		return 0, err
	}
	return corrID, nil
}

// readResponse reads exactly one length-prefixed frame and decodes it
// into resp. It must be invoked from the single goroutine that drives
// Client.Poll; there is no internal read loop or dispatcher.
func (b *broker) readResponse(ctx context.Context, resp kmsg.Response) error {
	b.mu.Lock()
	conn, r := b.conn, b.r
	b.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		b.markDead()
		return err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		b.markDead()
		return err
	}

	// Correlation id occupies the first 4 bytes of the response header;
	// the coordinator's single-in-flight-per-cell usage means we do not
	// need to demultiplex it here.
	if len(buf) < 4 {
		return errShortResponse
	}
	return resp.ReadFrom(buf[4:])
}
