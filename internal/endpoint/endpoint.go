// Package endpoint implements the Connection, Receiver/Sender endpoints and
// EndpointTable of spec §3/§4.2: the bridge between raw TCP sockets and the
// in-process publish/subscribe log. Every socket operation here is
// non-blocking; Go's net.Conn has no NIO-style non-blocking read, so a read
// deadline set in the past is used to force Read to return immediately with
// os.ErrDeadlineExceeded when no bytes are available (the technique the
// teacher's server package used for keepalive timeouts, repurposed here for
// per-pass polling instead of a blocking read loop).
package endpoint

import (
	"errors"
	"net"
	"time"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/pubsub"
)

// Direction records which side initiated a Connection.
type Direction int

const (
	Acceptor Direction = iota
	Initiator
)

func (d Direction) String() string {
	if d == Acceptor {
		return "ACCEPTOR"
	}
	return "INITIATOR"
}

// MarshalJSON renders a Direction by name rather than its underlying int, so
// inbound-stream frames stay human-readable (spec §6).
func (d Direction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// pastDeadline is used to make a blocking net.Conn behave like a
// non-blocking one: any Read/Write called with this deadline already set
// returns immediately, either with data already buffered by the kernel or
// with os.ErrDeadlineExceeded.
var pastDeadline = time.Unix(0, 0)

// isWouldBlock reports whether err is the "no bytes available right now"
// signal from a deadline forced into the past, as opposed to a real I/O
// failure.
func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsClosedError reports whether err is net.ErrClosed (the socket was
// already closed on this side) or a timed-out *net.OpError; callers treat
// both as the end of the connection rather than a failure to report. A
// peer's orderly close surfacing as io.EOF is not matched.
func IsClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Timeout()
}

// Connection is one accepted or initiated TCP socket (spec §3).
type Connection struct {
	ID        int64
	Conn      net.Conn
	Address   string
	Direction Direction
	CreatedAt time.Time

	// DisconnectDeadline is a wall-clock instant after which the
	// connection is closed for lack of a logon. Zero means no deadline
	// (cleared on successful logon per spec §3 Lifecycles).
	DisconnectDeadline time.Time

	Receiver *ReceiverEndPoint
	Sender   *SenderEndPoint

	// SessionID is non-zero once a GatewaySession is bound to this
	// connection.
	SessionID int64
}

// applySocketOptions sets TCP_NODELAY (mandatory, spec §6) and the
// configured receive/send buffer sizes (0 means OS default) before the
// connection is registered with the EndpointTable.
func applySocketOptions(conn net.Conn, recvBuf, sendBuf int) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		logger.WarnF("failed to set TCP_NODELAY: %v", err)
	}
	if recvBuf > 0 {
		if err := tcpConn.SetReadBuffer(recvBuf); err != nil {
			logger.WarnF("failed to set receive buffer size: %v", err)
		}
	}
	if sendBuf > 0 {
		if err := tcpConn.SetWriteBuffer(sendBuf); err != nil {
			logger.WarnF("failed to set send buffer size: %v", err)
		}
	}
}

// NewConnection wraps a freshly accepted or dialed socket, applying the
// mandatory socket options before any bytes are exchanged.
func NewConnection(id int64, conn net.Conn, direction Direction, recvBuf, sendBuf int) *Connection {
	applySocketOptions(conn, recvBuf, sendBuf)
	return &Connection{
		ID:        id,
		Conn:      conn,
		Address:   conn.RemoteAddr().String(),
		Direction: direction,
		CreatedAt: time.Now(),
	}
}

// Close releases the underlying socket. Errors from an already-closed or
// timed-out socket are not logged as failures.
func (c *Connection) Close() error {
	err := c.Conn.Close()
	if err != nil && !IsClosedError(err) {
		return err
	}
	return nil
}

// ReceiverEndPoint owns a socket's read side: a per-connection buffer,
// frame boundary detection and publication of framed payloads to the
// inbound stream (spec §4.2).
type ReceiverEndPoint struct {
	connectionID int64
	conn         net.Conn
	publication  pubsub.Publication
	buf          []byte
	pending      []byte // frame back-pressured on the last publish attempt
}

// NewReceiverEndPoint builds a Receiver bound to the given socket and
// inbound publication.
func NewReceiverEndPoint(connectionID int64, conn net.Conn, publication pubsub.Publication) *ReceiverEndPoint {
	return &ReceiverEndPoint{
		connectionID: connectionID,
		conn:         conn,
		publication:  publication,
	}
}

// Poll reads whatever bytes are immediately available, frames complete SBE
// messages out of the accumulated buffer and publishes each one. It returns
// the number of bytes read this call (0 means either no data was available
// or the socket returned an error) and a back-pressure flag: when true, a
// framed message could not be published and remains queued for the next
// Poll before any further read is attempted (spec §4.2: "Publication calls
// that return BACK_PRESSURED are reported to the caller so the Framer can
// retry").
func (r *ReceiverEndPoint) Poll(readLimit int) (bytesRead int, backPressured bool) {
	if len(r.pending) > 0 {
		if _, err := r.publication.Offer(r.pending); err != nil {
			return 0, true
		}
		r.pending = nil
	}

	_ = r.conn.SetReadDeadline(pastDeadline)
	chunk := make([]byte, readLimit)
	n, err := r.conn.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil && !isWouldBlock(err) && n == 0 {
		return 0, false
	}

	for {
		length, ok := frameLength(r.buf)
		if !ok || len(r.buf) < length {
			break
		}
		frame := make([]byte, length)
		copy(frame, r.buf[:length])
		r.buf = r.buf[length:]

		if _, offerErr := r.publication.Offer(frame); offerErr != nil {
			r.pending = frame
			return n, true
		}
	}

	return n, false
}

// SenderEndPoint owns a socket's write side: buffering partial writes
// across poll passes and registering "slow consumer" interest when the
// kernel send buffer is full (spec §4.2).
type SenderEndPoint struct {
	connectionID int64
	conn         net.Conn
	buffered     []byte
	slow         bool
}

// NewSenderEndPoint builds a Sender bound to the given socket.
func NewSenderEndPoint(connectionID int64, conn net.Conn) *SenderEndPoint {
	return &SenderEndPoint{connectionID: connectionID, conn: conn}
}

// IsSlow reports whether this sender has bytes buffered from a previous
// partial write and has registered on the "slow" subscription path.
func (s *SenderEndPoint) IsSlow() bool {
	return s.slow
}

// Offer writes buffer[offset:offset+length] to the socket, or appends it to
// an already-buffered partial write. It never blocks: a short write leaves
// the remainder buffered for the next PollBuffered call.
func (s *SenderEndPoint) Offer(buffer []byte, offset, length int) error {
	data := buffer[offset : offset+length]
	if len(s.buffered) > 0 {
		s.buffered = append(s.buffered, data...)
		return s.drain()
	}
	s.buffered = append(s.buffered, data...)
	return s.drain()
}

// drain attempts to flush the buffered bytes; whatever cannot be written
// without blocking remains buffered and marks the sender slow.
func (s *SenderEndPoint) drain() error {
	if len(s.buffered) == 0 {
		s.slow = false
		return nil
	}

	_ = s.conn.SetWriteDeadline(pastDeadline)
	n, err := s.conn.Write(s.buffered)
	if n > 0 {
		s.buffered = s.buffered[n:]
	}
	if err != nil && !isWouldBlock(err) {
		return err
	}
	s.slow = len(s.buffered) > 0
	return nil
}

// PollBuffered retries flushing any bytes left over from a previous short
// write. The Framer calls this for every sender registered on the "slow"
// fan-out path (spec §4.1 step 2, §4.2).
func (s *SenderEndPoint) PollBuffered() error {
	return s.drain()
}

// EndpointTable holds the two parallel maps of spec §3: Receiver endpoints
// (socket → parser → publication) and Sender endpoints (publication →
// socket), both keyed by connection_id. Every connection_id appears in at
// most one of each (spec §3 Invariants). EndpointTable is touched only
// from the single do_work() goroutine (spec §9: "An implementation must
// not introduce locks or share mutable session tables across threads"),
// so it carries no synchronization of its own.
type EndpointTable struct {
	receivers map[int64]*ReceiverEndPoint
	senders   map[int64]*SenderEndPoint
}

// NewEndpointTable returns an empty EndpointTable.
func NewEndpointTable() *EndpointTable {
	return &EndpointTable{
		receivers: make(map[int64]*ReceiverEndPoint),
		senders:   make(map[int64]*SenderEndPoint),
	}
}

// Register inserts both halves for a newly set-up connection.
func (t *EndpointTable) Register(connectionID int64, receiver *ReceiverEndPoint, sender *SenderEndPoint) {
	t.receivers[connectionID] = receiver
	t.senders[connectionID] = sender
}

// Remove drops both halves for a connection that has disconnected.
func (t *EndpointTable) Remove(connectionID int64) {
	delete(t.receivers, connectionID)
	delete(t.senders, connectionID)
}

// Receiver looks up the Receiver endpoint for connectionID.
func (t *EndpointTable) Receiver(connectionID int64) (*ReceiverEndPoint, bool) {
	r, ok := t.receivers[connectionID]
	return r, ok
}

// Sender looks up the Sender endpoint for connectionID.
func (t *EndpointTable) Sender(connectionID int64) (*SenderEndPoint, bool) {
	s, ok := t.senders[connectionID]
	return s, ok
}

// ReceiverCount reports the number of registered Receiver endpoints.
func (t *EndpointTable) ReceiverCount() int {
	return len(t.receivers)
}

// SenderCount reports the number of registered Sender endpoints.
func (t *EndpointTable) SenderCount() int {
	return len(t.senders)
}

// PollAll drives every Receiver endpoint's Poll until either no bytes were
// read across a full pass or cumulative bytes read reaches
// inboundBytesReceivedLimit (spec §4.1 step 4, §8 Boundaries). readChunk
// bounds each individual Poll call.
func (t *EndpointTable) PollAll(inboundBytesReceivedLimit, readChunk int, onBackPressure func(connectionID int64)) int {
	total := 0
	for {
		roundBytes := 0
		for id, r := range t.receivers {
			n, backPressured := r.Poll(readChunk)
			if backPressured && onBackPressure != nil {
				onBackPressure(id)
			}
			roundBytes += n
			if total+roundBytes >= inboundBytesReceivedLimit {
				return total + roundBytes
			}
		}
		total += roundBytes
		if roundBytes == 0 {
			return total
		}
	}
}

// SlowSenders returns the connection_ids of senders with buffered partial
// writes, so the Framer can resume draining them exclusively (spec §4.2:
// "register interest with the slow subscription path").
func (t *EndpointTable) SlowSenders() []int64 {
	var ids []int64
	for id, s := range t.senders {
		if s.IsSlow() {
			ids = append(ids, id)
		}
	}
	return ids
}
