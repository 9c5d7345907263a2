package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/multiformats/go-varint"
)

// Frame types of the multiplexing layer. Each noise transport message carries
// exactly one frame: a varint substream id, a type byte, and the payload.
const (
	frameOpen byte = iota
	frameData
	frameClose
)

const (
	// pingPayloadSize is the size of the random payload echoed by the
	// keep-alive protocol.
	pingPayloadSize = 32

	// maxFramePayload bounds a single frame payload; it keeps the encrypted
	// message comfortably under the 65535-byte noise message limit.
	maxFramePayload = 32 * 1024

	defaultPingInterval = 30 * time.Second
)

var (
	errRemoteClosedConn = fmt.Errorf("p2p: remote closed the connection")
	errPingTimeout      = fmt.Errorf("p2p: keep-alive ping unanswered")
)

// ConnectionConfig configures the post-handshake connection engine.
type ConnectionConfig struct {
	// InRequestProtocols lists the request protocols the remote may open
	// toward us.
	InRequestProtocols []string
	// InNotificationProtocols lists the notification protocols the remote
	// may open toward us.
	InNotificationProtocols []string
	// PingProtocol is the keep-alive protocol name. Ping traffic never
	// surfaces as an application event.
	PingProtocol string
	// IsInitiator controls substream id parity so both sides can open
	// substreams without colliding.
	IsInitiator bool
	// PingInterval defaults to 30 seconds; zero keeps the default, a
	// negative value disables keep-alive.
	PingInterval time.Duration
	// RandomnessSeed seeds ping payload generation.
	RandomnessSeed int64
}

// ConnectionEvent is a high-level event produced by Connection.ReadWrite. At
// most one event is returned per call.
type ConnectionEvent interface{ isConnectionEvent() }

// EventResponse reports the outcome of a request issued with AddRequest,
// carrying the caller's opaque token.
type EventResponse struct {
	UserData any
	Response []byte
}

// EventRequestIn reports a complete inbound request on one of the configured
// request protocols. Answer it with RespondInbound.
type EventRequestIn struct {
	StreamID uint64
	Protocol string
	Payload  []byte
}

// EventNotificationsOpenResult reports the outcome of OpenNotifications.
type EventNotificationsOpenResult struct {
	Protocol string
	Err      error
}

// EventNotificationsCloseResult reports completion of CloseNotifications.
// Closing never fails.
type EventNotificationsCloseResult struct {
	Protocol string
}

// EventNotificationsOpenDesired reports that the remote wants a notification
// substream opened. No action has been taken.
type EventNotificationsOpenDesired struct {
	Protocol string
}

// EventNotificationsCloseDesired reports that the remote closed its side of a
// notification substream.
type EventNotificationsCloseDesired struct {
	Protocol string
}

// EventNotificationIn carries one inbound notification message.
type EventNotificationIn struct {
	Protocol string
	Payload  []byte
}

func (EventResponse) isConnectionEvent()                  {}
func (EventRequestIn) isConnectionEvent()                 {}
func (EventNotificationsOpenResult) isConnectionEvent()   {}
func (EventNotificationsCloseResult) isConnectionEvent()  {}
func (EventNotificationsOpenDesired) isConnectionEvent()  {}
func (EventNotificationsCloseDesired) isConnectionEvent() {}
func (EventNotificationIn) isConnectionEvent()            {}

// ReadWriteResult reports the work done by one ReadWrite invocation.
type ReadWriteResult struct {
	BytesRead    int
	BytesWritten int
	Event        ConnectionEvent
	// WakeUpAfter, when non-zero, is the absolute time at which ReadWrite
	// wants to run again even without new I/O.
	WakeUpAfter time.Time
}

type streamKind int

const (
	streamRequestOut streamKind = iota
	streamRequestIn
	streamNotifOut
	streamNotifIn
	streamPingOut
	streamPingIn
)

type substream struct {
	id           uint64
	kind         streamKind
	protocol     string
	userData     any
	recvData     []byte
	pingPayload  []byte
	localClosed  bool
	remoteClosed bool
}

// Connection multiplexes substreams over the encrypted byte stream produced
// by a successful handshake. Like the handshake machine it is sans-I/O:
// ReadWrite must be invoked repeatedly until it reports zero bytes consumed,
// zero produced and no event; that quiescence is the exit signal for the
// current I/O round. Any malformed framing or protocol violation is fatal to
// the whole connection.
type Connection struct {
	proto *connPrototype
	cfg   ConnectionConfig
	rng   *rand.Rand

	recvBuf     []byte
	sendQueue   [][]byte // plaintext frames awaiting encryption
	sendPending []byte   // encrypted wire bytes awaiting output capacity

	streams      map[uint64]*substream
	nextStreamID uint64

	nextPing    time.Time
	pingStream  uint64 // 0 when no ping is outstanding
	events      []ConnectionEvent
	remoteEOF   bool
	failed      error
}

// newConnection configures the prototype produced by a handshake into a full
// multiplexed connection.
func newConnection(proto *connPrototype, cfg ConnectionConfig) *Connection {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	first := uint64(2)
	if cfg.IsInitiator {
		first = 1
	}
	return &Connection{
		proto:        proto,
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(cfg.RandomnessSeed)),
		streams:      make(map[uint64]*substream),
		nextStreamID: first,
	}
}

func (c *Connection) allocStreamID() uint64 {
	id := c.nextStreamID
	c.nextStreamID += 2
	return id
}

// ReadWrite advances every open substream. incoming holds the currently
// available input, or nil if the remote closed its write side; outgoing
// receives produced bytes up to its length.
func (c *Connection) ReadWrite(now time.Time, incoming []byte, outgoing []byte) (ReadWriteResult, error) {
	var res ReadWriteResult
	if c.failed != nil {
		return res, c.failed
	}

	if incoming == nil {
		c.remoteEOF = true
	} else if len(incoming) > 0 {
		c.recvBuf = append(c.recvBuf, incoming...)
		res.BytesRead = len(incoming)
	}

	// Decrypt and dispatch every complete inbound wire frame.
	for c.failed == nil {
		if len(c.recvBuf) < 2 {
			break
		}
		size := int(binary.BigEndian.Uint16(c.recvBuf))
		if len(c.recvBuf) < 2+size {
			break
		}
		ciphertext := c.recvBuf[2 : 2+size]
		plaintext, err := c.proto.recv.Decrypt(nil, nil, ciphertext)
		if err != nil {
			c.failed = fmt.Errorf("p2p: transport decryption: %w", err)
			break
		}
		c.recvBuf = c.recvBuf[2+size:]
		if err := c.handleFrame(plaintext); err != nil {
			c.failed = err
			break
		}
	}
	if c.failed != nil {
		return res, c.failed
	}

	// Keep-alive. A ping still outstanding at the next tick means the remote
	// has been silent for a full interval.
	if c.cfg.PingInterval > 0 {
		if c.nextPing.IsZero() {
			c.nextPing = now.Add(c.cfg.PingInterval)
		} else if !now.Before(c.nextPing) {
			if c.pingStream != 0 {
				c.failed = errPingTimeout
				return res, c.failed
			}
			c.startPing()
			c.nextPing = now.Add(c.cfg.PingInterval)
		}
		res.WakeUpAfter = c.nextPing
	}

	// Flush: first previously encrypted bytes, then fresh frames as long as
	// a whole wire frame fits.
	for {
		if len(c.sendPending) > 0 {
			n := copy(outgoing[res.BytesWritten:], c.sendPending)
			c.sendPending = c.sendPending[n:]
			res.BytesWritten += n
			if len(c.sendPending) > 0 {
				break
			}
		}
		if len(c.sendQueue) == 0 || res.BytesWritten == len(outgoing) {
			break
		}
		frame := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		ciphertext, err := c.proto.send.Encrypt(nil, nil, frame)
		if err != nil {
			c.failed = fmt.Errorf("p2p: transport encryption: %w", err)
			return res, c.failed
		}
		wire := make([]byte, 2+len(ciphertext))
		binary.BigEndian.PutUint16(wire, uint16(len(ciphertext)))
		copy(wire[2:], ciphertext)
		c.sendPending = wire
	}

	if c.remoteEOF && len(c.recvBuf) == 0 && len(c.sendQueue) == 0 && len(c.sendPending) == 0 {
		return res, errRemoteClosedConn
	}

	if len(c.events) > 0 {
		res.Event = c.events[0]
		c.events = c.events[1:]
	}
	return res, nil
}

// queueDataChunks emits a request or response payload as a sequence of data
// frames no larger than maxFramePayload, so the peer's receive path accepts
// them and each encrypted message stays within the 2-byte length prefix.
// Receivers reassemble by appending consecutive data frames on the stream.
func (c *Connection) queueDataChunks(streamID uint64, payload []byte) {
	for {
		chunk := payload
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		c.queueFrame(streamID, frameData, chunk)
		payload = payload[len(chunk):]
		if len(payload) == 0 {
			return
		}
	}
}

func (c *Connection) queueFrame(streamID uint64, frameType byte, payload []byte) {
	header := varint.ToUvarint(streamID)
	frame := make([]byte, 0, len(header)+1+len(payload))
	frame = append(frame, header...)
	frame = append(frame, frameType)
	frame = append(frame, payload...)
	c.sendQueue = append(c.sendQueue, frame)
}

func (c *Connection) handleFrame(frame []byte) error {
	streamID, n, err := varint.FromUvarint(frame)
	if err != nil {
		return fmt.Errorf("p2p: malformed frame header: %w", err)
	}
	if len(frame) < n+1 {
		return fmt.Errorf("p2p: truncated frame")
	}
	frameType := frame[n]
	payload := frame[n+1:]
	if len(payload) > maxFramePayload {
		return fmt.Errorf("p2p: oversized frame payload")
	}

	switch frameType {
	case frameOpen:
		return c.handleOpen(streamID, string(payload))
	case frameData:
		return c.handleData(streamID, payload)
	case frameClose:
		c.handleClose(streamID)
		return nil
	default:
		return fmt.Errorf("p2p: unknown frame type 0x%02x", frameType)
	}
}

func (c *Connection) handleOpen(streamID uint64, protocol string) error {
	if _, exists := c.streams[streamID]; exists {
		return fmt.Errorf("p2p: duplicate substream %d", streamID)
	}
	stream := &substream{id: streamID, protocol: protocol}
	switch {
	case protocol == c.cfg.PingProtocol:
		stream.kind = streamPingIn
	case containsString(c.cfg.InRequestProtocols, protocol):
		stream.kind = streamRequestIn
	case containsString(c.cfg.InNotificationProtocols, protocol):
		stream.kind = streamNotifIn
		c.events = append(c.events, EventNotificationsOpenDesired{Protocol: protocol})
	default:
		return fmt.Errorf("p2p: substream for unsupported protocol %q", protocol)
	}
	c.streams[streamID] = stream
	return nil
}

func (c *Connection) handleData(streamID uint64, payload []byte) error {
	stream, ok := c.streams[streamID]
	if !ok {
		return fmt.Errorf("p2p: data on unknown substream %d", streamID)
	}
	switch stream.kind {
	case streamRequestOut:
		stream.recvData = append(stream.recvData, payload...)
	case streamRequestIn:
		stream.recvData = append(stream.recvData, payload...)
	case streamNotifIn:
		c.events = append(c.events, EventNotificationIn{Protocol: stream.protocol, Payload: append([]byte(nil), payload...)})
	case streamPingIn:
		// Echo and finish our side; the ping never surfaces upward.
		c.queueFrame(streamID, frameData, payload)
		c.queueFrame(streamID, frameClose, nil)
		stream.localClosed = true
		c.reapStream(stream)
	case streamPingOut:
		if !bytes.Equal(payload, stream.pingPayload) {
			return fmt.Errorf("p2p: ping echo mismatch")
		}
		c.pingStream = 0
		c.queueFrame(streamID, frameClose, nil)
		stream.localClosed = true
		c.reapStream(stream)
	case streamNotifOut:
		return fmt.Errorf("p2p: data on outbound notification substream %d", streamID)
	}
	return nil
}

func (c *Connection) handleClose(streamID uint64) {
	stream, ok := c.streams[streamID]
	if !ok {
		// The stream may already be gone locally; a late close is not a
		// violation.
		return
	}
	stream.remoteClosed = true
	switch stream.kind {
	case streamRequestOut:
		c.events = append(c.events, EventResponse{UserData: stream.userData, Response: stream.recvData})
		delete(c.streams, streamID)
	case streamRequestIn:
		c.events = append(c.events, EventRequestIn{
			StreamID: streamID,
			Protocol: stream.protocol,
			Payload:  stream.recvData,
		})
		stream.recvData = nil
	case streamNotifIn:
		c.events = append(c.events, EventNotificationsCloseDesired{Protocol: stream.protocol})
		delete(c.streams, streamID)
	default:
		c.reapStream(stream)
	}
}

// reapStream removes a stream once both directions are done.
func (c *Connection) reapStream(stream *substream) {
	if stream.localClosed && stream.remoteClosed {
		delete(c.streams, stream.id)
	}
}

func (c *Connection) startPing() {
	payload := make([]byte, pingPayloadSize)
	c.rng.Read(payload)
	id := c.allocStreamID()
	c.streams[id] = &substream{id: id, kind: streamPingOut, protocol: c.cfg.PingProtocol, pingPayload: payload}
	c.pingStream = id
	c.queueFrame(id, frameOpen, []byte(c.cfg.PingProtocol))
	c.queueFrame(id, frameData, payload)
}

// AddRequest opens a substream on the named protocol, emits the request, and
// half-closes. The remote's reply surfaces later as an EventResponse carrying
// userData.
func (c *Connection) AddRequest(now time.Time, protocol string, request []byte, userData any) {
	id := c.allocStreamID()
	c.streams[id] = &substream{id: id, kind: streamRequestOut, protocol: protocol, userData: userData}
	c.queueFrame(id, frameOpen, []byte(protocol))
	c.queueDataChunks(id, request)
	c.queueFrame(id, frameClose, nil)
	c.streams[id].localClosed = true
}

// RespondInbound answers an inbound request reported by EventRequestIn.
func (c *Connection) RespondInbound(streamID uint64, response []byte) {
	stream, ok := c.streams[streamID]
	if !ok || stream.kind != streamRequestIn {
		return
	}
	c.queueDataChunks(streamID, response)
	c.queueFrame(streamID, frameClose, nil)
	stream.localClosed = true
	c.reapStream(stream)
}

// OpenNotifications opens an outbound notification substream. The result
// surfaces as an EventNotificationsOpenResult.
func (c *Connection) OpenNotifications(now time.Time, protocol string, userData any) {
	for _, stream := range c.streams {
		if stream.kind == streamNotifOut && stream.protocol == protocol {
			c.events = append(c.events, EventNotificationsOpenResult{Protocol: protocol, Err: fmt.Errorf("p2p: notifications substream already open")})
			return
		}
	}
	id := c.allocStreamID()
	c.streams[id] = &substream{id: id, kind: streamNotifOut, protocol: protocol, userData: userData}
	c.queueFrame(id, frameOpen, []byte(protocol))
	c.events = append(c.events, EventNotificationsOpenResult{Protocol: protocol})
}

// SendNotification queues one message on an open outbound notification
// substream. Notifications are delivered as single frames, so the payload
// must fit in one.
func (c *Connection) SendNotification(protocol string, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("p2p: notification payload exceeds %d bytes", maxFramePayload)
	}
	for _, stream := range c.streams {
		if stream.kind == streamNotifOut && stream.protocol == protocol && !stream.localClosed {
			c.queueFrame(stream.id, frameData, payload)
			return nil
		}
	}
	return fmt.Errorf("p2p: notification substream %q not open", protocol)
}

// CloseNotifications closes the outbound notification substream. Closing
// never fails; the completion surfaces as an EventNotificationsCloseResult.
func (c *Connection) CloseNotifications(protocol string) {
	for _, stream := range c.streams {
		if stream.kind == streamNotifOut && stream.protocol == protocol && !stream.localClosed {
			c.queueFrame(stream.id, frameClose, nil)
			stream.localClosed = true
			c.reapStream(stream)
		}
	}
	c.events = append(c.events, EventNotificationsCloseResult{Protocol: protocol})
}

// CancelRequests aborts every in-flight outbound request and returns their
// user data so the caller can resolve the waiting parties. Used on terminal
// connection failure.
func (c *Connection) CancelRequests() []any {
	var tokens []any
	for id, stream := range c.streams {
		if stream.kind == streamRequestOut {
			tokens = append(tokens, stream.userData)
			delete(c.streams, id)
		}
	}
	return tokens
}

func containsString(list []string, s string) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
