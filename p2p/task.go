package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"lumenchain/p2p/protocol"
)

const (
	// handshakeTimeout bounds a whole connection attempt, dial included.
	handshakeTimeout = 20 * time.Second

	// commandChannelSize bounds the service-to-task command channel. A stuck
	// task exerts backpressure on the front end instead of growing a queue.
	commandChannelSize = 8

	// resultsChannelSize bounds the shared task-to-service event channel.
	resultsChannelSize = 256

	// acceptBackoff is the pause after a failed accept, typically fd
	// exhaustion, before the listener tries again.
	acceptBackoff = 2 * time.Second

	// idlePoll is the wake-up period of an established connection task when
	// the engine reports no nearer deadline.
	idlePoll = time.Hour

	ioBufferSize = 4096
)

// chunk is one read result moved from the socket pump to the connection task.
type chunk struct {
	data []byte
	err  error
}

// socketPump reads the socket and forwards the bytes to the connection task,
// turning blocking reads into channel sends the task can select on. It exits
// when the read side fails, which includes the task closing the socket.
func socketPump(conn net.Conn, out chan<- chunk, done <-chan struct{}) {
	for {
		buf := make([]byte, ioBufferSize)
		n, err := conn.Read(buf)
		var ck chunk
		if n > 0 {
			ck.data = buf[:n]
		}
		ck.err = err
		select {
		case out <- ck:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// performHandshake drives the sans-I/O handshake machine over the socket
// under the attempt deadline already set on conn. It returns the leftover
// bytes received past the handshake, which belong to the transport.
func performHandshake(conn net.Conn, hs *handshake) ([]byte, *HandshakeError) {
	readBuf := make([]byte, ioBufferSize)
	writeBuf := make([]byte, ioBufferSize)
	var pending []byte
	for !hs.finished() {
		consumed, produced, err := hs.readWrite(pending, writeBuf)
		pending = pending[consumed:]
		if produced > 0 {
			if _, werr := conn.Write(writeBuf[:produced]); werr != nil {
				return nil, classifyHandshakeIo(werr)
			}
		}
		if err != nil {
			var hsErr *HandshakeError
			if errors.As(err, &hsErr) {
				return nil, hsErr
			}
			return nil, &HandshakeError{Kind: HandshakeProtocol, Cause: err}
		}
		if hs.finished() {
			break
		}
		if consumed == 0 && produced == 0 {
			n, rerr := conn.Read(readBuf)
			if n > 0 {
				pending = append(pending, readBuf[:n]...)
			}
			if rerr != nil {
				return nil, classifyHandshakeIo(rerr)
			}
		}
	}
	return append(hs.leftover(), pending...), nil
}

func classifyHandshakeIo(err error) *HandshakeError {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return &HandshakeError{Kind: HandshakeTimeout, Cause: err}
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return &HandshakeError{Kind: HandshakeUnexpectedEOF, Cause: err}
	default:
		return &HandshakeError{Kind: HandshakeIo, Cause: err}
	}
}

// connectionTask owns one connection from dial (or accept) to teardown. It is
// the only goroutine that touches the socket's write side and the engine; the
// service talks to it exclusively through the command channel, and the task
// reports back exclusively through the shared results channel.
func (s *Service) connectionTask(pending PendingID, handle *connHandle, initiator bool, target Multiaddr, conn net.Conn) {
	defer close(handle.done)

	logger := s.logger.With("pending", uint64(pending), "initiator", initiator)

	if conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		dialed, err := dialMultiaddr(ctx, target, s.resolver)
		cancel()
		if err != nil {
			logger.Debug("dial failed", "addr", target.String(), "error", err)
			s.sendBackground(evHandshakeError{pending: pending, err: classifyHandshakeIo(err)})
			return
		}
		conn = dialed
	}
	defer conn.Close()

	hs, err := newHandshake(s.key, initiator)
	if err != nil {
		s.sendBackground(evHandshakeError{pending: pending, err: &HandshakeError{Kind: HandshakeProtocol, Cause: err}})
		return
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	leftover, hsErr := performHandshake(conn, hs)
	if hsErr != nil {
		logger.Debug("handshake failed", "kind", hsErr.Kind.String(), "error", hsErr)
		s.metrics.recordHandshake(hsErr.Kind.String())
		s.sendBackground(evHandshakeError{pending: pending, err: hsErr})
		return
	}
	conn.SetDeadline(time.Time{})

	// Hand the verified identity to the service and wait for it to either
	// promote the attempt with a connection id or refuse it.
	accept := make(chan ConnectionID, 1)
	s.sendBackground(evHandshakeSuccess{pending: pending, peer: hs.peerID(), accept: accept})
	var cid ConnectionID
	select {
	case id, ok := <-accept:
		if !ok {
			logger.Debug("connection refused after handshake", "peer", string(hs.peerID()))
			return
		}
		cid = id
	case <-s.closed:
		return
	}

	logger = s.logger.With("conn", uint64(cid), "peer", string(hs.peerID()))
	logger.Info("connection established", "initiator", initiator)

	engine := newConnection(hs.connectionPrototype(), ConnectionConfig{
		InRequestProtocols:      []string{ProtocolBlockSync},
		InNotificationProtocols: []string{ProtocolBlockAnnounces},
		PingProtocol:            ProtocolPing,
		IsInitiator:             initiator,
		PingInterval:            s.cfg.PingInterval,
		RandomnessSeed:          time.Now().UnixNano() ^ int64(cid),
	})

	s.runEstablished(cid, engine, conn, handle, leftover, logger)
}

// runEstablished is the steady-state loop of a connection task: socket
// readiness, engine deadline and front-end commands, each feeding the engine
// until it goes quiescent.
func (s *Service) runEstablished(cid ConnectionID, engine *Connection, conn net.Conn, handle *connHandle, leftover []byte, logger *slog.Logger) {
	chunks := make(chan chunk, 1)
	go socketPump(conn, chunks, handle.done)

	outBuf := make([]byte, ioBufferSize)
	var wake time.Time
	var terminal error

	// drive invokes the engine until it reports no bytes moved and no event.
	drive := func(input []byte, eof bool) error {
		first := true
		for {
			in := []byte{}
			if first {
				if eof {
					in = nil
				} else if input != nil {
					in = input
				}
			}
			first = false
			res, err := engine.ReadWrite(time.Now(), in, outBuf)
			if res.BytesWritten > 0 {
				if _, werr := conn.Write(outBuf[:res.BytesWritten]); werr != nil {
					return werr
				}
			}
			wake = res.WakeUpAfter
			if res.Event != nil {
				s.handleEngineEvent(cid, engine, res.Event, logger)
			}
			if err != nil {
				return err
			}
			if res.BytesRead == 0 && res.BytesWritten == 0 && res.Event == nil {
				return nil
			}
		}
	}

	if terminal = drive(leftover, false); terminal == nil {
		timer := time.NewTimer(idlePoll)
		defer timer.Stop()
	loop:
		for {
			delay := idlePoll
			if !wake.IsZero() {
				if d := time.Until(wake); d < delay {
					delay = d
				}
				if delay < 0 {
					delay = 0
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(delay)

			select {
			case ck := <-chunks:
				switch {
				case ck.err == nil:
					terminal = drive(ck.data, false)
				case errors.Is(ck.err, io.EOF):
					if len(ck.data) > 0 {
						if terminal = drive(ck.data, false); terminal != nil {
							break
						}
					}
					terminal = drive(nil, true)
				default:
					if len(ck.data) > 0 {
						drive(ck.data, false)
					}
					terminal = fmt.Errorf("p2p: socket read: %w", ck.err)
				}
			case <-timer.C:
				terminal = drive(nil2empty(), false)
			case cmd, ok := <-handle.commands:
				if !ok {
					terminal = ErrServiceClosed
					break
				}
				s.applyCommand(engine, cmd)
				terminal = drive(nil2empty(), false)
			case <-s.closed:
				terminal = ErrServiceClosed
			}
			if terminal != nil {
				break loop
			}
		}
	}

	logger.Debug("connection closed", "reason", terminal)

	// Resolve every party still waiting on this connection, then report the
	// disconnect. The one-shot reply channels must never be left dangling.
	for _, token := range engine.CancelRequests() {
		if reply, ok := token.(chan blocksReply); ok {
			reply <- blocksReply{err: ErrConnectionClosed}
		}
	}
	for {
		select {
		case cmd, ok := <-handle.commands:
			if !ok {
				s.sendBackground(evDisconnected{conn: cid})
				return
			}
			if req, isReq := cmd.(cmdBlocksRequest); isReq {
				req.reply <- blocksReply{err: ErrConnectionClosed}
			}
		default:
			s.sendBackground(evDisconnected{conn: cid})
			return
		}
	}
}

// nil2empty is the "no new input" marker for the engine: a non-nil empty
// slice, since nil means the remote closed its write side.
func nil2empty() []byte { return []byte{} }

func (s *Service) applyCommand(engine *Connection, cmd connCommand) {
	switch c := cmd.(type) {
	case cmdBlocksRequest:
		data, err := protocol.EncodeBlocksRequest(c.config)
		if err != nil {
			c.reply <- blocksReply{err: fmt.Errorf("%w: %v", ErrRequestFailed, err)}
			return
		}
		engine.AddRequest(time.Now(), ProtocolBlockSync, data, c.reply)
	case cmdOpenNotifications:
		engine.OpenNotifications(time.Now(), ProtocolBlockAnnounces, nil)
	case cmdCloseNotifications:
		engine.CloseNotifications(ProtocolBlockAnnounces)
	case cmdSendNotification:
		// Dropped when the substream is not open.
		_ = engine.SendNotification(ProtocolBlockAnnounces, c.payload)
	}
}

func (s *Service) handleEngineEvent(cid ConnectionID, engine *Connection, event ConnectionEvent, logger *slog.Logger) {
	switch ev := event.(type) {
	case EventResponse:
		reply, ok := ev.UserData.(chan blocksReply)
		if !ok {
			return
		}
		blocks, err := protocol.DecodeBlockResponse(ev.Response)
		if err != nil {
			// Scoped to this one request; the connection stays up.
			s.metrics.recordRequest("decode_error")
			reply <- blocksReply{err: fmt.Errorf("%w: %v", ErrRequestFailed, err)}
			return
		}
		s.metrics.recordRequest("ok")
		reply <- blocksReply{blocks: blocks}
	case EventRequestIn:
		engine.RespondInbound(ev.StreamID, s.answerBlocksRequest(ev.Payload, logger))
	case EventNotificationsOpenResult:
		s.sendBackground(evNotificationsOpenResult{conn: cid, err: ev.Err})
	case EventNotificationsCloseResult:
		s.sendBackground(evNotificationsCloseResult{conn: cid})
	case EventNotificationsOpenDesired:
		s.sendBackground(evNotificationsOpenDesired{conn: cid, protocol: ev.Protocol})
	case EventNotificationsCloseDesired:
		s.sendBackground(evNotificationsCloseDesired{conn: cid})
	case EventNotificationIn:
		logger.Debug("notification received", "protocol", ev.Protocol, "bytes", len(ev.Payload))
	}
}

// answerBlocksRequest serves an inbound block-sync request through the
// configured handler. Requests that cannot be decoded or served get an empty
// response rather than a torn-down substream.
func (s *Service) answerBlocksRequest(payload []byte, logger *slog.Logger) []byte {
	empty, _ := protocol.EncodeBlockResponse(nil)
	cfg, err := protocol.DecodeBlocksRequest(payload)
	if err != nil {
		logger.Debug("undecodable blocks request", "error", err)
		return empty
	}
	if s.cfg.BlocksRequestHandler == nil {
		return empty
	}
	blocks, err := s.cfg.BlocksRequestHandler(cfg)
	if err != nil {
		logger.Debug("blocks request handler failed", "error", err)
		return empty
	}
	data, err := protocol.EncodeBlockResponse(blocks)
	if err != nil {
		return empty
	}
	return data
}

// listenerTask accepts sockets on one listener and reports them to the
// service. Accept failures back off instead of spinning.
func (s *Service) listenerTask(ln net.Listener, addr Multiaddr) {
	logger := s.logger.With("listen", addr.String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			logger.Debug("accept failed", "error", err)
			select {
			case <-time.After(acceptBackoff):
			case <-s.closed:
				return
			}
			continue
		}
		select {
		case s.results <- evNewConnection{conn: conn}:
		case <-s.closed:
			conn.Close()
			return
		}
	}
}
