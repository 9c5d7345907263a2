package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/flynn/noise"

	"lumenchain/crypto"
)

// maxHandshakeFrame bounds the size of a single handshake message. Anything
// larger is a protocol violation.
const maxHandshakeFrame = 2048

// handshake drives the Noise XX exchange for one connection. It is purely
// data-in/data-out: it performs no socket I/O and no scheduling. The caller
// feeds it all currently available input, drains its output, and re-invokes
// it whenever more input arrives or output capacity frees up. It signals
// completion only by finishing or failing, never partially.
//
// Wire framing is one 2-byte big-endian length prefix per noise message.
type handshake struct {
	hs        *noise.HandshakeState
	key       *crypto.NoiseKey
	initiator bool

	// stage is the index of the next XX message to process (0..2); 3 means
	// the exchange is complete.
	stage int

	sendPending []byte
	recvBuf     []byte

	remote    crypto.PeerID
	prototype *connPrototype
}

// connPrototype is the reusable outcome of a successful handshake: the pair
// of transport cipher states an established connection is built from.
type connPrototype struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func newHandshake(key *crypto.NoiseKey, initiator bool) (*handshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   crypto.CipherSuite(),
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: key.Static(),
	})
	if err != nil {
		return nil, fmt.Errorf("init noise state: %w", err)
	}
	return &handshake{hs: hs, key: key, initiator: initiator}, nil
}

// finished reports whether the exchange reached Success. Result fields are
// valid only afterwards.
func (h *handshake) finished() bool {
	return h.stage > 2 && len(h.sendPending) == 0
}

func (h *handshake) peerID() crypto.PeerID               { return h.remote }
func (h *handshake) connectionPrototype() *connPrototype { return h.prototype }

// leftover returns bytes received past the end of the handshake. They belong
// to the established transport and must be fed to the connection engine.
func (h *handshake) leftover() []byte { return h.recvBuf }

// ourTurnToWrite reports whether the next XX message is emitted by this side.
// Even-indexed messages come from the initiator.
func (h *handshake) ourTurnToWrite() bool {
	return (h.stage%2 == 0) == h.initiator
}

// readWrite advances the exchange. incoming holds whatever input is
// currently available; outgoing receives produced bytes. Both byte counts
// being zero with finished() false means the machine is waiting for more
// input or more output capacity.
func (h *handshake) readWrite(incoming []byte, outgoing []byte) (consumed, produced int, err error) {
	for {
		progressed := false

		// Drain queued output first.
		if len(h.sendPending) > 0 && produced < len(outgoing) {
			n := copy(outgoing[produced:], h.sendPending)
			h.sendPending = h.sendPending[n:]
			produced += n
			progressed = true
		}

		if h.stage > 2 {
			if progressed {
				continue
			}
			return consumed, produced, nil
		}

		if h.ourTurnToWrite() {
			if len(h.sendPending) > 0 {
				// Previous message not yet flushed.
				if progressed {
					continue
				}
				return consumed, produced, nil
			}
			if err := h.writeNext(); err != nil {
				return consumed, produced, err
			}
			continue
		}

		// Our turn to read: accumulate a full frame from incoming.
		n, frame, err := h.takeFrame(incoming[consumed:])
		consumed += n
		if err != nil {
			return consumed, produced, err
		}
		if frame == nil {
			if progressed {
				continue
			}
			return consumed, produced, nil
		}
		if err := h.readNext(frame); err != nil {
			return consumed, produced, err
		}
	}
}

// writeNext emits the next noise message into sendPending. The identity
// binding payload rides on message 1 (responder) and message 2 (initiator).
func (h *handshake) writeNext() error {
	var payload []byte
	if h.stage > 0 {
		payload = h.key.IdentityPayload()
	}
	msg, cs1, cs2, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		return &HandshakeError{Kind: HandshakeProtocol, Cause: err}
	}
	if len(msg) > maxHandshakeFrame {
		return &HandshakeError{Kind: HandshakeProtocol, Cause: fmt.Errorf("oversized handshake message")}
	}
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	h.sendPending = append(h.sendPending, frame...)
	h.stage++
	if cs1 != nil {
		h.split(cs1, cs2)
	}
	return nil
}

// readNext processes one received noise message.
func (h *handshake) readNext(frame []byte) error {
	payload, cs1, cs2, err := h.hs.ReadMessage(nil, frame)
	if err != nil {
		return &HandshakeError{Kind: HandshakeProtocol, Cause: err}
	}
	h.stage++
	// The remote's static key and identity binding arrive together: in
	// message 1 for the initiator, message 2 for the responder.
	if (h.initiator && h.stage == 2) || (!h.initiator && h.stage == 3) {
		pub, err := crypto.VerifyIdentityBinding(payload, h.hs.PeerStatic())
		if err != nil {
			return &HandshakeError{Kind: HandshakeProtocol, Cause: err}
		}
		h.remote = pub.PeerID()
	}
	if cs1 != nil {
		h.split(cs1, cs2)
	}
	return nil
}

// split records the transport cipher states. The first state carries
// initiator-to-responder traffic.
func (h *handshake) split(cs1, cs2 *noise.CipherState) {
	if h.initiator {
		h.prototype = &connPrototype{send: cs1, recv: cs2}
	} else {
		h.prototype = &connPrototype{send: cs2, recv: cs1}
	}
}

// takeFrame consumes bytes from input into the receive buffer and returns a
// complete frame once one is available.
func (h *handshake) takeFrame(input []byte) (consumed int, frame []byte, err error) {
	if len(input) > 0 {
		h.recvBuf = append(h.recvBuf, input...)
		consumed = len(input)
	}
	if len(h.recvBuf) < 2 {
		return consumed, nil, nil
	}
	size := int(binary.BigEndian.Uint16(h.recvBuf))
	if size > maxHandshakeFrame {
		return consumed, nil, &HandshakeError{Kind: HandshakeProtocol, Cause: fmt.Errorf("handshake frame of %d bytes", size)}
	}
	if len(h.recvBuf) < 2+size {
		return consumed, nil, nil
	}
	frame = append([]byte(nil), h.recvBuf[2:2+size]...)
	h.recvBuf = h.recvBuf[2+size:]
	return consumed, frame, nil
}
