package p2p

import (
	"net"

	"lumenchain/crypto"
	"lumenchain/p2p/protocol"
)

// connHandle is the front end's grip on one connection task: the bounded
// command channel into the task, and a done channel the task closes on exit
// so callers awaiting a reply never hang on a dead task.
type connHandle struct {
	commands chan connCommand
	done     chan struct{}
}

func newConnHandle() *connHandle {
	return &connHandle{
		commands: make(chan connCommand, commandChannelSize),
		done:     make(chan struct{}),
	}
}

// connCommand is a message sent from the network service into a connection
// task. Commands to a single connection are processed in enqueue order.
type connCommand interface{ isConnCommand() }

// cmdBlocksRequest starts a block request. The task resolves reply with the
// decoded payload or a failure marker; it never surfaces the response as a
// front-end event.
type cmdBlocksRequest struct {
	config protocol.BlocksRequestConfig
	reply  chan blocksReply
}

type blocksReply struct {
	blocks []protocol.BlockData
	err    error
}

// cmdOpenNotifications asks the task to open the block-announce substream.
type cmdOpenNotifications struct{}

// cmdCloseNotifications asks the task to close the block-announce substream.
type cmdCloseNotifications struct{}

// cmdSendNotification queues one block announce. Fire and forget: if the
// substream is not open the payload is silently dropped.
type cmdSendNotification struct {
	payload []byte
}

func (cmdBlocksRequest) isConnCommand()      {}
func (cmdOpenNotifications) isConnCommand()  {}
func (cmdCloseNotifications) isConnCommand() {}
func (cmdSendNotification) isConnCommand()   {}

// backgroundEvent is a message sent from a background task to the network
// service. Events from a single task preserve that task's emission order; no
// ordering holds across tasks.
type backgroundEvent interface{ isBackgroundEvent() }

// evNewConnection reports a socket accepted by a listener task. The service
// registers an inbound pending slot and spawns the connection task.
type evNewConnection struct {
	conn net.Conn
}

// evHandshakeError reports a failed connection attempt; the pending slot is
// removed and the attempt is never retried automatically.
type evHandshakeError struct {
	pending PendingID
	err     *HandshakeError
}

// evHandshakeSuccess reports a verified remote identity. The service promotes
// the pending slot and answers on accept with the minted ConnectionID, or
// closes accept to refuse the connection, upon which the task tears down
// silently.
type evHandshakeSuccess struct {
	pending PendingID
	peer    crypto.PeerID
	accept  chan ConnectionID
}

// evDisconnected reports that an established connection closed. Connections
// that fail before the handshake completes emit evHandshakeError instead.
type evDisconnected struct {
	conn ConnectionID
}

// evNotificationsOpenResult answers a cmdOpenNotifications.
type evNotificationsOpenResult struct {
	conn ConnectionID
	err  error
}

// evNotificationsCloseResult answers a cmdCloseNotifications.
type evNotificationsCloseResult struct {
	conn ConnectionID
}

// evNotificationsOpenDesired reports that the remote asked for a notification
// substream. No action has been taken.
type evNotificationsOpenDesired struct {
	conn     ConnectionID
	protocol string
}

// evNotificationsCloseDesired reports that the remote closed its notification
// substream.
type evNotificationsCloseDesired struct {
	conn ConnectionID
}

func (evNewConnection) isBackgroundEvent()             {}
func (evHandshakeError) isBackgroundEvent()            {}
func (evHandshakeSuccess) isBackgroundEvent()          {}
func (evDisconnected) isBackgroundEvent()              {}
func (evNotificationsOpenResult) isBackgroundEvent()   {}
func (evNotificationsCloseResult) isBackgroundEvent()  {}
func (evNotificationsOpenDesired) isBackgroundEvent()  {}
func (evNotificationsCloseDesired) isBackgroundEvent() {}
