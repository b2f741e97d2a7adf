package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-io/mqttd/packet"
)

// Sender delivers a packet over whatever transport currently owns a
// session. It is satisfied by the server's connection type; broker never
// touches net.Conn directly so that Session survives across reconnects.
type Sender interface {
	Send(pkt packet.Packet) error
	Close() error
}

// Will is the session's deferred last-gasp message, installed from a
// CONNECT's will flags and dispatched by the housekeeper after
// WillDelayInterval seconds of disconnection, or by Broker.Disconnect
// right away when WillDelayInterval is 0 or the session ends with the
// connection.
type Will struct {
	Topic         string
	Payload       []byte
	QoS           uint8
	Retain        bool
	DelayInterval uint32
	Properties    *packet.PublishProperties
}

// Session is the per-client state that survives a disconnect when the
// client did not request a clean start and the session has not expired.
// It generalizes infight.go's single global map[uint16]*packet.PUBLISH
// into per-client, per-direction bookkeeping: pendingSend/pendingPubrel
// track QoS 1/2 messages the broker is delivering to the client,
// receivedQoS2 tracks QoS 2 messages the client is delivering to the
// broker.
type Session struct {
	mu sync.Mutex

	ClientID string
	Version  byte

	sender    Sender
	connected bool

	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	sendQuota             uint16

	LastDisconnect time.Time
	LastDelivery   time.Time // bumped on every delivered PUBLISH; used for shared-subscription round robin

	Will *Will

	nextPacketID  uint16
	pendingOrder  []uint16 // FIFO order of pendingSend, preserved across resend per the ordering guarantee on redelivery
	pendingSend   map[uint16]*packet.PUBLISH
	pendingPubrel map[uint16]struct{}
	receivedQoS2  map[uint16]*packet.PUBLISH

	queue []*queuedPublish // messages awaiting a packet id / live sender
}

// queuedPublish pairs a PUBLISH awaiting delivery with the absolute time
// it must be dropped instead of sent, per MQTT-3.3.2-5.
type queuedPublish struct {
	pub      *packet.PUBLISH
	expireAt time.Time // zero means no expiry
}

func (q *queuedPublish) expired(now time.Time) bool {
	return !q.expireAt.IsZero() && !now.Before(q.expireAt)
}

// NewSession creates a fresh, disconnected session for clientID.
func NewSession(clientID string, version byte, sessionExpiryInterval uint32, receiveMaximum uint16) *Session {
	if receiveMaximum == 0 {
		receiveMaximum = 65535
	}
	return &Session{
		ClientID:              clientID,
		Version:               version,
		SessionExpiryInterval: sessionExpiryInterval,
		ReceiveMaximum:        receiveMaximum,
		sendQuota:             receiveMaximum,
		pendingSend:           make(map[uint16]*packet.PUBLISH),
		pendingPubrel:         make(map[uint16]struct{}),
		receivedQoS2:          make(map[uint16]*packet.PUBLISH),
	}
}

// Connect attaches a live sender, marks the session connected and flushes
// anything that queued while the client was away.
func (s *Session) Connect(sender Sender) {
	s.mu.Lock()
	s.sender, s.connected = sender, true
	s.mu.Unlock()
	s.flush()
}

// TakeOver notifies and severs the connection currently attached to this
// session, because a new CONNECT for the same client id just arrived.
// v5.0 gets a DISCONNECT with reason SESSION_TAKEN_OVER first, per
// MQTT-3.1.4-3; v3.1.1 has no server-initiated DISCONNECT, so its socket
// is simply closed. Caller still calls Disconnect afterward to detach
// the sender and mark the session unconnected.
func (s *Session) TakeOver() {
	s.mu.Lock()
	sender, version := s.sender, s.Version
	s.mu.Unlock()
	if sender == nil {
		return
	}
	if version == packet.VERSION500 {
		_ = sender.Send(&packet.DISCONNECT{
			FixedHeader: &packet.FixedHeader{Version: version, Kind: 0xE},
			ReasonCode:  packet.ErrSessionTakenOver,
		})
	}
	_ = sender.Close()
}

// Disconnect detaches the sender. Anything already in pendingSend stays
// there, to be redelivered with DUP=1 on the next successful connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender, s.connected = nil, false
	s.LastDisconnect = time.Now()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// GetExpiryTime reports when this session should be evicted, given it is
// currently disconnected. SessionExpiryInterval of 0xFFFFFFFF never
// expires.
func (s *Session) GetExpiryTime() (t time.Time, never bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SessionExpiryInterval == 0xFFFFFFFF {
		return time.Time{}, true
	}
	return s.LastDisconnect.Add(time.Duration(s.SessionExpiryInterval) * time.Second), false
}

// Publish hands pub to the session for delivery: QoS 0 goes straight to
// the sender (dropped silently if nobody is connected); QoS 1/2 get a
// broker-assigned packet id and join pendingSend, then flush. If pub
// carries a MessageExpiryInterval, it is dropped instead of queued or
// sent once that interval has elapsed, per MQTT-3.3.2-5.
func (s *Session) Publish(pub *packet.PUBLISH) error {
	var expireAt time.Time
	if pub.Props != nil {
		if expiry := pub.Props.MessageExpiryInterval.Uint32(); expiry > 0 {
			expireAt = time.Now().Add(time.Duration(expiry) * time.Second)
		}
	}
	qp := &queuedPublish{pub: pub, expireAt: expireAt}

	s.mu.Lock()
	if pub.FixedHeader.QoS == 0 {
		sender := s.sender
		if sender == nil || qp.expired(time.Now()) {
			s.mu.Unlock()
			return nil
		}
		s.LastDelivery = time.Now()
		s.mu.Unlock()
		return sender.Send(pub)
	}
	s.queue = append(s.queue, qp)
	s.mu.Unlock()
	s.flush()
	return nil
}

// flush sends as much of the queue as the current sendQuota allows, in
// FIFO order, dropping anything whose message-expiry elapsed while queued.
func (s *Session) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for s.sender != nil && s.sendQuota > 0 && len(s.queue) > 0 {
		qp := s.queue[0]
		s.queue = s.queue[1:]
		if qp.expired(now) {
			continue
		}
		pub := qp.pub

		id, err := s.allocatePacketIDLocked()
		if err != nil {
			// No ids free: put it back and stop: redelivery will resume once one frees up.
			s.queue = append([]*queuedPublish{qp}, s.queue...)
			return
		}
		pub.PacketID = id
		s.pendingSend[id] = pub
		s.pendingOrder = append(s.pendingOrder, id)
		s.sendQuota--
		s.LastDelivery = now
		if err := s.sender.Send(pub); err != nil {
			return
		}
	}
}

// allocatePacketIDLocked returns the next unused packet id in 1..65535,
// wrapping past 65535 back to 1, skipping ids currently in pendingSend or
// pendingPubrel. Caller holds s.mu.
func (s *Session) allocatePacketIDLocked() (uint16, error) {
	inUse := len(s.pendingSend) + len(s.pendingPubrel)
	if inUse >= 65535 {
		return 0, fmt.Errorf("session %s: no free packet identifiers", s.ClientID)
	}
	for i := 0; i < 65535; i++ {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, send := s.pendingSend[s.nextPacketID]; send {
			continue
		}
		if _, rel := s.pendingPubrel[s.nextPacketID]; rel {
			continue
		}
		return s.nextPacketID, nil
	}
	return 0, fmt.Errorf("session %s: no free packet identifiers", s.ClientID)
}

// AcknowledgePublish processes an inbound PUBACK (QoS 1) or PUBREC (QoS
// 2) for a message this session is delivering. For QoS 1 the packet id is
// freed immediately; for QoS 2 it moves into pendingPubrel until the
// matching PUBCOMP arrives.
func (s *Session) AcknowledgePublish(packetID uint16, qos2 bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingSend[packetID]; !ok {
		return false
	}
	delete(s.pendingSend, packetID)
	s.removePendingOrderLocked(packetID)
	if qos2 {
		s.pendingPubrel[packetID] = struct{}{}
		return true
	}
	s.sendQuota++
	go s.flush()
	return true
}

// AcknowledgePubrel processes an inbound PUBCOMP, completing a QoS 2
// delivery and freeing the packet id.
func (s *Session) AcknowledgePubrel(packetID uint16) bool {
	s.mu.Lock()
	if _, ok := s.pendingPubrel[packetID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pendingPubrel, packetID)
	s.sendQuota++
	s.mu.Unlock()
	s.flush()
	return true
}

func (s *Session) removePendingOrderLocked(packetID uint16) {
	for i, id := range s.pendingOrder {
		if id == packetID {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			return
		}
	}
}

// ResendPending returns every message still awaiting PUBACK/PUBREC, in
// original delivery order, each marked DUP=1, so the caller can
// redeliver them immediately after a reconnect.
func (s *Session) ResendPending() []*packet.PUBLISH {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*packet.PUBLISH, 0, len(s.pendingOrder))
	for _, id := range s.pendingOrder {
		pub := s.pendingSend[id]
		pub.FixedHeader.Dup = 1
		out = append(out, pub)
	}
	return out
}

// ReceiveQoS2 stashes an inbound QoS 2 PUBLISH (client-assigned packetID)
// until the matching PUBREL arrives, mirroring the broker's own half of
// the QoS 2 handshake. accepted is true once the packet id is held,
// whether freshly stored or already held from a DUP=1 retransmit (the
// caller still acknowledges it). exceeded is true when admitting a new
// id would exceed ReceiveMaximum concurrent QoS 2 exchanges; the PUBLISH
// is rejected and not stored.
func (s *Session) ReceiveQoS2(pub *packet.PUBLISH) (accepted bool, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receivedQoS2[pub.PacketID]; ok {
		return true, false
	}
	if uint16(len(s.receivedQoS2)) >= s.ReceiveMaximum {
		return false, true
	}
	s.receivedQoS2[pub.PacketID] = pub
	return true, false
}

// InboundIDInUse reports whether packetID is already occupied by an
// in-flight QoS 2 PUBLISH this session is receiving from the client, so a
// SUBSCRIBE or PUBLISH reusing it before release is rejected as a packet
// identifier collision rather than silently accepted.
func (s *Session) InboundIDInUse(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receivedQoS2[packetID]
	return ok
}

// ReleaseQoS2 pops and returns the PUBLISH held under packetID on receipt
// of the matching PUBREL from the client, so the caller can forward it
// exactly once before replying PUBCOMP.
func (s *Session) ReleaseQoS2(packetID uint16) (*packet.PUBLISH, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.receivedQoS2[packetID]
	if ok {
		delete(s.receivedQoS2, packetID)
	}
	return pub, ok
}
