package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/broker"
	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// conn represents the server side of a client's connection. It holds the
// wire transport and version negotiated in CONNECT; all session state
// that must survive a reconnect lives in *broker.Session instead.
type conn struct {
	server *Server

	cancelCtx context.CancelFunc

	rwc        net.Conn
	remoteAddr string
	tlsState   *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	ID         string
	version    byte
	keepAlive  time.Duration
	authMethod string

	session *broker.Session

	// aliases maps a v5.0 topic alias to the topic name it was last bound
	// to by this connection's PUBLISH traffic. Only ever read/written from
	// the serve loop's single goroutine, so it needs no lock of its own.
	aliases map[uint16]string

	sendMu sync.Mutex
}

// Send implements broker.Sender: it is how the broker, from any
// goroutine, delivers a PUBLISH (or resend) to this connection.
func (c *conn) Send(pkt packet.Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.rwc == nil {
		return fmt.Errorf("connection is closed")
	}
	err := pkt.Pack(c.rwc)
	if err == nil {
		c.server.Hooks.RecordPacketSent(c.ID, pkt.Kind())
	}
	return err
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateWaitingForConnect:
		srv.trackConn(c, true)
	case StateDisconnected:
		srv.trackConn(c, false)
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

func (c *conn) close() {
	_ = c.rwc.Close()
}

// Close implements broker.Sender: it lets the broker force-close the
// socket of a connection whose session was just taken over.
func (c *conn) Close() error {
	c.close()
	return nil
}

// serve drives a single connection's lifetime: TLS handshake if
// applicable, then a read loop dispatching each inbound packet to
// defaultHandler until the connection is closed or aborted.
func (c *conn) serve(ctx context.Context) {
	if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}
	logrus.Infof("connect connected: remote=%s", c.remoteAddr)

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logrus.Errorf("mqtt: panic serving %v: %v", c.remoteAddr, err)
			logrus.Errorf("%s", buf)
		}
		logrus.Infof("connect disconnected: clientId=%s, remote=%s", c.ID, c.remoteAddr)
		c.teardown()
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		tlsTO := 10 * time.Second
		dl := time.Now().Add(tlsTO)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			logrus.Warnf("mqtt: TLS handshake error from %s: %v", c.remoteAddr, err)
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	first := true
	for {
		if c.keepAlive > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		} else if first {
			_ = c.rwc.SetReadDeadline(time.Now().Add(maxConnectTime))
		}
		rw, err := c.readRequest(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if first {
					if ne, ok := err.(net.Error); ok && ne.Timeout() {
						logrus.Warnf("mqtt: %s: remote=%s", packet.ErrMaxConnectTime.Reason, c.remoteAddr)
						return
					}
				}
				logrus.Warnf("readRequest: err=%v", err)
			}
			return
		}
		if first {
			first = false
			if _, ok := rw.packet.(*packet.CONNECT); !ok {
				logrus.Warnf("mqtt: %s: remote=%s, got=%T", packet.ErrProtocolViolationRequireFirstConnect.Reason, c.remoteAddr, rw.packet)
				return
			}
		}
		serverHandler{c.server}.ServeMQTT(rw, rw.packet)
		if state, _ := c.getState(); state == StateDisconnected {
			return
		}
	}
}

// maxConnectTime bounds how long a newly accepted socket may stay open
// without completing CONNECT, per packet.ErrMaxConnectTime; a v5.0 client
// that negotiated its own MaximumConnectTime would get a tighter bound,
// but none is tracked pre-CONNECT since the version isn't known yet.
const maxConnectTime = 20 * time.Second

// teardown detaches the session from this connection and, unless the
// client asked for a clean session (handled by broker.Disconnect via the
// session's SessionExpiryInterval), leaves it in place for reconnection.
func (c *conn) teardown() {
	if c.session != nil {
		c.server.Broker.Disconnect(c.ID, false)
	}
	c.close()
	c.setState(c.rwc, StateDisconnected, true)
}

func (c *conn) readRequest(_ context.Context) (*response, error) {
	w := &response{conn: c}
	pkt, err := packet.Unpack(c.version, c.rwc)
	w.packet = pkt
	if err != nil && !errors.Is(err, io.EOF) {
		kind := byte(0)
		if pkt != nil {
			kind = pkt.Kind()
		}
		return nil, fmt.Errorf("readRequest: version=%d, kind=%s, err=%w", c.version, packet.Kind[kind], err)
	}
	if pkt != nil {
		c.server.Hooks.RecordPacketReceived(c.ID, pkt.Kind())
	}
	return w, err
}

type defaultHandler struct{}

func (defaultHandler) ServeMQTT(w ResponseWriter, req packet.Packet) {
	c := w.(*response).conn
	var spkt packet.Packet

	switch rpkt := req.(type) {
	case *packet.RESERVED:
		return

	case *packet.CONNECT:
		spkt = c.handleConnect(rpkt)

	case *packet.PUBLISH:
		spkt = c.handlePublish(rpkt)

	case *packet.PUBACK:
		if c.session != nil {
			c.session.AcknowledgePublish(rpkt.PacketID, false)
		}
		return

	case *packet.PUBREC:
		if rpkt.ReasonCode.Code >= 0x80 {
			// Negative PUBREC: the client refused the message outright.
			// Treat it as fully acknowledged (free the id, raise quota)
			// instead of continuing the QoS 2 handshake with a PUBREL.
			if c.session != nil {
				c.session.AcknowledgePublish(rpkt.PacketID, false)
			}
			return
		}
		if c.session != nil {
			c.session.AcknowledgePublish(rpkt.PacketID, true)
		}
		spkt = &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1}, PacketID: rpkt.PacketID}

	case *packet.PUBREL:
		pubcompReason := packet.ReasonCode{Code: 0}
		if c.session != nil {
			if pub, ok := c.session.ReleaseQoS2(rpkt.PacketID); ok {
				_ = c.server.Broker.Publish(c.ID, pub.Message.TopicName, pub.FixedHeader.QoS, pub.FixedHeader.Retain == 1, false, pub.Props, pub.Message.Content)
			} else {
				pubcompReason = packet.ErrPacketIdentifierNotFound
			}
		}
		spkt = &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP}, PacketID: rpkt.PacketID, ReasonCode: pubcompReason}

	case *packet.PUBCOMP:
		if c.session != nil {
			c.session.AcknowledgePubrel(rpkt.PacketID)
		}
		return

	case *packet.SUBSCRIBE:
		spkt = c.handleSubscribe(rpkt)

	case *packet.UNSUBSCRIBE:
		spkt = c.handleUnsubscribe(rpkt)

	case *packet.PINGREQ:
		spkt = &packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGRESP}}

	case *packet.DISCONNECT:
		logrus.Infof("client requested disconnect: clientId=%s, remote=%s", c.ID, c.remoteAddr)
		discardWill := c.version != packet.VERSION500 || rpkt.ReasonCode.Code == 0x00
		c.server.Broker.Disconnect(c.ID, discardWill)
		panic(ErrAbortHandler)

	case *packet.AUTH:
		spkt = c.handleAuth(rpkt)

	default:
		panic(fmt.Sprintf("unknown packet type: %T", rpkt))
	}

	if spkt == nil {
		return
	}
	if err := w.OnSend(spkt); err != nil {
		logrus.Warnf("mqtt-onSend: err=%v", err)
	}
}

func (c *conn) handleConnect(rpkt *packet.CONNECT) packet.Packet {
	c.version = rpkt.Version
	c.keepAlive = time.Duration(rpkt.KeepAlive) * time.Second

	connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: CONNACK}}
	if c.version == packet.VERSION500 {
		connack.Props = &packet.ConnackProps{}
	}

	var assignedID string
	if rpkt.ClientID == "" {
		if c.version == packet.VERSION311 && !rpkt.ConnectFlags.CleanStart() {
			connack.ConnectReturnCode = packet.Err3ClientIdentifierNotValid
			_ = c.Send(connack)
			panic(ErrAbortHandler)
		}
		assignedID = uuid.NewString()
		for {
			if _, exists := c.server.Broker.Session(assignedID); !exists {
				break
			}
			assignedID = uuid.NewString()
		}
		rpkt.ClientID = assignedID
	}
	c.ID = rpkt.ClientID

	if c.version == packet.VERSION500 && rpkt.Props != nil && rpkt.Props.AuthenticationMethod.String() != "" && c.server.Hooks != nil && c.server.Hooks.EnhancedAuth != nil {
		c.authMethod = rpkt.Props.AuthenticationMethod.String()
		respData, done, err := c.server.Hooks.EnhancedAuth.Begin(c.ID, c.authMethod, rpkt.Props.AuthenticationData.Bytes())
		if err != nil || !done {
			c.setState(c.rwc, StateAuthenticating, true)
			return &packet.AUTH{
				FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xF},
				ReasonCode:  packet.CodeContinueAuthentication,
				Props:       &packet.AuthProperties{AuthenticationMethod: packet.AuthenticationMethod(c.authMethod), AuthenticationData: respData},
			}
		}
	}

	auth := c.server.Hooks.RunAuthenticate(c.ID, rpkt.Username, rpkt.Password)
	if !auth.OK {
		connack.ConnectReturnCode = auth.Reason
		_ = c.Send(connack)
		panic(ErrAbortHandler)
	}

	spkt := c.finishConnect(rpkt, connack)
	if assignedID != "" && connack.Props != nil {
		connack.Props.AssignedClientID = assignedID
	}
	return spkt
}

func (c *conn) handleAuth(rpkt *packet.AUTH) packet.Packet {
	if c.server.Hooks == nil || c.server.Hooks.EnhancedAuth == nil {
		return &packet.DISCONNECT{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: DISCONNECT}, ReasonCode: packet.ReasonCode{Code: 0x82}}
	}
	respData, done, err := c.server.Hooks.EnhancedAuth.Continue(c.ID, rpkt.Props.AuthenticationData.Bytes())
	if err != nil {
		return &packet.DISCONNECT{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: DISCONNECT}, ReasonCode: packet.ReasonCode{Code: 0x87}}
	}
	if !done {
		return &packet.AUTH{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xF},
			ReasonCode:  packet.CodeContinueAuthentication,
			Props:       &packet.AuthProperties{AuthenticationMethod: packet.AuthenticationMethod(c.authMethod), AuthenticationData: respData},
		}
	}
	connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: CONNACK}, Props: &packet.ConnackProps{}}
	return c.finishConnect(nil, connack)
}

// finishConnect applies broker capability negotiation and installs the
// session. rpkt is nil when finishConnect is reached via an AUTH
// completion rather than directly from CONNECT.
func (c *conn) finishConnect(rpkt *packet.CONNECT, connack *packet.CONNACK) packet.Packet {
	cleanStart := true
	var sessionExpiry uint32
	var receiveMaximum uint16
	var will *broker.Will

	if rpkt != nil {
		cleanStart = rpkt.ConnectFlags.CleanStart()
		if rpkt.Props != nil {
			sessionExpiry = rpkt.Props.SessionExpiryInterval.Uint32()
			receiveMaximum = rpkt.Props.ReceiveMaximum.Uint16()
		}
		if rpkt.ConnectFlags.WillFlag() {
			will = &broker.Will{
				Topic:   rpkt.WillTopic,
				Payload: rpkt.WillPayload,
				QoS:     rpkt.ConnectFlags.WillQoS(),
				Retain:  rpkt.ConnectFlags.WillRetain(),
			}
			if rpkt.WillProperties != nil {
				will.DelayInterval = rpkt.WillProperties.WillDelayInterval
			}
		}
	}
	if receiveMaximum == 0 {
		receiveMaximum = c.server.Broker.Config.ReceiveMaximum
	}

	session, sessionPresent := c.server.Broker.Connect(c.ID, c.version, cleanStart, sessionExpiry, c)
	if will != nil {
		session.Will = will
	}
	c.session = session
	for _, pub := range session.ResendPending() {
		_ = c.Send(pub)
	}

	connack.SessionPresent = boolToByte(sessionPresent)
	connack.ConnectReturnCode = packet.CodeSuccess
	if connack.Props != nil {
		cfg := c.server.Broker.Config
		connack.Props.MaximumQoS = cfg.MaximumQoS
		connack.Props.RetainAvailable = boolToByte(cfg.RetainAvailable)
		connack.Props.WildcardSubscriptionAvailable = boolToByte(cfg.WildcardSubscriptionAvailable)
		connack.Props.SubscriptionIdentifierAvailable = boolToByte(cfg.SubscriptionIdentifiersAvailable)
		connack.Props.SharedSubscriptionAvailable = boolToByte(cfg.SharedSubscriptionAvailable)
		connack.Props.ReceiveMaximum = receiveMaximum
		connack.Props.TopicAliasMaximum = cfg.TopicAliasMaximum
		if cfg.ServerKeepAlive > 0 {
			connack.Props.ServerKeepAlive = cfg.ServerKeepAlive
			c.keepAlive = time.Duration(cfg.ServerKeepAlive) * time.Second
		}
	}

	c.setState(c.rwc, StateConnected, true)
	logrus.Infof("client connected: clientId=%s, remote=%s, version=%d, sessionPresent=%v", c.ID, c.remoteAddr, c.version, sessionPresent)
	return connack
}

// resolveTopicAlias binds or resolves rpkt's v5.0 topic alias in place,
// mutating rpkt.Message.TopicName so every downstream consumer (fan-out,
// QoS 2 redelivery on PUBREL) sees the real topic name. Returns false if
// the connection must be aborted (alias out of range, or an unbound
// alias used with no topic name).
func (c *conn) resolveTopicAlias(rpkt *packet.PUBLISH) bool {
	if rpkt.Props == nil || rpkt.Props.TopicAlias == 0 {
		return true
	}
	alias := rpkt.Props.TopicAlias.Uint16()
	if alias > c.server.Broker.Config.TopicAliasMaximum {
		_ = c.Send(&packet.DISCONNECT{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xE}, ReasonCode: packet.ErrTopicAliasInvalid})
		return false
	}
	if rpkt.Message.TopicName != "" {
		if c.aliases == nil {
			c.aliases = make(map[uint16]string)
		}
		c.aliases[alias] = rpkt.Message.TopicName
		return true
	}
	resolved, ok := c.aliases[alias]
	if !ok {
		_ = c.Send(&packet.DISCONNECT{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xE}, ReasonCode: packet.ErrProtocolErr})
		return false
	}
	rpkt.Message.TopicName = resolved
	return true
}

func (c *conn) handlePublish(rpkt *packet.PUBLISH) packet.Packet {
	if !c.resolveTopicAlias(rpkt) {
		panic(ErrAbortHandler)
	}

	c.server.Hooks.NotifyPacketReceived(c.ID, rpkt)
	if !c.server.Hooks.RunAuthorize(c.ID, rpkt.Message.TopicName, true) {
		return nil
	}

	switch rpkt.FixedHeader.QoS {
	case 0:
		_ = c.server.Broker.Publish(c.ID, rpkt.Message.TopicName, 0, rpkt.FixedHeader.Retain == 1, false, rpkt.Props, rpkt.Message.Content)
		return nil
	case 1:
		_ = c.server.Broker.Publish(c.ID, rpkt.Message.TopicName, 1, rpkt.FixedHeader.Retain == 1, false, rpkt.Props, rpkt.Message.Content)
		return &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK}, PacketID: rpkt.PacketID}
	default: // QoS 2
		pubrec := &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC}, PacketID: rpkt.PacketID}
		if c.session != nil {
			if _, exceeded := c.session.ReceiveQoS2(rpkt); exceeded {
				pubrec.ReasonCode = packet.ErrReceiveMaximum
			}
		}
		return pubrec
	}
}

func (c *conn) handleSubscribe(rpkt *packet.SUBSCRIBE) packet.Packet {
	cfg := c.server.Broker.Config
	var reasons []packet.ReasonCode
	needsDisconnect := false
	var disconnectReason packet.ReasonCode

	for _, s := range rpkt.Subscriptions {
		if !c.server.Hooks.RunAuthorize(c.ID, s.TopicFilter, false) {
			reasons = append(reasons, packet.ErrNotAuthorized)
			continue
		}
		if !topic.ValidTopicFilter(s.TopicFilter) {
			reasons = append(reasons, packet.ErrTopicFilterInvalid)
			continue
		}
		if c.session != nil && c.session.InboundIDInUse(rpkt.PacketID) {
			reasons = append(reasons, packet.ErrPacketIdentifierInUse)
			continue
		}
		_, _, shared := topic.ShareName(s.TopicFilter)
		if shared && !cfg.SharedSubscriptionAvailable {
			reasons = append(reasons, packet.ErrSharedSubscriptionsNotSupported)
			needsDisconnect, disconnectReason = true, packet.ErrSharedSubscriptionsNotSupported
			continue
		}
		if shared && s.NoLocal != 0 {
			reasons = append(reasons, packet.ErrProtocolErr)
			continue
		}
		if rpkt.Props != nil && rpkt.Props.SubscriptionIdentifier != 0 && !cfg.SubscriptionIdentifiersAvailable {
			reasons = append(reasons, packet.ErrSubscriptionIdentifiersNotSupported)
			needsDisconnect, disconnectReason = true, packet.ErrSubscriptionIdentifiersNotSupported
			continue
		}
		if strings.ContainsAny(s.TopicFilter, "+#") && !cfg.WildcardSubscriptionAvailable {
			reasons = append(reasons, packet.ErrWildcardSubscriptionsNotSupported)
			needsDisconnect, disconnectReason = true, packet.ErrWildcardSubscriptionsNotSupported
			continue
		}

		grantedQoS := s.MaximumQoS
		if grantedQoS > cfg.MaximumQoS {
			grantedQoS = cfg.MaximumQoS
		}
		sub := &topic.Subscription{
			ClientID:          c.ID,
			Filter:            s.TopicFilter,
			MaximumQoS:        grantedQoS,
			NoLocal:           s.NoLocal != 0,
			RetainAsPublished: s.RetainAsPublished != 0,
		}
		if rpkt.Props != nil {
			sub.SubscriptionIdentifier = rpkt.Props.SubscriptionIdentifier.Uint32()
		}
		replaced := c.server.Broker.Subscribe(sub)
		switch s.RetainHandling {
		case 0:
			c.server.Broker.DeliverRetained(sub)
		case 1:
			if !replaced {
				c.server.Broker.DeliverRetained(sub)
			}
		} // 2 = never send retained on subscribe
		reasons = append(reasons, packet.ReasonCode{Code: grantedQoS})
	}

	suback := &packet.SUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: SUBACK}, PacketID: rpkt.PacketID, ReasonCode: reasons}
	if needsDisconnect && c.version == packet.VERSION500 {
		_ = c.Send(suback)
		_ = c.Send(&packet.DISCONNECT{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xE}, ReasonCode: disconnectReason})
		panic(ErrAbortHandler)
	}
	return suback
}

func (c *conn) handleUnsubscribe(rpkt *packet.UNSUBSCRIBE) packet.Packet {
	var reasons []packet.ReasonCode
	for _, s := range rpkt.Subscriptions {
		if c.server.Broker.Unsubscribe(c.ID, s.TopicFilter) {
			reasons = append(reasons, packet.CodeSuccess)
		} else {
			reasons = append(reasons, packet.CodeNoSubscriptionExisted)
		}
	}
	return &packet.UNSUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: UNSUBACK}, PacketID: rpkt.PacketID, Props: &packet.UnsubackProperties{}, ReasonCode: reasons}
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
