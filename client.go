package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// A Client is an MQTT client built with New. It dials the broker named by
// URL, sends CONNECT and SUBSCRIBE from its Options, and hands received
// PUBLISH messages to the OnMessage handler.
type Client struct {
	// URL is the broker address parsed from Options.URL. Its Scheme picks
	// plain TCP (mqtt, tcp, or anything unrecognized) or TLS (mqtts, tls);
	// its Host is the address dialed.
	URL *url.URL

	conn *conn

	// DialContext, if set, replaces the default dialer for the mqtt and
	// tcp schemes. A hook that returns (nil, nil) makes the dial fail.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTLSContext, if set, replaces the default TLS dialer for the
	// mqtts and tls schemes; TLSClientConfig is then not used.
	// The returned net.Conn is assumed to already be past the TLS handshake.
	// A hook that returns (nil, nil) makes the dial fail.
	DialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig is the configuration passed to tls.DialWithDialer
	// for the mqtts and tls schemes. If nil, the default configuration is used.
	TLSClientConfig *tls.Config

	// TLSHandshakeTimeout is stored but not read by the dialer; the TLS
	// handshake is not bounded by it.
	TLSHandshakeTimeout time.Duration

	// Timeout is stored but not read by any Client method; no operation is
	// bounded by it.
	Timeout time.Duration

	options Options
	recv    [0xF + 1]chan packet.Packet
	version byte
	// cancel  context.CancelFunc

	onMessage func(*packet.Message)

	packetID uint16
	inFlight *InFight
}

func (c *Client) ID() string {
	return c.conn.ID
}

// RoundTrip writes req to the client's connection, dialing URL first if
// the client has no conn. It does not wait for a response: on success it
// returns (nil, nil).
func (c *Client) RoundTrip(req packet.Packet) (packet.Packet, error) {
	return c.roundTrip(req)
}

// roundTrip is the implementation of RoundTrip.
func (c *Client) roundTrip(req packet.Packet) (packet.Packet, error) {
	ctx := context.Background()

	if c.conn == nil {
		con, err := c.dial(ctx, c.URL.Scheme, c.URL.Host)
		if err != nil {
			return nil, err
		}
		c.conn = &conn{rwc: con, remoteAddr: con.RemoteAddr().String()}
	}
	err := req.Pack(c.conn.rwc)
	if err != nil {
		return nil, err
	}
	logrus.Infof("todo: t.roundTrip need handle and recv response\n")
	return nil, nil
}

func (c *Client) dial(ctx context.Context, scheme, addr string) (net.Conn, error) {
	// 用户自定义拨号优先
	if c.DialContext != nil && (scheme == "tcp" || scheme == "mqtt") {
		con, err := c.DialContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqtt: Transport.DialContext hook returned (nil, nil)")
		}
		return con, err
	}
	if c.DialTLSContext != nil && (scheme == "tls" || scheme == "mqtts") {
		con, err := c.DialTLSContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqtt: Transport.DialTLSContext hook returned (nil, nil)")
		}
		return con, err
	}

	switch scheme {
	case "mqtts", "tls":
		return tls.DialWithDialer(&net.Dialer{}, "tcp", addr, c.TLSClientConfig)
	default:
		// mqtt, tcp, and anything unrecognized dial plain TCP.
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
}

func New(opts ...Option) *Client {
	options := newOptions(opts...)
	var err error
	client := &Client{
		options:  options,
		conn:     &conn{},
		recv:     [0xF + 1]chan packet.Packet{},
		version:  packet.VERSION311,
		inFlight: newInFight(),
	}

	for i := 1; i <= 0xF; i++ {
		client.recv[i] = make(chan packet.Packet, 1)
	}

	client.recv[PUBLISH] = make(chan packet.Packet, 10000)

	if client.URL, err = url.Parse(options.URL); err != nil {
		panic(err)
	}

	// 记录客户端创建日志
	logrus.Infof("[CLIENT_CREATED] MQTT client created - ClientID: %s, Server: %s",
		options.ClientID, options.URL)

	return client
}

func (c *Client) Close() error {
	// 记录客户端关闭日志
	logrus.Infof("[CLIENT_CLOSED] MQTT client closed - ClientID: %s", c.conn.ID)

	for i := 1; i <= 0xF; i++ {
		close(c.recv[i])
	}
	return nil
}

func (c *Client) unpack(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt, err := packet.Unpack(c.version, c.conn.rwc)
		if err != nil {
			logrus.Infof("[UNPACK_ERROR] Client packet unpack error - ClientID: %s, Error: %v", c.conn.ID, err)
			return err
		}
		c.recv[pkt.Kind()] <- pkt
	}
}

func (c *Client) Connect(ctx context.Context) error {
	// 记录连接尝试日志
	logrus.Infof("client attempting to connect: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)

	connect := packet.CONNECT{FixedHeader: &packet.FixedHeader{
		Version: c.version,
		Kind:    CONNECT,
	}, ClientID: c.options.ClientID}
	if err := connect.Pack(c.conn.rwc); err != nil {
		logrus.Infof("client connect packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}
	c.conn.ID = connect.ClientID

	select {
	case <-ctx.Done():
		logrus.Infof("client connect timeout: client_id=%s", c.options.ClientID)
		return ctx.Err()
	case pkt, ok := <-c.recv[CONNACK]:
		if !ok {
			return ctx.Err()
		}
		connack, ok := pkt.(*packet.CONNACK)
		if !ok || connack.Kind() != CONNACK {
			logrus.Infof("client received invalid CONNACK packet: client_id=%s", c.options.ClientID)
			return errors.New("mqtt: invalid packet received")
		}

		if connack.ConnectReturnCode.Code != 0 {
			logrus.Infof("client connect failed: client_id=%s, return_code=%v", c.options.ClientID, connack.ConnectReturnCode)
			return errors.New("mqtt: connect returned non-zero return code")
		}
		logrus.Infof("client connected successfully: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context) error {
	// 记录订阅尝试日志
	var topics []string
	for _, sub := range c.options.Subscriptions {
		topics = append(topics, sub.TopicFilter)
	}
	logrus.Infof("client attempting to subscribe: client_id=%s, topics=%v", c.options.ClientID, topics)

	sub := packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: c.version, Kind: SUBSCRIBE, QoS: 1},
		PacketID:      1,
		Subscriptions: c.options.Subscriptions,
	}
	if err := sub.Pack(c.conn.rwc); err != nil {
		logrus.Infof("client subscribe packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}

	select {
	case <-ctx.Done():
		logrus.Infof("client subscribe timeout: client_id=%s", c.options.ClientID)
		return ctx.Err()
	case pkt, ok := <-c.recv[SUBACK]:
		if !ok {
			return ctx.Err()
		}
		suback, ok := pkt.(*packet.SUBACK)
		if !ok || suback.Kind() != SUBACK {
			logrus.Infof("client received invalid SUBACK packet: client_id=%s", c.options.ClientID)
			return errors.New("mqtt: invalid packet received")
		}
		for _, reason := range suback.ReasonCode {
			if reason.Code != 0 {
				logrus.Infof("client subscribe failed: client_id=%s, reason_code=%v", c.options.ClientID, reason)
				return errors.New("mqtt: subscribe returned a failure reason code")
			}
		}
		logrus.Infof("client subscribed successfully: client_id=%s, topics=%v", c.options.ClientID, topics)
	}
	return nil
}

func (c *Client) ServeMessageLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.ServeMessage(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) OnMessage(fn func(*packet.Message)) {
	c.onMessage = fn
}
func (c *Client) SubmitMessage(message *packet.Message) error {
	if c.conn.rwc == nil {
		logrus.Infof("client publish: client_id=%s, error=connect is nil", c.options.ClientID)
		return errors.New("mqtt: connect is nil")
	}

	// 记录发布消息日志
	logrus.Infof("client publish: client_id=%s, topic=%s, size=%d", c.options.ClientID, message.TopicName, len(message.Content))
	pub := packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBLISH},
		Message:     message,
	}

	if pub.QoS == 0 {

	}
	if pub.QoS == 1 || pub.QoS == 2 {
		c.packetID++
		pub.PacketID = c.packetID
	}

	if err := pub.Pack(c.conn.rwc); err != nil {
		logrus.Infof("client publish: client_id=%s, topic=%s, error=%v", c.options.ClientID, message.TopicName, err)
		return err
	}

	logrus.Infof("client publish: client_id=%s, topic=%s, success", c.options.ClientID, message.TopicName)
	return nil
}

func (c *Client) ServeMessage(ctx context.Context) error {
	var pub *packet.PUBLISH
	select {
	case <-ctx.Done():
		return ctx.Err()
	case pkt, ok := <-c.recv[PUBLISH]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		pub, ok = pkt.(*packet.PUBLISH)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}

		// 记录接收消息日志
		logrus.Infof("client received: client_id=%s, topic=%s, qos=%d, size=%d", c.options.ClientID, pub.Message.TopicName, pub.QoS, len(pub.Message.Content))

		switch pub.QoS {
		case 0:
		case 1:
			puback := packet.PUBACK{
				FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK},
				PacketID:    pub.PacketID,
			}
			if err := puback.Pack(c.conn.rwc); err != nil {
				logrus.Infof("client puback send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pub.PacketID, err)
				return err
			}
			logrus.Infof("client puback sent: client_id=%s, packet_id=%d", c.options.ClientID, pub.PacketID)
		case 2:
			pubrec := packet.PUBREC{
				FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC},
				PacketID:    pub.PacketID,
			}
			if err := pubrec.Pack(c.conn.rwc); err != nil {
				logrus.Infof("client pubrec send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pub.PacketID, err)
				return err
			}
			logrus.Infof("client pubrec sent: client_id=%s, packet_id=%d", c.options.ClientID, pub.PacketID)
			c.inFlight.Put(pub)
			return nil
		}

	case pkt, ok := <-c.recv[PUBREL]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		pubrel, ok := pkt.(*packet.PUBREL)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		pub, ok = c.inFlight.Get(pubrel.PacketID)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		pubcomp := packet.PUBCOMP{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP},
			PacketID:    pubrel.PacketID,
		}
		if err := pubcomp.Pack(c.conn.rwc); err != nil {
			logrus.Infof("client pubcomp send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pubrel.PacketID, err)
			return err
		}
		logrus.Infof("client pubcomp sent: client_id=%s, packet_id=%d", c.options.ClientID, pubrel.PacketID)
	}
	go c.onMessage(pub.Message)
	return nil
}

func (c *Client) ConnectAndSubscribe(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	count := 0
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("client context done: client_id=%s", c.options.ClientID)
			return ctx.Err()
		case <-timer.C:
			timer.Reset(3 * time.Second)
		}
		if err := c.connectAndSubscribe(ctx); err != nil {
			count++
			if count == 1 || count%10 == 0 {
				logrus.Infof("client connect and subscribe error[%d]: client_id=%s, error=%v", count, c.options.ClientID, err)
			}
		} else {
			count = 0
		}
	}
}

func (c *Client) connectAndSubscribe(ctx context.Context) error {
	var err error

	// 记录网络连接尝试日志
	logrus.Infof("client attempting to dial: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)

	if c.conn.rwc, err = c.dial(ctx, c.URL.Scheme, c.URL.Host); err != nil {
		logrus.Infof("client dial failed: client_id=%s, server=%s, error=%v", c.options.ClientID, c.URL.Host, err)
		return err
	}

	logrus.Infof("client dialed successfully: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.unpack(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		return c.Disconnect()
	})

	group.Go(func() error {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		if err := c.Subscribe(ctx); err != nil {
			return err
		}
		return c.ServeMessageLoop(ctx)
	})

	return group.Wait()
}

func (c *Client) Disconnect() error {
	// 记录断开连接日志
	logrus.Infof("client attempting to disconnect: client_id=%s", c.options.ClientID)

	disconnect := packet.DISCONNECT{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: DISCONNECT},
	}
	if err := disconnect.Pack(c.conn.rwc); err != nil {
		logrus.Infof("client disconnect packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}

	logrus.Infof("client disconnected successfully: client_id=%s", c.options.ClientID)
	return nil
}
