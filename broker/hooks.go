package broker

import "github.com/golang-io/mqttd/packet"

// AuthResult is what an Authenticate hook returns: whether the CONNECT
// succeeds and, on failure, the reason code to send back in CONNACK.
type AuthResult struct {
	OK     bool
	Reason packet.ReasonCode
}

// EnhancedAuth drives the v5.0 AUTH challenge/response exchange started
// by a CONNECT carrying an AuthenticationMethod property.
type EnhancedAuth interface {
	// Begin is called once, with the method and initial data from
	// CONNECT. It returns the data to send back in CONNACK/AUTH and
	// whether authentication is already complete.
	Begin(clientID, method string, data []byte) (respData []byte, done bool, err error)
	// Continue is called for every subsequent AUTH packet from the
	// client, until done is true or err is non-nil.
	Continue(clientID string, data []byte) (respData []byte, done bool, err error)
}

// Persistence lets a broker survive process restarts by externalizing
// session and retained-message state. The in-memory broker in this
// module calls only DeleteSession, when it evicts a session; SaveSession
// and SaveRetained are never called here. It exists so an embedder can
// plug in a store without forking broker.go.
type Persistence interface {
	SaveSession(clientID string, expiryInterval uint32) error
	DeleteSession(clientID string) error
	SaveRetained(topicName string, payload []byte, qos uint8) error
}

// BytesMetrics is the byte/packet counter surface a broker reports
// through, kept separate from Hooks so a caller can wire only the metrics
// half without implementing the rest.
type BytesMetrics interface {
	BytesReceived(clientID string, n int)
	BytesSent(clientID string, n int)
	PacketReceived(clientID string, kind byte)
	PacketSent(clientID string, kind byte)
}

// Hooks are the broker's extension points. Any field left nil is a no-op:
// Authenticate always succeeds, Authorize always allows, PacketReceived
// is not called, metrics are not recorded.
type Hooks struct {
	Authenticate   func(clientID, username, password string) AuthResult
	EnhancedAuth   EnhancedAuth
	Authorize      func(clientID, topicName string, publish bool) bool
	PacketReceived func(clientID string, pkt packet.Packet)
	Metrics        BytesMetrics
	Persistence    Persistence
}

// RunAuthenticate calls the Authenticate hook, defaulting to success when
// h or the hook is nil.
func (h *Hooks) RunAuthenticate(clientID, username, password string) AuthResult {
	if h == nil || h.Authenticate == nil {
		return AuthResult{OK: true}
	}
	return h.Authenticate(clientID, username, password)
}

// RunAuthorize calls the Authorize hook, defaulting to allow when h or the
// hook is nil.
func (h *Hooks) RunAuthorize(clientID, topicName string, publish bool) bool {
	if h == nil || h.Authorize == nil {
		return true
	}
	return h.Authorize(clientID, topicName, publish)
}

// NotifyPacketReceived calls the PacketReceived hook, a no-op when h or the
// hook is nil.
func (h *Hooks) NotifyPacketReceived(clientID string, pkt packet.Packet) {
	if h == nil || h.PacketReceived == nil {
		return
	}
	h.PacketReceived(clientID, pkt)
}

// RecordBytesReceived reports n bytes read from clientID's connection to
// Metrics, a no-op when h or Metrics is nil.
func (h *Hooks) RecordBytesReceived(clientID string, n int) {
	if h == nil || h.Metrics == nil {
		return
	}
	h.Metrics.BytesReceived(clientID, n)
}

// RecordBytesSent mirrors RecordBytesReceived for outbound bytes.
func (h *Hooks) RecordBytesSent(clientID string, n int) {
	if h == nil || h.Metrics == nil {
		return
	}
	h.Metrics.BytesSent(clientID, n)
}

// RecordPacketSent reports one outbound packet of the given kind to
// Metrics, a no-op when h or Metrics is nil.
func (h *Hooks) RecordPacketSent(clientID string, kind byte) {
	if h == nil || h.Metrics == nil {
		return
	}
	h.Metrics.PacketSent(clientID, kind)
}

// RecordPacketReceived mirrors RecordPacketSent for inbound packets.
func (h *Hooks) RecordPacketReceived(clientID string, kind byte) {
	if h == nil || h.Metrics == nil {
		return
	}
	h.Metrics.PacketReceived(clientID, kind)
}
