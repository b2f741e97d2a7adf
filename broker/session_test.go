package broker

import (
	"testing"

	"github.com/golang-io/mqttd/packet"
)

type recordingSender struct {
	sent []packet.Packet
}

func (r *recordingSender) Send(pkt packet.Packet) error {
	r.sent = append(r.sent, pkt)
	return nil
}

func (r *recordingSender) Close() error { return nil }

func TestSessionQoS1RoundTrip(t *testing.T) {
	s := NewSession("c1", packet.VERSION500, 0, 10)
	sender := &recordingSender{}
	s.Connect(sender)

	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 1},
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	if err := s.Publish(pub); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
	id := pub.PacketID
	if id == 0 {
		t.Fatalf("expected a non-zero packet id to be assigned")
	}
	if !s.AcknowledgePublish(id, false) {
		t.Fatalf("AcknowledgePublish reported no pending message for id %d", id)
	}
	if s.AcknowledgePublish(id, false) {
		t.Fatalf("AcknowledgePublish succeeded twice for the same id")
	}
}

func TestSessionQoS2RoundTrip(t *testing.T) {
	s := NewSession("c1", packet.VERSION500, 0, 10)
	sender := &recordingSender{}
	s.Connect(sender)

	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2},
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	_ = s.Publish(pub)
	id := pub.PacketID

	if !s.AcknowledgePublish(id, true) {
		t.Fatalf("AcknowledgePublish(qos2) should move the id into pendingPubrel")
	}
	if !s.AcknowledgePubrel(id) {
		t.Fatalf("AcknowledgePubrel should release a pending QoS2 id")
	}
	if s.AcknowledgePubrel(id) {
		t.Fatalf("AcknowledgePubrel succeeded twice for the same id")
	}
}

func TestSessionQueuesWhileDisconnected(t *testing.T) {
	s := NewSession("c1", packet.VERSION500, 120, 10)
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 1},
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	_ = s.Publish(pub)

	sender := &recordingSender{}
	s.Connect(sender)
	if len(sender.sent) != 1 {
		t.Fatalf("expected the queued message to flush on connect, got %d sends", len(sender.sent))
	}
}

func TestSessionReceivedQoS2(t *testing.T) {
	s := NewSession("c1", packet.VERSION500, 0, 10)
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2},
		PacketID:    7,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	if accepted, exceeded := s.ReceiveQoS2(pub); !accepted || exceeded {
		t.Fatalf("ReceiveQoS2 should accept a fresh packet id")
	}
	if accepted, exceeded := s.ReceiveQoS2(pub); !accepted || exceeded {
		t.Fatalf("ReceiveQoS2 should still accept a DUP retransmit of the same packet id")
	}
	released, ok := s.ReleaseQoS2(7)
	if !ok || released != pub {
		t.Fatalf("ReleaseQoS2 should return the held publish")
	}
	if _, ok := s.ReleaseQoS2(7); ok {
		t.Fatalf("ReleaseQoS2 should not find the id twice")
	}
}

func TestSessionReceiveQoS2ExceedsReceiveMaximum(t *testing.T) {
	s := NewSession("c1", packet.VERSION500, 0, 1)
	first := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2},
		PacketID:    1,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	if accepted, exceeded := s.ReceiveQoS2(first); !accepted || exceeded {
		t.Fatalf("first packet id should fit within ReceiveMaximum of 1")
	}
	second := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: 0x3, QoS: 2},
		PacketID:    2,
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
	}
	if accepted, exceeded := s.ReceiveQoS2(second); accepted || !exceeded {
		t.Fatalf("second concurrent packet id should be rejected as exceeding ReceiveMaximum")
	}
}
