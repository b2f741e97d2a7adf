package broker

import (
	"testing"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
)

func TestHousekeeperEvictsExpiredSession(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Connect("c1", packet.VERSION500, false, 1, &recordingSender{})
	b.Disconnect("c1", false)

	session, _ := b.Session("c1")
	session.LastDisconnect = time.Now().Add(-2 * time.Second)

	h := NewHousekeeper(b, time.Hour)
	h.tick(time.Now())

	if _, ok := b.Session("c1"); ok {
		t.Fatalf("expected expired session to be evicted")
	}
}

func TestHousekeeperDispatchesDelayedWill(t *testing.T) {
	b := New(DefaultConfig(), nil)
	sub := &recordingSender{}
	b.Connect("subscriber", packet.VERSION500, true, 0, sub)
	b.Subscribe(&topic.Subscription{ClientID: "subscriber", Filter: "will/topic"})

	b.Connect("c1", packet.VERSION500, false, 3600, &recordingSender{})
	session, _ := b.Session("c1")
	session.Will = &Will{Topic: "will/topic", Payload: []byte("bye"), DelayInterval: 1}
	b.Disconnect("c1", false)
	session.LastDisconnect = time.Now().Add(-2 * time.Second)

	h := NewHousekeeper(b, time.Hour)
	h.tick(time.Now())

	if len(sub.sent) != 1 {
		t.Fatalf("expected the delayed will to be dispatched once, got %d", len(sub.sent))
	}
	if session.Will != nil {
		t.Fatalf("expected the will to be cleared after dispatch")
	}
}
