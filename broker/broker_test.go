package broker

import (
	"testing"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
)

func TestBrokerPublishFanOut(t *testing.T) {
	b := New(DefaultConfig(), nil)

	s1 := &recordingSender{}
	s2 := &recordingSender{}
	b.Connect("c1", packet.VERSION500, true, 0, s1)
	b.Connect("c2", packet.VERSION500, true, 0, s2)

	b.Subscribe(&topic.Subscription{ClientID: "c1", Filter: "a/b", MaximumQoS: 2})
	b.Subscribe(&topic.Subscription{ClientID: "c2", Filter: "a/+", MaximumQoS: 2})

	if err := b.Publish("pub", "a/b", 1, false, false, nil, []byte("hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(s1.sent) != 1 || len(s2.sent) != 1 {
		t.Fatalf("expected both subscribers to receive one message, got %d and %d", len(s1.sent), len(s2.sent))
	}
}

func TestBrokerNoLocalSuppression(t *testing.T) {
	b := New(DefaultConfig(), nil)
	s1 := &recordingSender{}
	b.Connect("c1", packet.VERSION500, true, 0, s1)
	b.Subscribe(&topic.Subscription{ClientID: "c1", Filter: "a/b", NoLocal: true})

	_ = b.Publish("c1", "a/b", 0, false, false, nil, []byte("hi"))
	if len(s1.sent) != 0 {
		t.Fatalf("expected NoLocal subscriber to be suppressed from its own publish")
	}
}

func TestBrokerSharedSubscriptionPicksOne(t *testing.T) {
	b := New(DefaultConfig(), nil)
	s1 := &recordingSender{}
	s2 := &recordingSender{}
	b.Connect("c1", packet.VERSION500, true, 0, s1)
	b.Connect("c2", packet.VERSION500, true, 0, s2)
	b.Subscribe(&topic.Subscription{ClientID: "c1", Filter: "$share/g/a/b"})
	b.Subscribe(&topic.Subscription{ClientID: "c2", Filter: "$share/g/a/b"})

	_ = b.Publish("pub", "a/b", 0, false, false, nil, []byte("1"))
	total := len(s1.sent) + len(s2.sent)
	if total != 1 {
		t.Fatalf("expected exactly one shared-group member to receive the message, got %d total", total)
	}
}

func TestBrokerCleanStartClearsSubscriptions(t *testing.T) {
	b := New(DefaultConfig(), nil)
	s1 := &recordingSender{}
	b.Connect("c1", packet.VERSION500, false, 120, s1)
	b.Subscribe(&topic.Subscription{ClientID: "c1", Filter: "a/b"})

	b.Disconnect("c1", false)
	b.Connect("c1", packet.VERSION500, true, 0, &recordingSender{})

	if groups := b.Index.Matching("a/b"); len(groups[""]) != 0 {
		t.Fatalf("expected clean start to drop prior subscriptions")
	}
}

func TestBrokerSessionResumeKeepsSubscriptions(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Connect("c1", packet.VERSION500, false, 120, &recordingSender{})
	b.Subscribe(&topic.Subscription{ClientID: "c1", Filter: "a/b"})
	b.Disconnect("c1", false)

	_, present := b.Connect("c1", packet.VERSION500, false, 120, &recordingSender{})
	if !present {
		t.Fatalf("expected session present on resume")
	}
	if groups := b.Index.Matching("a/b"); len(groups[""]) != 1 {
		t.Fatalf("expected resumed session to keep its subscription")
	}
}
