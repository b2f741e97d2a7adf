package broker

import (
	"sync"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
)

// Config holds the capability set the broker advertises in CONNACK and
// enforces afterward.
type Config struct {
	MaximumQoS                       uint8
	RetainAvailable                  bool
	WildcardSubscriptionAvailable    bool
	SubscriptionIdentifiersAvailable bool
	SharedSubscriptionAvailable      bool
	ServerKeepAlive                  uint16 // 0 means accept whatever the client proposed
	MaximumPacketSize                uint32 // 0 means unlimited
	ReceiveMaximum                   uint16
	TopicAliasMaximum                uint16 // highest alias a client may register on this connection
}

// DefaultConfig matches what a broker with no special constraints would
// advertise.
func DefaultConfig() Config {
	return Config{
		MaximumQoS:                       2,
		RetainAvailable:                  true,
		WildcardSubscriptionAvailable:    true,
		SubscriptionIdentifiersAvailable: true,
		SharedSubscriptionAvailable:      true,
		ReceiveMaximum:                   65535,
		TopicAliasMaximum:                16,
	}
}

// Broker is the shared, in-memory core: the session table, the
// subscription index and the retained-message store, fanning out every
// PUBLISH to the sessions whose subscriptions match. It generalizes
// mem_topic.go's per-topic-name connection-set broadcast into matching
// against arbitrary wildcard filters, and replaces infight.go's single
// global map with per-session bookkeeping (see session.go).
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	Index    *topic.Index
	Retained *RetainedStore
	Hooks    *Hooks
	Config   Config
}

// New returns an empty Broker. A nil hooks is valid and means every
// extension point is a no-op.
func New(cfg Config, hooks *Hooks) *Broker {
	return &Broker{
		sessions: make(map[string]*Session),
		Index:    topic.NewIndex(),
		Retained: NewRetainedStore(),
		Hooks:    hooks,
		Config:   cfg,
	}
}

// Connect installs clientID's session: a fresh one if cleanStart is set,
// no prior session exists, or the prior one expired; otherwise the
// existing session is resumed and sessionPresent is true. Per the clean
// start semantics, a fresh session always starts with no subscriptions,
// so DeleteClient runs on the index before a fresh session is installed.
func (b *Broker) Connect(clientID string, version byte, cleanStart bool, sessionExpiryInterval uint32, sender Sender) (session *Session, sessionPresent bool) {
	receiveMaximum := b.Config.ReceiveMaximum

	b.mu.Lock()
	existing, hadSession := b.sessions[clientID]
	if hadSession && existing.Connected() {
		// Session taken over: tell the prior connection why it's being
		// dropped (v5.0) and force its socket closed before detaching it.
		existing.TakeOver()
		existing.Disconnect()
	}

	if cleanStart || !hadSession {
		b.Index.DeleteClient(clientID)
		session = NewSession(clientID, version, sessionExpiryInterval, receiveMaximum)
		b.sessions[clientID] = session
		sessionPresent = false
	} else {
		session = existing
		session.SessionExpiryInterval = sessionExpiryInterval
		sessionPresent = true
	}
	b.mu.Unlock()

	session.Connect(sender)
	return session, sessionPresent
}

// Disconnect detaches the sender from clientID's session. If the session
// carries a zero expiry interval it is torn down immediately, including
// every subscription it holds; otherwise it is left for the housekeeper
// to expire later. A will that is not discarded is published here when
// its delay is 0 or the session is torn down; otherwise the housekeeper
// publishes it once the delay has passed.
func (b *Broker) Disconnect(clientID string, discardWill bool) {
	b.mu.RLock()
	session, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	session.Disconnect()
	if discardWill {
		session.Will = nil
	}
	if will := session.Will; will != nil && (will.DelayInterval == 0 || session.SessionExpiryInterval == 0) {
		session.Will = nil
		_ = b.Publish(clientID, will.Topic, will.QoS, will.Retain, false, will.Properties, will.Payload)
	}
	if session.SessionExpiryInterval == 0 {
		b.evict(clientID)
	}
}

// evict removes clientID's session and every subscription it holds.
func (b *Broker) evict(clientID string) {
	b.mu.Lock()
	delete(b.sessions, clientID)
	b.mu.Unlock()
	b.Index.DeleteClient(clientID)
	if b.Hooks != nil && b.Hooks.Persistence != nil {
		_ = b.Hooks.Persistence.DeleteSession(clientID)
	}
}

// Session looks up clientID's session.
func (b *Broker) Session(clientID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[clientID]
	return s, ok
}

// Subscribe installs sub in the index. sub.ClientID must already name a
// live session. Reports whether it replaced an existing subscription for
// the same (clientID, filter).
func (b *Broker) Subscribe(sub *topic.Subscription) bool {
	return b.Index.Insert(sub)
}

// Unsubscribe removes the subscription for (clientID, filter).
func (b *Broker) Unsubscribe(clientID, filter string) bool {
	return b.Index.Delete(clientID, filter)
}

// Publish fans origin's message out to every session whose subscription
// matches topicName. Non-shared subscribers each get a copy; for every
// shared-subscription group matching, exactly one member is chosen by
// oldest LastDelivery (a simple, fair round robin). retain, when set and
// Config.RetainAvailable is true, updates the retained-message store
// first (MQTT-3.3.1-5).
func (b *Broker) Publish(origin, topicName string, qos uint8, retain bool, dup bool, props *packet.PublishProperties, payload []byte) error {
	if !topic.ValidTopicName(topicName) {
		return ErrInvalidTopicName
	}
	if qos > b.Config.MaximumQoS {
		qos = b.Config.MaximumQoS
	}
	if retain && b.Config.RetainAvailable {
		b.Retained.Set(topicName, payload, qos, props, origin)
	}

	groups := b.Index.Matching(topicName)
	for group, subs := range groups {
		if group == "" {
			for _, sub := range subs {
				b.deliverTo(sub, origin, topicName, qos, retain, dup, props, payload)
			}
			continue
		}
		sub := oldestDelivery(subs, b)
		if sub != nil {
			b.deliverTo(sub, origin, topicName, qos, retain, dup, props, payload)
		}
	}
	return nil
}

// oldestDelivery picks, among a shared-subscription group's matching
// subscribers, the one whose session last received a message longest
// ago (or never), so delivery round-robins across the group's members.
func oldestDelivery(subs []*topic.Subscription, b *Broker) *topic.Subscription {
	var best *topic.Subscription
	var bestAt time.Time
	for _, sub := range subs {
		session, ok := b.Session(sub.ClientID)
		if !ok {
			continue
		}
		if best == nil || session.LastDelivery.Before(bestAt) {
			best, bestAt = sub, session.LastDelivery
		}
	}
	return best
}

func (b *Broker) deliverTo(sub *topic.Subscription, origin, topicName string, qos uint8, retain, dup bool, props *packet.PublishProperties, payload []byte) {
	if sub.NoLocal && sub.ClientID == origin {
		return
	}
	session, ok := b.Session(sub.ClientID)
	if !ok {
		return
	}
	deliverQoS := qos
	if sub.MaximumQoS < deliverQoS {
		deliverQoS = sub.MaximumQoS
	}
	pubProps := cloneProps(props)
	if sub.SubscriptionIdentifier != 0 {
		if pubProps == nil {
			pubProps = &packet.PublishProperties{}
		}
		pubProps.SubscriptionIdentifier = append(pubProps.SubscriptionIdentifier, sub.SubscriptionIdentifier)
	}
	// Per MQTT-3.3.1-9/12: the Retain bit forwarded to a subscriber is
	// only ever set for retained-message replay or when the subscription
	// opted into RetainAsPublished.
	retainFlag := uint8(0)
	if sub.RetainAsPublished && retain {
		retainFlag = 1
	}
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{
			Version: session.Version,
			Kind:    0x3,
			Dup:     boolToFlag(dup),
			QoS:     deliverQoS,
			Retain:  retainFlag,
		},
		Message: &packet.Message{TopicName: topicName, Content: payload},
		Props:   pubProps,
	}
	_ = session.Publish(pub)
}

func boolToFlag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func cloneProps(props *packet.PublishProperties) *packet.PublishProperties {
	if props == nil {
		return nil
	}
	cp := *props
	cp.SubscriptionIdentifier = append([]uint32{}, props.SubscriptionIdentifier...)
	return &cp
}

// DeliverRetained sends every retained message matching sub's filter to
// sub.ClientID's session, as required right after a fresh SUBSCRIBE.
// Every message sent this way carries the Retain bit, whatever the
// subscription's RetainAsPublished; with NoLocal set, retained messages
// the subscriber itself published are skipped.
func (b *Broker) DeliverRetained(sub *topic.Subscription) {
	records := b.Retained.Matching(sub.MatchFilter)
	session, ok := b.Session(sub.ClientID)
	if !ok {
		return
	}
	for _, rec := range records {
		if sub.NoLocal && rec.Origin == sub.ClientID {
			continue
		}
		deliverQoS := rec.QoS
		if sub.MaximumQoS < deliverQoS {
			deliverQoS = sub.MaximumQoS
		}
		props := cloneProps(rec.Props)
		if sub.SubscriptionIdentifier != 0 {
			if props == nil {
				props = &packet.PublishProperties{}
			}
			props.SubscriptionIdentifier = append(props.SubscriptionIdentifier, sub.SubscriptionIdentifier)
		}
		pub := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{
				Version: session.Version,
				Kind:    0x3,
				QoS:     deliverQoS,
				Retain:  1,
			},
			Message: &packet.Message{TopicName: rec.Message.TopicName, Content: rec.Message.Content},
			Props:   props,
		}
		_ = session.Publish(pub)
	}
}

// ErrInvalidTopicName is returned by Publish when topicName is empty or
// carries a wildcard character.
var ErrInvalidTopicName = topicNameError{}

type topicNameError struct{}

func (topicNameError) Error() string { return "invalid topic name" }
