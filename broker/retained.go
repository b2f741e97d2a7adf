package broker

import (
	"sync"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
)

// retainedMessage is one stored retained PUBLISH, keyed by exact topic
// name. A zero-length payload clears the retained message for that topic
// rather than storing one, per MQTT-3.3.1-10/11.
type retainedMessage struct {
	Message  *packet.Message
	QoS      uint8
	Props    *packet.PublishProperties
	Origin   string // client id that published it, for no-local suppression
	StoredAt time.Time
	ExpireAt time.Time // zero means no expiry
}

func (r *retainedMessage) expired(now time.Time) bool {
	return !r.ExpireAt.IsZero() && !now.Before(r.ExpireAt)
}

// RetainedStore is the exact-topic store of the most recent retained
// message per topic name.
type RetainedStore struct {
	mu   sync.RWMutex
	byTopic map[string]*retainedMessage
}

// NewRetainedStore returns an empty store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{byTopic: make(map[string]*retainedMessage)}
}

// Set installs or clears the retained message for topicName. A
// zero-length payload removes any existing retained message instead of
// storing one.
func (r *RetainedStore) Set(topicName string, payload []byte, qos uint8, props *packet.PublishProperties, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(payload) == 0 {
		delete(r.byTopic, topicName)
		return
	}
	rec := &retainedMessage{
		Message:  &packet.Message{TopicName: topicName, Content: payload},
		QoS:      qos,
		Props:    props,
		Origin:   origin,
		StoredAt: time.Now(),
	}
	if props != nil {
		if expiry := props.MessageExpiryInterval.Uint32(); expiry > 0 {
			rec.ExpireAt = rec.StoredAt.Add(time.Duration(expiry) * time.Second)
		}
	}
	r.byTopic[topicName] = rec
}

// Matching returns every live retained message whose topic matches
// filter, with MessageExpiryInterval rewritten to the time remaining
// before forwarding, per MQTT-3.3.2-6.
func (r *RetainedStore) Matching(filter string) []*retainedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var out []*retainedMessage
	for topicName, rec := range r.byTopic {
		if rec.expired(now) {
			continue
		}
		if !matchRetained(filter, topicName) {
			continue
		}
		out = append(out, rec.withRemainingExpiry(now))
	}
	return out
}

// withRemainingExpiry returns a shallow copy of r whose PublishProperties
// carries the seconds left until ExpireAt instead of the original
// interval, leaving the stored record untouched.
func (r *retainedMessage) withRemainingExpiry(now time.Time) *retainedMessage {
	if r.ExpireAt.IsZero() {
		return r
	}
	remaining := uint32(r.ExpireAt.Sub(now) / time.Second)
	props := *r.Props
	props.MessageExpiryInterval = packet.MessageExpiryInterval(remaining)
	cp := *r
	cp.Props = &props
	return &cp
}

// Sweep deletes every retained message whose expiry has passed. Run
// periodically by the housekeeper.
func (r *RetainedStore) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topicName, rec := range r.byTopic {
		if rec.expired(now) {
			delete(r.byTopic, topicName)
		}
	}
}

// matchRetained applies the same wildcard rules as a live subscription
// match, with the same $-topic-vs-wildcard-first-level exclusion.
func matchRetained(filter, topicName string) bool {
	return topic.Match(filter, topicName)
}
