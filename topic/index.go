package topic

import "sync"

// Subscription is one client's standing interest in a topic filter,
// as installed by SUBSCRIBE. Filter is the filter exactly as sent by the
// client, including any "$share/<group>/" prefix; ShareGroup is extracted
// from it for convenience and is empty for ordinary subscriptions.
type Subscription struct {
	ClientID               string
	Filter                 string
	ShareGroup             string
	MatchFilter            string // Filter with the $share/<group>/ prefix removed
	MaximumQoS             uint8
	NoLocal                bool
	RetainAsPublished      bool
	SubscriptionIdentifier uint32 // 0 means absent
}

// Index is a multi-client subscription index: every currently active
// (client, filter) pair maps to the Subscription installed for it. A
// second SUBSCRIBE for the same (client, filter) replaces the first, per
// MQTT-3.8.4-3. Index generalizes the single-connection trie match that
// used to live here into a global, lock-guarded table keyed by filter so
// that Matching can be computed once per PUBLISH and handed to the broker.
type Index struct {
	mu       sync.RWMutex
	byFilter map[string]map[string]*Subscription // filter -> clientID -> Subscription
	byClient map[string]map[string]struct{}      // clientID -> set of filter
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{
		byFilter: make(map[string]map[string]*Subscription),
		byClient: make(map[string]map[string]struct{}),
	}
}

// Insert installs or replaces sub. sub.MatchFilter and sub.ShareGroup are
// derived from sub.Filter if not already set. Reports whether a
// subscription for (sub.ClientID, sub.Filter) already existed and was
// replaced, per MQTT-3.8.4-3.
func (idx *Index) Insert(sub *Subscription) bool {
	if sub.MatchFilter == "" {
		if group, rest, ok := ShareName(sub.Filter); ok {
			sub.ShareGroup, sub.MatchFilter = group, rest
		} else {
			sub.MatchFilter = sub.Filter
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	clients, ok := idx.byFilter[sub.Filter]
	if !ok {
		clients = make(map[string]*Subscription)
		idx.byFilter[sub.Filter] = clients
	}
	_, replaced := clients[sub.ClientID]
	clients[sub.ClientID] = sub

	filters, ok := idx.byClient[sub.ClientID]
	if !ok {
		filters = make(map[string]struct{})
		idx.byClient[sub.ClientID] = filters
	}
	filters[sub.Filter] = struct{}{}
	return replaced
}

// Delete removes the subscription for (clientID, filter), if any. It
// reports whether a subscription existed.
func (idx *Index) Delete(clientID, filter string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	clients, ok := idx.byFilter[filter]
	if !ok {
		return false
	}
	if _, ok := clients[clientID]; !ok {
		return false
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(idx.byFilter, filter)
	}
	if filters, ok := idx.byClient[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(idx.byClient, clientID)
		}
	}
	return true
}

// DeleteClient removes every subscription belonging to clientID. Called
// when a session ends (clean session/start, or session-expiry eviction).
func (idx *Index) DeleteClient(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for filter := range idx.byClient[clientID] {
		clients := idx.byFilter[filter]
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(idx.byFilter, filter)
		}
	}
	delete(idx.byClient, clientID)
}

// Matching returns every subscription whose filter matches topicName,
// grouped by ShareGroup: the empty key holds ordinary (non-shared)
// subscriptions, one entry per matching subscriber; every other key holds
// the matching subscribers sharing that group name, exactly one of whom
// the broker should pick for delivery.
func (idx *Index) Matching(topicName string) map[string][]*Subscription {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string][]*Subscription)
	for filter, clients := range idx.byFilter {
		matchFilter := filter
		group := ""
		if g, rest, ok := ShareName(filter); ok {
			group, matchFilter = g, rest
		}
		if !Match(matchFilter, topicName) {
			continue
		}
		for _, sub := range clients {
			out[group] = append(out[group], sub)
		}
	}
	return out
}

// Subscriptions returns a snapshot of every filter clientID currently
// holds. Used when reporting session state.
func (idx *Index) Subscriptions(clientID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	filters := make([]string, 0, len(idx.byClient[clientID]))
	for f := range idx.byClient[clientID] {
		filters = append(filters, f)
	}
	return filters
}
