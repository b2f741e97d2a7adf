package broker

import (
	"time"
)

// Housekeeper runs the periodic maintenance the broker cannot do inline
// with request handling: evicting expired disconnected sessions,
// dispatching delayed will messages and sweeping expired retained
// messages.
type Housekeeper struct {
	broker   *Broker
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewHousekeeper returns a Housekeeper that ticks every interval once
// Run is called. A zero interval defaults to one second.
func NewHousekeeper(b *Broker, interval time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Housekeeper{broker: b, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks, ticking until Stop is called. Intended to be run in its
// own goroutine.
func (h *Housekeeper) Run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.tick(now)
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (h *Housekeeper) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Housekeeper) tick(now time.Time) {
	h.broker.Retained.Sweep(now)
	h.expireSessions(now)
}

// expireSessions evicts disconnected sessions whose expiry interval has
// elapsed and dispatches any will message whose delay has elapsed first.
func (h *Housekeeper) expireSessions(now time.Time) {
	h.broker.mu.RLock()
	clientIDs := make([]string, 0, len(h.broker.sessions))
	for id := range h.broker.sessions {
		clientIDs = append(clientIDs, id)
	}
	h.broker.mu.RUnlock()

	for _, clientID := range clientIDs {
		session, ok := h.broker.Session(clientID)
		if !ok || session.Connected() {
			continue
		}

		if will := session.Will; will != nil {
			deadline := session.LastDisconnect.Add(time.Duration(will.DelayInterval) * time.Second)
			if !now.Before(deadline) {
				_ = h.broker.Publish(clientID, will.Topic, will.QoS, will.Retain, false, will.Properties, will.Payload)
				session.Will = nil
			}
		}

		expiryTime, never := session.GetExpiryTime()
		if never {
			continue
		}
		if !now.Before(expiryTime) {
			h.broker.evict(clientID)
		}
	}
}
