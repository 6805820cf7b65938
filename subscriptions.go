package mqtt

import (
	"sync"

	"github.com/golang-io/mqtt/packet"
	"github.com/golang-io/mqtt/topic"
)

// subscriptionRegistry tracks what a Client is currently subscribed to
// and, for MQTT5, which subscription identifier it asked the broker to
// stamp onto matching PUBLISH packets. The trie itself is teacher's
// topic.MemoryTrie (topic/trie.go), used broker-side there for fanning
// a publish out to subscribers; here it answers the client-side
// question "does this inbound topic match one of my filters" without
// needing a subscription identifier round trip.
type subscriptionRegistry struct {
	mu      sync.Mutex
	trie    *topic.MemoryTrie
	byIdent map[uint32]string // subscription identifier -> topic filter
	granted map[string]packet.ReasonCode
	nextID  uint32
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		trie:    topic.NewMemoryTrie(),
		byIdent: make(map[uint32]string),
		granted: make(map[string]packet.ReasonCode),
	}
}

// Add records a new subscription and, if identifier is non-zero,
// the SUBSCRIBE's requested subscription identifier for that filter.
// granted is the broker's SUBACK reason code for this filter (for
// MQTT 3.1.1 this doubles as the granted QoS).
func (r *subscriptionRegistry) Add(filter string, identifier uint32, granted packet.ReasonCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.trie.Subscribe(filter); err != nil {
		return err
	}
	if identifier != 0 {
		r.byIdent[identifier] = filter
	}
	r.granted[filter] = granted
	return nil
}

func (r *subscriptionRegistry) Remove(filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trie.Unsubscribe(filter)
	delete(r.granted, filter)
	for id, f := range r.byIdent {
		if f == filter {
			delete(r.byIdent, id)
		}
	}
}

// GrantedQoS reports the reason code the broker granted for filter, if any.
func (r *subscriptionRegistry) GrantedQoS(filter string) (packet.ReasonCode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.granted[filter]
	return rc, ok
}

// List returns every currently registered topic filter, for
// re-subscribing after a reconnect.
func (r *subscriptionRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	filters := make([]string, 0, len(r.granted))
	for f := range r.granted {
		filters = append(filters, f)
	}
	return filters
}

// Matches reports whether topicName matches any registered filter.
func (r *subscriptionRegistry) Matches(topicName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.trie.Find(topicName)
	return ok
}

// Filter resolves a subscription identifier carried on an inbound
// PUBLISH back to the topic filter that produced it.
func (r *subscriptionRegistry) Filter(identifier uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byIdent[identifier]
	return f, ok
}

// NextIdentifier hands out the next subscription identifier to attach
// to an outbound SUBSCRIBE, starting at 1 (0 means "none").
func (r *subscriptionRegistry) NextIdentifier() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// ConnectError wraps the CONNACK/packet-level reason code a server
// returned for a failed CONNECT, keeping the full reason available to
// callers instead of collapsing it to a bare error string.
type ConnectError struct {
	Reason packet.ReasonCode
}

func (e *ConnectError) Error() string {
	return "mqtt: connect failed: " + e.Reason.Reason
}
