package mqtt

import (
	"fmt"
	"sync"
)

// topicAliasTable implements the MQTT5 topic-alias contraction described
// in gmqtt's mqtt/handler.py: a PUBLISH carrying both a topic name and
// an alias binds that alias to the name; a PUBLISH carrying only the
// alias resolves it back to the bound name. The client keeps one table,
// for aliases on the PUBLISH packets it receives; it does not assign
// aliases on the PUBLISH packets it sends.
type topicAliasTable struct {
	mu      sync.Mutex
	maximum uint16
	names   map[uint16]string
}

func newTopicAliasTable(maximum uint16) *topicAliasTable {
	return &topicAliasTable{maximum: maximum, names: make(map[uint16]string)}
}

// Bind records alias -> topic, as instructed by a PUBLISH that carries
// both a non-empty topic name and a non-zero alias.
func (t *topicAliasTable) Bind(alias uint16, topic string) error {
	if alias == 0 {
		return fmt.Errorf("mqtt: topic alias 0 is invalid")
	}
	if t.maximum != 0 && alias > t.maximum {
		return fmt.Errorf("mqtt: topic alias %d exceeds negotiated maximum %d", alias, t.maximum)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[alias] = topic
	return nil
}

// Resolve returns the topic name bound to alias, for a PUBLISH that
// carries an alias but an empty topic name.
func (t *topicAliasTable) Resolve(alias uint16) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.names[alias]
	if !ok {
		return "", fmt.Errorf("mqtt: unknown topic alias %d", alias)
	}
	return name, nil
}

// Reset clears all bindings; called on reconnect, since topic-alias
// state does not survive a new network connection [MQTT-3.3.2-8].
func (t *topicAliasTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = make(map[uint16]string)
}
