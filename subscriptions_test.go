package mqtt

import (
	"testing"

	"github.com/golang-io/mqtt/packet"
)

func TestSubscriptionRegistryMatches(t *testing.T) {
	r := newSubscriptionRegistry()
	if err := r.Add("sensors/+/temp", 0, packet.CodeGrantedQos0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !r.Matches("sensors/kitchen/temp") {
		t.Error("expected single-level wildcard to match")
	}
	if r.Matches("sensors/kitchen/humidity") {
		t.Error("unrelated topic should not match")
	}
}

func TestSubscriptionRegistryIdentifierLookup(t *testing.T) {
	r := newSubscriptionRegistry()
	id := r.NextIdentifier()
	if err := r.Add("a/b/c", id, packet.CodeGrantedQos1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	filter, ok := r.Filter(id)
	if !ok || filter != "a/b/c" {
		t.Errorf("expected filter a/b/c for identifier %d, got %q, ok=%v", id, filter, ok)
	}
}

func TestSubscriptionRegistryRemove(t *testing.T) {
	r := newSubscriptionRegistry()
	id := r.NextIdentifier()
	_ = r.Add("x/y", id, packet.CodeGrantedQos0)
	r.Remove("x/y")
	if r.Matches("x/y") {
		t.Error("topic should no longer match after Remove")
	}
	if _, ok := r.Filter(id); ok {
		t.Error("identifier mapping should be cleared after Remove")
	}
}

func TestSubscriptionRegistryGrantedQoSAndList(t *testing.T) {
	r := newSubscriptionRegistry()
	_ = r.Add("a/b", 0, packet.CodeGrantedQos1)
	_ = r.Add("c/d", 0, packet.CodeGrantedQos2)

	rc, ok := r.GrantedQoS("a/b")
	if !ok || rc.Code != packet.CodeGrantedQos1.Code {
		t.Errorf("expected granted qos 1 for a/b, got %v, ok=%v", rc, ok)
	}

	filters := r.List()
	if len(filters) != 2 {
		t.Errorf("expected 2 listed filters, got %d", len(filters))
	}

	r.Remove("a/b")
	if _, ok := r.GrantedQoS("a/b"); ok {
		t.Error("GrantedQoS should be cleared after Remove")
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 listed filter after Remove, got %d", len(r.List()))
	}
}

func TestConnectErrorMessage(t *testing.T) {
	err := &ConnectError{Reason: packet.ReasonCode{Code: 0x85, Reason: "client identifier not valid"}}
	if err.Error() == "" {
		t.Error("ConnectError.Error() should not be empty")
	}
}
