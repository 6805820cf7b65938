package mqtt

import "testing"

func TestReconnectStateUnlimited(t *testing.T) {
	r := newReconnectState(ReconnectPolicy{MaxRetries: Unlimited})
	for i := 0; i < 100; i++ {
		if !r.Allow() {
			t.Fatalf("unlimited policy should always allow, failed at attempt %d", i)
		}
	}
}

func TestReconnectStateBounded(t *testing.T) {
	r := newReconnectState(ReconnectPolicy{MaxRetries: 3})
	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("expected attempt %d to be allowed", i)
		}
	}
	if r.Allow() {
		t.Error("4th attempt should be refused once MaxRetries is exhausted")
	}
}

func TestReconnectStateReset(t *testing.T) {
	r := newReconnectState(ReconnectPolicy{MaxRetries: 1})
	if !r.Allow() {
		t.Fatal("first attempt should be allowed")
	}
	if r.Allow() {
		t.Fatal("second attempt should be refused")
	}
	r.Reset()
	if !r.Allow() {
		t.Error("attempt after Reset should be allowed again")
	}
}
