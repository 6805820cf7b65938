package mqtt

import "testing"

func TestTopicAliasBindAndResolve(t *testing.T) {
	tbl := newTopicAliasTable(10)
	if err := tbl.Bind(1, "sensors/temp"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	name, err := tbl.Resolve(1)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if name != "sensors/temp" {
		t.Errorf("expected sensors/temp, got %s", name)
	}
}

func TestTopicAliasResolveUnknown(t *testing.T) {
	tbl := newTopicAliasTable(10)
	if _, err := tbl.Resolve(5); err == nil {
		t.Error("expected error resolving an unbound alias")
	}
}

func TestTopicAliasZeroInvalid(t *testing.T) {
	tbl := newTopicAliasTable(10)
	if err := tbl.Bind(0, "x"); err == nil {
		t.Error("alias 0 must be rejected")
	}
}

func TestTopicAliasExceedsMaximum(t *testing.T) {
	tbl := newTopicAliasTable(2)
	if err := tbl.Bind(3, "x"); err == nil {
		t.Error("alias above negotiated maximum must be rejected")
	}
}

func TestTopicAliasReset(t *testing.T) {
	tbl := newTopicAliasTable(10)
	_ = tbl.Bind(1, "a/b")
	tbl.Reset()
	if _, err := tbl.Resolve(1); err == nil {
		t.Error("Reset should clear all bindings")
	}
}
