package mqtt

import "testing"

func TestIDAllocatorUnique(t *testing.T) {
	a := newIDAllocator()
	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		id, ok := a.Alloc()
		if !ok {
			t.Fatalf("Alloc failed at iteration %d", i)
		}
		if id == 0 {
			t.Fatal("Alloc must never return 0")
		}
		if seen[id] {
			t.Fatalf("id %d allocated twice before being freed", id)
		}
		seen[id] = true
	}
}

func TestIDAllocatorFreeIsIdempotent(t *testing.T) {
	a := newIDAllocator()
	id, ok := a.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	a.Free(id)
	a.Free(id) // must not panic or corrupt state
	a.Free(0)  // qos-0 sentinel, must be a no-op

	id2, ok := a.Alloc()
	if !ok {
		t.Fatal("Alloc failed after free")
	}
	if id2 != id {
		t.Errorf("expected freed id %d to be reused, got %d", id, id2)
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a := newIDAllocator()
	for i := 0; i < 65535; i++ {
		if _, ok := a.Alloc(); !ok {
			t.Fatalf("Alloc failed early at %d", i)
		}
	}
	if _, ok := a.Alloc(); ok {
		t.Fatal("Alloc should fail once all 65535 ids are in use")
	}
}
