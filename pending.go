package mqtt

import (
	"container/heap"
	"sync"
	"time"
)

// PendingStore tracks outbound QoS 1/2 publishes awaiting acknowledgement
// and resends them once their retry deadline passes. The teacher's
// InFight type (infight.go) only tracked inbound QoS 2 dedup state; this
// is the outbound counterpart the spec requires, pluggable behind an
// interface so a persistent implementation can replace the in-memory
// default without touching Client.
type PendingStore interface {
	// Add registers a packet identifier as in flight, due for retry at
	// deadline unless acknowledged or canceled first.
	Add(id uint16, deadline time.Time, payload any)
	// Ack removes id from the store; it is a no-op if id is unknown.
	Ack(id uint16)
	// Due pops every entry whose deadline has passed, in deadline order.
	Due(now time.Time) []PendingEntry
	// Len reports the number of packets currently in flight.
	Len() int
}

// PendingEntry is one entry popped off a PendingStore by Due.
type PendingEntry struct {
	PacketID uint16
	Payload  any
}

type pendingItem struct {
	id       uint16
	deadline time.Time
	payload  any
	index    int
}

// pendingHeap is a min-heap ordered by deadline, giving Due its
// earliest-expiring-first pop order without a full scan.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pendingHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// memPendingStore is the default in-memory PendingStore.
type memPendingStore struct {
	mu     sync.Mutex
	byID   map[uint16]*pendingItem
	byTime pendingHeap
}

func newMemPendingStore() *memPendingStore {
	return &memPendingStore{
		byID: make(map[uint16]*pendingItem),
	}
}

func (s *memPendingStore) Add(id uint16, deadline time.Time, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[id]; ok {
		heap.Remove(&s.byTime, old.index)
	}
	item := &pendingItem{id: id, deadline: deadline, payload: payload}
	s.byID[id] = item
	heap.Push(&s.byTime, item)
}

func (s *memPendingStore) Ack(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if item.index >= 0 {
		heap.Remove(&s.byTime, item.index)
	}
}

func (s *memPendingStore) Due(now time.Time) []PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []PendingEntry
	for s.byTime.Len() > 0 && !s.byTime[0].deadline.After(now) {
		item := heap.Pop(&s.byTime).(*pendingItem)
		due = append(due, PendingEntry{PacketID: item.id, Payload: item.payload})
		// Due only pops the entry; the caller re-Adds it with a fresh
		// deadline after resending, via Client.keepAliveLoop.
		delete(s.byID, item.id)
	}
	return due
}

func (s *memPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
