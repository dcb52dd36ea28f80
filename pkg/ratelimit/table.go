package ratelimit

import (
	"math/bits"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
)

const DefaultTableCapacity = 16384

type slot struct {
	used   bool
	key    netadr.Address
	bucket Bucket

	// LRU links, indexes into Table.slots, -1 terminates.
	prev int32
	next int32
}

// Table maps normalized addresses to buckets using a fixed-size open
// addressed array. When every bucket is taken the least recently used one is
// recycled, so memory stays bounded regardless of how many sources send.
type Table struct {
	capacity int
	count    int
	mask     uint32
	slots    []slot

	head int32 // most recently used
	tail int32 // least recently used
}

func CreateTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultTableCapacity
	}
	size := 1 << bits.Len(uint(capacity*2-1))
	t := &Table{
		capacity: capacity,
		mask:     uint32(size - 1),
		slots:    make([]slot, size),
		head:     -1,
		tail:     -1,
	}
	return t
}

func (t *Table) Len() int {
	return t.count
}

func (t *Table) Capacity() int {
	return t.capacity
}

// Admit runs the leaky bucket for the LimitKey of addr.
func (t *Table) Admit(addr netadr.Address, now int64, burst int, period int64) bool {
	return t.bucketFor(addr.LimitKey()).Admit(now, burst, period)
}

// bucketFor returns the live bucket for key, creating it if needed. The pointer is
// only valid until the next call that may insert.
func (t *Table) bucketFor(key netadr.Address) *Bucket {
	idx, found := t.find(key)
	if found {
		t.touch(int32(idx))
		return &t.slots[idx].bucket
	}

	if t.count >= t.capacity {
		t.remove(t.tail)
		idx, _ = t.find(key)
	}

	s := &t.slots[idx]
	*s = slot{used: true, key: key, prev: -1, next: -1}
	t.count++
	t.pushFront(int32(idx))
	return &s.bucket
}

// find returns the slot holding key, or the first empty slot of its probe
// sequence.
func (t *Table) find(key netadr.Address) (int, bool) {
	i := key.Hash() & t.mask
	for {
		s := &t.slots[i]
		if !s.used {
			return int(i), false
		}
		if s.key == key {
			return int(i), true
		}
		i = (i + 1) & t.mask
	}
}

// remove frees slot i and closes the gap with backward-shift deletion so that
// probe sequences never see a hole.
func (t *Table) remove(i int32) {
	t.unlink(i)
	t.slots[i] = slot{}
	t.count--

	hole := uint32(i)
	j := hole
	for {
		j = (j + 1) & t.mask
		s := &t.slots[j]
		if !s.used {
			return
		}
		home := s.key.Hash() & t.mask
		// Slot j may move into the hole only if its home is not cyclically
		// within (hole, j].
		if (j > hole && (home <= hole || home > j)) || (j < hole && home <= hole && home > j) {
			t.slots[hole] = *s
			t.relink(int32(j), int32(hole))
			t.slots[j] = slot{}
			hole = j
		}
	}
}

func (t *Table) relink(from, to int32) {
	s := &t.slots[to]
	if s.prev >= 0 {
		t.slots[s.prev].next = to
	} else {
		t.head = to
	}
	if s.next >= 0 {
		t.slots[s.next].prev = to
	} else {
		t.tail = to
	}
}

func (t *Table) unlink(i int32) {
	s := &t.slots[i]
	if s.prev >= 0 {
		t.slots[s.prev].next = s.next
	} else {
		t.head = s.next
	}
	if s.next >= 0 {
		t.slots[s.next].prev = s.prev
	} else {
		t.tail = s.prev
	}
	s.prev, s.next = -1, -1
}

func (t *Table) pushFront(i int32) {
	s := &t.slots[i]
	s.prev = -1
	s.next = t.head
	if t.head >= 0 {
		t.slots[t.head].prev = i
	}
	t.head = i
	if t.tail < 0 {
		t.tail = i
	}
}

func (t *Table) touch(i int32) {
	if t.head == i {
		return
	}
	t.unlink(i)
	t.pushFront(i)
}
