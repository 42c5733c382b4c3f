// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package fixedmap is a fixed capacity hash table using open addressing and
// linear probing.
//
// # Layout
//
// A Map is an array of capacity slots paired with an array of capacity
// control bytes. A control byte is either ctrlEmpty or, for a full slot, the
// 7-bit h2 fingerprint of hash(key). The fingerprint lets probing skip most
// key comparisons that cannot match.
//
// The capacity is chosen at construction and never changes. There is no
// resizing: inserting a new key into a full map is rejected and reported to
// the caller. Updating a key which is already present always succeeds.
//
// # Probing
//
// A key's home index is hash(key) % capacity. Insert, Get and Remove walk
// forward from the home index one slot at a time, wrapping at the end of the
// array, until they find the key or an empty slot. The walk is bounded by
// capacity steps so that a full map terminates.
//
// # Deletion
//
// Remove frees the slot immediately: there are no tombstones. Because probing
// stops at the first empty slot, freeing a slot in the middle of a cluster
// hides every later member of the cluster whose probe sequence passed through
// it. Such keys are still stored (and counted by Len and visited by All) but
// Get, Contains and Remove no longer find them, and inserting one of them again
// stores a second copy. This is a known limitation of the default
// configuration.
//
// WithCompactingRemove switches Remove to backward-shift deletion: after the
// slot is freed, the remaining members of the cluster that can legally move
// closer to their home index are shifted back into the hole. Probe sequences
// stay intact and no tombstones are needed.
//
// # Iteration
//
// All, AllPtr, Keys and Values visit full slots in bucket array order. That
// order depends on the collision history, not on insertion order. A Map must
// not be structurally modified (Insert of a new key, Remove, Clear, Close)
// while an iteration is in progress.
//
// A Map is NOT goroutine-safe.
package fixedmap

import (
	"fmt"
	"iter"
	"math/bits"
	"math/rand/v2"
	"strings"
	"unsafe"
)

const (
	debug = false

	// DefaultCapacity is the capacity of a Map created by NewDefault.
	DefaultCapacity = 100

	ctrlEmpty ctrl = 0b10000000
)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Each slot in the table has a control byte which is in one of two states:
//
//	empty: 1 0 0 0 0 0 0 0
//	 full: 0 h h h h h h h  // h represents the H2 hash bits
type ctrl uint8

func (c ctrl) full() bool {
	return c&ctrlEmpty == 0
}

type hashFn[K any] func(key *K, seed uintptr) uintptr

// Map is an unordered map from keys to values with a capacity fixed at
// construction. By default a Map[K,V] hashes keys with hash/maphash, though a
// different hash function can be specified using the WithHash option. Every
// hash function, the default included, is passed the Map's random seed.
type Map[K comparable, V any] struct {
	hash hashFn[K]
	seed uintptr
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[K, V]
	// ctrls and slots are capacity in length.
	ctrls []ctrl
	slots []Slot[K, V]
	// The total number of slots.
	capacity uintptr
	// The number of full slots (i.e. the number of elements in the map).
	used int
	// compact enables backward-shift deletion in Remove.
	compact bool
}

// New constructs a new Map with room for exactly capacity entries. New panics
// if capacity is not positive.
func New[K comparable, V any](capacity int, options ...option[K, V]) *Map[K, V] {
	if capacity <= 0 {
		panic(fmt.Sprintf("fixedmap: invalid capacity %d", capacity))
	}

	m := &Map[K, V]{
		seed:      uintptr(rand.Uint64()),
		allocator: defaultAllocator[K, V]{},
	}

	for _, op := range options {
		op.apply(m)
	}
	if m.hash == nil {
		m.hash = comparableHash[K]()
	}

	m.capacity = uintptr(capacity)
	m.slots = m.allocator.AllocSlots(capacity)
	m.ctrls = unsafeConvertSlice[ctrl](m.allocator.AllocControls(capacity))
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}

	m.checkInvariants()
	return m
}

// NewDefault constructs a new Map with DefaultCapacity slots.
func NewDefault[K comparable, V any](options ...option[K, V]) *Map[K, V] {
	return New[K, V](DefaultCapacity, options...)
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots)
		m.allocator.FreeControls(unsafeConvertSlice[uint8](m.ctrls))
		m.capacity = 0
		m.used = 0
	}
	m.ctrls = nil
	m.slots = nil
	m.allocator = nil
}

// Insert stores value under key. If key is already present its value is
// replaced, prev holds the old value and replaced is true; this succeeds even
// when the map is full. Otherwise the entry is stored in the first empty slot
// of the key's probe sequence. If the map is full and key is not present,
// Insert returns inserted=false and leaves the map unchanged.
func (m *Map[K, V]) Insert(key K, value V) (inserted bool, prev V, replaced bool) {
	h := m.hash(&key, m.seed)
	seq := makeProbeSeq(h, m.capacity)
	if debug {
		fmt.Printf("insert(%v): %s\n", key, seq)
	}

	for ; !seq.done(); seq = seq.next() {
		i := seq.offset
		c := m.ctrls[i]
		if c == ctrlEmpty {
			m.slots[i] = Slot[K, V]{key: key, value: value}
			m.ctrls[i] = h2(h)
			m.used++
			if debug {
				fmt.Printf("insert(inserting): index=%d used=%d\n", i, m.used)
			}
			m.checkInvariants()
			return true, prev, false
		}
		if c == h2(h) {
			s := &m.slots[i]
			if key == s.key {
				if debug {
					fmt.Printf("insert(updating): index=%d key=%v\n", i, key)
				}
				prev, s.value = s.value, value
				return true, prev, true
			}
		}
		if debug {
			fmt.Printf("insert(probing): index=%d ctrl=%02x h2=%02x\n", i, c, h2(h))
		}
	}

	// Every slot is full and none of them holds key.
	if debug {
		fmt.Printf("insert(%v): full used=%d capacity=%d\n", key, m.used, m.capacity)
	}
	return false, prev, false
}

// Put is Insert without the previous value. It returns false if key is not
// present and the map is full.
func (m *Map[K, V]) Put(key K, value V) bool {
	inserted, _, _ := m.Insert(key, value)
	return inserted
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if i, ok := m.findKey(&key); ok {
		return m.slots[i].value, true
	}
	return value, false
}

// GetPtr returns a pointer to the value stored for key, or nil if the key is
// not present. The pointer may be used to modify the value in place. It must
// not be retained across Insert, Remove, Clear or Close.
func (m *Map[K, V]) GetPtr(key K) *V {
	if i, ok := m.findKey(&key); ok {
		return &m.slots[i].value
	}
	return nil
}

// Contains returns true if key is present in the map.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.findKey(&key)
	return ok
}

// Remove deletes the entry corresponding to the specified key from the map,
// returning true if it was present. See the package documentation for how
// removal interacts with probe sequences.
func (m *Map[K, V]) Remove(key K) bool {
	i, ok := m.findKey(&key)
	if !ok {
		if debug {
			fmt.Printf("remove(%v): not found\n", key)
		}
		return false
	}
	m.removeAt(i)
	if debug {
		fmt.Printf("remove(%v): index=%d used=%d\n", key, i, m.used)
	}
	return true
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity is unchanged.
func (m *Map[K, V]) Clear() {
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}
	clear(m.slots)
	m.used = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Cap returns the number of slots in the map, which is the maximum number of
// entries it can hold.
func (m *Map[K, V]) Cap() int {
	return int(m.capacity)
}

// IsEmpty returns true if the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.used == 0
}

// All returns an iterator over the entries of the map in bucket array order.
// Each call starts a new walk from the first slot.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.ctrls {
			if m.ctrls[i].full() {
				s := &m.slots[i]
				if !yield(s.key, s.value) {
					return
				}
			}
		}
	}
}

// AllPtr is like All but yields a pointer to each value, allowing values to
// be updated in place during iteration.
func (m *Map[K, V]) AllPtr() iter.Seq2[K, *V] {
	return func(yield func(K, *V) bool) {
		for i := range m.ctrls {
			if m.ctrls[i].full() {
				s := &m.slots[i]
				if !yield(s.key, &s.value) {
					return
				}
			}
		}
	}
}

// Keys returns an iterator over the keys of the map in bucket array order.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns an iterator over the values of the map in bucket array
// order.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range m.All() {
			if !yield(v) {
				return
			}
		}
	}
}

// Equal reports whether two maps contain the same key/value pairs. The
// capacities of the maps are not compared.
func Equal[K, V comparable](a, b *Map[K, V]) bool {
	return EqualFunc(a, b, func(x, y V) bool { return x == y })
}

// EqualFunc is like Equal, but compares values using eq.
func EqualFunc[K comparable, V1, V2 any](a *Map[K, V1], b *Map[K, V2], eq func(V1, V2) bool) bool {
	if a.Len() != b.Len() {
		return false
	}
	// Equal lengths and no duplicate keys make one-way containment
	// sufficient.
	for k, v1 := range a.All() {
		if v2, ok := b.Get(k); !ok || !eq(v1, v2) {
			return false
		}
	}
	return true
}

// findKey returns the index of the slot holding key.
//
// NB: This is find specialized for K's own equality. It avoids the closure
// call per candidate on the common path.
func (m *Map[K, V]) findKey(key *K) (uintptr, bool) {
	h := m.hash(key, m.seed)
	for seq := makeProbeSeq(h, m.capacity); !seq.done(); seq = seq.next() {
		c := m.ctrls[seq.offset]
		if c == ctrlEmpty {
			return 0, false
		}
		if c == h2(h) && *key == m.slots[seq.offset].key {
			return seq.offset, true
		}
	}
	return 0, false
}

// find returns the index of the first slot on the probe sequence for hash h
// whose key satisfies match. The probe stops at the first empty slot.
func (m *Map[K, V]) find(h uintptr, match func(key *K) bool) (uintptr, bool) {
	for seq := makeProbeSeq(h, m.capacity); !seq.done(); seq = seq.next() {
		c := m.ctrls[seq.offset]
		if c == ctrlEmpty {
			return 0, false
		}
		if c == h2(h) && match(&m.slots[seq.offset].key) {
			return seq.offset, true
		}
	}
	return 0, false
}

// removeAt empties the full slot at index i.
func (m *Map[K, V]) removeAt(i uintptr) {
	m.slots[i] = Slot[K, V]{}
	m.ctrls[i] = ctrlEmpty
	m.used--
	if m.compact {
		m.backwardShift(i)
	}
	m.checkInvariants()
}

// backwardShift closes the hole at index hole left by a removal. Each later
// member of the cluster is moved into the hole unless its home index lies
// cyclically within (hole, j], in which case moving it would place it before
// its home index. The moved entry leaves a new hole and the scan continues
// until an empty slot ends the cluster.
func (m *Map[K, V]) backwardShift(hole uintptr) {
	for j := m.nextIndex(hole); ; j = m.nextIndex(j) {
		c := m.ctrls[j]
		if c == ctrlEmpty {
			return
		}
		s := &m.slots[j]
		home := m.hash(&s.key, m.seed) % m.capacity
		if cyclicBetween(hole, home, j) {
			continue
		}
		if debug {
			fmt.Printf("remove(shifting): %d -> %d key=%v\n", j, hole, s.key)
		}
		m.slots[hole] = *s
		m.ctrls[hole] = c
		*s = Slot[K, V]{}
		m.ctrls[j] = ctrlEmpty
		hole = j
	}
}

func (m *Map[K, V]) nextIndex(i uintptr) uintptr {
	if i++; i == m.capacity {
		return 0
	}
	return i
}

// cyclicBetween returns true if x lies in the half-open cyclic interval
// (lo, hi].
func cyclicBetween(lo, x, hi uintptr) bool {
	if lo <= hi {
		return lo < x && x <= hi
	}
	return lo < x || x <= hi
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if uintptr(len(m.ctrls)) != m.capacity || uintptr(len(m.slots)) != m.capacity {
			panic(fmt.Sprintf("invariant failed: capacity=%d but len(ctrls)=%d len(slots)=%d",
				m.capacity, len(m.ctrls), len(m.slots)))
		}

		// Count the number of used slots and verify each fingerprint. Without
		// compaction a removal can orphan keys and a re-insert can store a
		// second copy, so uniqueness and reachability only hold with it.
		var used int
		var seen map[K]uintptr
		if m.compact {
			seen = make(map[K]uintptr, m.used)
		}
		for i := uintptr(0); i < m.capacity; i++ {
			c := m.ctrls[i]
			if !c.full() {
				if c != ctrlEmpty {
					panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x\n%s", i, c, m.debugString()))
				}
				continue
			}
			used++
			s := &m.slots[i]
			h := m.hash(&s.key, m.seed)
			if c != h2(h) {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v ctrl=%02x but h2=%02x\n%s",
					i, s.key, c, h2(h), m.debugString()))
			}
			if !m.compact {
				continue
			}
			if j, ok := seen[s.key]; ok {
				panic(fmt.Sprintf("invariant failed: %v stored in slots %d and %d\n%s",
					s.key, j, i, m.debugString()))
			}
			seen[s.key] = i
			if j, ok := m.findKey(&s.key); !ok || j != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found [h=%x home=%d]\n%s",
					i, s.key, h, h%m.capacity, m.debugString()))
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  compact=%t\n", m.capacity, m.used, m.compact)
	for i := uintptr(0); i < m.capacity; i++ {
		switch c := m.ctrls[i]; c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		default:
			s := &m.slots[i]
			h := m.hash(&s.key, m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x home=%d]\n", i, s.key, c, h%m.capacity)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a linear probe sequence. The sequence
// starts at hash%capacity and visits every slot exactly once, wrapping at
// capacity:
//
//	p(i) := (hash + i) mod capacity, for 0 <= i < capacity
type probeSeq struct {
	capacity uintptr
	offset   uintptr
	index    uintptr
}

func makeProbeSeq(hash, capacity uintptr) probeSeq {
	return probeSeq{
		capacity: capacity,
		offset:   hash % capacity,
		index:    0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	if s.offset++; s.offset == s.capacity {
		s.offset = 0
	}
	return s
}

// done returns true once every slot has been visited.
func (s probeSeq) done() bool {
	return s.index >= s.capacity
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d offset=%d index=%d", s.capacity, s.offset, s.index)
}

// Extracts the H2 portion of a hash: the 7 most significant bits. The home
// index is taken from the low bits (hash%capacity) so the two stay mostly
// independent.
//
// These are used as a full control byte.
func h2(h uintptr) ctrl {
	return ctrl(h >> (bits.UintSize - 7))
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
