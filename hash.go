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

package fixedmap

import (
	"hash/maphash"

	"github.com/zeebo/xxh3"
)

// comparableSeed is shared by every default hash function. Maps differ by
// the per-map seed, which is hashed along with the key.
var comparableSeed = maphash.MakeSeed()

// seededKey pairs a key with a Map's seed so that a single maphash.Comparable
// call covers both.
type seededKey[K comparable] struct {
	seed uintptr
	key  K
}

// comparableHash returns the default hash function for K. It uses the same
// algorithm as Go's builtin map.
func comparableHash[K comparable]() hashFn[K] {
	return func(key *K, seed uintptr) uintptr {
		return uintptr(maphash.Comparable(comparableSeed, seededKey[K]{seed, *key}))
	}
}

// Borrower describes a borrowed form Q of keys of type K: a representation
// that hashes and compares consistently with K without being a K. The
// canonical example is looking up a string key by a []byte without
// allocating a string.
//
// A Map must be constructed with WithBorrower(b) (so that stored keys are
// hashed with b.HashKey) before b can be used to look up entries in it.
type Borrower[K comparable, Q any] interface {
	// HashKey hashes a stored key.
	HashKey(key *K, seed uintptr) uintptr
	// Hash hashes a borrowed key. Hash(q, seed) must equal HashKey(&k, seed)
	// whenever Equal(q, k).
	Hash(q Q, seed uintptr) uintptr
	// Equal reports whether q is the borrowed form of key.
	Equal(q Q, key K) bool
}

// StringBytes is a Borrower for looking up string keys by their bytes.
type StringBytes[K ~string] struct{}

var _ Borrower[string, []byte] = StringBytes[string]{}

// HashKey implements Borrower.
func (StringBytes[K]) HashKey(key *K, seed uintptr) uintptr {
	return uintptr(xxh3.HashStringSeed(string(*key), uint64(seed)))
}

// Hash implements Borrower.
func (StringBytes[K]) Hash(q []byte, seed uintptr) uintptr {
	return uintptr(xxh3.HashSeed(q, uint64(seed)))
}

// Equal implements Borrower.
func (StringBytes[K]) Equal(q []byte, key K) bool {
	return string(q) == string(key)
}

// GetBorrowed is Map.Get keyed by the borrowed form q.
func GetBorrowed[K comparable, V any, Q any](m *Map[K, V], b Borrower[K, Q], q Q) (value V, ok bool) {
	if i, ok := findBorrowed(m, b, q); ok {
		return m.slots[i].value, true
	}
	return value, false
}

// GetPtrBorrowed is Map.GetPtr keyed by the borrowed form q.
func GetPtrBorrowed[K comparable, V any, Q any](m *Map[K, V], b Borrower[K, Q], q Q) *V {
	if i, ok := findBorrowed(m, b, q); ok {
		return &m.slots[i].value
	}
	return nil
}

// ContainsBorrowed is Map.Contains keyed by the borrowed form q.
func ContainsBorrowed[K comparable, V any, Q any](m *Map[K, V], b Borrower[K, Q], q Q) bool {
	_, ok := findBorrowed(m, b, q)
	return ok
}

// RemoveBorrowed is Map.Remove keyed by the borrowed form q.
func RemoveBorrowed[K comparable, V any, Q any](m *Map[K, V], b Borrower[K, Q], q Q) bool {
	i, ok := findBorrowed(m, b, q)
	if ok {
		m.removeAt(i)
	}
	return ok
}

// findBorrowed is Map.find for a borrowed key. Go does not allow type
// parameters on methods, hence the function form.
func findBorrowed[K comparable, V any, Q any](m *Map[K, V], b Borrower[K, Q], q Q) (uintptr, bool) {
	return m.find(b.Hash(q, m.seed), func(key *K) bool {
		return b.Equal(q, *key)
	})
}
