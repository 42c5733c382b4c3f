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
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComparableHash(t *testing.T) {
	type point struct {
		x, y int
	}
	h := comparableHash[point]()
	p := point{1, 2}
	q := point{1, 2}
	require.Equal(t, h(&p, 0), h(&q, 0))
	require.Equal(t, h(&p, 12345), h(&q, 12345))

	m := New[point, string](16)
	require.True(t, m.Put(p, "a"))
	v, ok := m.Get(q)
	require.True(t, ok)
	require.Equal(t, "a", v)
}

// TestComparableHashSeed checks that the default hash depends on the seed
// a Map passes in, so maps with different seeds lay out keys differently.
func TestComparableHashSeed(t *testing.T) {
	h := comparableHash[int]()
	var differ int
	for i := 0; i < 100; i++ {
		if h(&i, 1) != h(&i, 2) {
			differ++
		}
	}
	require.Greater(t, differ, 90)

	a := New[string, int](64)
	b := New[string, int](64)
	b.seed = a.seed + 1
	k := "key"
	require.Equal(t, a.hash(&k, a.seed), b.hash(&k, a.seed))
	require.NotEqual(t, a.hash(&k, a.seed), b.hash(&k, b.seed))
}

func TestStringBytesHash(t *testing.T) {
	type name string
	var sb StringBytes[name]
	for i := 0; i < 100; i++ {
		s := name(strconv.Itoa(rand.Int()))
		seed := uintptr(rand.Uint64())
		require.Equal(t, sb.HashKey(&s, seed), sb.Hash([]byte(s), seed))
		require.True(t, sb.Equal([]byte(s), s))
		require.False(t, sb.Equal([]byte(s+"x"), s))
	}
}

func TestBorrowed(t *testing.T) {
	var sb Borrower[string, []byte] = StringBytes[string]{}

	test := func(t *testing.T, m *Map[string, int]) {
		for i := 0; i < 20; i++ {
			require.True(t, m.Put("key"+strconv.Itoa(i), i))
		}

		for i := 0; i < 20; i++ {
			q := []byte("key" + strconv.Itoa(i))
			v, ok := GetBorrowed(m, sb, q)
			require.True(t, ok)
			require.EqualValues(t, i, v)
			require.True(t, ContainsBorrowed(m, sb, q))
		}
		_, ok := GetBorrowed(m, sb, []byte("missing"))
		require.False(t, ok)
		require.Nil(t, GetPtrBorrowed(m, sb, []byte("missing")))

		p := GetPtrBorrowed(m, sb, []byte("key3"))
		require.NotNil(t, p)
		*p = 300
		v, ok := m.Get("key3")
		require.True(t, ok)
		require.EqualValues(t, 300, v)

		require.True(t, RemoveBorrowed(m, sb, []byte("key19")))
		require.False(t, RemoveBorrowed(m, sb, []byte("key19")))
		require.False(t, m.Contains("key19"))
		require.EqualValues(t, 19, m.Len())
	}

	t.Run("string-hash", func(t *testing.T) {
		test(t, New[string, int](32, WithStringHash[string, int]()))
	})
	t.Run("borrower", func(t *testing.T) {
		test(t, New[string, int](20, WithBorrower[string, int](sb)))
	})
	t.Run("compact", func(t *testing.T) {
		test(t, New[string, int](20, WithBorrower[string, int](sb),
			WithCompactingRemove[string, int]()))
	})
}

func TestBorrowedNamedKey(t *testing.T) {
	type name string
	var sb Borrower[name, []byte] = StringBytes[name]{}
	m := NewDefault[name, bool](WithStringHash[name, bool]())
	m.Put("alice", true)
	m.Put("bob", false)

	v, ok := GetBorrowed(m, sb, []byte("alice"))
	require.True(t, ok)
	require.True(t, v)
	v, ok = GetBorrowed(m, sb, []byte("bob"))
	require.True(t, ok)
	require.False(t, v)
	require.False(t, ContainsBorrowed(m, sb, []byte("carol")))
}
