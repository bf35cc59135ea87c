package profile

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Merge_SumsAndUnites(t *testing.T) {
	key := MethodKey{Unit: testUnitA, Index: 5}

	a := New(false)
	u, err := a.AddUnit(testUnitA, 100)
	require.NoError(t, err)
	require.NoError(t, u.Add(5, Hotness{Samples: 50, Flags: FlagStartup}))

	b := New(false)
	u, err = b.AddUnit(testUnitA, 100)
	require.NoError(t, err)
	require.NoError(t, u.Add(5, Hotness{Samples: 50, Flags: FlagHot}))
	u, err = b.AddUnit(testUnitB, 10)
	require.NoError(t, err)
	require.NoError(t, u.Add(1, Hotness{Samples: 1}))

	m, err := Merge(a, b)
	require.NoError(t, err)
	h, ok := m.Hotness(key)
	require.True(t, ok)
	require.Equal(t, Hotness{Samples: 100, Flags: FlagHot | FlagStartup}, h)
	require.True(t, m.Contains(MethodKey{Unit: testUnitB, Index: 1}))
	require.Len(t, m.Units(), 2)

	// Inputs are left intact.
	h, _ = a.Hotness(key)
	require.Equal(t, Hotness{Samples: 50, Flags: FlagStartup}, h)
	require.Len(t, a.Units(), 1)
}

func Test_Merge_ModeMismatch(t *testing.T) {
	_, err := Merge(New(true), New(false))
	require.ErrorIs(t, err, ErrModeMismatch)
	require.ErrorIs(t, MergeInto(New(false), New(true)), ErrModeMismatch)
}

func Test_Merge_UnitMismatch(t *testing.T) {
	a := New(false)
	_, err := a.AddUnit(testUnitA, 100)
	require.NoError(t, err)
	b := New(false)
	_, err = b.AddUnit(testUnitA, 101)
	require.NoError(t, err)

	_, err = Merge(a, b)
	require.ErrorIs(t, err, ErrUnitMismatch)
	require.ErrorIs(t, MergeInto(a, b), ErrUnitMismatch)
	u, _ := a.Unit(testUnitA)
	require.EqualValues(t, 100, u.NumMethods())
}

func Test_Merge_SameLocationDifferentChecksum(t *testing.T) {
	a := New(false)
	u, _ := a.AddUnit(testUnitB, 10)
	require.NoError(t, u.Add(1, Hotness{Samples: 3}))
	b := New(false)
	u, _ = b.AddUnit(testUnitC, 10)
	require.NoError(t, u.Add(1, Hotness{Samples: 4}))

	m, err := Merge(a, b)
	require.NoError(t, err)
	require.Len(t, m.Units(), 2)
	h, _ := m.Hotness(MethodKey{Unit: testUnitB, Index: 1})
	require.EqualValues(t, 3, h.Samples)
	h, _ = m.Hotness(MethodKey{Unit: testUnitC, Index: 1})
	require.EqualValues(t, 4, h.Samples)
}

func Test_Merge_Saturates(t *testing.T) {
	p := newTestProfile(t, false)
	m, err := Merge(p, p)
	require.NoError(t, err)
	h, _ := m.Hotness(MethodKey{Unit: testUnitB, Index: 3})
	require.EqualValues(t, uint64(math.MaxUint64), h.Samples)
}

func Test_Merge_Algebra(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	merge := func(a, b *Profile) *Profile {
		m, err := Merge(a, b)
		require.NoError(t, err)
		return m
	}
	for i := 0; i < 100; i++ {
		a := randomProfile(rnd, false)
		b := randomProfile(rnd, false)
		c := randomProfile(rnd, false)

		require.True(t, merge(a, b).Equal(merge(b, a)), "commutativity")
		require.True(t, merge(merge(a, b), c).Equal(merge(a, merge(b, c))), "associativity")
		require.True(t, merge(a, New(false)).Equal(a), "identity")

		inPlace := a.Clone()
		require.NoError(t, MergeInto(inPlace, b))
		require.True(t, inPlace.Equal(merge(a, b)))
	}
}

func Test_Merge_EncodedCommutativity(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		a := randomProfile(rnd, true)
		b := randomProfile(rnd, true)
		ab, err := Merge(a, b)
		require.NoError(t, err)
		ba, err := Merge(b, a)
		require.NoError(t, err)
		x, err := Encode(ab)
		require.NoError(t, err)
		y, err := Encode(ba)
		require.NoError(t, err)
		require.Equal(t, x, y)
	}
}
