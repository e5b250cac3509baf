package forest

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fk(s string) types.FileKey {
	return types.FileKey(types.Hashed([]byte(s)))
}

func vh(s string) types.Hash {
	return types.Hashed([]byte("value:" + s))
}

func randomKeys(n int, seed int64) []types.FileKey {
	rng := rand.New(rand.NewSource(seed))
	keys := make([]types.FileKey, n)
	for i := range keys {
		var k types.FileKey
		rng.Read(k[:])
		keys[i] = k
	}
	return keys
}

func TestEmptyForest(t *testing.T) {
	f := New(NewMemStore())
	assert.Equal(t, EmptyRoot, f.Root())

	ok, err := f.Contains(fk("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.Remove(fk("a")), ErrKeyNotFound)
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	f := New(NewMemStore())

	require.NoError(t, f.Insert(fk("a"), vh("a")))
	require.NoError(t, f.Insert(fk("b"), vh("b")))
	require.NoError(t, f.Insert(fk("c"), vh("c")))

	for _, k := range []string{"a", "b", "c"} {
		v, ok, err := f.Get(fk(k))
		require.NoError(t, err)
		assert.True(t, ok, k)
		assert.Equal(t, vh(k), v)
	}

	require.NoError(t, f.Remove(fk("b")))
	ok, err := f.Contains(fk("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Remove(fk("a")))
	require.NoError(t, f.Remove(fk("c")))
	assert.Equal(t, EmptyRoot, f.Root(), "removing every key must restore the empty root")
}

func TestRootIsOrderIndependent(t *testing.T) {
	keys := randomKeys(50, 1)

	f1 := New(NewMemStore())
	for _, k := range keys {
		require.NoError(t, f1.Insert(k, vh(types.Hash(k).HexString())))
	}

	f2 := New(NewMemStore())
	shuffled := make([]types.FileKey, len(keys))
	copy(shuffled, keys)
	rand.New(rand.NewSource(9)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, k := range shuffled {
		require.NoError(t, f2.Insert(k, vh(types.Hash(k).HexString())))
	}

	assert.Equal(t, f1.Root(), f2.Root(), "root must depend only on the key set")
}

func TestKeysSorted(t *testing.T) {
	keys := randomKeys(80, 2)
	f := New(NewMemStore())
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}
	got, err := f.Keys()
	require.NoError(t, err)
	require.Len(t, got, len(keys))
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		return bytes.Compare(got[i][:], got[j][:]) < 0
	}), "in-order walk must yield sorted keys")
}

func TestHistoricalRootsRemainReadable(t *testing.T) {
	store := NewMemStore()
	f := New(store)

	require.NoError(t, f.Insert(fk("a"), vh("a")))
	rootA := f.Root()
	require.NoError(t, f.Insert(fk("b"), vh("b")))
	rootAB := f.Root()
	require.NoError(t, f.Remove(fk("a")))

	snap := NewAt(store, rootA)
	ok, err := snap.Contains(fk("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = snap.Contains(fk("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Rolling the live forest back is a root swap.
	f.SetRoot(rootAB)
	ok, err = f.Contains(fk("a"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProveExact(t *testing.T) {
	f := New(NewMemStore())
	keys := randomKeys(30, 3)
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}

	challenges := []types.FileKey{keys[0], keys[15], keys[29]}
	proof, err := f.Prove(challenges)
	require.NoError(t, err)

	require.NoError(t, Verify(f.Root(), challenges, proof))
	assert.ElementsMatch(t, challenges, proof.ExactKeys())
}

func TestProveExclusion(t *testing.T) {
	f := New(NewMemStore())
	keys := randomKeys(30, 4)
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}

	absent := []types.FileKey{fk("not-there-1"), fk("not-there-2")}
	for _, a := range absent {
		ok, err := f.Contains(a)
		require.NoError(t, err)
		require.False(t, ok, "test key unexpectedly present")
	}

	proof, err := f.Prove(absent)
	require.NoError(t, err)
	require.NoError(t, Verify(f.Root(), absent, proof))

	for _, w := range proof.Witnesses {
		assert.Equal(t, WitnessGap, w.Kind)
	}
}

func TestProveExclusionAtExtremes(t *testing.T) {
	f := New(NewMemStore())
	keys := randomKeys(20, 5)
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}
	sorted, err := f.Keys()
	require.NoError(t, err)

	var below, above types.FileKey // zero key sorts below everything
	for i := range above {
		above[i] = 0xff
	}
	require.True(t, bytes.Compare(below[:], sorted[0][:]) < 0)
	require.True(t, bytes.Compare(above[:], sorted[len(sorted)-1][:]) > 0)

	challenges := []types.FileKey{below, above}
	proof, err := f.Prove(challenges)
	require.NoError(t, err)
	require.NoError(t, Verify(f.Root(), challenges, proof))

	assert.Nil(t, proof.Witnesses[0].Pred, "challenge below minimum has no predecessor")
	assert.Nil(t, proof.Witnesses[1].Succ, "challenge above maximum has no successor")
}

func TestProveEmptyForest(t *testing.T) {
	f := New(NewMemStore())
	challenges := []types.FileKey{fk("anything")}
	proof, err := f.Prove(challenges)
	require.NoError(t, err)
	require.NoError(t, Verify(EmptyRoot, challenges, proof))

	// The same proof must not verify against a non-empty root.
	require.NoError(t, f.Insert(fk("a"), vh("a")))
	assert.Error(t, Verify(f.Root(), challenges, proof))
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	f := New(NewMemStore())
	keys := randomKeys(10, 6)
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}
	challenges := []types.FileKey{keys[3]}
	proof, err := f.Prove(challenges)
	require.NoError(t, err)

	require.NoError(t, f.Insert(fk("new"), vh("new")))
	err = Verify(f.Root(), challenges, proof)
	assert.ErrorIs(t, err, types.ErrForestProofVerificationFailed)
}

func TestVerifyRejectsFakeNeighbours(t *testing.T) {
	f := New(NewMemStore())
	keys := randomKeys(40, 7)
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}
	sorted, err := f.Keys()
	require.NoError(t, err)

	// Challenge right beside sorted[10]: flipping its lowest bit gives a key
	// one above or one below it, inside the gap on that side.
	var challenge types.FileKey
	copy(challenge[:], sorted[10][:])
	challenge[31] ^= 0x01
	if ok, _ := f.Contains(challenge); ok {
		t.Skip("perturbed key collided with a stored key")
	}

	proof, err := f.Prove([]types.FileKey{challenge})
	require.NoError(t, err)
	require.NoError(t, Verify(f.Root(), []types.FileKey{challenge}, proof))

	// Swapping the successor for a further key must break adjacency.
	w := &proof.Witnesses[0]
	require.Equal(t, WitnessGap, w.Kind)
	require.NotNil(t, w.Succ)
	far := w.Succ.Key
	idx := sort.Search(len(sorted), func(i int) bool {
		return bytes.Compare(sorted[i][:], far[:]) > 0
	})
	if idx+1 >= len(sorted) {
		t.Skip("no further key available")
	}
	stale := f.Root()
	lw, err := f.provePresent(types.Hash(sorted[idx+1]))
	require.NoError(t, err)
	w.Succ = lw
	assert.Error(t, Verify(stale, []types.FileKey{challenge}, proof))
}

func TestVerifyRejectsMissingWitness(t *testing.T) {
	f := New(NewMemStore())
	require.NoError(t, f.Insert(fk("a"), vh("a")))
	proof, err := f.Prove([]types.FileKey{fk("a")})
	require.NoError(t, err)

	err = Verify(f.Root(), []types.FileKey{fk("a"), fk("b")}, proof)
	assert.ErrorIs(t, err, types.ErrForestProofVerificationFailed)
}

func TestApplyMutations(t *testing.T) {
	f := New(NewMemStore())
	require.NoError(t, f.Insert(fk("a"), vh("a")))
	require.NoError(t, f.Insert(fk("b"), vh("b")))

	removed, err := f.ApplyMutations([]types.TrieRemoveMutation{
		{Key: fk("a")},
		{Key: fk("missing")},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.FileKey{fk("a")}, removed)

	ok, err := f.Contains(fk("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.Contains(fk("b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBoltNodeStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltNodeStore(dir)
	require.NoError(t, err)

	f := New(store)
	keys := randomKeys(25, 8)
	for _, k := range keys {
		require.NoError(t, f.Insert(k, vh("x")))
	}
	root := f.Root()
	require.NoError(t, store.Close())

	// Reopen: the forest at the recorded root must be intact.
	store2, err := NewBoltNodeStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	f2 := NewAt(store2, root)
	for _, k := range keys {
		ok, err := f2.Contains(k)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	proof, err := f2.Prove([]types.FileKey{keys[0]})
	require.NoError(t, err)
	assert.NoError(t, Verify(root, []types.FileKey{keys[0]}, proof))
}
