package otid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vazmin/combinecache/pkg/combine/obid"
	"github.com/vazmin/combinecache/pkg/combine/slab"
	"github.com/vazmin/combinecache/pkg/combine/timerwheel"
)

const testBlockSize = 4 * 1024 * 1024

func testTunables(uint64) Tunables {
	return Tunables{
		MinWaitTimeMs:                 10,
		MaxWaitTimeMs:                 100,
		SkipCombineOnSliceSize:        64 * 1024,
		SkipCombineOnLastMergedSlices: 4,
		BlockSize:                     testBlockSize,
	}
}

func newTestFixture(t *testing.T) (*Index, *obid.Index) {
	t.Helper()
	w := timerwheel.New(4096, time.Millisecond)
	w.Start()
	t.Cleanup(w.Stop)

	sl := slab.New(testBlockSize, 0)
	ob := obid.New(obid.Config{ShardCount: 4, Slab: sl, Wheel: w})

	clockMs := int64(0)
	idx := New(Config{
		ShardCount: 4,
		OBID:       ob,
		Tunables:   testTunables,
		Now:        func() int64 { return clockMs },
	})
	return idx, ob
}

func TestSuccessiveWritesCombine(t *testing.T) {
	idx, ob := newTestFixture(t)
	key := Key{ObjectID: 1, ThreadID: 1}
	block := obid.BlockKey{ObjectID: 1, Offset: 0}

	combined, err := idx.Write(key, block, obid.SliceKey{Offset: 0, Length: 4}, []byte("abcd"))
	require.NoError(t, err)
	assert.True(t, combined)

	combined, err = idx.Write(key, block, obid.SliceKey{Offset: 4, Length: 4}, []byte("efgh"))
	require.NoError(t, err)
	assert.True(t, combined)

	snap, ok := ob.Find(block)
	require.True(t, ok)
	assert.Equal(t, "abcdefgh", string(snap.Data))
	assert.Equal(t, uint32(2), snap.MergedSlices)
}

func TestNonSuccessiveWriteDoesNotMergeIntoOldSlice(t *testing.T) {
	idx, ob := newTestFixture(t)
	key := Key{ObjectID: 2, ThreadID: 1}
	block := obid.BlockKey{ObjectID: 2, Offset: 0}

	_, err := idx.Write(key, block, obid.SliceKey{Offset: 0, Length: 4}, []byte("abcd"))
	require.NoError(t, err)

	// Jump far ahead - not adjacent to the open slice.
	combined, err := idx.Write(key, block, obid.SliceKey{Offset: 1000, Length: 4}, []byte("wxyz"))
	require.NoError(t, err)
	assert.False(t, combined, "a non-adjacent write goes uncombined rather than merging or opening a new slice")

	snap, ok := ob.Find(block)
	require.True(t, ok, "the original slice must still be resident")
	assert.Equal(t, "abcd", string(snap.Data), "the original slice's contents are untouched")
	assert.Equal(t, uint32(1), snap.MergedSlices, "the original slice was neither extended nor flushed")
}

func TestOversizedWriteBypassesCombine(t *testing.T) {
	idx, _ := newTestFixture(t)
	key := Key{ObjectID: 3, ThreadID: 1}
	block := obid.BlockKey{ObjectID: 3, Offset: 0}

	big := make([]byte, 64*1024)
	combined, err := idx.Write(key, block, obid.SliceKey{Offset: 0, Length: uint32(len(big))}, big)
	require.NoError(t, err)
	assert.False(t, combined)
}

func TestDistinctThreadsCombineIndependently(t *testing.T) {
	idx, ob := newTestFixture(t)
	block1 := obid.BlockKey{ObjectID: 4, Offset: 0}
	block2 := obid.BlockKey{ObjectID: 4, Offset: testBlockSize}

	combined, err := idx.Write(Key{ObjectID: 4, ThreadID: 1}, block1, obid.SliceKey{Offset: 0, Length: 4}, []byte("abcd"))
	require.NoError(t, err)
	assert.True(t, combined)

	combined, err = idx.Write(Key{ObjectID: 4, ThreadID: 2}, block2, obid.SliceKey{Offset: 0, Length: 4}, []byte("wxyz"))
	require.NoError(t, err)
	assert.True(t, combined)

	_, ok := ob.Find(block1)
	assert.True(t, ok)
	_, ok = ob.Find(block2)
	assert.True(t, ok)
}

func TestMergedSlicesLimitFlushesSlice(t *testing.T) {
	idx, ob := newTestFixture(t)
	key := Key{ObjectID: 5, ThreadID: 1}
	block := obid.BlockKey{ObjectID: 5, Offset: 0}

	off := uint32(0)
	for i := 0; i < 4; i++ {
		combined, err := idx.Write(key, block, obid.SliceKey{Offset: off, Length: 4}, []byte("abcd"))
		require.NoError(t, err)
		assert.True(t, combined)
		off += 4
	}

	// After 4 merges (== SkipCombineOnLastMergedSlices), the slice must
	// have been flushed out of OBID.
	_, ok := ob.Find(block)
	assert.False(t, ok)
}
