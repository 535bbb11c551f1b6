package storage

import "fmt"

// keyFor builds the storage key for a slice: object/block/slice-range,
// finer-grained than a typical object-store key convention (down to
// the slice, not just the block).
func keyFor(addr SliceAddress) string {
	return fmt.Sprintf("%d/block-%d/slice-%d-%d",
		addr.ObjectID, addr.BlockOffset, addr.SliceOffset, addr.SliceOffset+addr.SliceLength)
}
