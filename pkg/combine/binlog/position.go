package binlog

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Position identifies a point in the binlog stream: which segment, and
// how many bytes into it. A replica persists the position of the last
// record it successfully applied so a restart resumes catch-up without
// re-applying already-acknowledged records.
type Position struct {
	SegmentIndex int
	Offset       int64
	DataVersion  uint64
}

// PositionStore persists the current replay position per data-group
// across restarts. Backed by Badger rather than the binlog's own index
// file because a replica's applied-position and a writer's
// appended-position are different things that can fall behind each
// other arbitrarily, and Badger gives crash-safe point lookups without
// the replica needing its own segment/offset bookkeeping file.
type PositionStore struct {
	db *badger.DB
}

// OpenPositionStore opens (or creates) a Badger database at dir.
func OpenPositionStore(dir string) (*PositionStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("binlog: open position store: %w", err)
	}
	return &PositionStore{db: db}, nil
}

func positionKey(dataGroupID int) []byte {
	return []byte(fmt.Sprintf("position/%d", dataGroupID))
}

// Save persists pos for dataGroupID.
func (s *PositionStore) Save(dataGroupID int, pos Position) error {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(pos.SegmentIndex))
	binary.BigEndian.PutUint64(buf[8:16], uint64(pos.Offset))
	binary.BigEndian.PutUint64(buf[16:24], pos.DataVersion)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(positionKey(dataGroupID), buf)
	})
}

// Load returns the persisted position for dataGroupID, or the zero
// Position and found=false if nothing has been saved yet.
func (s *PositionStore) Load(dataGroupID int) (pos Position, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(positionKey(dataGroupID))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) != 24 {
				return fmt.Errorf("corrupt position record: %d bytes", len(val))
			}
			pos.SegmentIndex = int(binary.BigEndian.Uint64(val[0:8]))
			pos.Offset = int64(binary.BigEndian.Uint64(val[8:16]))
			pos.DataVersion = binary.BigEndian.Uint64(val[16:24])
			return nil
		})
	})
	if err != nil {
		return Position{}, false, fmt.Errorf("binlog: load position: %w", err)
	}
	return pos, found, nil
}

// Close releases the underlying Badger database.
func (s *PositionStore) Close() error {
	return s.db.Close()
}
