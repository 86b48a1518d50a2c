package vault

import (
	"encoding/binary"
	"os"
)

// keyInfo is the in-memory location entry for one stored key.
type keyInfo struct {
	slotIndex uint32
	mtime     uint64
	typ       byte
}

// keyIndex maps entry keys to their slots. It is rebuilt from the slot
// table on open and kept exact across mutations: one entry per active
// slot, no others.
type keyIndex map[string]keyInfo

// buildIndex scans the slot table and reads each active record's
// mtime, type, and key from the heap.
func buildIndex(f *os.File) (keyIndex, error) {
	table, err := readSlotTable(f)
	if err != nil {
		return nil, err
	}
	idx := make(keyIndex, len(table)/2)
	for i, sl := range table {
		if sl.state != slotActive {
			continue
		}
		buf := make([]byte, EntryHeaderSize+sl.keyLen)
		if err := readAt(f, buf, int64(sl.offset)); err != nil {
			return nil, err
		}
		key := string(buf[EntryHeaderSize:])
		idx[key] = keyInfo{
			slotIndex: uint32(i),
			mtime:     binary.LittleEndian.Uint64(buf[0:8]),
			typ:       buf[EntryHeaderSize-1],
		}
	}
	return idx, nil
}
