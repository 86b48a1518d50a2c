package vault

import (
	"encoding/binary"
	"fmt"
)

// compact drops tombstones and doubles the slot table. Live records are
// repacked contiguously at the head of the enlarged table's data
// region, the file is truncated to its new size, and the MAC is
// recomputed. The key index is rebuilt afterwards because every record
// may have moved.
//
// The packed data region is written before the enlarged slot count is
// committed; a crash in between still leaves the file unverifiable
// until the final MAC lands, which the design accepts.
func (s *Session) compact(master []byte) error {
	size, err := fileSize(s.file.File)
	if err != nil {
		return err
	}
	table, err := readSlotTable(s.file.File)
	if err != nil {
		return err
	}
	count := uint32(len(table))
	oldDataOff := offSlotTable + int64(count)*LocSize

	heap := make([]byte, size-HashSize-oldDataOff)
	if err := readAt(s.file.File, heap, oldDataOff); err != nil {
		return err
	}

	newCount := count * 2
	newDataOff := offSlotTable + int64(newCount)*LocSize

	packed := make([]byte, 0, len(heap))
	live := make([]slot, 0, count)
	for _, sl := range table {
		if sl.state == slotUnused {
			break
		}
		if sl.state != slotActive {
			continue
		}
		rsize := recordSize(int(sl.keyLen), int(sl.valLen))
		start := int64(sl.offset) - oldDataOff
		live = append(live, slot{
			state:  slotActive,
			offset: uint32(newDataOff + int64(len(packed))),
			keyLen: sl.keyLen,
			valLen: sl.valLen,
		})
		packed = append(packed, heap[start:start+int64(rsize)]...)
	}

	if err := writeAt(s.file.File, packed, newDataOff); err != nil {
		return err
	}

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, newCount)
	if err := writeAt(s.file.File, countBuf, offSlotCount); err != nil {
		return err
	}
	tableBuf := make([]byte, int64(newCount)*LocSize)
	for i, sl := range live {
		copy(tableBuf[i*LocSize:], sl.marshal())
	}
	if err := writeAt(s.file.File, tableBuf, offSlotTable); err != nil {
		return err
	}

	if err := s.file.Truncate(newDataOff + int64(len(packed))); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrIO, err)
	}
	if err := appendFileMAC(s.file.File, master); err != nil {
		return err
	}

	idx, err := buildIndex(s.file.File)
	if err != nil {
		return err
	}
	s.index = idx
	return nil
}
