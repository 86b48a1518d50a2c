package vault

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Slot states. slotActive is an opaque sentinel; the scan tests strict
// equality and nothing relies on its numeric relation to slotDeleted.
const (
	slotUnused  uint32 = 0
	slotDeleted uint32 = 1
	slotActive  uint32 = 0x00010001
)

// slot is one 16-byte entry of the location table. offset is the byte
// position of the record in the file; keyLen and valLen describe the
// record's variable-length fields.
type slot struct {
	state  uint32
	offset uint32
	keyLen uint32
	valLen uint32
}

func (s slot) marshal() []byte {
	buf := make([]byte, LocSize)
	binary.LittleEndian.PutUint32(buf[0:], s.state)
	binary.LittleEndian.PutUint32(buf[4:], s.offset)
	binary.LittleEndian.PutUint32(buf[8:], s.keyLen)
	binary.LittleEndian.PutUint32(buf[12:], s.valLen)
	return buf
}

func parseSlot(buf []byte) slot {
	return slot{
		state:  binary.LittleEndian.Uint32(buf[0:]),
		offset: binary.LittleEndian.Uint32(buf[4:]),
		keyLen: binary.LittleEndian.Uint32(buf[8:]),
		valLen: binary.LittleEndian.Uint32(buf[12:]),
	}
}

// slotPos returns the file offset of slot table entry i.
func slotPos(i uint32) int64 {
	return offSlotTable + int64(i)*LocSize
}

func readSlotCount(f *os.File) (uint32, error) {
	buf := make([]byte, 4)
	if err := readAt(f, buf, offSlotCount); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func readSlot(f *os.File, i uint32) (slot, error) {
	buf := make([]byte, LocSize)
	if err := readAt(f, buf, slotPos(i)); err != nil {
		return slot{}, err
	}
	return parseSlot(buf), nil
}

func writeSlot(f *os.File, i uint32, s slot) error {
	return writeAt(f, s.marshal(), slotPos(i))
}

// readSlotTable loads the whole location table.
func readSlotTable(f *os.File) ([]slot, error) {
	count, err := readSlotCount(f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int64(count)*LocSize)
	if err := readAt(f, buf, offSlotTable); err != nil {
		return nil, err
	}
	table := make([]slot, count)
	for i := range table {
		table[i] = parseSlot(buf[i*LocSize:])
	}
	return table, nil
}

// findFreeSlot returns the index of the first unused slot. Unused slots
// are contiguous at the tail, so the first hit is the allocation point.
func findFreeSlot(table []slot) (uint32, error) {
	for i, s := range table {
		if s.state == slotUnused {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %d slots in use", ErrNoSpace, len(table))
}
