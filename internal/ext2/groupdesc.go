package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// groupDescSize is the on-disk size of one block group descriptor.
const groupDescSize = 32

// GroupDesc is one entry of the block group descriptor table.
type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

func decodeGroupDescs(buf []byte, count uint32) ([]GroupDesc, error) {
	descs := make([]GroupDesc, count)
	r := bytes.NewReader(buf)
	for i := range descs {
		if err := binary.Read(r, binary.LittleEndian, &descs[i]); err != nil {
			return nil, fmt.Errorf("ext2: decode group descriptor %d: %w", i, err)
		}
	}
	return descs, nil
}
