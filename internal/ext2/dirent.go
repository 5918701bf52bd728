package ext2

import (
	"encoding/binary"
	"fmt"
)

const dirEntryHeaderSize = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)

// DirEntry is one decoded directory record: {inode, rec_len, name_len,
// file_type, name}. Entries with Inode == 0 are tombstones.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// walkDirBlock calls visit for every entry (including tombstones) in
// one directory-data block, in on-disk order. It stops and returns an
// error if a record's rec_len is zero, which spec.md calls corruption
// rather than a benign end-of-block marker.
func walkDirBlock(block []byte, visit func(DirEntry) error) error {
	cursor := 0
	for cursor+dirEntryHeaderSize <= len(block) {
		inode := binary.LittleEndian.Uint32(block[cursor : cursor+4])
		recLen := binary.LittleEndian.Uint16(block[cursor+4 : cursor+6])
		nameLen := block[cursor+6]
		fileType := block[cursor+7]

		if recLen == 0 {
			return fmt.Errorf("ext2: zero-length directory record at offset %d", cursor)
		}
		nameEnd := cursor + dirEntryHeaderSize + int(nameLen)
		if nameEnd > len(block) {
			return fmt.Errorf("ext2: directory record name overruns block at offset %d", cursor)
		}

		entry := DirEntry{
			Inode:    inode,
			RecLen:   recLen,
			NameLen:  nameLen,
			FileType: fileType,
			Name:     string(block[cursor+dirEntryHeaderSize : nameEnd]),
		}
		if err := visit(entry); err != nil {
			return err
		}

		cursor += int(recLen)
	}
	return nil
}
