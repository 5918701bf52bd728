package ext2

import (
	"fmt"

	"github.com/cmelnu/thunderos/internal/errs"
)

// BlockDevice is the sector-addressed device an FS reads through. A
// *virtio.Driver satisfies this directly.
type BlockDevice interface {
	Read(sector uint64, count uint32) ([]byte, error)
}

const sectorSize = 512

// FS is a mounted, read-only ext2 filesystem.
type FS struct {
	dev BlockDevice

	Superblock *Superblock
	groups     []GroupDesc

	blockSize      uint32
	inodesPerBlock uint32
	descPerBlock   uint32
	inodeSize      uint32
}

// Mount reads the superblock and block group descriptor table off
// dev and validates the filesystem's geometry, following the same
// steps as ext2_mount in the original kernel: read LBA 2/3 for the
// superblock, verify the magic, derive block_size and num_groups, then
// read the descriptor table starting at block s_first_data_block+1.
func Mount(dev BlockDevice) (*FS, error) {
	sbBuf, err := dev.Read(superblockLBA, superblockSize/sectorSize)
	if err != nil {
		return nil, errs.New("ext2.Mount", errs.EIO, err)
	}
	sb, err := decodeSuperblock(sbBuf)
	if err != nil {
		return nil, errs.New("ext2.Mount", errs.EFSBadSuper, err)
	}
	if sb.Magic != SuperMagic {
		return nil, errs.New("ext2.Mount", errs.EFSBadSuper, fmt.Errorf("bad magic 0x%x", sb.Magic))
	}

	blockSize := sb.BlockSize()
	if blockSize < minBlockSize || blockSize > maxBlockSize {
		return nil, errs.New("ext2.Mount", errs.EFSBadSuper, fmt.Errorf("invalid block size %d", blockSize))
	}

	numGroups := sb.NumGroups()
	if numGroups == 0 {
		return nil, errs.New("ext2.Mount", errs.EFSBadSuper, fmt.Errorf("zero block groups"))
	}

	fs := &FS{
		dev:            dev,
		Superblock:     sb,
		blockSize:      blockSize,
		inodesPerBlock: blockSize / sb.EffectiveInodeSize(),
		descPerBlock:   blockSize / groupDescSize,
		inodeSize:      sb.EffectiveInodeSize(),
	}

	gdtBlocks := (numGroups + fs.descPerBlock - 1) / fs.descPerBlock
	gdtBuf := make([]byte, 0, gdtBlocks*blockSize)
	gdtBlock := sb.FirstDataBlock + 1
	for i := uint32(0); i < gdtBlocks; i++ {
		b, err := fs.readBlock(gdtBlock + i)
		if err != nil {
			return nil, errs.New("ext2.Mount", errs.EIO, err)
		}
		gdtBuf = append(gdtBuf, b...)
	}
	groups, err := decodeGroupDescs(gdtBuf, numGroups)
	if err != nil {
		return nil, errs.New("ext2.Mount", errs.EFSCorrupt, err)
	}
	fs.groups = groups

	return fs, nil
}

// readBlock reads one filesystem block (fs.blockSize bytes) through
// the block device, translating a block number to the sector range
// the VirtIO driver addresses, mirroring read_block in ext2_super.c.
func (fs *FS) readBlock(block uint32) ([]byte, error) {
	sectorsPerBlock := fs.blockSize / sectorSize
	sector := uint64(block) * uint64(sectorsPerBlock)
	return fs.dev.Read(sector, sectorsPerBlock)
}

// ReadInode decodes inode number ino into an Inode.
func (fs *FS) ReadInode(ino uint32) (*Inode, error) {
	if ino == 0 {
		return nil, errs.New("ext2.ReadInode", errs.EINVAL, nil)
	}
	if ino > fs.Superblock.InodesCount {
		return nil, errs.New("ext2.ReadInode", errs.EFSBadIno, nil)
	}

	group := (ino - 1) / fs.Superblock.InodesPerGroup
	indexInGroup := (ino - 1) % fs.Superblock.InodesPerGroup
	if int(group) >= len(fs.groups) {
		return nil, errs.New("ext2.ReadInode", errs.EFSBadIno, fmt.Errorf("group %d out of range", group))
	}

	block := fs.groups[group].InodeTable + indexInGroup/fs.inodesPerBlock
	offset := (indexInGroup % fs.inodesPerBlock) * fs.inodeSize

	buf, err := fs.readBlock(block)
	if err != nil {
		return nil, errs.New("ext2.ReadInode", errs.EIO, err)
	}
	if int(offset)+diskInodeSize > len(buf) {
		return nil, errs.New("ext2.ReadInode", errs.EFSCorrupt, fmt.Errorf("inode offset %d out of block bounds", offset))
	}
	return decodeInode(buf[offset:])
}

// blockPointersPerBlock is block_size/4, the fan-out of one indirect
// block.
func (fs *FS) blockPointersPerBlock() uint32 { return fs.blockSize / 4 }

// resolveBlock translates logical block index L of inode to a
// physical block number by walking the direct/single/double/triple
// indirect pointer tree, per spec.md §4.3.
func (fs *FS) resolveBlock(ino *Inode, l uint32) (uint32, error) {
	p := fs.blockPointersPerBlock()

	if l < directBlocks {
		return ino.Block[l], nil
	}
	l -= directBlocks
	if l < p {
		return fs.indirectLookup(ino.Block[12], l)
	}
	l -= p
	if l < p*p {
		outer := l / p
		inner := l % p
		mid, err := fs.indirectLookup(ino.Block[13], outer)
		if err != nil || mid == 0 {
			return mid, err
		}
		return fs.indirectLookup(mid, inner)
	}
	l -= p * p
	if l >= p*p*p {
		return 0, errs.New("ext2.resolveBlock", errs.EFSCorrupt, fmt.Errorf("logical block out of range"))
	}
	outer := l / (p * p)
	rem := l % (p * p)
	mid := rem / p
	inner := rem % p

	l1, err := fs.indirectLookup(ino.Block[14], outer)
	if err != nil || l1 == 0 {
		return l1, err
	}
	l2, err := fs.indirectLookup(l1, mid)
	if err != nil || l2 == 0 {
		return l2, err
	}
	return fs.indirectLookup(l2, inner)
}

// indirectLookup reads the index'th 32-bit pointer out of indirect
// block blockNum. A blockNum of 0 (an unallocated indirect block)
// means every block it would have pointed to is a sparse hole.
func (fs *FS) indirectLookup(blockNum uint32, index uint32) (uint32, error) {
	if blockNum == 0 {
		return 0, nil
	}
	buf, err := fs.readBlock(blockNum)
	if err != nil {
		return 0, errs.New("ext2.indirectLookup", errs.EIO, err)
	}
	off := index * 4
	if int(off)+4 > len(buf) {
		return 0, errs.New("ext2.indirectLookup", errs.EFSCorrupt, fmt.Errorf("pointer index %d out of block bounds", index))
	}
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24, nil
}

// ReadFile reads up to len(buf) bytes of ino's data starting at
// offset, returning the number of bytes actually read. Reads that
// start at or past EOF return (0, nil); a sparse hole in the middle of
// the range is zero-filled rather than erroring.
func (fs *FS) ReadFile(ino *Inode, offset uint64, buf []byte) (int, error) {
	size := ino.Size()
	if offset >= size {
		return 0, nil
	}
	remaining := size - offset
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	total := 0
	for total < len(buf) {
		byteOff := offset + uint64(total)
		l := uint32(byteOff / uint64(fs.blockSize))
		inBlockOff := uint32(byteOff % uint64(fs.blockSize))

		physBlock, err := fs.resolveBlock(ino, l)
		if err != nil {
			return total, err
		}

		chunk := fs.blockSize - inBlockOff
		if remain := len(buf) - total; uint32(remain) < chunk {
			chunk = uint32(remain)
		}

		if physBlock == 0 {
			for i := uint32(0); i < chunk; i++ {
				buf[uint32(total)+i] = 0
			}
		} else {
			blockData, err := fs.readBlock(physBlock)
			if err != nil {
				return total, errs.New("ext2.ReadFile", errs.EIO, err)
			}
			copy(buf[total:uint32(total)+chunk], blockData[inBlockOff:inBlockOff+chunk])
		}
		total += int(chunk)
	}
	return total, nil
}

// forEachDataBlock calls fn with each non-sparse block of ino's data,
// in logical order, until fn returns an error or every block covered
// by ino.Size() has been visited. Used by Lookup and ListDir, which
// never need to materialize the whole file contiguously.
func (fs *FS) forEachDataBlock(ino *Inode, fn func(block []byte) error) error {
	size := ino.Size()
	numBlocks := uint32((size + uint64(fs.blockSize) - 1) / uint64(fs.blockSize))
	for l := uint32(0); l < numBlocks; l++ {
		physBlock, err := fs.resolveBlock(ino, l)
		if err != nil {
			return err
		}
		if physBlock == 0 {
			continue
		}
		buf, err := fs.readBlock(physBlock)
		if err != nil {
			return errs.New("ext2.forEachDataBlock", errs.EIO, err)
		}
		if err := fn(buf); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves name within directory inode dir, returning its
// inode number, or 0 and ENOENT if no live entry matches.
func (fs *FS) Lookup(dir *Inode, name string) (uint32, error) {
	if dir.Type() != ModeDir {
		return 0, errs.New("ext2.Lookup", errs.ENOTDIR, nil)
	}

	var found uint32
	errNotFound := fmt.Errorf("not found")
	err := fs.forEachDataBlock(dir, func(block []byte) error {
		return walkDirBlock(block, func(e DirEntry) error {
			if e.Inode == 0 {
				return nil // tombstone
			}
			if e.Name == name {
				found = e.Inode
				return errNotFound // reuse as an early-stop sentinel
			}
			return nil
		})
	})
	if found != 0 {
		return found, nil
	}
	if err != nil && err != errNotFound {
		return 0, errs.New("ext2.Lookup", errs.EFSCorrupt, err)
	}
	return 0, errs.New("ext2.Lookup", errs.ENOENT, nil)
}

// ListDir calls visitor(name, inode, fileType) for each live entry in
// directory inode dir.
func (fs *FS) ListDir(dir *Inode, visitor func(name string, inode uint32, fileType uint8) error) error {
	if dir.Type() != ModeDir {
		return errs.New("ext2.ListDir", errs.ENOTDIR, nil)
	}
	err := fs.forEachDataBlock(dir, func(block []byte) error {
		return walkDirBlock(block, func(e DirEntry) error {
			if e.Inode == 0 {
				return nil
			}
			return visitor(e.Name, e.Inode, e.FileType)
		})
	})
	if err != nil {
		return errs.New("ext2.ListDir", errs.EFSCorrupt, err)
	}
	return nil
}

// WriteFile, CreateFile, CreateDir, RemoveFile, and RemoveDir are
// deliberate stubs: the on-disk writer is out of scope, and callers
// must observe ENOTSUP rather than silently succeeding.
func (fs *FS) WriteFile(ino *Inode, offset uint64, data []byte) (int, error) {
	return 0, errs.New("ext2.WriteFile", errs.ENOTSUP, nil)
}

func (fs *FS) CreateFile(dir *Inode, name string, mode uint16) (uint32, error) {
	return 0, errs.New("ext2.CreateFile", errs.ENOTSUP, nil)
}

func (fs *FS) CreateDir(dir *Inode, name string, mode uint16) (uint32, error) {
	return 0, errs.New("ext2.CreateDir", errs.ENOTSUP, nil)
}

func (fs *FS) RemoveFile(dir *Inode, name string) error {
	return errs.New("ext2.RemoveFile", errs.ENOTSUP, nil)
}

func (fs *FS) RemoveDir(dir *Inode, name string) error {
	return errs.New("ext2.RemoveDir", errs.ENOTSUP, nil)
}
