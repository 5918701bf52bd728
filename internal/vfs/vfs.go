package vfs

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/cmelnu/thunderos/internal/errs"
)

// VFS is the mounted filesystem tree as seen by syscalls: a root node
// plus the process-wide file descriptor table. This kernel mounts
// exactly one filesystem at "/", so there is no mount-point table to
// walk across.
type VFS struct {
	mu   sync.Mutex
	root *Node
	fds  *fdTable
}

// New builds a VFS rooted at root.
func New(root *Node) *VFS {
	return &VFS{root: root, fds: newFDTable()}
}

// Stat is the subset of inode metadata vfs_stat reports.
type Stat struct {
	Size uint64
	Type NodeType
}

// splitPath splits an absolute path into its parent directory and
// final component. Callers must have already rejected "/" itself and
// any non-absolute path; a path with no "/" is treated as having no
// valid parent.
func splitPath(path string) (dir, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	dir = path[:idx]
	if dir == "" {
		dir = "/"
	}
	name = path[idx+1:]
	return dir, name
}

// Open resolves path and returns a new file descriptor for it. File
// creation (O_CREAT) is only supported for names directly under the
// root directory -- this kernel's writers never need to create files
// in a nested directory, and extending Create to walk intermediate
// directories is unimplemented.
func (v *VFS) Open(path string, flags int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	node, err := v.Resolve(path)
	if err != nil {
		if errs.KindOf(err) != errs.ENOENT || flags&OCreat == 0 {
			return -1, err
		}
		dir, name := splitPath(path)
		if dir != "/" {
			slog.Warn("vfs create outside root is unsupported", "path", path)
			return -1, errs.New("vfs.Open", errs.ENOTSUP, nil)
		}
		if v.root.Ops.Create == nil {
			return -1, errs.New("vfs.Open", errs.ENOTSUP, nil)
		}
		created, cerr := v.root.Ops.Create(v.root, name, 0o644)
		if cerr != nil {
			return -1, cerr
		}
		node = created
	}

	if flags&ODirectory != 0 && node.Type != TypeDir {
		return -1, errs.New("vfs.Open", errs.ENOTDIR, nil)
	}
	if node.Ops.Open != nil {
		if err := node.Ops.Open(node, flags); err != nil {
			return -1, err
		}
	}
	if flags&OTrunc != 0 {
		node.Size = 0
	}

	fdNum := v.fds.allocate(node, flags)
	entry, _ := v.fds.get(fdNum)
	if flags&OAppend != 0 {
		entry.pos = int64(node.Size)
	}
	return fdNum, nil
}

// readable reports whether flags permit read access.
func readable(flags int) bool { return flags&0x3 != OWronly }

// writable reports whether flags permit write access.
func writable(flags int) bool { return flags&0x3 != ORdonly }

// Read reads into buf from fdNum's current position, advancing it by
// the number of bytes actually read.
func (v *VFS) Read(fdNum int, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.fds.get(fdNum)
	if !ok {
		return -1, errs.New("vfs.Read", errs.EBADF, nil)
	}
	if !readable(f.flags) {
		return -1, errs.New("vfs.Read", errs.EACCES, nil)
	}
	if f.node.Ops.Read == nil {
		return -1, errs.New("vfs.Read", errs.ENOTSUP, nil)
	}
	n, err := f.node.Ops.Read(f.node, f.pos, buf)
	if err != nil {
		return -1, err
	}
	f.pos += int64(n)
	return n, nil
}

// Write writes buf to fdNum's current position, advancing it by the
// number of bytes actually written.
func (v *VFS) Write(fdNum int, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.fds.get(fdNum)
	if !ok {
		return -1, errs.New("vfs.Write", errs.EBADF, nil)
	}
	if !writable(f.flags) {
		return -1, errs.New("vfs.Write", errs.EACCES, nil)
	}
	if f.node.Ops.Write == nil {
		return -1, errs.New("vfs.Write", errs.ENOTSUP, nil)
	}
	pos := f.pos
	if f.flags&OAppend != 0 {
		pos = int64(f.node.Size)
	}
	n, err := f.node.Ops.Write(f.node, pos, buf)
	if err != nil {
		return -1, err
	}
	f.pos = pos + int64(n)
	return n, nil
}

// Seek repositions fdNum per whence and returns the new position. The
// new position is base+offset in wrapping 64-bit arithmetic with no
// bounds check: it is neither clamped nor rejected. A position past
// the end makes a later read return 0 bytes; a negative result is
// stored as is, and the ext2 adapter's Read rejects a negative
// position with EINVAL.
func (v *VFS) Seek(fdNum int, offset int64, whence int) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.fds.get(fdNum)
	if !ok {
		return -1, errs.New("vfs.Seek", errs.EBADF, nil)
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.pos
	case SeekEnd:
		base = int64(f.node.Size)
	default:
		return -1, errs.New("vfs.Seek", errs.EINVAL, nil)
	}

	f.pos = int64(uint64(base) + uint64(offset))
	return f.pos, nil
}

// Close releases fdNum, invoking the node's Close hook first if it has
// one.
func (v *VFS) Close(fdNum int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.fds.get(fdNum)
	if !ok {
		return errs.New("vfs.Close", errs.EBADF, nil)
	}
	if f.node.Ops.Close != nil {
		if err := f.node.Ops.Close(f.node); err != nil {
			return err
		}
	}
	v.fds.release(fdNum)
	return nil
}

// Mkdir, Rmdir, and Unlink only operate on names directly under the
// root directory, for the same reason Open's O_CREAT path does.
func (v *VFS) Mkdir(path string, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dir, name := splitPath(path)
	if dir != "/" {
		slog.Warn("vfs mkdir outside root is unsupported", "path", path)
		return errs.New("vfs.Mkdir", errs.ENOTSUP, nil)
	}
	if v.root.Ops.Mkdir == nil {
		return errs.New("vfs.Mkdir", errs.ENOTSUP, nil)
	}
	_, err := v.root.Ops.Mkdir(v.root, name, mode)
	return err
}

func (v *VFS) Rmdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dir, name := splitPath(path)
	if dir != "/" {
		return errs.New("vfs.Rmdir", errs.ENOTSUP, nil)
	}
	if v.root.Ops.Rmdir == nil {
		return errs.New("vfs.Rmdir", errs.ENOTSUP, nil)
	}
	return v.root.Ops.Rmdir(v.root, name)
}

func (v *VFS) Unlink(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dir, name := splitPath(path)
	if dir != "/" {
		return errs.New("vfs.Unlink", errs.ENOTSUP, nil)
	}
	if v.root.Ops.Unlink == nil {
		return errs.New("vfs.Unlink", errs.ENOTSUP, nil)
	}
	return v.root.Ops.Unlink(v.root, name)
}

// Stat resolves path and reports its size and type.
func (v *VFS) Stat(path string) (Stat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	node, err := v.Resolve(path)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Size: node.Size, Type: node.Type}, nil
}
