package syswire

import (
	"encoding/binary"
	"testing"

	"github.com/cmelnu/thunderos/internal/errs"
	"github.com/cmelnu/thunderos/internal/vfs"
)

// newFakeVFS builds a one-file root filesystem directly against the
// Ops vtable, the same shape internal/vfs's own tests use, so these
// tests exercise only the syscall-number mapping.
type fakeFile struct{ data []byte }

func newFakeVFS(files map[string][]byte) *vfs.VFS {
	entries := map[string]*fakeFile{}
	for name, data := range files {
		entries[name] = &fakeFile{data: append([]byte(nil), data...)}
	}
	fileOps := &vfs.Ops{
		Read: func(n *vfs.Node, pos int64, buf []byte) (int, error) {
			f := n.Priv.(*fakeFile)
			if pos >= int64(len(f.data)) {
				return 0, nil
			}
			return copy(buf, f.data[pos:]), nil
		},
	}
	root := &vfs.Node{Type: vfs.TypeDir}
	root.Ops = &vfs.Ops{
		Lookup: func(n *vfs.Node, name string) (*vfs.Node, error) {
			f, ok := entries[name]
			if !ok {
				return nil, errs.New("fake.Lookup", errs.ENOENT, nil)
			}
			return &vfs.Node{Type: vfs.TypeFile, Size: uint64(len(f.data)), Ops: fileOps, Priv: f}, nil
		},
	}
	return vfs.New(root)
}

// writeCString writes s plus a NUL terminator into mem at off.
func writeCString(mem []byte, off uint64, s string) {
	copy(mem[off:], s)
	mem[off+uint64(len(s))] = 0
}

func TestOpenReadCloseViaSyscallNumbers(t *testing.T) {
	v := newFakeVFS(map[string][]byte{"hello.txt": []byte("Hello, world!\n")})
	sc := New(v)

	mem := make([]byte, 256)
	writeCString(mem, 0, "/hello.txt")

	fd := sc.Dispatch(SysOpen, 0, uint64(vfs.ORdonly), 0, 0, 0, 0, mem)
	if fd < 0 {
		t.Fatalf("SysOpen returned %d", fd)
	}

	ret := sc.Dispatch(SysRead, uint64(fd), 64, 32, 0, 0, 0, mem)
	if ret != 14 {
		t.Fatalf("SysRead returned %d, want 14", ret)
	}
	if string(mem[64:64+14]) != "Hello, world!\n" {
		t.Fatalf("SysRead buffer = %q", mem[64:64+14])
	}

	ret = sc.Dispatch(SysClose, uint64(fd), 0, 0, 0, 0, 0, mem)
	if ret != 0 {
		t.Fatalf("SysClose returned %d, want 0", ret)
	}

	ret = sc.Dispatch(SysRead, uint64(fd), 64, 32, 0, 0, 0, mem)
	if ret != -int64(errs.EBADF) {
		t.Fatalf("SysRead after close returned %d, want -EBADF (%d)", ret, -int64(errs.EBADF))
	}
}

func TestOpenMissingReturnsNegENOENT(t *testing.T) {
	v := newFakeVFS(nil)
	sc := New(v)
	mem := make([]byte, 128)
	writeCString(mem, 0, "/nope.txt")

	ret := sc.Dispatch(SysOpen, 0, uint64(vfs.ORdonly), 0, 0, 0, 0, mem)
	if ret != -int64(errs.ENOENT) {
		t.Fatalf("SysOpen(missing) = %d, want -ENOENT (%d)", ret, -int64(errs.ENOENT))
	}
}

func TestStatWritesSizeAndType(t *testing.T) {
	v := newFakeVFS(map[string][]byte{"f.txt": []byte("abcde")})
	sc := New(v)
	mem := make([]byte, 128)
	writeCString(mem, 0, "/f.txt")

	ret := sc.Dispatch(SysStat, 0, 64, 0, 0, 0, 0, mem)
	if ret != 0 {
		t.Fatalf("SysStat returned %d, want 0", ret)
	}
	size := binary.LittleEndian.Uint64(mem[64:72])
	typ := binary.LittleEndian.Uint64(mem[72:80])
	if size != 5 || typ != uint64(vfs.TypeFile) {
		t.Fatalf("SysStat wrote size=%d type=%d, want size=5 type=%d", size, typ, vfs.TypeFile)
	}
}

func TestUnknownSyscallReturnsENOTSUP(t *testing.T) {
	v := newFakeVFS(nil)
	sc := New(v)
	ret := sc.Dispatch(9999, 0, 0, 0, 0, 0, 0, nil)
	if ret != -int64(errs.ENOTSUP) {
		t.Fatalf("unknown syscall = %d, want -ENOTSUP (%d)", ret, -int64(errs.ENOTSUP))
	}
}

func TestExitReturnsZero(t *testing.T) {
	v := newFakeVFS(nil)
	sc := New(v)
	if ret := sc.Dispatch(SysExit, 42, 0, 0, 0, 0, 0, nil); ret != 0 {
		t.Fatalf("SysExit = %d, want 0", ret)
	}
}
