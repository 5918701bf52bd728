// Package syswire is the thin syscall-number-to-VFS-call mapping a
// trap handler would call into on an ecall. It does not decode
// RISC-V traps itself (there is no trap frame in this hosted build);
// callers hand it the decoded a0..a5 argument registers plus a flat
// byte slice standing in for the address space those registers point
// into, exactly the way internal/dma's arena stands in for guest
// physical memory for the virtio driver.
package syswire

import (
	"bytes"

	"github.com/cmelnu/thunderos/internal/errs"
	"github.com/cmelnu/thunderos/internal/vfs"
)

// Recognized syscall numbers, matching the RISC-V ecall convention:
// number in a7, args in a0..a5, return in a0 (negative values are
// -errno).
const (
	SysExit  = 0
	SysWrite = 1
	SysRead  = 2
	SysOpen  = 13
	SysClose = 14
	SysLseek = 62
	SysStat  = 80
	SysMkdir = 83
)

// Syscalls dispatches syscall numbers to a single mounted VFS.
type Syscalls struct {
	vfs *vfs.VFS
}

func New(v *vfs.VFS) *Syscalls {
	return &Syscalls{vfs: v}
}

// readCString reads a NUL-terminated string out of mem starting at
// off. A path that never terminates within mem is EINVAL -- there is
// no way to have been handed a legitimate unbounded string.
func readCString(mem []byte, off uint64) (string, error) {
	if off > uint64(len(mem)) {
		return "", errs.New("syswire.readCString", errs.EINVAL, nil)
	}
	rest := mem[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", errs.New("syswire.readCString", errs.EINVAL, nil)
	}
	return string(rest[:end]), nil
}

// negErrno converts err into the -errno return value a syscall gives
// on failure, or ret unchanged if err is nil.
func negErrno(ret int64, err error) int64 {
	if err == nil {
		return ret
	}
	return -int64(errs.KindOf(err))
}

// Dispatch executes syscall num with argument registers a0..a5 against
// mem, the flat memory region any of a0..a5 may point into (paths and
// read/write buffers). It returns the value ecall would leave in a0.
func (s *Syscalls) Dispatch(num uint64, a0, a1, a2, a3, a4, a5 uint64, mem []byte) int64 {
	switch num {
	case SysExit:
		return 0

	case SysOpen:
		path, err := readCString(mem, a0)
		if err != nil {
			return negErrno(0, err)
		}
		fd, err := s.vfs.Open(path, int(a1))
		return negErrno(int64(fd), err)

	case SysClose:
		err := s.vfs.Close(int(a0))
		return negErrno(0, err)

	case SysRead:
		buf, err := memSlice(mem, a1, a2)
		if err != nil {
			return negErrno(0, err)
		}
		n, err := s.vfs.Read(int(a0), buf)
		return negErrno(int64(n), err)

	case SysWrite:
		buf, err := memSlice(mem, a1, a2)
		if err != nil {
			return negErrno(0, err)
		}
		n, err := s.vfs.Write(int(a0), buf)
		return negErrno(int64(n), err)

	case SysLseek:
		fd := int(a0)
		off, err := s.vfs.Seek(fd, int64(a1), int(a2))
		return negErrno(off, err)

	case SysStat:
		path, err := readCString(mem, a0)
		if err != nil {
			return negErrno(0, err)
		}
		st, err := s.vfs.Stat(path)
		if err != nil {
			return negErrno(0, err)
		}
		if a1+16 > uint64(len(mem)) {
			return negErrno(0, errs.New("syswire.Dispatch", errs.EINVAL, nil))
		}
		putUint64(mem[a1:], st.Size)
		putUint64(mem[a1+8:], uint64(st.Type))
		return 0

	case SysMkdir:
		path, err := readCString(mem, a0)
		if err != nil {
			return negErrno(0, err)
		}
		err = s.vfs.Mkdir(path, uint32(a1))
		return negErrno(0, err)

	default:
		return negErrno(0, errs.New("syswire.Dispatch", errs.ENOTSUP, nil))
	}
}

// memSlice returns mem[off:off+n], bounds-checked without risking an
// underflow on a bogus offset.
func memSlice(mem []byte, off, n uint64) ([]byte, error) {
	if off > uint64(len(mem)) || n > uint64(len(mem))-off {
		return nil, errs.New("syswire.memSlice", errs.EINVAL, nil)
	}
	return mem[off : off+n], nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
