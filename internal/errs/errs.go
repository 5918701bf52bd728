// Package errs implements the kernel's error-reporting discipline: a
// flat kind taxonomy, a process-wide last-error slot, and the *Error
// type the virtio, ext2, and vfs packages return on failure. Those
// packages report failures only through the returned error; none of
// them writes the last-error slot.
package errs

import (
	"errors"
	"fmt"
	"sync"
)

// Kind is a flat, non-negative error code partitioned into ranges by
// subsystem. Callers should not pattern-match values outside the
// named constants.
type Kind uint32

// Generic POSIX-like kinds (1-29).
const (
	OK Kind = 0

	EPERM  Kind = 1
	ENOENT Kind = 2
	EIO    Kind = 5
	EBADF  Kind = 9
	ENOMEM Kind = 12
	EACCES Kind = 13
	EEXIST Kind = 17
	ENOTDIR Kind = 20
	EISDIR Kind = 21
	EINVAL Kind = 22
	ENOTEMPTY Kind = 26
	EROFS  Kind = 27
	ENOTSUP Kind = 29
)

// Filesystem kinds (30-49).
const (
	EFSCorrupt  Kind = 30
	EFSBadSuper Kind = 31
	EFSBadIno   Kind = 32
)

// ELF kinds (50-69).
const (
	EELFMagic Kind = 50
	EELFArch  Kind = 51
)

// VirtIO kinds (70-89).
const (
	EVirtioTimeout Kind = 70
	EVirtioVersion Kind = 71
	EVirtioDevice  Kind = 72
)

// Process kinds (90-109).
const (
	EProcInit Kind = 90
)

// Memory kinds (110-129).
const (
	EMemNoMem Kind = 110
)

var errStrings = map[Kind]string{
	OK:             "Success",
	EPERM:          "Operation not permitted",
	ENOENT:         "No such file or directory",
	EIO:            "I/O error",
	EBADF:          "Bad file descriptor",
	ENOMEM:         "Out of memory",
	EACCES:         "Permission denied",
	EEXIST:         "File exists",
	ENOTDIR:        "Not a directory",
	EISDIR:         "Is a directory",
	EINVAL:         "Invalid argument",
	ENOTEMPTY:      "Directory not empty",
	EROFS:          "Read-only filesystem",
	ENOTSUP:        "Operation not supported",
	EFSCorrupt:     "Filesystem corrupted",
	EFSBadSuper:    "Bad superblock",
	EFSBadIno:      "Bad inode number",
	EELFMagic:      "Invalid ELF magic",
	EELFArch:       "Unsupported ELF architecture",
	EVirtioTimeout: "VirtIO request timed out",
	EVirtioVersion: "Unsupported VirtIO device version",
	EVirtioDevice:  "Invalid or unsupported VirtIO device",
	EProcInit:      "Process initialization failed",
	EMemNoMem:      "Memory allocation failed",
}

// Strerror maps every defined kind to a stable human string, and a
// fallback for unknown kinds.
func Strerror(k Kind) string {
	if s, ok := errStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error %d", uint32(k))
}

// Error wraps a Kind with the operation that produced it and,
// optionally, an underlying cause (e.g. a host I/O error from the DMA
// layer). It implements the standard error interface so Go callers
// can use errors.Is/As, while errs.KindOf recovers the numeric kind
// for code emulating the kernel's own ABI.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, Strerror(e.Kind), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, Strerror(e.Kind))
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op failing with kind k, optionally wrapping
// cause.
func New(op string, k Kind, cause error) *Error {
	return &Error{Kind: k, Op: op, Err: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
// Unrecognized errors report EIO, matching the propagation policy in
// spec.md §7: invariant violations and unexpected failures surface as
// EIO/EFS_CORRUPT rather than being silently masked.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return EIO
}

// errnoSlot is the process-wide last-error slot described in spec.md
// §3/§4.1. The kernel is single-hart; a mutex still guards it so
// concurrent-safety holds if this package is ever linked into a
// multi-hart successor.
var (
	errnoMu sync.Mutex
	errno   Kind
)

// SetErrno stores k as the last error.
func SetErrno(k Kind) {
	errnoMu.Lock()
	defer errnoMu.Unlock()
	errno = k
}

// GetErrno reads the last error.
func GetErrno() Kind {
	errnoMu.Lock()
	defer errnoMu.Unlock()
	return errno
}

// ClearErrno resets the last error to OK.
func ClearErrno() {
	errnoMu.Lock()
	defer errnoMu.Unlock()
	errno = OK
}

// Perror writes "{prefix}: {strerror(errno)}" to w. It does not modify
// errno.
func Perror(w interface{ Write([]byte) (int, error) }, prefix string) {
	msg := fmt.Sprintf("%s: %s\n", prefix, Strerror(GetErrno()))
	_, _ = w.Write([]byte(msg))
}
