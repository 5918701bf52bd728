// Package vfs implements the kernel's virtual filesystem layer: a
// node/vtable abstraction over mounted filesystems, a process-global
// file descriptor table, and POSIX-shaped path resolution and entry
// points (open/read/write/seek/close/mkdir/rmdir/unlink/stat). It is
// the layer syswire calls into on every filesystem syscall.
package vfs

// NodeType tags what kind of filesystem object a Node represents.
type NodeType uint8

const (
	TypeFile NodeType = 1
	TypeDir  NodeType = 2
	TypeLink NodeType = 3
	TypeDev  NodeType = 4
	TypeFIFO NodeType = 5
)

// Open flags, bitwise-OR'd.
const (
	ORdonly    = 0x0
	OWronly    = 0x1
	ORdwr      = 0x2
	OCreat     = 0x100
	OTrunc     = 0x200
	OAppend    = 0x400
	ODirectory = 0x10000
)

// Seek origins.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Ops is a filesystem's operation vtable. Every field is optional: a
// nil field means the operation is unsupported on nodes of that
// filesystem, and callers translate that directly to ENOTSUP rather
// than needing a second capability check. This mirrors how the
// retrieval pack's own FUSE backend dispatches to per-node behavior,
// but trades its capability interfaces for plain optional functions,
// matching the simpler single-mount vtable this kernel actually needs.
type Ops struct {
	Lookup  func(n *Node, name string) (*Node, error)
	Open    func(n *Node, flags int) error
	Read    func(n *Node, pos int64, buf []byte) (int, error)
	Write   func(n *Node, pos int64, buf []byte) (int, error)
	Close   func(n *Node) error
	Create  func(n *Node, name string, mode uint32) (*Node, error)
	Mkdir   func(n *Node, name string, mode uint32) (*Node, error)
	Rmdir   func(n *Node, name string) error
	Unlink  func(n *Node, name string) error
	ListDir func(n *Node, visit func(name string, typ NodeType) error) error
}

// Node is an open-able filesystem object: a type tag, a size, a
// reference to its filesystem's operation table, and an opaque
// filesystem-private handle. Nodes are owned by their mount and shared
// by every fd open on them; a node's lifetime is the mount's lifetime.
type Node struct {
	Type NodeType
	Size uint64
	Ops  *Ops

	// Priv is filesystem-private (e.g. an ext2 inode number).
	Priv any
}
