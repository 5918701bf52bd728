package vfs

import (
	"github.com/cmelnu/thunderos/internal/errs"
	"github.com/cmelnu/thunderos/internal/ext2"
)

// ext2Node carries the ext2-specific handle a Node needs: the mounted
// filesystem and the decoded inode backing this node.
type ext2Node struct {
	fs  *ext2.FS
	ino uint32
	in  *ext2.Inode
}

func ext2TypeOf(in *ext2.Inode) NodeType {
	switch in.Type() {
	case ext2.ModeDir:
		return TypeDir
	case ext2.ModeLnk:
		return TypeLink
	case ext2.ModeChr, ext2.ModeBlk:
		return TypeDev
	case ext2.ModeFIFO, ext2.ModeSock:
		return TypeFIFO
	default:
		return TypeFile
	}
}

func newExt2Node(fs *ext2.FS, ino uint32, in *ext2.Inode) *Node {
	return &Node{
		Type: ext2TypeOf(in),
		Size: in.Size(),
		Ops:  ext2NodeOps,
		Priv: &ext2Node{fs: fs, ino: ino, in: in},
	}
}

// NewExt2Root reads the root inode of the already-mounted fs (always
// inode 2, the ext2 convention) and returns it as a VFS root Node.
func NewExt2Root(fs *ext2.FS) (*Node, error) {
	const rootIno = 2
	in, err := fs.ReadInode(rootIno)
	if err != nil {
		return nil, err
	}
	return newExt2Node(fs, rootIno, in), nil
}

var ext2Ops = &Ops{
	Lookup: func(n *Node, name string) (*Node, error) {
		priv := n.Priv.(*ext2Node)
		ino, err := priv.fs.Lookup(priv.in, name)
		if err != nil {
			return nil, err
		}
		in, err := priv.fs.ReadInode(ino)
		if err != nil {
			return nil, err
		}
		return newExt2Node(priv.fs, ino, in), nil
	},
	Read: func(n *Node, pos int64, buf []byte) (int, error) {
		priv := n.Priv.(*ext2Node)
		if pos < 0 {
			return 0, errs.New("ext2vfs.Read", errs.EINVAL, nil)
		}
		return priv.fs.ReadFile(priv.in, uint64(pos), buf)
	},
	ListDir: func(n *Node, visit func(name string, typ NodeType) error) error {
		priv := n.Priv.(*ext2Node)
		return priv.fs.ListDir(priv.in, func(name string, inode uint32, fileType uint8) error {
			return visit(name, ext2FileTypeToNodeType(fileType))
		})
	},
	// Write, Close, Create, Mkdir, Rmdir, and Unlink are left nil:
	// this mount is read-only, and callers see ENOTSUP exactly as they
	// would calling through to ext2.FS's own write-side stubs.
}

// ext2NodeOps is the vtable newExt2Node attaches. It is assigned from
// ext2Ops in init rather than by an initializer: ext2Ops's Lookup calls
// newExt2Node, so a direct reference would be an initialization cycle.
var ext2NodeOps *Ops

func init() { ext2NodeOps = ext2Ops }

// ext2FileTypeToNodeType maps ext2's directory-entry file_type byte
// (the de_file_type enum) to a NodeType, without needing to read the
// target inode just to classify it.
func ext2FileTypeToNodeType(fileType uint8) NodeType {
	switch fileType {
	case 2:
		return TypeDir
	case 7:
		return TypeLink
	case 3, 4:
		return TypeDev
	case 5, 6:
		return TypeFIFO
	default:
		return TypeFile
	}
}
