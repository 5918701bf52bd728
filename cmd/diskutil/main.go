// Command diskutil drives the virtio/ext2/vfs stack against a raw
// ext2 disk image from the host, without booting any RISC-V code: it
// exists to exercise the same read path a real syscall would
// (vfs -> ext2 -> virtio -> block device) from the command line.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cmelnu/thunderos/internal/dma"
	"github.com/cmelnu/thunderos/internal/ext2"
	"github.com/cmelnu/thunderos/internal/vfs"
	"github.com/cmelnu/thunderos/internal/virtio"
)

const queueArenaSize = 4 << 20

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `diskutil - inspect an ext2 disk image through the virtio/ext2/vfs stack

USAGE:
  diskutil <image> ls [path]
  diskutil <image> cat <path>
  diskutil <image> stat <path>

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	imagePath, cmd := args[0], args[1]

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	queueMem, err := dma.NewArena(queueArenaSize)
	if err != nil {
		return fmt.Errorf("allocate queue arena: %w", err)
	}
	defer queueMem.Close()

	dev, err := virtio.NewDevice(queueMem, f, true)
	if err != nil {
		return fmt.Errorf("attach virtio device: %w", err)
	}

	drv, err := virtio.NewDriver(dev, queueMem)
	if err != nil {
		return fmt.Errorf("init virtio driver: %w", err)
	}

	fs, err := ext2.Mount(drv)
	if err != nil {
		return fmt.Errorf("mount ext2: %w", err)
	}

	root, err := vfs.NewExt2Root(fs)
	if err != nil {
		return fmt.Errorf("read root inode: %w", err)
	}
	v := vfs.New(root)

	switch cmd {
	case "ls":
		path := "/"
		if len(args) >= 3 {
			path = args[2]
		}
		return runLs(v, path)
	case "cat":
		if len(args) < 3 {
			flag.Usage()
			os.Exit(1)
		}
		return runCat(v, args[2])
	case "stat":
		if len(args) < 3 {
			flag.Usage()
			os.Exit(1)
		}
		return runStat(v, args[2])
	default:
		flag.Usage()
		os.Exit(1)
		return nil
	}
}

func runLs(v *vfs.VFS, path string) error {
	node, err := v.Resolve(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if node.Type != vfs.TypeDir {
		fmt.Println(path)
		return nil
	}
	if node.Ops.ListDir == nil {
		return fmt.Errorf("ls %s: listing not supported on this node", path)
	}
	return node.Ops.ListDir(node, func(name string, typ vfs.NodeType) error {
		fmt.Printf("%-4s %s\n", typeLabel(typ), name)
		return nil
	})
}

func runCat(v *vfs.VFS, path string) error {
	fd, err := v.Open(path, vfs.ORdonly)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer v.Close(fd)

	buf := make([]byte, 4096)
	for {
		n, err := v.Read(fd, buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if n == 0 || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
}

func runStat(v *vfs.VFS, path string) error {
	st, err := v.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	fmt.Printf("path:  %s\n", path)
	fmt.Printf("type:  %s\n", typeLabel(st.Type))
	fmt.Printf("size:  %d\n", st.Size)
	return nil
}

func typeLabel(typ vfs.NodeType) string {
	switch typ {
	case vfs.TypeFile:
		return "file"
	case vfs.TypeDir:
		return "dir"
	case vfs.TypeLink:
		return "link"
	case vfs.TypeDev:
		return "dev"
	case vfs.TypeFIFO:
		return "fifo"
	default:
		return "?"
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "diskutil: %v\n", err)
		os.Exit(1)
	}
}
