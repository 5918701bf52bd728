package vfs

import (
	"strings"

	"github.com/cmelnu/thunderos/internal/errs"
)

// maxNameLen is the longest path component this layer will look up;
// longer components are silently truncated before lookup rather than
// rejected, matching spec.md §4.4's documented behavior.
const maxNameLen = 255

// Resolve walks path from the mount root, following dir.Ops.Lookup one
// component at a time. Only absolute paths are supported; a relative
// path is always an error since this kernel has no per-process working
// directory. Empty components (from "//" or a trailing "/") are
// skipped rather than rejected.
func (v *VFS) Resolve(path string) (*Node, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errs.New("vfs.Resolve", errs.EINVAL, nil)
	}
	if path == "/" {
		return v.root, nil
	}

	cur := v.root
	for _, comp := range strings.Split(path, "/") {
		if comp == "" {
			continue
		}
		if len(comp) > maxNameLen {
			comp = comp[:maxNameLen]
		}
		if cur.Type != TypeDir {
			return nil, errs.New("vfs.Resolve", errs.ENOTDIR, nil)
		}
		if cur.Ops.Lookup == nil {
			return nil, errs.New("vfs.Resolve", errs.ENOTSUP, nil)
		}
		next, err := cur.Ops.Lookup(cur, comp)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
