// Package fuse mounts the virtual site filesystem so any editor can open it.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/pkg/portalfs"
)

// Config holds mount options.
type Config struct {
	AllowOther bool
	Debug      bool
	// AttrTimeout bounds how long the kernel caches attributes.
	AttrTimeout time.Duration
}

// Mount mounts fsys at mountPoint.
func Mount(mountPoint string, fsys *portalfs.FS, cfg Config) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	timeout := cfg.AttrTimeout
	if timeout == 0 {
		timeout = time.Second
	}

	root := &PortalNode{fsys: fsys, path: "/"}
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
			FsName:     "portalsfs",
			Name:       "portalsfs",
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// PortalNode is a file or directory of the mounted tree.
type PortalNode struct {
	fs.Inode

	fsys *portalfs.FS
	path string
}

var _ fs.InodeEmbedder = (*PortalNode)(nil)
var _ fs.NodeGetattrer = (*PortalNode)(nil)
var _ fs.NodeLookuper = (*PortalNode)(nil)
var _ fs.NodeReaddirer = (*PortalNode)(nil)
var _ fs.NodeOpener = (*PortalNode)(nil)
var _ fs.NodeReader = (*PortalNode)(nil)
var _ fs.NodeCreater = (*PortalNode)(nil)
var _ fs.NodeMkdirer = (*PortalNode)(nil)
var _ fs.NodeSetattrer = (*PortalNode)(nil)
var _ fs.NodeUnlinker = (*PortalNode)(nil)
var _ fs.NodeRmdirer = (*PortalNode)(nil)
var _ fs.NodeRenamer = (*PortalNode)(nil)

func fillAttr(st portalfs.Stat, out *gofuse.Attr) {
	if st.Type == portalfs.TypeDirectory {
		out.Mode = 0755 | syscall.S_IFDIR
	} else {
		out.Mode = 0644 | syscall.S_IFREG
	}
	out.Size = uint64(st.Size)
	out.Mtime = uint64(st.Mtime.Unix())
	out.Atime = out.Mtime
	out.Ctime = uint64(st.Ctime.Unix())
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// errno maps filesystem errors onto syscall errors.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, portalfs.ErrFileNotFound):
		return syscall.ENOENT
	case errors.Is(err, portalfs.ErrFileExists):
		return syscall.EEXIST
	case errors.Is(err, portalfs.ErrFileIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, portalfs.ErrFileNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, portalfs.ErrNoPermissions):
		return syscall.EACCES
	case errors.Is(err, portalfs.ErrNotSupported):
		return syscall.ENOTSUP
	default:
		return syscall.EIO
	}
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Getattr returns file attributes.
func (n *PortalNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*FileHandle); ok {
		if size, dirty := h.pending(); dirty {
			st, err := n.fsys.Stat(ctx, n.path)
			if err != nil {
				return errno(err)
			}
			st.Size = size
			fillAttr(st, &out.Attr)
			return 0
		}
	}
	st, err := n.fsys.Stat(ctx, n.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

// Lookup finds a child by name.
func (n *PortalNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := childPath(n.path, name)
	st, err := n.fsys.Stat(ctx, p)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(st, &out.Attr)
	child := &PortalNode{fsys: n.fsys, path: p}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT}), 0
}

// Readdir lists directory contents.
func (n *PortalNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list, err := n.fsys.ReadDirectory(ctx, n.path)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]gofuse.DirEntry, 0, len(list))
	for _, e := range list {
		mode := uint32(syscall.S_IFREG)
		if e.Type == portalfs.TypeDirectory {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Open loads the file content into a handle.
func (n *PortalNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	st, err := n.fsys.Stat(ctx, n.path)
	if err != nil {
		return nil, 0, errno(err)
	}
	if st.Type == portalfs.TypeDirectory {
		return nil, 0, syscall.EISDIR
	}

	h := &FileHandle{node: n}
	if flags&syscall.O_TRUNC != 0 {
		h.dirty = true
		return h, gofuse.FOPEN_DIRECT_IO, 0
	}
	data, err := n.fsys.ReadFile(ctx, n.path)
	if err != nil {
		return nil, 0, errno(err)
	}
	h.data = data
	return h, gofuse.FOPEN_DIRECT_IO, 0
}

// Read serves reads from the handle buffer.
func (n *PortalNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(h.readAt(dest, off)), 0
}

// Create creates a new, untracked file.
func (n *PortalNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := childPath(n.path, name)
	if err := n.fsys.WriteFile(ctx, p, nil, portalfs.WriteOptions{Create: true}); err != nil {
		return nil, nil, 0, errno(err)
	}
	st, err := n.fsys.Stat(ctx, p)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(st, &out.Attr)

	child := &PortalNode{fsys: n.fsys, path: p}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	logging.Debug("created file", logging.Path(p))
	return inode, &FileHandle{node: child}, gofuse.FOPEN_DIRECT_IO, 0
}

// Mkdir creates a directory.
func (n *PortalNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := childPath(n.path, name)
	if err := n.fsys.CreateDirectory(p); err != nil {
		return nil, errno(err)
	}
	st, err := n.fsys.Stat(ctx, p)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(st, &out.Attr)
	child := &PortalNode{fsys: n.fsys, path: p}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Setattr handles truncation. Through an open handle the buffer is resized
// and written on flush; otherwise the file is rewritten at once, which saves
// tracked files.
func (n *PortalNode) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if h, ok := fh.(*FileHandle); ok {
			h.truncate(int64(sz))
		} else if e := n.truncate(ctx, int64(sz)); e != 0 {
			return e
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *PortalNode) truncate(ctx context.Context, size int64) syscall.Errno {
	st, err := n.fsys.Stat(ctx, n.path)
	if err != nil {
		return errno(err)
	}
	if st.Type == portalfs.TypeDirectory {
		return syscall.EISDIR
	}
	if st.Size == size {
		return 0
	}
	data, err := n.fsys.ReadFile(ctx, n.path)
	if err != nil {
		return errno(err)
	}
	data = resize(data, size)
	if err := n.fsys.WriteFile(ctx, n.path, data, portalfs.WriteOptions{Overwrite: true}); err != nil {
		logging.Error("truncate failed", logging.Path(n.path), logging.Err(err))
		return errno(err)
	}
	return 0
}

func resize(data []byte, size int64) []byte {
	if size <= int64(len(data)) {
		return data[:size]
	}
	return append(data, make([]byte, size-int64(len(data)))...)
}

// Unlink forwards to Delete, which the site does not support.
func (n *PortalNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.Delete(childPath(n.path, name), false))
}

// Rmdir forwards to Delete, which the site does not support.
func (n *PortalNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.Delete(childPath(n.path, name), true))
}

// Rename forwards to the filesystem, which does not support it.
func (n *PortalNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst := childPath(n.path, newName)
	if p, ok := newParent.(*PortalNode); ok {
		dst = childPath(p.path, newName)
	}
	return errno(n.fsys.Rename(childPath(n.path, name), dst, false))
}

// FileHandle buffers a file's content between open and flush.
type FileHandle struct {
	mu    sync.Mutex
	node  *PortalNode
	data  []byte
	dirty bool
}

var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)

func (h *FileHandle) readAt(dest []byte, off int64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return nil
	}
	n := copy(dest, h.data[off:])
	return dest[:n]
}

func (h *FileHandle) truncate(size int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = resize(h.data, size)
	h.dirty = true
}

func (h *FileHandle) pending() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data)), h.dirty
}

// Write writes data into the buffer.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := off + int64(len(data))
	if end > int64(len(h.data)) {
		h.data = append(h.data, make([]byte, end-int64(len(h.data)))...)
	}
	copy(h.data[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

// Flush writes the buffer to the filesystem, saving tracked files remotely.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return 0
	}
	err := h.node.fsys.WriteFile(ctx, h.node.path, h.data, portalfs.WriteOptions{Create: true, Overwrite: true})
	if err != nil {
		logging.Error("flush failed", logging.Path(h.node.path), logging.Err(err))
		return errno(err)
	}
	h.dirty = false
	logging.Info("flushed file",
		logging.Path(h.node.path),
		logging.Int("bytes", len(h.data)))
	return 0
}
