package portalfs

import (
	"sort"
	"time"
)

// FileType distinguishes files from directories.
type FileType int

const (
	TypeFile FileType = iota + 1
	TypeDirectory
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Stat is the metadata of a node.
type Stat struct {
	Type  FileType
	Size  int64
	Ctime time.Time
	Mtime time.Time
}

// DirEntry is one child of a directory.
type DirEntry struct {
	Name string
	Type FileType
}

// Entry is a node of the tree: either *File or *Directory.
type Entry interface {
	node()
	Name() string
}

// File holds the bytes of a virtual file.
type File struct {
	name  string
	data  []byte
	ctime time.Time
	mtime time.Time
}

// Directory holds child nodes by name.
type Directory struct {
	name     string
	children map[string]Entry
	ctime    time.Time
	mtime    time.Time
}

func (*File) node()      {}
func (*Directory) node() {}

func (f *File) Name() string      { return f.name }
func (d *Directory) Name() string { return d.name }

func newFile(name string, data []byte) *File {
	now := time.Now()
	return &File{name: name, data: data, ctime: now, mtime: now}
}

func newDirectory(name string) *Directory {
	now := time.Now()
	return &Directory{name: name, children: make(map[string]Entry), ctime: now, mtime: now}
}

func (f *File) write(data []byte) {
	f.data = append(f.data[:0:0], data...)
	f.mtime = time.Now()
}

func (d *Directory) add(e Entry) {
	d.children[e.Name()] = e
	d.mtime = time.Now()
}

func statOf(e Entry) Stat {
	switch n := e.(type) {
	case *File:
		return Stat{Type: TypeFile, Size: int64(len(n.data)), Ctime: n.ctime, Mtime: n.mtime}
	case *Directory:
		return Stat{Type: TypeDirectory, Size: 0, Ctime: n.ctime, Mtime: n.mtime}
	default:
		panic("portalfs: unknown entry type")
	}
}

func typeOf(e Entry) FileType {
	switch e.(type) {
	case *File:
		return TypeFile
	case *Directory:
		return TypeDirectory
	default:
		panic("portalfs: unknown entry type")
	}
}

func (d *Directory) list() []DirEntry {
	out := make([]DirEntry, 0, len(d.children))
	for name, e := range d.children {
		out = append(out, DirEntry{Name: name, Type: typeOf(e)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
