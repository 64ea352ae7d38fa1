package fuse

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"syscall"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/portalfs"
)

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{&iofs.PathError{Op: "stat", Path: "/x", Err: portalfs.ErrFileNotFound}, syscall.ENOENT},
		{fmt.Errorf("x: %w", portalfs.ErrFileExists), syscall.EEXIST},
		{portalfs.ErrFileIsADirectory, syscall.EISDIR},
		{portalfs.ErrFileNotADirectory, syscall.ENOTDIR},
		{portalfs.ErrNoPermissions, syscall.EACCES},
		{portalfs.ErrNotSupported, syscall.ENOTSUP},
		{errors.New("remote save failed"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := errno(tt.err); got != tt.want {
			t.Errorf("errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestChildPath(t *testing.T) {
	if got := childPath("/", "site"); got != "/site" {
		t.Errorf("childPath(/) = %q", got)
	}
	if got := childPath("/site", "a.txt"); got != "/site/a.txt" {
		t.Errorf("childPath(/site) = %q", got)
	}
}

func TestFileHandleBuffer(t *testing.T) {
	fsys := portalfs.New(portalfs.Options{ContentRoot: "site"})
	t.Cleanup(fsys.Close)
	ctx := context.Background()
	if err := fsys.MkdirAll("/site"); err != nil {
		t.Fatal(err)
	}

	h := &FileHandle{node: &PortalNode{fsys: fsys, path: "/site/a.txt"}}
	if n, errno := h.Write(ctx, []byte("hello"), 0); errno != 0 || n != 5 {
		t.Fatalf("Write() = %d, %v", n, errno)
	}
	if _, errno := h.Write(ctx, []byte("!"), 7); errno != 0 {
		t.Fatalf("Write() = %v", errno)
	}
	if size, dirty := h.pending(); size != 8 || !dirty {
		t.Errorf("pending() = %d, %v", size, dirty)
	}

	h.truncate(5)
	buf := make([]byte, 16)
	if got := string(h.readAt(buf, 1)); got != "ello" {
		t.Errorf("readAt(1) = %q", got)
	}
	if got := h.readAt(buf, 9); got != nil {
		t.Errorf("readAt past end = %q", got)
	}

	if errno := h.Flush(ctx); errno != 0 {
		t.Fatalf("Flush() = %v", errno)
	}
	got, err := fsys.ReadFile(ctx, "/site/a.txt")
	if err != nil || string(got) != "hello" {
		t.Errorf("ReadFile = %q, %v", got, err)
	}
	if _, dirty := h.pending(); dirty {
		t.Error("handle still dirty after flush")
	}
}

func TestFlushMissingParent(t *testing.T) {
	fsys := portalfs.New(portalfs.Options{ContentRoot: "site"})
	t.Cleanup(fsys.Close)

	h := &FileHandle{node: &PortalNode{fsys: fsys, path: "/nope/a.txt"}, dirty: true}
	if errno := h.Flush(context.Background()); errno != syscall.ENOENT {
		t.Errorf("Flush() = %v, want ENOENT", errno)
	}
}

type recordingSaver struct {
	saved []string
}

func (s *recordingSaver) Save(ctx context.Context, p string, content []byte) error {
	s.saved = append(s.saved, p+"="+string(content))
	return nil
}

func TestSetattrTruncateWithoutHandle(t *testing.T) {
	const p = "/site/web-pages/home/Home.en-US.webpage.copy.html"
	files := metadata.NewFileDataMap()
	saver := &recordingSaver{}
	fsys := portalfs.New(portalfs.Options{ContentRoot: "site", Files: files, Saver: saver})
	t.Cleanup(fsys.Close)
	if err := fsys.MkdirAll("/site/web-pages/home"); err != nil {
		t.Fatal(err)
	}
	if err := fsys.PopulateFile(p, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	files.SetFile(p, metadata.FileData{
		EntityID:      "e1",
		EntityType:    "webpages",
		AttributePath: metadata.AttributePath{Source: "adx_copy"},
	})

	n := &PortalNode{fsys: fsys, path: p}
	in := &gofuse.SetAttrIn{SetAttrInCommon: gofuse.SetAttrInCommon{Valid: gofuse.FATTR_SIZE, Size: 0}}
	var out gofuse.AttrOut
	if e := n.Setattr(context.Background(), nil, in, &out); e != 0 {
		t.Fatalf("Setattr() = %v", e)
	}
	if out.Size != 0 {
		t.Errorf("size = %d, want 0", out.Size)
	}
	got, _ := fsys.ReadFile(context.Background(), p)
	if len(got) != 0 {
		t.Errorf("content = %q, want empty", got)
	}
	if len(saver.saved) != 1 || saver.saved[0] != p+"=" {
		t.Errorf("saves = %v", saver.saved)
	}

	dir := &PortalNode{fsys: fsys, path: "/site/web-pages"}
	if e := dir.Setattr(context.Background(), nil, in, &out); e != syscall.EISDIR {
		t.Errorf("Setattr(dir) = %v, want EISDIR", e)
	}
}
