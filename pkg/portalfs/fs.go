// Package portalfs implements the in-memory virtual filesystem that holds
// Power Pages site content. Paths under the content root are populated lazily
// from Dataverse, and writes to tracked files are saved remotely before they
// are applied.
package portalfs

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/pkg/editor"
	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/schema"
)

// Populator fills the tree and the metadata maps from the remote source.
type Populator interface {
	Populate(ctx context.Context) error
}

// Saver sends the content of a tracked file to the remote source.
type Saver interface {
	Save(ctx context.Context, p string, content []byte) error
}

// Options configures a filesystem.
type Options struct {
	// ContentRoot is the directory whose first access populates the tree.
	ContentRoot string
	Schema      *schema.Table
	Files       *metadata.FileDataMap
	Populator   Populator
	Saver       Saver
	Editor      editor.Surface
	// Debounce is the change event coalescing window.
	Debounce time.Duration
}

// WriteOptions controls WriteFile.
type WriteOptions struct {
	Create    bool
	Overwrite bool
}

type lookupState int

const (
	materialized lookupState = iota
	needsPopulation
	absent
)

// FS is the virtual filesystem.
type FS struct {
	mu     sync.RWMutex
	root   *Directory
	opts   Options
	prefix string
	group  singleflight.Group
	events *broadcaster
	// populated is set once a population gets past authentication; later
	// misses are final.
	populated atomic.Bool
}

// New creates an empty filesystem.
func New(opts Options) *FS {
	if opts.Editor == nil {
		opts.Editor = editor.Log{}
	}
	return &FS{
		root:   newDirectory(""),
		opts:   opts,
		prefix: metadata.Canonical(opts.ContentRoot),
		events: newBroadcaster(opts.Debounce),
	}
}

// ContentRoot returns the canonical content root path.
func (f *FS) ContentRoot() string {
	return f.prefix
}

// find walks the tree. Callers hold f.mu.
func (f *FS) find(p string) Entry {
	p = metadata.Canonical(p)
	if p == "/" {
		return f.root
	}
	var cur Entry = f.root
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		d, ok := cur.(*Directory)
		if !ok {
			return nil
		}
		next, ok := d.children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (f *FS) lookup(p string) (Entry, lookupState) {
	f.mu.RLock()
	e := f.find(p)
	f.mu.RUnlock()
	if e != nil {
		return e, materialized
	}
	if f.populated.Load() {
		return nil, absent
	}
	if f.isContentRoot(p) || f.isEntityPath(p) {
		return nil, needsPopulation
	}
	return nil, absent
}

func (f *FS) isContentRoot(p string) bool {
	return metadata.Canonical(p) == f.prefix
}

func (f *FS) isEntityPath(p string) bool {
	return f.opts.Schema != nil && f.opts.Schema.IsEntityFolder(f.prefix, p)
}

// populate runs the populator once for all concurrent misses. Only a
// permissions failure is returned, and only it allows a later attempt; any
// other outcome, including a partial failure, makes later misses final.
func (f *FS) populate(ctx context.Context, op, p string) error {
	if f.opts.Populator == nil || f.populated.Load() {
		return nil
	}
	_, err, _ := f.group.Do("populate", func() (any, error) {
		if f.populated.Load() {
			return nil, nil
		}
		err := f.opts.Populator.Populate(ctx)
		if !errors.Is(err, ErrNoPermissions) {
			f.populated.Store(true)
		}
		return nil, err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoPermissions) {
		return pathError(op, p, ErrNoPermissions)
	}
	logging.Warn("population failed", logging.Path(p), logging.Err(err))
	return nil
}

// Stat returns the metadata of p, populating the tree first when p lies in
// the content root.
func (f *FS) Stat(ctx context.Context, p string) (Stat, error) {
	e, state := f.lookup(p)
	if state == needsPopulation {
		if err := f.populate(ctx, "stat", p); err != nil {
			return Stat{}, err
		}
		e, _ = f.lookup(p)
	}
	if e == nil {
		return Stat{}, pathError("stat", p, ErrFileNotFound)
	}
	return statOf(e), nil
}

// ReadDirectory lists p. A miss on the content root populates the tree and
// retries once; any other miss yields an empty listing.
func (f *FS) ReadDirectory(ctx context.Context, p string) ([]DirEntry, error) {
	e, state := f.lookup(p)
	if state == needsPopulation && f.isContentRoot(p) {
		if err := f.populate(ctx, "readdir", p); err != nil {
			return nil, err
		}
		e, _ = f.lookup(p)
	}

	switch n := e.(type) {
	case nil:
		return nil, nil
	case *Directory:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return n.list(), nil
	case *File:
		return nil, pathError("readdir", p, ErrFileNotADirectory)
	default:
		panic("portalfs: unknown entry type")
	}
}

// ReadFile returns a copy of the content of p. A miss inside an entity
// folder populates the tree and retries once; any other miss yields empty
// content.
func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	e, state := f.lookup(p)
	if state == needsPopulation && f.isEntityPath(p) {
		if err := f.populate(ctx, "read", p); err != nil {
			return nil, err
		}
		e, _ = f.lookup(p)
	}

	switch n := e.(type) {
	case nil:
		return []byte{}, nil
	case *File:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return append([]byte(nil), n.data...), nil
	case *Directory:
		return nil, pathError("read", p, ErrFileIsADirectory)
	default:
		panic("portalfs: unknown entry type")
	}
}

// prepareWrite validates a write. Callers hold f.mu.
func (f *FS) prepareWrite(p string, opts WriteOptions) (*Directory, *File, error) {
	parent, ok := f.find(path.Dir(p)).(*Directory)
	if !ok {
		if f.find(path.Dir(p)) == nil {
			return nil, nil, pathError("write", p, ErrFileNotFound)
		}
		return nil, nil, pathError("write", p, ErrFileNotADirectory)
	}
	switch n := parent.children[path.Base(p)].(type) {
	case nil:
		if !opts.Create {
			return nil, nil, pathError("write", p, ErrFileNotFound)
		}
		return parent, nil, nil
	case *Directory:
		return nil, nil, pathError("write", p, ErrFileIsADirectory)
	case *File:
		if !opts.Overwrite {
			return nil, nil, pathError("write", p, ErrFileExists)
		}
		return parent, n, nil
	default:
		panic("portalfs: unknown entry type")
	}
}

// WriteFile writes content to p. Writes to a tracked file are saved remotely
// first, inside a progress indicator; the bytes are applied only when the
// save succeeds.
func (f *FS) WriteFile(ctx context.Context, p string, content []byte, opts WriteOptions) error {
	p = metadata.Canonical(p)
	if p == "/" {
		return pathError("write", p, ErrFileIsADirectory)
	}

	f.mu.RLock()
	_, _, err := f.prepareWrite(p, opts)
	f.mu.RUnlock()
	if err != nil {
		return err
	}

	tracked := f.opts.Files != nil && f.opts.Files.Tracked(p)
	if tracked && f.opts.Saver != nil {
		err := f.opts.Editor.WithProgress(ctx, "Saving "+path.Base(p), func(ctx context.Context) error {
			return f.opts.Saver.Save(ctx, p, content)
		})
		if err != nil {
			return pathError("write", p, err)
		}
	}

	f.mu.Lock()
	parent, file, err := f.prepareWrite(p, opts)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	change := Changed
	if file == nil {
		parent.add(newFile(path.Base(p), append([]byte(nil), content...)))
		change = Created
	} else {
		file.write(content)
	}
	f.mu.Unlock()

	if tracked {
		f.opts.Files.SetFileDirty(p, true)
	}
	f.events.fire(ChangeEvent{Type: change, Path: p})
	return nil
}

// CreateDirectory creates an empty directory. The parent must exist.
func (f *FS) CreateDirectory(p string) error {
	p = metadata.Canonical(p)
	f.mu.Lock()
	parent, ok := f.find(path.Dir(p)).(*Directory)
	if !ok {
		f.mu.Unlock()
		return pathError("mkdir", p, ErrFileNotFound)
	}
	if _, exists := parent.children[path.Base(p)]; exists || p == "/" {
		f.mu.Unlock()
		return pathError("mkdir", p, ErrFileExists)
	}
	parent.add(newDirectory(path.Base(p)))
	f.mu.Unlock()

	f.events.fire(ChangeEvent{Type: Created, Path: p})
	return nil
}

// MkdirAll creates p and any missing parents.
func (f *FS) MkdirAll(p string) error {
	p = metadata.Canonical(p)
	var created []string

	f.mu.Lock()
	cur := f.root
	walked := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if part == "" {
			continue
		}
		walked += "/" + part
		switch n := cur.children[part].(type) {
		case nil:
			d := newDirectory(part)
			cur.add(d)
			created = append(created, walked)
			cur = d
		case *Directory:
			cur = n
		case *File:
			f.mu.Unlock()
			return pathError("mkdir", walked, ErrFileNotADirectory)
		}
	}
	f.mu.Unlock()

	for _, c := range created {
		f.events.fire(ChangeEvent{Type: Created, Path: c})
	}
	return nil
}

// PopulateFile creates or overwrites p with fetched content. It never
// triggers a save.
func (f *FS) PopulateFile(p string, content []byte) error {
	p = metadata.Canonical(p)
	if err := f.MkdirAll(path.Dir(p)); err != nil {
		return err
	}

	f.mu.Lock()
	parent, file, err := f.prepareWrite(p, WriteOptions{Create: true, Overwrite: true})
	if err != nil {
		f.mu.Unlock()
		return err
	}
	change := Changed
	if file == nil {
		parent.add(newFile(path.Base(p), append([]byte(nil), content...)))
		change = Created
	} else {
		file.write(content)
	}
	f.mu.Unlock()

	f.events.fire(ChangeEvent{Type: change, Path: p})
	return nil
}

// Rename is not supported.
func (f *FS) Rename(oldPath, newPath string, overwrite bool) error {
	return pathError("rename", oldPath, ErrNotSupported)
}

// Delete is not supported.
func (f *FS) Delete(p string, recursive bool) error {
	return pathError("delete", p, ErrNotSupported)
}

// Watch subscribes to change events for p and, when recursive, everything
// below it. The returned function ends the subscription.
func (f *FS) Watch(p string, recursive bool) (<-chan []ChangeEvent, func()) {
	return f.events.subscribe(metadata.Canonical(p), recursive)
}

// Events subscribes to every change event.
func (f *FS) Events() (<-chan []ChangeEvent, func()) {
	return f.events.subscribe("", true)
}

// Walk calls fn for every node below p in lexical order.
func (f *FS) Walk(p string, fn func(p string, st Stat) error) error {
	type item struct {
		path string
		stat Stat
	}
	var items []item

	f.mu.RLock()
	start := f.find(p)
	var visit func(string, Entry)
	visit = func(cur string, e Entry) {
		items = append(items, item{cur, statOf(e)})
		if d, ok := e.(*Directory); ok {
			for _, c := range d.list() {
				visit(path.Join(cur, c.Name), d.children[c.Name])
			}
		}
	}
	if start != nil {
		visit(metadata.Canonical(p), start)
	}
	f.mu.RUnlock()

	if start == nil {
		return pathError("walk", p, ErrFileNotFound)
	}
	for _, it := range items {
		if err := fn(it.path, it.stat); err != nil {
			return err
		}
	}
	return nil
}

// Close stops change event delivery.
func (f *FS) Close() {
	f.events.close()
}
