package metadata

import (
	"errors"
	"path"
	"sort"
	"sync"
)

// ErrFileNotTracked is returned when a path has no file metadata.
var ErrFileNotTracked = errors.New("file not tracked")

// FileData is the sync state of one virtual file.
type FileData struct {
	EntityID        string
	EntityType      string
	FileName        string
	Etag            string
	Extension       string
	AttributePath   AttributePath
	HasDirtyChanges bool
	Encoded         bool
	MimeType        string
}

// FileDataMap tracks files by canonical virtual path.
type FileDataMap struct {
	mu    sync.RWMutex
	files map[string]*FileData
}

// NewFileDataMap creates an empty map.
func NewFileDataMap() *FileDataMap {
	return &FileDataMap{files: make(map[string]*FileData)}
}

// Canonical cleans a virtual path into the form used as map key.
func Canonical(p string) string {
	return path.Clean("/" + p)
}

// SetFile registers or replaces a file's metadata.
func (m *FileDataMap) SetFile(p string, fd FileData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := fd
	m.files[Canonical(p)] = &c
}

// File returns a copy of a file's metadata.
func (m *FileDataMap) File(p string) (FileData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fd, ok := m.files[Canonical(p)]
	if !ok {
		return FileData{}, false
	}
	return *fd, true
}

// Tracked reports whether the path has file metadata.
func (m *FileDataMap) Tracked(p string) bool {
	_, ok := m.File(p)
	return ok
}

// FileEntityID returns the owning entity id.
func (m *FileDataMap) FileEntityID(p string) string {
	fd, _ := m.File(p)
	return fd.EntityID
}

// FileEntityType returns the owning entity type.
func (m *FileDataMap) FileEntityType(p string) string {
	fd, _ := m.File(p)
	return fd.EntityType
}

// FileEntityEtag returns the etag recorded for the file.
func (m *FileDataMap) FileEntityEtag(p string) string {
	fd, _ := m.File(p)
	return fd.Etag
}

// FileHasDirtyChanges reports an unsynced local write.
func (m *FileDataMap) FileHasDirtyChanges(p string) bool {
	fd, _ := m.File(p)
	return fd.HasDirtyChanges
}

// FileAttributePath returns the attribute path descriptor.
func (m *FileDataMap) FileAttributePath(p string) AttributePath {
	fd, _ := m.File(p)
	return fd.AttributePath
}

// FileMimeType returns the file's MIME type, if any.
func (m *FileDataMap) FileMimeType(p string) string {
	fd, _ := m.File(p)
	return fd.MimeType
}

// SetFileDirty sets the dirty flag.
func (m *FileDataMap) SetFileDirty(p string, dirty bool) error {
	return m.update(p, func(fd *FileData) { fd.HasDirtyChanges = dirty })
}

// SetFileEtag replaces the recorded etag.
func (m *FileDataMap) SetFileEtag(p, etag string) error {
	return m.update(p, func(fd *FileData) { fd.Etag = etag })
}

// SetEntityEtag replaces the etag of every file backed by entityID.
func (m *FileDataMap) SetEntityEtag(entityID, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fd := range m.files {
		if fd.EntityID == entityID {
			fd.Etag = etag
		}
	}
}

// Paths returns every tracked path in sorted order.
func (m *FileDataMap) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked files.
func (m *FileDataMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

func (m *FileDataMap) update(p string, fn func(*FileData)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fd, ok := m.files[Canonical(p)]
	if !ok {
		return ErrFileNotTracked
	}
	fn(fd)
	return nil
}
