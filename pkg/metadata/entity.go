// Package metadata holds the in-memory registries that map virtual files and
// remote records to their sync state.
package metadata

import (
	"errors"
	"sync"
)

// ErrEntityNotFound is returned when an entity id is not tracked.
var ErrEntityNotFound = errors.New("entity not tracked")

// AttributePath names the remote column a file maps to and, optionally, the
// JSON key inside that column.
type AttributePath struct {
	Source   string
	Relative string
}

// IsZero reports an empty descriptor.
func (a AttributePath) IsZero() bool {
	return a.Source == ""
}

// Key returns the column key used in EntityData.Columns. Sub-key attributes
// share their source column's key.
func (a AttributePath) Key() string {
	return a.Source
}

// EntityData is the sync state of one remote record.
type EntityData struct {
	ID              string
	EntityType      string
	Etag            string
	Columns         map[string]string
	MappingEntityID string
}

func (e *EntityData) clone() EntityData {
	c := *e
	c.Columns = make(map[string]string, len(e.Columns))
	for k, v := range e.Columns {
		c.Columns[k] = v
	}
	return c
}

// EntityDataMap tracks entities by id.
type EntityDataMap struct {
	mu       sync.RWMutex
	entities map[string]*EntityData
}

// NewEntityDataMap creates an empty map.
func NewEntityDataMap() *EntityDataMap {
	return &EntityDataMap{entities: make(map[string]*EntityData)}
}

// SetEntity registers or merges an entity. The etag and mapping id replace the
// stored ones when non-empty; the column is added to the known columns.
func (m *EntityDataMap) SetEntity(id, entityType, etag string, attr AttributePath, content, mappingEntityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		e = &EntityData{ID: id, EntityType: entityType, Columns: make(map[string]string)}
		m.entities[id] = e
	}
	if etag != "" {
		e.Etag = etag
	}
	if mappingEntityID != "" {
		e.MappingEntityID = mappingEntityID
	}
	if !attr.IsZero() {
		e.Columns[attr.Key()] = content
	}
}

// Entity returns a copy of the entity.
func (m *EntityDataMap) Entity(id string) (EntityData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return EntityData{}, false
	}
	return e.clone(), true
}

// EntityEtag returns the stored etag.
func (m *EntityDataMap) EntityEtag(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entities[id]; ok {
		return e.Etag
	}
	return ""
}

// EntityColumn returns the tracked content of one column.
func (m *EntityDataMap) EntityColumn(id string, attr AttributePath) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return "", false
	}
	v, ok := e.Columns[attr.Key()]
	return v, ok
}

// MappingEntityID returns the id of the record the entity's content lives in.
func (m *EntityDataMap) MappingEntityID(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entities[id]; ok {
		return e.MappingEntityID
	}
	return ""
}

// UpdateEntityColumn replaces a column's tracked content.
func (m *EntityDataMap) UpdateEntityColumn(id string, attr AttributePath, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return ErrEntityNotFound
	}
	e.Columns[attr.Key()] = content
	return nil
}

// UpdateEntityEtag replaces the stored etag.
func (m *EntityDataMap) UpdateEntityEtag(id, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return ErrEntityNotFound
	}
	e.Etag = etag
	return nil
}

// Len returns the number of tracked entities.
func (m *EntityDataMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
