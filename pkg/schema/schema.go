// Package schema resolves the content schema of a Power Pages site into a
// typed table: which entity types exist, where their records live in the
// virtual tree and which columns become files.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/portalsfs/portalsfs/pkg/metadata"
)

//go:embed portal_schema.yaml
var defaultSchema []byte

// ErrUnknownVersion is returned when a schema version is not defined.
var ErrUnknownVersion = errors.New("unknown schema version")

// ExportType controls how records of an entity type are laid out on disk.
type ExportType string

const (
	ExportSingleFolder ExportType = "SingleFolder"
	ExportSubFolders   ExportType = "SubFolders"
	ExportNone         ExportType = "None"
)

// Kind is how an attribute's content is resolved from a record.
type Kind int

const (
	KindDirect Kind = iota
	KindJSONSubKey
	KindMapped
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindJSONSubKey:
		return "json-subkey"
	case KindMapped:
		return "mapped"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Attribute is one record column (or JSON key within a column) exposed as a file.
type Attribute struct {
	Source    string
	Relative  string
	Extension string
	Kind      Kind
	Base64    bool
	BinaryV2  bool
}

// Path returns the metadata descriptor for the attribute.
func (a Attribute) Path() metadata.AttributePath {
	return metadata.AttributePath{Source: a.Source, Relative: a.Relative}
}

// MappingEntity describes a secondary record holding an entity's content.
type MappingEntity struct {
	EntitySet     string
	IDField       string
	FetchQuery    string
	MimeTypeField string
	BinaryV2      bool
}

// Query expands the secondary fetch query for a record.
func (m *MappingEntity) Query(entityID string) string {
	return strings.ReplaceAll(m.FetchQuery, "{entityId}", entityID)
}

// OnSameRecord reports a mapping that addresses a sub-resource of the
// primary record (for example /filecontent) rather than a separate entity.
func (m *MappingEntity) OnSameRecord() bool {
	return strings.HasPrefix(m.FetchQuery, "/")
}

// EntityType is a resolved schema entry.
type EntityType struct {
	Name          string
	EntitySet     string
	IDField       string
	Folder        string
	ExportType    ExportType
	FileNameField string
	LanguageField string
	FetchQuery    string
	ListQuery     string
	Mapping       *MappingEntity
	Attributes    []Attribute
}

// Query returns the fetch query for one record, or the listing query for the
// website when entityID is empty.
func (e *EntityType) Query(entityID, websiteID string) string {
	q := e.FetchQuery
	if entityID == "" {
		q = e.ListQuery
	}
	q = strings.ReplaceAll(q, "{entityId}", entityID)
	return strings.ReplaceAll(q, "{websiteId}", websiteID)
}

// FolderPath returns the directory a record's files live in.
func (e *EntityType) FolderPath(root, recordName string) string {
	switch e.ExportType {
	case ExportSubFolders:
		return path.Join("/", root, e.Folder, FolderName(recordName))
	case ExportSingleFolder:
		return path.Join("/", root, e.Folder)
	default:
		return path.Join("/", root)
	}
}

// Attribute returns the attribute matching an attribute path.
func (e *EntityType) Attribute(p metadata.AttributePath) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Source == p.Source && a.Relative == p.Relative {
			return a, true
		}
	}
	return Attribute{}, false
}

// Table is the resolved schema for one version.
type Table struct {
	Version  string
	entities map[string]*EntityType
	byFolder map[string]*EntityType
}

// Entity looks up an entity type by logical name.
func (t *Table) Entity(name string) (*EntityType, bool) {
	e, ok := t.entities[strings.ToLower(name)]
	return e, ok
}

// EntityByFolder looks up an entity type by its folder name.
func (t *Table) EntityByFolder(folder string) (*EntityType, bool) {
	e, ok := t.byFolder[folder]
	return e, ok
}

// Entities returns all entity types sorted by name.
func (t *Table) Entities() []*EntityType {
	out := make([]*EntityType, 0, len(t.entities))
	for _, e := range t.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Folders maps entity type to folder name.
func (t *Table) Folders() map[string]string {
	out := make(map[string]string, len(t.entities))
	for name, e := range t.entities {
		out[name] = e.Folder
	}
	return out
}

// IsEntityFolder reports whether p lies under root inside a known entity folder.
func (t *Table) IsEntityFolder(root, p string) bool {
	rel, ok := underRoot(root, p)
	if !ok || rel == "" {
		return false
	}
	first, _, _ := strings.Cut(rel, "/")
	_, known := t.byFolder[first]
	return known
}

func underRoot(root, p string) (string, bool) {
	root = path.Join("/", root)
	p = path.Join("/", p)
	if p == root {
		return "", true
	}
	if !strings.HasPrefix(p, root+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, root+"/"), true
}

// FileName builds the file name for an attribute of a record. Web pages and
// content snippets carry the language code; web templates only the
// extension; other entity types use the record name verbatim.
func FileName(entityType, name, languageCode, ext string) string {
	name = sanitize(name)
	switch strings.ToLower(entityType) {
	case "webpages", "contentsnippet":
		if languageCode != "" {
			return name + "." + languageCode + "." + ext
		}
		return name + "." + ext
	case "webtemplates":
		return name + "." + ext
	default:
		return name
	}
}

// FolderName turns a record name into a directory name.
func FolderName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(sanitize(name)), " ", "-"))
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(strings.TrimSpace(name))
}

// Load resolves a version of the embedded schema.
func Load(version string) (*Table, error) {
	return Parse(defaultSchema, version)
}

// LoadFile resolves a version of a schema file.
func LoadFile(file, version string) (*Table, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data, version)
}

type rawMapping struct {
	EntitySet     string `yaml:"entitySet"`
	IDField       string `yaml:"idField"`
	FetchQuery    string `yaml:"fetchQuery"`
	MimeTypeField string `yaml:"mimeTypeField"`
	BinaryV2      bool   `yaml:"binaryV2"`
}

type rawAttribute struct {
	Source    string `yaml:"source"`
	Relative  string `yaml:"relative"`
	Extension string `yaml:"extension"`
	Base64    bool   `yaml:"base64"`
	Mapped    bool   `yaml:"mapped"`
}

type rawEntity struct {
	Name          string         `yaml:"name"`
	EntitySet     string         `yaml:"entitySet"`
	IDField       string         `yaml:"idField"`
	Folder        string         `yaml:"folder"`
	ExportType    string         `yaml:"exportType"`
	FileNameField string         `yaml:"fileNameField"`
	LanguageField string         `yaml:"languageField"`
	FetchQuery    string         `yaml:"fetchQuery"`
	ListQuery     string         `yaml:"listQuery"`
	Mapping       *rawMapping    `yaml:"mappingEntity"`
	Attributes    []rawAttribute `yaml:"attributes"`
}

// Parse resolves one version of a YAML schema document.
func Parse(data []byte, version string) (*Table, error) {
	var doc map[string][]rawEntity
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	raw, ok := doc[strings.ToLower(version)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}

	t := &Table{
		Version:  version,
		entities: make(map[string]*EntityType, len(raw)),
		byFolder: make(map[string]*EntityType, len(raw)),
	}
	for i, re := range raw {
		e, err := resolve(re)
		if err != nil {
			return nil, fmt.Errorf("schema %s entry %d: %w", version, i, err)
		}
		key := strings.ToLower(e.Name)
		if _, dup := t.entities[key]; dup {
			return nil, fmt.Errorf("schema %s: duplicate entity %q", version, e.Name)
		}
		t.entities[key] = e
		t.byFolder[e.Folder] = e
	}
	return t, nil
}

func resolve(re rawEntity) (*EntityType, error) {
	if re.Name == "" || re.EntitySet == "" || re.IDField == "" {
		return nil, errors.New("name, entitySet and idField are required")
	}
	if re.Folder == "" {
		return nil, fmt.Errorf("entity %q: folder is required", re.Name)
	}
	if len(re.Attributes) == 0 {
		return nil, fmt.Errorf("entity %q: at least one attribute is required", re.Name)
	}

	e := &EntityType{
		Name:          re.Name,
		EntitySet:     re.EntitySet,
		IDField:       re.IDField,
		Folder:        re.Folder,
		FileNameField: re.FileNameField,
		LanguageField: re.LanguageField,
		FetchQuery:    re.FetchQuery,
		ListQuery:     re.ListQuery,
	}

	switch ExportType(re.ExportType) {
	case ExportSingleFolder, ExportSubFolders, ExportNone:
		e.ExportType = ExportType(re.ExportType)
	case "":
		e.ExportType = ExportNone
	default:
		return nil, fmt.Errorf("entity %q: unknown export type %q", re.Name, re.ExportType)
	}

	if re.Mapping != nil {
		if re.Mapping.EntitySet == "" {
			return nil, fmt.Errorf("entity %q: mapping entity needs an entitySet", re.Name)
		}
		e.Mapping = &MappingEntity{
			EntitySet:     re.Mapping.EntitySet,
			IDField:       re.Mapping.IDField,
			FetchQuery:    re.Mapping.FetchQuery,
			MimeTypeField: re.Mapping.MimeTypeField,
			BinaryV2:      re.Mapping.BinaryV2,
		}
	}

	for _, ra := range re.Attributes {
		if ra.Source == "" {
			return nil, fmt.Errorf("entity %q: attribute without source", re.Name)
		}
		a := Attribute{
			Source:    ra.Source,
			Relative:  ra.Relative,
			Extension: ra.Extension,
			Base64:    ra.Base64,
		}
		switch {
		case ra.Mapped:
			if e.Mapping == nil {
				return nil, fmt.Errorf("entity %q: attribute %q is mapped but no mapping entity is declared", re.Name, ra.Source)
			}
			a.Kind = KindMapped
			a.BinaryV2 = e.Mapping.BinaryV2
		case ra.Relative != "":
			a.Kind = KindJSONSubKey
		default:
			a.Kind = KindDirect
		}
		e.Attributes = append(e.Attributes, a)
	}
	return e, nil
}
