package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/internal/metrics"
	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/protocol"
	"github.com/portalsfs/portalsfs/pkg/schema"
	"github.com/portalsfs/portalsfs/pkg/telemetry"
)

// Target is the filesystem fetched content is written into. PopulateFile
// always creates or overwrites and never triggers a save.
type Target interface {
	MkdirAll(p string) error
	PopulateFile(p string, content []byte) error
}

// FetchRequest describes one fetch.
type FetchRequest struct {
	AccessToken string
	EntityType  string
	// EntityID selects one record. Empty lists every record of the entity
	// type for WebsiteID.
	EntityID  string
	WebsiteID string
	// QueryParams overrides the schema query when set.
	QueryParams string
	// LanguageMap maps portal language id to language code.
	LanguageMap map[string]string
	// WebsiteLanguageMap maps website language id to portal language id.
	WebsiteLanguageMap map[string]string
	// Root is the content root directory inside Target.
	Root   string
	Target Target
}

// FetchProvider pulls records into the virtual filesystem.
type FetchProvider struct {
	d Deps
}

// NewFetchProvider creates a fetch provider.
func NewFetchProvider(d Deps) *FetchProvider {
	d.defaults()
	return &FetchProvider{d: d}
}

// Fetch lists the requested records and materializes every attribute as a
// file. A failed listing aborts the fetch; a failed record is logged and
// skipped.
func (f *FetchProvider) Fetch(ctx context.Context, req FetchRequest) error {
	et, ok := f.d.Schema.Entity(req.EntityType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, req.EntityType)
	}

	entityID := req.EntityID
	if entityID != "" {
		id, err := protocol.NormalizeEntityID(entityID)
		if err != nil {
			return err
		}
		entityID = id
	}

	query := req.QueryParams
	if query == "" {
		query = et.Query(entityID, req.WebsiteID)
	}
	url := protocol.EntitySetURL(f.d.OrgURL, et.EntitySet, query)

	start := time.Now()
	f.d.Telemetry.Info(telemetry.Event{
		Name:       telemetry.EventFetchTriggered,
		URL:        url,
		EntityType: et.Name,
		Method:     http.MethodGet,
	})

	records, err := f.list(ctx, req.AccessToken, url)
	if err != nil {
		e := telemetry.Event{
			Name:       telemetry.EventFetchFailed,
			URL:        url,
			EntityType: et.Name,
			Method:     http.MethodGet,
			Duration:   time.Since(start),
			Error:      err.Error(),
		}
		if se, ok := protocol.AsStatusError(err); ok {
			e.StatusCode = se.StatusCode
		}
		f.d.Telemetry.Failure(e)
		return fmt.Errorf("%w: %s: %w", ErrRemoteFetchFailed, et.Name, err)
	}

	var last string
	for _, rec := range records {
		p, err := f.materialize(ctx, req, et, rec)
		if err != nil {
			logging.WithContext(ctx).Warn("skipping record",
				logging.Entity(et.Name),
				logging.String("id", rec.String(et.IDField)),
				logging.Err(err))
			f.d.Telemetry.Failure(telemetry.Event{
				Name:       telemetry.EventRecordFailed,
				URL:        url,
				EntityType: et.Name,
				Error:      err.Error(),
			})
			continue
		}
		if p != "" {
			last = p
		}
	}

	metrics.SetMaterializedFiles(f.d.Files.Len())
	f.d.Telemetry.Success(telemetry.Event{
		Name:       telemetry.EventFetchCompleted,
		URL:        url,
		EntityType: et.Name,
		Method:     http.MethodGet,
		Duration:   time.Since(start),
	})
	logging.Info("fetched records",
		logging.Entity(et.Name),
		logging.Int("records", len(records)),
		logging.Duration("duration", time.Since(start)))

	if last != "" {
		f.d.Editor.OpenFile(last)
	}
	return nil
}

func (f *FetchProvider) get(ctx context.Context, token, url string) (*protocol.Response, error) {
	resp, err := f.d.Requests.HandleRequest(ctx, protocol.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: f.d.Auth.AuthHeader(token),
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &protocol.StatusError{
			Method:     http.MethodGet,
			URL:        url,
			StatusCode: resp.StatusCode,
			Message:    protocol.ErrorMessage(resp),
		}
	}
	return resp, nil
}

func (f *FetchProvider) list(ctx context.Context, token, url string) ([]protocol.Record, error) {
	resp, err := f.get(ctx, token, url)
	if err != nil {
		return nil, err
	}
	return protocol.ParseRecords(resp.Body)
}

// mapped is the content of a record's mapping entity, fetched once per record.
type mapped struct {
	record protocol.Record
	value  string
	id     string
	mime   string
}

func (f *FetchProvider) materialize(ctx context.Context, req FetchRequest, et *schema.EntityType, rec protocol.Record) (string, error) {
	id := rec.String(et.IDField)
	if id == "" {
		return "", fmt.Errorf("record has no %s", et.IDField)
	}
	name := rec.String(et.FileNameField)
	if name == "" {
		name = id
	}
	lang := languageCode(req, rec.String(et.LanguageField))

	folder := et.FolderPath(req.Root, name)
	if err := req.Target.MkdirAll(folder); err != nil {
		return "", fmt.Errorf("create %s: %w", folder, err)
	}

	var m *mapped
	var last string
	for _, attr := range et.Attributes {
		var column, raw, mappingID, mime string

		switch attr.Kind {
		case schema.KindDirect:
			column = rec.String(attr.Source)
			raw = column
		case schema.KindJSONSubKey:
			column = rec.String(attr.Source)
			v, err := protocol.SubKey(column, attr.Relative)
			if err != nil {
				return "", fmt.Errorf("%s.%s: %w", attr.Source, attr.Relative, err)
			}
			raw = v
		case schema.KindMapped:
			if m == nil {
				var err error
				m, err = f.fetchMapped(ctx, req.AccessToken, et, attr, id)
				if err != nil {
					return "", err
				}
			}
			if attr.BinaryV2 {
				column = m.value
			} else {
				column = m.record.String(attr.Source)
			}
			raw = column
			mappingID, mime = m.id, m.mime
		default:
			return "", fmt.Errorf("attribute %s: unsupported kind %v", attr.Source, attr.Kind)
		}

		content := []byte(raw)
		if attr.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return "", fmt.Errorf("decode %s: %w", attr.Source, err)
			}
			content = decoded
		}

		fileName := schema.FileName(et.Name, name, lang, attr.Extension)
		p := path.Join(folder, fileName)

		f.d.Files.SetFile(p, metadata.FileData{
			EntityID:      id,
			EntityType:    et.Name,
			FileName:      fileName,
			Etag:          rec.Etag(),
			Extension:     attr.Extension,
			AttributePath: attr.Path(),
			Encoded:       attr.Base64,
			MimeType:      mime,
		})
		f.d.Entities.SetEntity(id, et.Name, rec.Etag(), attr.Path(), column, mappingID)

		if err := req.Target.PopulateFile(p, content); err != nil {
			return "", fmt.Errorf("write %s: %w", p, err)
		}
		last = p
	}
	return last, nil
}

func (f *FetchProvider) fetchMapped(ctx context.Context, token string, et *schema.EntityType, attr schema.Attribute, id string) (*mapped, error) {
	me := et.Mapping
	var url string
	if me.OnSameRecord() {
		url = protocol.EntityURL(f.d.OrgURL, me.EntitySet, id) + me.Query(id)
	} else {
		url = protocol.EntitySetURL(f.d.OrgURL, me.EntitySet, me.Query(id))
	}

	m, err := f.readMapped(ctx, token, me, attr, url)
	if err != nil {
		f.d.Telemetry.Failure(telemetry.Event{
			Name:       telemetry.EventMappingFetchFailed,
			URL:        url,
			EntityType: et.Name,
			Method:     http.MethodGet,
			Error:      err.Error(),
		})
		return nil, fmt.Errorf("mapping entity %s: %w", me.EntitySet, err)
	}
	return m, nil
}

func (f *FetchProvider) readMapped(ctx context.Context, token string, me *schema.MappingEntity, attr schema.Attribute, url string) (*mapped, error) {
	resp, err := f.get(ctx, token, url)
	if err != nil {
		return nil, err
	}

	if attr.BinaryV2 {
		v, err := protocol.ParseValue(resp.Body)
		if err != nil {
			return nil, err
		}
		return &mapped{value: v}, nil
	}

	records, err := protocol.ParseRecords(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("no mapping record")
	}
	rec := records[0]
	return &mapped{
		record: rec,
		id:     rec.String(me.IDField),
		mime:   rec.String(me.MimeTypeField),
	}, nil
}

func languageCode(req FetchRequest, languageID string) string {
	if languageID == "" {
		return ""
	}
	if portalLanguage, ok := req.WebsiteLanguageMap[languageID]; ok {
		languageID = portalLanguage
	}
	return req.LanguageMap[languageID]
}
