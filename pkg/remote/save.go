package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/protocol"
	"github.com/portalsfs/portalsfs/pkg/schema"
	"github.com/portalsfs/portalsfs/pkg/telemetry"
)

// MimeTypeKey is the body key carrying the MIME type of mapped content.
const MimeTypeKey = "mimetype"

// SaveProvider writes local changes of tracked files back to Dataverse.
type SaveProvider struct {
	d Deps
}

// NewSaveProvider creates a save provider.
func NewSaveProvider(d Deps) *SaveProvider {
	d.defaults()
	return &SaveProvider{d: d}
}

// Save sends the new content of a tracked file to its record. The virtual
// tree is not touched; on success the entity's tracked column and etag are
// updated.
func (s *SaveProvider) Save(ctx context.Context, p string, content []byte) error {
	fd, ok := s.d.Files.File(p)
	if !ok {
		return fmt.Errorf("save %s: %w", p, metadata.ErrFileNotTracked)
	}

	attr, et, ok := s.resolve(fd)
	if !ok {
		s.d.Editor.ShowError(msgSchemaDrift, true)
		s.d.Telemetry.Failure(telemetry.Event{
			Name:       telemetry.EventSaveAttributePathEmpty,
			EntityType: fd.EntityType,
			Method:     http.MethodPatch,
			Error:      fmt.Sprintf("no attribute for %s", p),
		})
		return fmt.Errorf("save %s: %w", p, ErrAttributePathMissing)
	}

	column, err := s.columnValue(fd, attr, content)
	if err != nil {
		return fmt.Errorf("save %s: %w", p, err)
	}

	tok, err := s.d.token(ctx, et.Name)
	if err != nil {
		s.d.Editor.ShowError(msgNoToken, true)
		return fmt.Errorf("save %s: %w", p, err)
	}

	url, primary := s.updateURL(et, attr, fd.EntityID)
	body, header, err := BuildSaveBody(attr, column, fd.MimeType, fd.FileName)
	if err != nil {
		return fmt.Errorf("save %s: %w", p, err)
	}
	for k, vs := range s.d.Auth.AuthHeader(tok) {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set(protocol.HeaderIfMatch, "*")
	header.Set(protocol.HeaderPrefer, "return=representation")

	start := time.Now()
	s.d.Telemetry.Info(telemetry.Event{
		Name:       telemetry.EventSaveTriggered,
		URL:        url,
		EntityType: et.Name,
		Method:     http.MethodPatch,
	})

	resp, err := s.d.Requests.HandleRequest(ctx, protocol.Request{
		Method: http.MethodPatch,
		URL:    url,
		Header: header,
		Body:   body,
	})
	if err == nil && !resp.OK() {
		err = &protocol.StatusError{
			Method:     http.MethodPatch,
			URL:        url,
			StatusCode: resp.StatusCode,
			Message:    protocol.ErrorMessage(resp),
		}
	}
	if err != nil {
		s.fail(err, url, et.Name, time.Since(start))
		return fmt.Errorf("%w: %s: %w", ErrRemoteSaveFailed, p, err)
	}

	if err := s.d.Entities.UpdateEntityColumn(fd.EntityID, attr.Path(), column); err != nil {
		logging.Warn("saved entity is not tracked",
			logging.Entity(fd.EntityID), logging.Err(err))
	}
	// A save to a separate mapping record leaves the primary record, and
	// its etag, unchanged.
	if etag := responseEtag(resp); etag != "" && primary {
		s.d.Entities.UpdateEntityEtag(fd.EntityID, etag)
		s.d.Files.SetEntityEtag(fd.EntityID, etag)
	}

	s.d.Telemetry.Success(telemetry.Event{
		Name:       telemetry.EventSaveCompleted,
		URL:        url,
		EntityType: et.Name,
		Method:     http.MethodPatch,
		Duration:   time.Since(start),
		StatusCode: resp.StatusCode,
	})
	logging.Info("saved file",
		logging.Path(p),
		logging.Entity(fd.EntityID),
		logging.Duration("duration", time.Since(start)))
	return nil
}

func (s *SaveProvider) resolve(fd metadata.FileData) (schema.Attribute, *schema.EntityType, bool) {
	if fd.AttributePath.IsZero() {
		return schema.Attribute{}, nil, false
	}
	et, ok := s.d.Schema.Entity(fd.EntityType)
	if !ok {
		return schema.Attribute{}, nil, false
	}
	attr, ok := et.Attribute(fd.AttributePath)
	if !ok {
		return schema.Attribute{}, nil, false
	}
	return attr, et, true
}

// columnValue turns written bytes into the column content sent upstream.
func (s *SaveProvider) columnValue(fd metadata.FileData, attr schema.Attribute, content []byte) (string, error) {
	v := string(content)
	if attr.Base64 {
		v = base64.StdEncoding.EncodeToString(content)
	}
	if attr.Kind != schema.KindJSONSubKey {
		return v, nil
	}
	doc, _ := s.d.Entities.EntityColumn(fd.EntityID, attr.Path())
	return protocol.SetSubKey(doc, attr.Relative, v)
}

// updateURL returns the PATCH target for attr and whether it is the entity's
// own record. File column sub-resources belong to the record itself.
func (s *SaveProvider) updateURL(et *schema.EntityType, attr schema.Attribute, entityID string) (string, bool) {
	if attr.Kind == schema.KindMapped && et.Mapping != nil {
		if attr.BinaryV2 {
			return protocol.EntityURL(s.d.OrgURL, et.Mapping.EntitySet, entityID) + "/" + attr.Source, true
		}
		if id := s.d.Entities.MappingEntityID(entityID); id != "" {
			return protocol.EntityURL(s.d.OrgURL, et.Mapping.EntitySet, id), false
		}
	}
	return protocol.EntityURL(s.d.OrgURL, et.EntitySet, entityID), true
}

func (s *SaveProvider) fail(err error, url, entityType string, dur time.Duration) {
	if strings.Contains(err.Error(), "Unauthorized") {
		s.d.Editor.ShowError(msgUnauthorized, true)
	} else {
		s.d.Editor.ShowError(msgBackend, false)
	}

	e := telemetry.Event{
		Name:       telemetry.EventSaveFailed,
		URL:        url,
		EntityType: entityType,
		Method:     http.MethodPatch,
		Duration:   dur,
		Error:      err.Error(),
	}
	if se, ok := protocol.AsStatusError(err); ok {
		e.StatusCode = se.StatusCode
	} else {
		e.Name = telemetry.EventSystemError
	}
	s.d.Telemetry.Failure(e)
	logging.Error("save failed", logging.URL(url), logging.Err(err))
}

// BuildSaveBody builds the update body for an attribute. Binary v2 columns
// take the raw content with a file name header; every other attribute is a
// JSON object keyed by the column name, plus the MIME type when known.
func BuildSaveBody(attr schema.Attribute, column, mimeType, fileName string) ([]byte, http.Header, error) {
	h := http.Header{}
	if attr.BinaryV2 {
		h.Set("Content-Type", "application/octet-stream")
		h.Set(protocol.HeaderFileName, fileName)
		return []byte(column), h, nil
	}

	fields := map[string]string{attr.Source: column}
	if mimeType != "" {
		fields[MimeTypeKey] = mimeType
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("encode body: %w", err)
	}
	h.Set("Content-Type", "application/json")
	return b, h, nil
}

func responseEtag(resp *protocol.Response) string {
	if etag := resp.ETag(); etag != "" {
		return etag
	}
	if len(resp.Body) == 0 {
		return ""
	}
	records, err := protocol.ParseRecords(resp.Body)
	if err != nil || len(records) == 0 {
		return ""
	}
	return records[0].Etag()
}
